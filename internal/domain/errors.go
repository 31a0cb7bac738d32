package domain

import "errors"

// Error taxonomy surfaced over the wire protocol. Matched with errors.Is
// so call sites can wrap with context.
var (
	ErrAuthentication = errors.New("authentication failed")
	ErrRoomFull       = errors.New("room is full")
	ErrRoomNotFound   = errors.New("room not found")
	ErrAlreadyMember  = errors.New("session already belongs to a room")
	ErrRoomPassword   = errors.New("wrong room password")
	ErrCapacity       = errors.New("server capacity reached")
)
