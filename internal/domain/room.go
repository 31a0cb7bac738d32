package domain

import "time"

type RoomID string

type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityPrivate   Visibility = "private"
	VisibilityProtected Visibility = "protected" // joinable with password
)

// RoomConfig is what a client supplies on create.
type RoomConfig struct {
	Name       string     `json:"name"`
	Capacity   int        `json:"capacity"`
	Visibility Visibility `json:"visibility"`
	Password   string     `json:"password,omitempty"`
}

// Room groups sessions into one collaborative world instance. Members are
// kept in join order; the head of the list is the host.
type Room struct {
	ID        RoomID
	Config    RoomConfig
	Members   []SessionID
	CreatedAt time.Time
}

func (r *Room) Host() SessionID {
	if len(r.Members) == 0 {
		return ""
	}
	return r.Members[0]
}

// RoomInfo is the listing snapshot exposed to clients and the ops API.
type RoomInfo struct {
	ID          RoomID     `json:"id"`
	Name        string     `json:"name"`
	Visibility  Visibility `json:"visibility"`
	MemberCount int        `json:"member_count"`
	Capacity    int        `json:"capacity"`
}
