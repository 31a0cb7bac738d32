// Package protocol defines the control-plane messages exchanged between
// clients and the facilitator, and directly between peers during punching.
package protocol

import "github.com/vrnet/facilitator/internal/domain"

// Kind identifies a control message.
type Kind string

const (
	KindRegister          Kind = "register"
	KindRegisterAck       Kind = "register_ack"
	KindAuthError         Kind = "auth_error"
	KindCreateRoom        Kind = "create_room"
	KindRoomCreated       Kind = "room_created"
	KindJoinRoom          Kind = "join_room"
	KindRoomJoined        Kind = "room_joined"
	KindLeaveRoom         Kind = "leave_room"
	KindRoomLeft          Kind = "room_left"
	KindRoomError         Kind = "room_error"
	KindCapacityError     Kind = "capacity_error"
	KindCandidateExchange Kind = "candidate_exchange"
	KindPunchProbe        Kind = "punch_probe"
	KindPunchAck          Kind = "punch_ack"
	KindPunchResult       Kind = "punch_result"
	KindRelayEstablished  Kind = "relay_established"
	KindRelayData         Kind = "relay_data"
	KindPeerData          Kind = "peer_data"
	KindLinkFailed        Kind = "link_failed"
	KindMemberLeft        Kind = "member_left"
	KindHostChanged       Kind = "host_changed"
	KindHeartbeat         Kind = "heartbeat"
	KindBye               Kind = "bye"
)

type Register struct {
	Token      string            `json:"token"`
	Candidates []domain.Endpoint `json:"candidates,omitempty"`
}

type RegisterAck struct {
	SessionID domain.SessionID `json:"session_id"`
	Observed  domain.Endpoint  `json:"observed"` // NAT reflection of the caller
}

type ErrorInfo struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type CreateRoom struct {
	Config domain.RoomConfig `json:"config"`
}

type RoomCreated struct {
	RoomID domain.RoomID `json:"room_id"`
}

// MatchCriteria selects a room when no explicit id is given: any public
// room with a free slot, optionally filtered by name.
type MatchCriteria struct {
	Name string `json:"name,omitempty"`
}

type JoinRoom struct {
	RoomID   domain.RoomID  `json:"room_id,omitempty"`
	Criteria *MatchCriteria `json:"criteria,omitempty"`
	Password string         `json:"password,omitempty"`
}

type MemberInfo struct {
	SessionID domain.SessionID `json:"session_id"`
}

type RoomJoined struct {
	RoomID  domain.RoomID    `json:"room_id"`
	Host    domain.SessionID `json:"host"`
	Members []MemberInfo     `json:"members"`
}

type RoomLeft struct {
	RoomID domain.RoomID `json:"room_id"`
}

type MemberLeft struct {
	RoomID    domain.RoomID    `json:"room_id"`
	SessionID domain.SessionID `json:"session_id"`
}

type HostChanged struct {
	RoomID domain.RoomID    `json:"room_id"`
	Host   domain.SessionID `json:"host"`
}

type CandidateExchange struct {
	LinkID    domain.LinkID     `json:"link_id"`
	PeerID    domain.SessionID  `json:"peer_id"`
	Endpoints []domain.Endpoint `json:"endpoints"`
	Initiator bool              `json:"initiator"`
	Attempt   int               `json:"attempt"`
}

type PunchProbe struct {
	LinkID domain.LinkID    `json:"link_id"`
	From   domain.SessionID `json:"from"`
}

type PunchAck struct {
	LinkID domain.LinkID    `json:"link_id"`
	From   domain.SessionID `json:"from"`
	Addr   string           `json:"addr"` // candidate the ack answers
}

// PunchResult reports a side's outcome upward so the coordinator can
// detect bidirectional success.
type PunchResult struct {
	LinkID domain.LinkID    `json:"link_id"`
	PeerID domain.SessionID `json:"peer_id"`
	OK     bool             `json:"ok"`
	Addr   string           `json:"addr,omitempty"` // winning candidate when OK
}

type RelayEstablished struct {
	LinkID    domain.LinkID    `json:"link_id"`
	PeerID    domain.SessionID `json:"peer_id"`
	ChannelID domain.ChannelID `json:"channel_id"`
}

type RelayData struct {
	ChannelID domain.ChannelID `json:"channel_id"`
	Seq       uint64           `json:"seq"`
	Payload   []byte           `json:"payload"`
	Ordered   bool             `json:"ordered"`
}

// PeerData is application payload on a direct link, sent peer to peer.
type PeerData struct {
	From    domain.SessionID `json:"from"`
	Seq     uint64           `json:"seq"`
	Payload []byte           `json:"payload"`
}

type LinkFailed struct {
	LinkID domain.LinkID    `json:"link_id"`
	PeerID domain.SessionID `json:"peer_id"`
	Reason string           `json:"reason"`
}
