package domain

import "time"

type LinkID string

type ChannelID string

type LinkState string

const (
	LinkNegotiating LinkState = "negotiating"
	LinkDirect      LinkState = "direct"
	LinkRelayed     LinkState = "relayed"
	LinkFailed      LinkState = "failed"
)

// PeerLink is the connectivity relationship between two sessions in the
// same room. A and B are ordered so that A < B lexicographically; A is the
// punch initiator on strict NATs.
type PeerLink struct {
	ID             LinkID
	A, B           SessionID
	State          LinkState
	Attempts       int
	LastTransition time.Time
}

// Peer returns the other end of the link, or "" if sid is not on it.
func (l *PeerLink) Peer(sid SessionID) SessionID {
	switch sid {
	case l.A:
		return l.B
	case l.B:
		return l.A
	}
	return ""
}

// OrderPair normalizes a session pair so the initiator comes first.
func OrderPair(x, y SessionID) (SessionID, SessionID) {
	if x < y {
		return x, y
	}
	return y, x
}
