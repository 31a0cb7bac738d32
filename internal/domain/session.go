package domain

import "time"

type SessionID string

type SessionState uint8

const (
	SessionConnected SessionState = iota
	SessionDisconnected
)

// Session is one connected client. The registry owns the authoritative
// record; everything it hands out is a copy, other components hold ids.
type Session struct {
	ID         SessionID
	Token      string
	RoomID     RoomID // empty while not in a room
	Remote     Endpoint
	Candidates []Endpoint
	LastSeen   time.Time
	State      SessionState
}

// CandidateSet is the remote address plus everything the client declared,
// deduplicated by address.
func (s *Session) CandidateSet() []Endpoint {
	out := make([]Endpoint, 0, len(s.Candidates)+1)
	seen := map[string]struct{}{}
	add := func(ep Endpoint) {
		if _, ok := seen[ep.Addr]; ok {
			return
		}
		seen[ep.Addr] = struct{}{}
		out = append(out, ep)
	}
	add(s.Remote)
	for _, ep := range s.Candidates {
		add(ep)
	}
	return out
}
