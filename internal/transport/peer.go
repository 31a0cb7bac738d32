package transport

import (
	"time"
)

// pendingFrame is an unacknowledged reliable frame awaiting resend.
type pendingFrame struct {
	buf      []byte
	attempts int
	backoff  time.Duration
	nextAt   time.Time
}

// lane is one reliability lane (one per reliable mode per peer). The two
// reliable modes keep independent sequence spaces so an unordered burst
// can never stall the ordered stream.
type lane struct {
	nextSeq uint32
	pending map[uint32]*pendingFrame
}

func newLane() *lane {
	return &lane{pending: make(map[uint32]*pendingFrame)}
}

// peerState holds everything the Conn tracks per remote address. Guarded
// by the Conn mutex.
type peerState struct {
	lanes [2]*lane // index: reliable mode - 1

	// receive side, reliable-unordered: dedup window
	seen     map[uint32]struct{}
	seenHigh uint32

	// receive side, reliable-ordered
	order *reassembler
}

func newPeerState(window uint32) *peerState {
	return &peerState{
		lanes: [2]*lane{newLane(), newLane()},
		seen:  make(map[uint32]struct{}),
		order: newReassembler(window),
	}
}

func (p *peerState) lane(m Mode) *lane {
	return p.lanes[m-1]
}

// markSeen reports whether seq was already delivered, recording it if not.
// Seqs that fell below the window floor count as seen.
func (p *peerState) markSeen(seq uint32, window uint32) bool {
	if p.seenHigh >= window && seq <= p.seenHigh-window {
		return true
	}
	if _, ok := p.seen[seq]; ok {
		return true
	}
	p.seen[seq] = struct{}{}
	if seq > p.seenHigh {
		p.seenHigh = seq
		// Prune entries that fell out of the window.
		if p.seenHigh > window {
			floor := p.seenHigh - window
			for s := range p.seen {
				if s <= floor {
					delete(p.seen, s)
				}
			}
		}
	}
	return false
}
