// Package rendezvous drives the NAT traversal state machine for every
// peer link: candidate exchange, the punch window, promotion to direct and
// the fallback to relay.
package rendezvous

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vrnet/facilitator/internal/domain"
)

type Config struct {
	// PunchWindow bounds how long simultaneous punching may run before the
	// link falls back to relay.
	PunchWindow time.Duration
	// MaxAttempts caps how many times a failed link may re-enter
	// negotiation.
	MaxAttempts int
}

// Callbacks are invoked on state transitions, never while the coordinator
// lock is held. The server wires them to candidate broadcast and relay
// setup.
type Callbacks struct {
	OnDirect    func(link domain.PeerLink)
	OnNeedRelay func(link domain.PeerLink)
	OnFailed    func(link domain.PeerLink, reason string)
}

type linkState struct {
	domain.PeerLink

	reportedA, reportedB bool
	okA, okB             bool
	window               *time.Timer
}

type Coordinator struct {
	cfg Config
	cb  Callbacks

	mu        sync.Mutex
	links     map[domain.LinkID]*linkState
	byPair    map[[2]domain.SessionID]domain.LinkID
	bySession map[domain.SessionID]map[domain.LinkID]struct{}
}

func New(cfg Config, cb Callbacks) *Coordinator {
	if cfg.PunchWindow <= 0 {
		cfg.PunchWindow = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Coordinator{
		cfg:       cfg,
		cb:        cb,
		links:     make(map[domain.LinkID]*linkState),
		byPair:    make(map[[2]domain.SessionID]domain.LinkID),
		bySession: make(map[domain.SessionID]map[domain.LinkID]struct{}),
	}
}

// Begin creates (or returns) the link for a session pair and starts its
// negotiation window. The pair is normalized so the lexicographically
// smaller session is the initiator.
func (c *Coordinator) Begin(x, y domain.SessionID) (domain.PeerLink, bool) {
	a, b := domain.OrderPair(x, y)

	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.byPair[[2]domain.SessionID{a, b}]; ok {
		return c.links[id].PeerLink, false
	}

	ls := &linkState{PeerLink: domain.PeerLink{
		ID:             domain.LinkID(uuid.NewString()),
		A:              a,
		B:              b,
		State:          domain.LinkNegotiating,
		Attempts:       1,
		LastTransition: time.Now(),
	}}
	c.links[ls.ID] = ls
	c.byPair[[2]domain.SessionID{a, b}] = ls.ID
	c.index(a, ls.ID)
	c.index(b, ls.ID)
	c.armWindowLocked(ls)

	log.Info().Str("module", "rendezvous").Str("link", string(ls.ID)).
		Str("a", string(a)).Str("b", string(b)).Msg("link negotiating")
	return ls.PeerLink, true
}

func (c *Coordinator) index(sid domain.SessionID, id domain.LinkID) {
	set, ok := c.bySession[sid]
	if !ok {
		set = make(map[domain.LinkID]struct{})
		c.bySession[sid] = set
	}
	set[id] = struct{}{}
}

func (c *Coordinator) armWindowLocked(ls *linkState) {
	id := ls.ID
	ls.window = time.AfterFunc(c.cfg.PunchWindow, func() {
		c.windowExpired(id)
	})
}

// ReportPunch records one side's punch outcome. The link goes direct only
// on bidirectional success; two verdicts without it end the window early.
func (c *Coordinator) ReportPunch(from domain.SessionID, linkID domain.LinkID, ok bool) {
	c.mu.Lock()
	ls, found := c.links[linkID]
	if !found || ls.State != domain.LinkNegotiating {
		c.mu.Unlock()
		return
	}
	switch from {
	case ls.A:
		ls.reportedA, ls.okA = true, ok
	case ls.B:
		ls.reportedB, ls.okB = true, ok
	default:
		c.mu.Unlock()
		return
	}

	var direct, fallback bool
	switch {
	case ls.okA && ls.okB:
		direct = true
		c.transitionLocked(ls, domain.LinkDirect)
	case ls.reportedA && ls.reportedB:
		fallback = true
		c.transitionLocked(ls, domain.LinkRelayed)
	}
	snap := ls.PeerLink
	c.mu.Unlock()

	if direct {
		log.Info().Str("module", "rendezvous").Str("link", string(linkID)).Msg("link direct")
		if c.cb.OnDirect != nil {
			c.cb.OnDirect(snap)
		}
	}
	if fallback {
		log.Info().Str("module", "rendezvous").Str("link", string(linkID)).Msg("punch failed on both sides, falling back to relay")
		if c.cb.OnNeedRelay != nil {
			c.cb.OnNeedRelay(snap)
		}
	}
}

// windowExpired fires when the punch window elapses without bidirectional
// success: the negotiation timeout is not an error, it selects relay.
func (c *Coordinator) windowExpired(linkID domain.LinkID) {
	c.mu.Lock()
	ls, found := c.links[linkID]
	if !found || ls.State != domain.LinkNegotiating {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(ls, domain.LinkRelayed)
	snap := ls.PeerLink
	c.mu.Unlock()

	log.Info().Str("module", "rendezvous").Str("link", string(linkID)).Msg("punch window expired, falling back to relay")
	if c.cb.OnNeedRelay != nil {
		c.cb.OnNeedRelay(snap)
	}
}

// ForceRelay skips punching entirely, e.g. when one side is only
// reachable through the facilitator (WS-bridged client).
func (c *Coordinator) ForceRelay(linkID domain.LinkID) {
	c.mu.Lock()
	ls, found := c.links[linkID]
	if !found || ls.State != domain.LinkNegotiating {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(ls, domain.LinkRelayed)
	snap := ls.PeerLink
	c.mu.Unlock()

	log.Info().Str("module", "rendezvous").Str("link", string(linkID)).Msg("link not punchable, relaying")
	if c.cb.OnNeedRelay != nil {
		c.cb.OnNeedRelay(snap)
	}
}

// MarkFailed moves the link to failed, e.g. when relay setup was refused.
func (c *Coordinator) MarkFailed(linkID domain.LinkID, reason string) {
	c.mu.Lock()
	ls, found := c.links[linkID]
	if !found || ls.State == domain.LinkFailed {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(ls, domain.LinkFailed)
	snap := ls.PeerLink
	c.mu.Unlock()

	log.Warn().Str("module", "rendezvous").Str("link", string(linkID)).Str("reason", reason).Msg("link failed")
	if c.cb.OnFailed != nil {
		c.cb.OnFailed(snap, reason)
	}
}

// Retry re-enters negotiation on a failed link, up to the attempt cap.
func (c *Coordinator) Retry(linkID domain.LinkID) (domain.PeerLink, bool) {
	c.mu.Lock()
	ls, found := c.links[linkID]
	if !found || ls.State != domain.LinkFailed || ls.Attempts >= c.cfg.MaxAttempts {
		c.mu.Unlock()
		return domain.PeerLink{}, false
	}
	ls.Attempts++
	ls.reportedA, ls.reportedB, ls.okA, ls.okB = false, false, false, false
	c.transitionLocked(ls, domain.LinkNegotiating)
	c.armWindowLocked(ls)
	snap := ls.PeerLink
	c.mu.Unlock()

	log.Info().Str("module", "rendezvous").Str("link", string(linkID)).Int("attempt", snap.Attempts).Msg("link renegotiating")
	return snap, true
}

// transitionLocked updates state and stops any pending window timer so a
// stale expiry cannot fire after the link left negotiating.
func (c *Coordinator) transitionLocked(ls *linkState, to domain.LinkState) {
	if ls.window != nil {
		ls.window.Stop()
		ls.window = nil
	}
	ls.State = to
	ls.LastTransition = time.Now()
}

// Get returns a snapshot of the link.
func (c *Coordinator) Get(linkID domain.LinkID) (domain.PeerLink, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls, ok := c.links[linkID]
	if !ok {
		return domain.PeerLink{}, false
	}
	return ls.PeerLink, true
}

// CancelSession tears down every link touching sid, stopping window
// timers, and returns the removed links so the server can notify peers
// and release relay channels.
func (c *Coordinator) CancelSession(sid domain.SessionID) []domain.PeerLink {
	c.mu.Lock()
	var out []domain.PeerLink
	for id := range c.bySession[sid] {
		ls := c.links[id]
		if ls.window != nil {
			ls.window.Stop()
			ls.window = nil
		}
		out = append(out, ls.PeerLink)
		delete(c.links, id)
		delete(c.byPair, [2]domain.SessionID{ls.A, ls.B})
		if other := ls.Peer(sid); other != "" {
			if set, ok := c.bySession[other]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(c.bySession, other)
				}
			}
		}
	}
	delete(c.bySession, sid)
	c.mu.Unlock()

	if len(out) > 0 {
		log.Info().Str("module", "rendezvous").Str("sid", string(sid)).Int("links", len(out)).Msg("cancelled session links")
	}
	return out
}

func (c *Coordinator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.links)
}
