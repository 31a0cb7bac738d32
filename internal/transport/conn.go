package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("transport closed")

// Conn layers reliability over a PacketConn. One Conn serves many remote
// peers; per-peer state is created lazily on first send or receive and
// dropped with Forget.
type Conn struct {
	pc  PacketConn
	cfg Config
	log zerolog.Logger

	mu    sync.Mutex
	peers map[string]*peerState

	inbound chan Inbound
	done    chan struct{}
	closing sync.Once

	onAlive      func(addr string, at time.Time)
	onPeerFailed func(addr string)
}

// Option configures a Conn.
type Option func(*Conn)

// WithLivenessObserver registers a callback invoked for every received
// frame; the registry uses it to refresh session liveness.
func WithLivenessObserver(fn func(addr string, at time.Time)) Option {
	return func(c *Conn) { c.onAlive = fn }
}

// WithPeerFailureObserver registers a callback invoked when a reliable
// frame exhausts its retransmit budget toward addr.
func WithPeerFailureObserver(fn func(addr string)) Option {
	return func(c *Conn) { c.onPeerFailed = fn }
}

func New(pc PacketConn, cfg Config, opts ...Option) *Conn {
	cfg = cfg.withDefaults()
	c := &Conn{
		pc:      pc,
		cfg:     cfg,
		log:     log.With().Str("module", "transport").Str("local", pc.LocalAddr()).Logger(),
		peers:   make(map[string]*peerState),
		inbound: make(chan Inbound, cfg.InboundBuffer),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.readLoop()
	go c.retransmitLoop()
	return c
}

// Packets is the infinite stream of received datagrams. Closed when the
// Conn closes.
func (c *Conn) Packets() <-chan Inbound {
	return c.inbound
}

func (c *Conn) LocalAddr() string {
	return c.pc.LocalAddr()
}

// Send transmits payload to addr with the requested delivery mode.
// Reliable sends are tracked until acknowledged; failure to deliver after
// the retransmit budget is reported through the peer failure observer.
func (c *Conn) Send(addr string, payload []byte, mode Mode) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	f := frame{Kind: frameData, Mode: mode, Payload: payload}
	if mode == Unreliable {
		return c.pc.WriteTo(encodeFrame(f), addr)
	}

	c.mu.Lock()
	ps := c.peer(addr)
	ln := ps.lane(mode)
	ln.nextSeq++
	f.Seq = ln.nextSeq
	buf := encodeFrame(f)
	ln.pending[f.Seq] = &pendingFrame{
		buf:     buf,
		backoff: c.cfg.RetransmitBase,
		nextAt:  time.Now().Add(c.cfg.RetransmitBase),
	}
	c.mu.Unlock()

	if err := c.pc.WriteTo(buf, addr); err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}

// Forget drops all reliability state for addr: pending retransmissions
// are cancelled and receive-side dedup/reorder state is freed. Used when
// a session disconnects so stale timers cannot touch freed link state.
func (c *Conn) Forget(addr string) {
	c.mu.Lock()
	delete(c.peers, addr)
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	var err error
	c.closing.Do(func() {
		close(c.done)
		err = c.pc.Close()
	})
	return err
}

// peer returns the state for addr, creating it if needed. Caller holds mu.
func (c *Conn) peer(addr string) *peerState {
	ps, ok := c.peers[addr]
	if !ok {
		ps = newPeerState(c.cfg.ReorderWindow)
		c.peers[addr] = ps
	}
	return ps
}

func (c *Conn) readLoop() {
	defer close(c.inbound)
	for {
		data, from, err := c.pc.ReadFrom()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Error().Err(err).Msg("read loop stopped")
			}
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			c.log.Warn().Err(err).Str("from", from).Msg("dropping malformed frame")
			continue
		}
		c.handleFrame(f, from)
	}
}

func (c *Conn) handleFrame(f frame, from string) {
	now := time.Now()
	if c.onAlive != nil {
		c.onAlive(from, now)
	}

	switch f.Kind {
	case frameAck:
		c.mu.Lock()
		if ps, ok := c.peers[from]; ok && f.Mode != Unreliable {
			delete(ps.lane(f.Mode).pending, f.Seq)
		}
		c.mu.Unlock()
		return
	case frameNack:
		c.mu.Lock()
		var buf []byte
		if ps, ok := c.peers[from]; ok && f.Mode != Unreliable {
			if pf, ok := ps.lane(f.Mode).pending[f.Seq]; ok {
				buf = pf.buf
			}
		}
		c.mu.Unlock()
		if buf != nil {
			_ = c.pc.WriteTo(buf, from)
		}
		return
	}

	// Data frame.
	if f.Mode == Unreliable {
		c.deliver(Inbound{From: from, Payload: f.Payload, Mode: f.Mode})
		return
	}

	// Ack first so loss of our ack only costs the sender a resend.
	_ = c.pc.WriteTo(encodeFrame(frame{Kind: frameAck, Mode: f.Mode, Seq: f.Seq}), from)

	c.mu.Lock()
	ps := c.peer(from)
	switch f.Mode {
	case ReliableUnordered:
		dup := ps.markSeen(f.Seq, c.cfg.ReorderWindow)
		c.mu.Unlock()
		if !dup {
			c.deliver(Inbound{From: from, Payload: f.Payload, Mode: f.Mode})
		}
	case ReliableOrdered:
		ready, nack := ps.order.feed(f.Seq, f.Payload)
		var missing uint32
		if nack {
			missing = ps.order.expected
		}
		c.mu.Unlock()
		if nack {
			_ = c.pc.WriteTo(encodeFrame(frame{Kind: frameNack, Mode: f.Mode, Seq: missing}), from)
		}
		for _, p := range ready {
			c.deliver(Inbound{From: from, Payload: p, Mode: f.Mode})
		}
	}
}

func (c *Conn) deliver(in Inbound) {
	select {
	case c.inbound <- in:
	case <-c.done:
	}
}

// retransmitLoop walks pending frames and resends the ones whose timer
// elapsed. Peers that exhaust the retransmit budget are dropped and
// reported failed.
func (c *Conn) retransmitLoop() {
	tick := c.cfg.RetransmitBase / 2
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.resendDue(now)
		}
	}
}

func (c *Conn) resendDue(now time.Time) {
	type resend struct {
		addr string
		buf  []byte
	}
	var out []resend
	var failed []string

	c.mu.Lock()
	for addr, ps := range c.peers {
		dead := false
		for _, ln := range ps.lanes {
			for _, pf := range ln.pending {
				if pf.nextAt.After(now) {
					continue
				}
				pf.attempts++
				if pf.attempts > c.cfg.MaxRetransmits {
					dead = true
					break
				}
				pf.backoff *= 2
				if pf.backoff > c.cfg.RetransmitCap {
					pf.backoff = c.cfg.RetransmitCap
				}
				pf.nextAt = now.Add(pf.backoff)
				out = append(out, resend{addr: addr, buf: pf.buf})
			}
			if dead {
				break
			}
		}
		if dead {
			failed = append(failed, addr)
		}
	}
	for _, addr := range failed {
		delete(c.peers, addr)
	}
	c.mu.Unlock()

	for _, r := range out {
		_ = c.pc.WriteTo(r.buf, r.addr)
	}
	for _, addr := range failed {
		c.log.Warn().Str("peer", addr).Msg("retransmit budget exhausted")
		if c.onPeerFailed != nil {
			c.onPeerFailed(addr)
		}
	}
}
