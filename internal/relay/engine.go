// Package relay forwards datagrams between the two legs of a peer link
// whose traversal failed. Each leg is re-framed under the channel's own
// sequence space; the underlying transport keeps independent
// retransmission state per leg, so one stalled leg never blocks the other.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/vrnet/facilitator/internal/domain"
	"github.com/vrnet/facilitator/internal/metrics"
	"github.com/vrnet/facilitator/internal/transport"
)

type Config struct {
	// MaxChannels caps concurrently relayed links; beyond it Open fails
	// with domain.ErrCapacity.
	MaxChannels int
	// BytesPerSecond and Burst shape the per-channel quota.
	BytesPerSecond int
	Burst          int
	// Backlog bounds the per-channel reliable forwarding queue; beyond it
	// drops start.
	Backlog int
}

func (c Config) withDefaults() Config {
	if c.BytesPerSecond <= 0 {
		c.BytesPerSecond = 256 * 1024
	}
	if c.Burst <= 0 {
		c.Burst = 64 * 1024
	}
	if c.Backlog <= 0 {
		c.Backlog = 128
	}
	return c
}

// Sender delivers a re-framed relay payload to a session. Wired by the
// server to its transport send path.
type Sender func(dst domain.SessionID, chID domain.ChannelID, seq uint64, payload []byte, ordered bool, mode transport.Mode) error

type queued struct {
	dst     domain.SessionID
	payload []byte
	ordered bool
	mode    transport.Mode
}

// Channel is the live forwarding state of one relayed peer link.
type Channel struct {
	ID   domain.ChannelID
	Link domain.LinkID
	A, B domain.SessionID

	limiter *rate.Limiter
	backlog chan queued
	cancel  context.CancelFunc

	mu    sync.Mutex
	seqTo map[domain.SessionID]uint64
}

// nextSeq mints the next per-leg sequence number. The relay never copies
// the sender's sequence numbers across legs.
func (ch *Channel) nextSeq(dst domain.SessionID) uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.seqTo[dst]++
	return ch.seqTo[dst]
}

type Engine struct {
	cfg  Config
	send Sender

	mu        sync.RWMutex
	channels  map[domain.ChannelID]*Channel
	byLink    map[domain.LinkID]domain.ChannelID
	bySession map[domain.SessionID]map[domain.ChannelID]struct{}
}

func NewEngine(cfg Config, send Sender) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		send:      send,
		channels:  make(map[domain.ChannelID]*Channel),
		byLink:    make(map[domain.LinkID]domain.ChannelID),
		bySession: make(map[domain.SessionID]map[domain.ChannelID]struct{}),
	}
}

// Open creates the relay channel for a link and starts its backlog
// drainer.
func (e *Engine) Open(link domain.PeerLink) (*Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.byLink[link.ID]; ok {
		return e.channels[id], nil
	}
	if e.cfg.MaxChannels > 0 && len(e.channels) >= e.cfg.MaxChannels {
		return nil, fmt.Errorf("relay channels: %w", domain.ErrCapacity)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		ID:      domain.ChannelID(uuid.NewString()),
		Link:    link.ID,
		A:       link.A,
		B:       link.B,
		limiter: rate.NewLimiter(rate.Limit(e.cfg.BytesPerSecond), e.cfg.Burst),
		backlog: make(chan queued, e.cfg.Backlog),
		cancel:  cancel,
		seqTo:   make(map[domain.SessionID]uint64),
	}
	e.channels[ch.ID] = ch
	e.byLink[link.ID] = ch.ID
	e.indexLocked(link.A, ch.ID)
	e.indexLocked(link.B, ch.ID)

	go e.drainBacklog(ctx, ch)

	metrics.RelayChannels.Inc()
	log.Info().Str("module", "relay").Str("channel", string(ch.ID)).Str("link", string(link.ID)).Msg("relay channel open")
	return ch, nil
}

func (e *Engine) indexLocked(sid domain.SessionID, id domain.ChannelID) {
	set, ok := e.bySession[sid]
	if !ok {
		set = make(map[domain.ChannelID]struct{})
		e.bySession[sid] = set
	}
	set[id] = struct{}{}
}

// Forward relays one datagram from a peer to the other leg. Unreliable
// traffic over quota is dropped on the spot. Reliable traffic always goes
// through the channel's queue and leaves in arrival order; a packet that
// happens to have quota must not overtake one still waiting for it. When
// the bounded queue is full, drops start. A missing channel is a
// cancellation, not an error: the link may have been torn down
// concurrently.
func (e *Engine) Forward(chID domain.ChannelID, from domain.SessionID, payload []byte, ordered bool, mode transport.Mode) {
	e.mu.RLock()
	ch, ok := e.channels[chID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	var dst domain.SessionID
	switch from {
	case ch.A:
		dst = ch.B
	case ch.B:
		dst = ch.A
	default:
		return
	}

	if mode == transport.Unreliable {
		if ch.limiter.AllowN(time.Now(), len(payload)) {
			e.emit(ch, dst, payload, ordered, mode)
		} else {
			metrics.RelayDrops.WithLabelValues("quota").Inc()
		}
		return
	}

	select {
	case ch.backlog <- queued{dst: dst, payload: payload, ordered: ordered, mode: mode}:
	default:
		metrics.RelayDrops.WithLabelValues("backlog").Inc()
	}
}

// drainBacklog is the channel's single emitter for reliable traffic: it
// pulls queued datagrams in FIFO order and paces them against the quota,
// which keeps the sender's ordering intact across the re-framing.
func (e *Engine) drainBacklog(ctx context.Context, ch *Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-ch.backlog:
			if err := ch.limiter.WaitN(ctx, len(q.payload)); err != nil {
				return // channel torn down while waiting
			}
			e.emit(ch, q.dst, q.payload, q.ordered, q.mode)
		}
	}
}

func (e *Engine) emit(ch *Channel, dst domain.SessionID, payload []byte, ordered bool, mode transport.Mode) {
	seq := ch.nextSeq(dst)
	if err := e.send(dst, ch.ID, seq, payloadCopy(payload), ordered, mode); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("channel", string(ch.ID)).Str("dst", string(dst)).Msg("relay send")
		return
	}
	metrics.RelayDatagrams.Inc()
	metrics.RelayBytes.Add(float64(len(payload)))
}

// Get returns the channel by id.
func (e *Engine) Get(chID domain.ChannelID) (*Channel, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ch, ok := e.channels[chID]
	return ch, ok
}

// ByLink returns the channel serving a link.
func (e *Engine) ByLink(linkID domain.LinkID) (*Channel, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.byLink[linkID]
	if !ok {
		return nil, false
	}
	ch, ok := e.channels[id]
	return ch, ok
}

// Close tears down one channel, cancelling its drainer and freeing
// buffers immediately.
func (e *Engine) Close(chID domain.ChannelID) {
	e.mu.Lock()
	ch, ok := e.channels[chID]
	if ok {
		e.removeLocked(ch)
	}
	e.mu.Unlock()
	if ok {
		log.Info().Str("module", "relay").Str("channel", string(chID)).Msg("relay channel closed")
	}
}

// CloseSession tears down every channel touching sid and returns the
// closed channels.
func (e *Engine) CloseSession(sid domain.SessionID) []*Channel {
	e.mu.Lock()
	var out []*Channel
	for id := range e.bySession[sid] {
		if ch, ok := e.channels[id]; ok {
			out = append(out, ch)
			e.removeLocked(ch)
		}
	}
	e.mu.Unlock()
	return out
}

// removeLocked unlinks and cancels a channel. Caller holds the write lock.
func (e *Engine) removeLocked(ch *Channel) {
	ch.cancel()
	delete(e.channels, ch.ID)
	delete(e.byLink, ch.Link)
	for _, sid := range []domain.SessionID{ch.A, ch.B} {
		if set, ok := e.bySession[sid]; ok {
			delete(set, ch.ID)
			if len(set) == 0 {
				delete(e.bySession, sid)
			}
		}
	}
	metrics.RelayChannels.Dec()
}

func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.channels)
}

func payloadCopy(p []byte) []byte {
	cp := make([]byte, len(p))
	copy(cp, p)
	return cp
}
