// Package server is the facilitator shell: it owns the transport,
// authenticates sessions, dispatches control messages and runs the
// periodic expiry sweep.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/vrnet/facilitator/internal/config"
	"github.com/vrnet/facilitator/internal/directory"
	"github.com/vrnet/facilitator/internal/domain"
	"github.com/vrnet/facilitator/internal/metrics"
	"github.com/vrnet/facilitator/internal/protocol"
	"github.com/vrnet/facilitator/internal/registry"
	"github.com/vrnet/facilitator/internal/relay"
	"github.com/vrnet/facilitator/internal/rendezvous"
	"github.com/vrnet/facilitator/internal/transport"
)

const dispatchPoolSize = 256

type Server struct {
	cfg  *config.Config
	tr   *transport.Conn
	reg  *registry.Registry
	dir  *directory.Directory
	rdv  *rendezvous.Coordinator
	rly  *relay.Engine
	pool *ants.Pool
	log  zerolog.Logger
}

// New wires the facilitator components over the given packet socket.
// validate may be nil to accept any non-empty token.
func New(cfg *config.Config, pc transport.PacketConn, validate registry.TokenValidator) (*Server, error) {
	s := &Server{
		cfg: cfg,
		log: log.With().Str("module", "server").Logger(),
	}

	s.reg = registry.New(registry.Config{
		MaxSessions:     cfg.Session.Max,
		LivenessTimeout: cfg.Session.LivenessTimeout,
	}, validate)

	s.dir = directory.New(directory.Config{
		MaxRooms:        cfg.Room.Max,
		DefaultCapacity: cfg.Room.DefaultCapacity,
		EmptyGraceTTL:   cfg.Room.EmptyGraceTTL,
	})

	s.rdv = rendezvous.New(rendezvous.Config{
		PunchWindow: cfg.Punch.Window,
		MaxAttempts: cfg.Punch.MaxAttempts,
	}, rendezvous.Callbacks{
		OnDirect:    s.onLinkDirect,
		OnNeedRelay: s.onLinkNeedsRelay,
		OnFailed:    s.onLinkFailed,
	})

	s.rly = relay.NewEngine(relay.Config{
		MaxChannels:    cfg.Relay.MaxChannels,
		BytesPerSecond: cfg.Relay.BytesPerSecond,
		Burst:          cfg.Relay.Burst,
		Backlog:        cfg.Relay.Backlog,
	}, s.sendRelayed)

	s.tr = transport.New(pc, transport.Config{
		RetransmitBase: cfg.Transport.RetransmitBase,
		RetransmitCap:  cfg.Transport.RetransmitCap,
		MaxRetransmits: cfg.Transport.MaxRetransmits,
		ReorderWindow:  cfg.Transport.ReorderWindow,
	},
		transport.WithLivenessObserver(s.reg.TouchAddr),
		transport.WithPeerFailureObserver(s.onPeerUnreachable),
	)

	pool, err := ants.NewPool(dispatchPoolSize, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("dispatch pool: %w", err)
	}
	s.pool = pool

	return s, nil
}

// Registry exposes session counts to the ops API.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Directory exposes room listings to the ops API.
func (s *Server) Directory() *directory.Directory { return s.dir }

// Relay exposes channel counts to the ops API.
func (s *Server) Relay() *relay.Engine { return s.rly }

// Run processes inbound datagrams and timers until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		_ = s.tr.Close()
		return nil
	})

	g.Go(func() error {
		for in := range s.tr.Packets() {
			env, err := protocol.Unmarshal(in.Payload)
			if err != nil {
				s.log.Warn().Err(err).Str("from", in.From).Msg("dropping malformed message")
				continue
			}
			// Relay traffic is forwarded on the delivery goroutine: pool
			// workers race each other, and two datagrams from the same
			// sender must reach the relay in the order the transport
			// released them or the ordering the sender asked for is lost.
			if env.Type == protocol.KindRelayData {
				s.handlePacket(in, env)
				continue
			}
			in, env := in, env
			if err := s.pool.Submit(func() { s.handlePacket(in, env) }); err != nil {
				s.log.Warn().Err(err).Msg("dispatch pool rejected packet")
			}
		}
		return nil
	})

	g.Go(func() error {
		interval := s.cfg.Session.SweepInterval
		if interval <= 0 {
			interval = 5 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				s.sweep(now)
			}
		}
	})

	err := g.Wait()
	s.pool.Release()
	return err
}

// sweep expires silent sessions and refreshes the gauges.
func (s *Server) sweep(now time.Time) {
	for _, sess := range s.reg.ExpireSweep(now) {
		s.log.Info().Str("sid", string(sess.ID)).Msg("session expired, cascading cleanup")
		s.cascade(sess, "session expired")
	}
	metrics.Sessions.Set(float64(s.reg.Count()))
	metrics.Rooms.Set(float64(s.dir.Count()))
}

// cascade cleans up everything a departed session touched: room
// membership, peer links and relay channels. The session itself is
// already gone from the registry.
func (s *Server) cascade(sess domain.Session, reason string) {
	s.teardownLinks(sess.ID, reason)
	if res, err := s.dir.Leave(sess.ID); err == nil {
		s.notifyLeave(res, sess.ID)
	}
	s.tr.Forget(sess.Remote.Addr)
}

// teardownLinks cancels every peer link of sid and notifies the surviving
// peers. Relay channels close first so no forward can race the teardown.
func (s *Server) teardownLinks(sid domain.SessionID, reason string) {
	s.rly.CloseSession(sid)
	for _, link := range s.rdv.CancelSession(sid) {
		peer := link.Peer(sid)
		if peer == "" {
			continue
		}
		s.sendTo(peer, protocol.KindLinkFailed, protocol.LinkFailed{
			LinkID: link.ID,
			PeerID: sid,
			Reason: reason,
		})
	}
}

// notifyLeave tells the remaining members about the departure and any
// host migration.
func (s *Server) notifyLeave(res directory.LeaveResult, left domain.SessionID) {
	for _, m := range res.Remaining {
		s.sendTo(m, protocol.KindMemberLeft, protocol.MemberLeft{RoomID: res.RoomID, SessionID: left})
	}
	if res.NewHost != "" {
		for _, m := range res.Remaining {
			s.sendTo(m, protocol.KindHostChanged, protocol.HostChanged{RoomID: res.RoomID, Host: res.NewHost})
		}
	}
}

// onPeerUnreachable fires when the transport gives up retransmitting to an
// address. Treated as an ordinary disconnect.
func (s *Server) onPeerUnreachable(addr string) {
	sess, ok := s.reg.Lookup(addr)
	if !ok {
		return
	}
	s.log.Info().Str("sid", string(sess.ID)).Str("addr", addr).Msg("peer unreachable, evicting")
	s.reg.Remove(sess.ID)
	s.cascade(sess, "peer unreachable")
}

// sendTo marshals a control message for a session over the reliable
// ordered lane. A missing session is a cancellation, not an error.
func (s *Server) sendTo(sid domain.SessionID, kind protocol.Kind, v any) {
	sess, ok := s.reg.Get(sid)
	if !ok {
		return
	}
	s.sendToAddr(sess.Remote.Addr, kind, v)
}

func (s *Server) sendToAddr(addr string, kind protocol.Kind, v any) {
	b, err := protocol.Marshal(kind, v)
	if err != nil {
		s.log.Error().Err(err).Str("kind", string(kind)).Msg("marshal")
		return
	}
	if err := s.tr.Send(addr, b, transport.ReliableOrdered); err != nil {
		s.log.Warn().Err(err).Str("addr", addr).Str("kind", string(kind)).Msg("send")
	}
}

// sendRelayed is the relay engine's sender: it re-frames the payload
// under the channel's own per-leg sequence and ships it with the same
// delivery mode the origin requested.
func (s *Server) sendRelayed(dst domain.SessionID, chID domain.ChannelID, seq uint64, payload []byte, ordered bool, mode transport.Mode) error {
	sess, ok := s.reg.Get(dst)
	if !ok {
		return nil // concurrently removed: cancellation, not an error
	}
	b, err := protocol.Marshal(protocol.KindRelayData, protocol.RelayData{
		ChannelID: chID,
		Seq:       seq,
		Payload:   payload,
		Ordered:   ordered,
	})
	if err != nil {
		return err
	}
	return s.tr.Send(sess.Remote.Addr, b, mode)
}
