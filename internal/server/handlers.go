package server

import (
	"errors"
	"strings"

	"github.com/vrnet/facilitator/internal/directory"
	"github.com/vrnet/facilitator/internal/domain"
	"github.com/vrnet/facilitator/internal/metrics"
	"github.com/vrnet/facilitator/internal/protocol"
	"github.com/vrnet/facilitator/internal/transport"
)

func (s *Server) handlePacket(in transport.Inbound, env protocol.Envelope) {
	sess, known := s.reg.Lookup(in.From)
	if !known {
		if env.Type == protocol.KindRegister {
			s.handleRegister(in.From, env)
		}
		return
	}

	switch env.Type {
	case protocol.KindRegister:
		// Re-register on a live session: duplicate token binding.
		s.sendToAddr(in.From, protocol.KindAuthError, protocol.ErrorInfo{
			Code: "auth_error", Reason: "token already bound to an active session",
		})
	case protocol.KindCreateRoom:
		s.handleCreateRoom(sess, env)
	case protocol.KindJoinRoom:
		s.handleJoinRoom(sess, env)
	case protocol.KindLeaveRoom:
		s.handleLeaveRoom(sess)
	case protocol.KindPunchResult:
		s.handlePunchResult(sess, env)
	case protocol.KindRelayData:
		s.handleRelayData(sess, env, in.Mode)
	case protocol.KindHeartbeat:
		// Liveness was refreshed by the transport observer; repeating a
		// heartbeat changes nothing else.
	case protocol.KindBye:
		s.reg.Remove(sess.ID)
		s.cascade(sess, "peer left")
	default:
		s.log.Warn().Str("kind", string(env.Type)).Str("sid", string(sess.ID)).Msg("unexpected message")
	}
}

func (s *Server) handleRegister(from string, env protocol.Envelope) {
	var msg protocol.Register
	if err := env.Decode(&msg); err != nil {
		s.log.Warn().Err(err).Str("from", from).Msg("bad register")
		return
	}

	remote := observedEndpoint(from)
	sess, err := s.reg.Register(msg.Token, remote, msg.Candidates)
	switch {
	case errors.Is(err, domain.ErrAuthentication):
		s.sendToAddr(from, protocol.KindAuthError, protocol.ErrorInfo{Code: "auth_error", Reason: err.Error()})
		return
	case errors.Is(err, domain.ErrCapacity):
		s.sendToAddr(from, protocol.KindCapacityError, protocol.ErrorInfo{Code: "capacity", Reason: err.Error()})
		return
	case err != nil:
		s.log.Error().Err(err).Str("from", from).Msg("register")
		return
	}

	metrics.Sessions.Set(float64(s.reg.Count()))
	s.sendToAddr(from, protocol.KindRegisterAck, protocol.RegisterAck{
		SessionID: sess.ID,
		Observed:  remote,
	})
}

// observedEndpoint classifies the source address the transport saw: a NAT
// reflection for UDP clients, a relay-only bridge id for WS clients.
func observedEndpoint(addr string) domain.Endpoint {
	if strings.HasPrefix(addr, "ws:") {
		return domain.Endpoint{Network: "ws", Addr: addr, Kind: domain.EndpointRelay}
	}
	return domain.Endpoint{Network: "udp", Addr: addr, Kind: domain.EndpointPublic}
}

func (s *Server) handleCreateRoom(sess domain.Session, env protocol.Envelope) {
	var msg protocol.CreateRoom
	if err := env.Decode(&msg); err != nil {
		s.log.Warn().Err(err).Str("sid", string(sess.ID)).Msg("bad create_room")
		return
	}
	room, err := s.dir.Create(msg.Config)
	if err != nil {
		s.sendRoomError(sess.ID, err)
		return
	}
	metrics.Rooms.Set(float64(s.dir.Count()))
	s.sendTo(sess.ID, protocol.KindRoomCreated, protocol.RoomCreated{RoomID: room.ID})
}

func (s *Server) handleJoinRoom(sess domain.Session, env protocol.Envelope) {
	var msg protocol.JoinRoom
	if err := env.Decode(&msg); err != nil {
		s.log.Warn().Err(err).Str("sid", string(sess.ID)).Msg("bad join_room")
		return
	}

	var (
		room domain.Room
		err  error
	)
	if msg.RoomID != "" {
		room, err = s.dir.Join(sess.ID, msg.RoomID, msg.Password)
	} else {
		var criteria directory.ListFilter
		if msg.Criteria != nil {
			criteria.Name = msg.Criteria.Name
		}
		room, err = s.dir.JoinMatch(sess.ID, criteria)
	}
	if err != nil {
		s.sendRoomError(sess.ID, err)
		return
	}

	s.reg.SetRoom(sess.ID, room.ID)

	members := make([]protocol.MemberInfo, 0, len(room.Members))
	for _, m := range room.Members {
		members = append(members, protocol.MemberInfo{SessionID: m})
	}
	s.sendTo(sess.ID, protocol.KindRoomJoined, protocol.RoomJoined{
		RoomID:  room.ID,
		Host:    room.Host(),
		Members: members,
	})

	// Full mesh: pair the joiner with every existing member.
	for _, m := range room.Members {
		if m != sess.ID {
			s.beginLink(sess.ID, m)
		}
	}
}

func (s *Server) handleLeaveRoom(sess domain.Session) {
	res, err := s.dir.Leave(sess.ID)
	if err != nil {
		s.sendRoomError(sess.ID, err)
		return
	}
	s.reg.SetRoom(sess.ID, "")
	s.teardownLinks(sess.ID, "peer left room")
	s.sendTo(sess.ID, protocol.KindRoomLeft, protocol.RoomLeft{RoomID: res.RoomID})
	s.notifyLeave(res, sess.ID)
	metrics.Rooms.Set(float64(s.dir.Count()))
}

func (s *Server) handlePunchResult(sess domain.Session, env protocol.Envelope) {
	var msg protocol.PunchResult
	if err := env.Decode(&msg); err != nil {
		s.log.Warn().Err(err).Str("sid", string(sess.ID)).Msg("bad punch_result")
		return
	}
	s.rdv.ReportPunch(sess.ID, msg.LinkID, msg.OK)
}

func (s *Server) handleRelayData(sess domain.Session, env protocol.Envelope, mode transport.Mode) {
	var msg protocol.RelayData
	if err := env.Decode(&msg); err != nil {
		s.log.Warn().Err(err).Str("sid", string(sess.ID)).Msg("bad relay_data")
		return
	}
	s.rly.Forward(msg.ChannelID, sess.ID, msg.Payload, msg.Ordered, mode)
}

func (s *Server) sendRoomError(sid domain.SessionID, err error) {
	code := "room_error"
	kind := protocol.KindRoomError
	switch {
	case errors.Is(err, domain.ErrRoomFull):
		code = "room_full"
	case errors.Is(err, domain.ErrRoomNotFound):
		code = "room_not_found"
	case errors.Is(err, domain.ErrAlreadyMember):
		code = "already_member"
	case errors.Is(err, domain.ErrRoomPassword):
		code = "room_password"
	case errors.Is(err, domain.ErrCapacity):
		code = "capacity"
		kind = protocol.KindCapacityError
	}
	s.sendTo(sid, kind, protocol.ErrorInfo{Code: code, Reason: err.Error()})
}

// beginLink creates the peer link for a pair and starts traversal. Pairs
// where either side cannot be punched (WS-bridged clients) skip straight
// to relay.
func (s *Server) beginLink(x, y domain.SessionID) {
	link, created := s.rdv.Begin(x, y)
	if !created {
		return
	}

	sa, okA := s.reg.Get(link.A)
	sb, okB := s.reg.Get(link.B)
	if !okA || !okB {
		s.rdv.MarkFailed(link.ID, "session gone")
		return
	}

	if !punchable(sa) || !punchable(sb) {
		s.rdv.ForceRelay(link.ID)
		return
	}

	s.sendCandidates(link, sa, sb)
}

// sendCandidates broadcasts each side's candidate set to the other. The
// initiator flag implements the punch timing tie-break.
func (s *Server) sendCandidates(link domain.PeerLink, sa, sb domain.Session) {
	s.sendTo(link.A, protocol.KindCandidateExchange, protocol.CandidateExchange{
		LinkID:    link.ID,
		PeerID:    link.B,
		Endpoints: punchableCandidates(sb),
		Initiator: true,
		Attempt:   link.Attempts,
	})
	s.sendTo(link.B, protocol.KindCandidateExchange, protocol.CandidateExchange{
		LinkID:    link.ID,
		PeerID:    link.A,
		Endpoints: punchableCandidates(sa),
		Initiator: false,
		Attempt:   link.Attempts,
	})
}

func punchable(sess domain.Session) bool {
	return len(punchableCandidates(sess)) > 0
}

func punchableCandidates(sess domain.Session) []domain.Endpoint {
	var out []domain.Endpoint
	for _, ep := range sess.CandidateSet() {
		if ep.Punchable() {
			out = append(out, ep)
		}
	}
	return out
}

// onLinkDirect: both sides punched through; traffic now bypasses the
// facilitator entirely.
func (s *Server) onLinkDirect(link domain.PeerLink) {
	metrics.PunchOutcomes.WithLabelValues("direct").Inc()
}

// onLinkNeedsRelay sets up the relay channel for a link whose punch
// window expired (or that was never punchable).
func (s *Server) onLinkNeedsRelay(link domain.PeerLink) {
	ch, err := s.rly.Open(link)
	if err != nil {
		s.rdv.MarkFailed(link.ID, "relay setup failed: "+err.Error())
		return
	}
	metrics.PunchOutcomes.WithLabelValues("relayed").Inc()
	s.sendTo(link.A, protocol.KindRelayEstablished, protocol.RelayEstablished{
		LinkID: link.ID, PeerID: link.B, ChannelID: ch.ID,
	})
	s.sendTo(link.B, protocol.KindRelayEstablished, protocol.RelayEstablished{
		LinkID: link.ID, PeerID: link.A, ChannelID: ch.ID,
	})
}

// onLinkFailed re-enters negotiation while the link has retry budget;
// past the cap the failure is terminal and both peers are told.
func (s *Server) onLinkFailed(link domain.PeerLink, reason string) {
	metrics.PunchOutcomes.WithLabelValues("failed").Inc()
	if ch, ok := s.rly.ByLink(link.ID); ok {
		s.rly.Close(ch.ID)
	}

	if retried, ok := s.rdv.Retry(link.ID); ok {
		sa, okA := s.reg.Get(retried.A)
		sb, okB := s.reg.Get(retried.B)
		if okA && okB && punchable(sa) && punchable(sb) {
			s.sendCandidates(retried, sa, sb)
		} else if okA && okB {
			s.rdv.ForceRelay(retried.ID)
		}
		// A side that vanished mid-retry is swept up by its session
		// cleanup; the window timer keeps the link from sticking.
		return
	}

	s.sendTo(link.A, protocol.KindLinkFailed, protocol.LinkFailed{LinkID: link.ID, PeerID: link.B, Reason: reason})
	s.sendTo(link.B, protocol.KindLinkFailed, protocol.LinkFailed{LinkID: link.ID, PeerID: link.A, Reason: reason})
}
