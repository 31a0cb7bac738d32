// Package registry owns the session table: authentication, liveness and
// the periodic expiry sweep. Everything handed out is a copy; other
// components refer to sessions by id only.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vrnet/facilitator/internal/domain"
)

// TokenValidator decides whether a registration token is acceptable.
// Authentication of session tokens is pluggable; the default accepts any
// non-empty token.
type TokenValidator func(token string) bool

func DefaultValidator(token string) bool { return token != "" }

type Config struct {
	MaxSessions     int
	LivenessTimeout time.Duration
}

type Registry struct {
	cfg      Config
	validate TokenValidator

	mu       sync.RWMutex
	sessions map[domain.SessionID]*domain.Session
	byToken  map[string]domain.SessionID
	byAddr   map[string]domain.SessionID
}

func New(cfg Config, validate TokenValidator) *Registry {
	if validate == nil {
		validate = DefaultValidator
	}
	return &Registry{
		cfg:      cfg,
		validate: validate,
		sessions: make(map[domain.SessionID]*domain.Session),
		byToken:  make(map[string]domain.SessionID),
		byAddr:   make(map[string]domain.SessionID),
	}
}

// Register creates a session for token at the observed remote endpoint.
// Fails with domain.ErrAuthentication when the token is invalid or already
// bound to a live session, domain.ErrCapacity at the session cap.
func (r *Registry) Register(token string, remote domain.Endpoint, candidates []domain.Endpoint) (domain.Session, error) {
	if !r.validate(token) {
		return domain.Session{}, fmt.Errorf("token rejected: %w", domain.ErrAuthentication)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byToken[token]; taken {
		return domain.Session{}, fmt.Errorf("token already bound: %w", domain.ErrAuthentication)
	}
	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		return domain.Session{}, fmt.Errorf("session table: %w", domain.ErrCapacity)
	}

	s := &domain.Session{
		ID:         domain.SessionID(uuid.NewString()),
		Token:      token,
		Remote:     remote,
		Candidates: candidates,
		LastSeen:   time.Now(),
		State:      domain.SessionConnected,
	}
	r.sessions[s.ID] = s
	r.byToken[token] = s.ID
	r.byAddr[remote.Addr] = s.ID

	log.Info().Str("module", "registry").Str("sid", string(s.ID)).Str("addr", remote.Addr).Msg("session registered")
	return *s, nil
}

// Touch refreshes liveness. Called for every packet received from the
// session's address.
func (r *Registry) Touch(sid domain.SessionID) {
	r.mu.Lock()
	if s, ok := r.sessions[sid]; ok {
		s.LastSeen = time.Now()
	}
	r.mu.Unlock()
}

// TouchAddr refreshes liveness by remote address; wired as the transport
// liveness observer.
func (r *Registry) TouchAddr(addr string, at time.Time) {
	r.mu.Lock()
	if sid, ok := r.byAddr[addr]; ok {
		if s, ok := r.sessions[sid]; ok {
			s.LastSeen = at
		}
	}
	r.mu.Unlock()
}

// Get returns a snapshot copy of the session.
func (r *Registry) Get(sid domain.SessionID) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sid]
	if !ok {
		return domain.Session{}, false
	}
	return *s, true
}

// Lookup resolves a remote address to a session snapshot.
func (r *Registry) Lookup(addr string) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byAddr[addr]
	if !ok {
		return domain.Session{}, false
	}
	s, ok := r.sessions[sid]
	if !ok {
		return domain.Session{}, false
	}
	return *s, true
}

// SetRoom records room membership. Empty unsets.
func (r *Registry) SetRoom(sid domain.SessionID, roomID domain.RoomID) {
	r.mu.Lock()
	if s, ok := r.sessions[sid]; ok {
		s.RoomID = roomID
	}
	r.mu.Unlock()
}

// Remove deletes the session and all its indexes.
func (r *Registry) Remove(sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(sid)
}

func (r *Registry) removeLocked(sid domain.SessionID) {
	s, ok := r.sessions[sid]
	if !ok {
		return
	}
	delete(r.sessions, sid)
	delete(r.byToken, s.Token)
	delete(r.byAddr, s.Remote.Addr)
	log.Info().Str("module", "registry").Str("sid", string(sid)).Msg("session removed")
}

// ExpireSweep removes sessions silent past the liveness timeout and
// returns their snapshots so the server can cascade cleanup.
func (r *Registry) ExpireSweep(now time.Time) []domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []domain.Session
	for sid, s := range r.sessions {
		if now.Sub(s.LastSeen) <= r.cfg.LivenessTimeout {
			continue
		}
		s.State = domain.SessionDisconnected
		expired = append(expired, *s)
		r.removeLocked(sid)
	}
	if len(expired) > 0 {
		log.Info().Str("module", "registry").Int("count", len(expired)).Msg("expired stale sessions")
	}
	return expired
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
