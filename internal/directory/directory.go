// Package directory owns rooms: creation, join/leave, listing and the
// grace-TTL destruction of emptied rooms.
package directory

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vrnet/facilitator/internal/domain"
)

type Config struct {
	MaxRooms        int
	DefaultCapacity int
	EmptyGraceTTL   time.Duration
}

// ListFilter narrows List output. Zero value lists every visible room.
type ListFilter struct {
	Name         string
	OnlyJoinable bool // rooms with a free slot
}

type room struct {
	domain.Room
	destroy *time.Timer // armed while the room sits empty
}

type Directory struct {
	cfg Config

	mu       sync.RWMutex
	rooms    map[domain.RoomID]*room
	memberOf map[domain.SessionID]domain.RoomID
}

func New(cfg Config) *Directory {
	if cfg.DefaultCapacity <= 0 {
		cfg.DefaultCapacity = 8
	}
	return &Directory{
		cfg:      cfg,
		rooms:    make(map[domain.RoomID]*room),
		memberOf: make(map[domain.SessionID]domain.RoomID),
	}
}

// Create makes a new room. The creator does not join implicitly.
func (d *Directory) Create(cfg domain.RoomConfig) (domain.Room, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = d.cfg.DefaultCapacity
	}
	if cfg.Visibility == "" {
		cfg.Visibility = domain.VisibilityPublic
	}
	if cfg.Password != "" {
		cfg.Visibility = domain.VisibilityProtected
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg.MaxRooms > 0 && len(d.rooms) >= d.cfg.MaxRooms {
		return domain.Room{}, fmt.Errorf("room table: %w", domain.ErrCapacity)
	}

	rm := &room{Room: domain.Room{
		ID:        domain.RoomID(uuid.NewString()),
		Config:    cfg,
		CreatedAt: time.Now(),
	}}
	d.rooms[rm.ID] = rm
	d.armDestroyLocked(rm)

	log.Info().Str("module", "directory").Str("room", string(rm.ID)).Str("name", cfg.Name).Int("capacity", cfg.Capacity).Msg("room created")
	return rm.snapshot(), nil
}

// Join adds sid to the identified room. The returned snapshot includes the
// joiner, in join order.
func (d *Directory) Join(sid domain.SessionID, roomID domain.RoomID, password string) (domain.Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cur, ok := d.memberOf[sid]; ok {
		return domain.Room{}, fmt.Errorf("already in room %s: %w", cur, domain.ErrAlreadyMember)
	}
	rm, ok := d.rooms[roomID]
	if !ok {
		return domain.Room{}, fmt.Errorf("room %s: %w", roomID, domain.ErrRoomNotFound)
	}
	if rm.Config.Password != "" && rm.Config.Password != password {
		return domain.Room{}, fmt.Errorf("room %s: %w", roomID, domain.ErrRoomPassword)
	}
	if len(rm.Members) >= rm.Config.Capacity {
		return domain.Room{}, fmt.Errorf("room %s at %d: %w", roomID, rm.Config.Capacity, domain.ErrRoomFull)
	}

	rm.Members = append(rm.Members, sid)
	d.memberOf[sid] = roomID
	if rm.destroy != nil {
		rm.destroy.Stop()
		rm.destroy = nil
	}

	log.Info().Str("module", "directory").Str("room", string(roomID)).Str("sid", string(sid)).Int("members", len(rm.Members)).Msg("joined room")
	return rm.snapshot(), nil
}

// JoinMatch picks a public room matching the criteria, fullest joinable
// room first so sessions cluster, and joins it.
func (d *Directory) JoinMatch(sid domain.SessionID, criteria ListFilter) (domain.Room, error) {
	d.mu.RLock()
	var best *room
	for _, rm := range d.rooms {
		if rm.Config.Visibility != domain.VisibilityPublic {
			continue
		}
		if criteria.Name != "" && rm.Config.Name != criteria.Name {
			continue
		}
		if len(rm.Members) >= rm.Config.Capacity {
			continue
		}
		if best == nil || len(rm.Members) > len(best.Members) {
			best = rm
		}
	}
	var id domain.RoomID
	if best != nil {
		id = best.ID
	}
	d.mu.RUnlock()

	if id == "" {
		return domain.Room{}, fmt.Errorf("no room matches criteria: %w", domain.ErrRoomNotFound)
	}
	// The room may have filled between the scan and the join; surfacing
	// ErrRoomFull to the client is acceptable here.
	return d.Join(sid, id, "")
}

// LeaveResult describes the membership change so the server can notify
// remaining members and tear down peer links.
type LeaveResult struct {
	RoomID    domain.RoomID
	Remaining []domain.SessionID
	NewHost   domain.SessionID // set when host migration happened
	Emptied   bool
}

// Leave removes sid from its room. When the host leaves, the next member
// by join order inherits the room. An emptied room is destroyed after the
// grace TTL unless someone joins meanwhile.
func (d *Directory) Leave(sid domain.SessionID) (LeaveResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	roomID, ok := d.memberOf[sid]
	if !ok {
		return LeaveResult{}, fmt.Errorf("session %s: %w", sid, domain.ErrRoomNotFound)
	}
	rm := d.rooms[roomID]
	delete(d.memberOf, sid)

	wasHost := rm.Host() == sid
	for i, m := range rm.Members {
		if m == sid {
			rm.Members = append(rm.Members[:i], rm.Members[i+1:]...)
			break
		}
	}

	res := LeaveResult{
		RoomID:    roomID,
		Remaining: append([]domain.SessionID(nil), rm.Members...),
	}
	if len(rm.Members) == 0 {
		res.Emptied = true
		d.armDestroyLocked(rm)
	} else if wasHost {
		res.NewHost = rm.Host()
	}

	log.Info().Str("module", "directory").Str("room", string(roomID)).Str("sid", string(sid)).Int("members", len(rm.Members)).Msg("left room")
	return res, nil
}

// armDestroyLocked schedules destruction of an empty room after the grace
// TTL. A zero TTL destroys immediately.
func (d *Directory) armDestroyLocked(rm *room) {
	if d.cfg.EmptyGraceTTL <= 0 {
		delete(d.rooms, rm.ID)
		return
	}
	id := rm.ID
	rm.destroy = time.AfterFunc(d.cfg.EmptyGraceTTL, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if cur, ok := d.rooms[id]; ok && len(cur.Members) == 0 {
			delete(d.rooms, id)
			log.Info().Str("module", "directory").Str("room", string(id)).Msg("empty room destroyed")
		}
	})
}

// RoomOf returns the room sid currently belongs to.
func (d *Directory) RoomOf(sid domain.SessionID) (domain.Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	roomID, ok := d.memberOf[sid]
	if !ok {
		return domain.Room{}, false
	}
	rm, ok := d.rooms[roomID]
	if !ok {
		return domain.Room{}, false
	}
	return rm.snapshot(), true
}

// Get returns a room snapshot by id.
func (d *Directory) Get(roomID domain.RoomID) (domain.Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rm, ok := d.rooms[roomID]
	if !ok {
		return domain.Room{}, false
	}
	return rm.snapshot(), true
}

// List returns visible rooms matching the filter. Private rooms are
// never listed.
func (d *Directory) List(filter ListFilter) []domain.RoomInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.RoomInfo, 0, len(d.rooms))
	for _, rm := range d.rooms {
		if rm.Config.Visibility == domain.VisibilityPrivate {
			continue
		}
		if filter.Name != "" && rm.Config.Name != filter.Name {
			continue
		}
		if filter.OnlyJoinable && len(rm.Members) >= rm.Config.Capacity {
			continue
		}
		out = append(out, domain.RoomInfo{
			ID:          rm.ID,
			Name:        rm.Config.Name,
			Visibility:  rm.Config.Visibility,
			MemberCount: len(rm.Members),
			Capacity:    rm.Config.Capacity,
		})
	}
	return out
}

func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}

func (rm *room) snapshot() domain.Room {
	cp := rm.Room
	cp.Members = append([]domain.SessionID(nil), rm.Members...)
	return cp
}
