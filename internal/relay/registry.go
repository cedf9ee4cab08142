package relay

import (
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
)

// room owns an insertion-ordered membership for one room identifier. Its
// RWMutex lets routing snapshots proceed without touching the registry-wide
// lock, so traffic in one room does not stall lookups in another.
type room struct {
	id string

	mu      sync.RWMutex
	members map[string]*Session
	order   []string
}

func newRoom(id string) *room {
	return &room{
		id:      id,
		members: make(map[string]*Session),
	}
}

// snapshot returns the members in insertion order.
func (r *room) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.members[id])
	}
	return out
}

func (r *room) lookup(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.members[sessionID]
	return s, ok
}

// Registry maps room identifiers to their member sessions. A room exists in
// the registry if and only if it has at least one member: rooms are created
// lazily on first join and deleted, under the registry lock, the moment the
// last member leaves. Serializing membership mutations through the registry
// lock closes the race between a room emptying out and a concurrent join
// resurrecting it.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	rooms    map[string]*room
	sessions int
}

func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Registry{
		log:     logger,
		metrics: m,
		rooms:   make(map[string]*room),
	}
}

// Join inserts sess into roomID, creating the room when absent. Joining a
// room the session is already a member of is a no-op.
func (reg *Registry) Join(roomID string, sess *Session) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[roomID]
	if !ok {
		r = newRoom(roomID)
		reg.rooms[roomID] = r
		reg.metrics.ActiveRooms.Inc()
		reg.log.Debug("room created", "room_id", roomID)
	}

	r.mu.Lock()
	if _, exists := r.members[sess.ID()]; !exists {
		r.members[sess.ID()] = sess
		r.order = append(r.order, sess.ID())
		reg.sessions++
		reg.metrics.ActiveSessions.Inc()
		reg.metrics.SessionsTotal.Inc()
	}
	r.mu.Unlock()
}

// Leave removes the session from roomID and deletes the room when it
// empties. Unknown rooms or members are a no-op (the session may already
// have been cleaned up by a concurrent disconnect); it reports whether a
// member was actually removed.
func (reg *Registry) Leave(roomID, sessionID string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[roomID]
	if !ok {
		return false
	}

	r.mu.Lock()
	_, member := r.members[sessionID]
	if member {
		delete(r.members, sessionID)
		for i, id := range r.order {
			if id == sessionID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		reg.sessions--
		reg.metrics.ActiveSessions.Dec()
	}
	empty := len(r.members) == 0
	r.mu.Unlock()

	if !member {
		return false
	}

	if empty {
		delete(reg.rooms, roomID)
		reg.metrics.ActiveRooms.Dec()
		reg.log.Debug("room deleted", "room_id", roomID)
	}
	return true
}

// MembersOf returns a consistent snapshot of the room's sessions in
// insertion order. Unknown rooms yield nil.
func (reg *Registry) MembersOf(roomID string) []*Session {
	reg.mu.RLock()
	r, ok := reg.rooms[roomID]
	reg.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.snapshot()
}

// Lookup finds a session by identifier within a specific room.
func (reg *Registry) Lookup(roomID, sessionID string) (*Session, bool) {
	reg.mu.RLock()
	r, ok := reg.rooms[roomID]
	reg.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.lookup(sessionID)
}

func (reg *Registry) RoomCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

func (reg *Registry) SessionCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.sessions
}

// CloseAll closes every registered session. Each close runs the session's
// normal teardown, which removes it from the registry.
func (reg *Registry) CloseAll() {
	reg.mu.RLock()
	var all []*Session
	for _, r := range reg.rooms {
		all = append(all, r.snapshot()...)
	}
	reg.mu.RUnlock()

	for _, sess := range all {
		sess.Close()
	}
}
