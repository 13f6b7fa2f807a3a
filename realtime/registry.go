package realtime

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"boardsync-api/domain"
)

// Registry tracks live sessions and their room memberships. All methods are
// safe for concurrent use from independent connections.
type Registry struct {
	logger *log.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[string]*Session
}

func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		panic("realtime.NewRegistry: logger is not initialized")
	}
	return &Registry{
		logger:   logger,
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
	}
}

// Open registers a new session for an authenticated identity.
func (r *Registry) Open(userID string) *Session {
	sess := newSession(userID)
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()
	return sess
}

// Join adds the session to a room. Authorization is the caller's business;
// the registry only records membership.
func (r *Registry) Join(sessionID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		r.rooms[room] = members
	}
	members[sessionID] = sess
	sess.rooms[room] = struct{}{}
	return true
}

// Leave removes the session from a room.
func (r *Registry) Leave(sessionID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(sessionID, room)
}

func (r *Registry) leaveLocked(sessionID, room string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if sess, ok := r.sessions[sessionID]; ok {
		delete(sess.rooms, room)
	}
}

// Close drops the session and every room membership it holds in one step, so
// no event can be delivered to a dead connection afterwards.
func (r *Registry) Close(sessionID string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if ok {
		for room := range sess.rooms {
			r.leaveLocked(sessionID, room)
		}
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if ok {
		sess.close()
	}
}

// Broadcast delivers an envelope to every session in its room, skipping the
// excluded originator. Delivery is fire-and-forget.
func (r *Registry) Broadcast(env domain.Envelope) {
	frame := Frame{Event: env.Type, Data: env.Payload}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, sess := range r.rooms[env.Room] {
		if id == env.ExcludeSessionID {
			continue
		}
		if !sess.send(frame) {
			r.logger.WithFields(log.Fields{"session": id, "room": env.Room, "event": env.Type}).Warn("dropped frame for slow session")
		}
	}
}

// InRoom reports whether the session currently belongs to the room.
func (r *Registry) InRoom(sessionID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	_, ok = members[sessionID]
	return ok
}
