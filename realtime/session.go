package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// sendBuffer is the per-session outbound queue depth. A session that cannot
// drain this many frames is considered too slow and loses frames rather than
// stalling fan-out for the rest of the room.
const sendBuffer = 64

// Frame is a single server-to-client message on a live session.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Session is one live connection: an authenticated identity plus the rooms it
// has joined. It exists from handshake to disconnect and leaves no trace.
type Session struct {
	ID     string
	UserID string

	mu     sync.Mutex
	rooms  map[string]struct{}
	out    chan Frame
	closed bool
}

func newSession(userID string) *Session {
	return &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		rooms:  make(map[string]struct{}),
		out:    make(chan Frame, sendBuffer),
	}
}

// Out is the channel the connection writer drains. It is closed when the
// session is closed.
func (s *Session) Out() <-chan Frame {
	return s.out
}

// send queues a frame without blocking; frames to a saturated session are
// dropped. Returns false when dropped or the session is already closed.
func (s *Session) send(f Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- f:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
}
