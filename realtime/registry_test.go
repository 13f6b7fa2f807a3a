package realtime

import (
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"boardsync-api/domain"
)

func testRegistry() *Registry {
	logger, _ := test.NewNullLogger()
	return NewRegistry(logger)
}

func drain(sess *Session) []Frame {
	var out []Frame
	for {
		select {
		case f, ok := <-sess.Out():
			if !ok {
				return out
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

func envelope(room, typ string) domain.Envelope {
	return domain.Envelope{Room: room, Type: typ, Payload: json.RawMessage(`{}`)}
}

func TestBroadcastReachesRoomMembers(t *testing.T) {
	r := testRegistry()
	a := r.Open("alice")
	b := r.Open("bob")
	r.Join(a.ID, "project:p1")
	r.Join(b.ID, "project:p1")

	r.Broadcast(envelope("project:p1", "card.created"))

	for _, sess := range []*Session{a, b} {
		frames := drain(sess)
		if len(frames) != 1 || frames[0].Event != "card.created" {
			t.Fatalf("session %s expected one frame, got %+v", sess.ID, frames)
		}
	}
}

func TestBroadcastScopedToRoom(t *testing.T) {
	r := testRegistry()
	a := r.Open("alice")
	b := r.Open("bob")
	r.Join(a.ID, "project:p1")
	r.Join(b.ID, "project:p2")

	r.Broadcast(envelope("project:p1", "card.created"))

	if frames := drain(b); len(frames) != 0 {
		t.Fatalf("session in another room must not receive frames, got %+v", frames)
	}
}

func TestBroadcastExcludesOriginator(t *testing.T) {
	r := testRegistry()
	a := r.Open("alice")
	b := r.Open("bob")
	r.Join(a.ID, "project:p1")
	r.Join(b.ID, "project:p1")

	env := envelope("project:p1", "card.updated")
	env.ExcludeSessionID = a.ID
	r.Broadcast(env)

	if frames := drain(a); len(frames) != 0 {
		t.Fatalf("originator must not receive its own broadcast, got %+v", frames)
	}
	if frames := drain(b); len(frames) != 1 {
		t.Fatalf("other member must still receive the broadcast, got %+v", frames)
	}
}

func TestLeaveStopsDelivery(t *testing.T) {
	r := testRegistry()
	a := r.Open("alice")
	r.Join(a.ID, "project:p1")
	r.Leave(a.ID, "project:p1")

	r.Broadcast(envelope("project:p1", "card.created"))

	if frames := drain(a); len(frames) != 0 {
		t.Fatalf("left session must not receive frames, got %+v", frames)
	}
	if r.InRoom(a.ID, "project:p1") {
		t.Fatal("session must no longer be in the room")
	}
}

func TestCloseRemovesAllRoomState(t *testing.T) {
	r := testRegistry()
	a := r.Open("alice")
	r.Join(a.ID, "project:p1")
	r.Join(a.ID, "project:p2")

	r.Close(a.ID)

	if r.InRoom(a.ID, "project:p1") || r.InRoom(a.ID, "project:p2") {
		t.Fatal("closed session must be out of every room")
	}
	// The outbound channel closes so the connection writer can exit.
	if _, ok := <-a.Out(); ok {
		t.Fatal("expected closed out channel")
	}
	// Broadcasting afterwards must not deliver or panic.
	r.Broadcast(envelope("project:p1", "card.created"))
}

func TestCloseIsIdempotent(t *testing.T) {
	r := testRegistry()
	a := r.Open("alice")
	r.Close(a.ID)
	r.Close(a.ID)
}

func TestSlowSessionDropsFramesWithoutBlocking(t *testing.T) {
	r := testRegistry()
	a := r.Open("alice")
	r.Join(a.ID, "project:p1")

	for i := 0; i < sendBuffer+10; i++ {
		r.Broadcast(envelope("project:p1", "chat.typing"))
	}

	frames := drain(a)
	if len(frames) != sendBuffer {
		t.Fatalf("expected exactly %d buffered frames, got %d", sendBuffer, len(frames))
	}
}

func TestJoinUnknownSession(t *testing.T) {
	r := testRegistry()
	if r.Join("no-such-session", "project:p1") {
		t.Fatal("joining with an unknown session id must fail")
	}
}
