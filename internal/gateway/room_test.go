package gateway

import (
	"encoding/json"
	"testing"

	"github.com/buildroom-dev/buildroom/internal/logger"
	"github.com/buildroom-dev/buildroom/internal/model"
)

func newTestClient(room *Room, email string) *Client {
	return &Client{
		gw:       &Gateway{log: logger.NewNop()},
		room:     room,
		identity: model.UserRef{ID: email, Email: email},
		send:     make(chan []byte, sendQueueSize),
		closed:   make(chan struct{}),
	}
}

// drainEvents decodes everything queued on the client's send channel.
func drainEvents(t *testing.T, c *Client) []Envelope {
	t.Helper()
	var events []Envelope
	for {
		select {
		case data := <-c.send:
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatalf("bad event on wire: %v", err)
			}
			events = append(events, env)
		default:
			return events
		}
	}
}

func lastEventOfType(events []Envelope, event EventType) (Envelope, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Event == event {
			return events[i], true
		}
	}
	return Envelope{}, false
}

func TestPresenceTracksConnectedIdentities(t *testing.T) {
	room := newRoom("p1", logger.NewNop())
	alice := newTestClient(room, "alice@example.com")
	bob := newTestClient(room, "bob@example.com")

	room.join(alice)
	room.join(bob)

	users := room.ActiveUsers()
	if len(users) != 2 || users[0] != "alice@example.com" || users[1] != "bob@example.com" {
		t.Errorf("active users = %v", users)
	}

	events := drainEvents(t, bob)
	env, ok := lastEventOfType(events, EventActiveUsers)
	if !ok {
		t.Fatal("no presence event delivered")
	}
	var list []string
	if err := json.Unmarshal(env.Data, &list); err != nil {
		t.Fatalf("presence payload: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("presence list = %v", list)
	}
}

func TestPresenceIsIdempotentPerIdentity(t *testing.T) {
	room := newRoom("p1", logger.NewNop())
	first := newTestClient(room, "alice@example.com")
	second := newTestClient(room, "alice@example.com")

	room.join(first)
	room.join(second)

	if users := room.ActiveUsers(); len(users) != 1 {
		t.Errorf("active users = %v, want single identity", users)
	}

	// Closing one of two connections keeps the identity present.
	if empty := room.leave(first); empty {
		t.Error("room reported empty with a live connection")
	}
	if users := room.ActiveUsers(); len(users) != 1 {
		t.Errorf("active users after partial leave = %v", users)
	}

	if empty := room.leave(second); !empty {
		t.Error("room should be empty after last leave")
	}
	if users := room.ActiveUsers(); len(users) != 0 {
		t.Errorf("active users after full leave = %v", users)
	}
}

func TestLeaveIsIdempotentPerClient(t *testing.T) {
	room := newRoom("p1", logger.NewNop())
	alice := newTestClient(room, "alice@example.com")
	bob := newTestClient(room, "bob@example.com")
	room.join(alice)
	room.join(bob)

	if empty := room.leave(alice); empty {
		t.Error("room reported empty with bob still connected")
	}
	// A repeat leave for a client already gone must not report empty while
	// another member remains.
	if empty := room.leave(alice); empty {
		t.Error("duplicate leave reported empty with bob still connected")
	}
	if users := room.ActiveUsers(); len(users) != 1 || users[0] != "bob@example.com" {
		t.Errorf("active users = %v, want bob only", users)
	}

	if empty := room.leave(bob); !empty {
		t.Error("room should be empty after last member leaves")
	}
	if empty := room.leave(bob); !empty {
		t.Error("leave on an empty room should still report empty")
	}
}

func TestTypingBroadcastExcludesSender(t *testing.T) {
	room := newRoom("p1", logger.NewNop())
	alice := newTestClient(room, "alice@example.com")
	bob := newTestClient(room, "bob@example.com")
	room.join(alice)
	room.join(bob)
	drainEvents(t, alice)
	drainEvents(t, bob)

	room.StartTyping(alice)

	if events := drainEvents(t, alice); len(events) != 0 {
		t.Errorf("sender received own typing event: %v", events)
	}
	events := drainEvents(t, bob)
	env, ok := lastEventOfType(events, EventTyping)
	if !ok {
		t.Fatal("peer did not receive typing event")
	}
	var payload TypingPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("typing payload: %v", err)
	}
	if payload.Email != "alice@example.com" {
		t.Errorf("typing email = %q", payload.Email)
	}
}

func TestTypingExpiryEmitsStopTyping(t *testing.T) {
	room := newRoom("p1", logger.NewNop())
	alice := newTestClient(room, "alice@example.com")
	bob := newTestClient(room, "bob@example.com")
	room.join(alice)
	room.join(bob)

	room.StartTyping(alice)
	drainEvents(t, bob)

	// Drive the expiry directly instead of waiting out the timer.
	room.expireTyping("alice@example.com")

	events := drainEvents(t, bob)
	if _, ok := lastEventOfType(events, EventStopTyping); !ok {
		t.Error("expiry did not emit stop typing")
	}

	// A second expiry for the same identity is a no-op.
	room.expireTyping("alice@example.com")
	if events := drainEvents(t, bob); len(events) != 0 {
		t.Errorf("duplicate stop typing emitted: %v", events)
	}
}

func TestExplicitStopTypingCancelsTimer(t *testing.T) {
	room := newRoom("p1", logger.NewNop())
	alice := newTestClient(room, "alice@example.com")
	bob := newTestClient(room, "bob@example.com")
	room.join(alice)
	room.join(bob)

	room.StartTyping(alice)
	drainEvents(t, bob)

	room.StopTyping(alice)
	events := drainEvents(t, bob)
	if _, ok := lastEventOfType(events, EventStopTyping); !ok {
		t.Error("explicit stop typing not delivered")
	}

	room.mu.Lock()
	_, armed := room.typing["alice@example.com"]
	room.mu.Unlock()
	if armed {
		t.Error("typing timer still armed after explicit stop")
	}
}

func TestDisconnectEmitsSyntheticStopTyping(t *testing.T) {
	room := newRoom("p1", logger.NewNop())
	alice := newTestClient(room, "alice@example.com")
	bob := newTestClient(room, "bob@example.com")
	room.join(alice)
	room.join(bob)

	room.StartTyping(alice)
	drainEvents(t, bob)

	room.leave(alice)

	events := drainEvents(t, bob)
	if _, ok := lastEventOfType(events, EventStopTyping); !ok {
		t.Error("disconnect did not emit synthetic stop typing")
	}
	if _, ok := lastEventOfType(events, EventActiveUsers); !ok {
		t.Error("disconnect did not update presence")
	}
}

func TestHubReleasesEmptyRooms(t *testing.T) {
	hub := NewHub(logger.NewNop())
	room := hub.getOrCreate("p1")
	alice := newTestClient(room, "alice@example.com")
	room.join(alice)

	if empty := room.leave(alice); !empty {
		t.Fatal("room should report empty")
	}
	hub.release(room)

	if _, ok := hub.Get("p1"); ok {
		t.Error("empty room not released")
	}

	// Broadcast to a released room is a quiet no-op.
	hub.Broadcast("p1", EventProjectMessage, map[string]string{"x": "y"})
}
