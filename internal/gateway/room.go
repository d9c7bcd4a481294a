package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/buildroom-dev/buildroom/internal/logger"
)

// typingTTL is how long a typing indicator survives without a refresh
// before the room emits a synthetic "stop typing" on the member's behalf.
const typingTTL = 3 * time.Second

// Room owns the live state of one project's collaboration session: the
// connected clients, the presence set, and the typing timers. All of it is
// guarded by the room's own mutex so concurrent join/leave/typing events
// from different connections never race.
type Room struct {
	id  string
	log *logger.Logger

	mu       sync.Mutex
	clients  map[*Client]struct{}
	presence map[string]int // identity -> live connection count
	typing   map[string]*time.Timer
}

func newRoom(id string, log *logger.Logger) *Room {
	return &Room{
		id:       id,
		log:      log,
		clients:  make(map[*Client]struct{}),
		presence: make(map[string]int),
		typing:   make(map[string]*time.Timer),
	}
}

// ID returns the room identifier (the project id).
func (r *Room) ID() string { return r.id }

// join registers a client. Presence is idempotent per identity: a second
// connection with the same identity bumps a counter instead of duplicating
// the entry.
func (r *Room) join(c *Client) {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.presence[c.identity.Email]++
	r.mu.Unlock()

	r.broadcastPresence()
}

// leave removes a client. When the identity's last connection goes away its
// typing timer is cancelled and a synthetic "stop typing" is emitted so no
// stale indicator persists for other members. Returns true when the room
// has no members left.
func (r *Room) leave(c *Client) bool {
	r.mu.Lock()
	if _, ok := r.clients[c]; !ok {
		empty := len(r.clients) == 0
		r.mu.Unlock()
		return empty
	}
	delete(r.clients, c)

	email := c.identity.Email
	var goneForGood bool
	if r.presence[email] > 0 {
		r.presence[email]--
	}
	if r.presence[email] <= 0 {
		delete(r.presence, email)
		goneForGood = true
		if timer, ok := r.typing[email]; ok {
			timer.Stop()
			delete(r.typing, email)
		}
	}
	empty := len(r.clients) == 0
	r.mu.Unlock()

	if goneForGood {
		r.broadcastToOthers(email, EventStopTyping, TypingPayload{Email: email})
	}
	r.broadcastPresence()
	return empty
}

// ActiveUsers returns the sorted identities currently present.
func (r *Room) ActiveUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeUsersLocked()
}

func (r *Room) activeUsersLocked() []string {
	users := make([]string, 0, len(r.presence))
	for email := range r.presence {
		users = append(users, email)
	}
	sort.Strings(users)
	return users
}

// StartTyping (re)arms the typing expiry timer for the client's identity
// and tells everyone else the member is typing.
func (r *Room) StartTyping(c *Client) {
	email := c.identity.Email

	r.mu.Lock()
	if timer, ok := r.typing[email]; ok {
		timer.Stop()
	}
	r.typing[email] = time.AfterFunc(typingTTL, func() {
		r.expireTyping(email)
	})
	r.mu.Unlock()

	r.broadcastToOthers(email, EventTyping, TypingPayload{Email: email})
}

// StopTyping cancels the expiry timer immediately and tells everyone else
// the member stopped typing.
func (r *Room) StopTyping(c *Client) {
	email := c.identity.Email

	r.mu.Lock()
	timer, ok := r.typing[email]
	if ok {
		timer.Stop()
		delete(r.typing, email)
	}
	r.mu.Unlock()

	if ok {
		r.broadcastToOthers(email, EventStopTyping, TypingPayload{Email: email})
	}
}

// expireTyping fires when a member paused without an explicit stop.
func (r *Room) expireTyping(email string) {
	r.mu.Lock()
	_, ok := r.typing[email]
	if ok {
		delete(r.typing, email)
	}
	r.mu.Unlock()

	if ok {
		r.broadcastToOthers(email, EventStopTyping, TypingPayload{Email: email})
	}
}

// Broadcast sends an event to every member, sender included.
func (r *Room) Broadcast(event EventType, payload any) {
	data, err := encodeEvent(event, payload)
	if err != nil {
		r.log.Error("failed to encode event", "room", r.id, "event", event, "error", err)
		return
	}

	r.mu.Lock()
	for c := range r.clients {
		c.trySend(data)
	}
	r.mu.Unlock()
}

// broadcastToOthers sends an event to every member whose identity differs
// from email. Typing events are room-scoped broadcasts excluding the sender.
func (r *Room) broadcastToOthers(email string, event EventType, payload any) {
	data, err := encodeEvent(event, payload)
	if err != nil {
		r.log.Error("failed to encode event", "room", r.id, "event", event, "error", err)
		return
	}

	r.mu.Lock()
	for c := range r.clients {
		if c.identity.Email == email {
			continue
		}
		c.trySend(data)
	}
	r.mu.Unlock()
}

func (r *Room) broadcastPresence() {
	r.mu.Lock()
	users := r.activeUsersLocked()
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	data, err := encodeEvent(EventActiveUsers, users)
	if err != nil {
		r.log.Error("failed to encode presence", "room", r.id, "error", err)
		return
	}
	for _, c := range clients {
		c.trySend(data)
	}
}
