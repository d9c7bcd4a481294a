package gateway

import (
	"sync"

	"github.com/buildroom-dev/buildroom/internal/logger"
)

// Hub tracks live rooms keyed by project id. Rooms are created on first
// join and destroyed when the last member disconnects. The hub's lock only
// guards the room map; each room carries its own lock for member state, so
// traffic in one room never contends with another.
type Hub struct {
	log *logger.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// getOrCreate returns the room for id, creating it on first join.
func (h *Hub) getOrCreate(id string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[id]
	if !ok {
		room = newRoom(id, h.log)
		h.rooms[id] = room
		h.log.Debug("room created", "room", id)
	}
	return room
}

// Get returns the live room for id, if any.
func (h *Hub) Get(id string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.rooms[id]
	return room, ok
}

// release drops the room if it is still empty. Called after a leave that
// reported no remaining members.
func (h *Hub) release(room *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	current, ok := h.rooms[room.id]
	if !ok || current != room {
		return
	}
	current.mu.Lock()
	empty := len(current.clients) == 0
	current.mu.Unlock()
	if empty {
		delete(h.rooms, room.id)
		h.log.Debug("room destroyed", "room", room.id)
	}
}

// Broadcast sends an event to every member of the room, if it is live.
// Messages for rooms with no connected members are dropped; the store
// remains the source of truth for history.
func (h *Hub) Broadcast(roomID string, event EventType, payload any) {
	if room, ok := h.Get(roomID); ok {
		room.Broadcast(event, payload)
	}
}
