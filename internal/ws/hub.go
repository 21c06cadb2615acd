package ws

import (
	"sync"

	"github.com/Kicko7/Klyno-sub001/pkg/logger"
	"github.com/Kicko7/Klyno-sub001/pkg/metrics"
)

// Hub tracks live connections and per-room membership and owns all
// fan-out. Membership here is per-instance; the cache tier remains the
// cross-instance authority for session state.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool
	log     *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		rooms:   make(map[string]map[*Client]bool),
		log:     log,
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	h.log.Info("client registered", "conn_id", c.ID, "user_id", c.UserID)
}

// Unregister removes a connection from the hub and every room, and
// closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for roomID, members := range h.rooms {
		if members[c] {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	close(c.Send)
	h.mu.Unlock()

	metrics.ConnectionsActive.Dec()
	h.log.Info("client unregistered", "conn_id", c.ID, "user_id", c.UserID)
}

// Join adds a connection to a room's broadcast scope.
func (h *Hub) Join(roomID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[roomID] = members
	}
	members[c] = true
}

// Leave removes a connection from a room's broadcast scope and returns
// the number of connections still in the room.
func (h *Hub) Leave(roomID string, c *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[roomID]
	if !ok {
		return 0
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, roomID)
		return 0
	}
	return len(members)
}

// RoomSize returns the number of live connections in a room.
func (h *Hub) RoomSize(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// BroadcastRoom fans an event out to every connection in a room,
// including the sender: the server is the single source of truth for
// delivery confirmation.
func (h *Hub) BroadcastRoom(roomID, eventType string, payload any) {
	frame := encode(eventType, payload)
	if frame == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[roomID] {
		c.deliver(frame, eventType)
	}
}

// BroadcastAll fans an event out to every live connection.
func (h *Hub) BroadcastAll(eventType string, payload any) {
	frame := encode(eventType, payload)
	if frame == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.deliver(frame, eventType)
	}
}

// deliver enqueues a pre-encoded frame without blocking the hub.
func (c *Client) deliver(frame []byte, eventType string) {
	select {
	case c.Send <- frame:
	default:
		c.log.Warn("dropping broadcast for slow consumer",
			"conn_id", c.ID,
			"event", eventType,
		)
	}
}
