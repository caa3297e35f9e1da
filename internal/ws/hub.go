package ws

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/js0980420/syncroom/internal/room"
)

// Hub tracks the set of active push-transport connections. Fan-out itself
// happens through per-room subscriptions in the room package; the hub's job
// is connection bookkeeping and making sure a dead connection is treated as
// a leave.
type Hub struct {
	registry *room.Registry

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]bool
}

func NewHub(registry *room.Registry) *Hub {
	return &Hub{
		registry:   registry,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()

			logrus.WithFields(logrus.Fields{
				"conn":  client.connID,
				"total": total,
			}).Debug("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client]
			if ok {
				delete(h.clients, client)
			}
			total := len(h.clients)
			h.mu.Unlock()

			if !ok {
				continue
			}

			// A connection that drops without leave_room still counts
			// as a leave for its room. Detach before closing the send
			// channel so the event forwarder has stopped producing.
			client.detachRoom(true)
			client.shutdown()

			logrus.WithFields(logrus.Fields{
				"conn":  client.connID,
				"total": total,
			}).Debug("client disconnected")
		}
	}
}

// ClientCount returns the number of open push connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomConnectionCounts returns open connections per room code.
func (h *Hub) RoomConnectionCounts() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	counts := make(map[string]int)
	for client := range h.clients {
		if code := client.currentRoom(); code != "" {
			counts[code]++
		}
	}
	return counts
}
