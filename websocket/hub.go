package websocket

import (
	"encoding/json"
	"log"
	"sync"

	"road-defect-pipeline/models"
)

// Hub fans "new defect processed" events out to connected clients. The
// broadcast channel is bounded; when it is full the oldest pending event is
// dropped rather than blocking the pipeline, and a slow client is dropped
// rather than blocking the other subscribers.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Events pending broadcast
	broadcast chan []byte

	// Register requests from clients
	Register chan *Client

	// Unregister requests from clients
	Unregister chan *Client

	// Mutex for thread-safe operations
	mutex sync.RWMutex

	// Statistics
	eventsBroadcast  int
	eventsDropped    int
	connectedClients int
}

// NewHub creates a new websocket hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.mutex.Lock()
			h.clients[client] = true
			h.connectedClients = len(h.clients)
			h.mutex.Unlock()
			log.Printf("Client connected. Total clients: %d", h.connectedClients)

		case client := <-h.Unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.connectedClients = len(h.clients)
			}
			h.mutex.Unlock()
			log.Printf("Client disconnected. Total clients: %d", h.connectedClients)

		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.connectedClients = len(h.clients)
			h.eventsBroadcast++
			h.mutex.Unlock()
		}
	}
}

// BroadcastEvent queues a defect event for all connected clients. Drop-oldest
// policy: the publisher (a queue worker) is never blocked by viewers.
func (h *Hub) BroadcastEvent(event models.DefectEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to marshal defect event: %v", err)
		return
	}

	for {
		select {
		case h.broadcast <- data:
			return
		default:
			select {
			case <-h.broadcast:
				h.mutex.Lock()
				h.eventsDropped++
				h.mutex.Unlock()
			default:
			}
		}
	}
}

// GetStats returns connected client count and broadcast/dropped event totals.
func (h *Hub) GetStats() (clients, broadcast, dropped int) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.connectedClients, h.eventsBroadcast, h.eventsDropped
}
