// Package events streams activity records to connected reporting
// subscribers over WebSocket.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mailfold/mailfold-backend/internal/models"
)

// EventType labels messages on the wire.
type EventType string

const (
	// EventTypeActivity carries one freshly appended activity record.
	EventTypeActivity EventType = "activity"
	// EventTypeError reports a server-side stream problem to the peer.
	EventTypeError EventType = "error"
)

// Event is the wire format pushed to subscribers.
type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Hub maintains the set of connected subscribers and fans activity
// records out to them. Slow subscribers are skipped, never waited on.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu     sync.RWMutex
	logger *slog.Logger
}

// NewHub creates a new Hub instance
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		logger:     logger,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("event subscriber connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("event subscriber disconnected")

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Subscriber buffer full, skip
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register adds a subscriber to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a subscriber from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Publish fans one activity record out to all subscribers. It never
// blocks the caller.
func (h *Hub) Publish(record models.ActivityRecord) {
	data, err := json.Marshal(Event{
		Type:    EventTypeActivity,
		Payload: record,
	})
	if err != nil {
		h.logger.Error("failed to marshal activity event", slog.Any("error", err))
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("event broadcast buffer full, dropping event")
	}
}
