// Package progresshub rebroadcasts live execution progress to dashboard
// clients over WebSocket. It is the server side of the same hub pattern
// the teacher used for DAG visualization, re-scoped from graph node/edge
// events to a flat stream of per-execution progress lines, and adapted
// to double as a progress.Sink so the engine can feed it directly.
package progresshub

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one progress update broadcast to every connected client.
type Event struct {
	ExecutionID string    `json:"execution_id"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

// Hub manages WebSocket connections for live progress streaming and
// satisfies progress.Sink for a single execution via ForExecution.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// New creates a progress hub. Run must be started in its own goroutine
// before HandleWebSocket is wired to a route.
func New() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run drives the hub loop until the process exits. Intended to be
// launched once via `go hub.Run()`.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			slog.Info("progress dashboard client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			slog.Info("progress dashboard client disconnected", "total", n)

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if err := client.WriteJSON(event); err != nil {
					slog.Warn("progress dashboard write error, dropping client", "error", err)
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// HandleWebSocket upgrades an HTTP request to a dashboard WebSocket
// connection and registers it with the hub.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("progress dashboard upgrade error", "error", err)
		return
	}

	h.register <- conn

	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Broadcast sends one progress event to every connected client. Safe to
// call even with zero clients connected (it just drains into nothing).
func (h *Hub) Broadcast(executionID, text string) {
	h.broadcast <- Event{ExecutionID: executionID, Text: text, Timestamp: time.Now()}
}

// ForExecution returns a progress.Sink that broadcasts every update
// tagged with executionID, letting the engine feed the hub the same way
// it feeds any other sink.
func (h *Hub) ForExecution(executionID string) *ExecutionSink {
	return &ExecutionSink{hub: h, executionID: executionID}
}

// ExecutionSink is a progress.Sink bound to one execution id.
type ExecutionSink struct {
	hub         *Hub
	executionID string
}

func (s *ExecutionSink) Progress(text string) error {
	s.hub.Broadcast(s.executionID, text)
	return nil
}

// Stats returns a snapshot for the demo /stats endpoint.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]interface{}{
		"connected_clients": len(h.clients),
		"broadcast_queue":   len(h.broadcast),
	}
}
