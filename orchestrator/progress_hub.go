package main

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deckflow/deckflow/orchestrator/observability"
	"github.com/deckflow/deckflow/orchestrator/queue"
	"github.com/deckflow/deckflow/orchestrator/streaming"
)

const maxWSConnections = 200

// ProgressHub manages WebSocket connections and broadcasts task progress
// events. It implements streaming.Publisher so the queue manager can feed
// it directly. Single broadcaster pattern prevents per-client fanout loops.
type ProgressHub struct {
	// clients maps connection to a document filter; 0 means all documents.
	clients    map[*websocket.Conn]int64
	register   chan registration
	unregister chan *websocket.Conn
	events     chan streaming.Event
	mu         sync.RWMutex
}

type registration struct {
	conn       *websocket.Conn
	documentID int64
}

// NewProgressHub creates a new WebSocket hub.
func NewProgressHub() *ProgressHub {
	return &ProgressHub{
		clients:    make(map[*websocket.Conn]int64),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		events:     make(chan streaming.Event, 256),
	}
}

// Run starts the hub's main loop.
func (h *ProgressHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			// Connection cap to prevent overload
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("WebSocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[reg.conn] = reg.documentID
			total := len(h.clients)
			h.mu.Unlock()
			observability.ProgressStreamClients.Set(float64(total))
			log.Printf("WebSocket client registered (document filter %d). Total: %d", reg.documentID, total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			observability.ProgressStreamClients.Set(float64(total))
			log.Printf("WebSocket client unregistered. Total: %d", total)

		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

// Publish queues a task lifecycle event for broadcast. It never blocks:
// when the hub is saturated the event is dropped for WebSocket clients
// (the durable progress rows remain the source of truth).
func (h *ProgressHub) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ev := streaming.Event{
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    "orchestrator",
	}
	select {
	case h.events <- ev:
	default:
		log.Printf("WebSocket hub event buffer full, dropping %s event", topic)
	}
	return nil
}

// Close implements streaming.Publisher. Connection teardown happens in
// Run's shutdown path when the context is cancelled.
func (h *ProgressHub) Close() error {
	return nil
}

// broadcast sends one event to every client whose document filter matches.
func (h *ProgressHub) broadcast(ev streaming.Event) {
	var pe queue.ProgressEvent
	if err := json.Unmarshal(ev.Payload, &pe); err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, filter := range h.clients {
		if filter != 0 && filter != pe.DocumentID {
			continue
		}
		// Write deadline prevents blocking on dead connections
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			log.Printf("WebSocket write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

// shutdown gracefully closes all client connections.
func (h *ProgressHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("Shutting down WebSocket hub with %d clients", len(h.clients))

	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]int64)
	observability.ProgressStreamClients.Set(0)
}

// Register adds a new client connection with an optional document filter.
func (h *ProgressHub) Register(conn *websocket.Conn, documentID int64) {
	h.register <- registration{conn: conn, documentID: documentID}
}

// Unregister removes a client connection.
func (h *ProgressHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *ProgressHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
