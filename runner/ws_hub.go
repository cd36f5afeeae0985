package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxWSConnections = 100

// JobEvent is one job-stream frame pushed to websocket subscribers as a
// market moves through the resolution pipeline.
type JobEvent struct {
	MarketID      string    `json:"market_id"`
	CorrelationID string    `json:"correlation_id"`
	Stage         string    `json:"stage"`
	At            time.Time `json:"at"`
}

// JobsHub fans resolution progress out to websocket clients. Single
// broadcaster goroutine; writers never block the resolution pipeline.
type JobsHub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan JobEvent
	mu         sync.RWMutex
}

func NewJobsHub() *JobsHub {
	return &JobsHub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan JobEvent, 64),
	}
}

// Run is the hub's main loop. Call in a goroutine.
func (h *JobsHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("[WS] connection rejected: cap of %d reached", maxWSConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("[WS] client connected, total %d", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case ev := <-h.events:
			h.broadcastEvent(ev)
		}
	}
}

// Broadcast queues an event for all clients. Drops the frame when the hub
// is saturated rather than stalling a resolution worker.
func (h *JobsHub) Broadcast(ev JobEvent) {
	select {
	case h.events <- ev:
	default:
	}
}

func (h *JobsHub) broadcastEvent(ev JobEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			log.Printf("[WS] write failed, dropping client: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *JobsHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

func (h *JobsHub) Register(conn *websocket.Conn)   { h.register <- conn }
func (h *JobsHub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

func (h *JobsHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
