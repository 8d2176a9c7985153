// Package events streams terminal execution states to dashboard websocket
// clients. One hub goroutine owns the client set; everything else talks to
// it over channels.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hooklinehq/hookline/internal/log"
	"github.com/hooklinehq/hookline/internal/store"
)

const (
	maxClients   = 200
	writeTimeout = 5 * time.Second
)

// ExecutionEvent is the message pushed to clients of the owning tenant.
type ExecutionEvent struct {
	Type        string     `json:"type"`
	TaskID      int64      `json:"task_id"`
	TaskName    string     `json:"task_name"`
	ExecutionID int64      `json:"execution_id"`
	Status      string     `json:"status"`
	StatusCode  *int       `json:"status_code"`
	DurationMS  *int64     `json:"duration_ms"`
	Attempt     int        `json:"attempt"`
	FinishedAt  *time.Time `json:"finished_at"`

	tenantID string
}

type registration struct {
	conn     *websocket.Conn
	tenantID string
}

// Hub fans execution events out to connected clients, scoped by tenant.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*websocket.Conn]string
	register   chan registration
	unregister chan *websocket.Conn
	events     chan ExecutionEvent
	done       chan struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		events:     make(chan ExecutionEvent, 256),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until the context is cancelled, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			close(h.done)
			return ctx.Err()

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxClients {
				h.mu.Unlock()
				reg.conn.Close()
				log.WithComponent("events").Warn().Msg("websocket client rejected, hub full")
				continue
			}
			h.clients[reg.conn] = reg.tenantID
			n := len(h.clients)
			h.mu.Unlock()
			log.WithComponent("events").Debug().
				Str("tenant_id", reg.tenantID).Int("clients", n).
				Msg("websocket client registered")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

// Register adds a client scoped to the tenant. After shutdown the
// connection is closed instead of blocking the caller.
func (h *Hub) Register(conn *websocket.Conn, tenantID string) {
	select {
	case h.register <- registration{conn: conn, tenantID: tenantID}:
	case <-h.done:
		conn.Close()
	}
}

// Unregister drops a client.
func (h *Hub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
		conn.Close()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ExecutionFinished queues a terminal execution for broadcast. Non-blocking:
// a saturated hub drops events rather than slowing the worker path.
func (h *Hub) ExecutionFinished(task *store.Task, e *store.Execution) {
	ev := ExecutionEvent{
		Type:        "execution",
		TaskID:      task.ID,
		TaskName:    task.Name,
		ExecutionID: e.ID,
		Status:      string(e.Status),
		StatusCode:  e.StatusCode,
		DurationMS:  e.DurationMS,
		Attempt:     e.Attempt,
		FinishedAt:  e.FinishedAt,
		tenantID:    task.TenantID,
	}
	select {
	case h.events <- ev:
	default:
	}
}

func (h *Hub) broadcast(ev ExecutionEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, tenantID := range h.clients {
		if tenantID != ev.tenantID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			log.WithComponent("events").Debug().Err(err).Msg("websocket write failed")
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
}
