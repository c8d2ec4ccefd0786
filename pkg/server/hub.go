package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/vango-go/bindery/pkg/update"
)

// Frame is one flushed update cycle on the wire: every render
// operation the cycle produced, in emission order.
type Frame struct {
	Cycle uint64            `json:"cycle"`
	Ops   []update.RenderOp `json:"ops"`
}

// Hub implements update.OpSink and fans each flushed cycle out to the
// connected WebSocket clients as one JSON frame. Clients that cannot
// keep up with the stream are disconnected rather than blocking the
// render pass.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	batch   []update.RenderOp
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Emit implements update.OpSink.
func (h *Hub) Emit(op update.RenderOp) {
	h.mu.Lock()
	h.batch = append(h.batch, op)
	h.mu.Unlock()
}

// Flush implements update.OpSink: the accumulated batch becomes one
// frame. Cycles that produced no operations send nothing.
func (h *Hub) Flush(cycle uint64) {
	h.mu.Lock()
	batch := h.batch
	h.batch = nil
	if len(batch) == 0 {
		h.mu.Unlock()
		return
	}
	data, err := json.Marshal(Frame{Cycle: cycle, Ops: batch})
	if err != nil {
		h.mu.Unlock()
		h.logger.Error("frame encode failed", "cycle", cycle, "error", err)
		return
	}
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow client", "remote", c.conn.RemoteAddr())
		c.closeSend()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.closeSend()
	}
}

// client is one WebSocket subscriber.
type client struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
}

func (c *client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
