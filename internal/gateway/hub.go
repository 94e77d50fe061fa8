package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub broadcasts events to connected websocket clients.
type Hub struct {
	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	logger *zap.Logger
}

// NewHub creates an empty websocket hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{conns: make(map[*websocket.Conn]struct{}), logger: logger}
}

// Name implements Adapter.
func (h *Hub) Name() string { return "websocket" }

// Connect implements Adapter; clients attach through the HTTP handler.
func (h *Hub) Connect(context.Context) error { return nil }

// Add registers a client connection.
func (h *Hub) Add(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

// Remove drops a client connection.
func (h *Hub) Remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	conn.Close()
}

// Deliver writes the event to every connected client. Write failures
// evict the client.
func (h *Hub) Deliver(_ context.Context, event *Event) error {
	data, err := json.Marshal(flatten(event))
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("websocket client dropped", zap.Error(err))
			delete(h.conns, conn)
			conn.Close()
		}
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.Close()
		delete(h.conns, conn)
	}
	return nil
}

// flatten merges the payload with the event kind the way clients expect
// a single JSON object with a "type" field.
func flatten(event *Event) map[string]any {
	out := make(map[string]any, len(event.Payload)+1)
	for k, v := range event.Payload {
		out[k] = v
	}
	out["type"] = event.Kind
	return out
}
