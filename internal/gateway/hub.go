package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/atelier-dev/atelier/internal/logger"
	"github.com/atelier-dev/atelier/internal/protocol"
)

const writeTimeout = 10 * time.Second

// client is one connected viewer. The websocket does not allow concurrent
// writes, so every send goes through the per-client mutex.
type client struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Hub fans outbound events to every connected viewer. It implements
// project.Sink.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
}

// Broadcast sends msg to every viewer. A slow or dead connection only
// loses its own messages.
func (h *Hub) Broadcast(msg protocol.Outbound) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("marshal outbound", "type", msg.Type, "err", err)
		return
	}
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		if err := c.send(data); err != nil {
			logger.Debug("broadcast write", "client", c.id, "err", err)
		}
	}
}

// SendTo targets one viewer; a missing client means the issuer is gone
// and the message is dropped (queue snapshots travel by Broadcast).
func (h *Hub) SendTo(id string, msg protocol.Outbound) {
	h.mu.RLock()
	c := h.clients[id]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("marshal outbound", "type", msg.Type, "err", err)
		return
	}
	if err := c.send(data); err != nil {
		logger.Debug("direct write", "client", id, "err", err)
	}
}
