package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kalambet/fieldsync/internal/events"
)

const eventWriteTimeout = 5 * time.Second

// Subscriber is the subscribing side of the event bus.
// Implemented by events.Bus.
type Subscriber interface {
	Subscribe(handler func(events.Event)) (unsubscribe func())
}

// EventHub streams bus events to websocket clients. It holds a single bus
// subscription and fans each event out to every connected client.
type EventHub struct {
	unsubscribe func()
	logger      *slog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

// NewEventHub subscribes to bus and returns a hub ready to accept clients.
func NewEventHub(bus Subscriber) *EventHub {
	h := &EventHub{
		logger:  slog.Default(),
		clients: make(map[*websocket.Conn]struct{}),
	}
	h.unsubscribe = bus.Subscribe(h.broadcast)
	return h
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and keeps the connection open until the
// client goes away. Client messages are ignored.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("event client connected", "clients", count)

	ctx := conn.CloseRead(context.Background())
	select {
	case <-ctx.Done():
	case <-r.Context().Done():
	}
	h.remove(conn, websocket.StatusNormalClosure)
}

// broadcast runs on the bus delivery goroutine.
func (h *EventHub) broadcast(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encoding event", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.RUnlock()

	for _, conn := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), eventWriteTimeout)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Debug("dropping event client", "error", err)
			h.remove(conn, websocket.StatusGoingAway)
		}
	}
}

func (h *EventHub) remove(conn *websocket.Conn, code websocket.StatusCode) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	if ok {
		conn.Close(code, "")
	}
}

// Close drops the bus subscription and disconnects every client.
func (h *EventHub) Close() {
	h.unsubscribe()
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()
	for conn := range clients {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
