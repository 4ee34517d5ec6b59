package websocket

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/KlikkAI/reporunner-sub010/internal/domain/events"
)

// Hub tracks the live WebSocket connections of this process. Sessions own
// delivery; the hub exists for connection limits and for closing everything
// on shutdown.
type Hub struct {
	// User connections - one user can have several, one per graph or tab
	connections map[string]map[*Client]struct{}
	mu          sync.RWMutex

	register   chan *Client
	unregister chan *Client

	stopped chan struct{}
	once    sync.Once
	logger  *zap.Logger

	metrics HubMetrics
}

// HubMetrics counts connection traffic.
type HubMetrics struct {
	ActiveConnections atomic.Int64
	MessagesSent      atomic.Int64
	MessagesDropped   atomic.Int64
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		connections: make(map[string]map[*Client]struct{}),
		register:    make(chan *Client, 100),
		unregister:  make(chan *Client, 100),
		stopped:     make(chan struct{}),
		logger:      logger.Named("hub"),
	}
}

// Run processes registrations until ctx is done, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Hub shutting down")
			h.closeAllConnections()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)
		}
	}
}

// Stopped is closed once Run has returned.
func (h *Hub) Stopped() <-chan struct{} { return h.stopped }

func (h *Hub) add(c *Client) {
	select {
	case h.register <- c:
	case <-h.stopped:
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

// registerClient adds a new client connection
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[client.userID] == nil {
		h.connections[client.userID] = make(map[*Client]struct{})
	}
	h.connections[client.userID][client] = struct{}{}
	h.metrics.ActiveConnections.Add(1)

	h.logger.Debug("Client registered",
		zap.String("userID", client.userID),
		zap.String("connectionID", client.id),
		zap.Int("userConnections", len(h.connections[client.userID])),
	)
}

// unregisterClient removes a client connection
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.connections[client.userID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.connections, client.userID)
	}
	h.metrics.ActiveConnections.Add(-1)

	h.logger.Debug("Client unregistered",
		zap.String("userID", client.userID),
		zap.String("connectionID", client.id),
		zap.Int("remainingConnections", len(clients)),
	)
}

func (h *Hub) closeAllConnections() {
	h.mu.RLock()
	var all []*Client
	for _, clients := range h.connections {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.Close(events.ReasonShutdown)
	}
	h.logger.Info("Closed all connections", zap.Int("count", len(all)))
}

// ConnectionCount returns the number of connections userID holds.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID])
}

// Total returns the number of live connections.
func (h *Hub) Total() int {
	return int(h.metrics.ActiveConnections.Load())
}

// Metrics returns the hub counters.
func (h *Hub) Metrics() (active, sent, dropped int64) {
	return h.metrics.ActiveConnections.Load(), h.metrics.MessagesSent.Load(), h.metrics.MessagesDropped.Load()
}
