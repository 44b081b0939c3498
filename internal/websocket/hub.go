package websocket

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/adi-253/Talkie/realtime/internal/dispatch"
	"github.com/adi-253/Talkie/realtime/internal/metrics"
	"github.com/adi-253/Talkie/realtime/internal/presence"
	"github.com/adi-253/Talkie/realtime/internal/rooms"
	"github.com/adi-253/Talkie/realtime/internal/typing"
)

// Config tunes per-connection behaviour.
type Config struct {
	// FrameRate and FrameBurst throttle inbound frames per connection
	FrameRate  rate.Limit
	FrameBurst int

	// MaxMessageSize caps a single inbound frame in bytes
	MaxMessageSize int64
}

// Hub tracks live connections and ties their lifecycle to the presence
// registry and room manager.
type Hub struct {
	cfg        Config
	presence   *presence.Registry
	rooms      *rooms.Manager
	typing     *typing.Tracker
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics

	// clients maps connection id to client
	clients map[string]*Client
	mu      sync.RWMutex

	// ctx outlives individual requests and is canceled on Shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a new Hub instance
func NewHub(reg *presence.Registry, rm *rooms.Manager, tr *typing.Tracker, d *dispatch.Dispatcher, m *metrics.Metrics, cfg Config) *Hub {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 20
	}
	if cfg.FrameBurst <= 0 {
		cfg.FrameBurst = 40
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = maxMessageSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:        cfg,
		presence:   reg,
		rooms:      rm,
		typing:     tr,
		dispatcher: d,
		metrics:    m,
		clients:    make(map[string]*Client),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Register adds a client and marks its user online.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client.id] = client
	total := len(h.clients)
	h.mu.Unlock()

	h.presence.Connect(client)
	h.metrics.ConnectionOpened()
	client.log().WithField("connections", total).Info("client connected")
}

// Unregister removes a client, leaves its conversations and starts the
// presence grace period. Calling it twice is harmless.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client.id]
	delete(h.clients, client.id)
	remaining := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	client.Close()
	for _, conversationID := range h.rooms.LeaveAll(client) {
		h.typing.Stop(conversationID, client.userID, client.id)
	}
	h.presence.Disconnect(client)
	h.metrics.ConnectionClosed()
	client.log().WithField("connections", remaining).Info("client disconnected")
}

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.cancel()
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
	logrus.WithFields(logrus.Fields{"component": "websocket", "connections": len(clients)}).Info("hub shut down")
}
