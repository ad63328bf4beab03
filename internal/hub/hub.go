package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"pos-service/internal/models"
	"pos-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultHeartbeat  = 60 * time.Second
	defaultSendBuffer = 32
)

// ErrClosed is returned when the hub no longer accepts connections
var ErrClosed = errors.New("hub closed")

// Options configures a Hub
type Options struct {
	// HeartbeatWindow is how long a connection may stay silent before it is dropped
	HeartbeatWindow time.Duration
	// SendBuffer is the number of events queued per connection before it counts as slow
	SendBuffer int
}

// Stats is a point-in-time view of the registry
type Stats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	// MaxIdleSeconds is the longest any connection has gone without a frame or pong
	MaxIdleSeconds int `json:"maxIdleSeconds"`
}

// Hub keeps live subscriber connections keyed by user and fans order events
// out to them. It holds no queue: an event for a user with no open connection
// is dropped.
type Hub struct {
	mu      sync.RWMutex
	users   map[string]map[*Client]struct{}
	pending map[*Client]struct{}
	closed  bool

	heartbeat  time.Duration
	sendBuffer int
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// New creates a hub
func New(opts Options) *Hub {
	if opts.HeartbeatWindow <= 0 {
		opts.HeartbeatWindow = defaultHeartbeat
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}

	return &Hub{
		users:      make(map[string]map[*Client]struct{}),
		pending:    make(map[*Client]struct{}),
		heartbeat:  opts.HeartbeatWindow,
		sendBuffer: opts.SendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// identity comes from the AUTH frame, not the browser origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: util.GetLogger(),
	}
}

// ServeWS upgrades the request and starts the connection pumps
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn)
	if err := h.register(client); err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	h.pending[c] = struct{}{}
	util.HubConnections.Inc()

	h.logger.Debug("Subscriber connected", zap.String("connection_id", c.id))
	return nil
}

// bind attaches c to userID. A second AUTH moves the connection to the new user.
func (h *Hub) bind(c *Client, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.detach(c) {
		return
	}

	set, ok := h.users[userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.users[userID] = set
	}
	set[c] = struct{}{}
	c.userID = userID
	util.HubAuthenticatedUsers.Set(float64(len(h.users)))

	h.logger.Info("Subscriber authenticated",
		zap.String("connection_id", c.id),
		zap.String("user_id", userID))
}

// detach removes c from whichever set holds it. Caller holds h.mu.
func (h *Hub) detach(c *Client) bool {
	if _, ok := h.pending[c]; ok {
		delete(h.pending, c)
		return true
	}
	if c.userID == "" {
		return false
	}
	set, ok := h.users[c.userID]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.users, c.userID)
	}
	return true
}

// remove drops c from the registry and stops its pumps. Safe to call repeatedly.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	userID := c.userID
	removed := h.detach(c)
	if removed {
		util.HubConnections.Dec()
		util.HubAuthenticatedUsers.Set(float64(len(h.users)))
	}
	h.mu.Unlock()

	c.stop()
	if removed {
		h.logger.Debug("Subscriber removed",
			zap.String("connection_id", c.id),
			zap.String("user_id", userID))
	}
}

// Broadcast delivers event to every connection authenticated as the order's
// owner. A connection whose send buffer is full is removed.
func (h *Hub) Broadcast(_ context.Context, event models.OrderEvent) error {
	if event.Order == nil {
		return fmt.Errorf("%s event without order", event.Type)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	h.mu.RLock()
	set := h.users[event.Order.UserID]
	targets := make([]*Client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	var slow []*Client
	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}

	for _, c := range slow {
		util.HubDeliveriesDropped.Inc()
		h.logger.Warn("Dropping slow subscriber",
			zap.String("connection_id", c.id),
			zap.String("user_id", event.Order.UserID))
		h.remove(c)
	}

	util.HubEventsTotal.WithLabelValues(event.Type).Inc()
	h.logger.Debug("Order event fanned out",
		zap.String("type", event.Type),
		zap.String("order_id", event.Order.ID),
		zap.Int("delivered", len(targets)-len(slow)))

	return nil
}

// Stats returns the current connection and user counts
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := Stats{Users: len(h.users)}
	observe := func(c *Client) {
		stats.Connections++
		if idle := int(time.Since(c.LastSeen()).Seconds()); idle > stats.MaxIdleSeconds {
			stats.MaxIdleSeconds = idle
		}
	}
	for c := range h.pending {
		observe(c)
	}
	for _, set := range h.users {
		for c := range set {
			observe(c)
		}
	}
	return stats
}

// Close disconnects every subscriber and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.pending))
	for c := range h.pending {
		clients = append(clients, c)
	}
	for _, set := range h.users {
		for c := range set {
			clients = append(clients, c)
		}
	}
	h.pending = make(map[*Client]struct{})
	h.users = make(map[string]map[*Client]struct{})
	util.HubConnections.Sub(float64(len(clients)))
	util.HubAuthenticatedUsers.Set(0)
	h.mu.Unlock()

	for _, c := range clients {
		c.stop()
	}
	h.logger.Info("Hub closed", zap.Int("connections", len(clients)))
}
