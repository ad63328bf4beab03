// Package syncagent keeps a client's view of its orders current by combining
// hub push events with periodic full refreshes.
package syncagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"pos-service/internal/models"
	"pos-service/internal/reqcache"
	"pos-service/internal/util"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrClosed is returned by Connect after Close
var ErrClosed = errors.New("sync agent closed")

// State is the hub connection state
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Notifier surfaces agent events to the user
type Notifier interface {
	OrderStatusChanged(order models.Order, message string)
	ConnectivityChanged(degraded bool)
}

var statusMessages = map[models.OrderStatus]string{
	models.OrderStatusConfirmed: "Your order has been confirmed",
	models.OrderStatusReady:     "Your order is ready for pickup",
	models.OrderStatusCompleted: "Your order is complete, enjoy!",
	models.OrderStatusCancelled: "Your order was cancelled",
}

// StatusMessage returns the notification text for status, or "" when the
// status is not worth telling the user about
func StatusMessage(status models.OrderStatus) string {
	return statusMessages[status]
}

// Options configures an Agent
type Options struct {
	// APIURL is the API root, e.g. http://host:8080/api/v1
	APIURL string
	// HubURL is the WebSocket endpoint, e.g. ws://host:8080/ws
	HubURL         string
	UserID         string
	PollInterval   time.Duration
	ReconnectDelay time.Duration
	RequestTimeout time.Duration
	DegradedAfter  time.Duration
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 15 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.DegradedAfter <= 0 {
		o.DegradedAfter = 30 * time.Second
	}
}

// Agent maintains the local order list of one user
type Agent struct {
	opts     Options
	notifier Notifier
	requests *reqcache.Client
	dialer   *websocket.Dialer
	logger   *zap.Logger

	mu                sync.Mutex
	state             State
	conn              *websocket.Conn
	orders            []models.Order
	lastKnownStatus   map[string]models.OrderStatus
	reconnectPending  bool
	reconnectTimer    *time.Timer
	degradedTimer     *time.Timer
	disconnectedSince time.Time
	degraded          bool
	closed            bool
	runCtx            context.Context
}

// New creates an agent. It does nothing until Connect or Run is called.
func New(opts Options, notifier Notifier) *Agent {
	opts.setDefaults()
	return &Agent{
		opts:     opts,
		notifier: notifier,
		requests: reqcache.New(opts.APIURL,
			reqcache.WithHeader("X-User-ID", opts.UserID),
			reqcache.WithHTTPClient(&http.Client{Timeout: opts.RequestTimeout})),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.RequestTimeout,
		},
		logger:            util.GetLogger().With(zap.String("user_id", opts.UserID)),
		lastKnownStatus:   make(map[string]models.OrderStatus),
		disconnectedSince: time.Now(),
		runCtx:            context.Background(),
	}
}

// State returns the current connection state
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Orders returns a copy of the local list, newest first
func (a *Agent) Orders() []models.Order {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.Order(nil), a.orders...)
}

// Reconcile upserts order by id and keeps the list sorted newest first. The
// snapshot applied last is authoritative.
func (a *Agent) Reconcile(order models.Order) {
	a.mu.Lock()
	defer a.mu.Unlock()

	replaced := false
	for i := range a.orders {
		if a.orders[i].ID == order.ID {
			a.orders[i] = order
			replaced = true
			break
		}
	}
	if !replaced {
		a.orders = append(a.orders, order)
	}

	sort.SliceStable(a.orders, func(i, j int) bool {
		return a.orders[i].CreatedAt.After(a.orders[j].CreatedAt)
	})
}

// NotifyIfStatusChanged tells the user about a notifiable status they have not
// seen yet for this order. The status is recorded either way.
func (a *Agent) NotifyIfStatusChanged(order models.Order) {
	a.mu.Lock()
	previous, seen := a.lastKnownStatus[order.ID]
	a.lastKnownStatus[order.ID] = order.Status
	a.mu.Unlock()

	if seen && previous == order.Status {
		return
	}
	message := StatusMessage(order.Status)
	if message == "" {
		return
	}
	a.notifier.OrderStatusChanged(order, message)
}

func (a *Agent) apply(order models.Order) {
	a.Reconcile(order)
	a.NotifyIfStatusChanged(order)
}

type ordersResponse struct {
	Orders []models.Order `json:"orders"`
}

// FullRefresh pulls the authoritative order list and applies every entry. A
// read suppressed because an identical one is in flight is not an error. A
// cached body was applied when it was fetched and may predate pushed
// snapshots, so it is not applied again.
func (a *Agent) FullRefresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
	defer cancel()

	var resp ordersResponse
	outcome, err := a.requests.Get(ctx, "/orders", nil, &resp)
	if err != nil {
		return fmt.Errorf("failed to refresh orders: %w", err)
	}
	if outcome != reqcache.Fetched {
		a.logger.Debug("Orders refresh skipped", zap.Stringer("outcome", outcome))
		return nil
	}

	for _, order := range resp.Orders {
		a.apply(order)
	}
	a.logger.Debug("Orders refreshed",
		zap.Stringer("outcome", outcome),
		zap.Int("orders", len(resp.Orders)))
	return nil
}

// Focus is called when the orders screen becomes visible
func (a *Agent) Focus(ctx context.Context) error {
	return a.FullRefresh(ctx)
}

// Connect opens the hub connection and authenticates. It returns immediately
// when a connection is already open or being opened. On failure exactly one
// reconnect is scheduled.
func (a *Agent) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.state == Connecting || a.state == Open {
		a.mu.Unlock()
		return nil
	}
	a.state = Connecting
	a.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
	defer cancel()

	conn, _, err := a.dialer.DialContext(dialCtx, a.opts.HubURL, nil)
	if err != nil {
		a.connectFailed(err)
		return fmt.Errorf("failed to dial hub: %w", err)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(a.opts.RequestTimeout))
	auth := models.ClientMessage{Type: models.MessageTypeAuth, UserID: a.opts.UserID}
	if err := conn.WriteJSON(auth); err != nil {
		_ = conn.Close()
		a.connectFailed(err)
		return fmt.Errorf("failed to authenticate with hub: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	a.conn = conn
	a.state = Open
	recovered := a.degraded
	a.degraded = false
	if a.degradedTimer != nil {
		a.degradedTimer.Stop()
	}
	a.mu.Unlock()

	a.logger.Info("Connected to hub", zap.String("url", a.opts.HubURL))
	if recovered {
		a.notifier.ConnectivityChanged(false)
	}

	go a.readLoop(conn)

	if err := a.FullRefresh(ctx); err != nil {
		a.logger.Warn("Refresh after connect failed", zap.Error(err))
	}
	return nil
}

func (a *Agent) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.connectionLost(conn, err)
			return
		}

		var event models.OrderEvent
		if err := json.Unmarshal(data, &event); err != nil {
			a.logger.Debug("Ignoring malformed hub frame", zap.Error(err))
			continue
		}
		switch event.Type {
		case models.MessageTypeNewOrder, models.MessageTypeOrderUpdate:
			if event.Order != nil {
				a.apply(*event.Order)
			}
		default:
		}
	}
}

func (a *Agent) connectFailed(err error) {
	a.logger.Warn("Hub connection failed", zap.Error(err))

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.state = Disconnected
		return
	}
	if a.degradedTimer == nil {
		a.armDegradedLocked()
	}
	a.scheduleReconnectLocked()
}

func (a *Agent) connectionLost(conn *websocket.Conn, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != conn {
		return
	}
	a.conn = nil
	_ = conn.Close()

	if a.closed {
		a.state = Disconnected
		return
	}

	a.logger.Warn("Hub connection lost", zap.Error(err))
	a.disconnectedSince = time.Now()
	a.armDegradedLocked()
	a.scheduleReconnectLocked()
}

func (a *Agent) scheduleReconnectLocked() {
	a.state = Reconnecting
	if a.reconnectPending {
		return
	}
	a.reconnectPending = true
	a.reconnectTimer = time.AfterFunc(a.opts.ReconnectDelay, a.reconnect)
}

func (a *Agent) reconnect() {
	a.mu.Lock()
	a.reconnectPending = false
	if a.closed || a.state == Connecting || a.state == Open {
		a.mu.Unlock()
		return
	}
	ctx := a.runCtx
	a.mu.Unlock()

	_ = a.Connect(ctx)
}

func (a *Agent) armDegradedLocked() {
	if a.degradedTimer != nil {
		a.degradedTimer.Stop()
	}
	since := a.disconnectedSince
	a.degradedTimer = time.AfterFunc(a.opts.DegradedAfter, func() { a.checkDegraded(since) })
}

func (a *Agent) checkDegraded(since time.Time) {
	a.mu.Lock()
	if a.closed || a.state == Open || a.degraded || !a.disconnectedSince.Equal(since) {
		a.mu.Unlock()
		return
	}
	a.degraded = true
	a.mu.Unlock()

	a.logger.Warn("Hub unreachable, relying on polling",
		zap.Duration("for", time.Since(since)))
	a.notifier.ConnectivityChanged(true)
}

// Run connects and polls until ctx is done, then closes the agent
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	a.runCtx = ctx
	a.disconnectedSince = time.Now()
	a.armDegradedLocked()
	a.mu.Unlock()

	if err := a.Connect(ctx); err != nil {
		a.logger.Warn("Initial hub connect failed", zap.Error(err))
		if err := a.FullRefresh(ctx); err != nil {
			a.logger.Warn("Initial refresh failed", zap.Error(err))
		}
	}

	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.Close()
			return ctx.Err()
		case <-ticker.C:
			if err := a.FullRefresh(ctx); err != nil {
				a.logger.Warn("Periodic refresh failed", zap.Error(err))
			}
		}
	}
}

// Close drops the hub connection and cancels pending reconnects. Payments
// already submitted through the API are unaffected.
func (a *Agent) Close() {
	a.mu.Lock()
	a.closed = true
	a.state = Disconnected
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
	}
	if a.degradedTimer != nil {
		a.degradedTimer.Stop()
	}
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
}
