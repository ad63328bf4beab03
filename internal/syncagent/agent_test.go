package syncagent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pos-service/internal/hub"
	"pos-service/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu           sync.Mutex
	changes      []string
	connectivity []bool
}

func (n *recordingNotifier) OrderStatusChanged(order models.Order, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, order.ID+":"+string(order.Status))
}

func (n *recordingNotifier) ConnectivityChanged(degraded bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connectivity = append(n.connectivity, degraded)
}

func (n *recordingNotifier) Changes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.changes...)
}

func (n *recordingNotifier) Connectivity() []bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]bool(nil), n.connectivity...)
}

var base = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func order(id string, minute int, status models.OrderStatus) models.Order {
	return models.Order{
		ID:        id,
		UserID:    "alice",
		Status:    status,
		CreatedAt: base.Add(time.Duration(minute) * time.Minute),
	}
}

func ids(orders []models.Order) []string {
	out := make([]string, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.ID)
	}
	return out
}

// backend serves the orders list and a real hub, the way the server does
type backend struct {
	hub    *hub.Hub
	srv    *httptest.Server
	mu     sync.Mutex
	orders []models.Order
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	gin.SetMode(gin.TestMode)
	b := &backend{hub: hub.New(hub.Options{})}

	router := gin.New()
	router.GET("/ws", b.hub.ServeWS)
	router.GET("/api/v1/orders", func(c *gin.Context) {
		b.mu.Lock()
		defer b.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"orders": b.orders})
	})

	b.srv = httptest.NewServer(router)
	t.Cleanup(func() {
		b.hub.Close()
		b.srv.Close()
	})
	return b
}

func (b *backend) setOrders(orders ...models.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = orders
}

func (b *backend) options() Options {
	return Options{
		APIURL:         b.srv.URL + "/api/v1",
		HubURL:         "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws",
		UserID:         "alice",
		ReconnectDelay: 50 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
	}
}

func TestReconcileUpsertsNewestFirst(t *testing.T) {
	a := New(Options{UserID: "alice"}, &recordingNotifier{})

	a.Reconcile(order("o1", 1, models.OrderStatusPending))
	a.Reconcile(order("o3", 3, models.OrderStatusPending))
	a.Reconcile(order("o2", 2, models.OrderStatusPending))
	assert.Equal(t, []string{"o3", "o2", "o1"}, ids(a.Orders()))

	a.Reconcile(order("o2", 2, models.OrderStatusReady))
	a.Reconcile(order("o2", 2, models.OrderStatusReady))

	orders := a.Orders()
	assert.Equal(t, []string{"o3", "o2", "o1"}, ids(orders))
	assert.Equal(t, models.OrderStatusReady, orders[1].Status)
}

func TestReconcileLatestSnapshotWins(t *testing.T) {
	a := New(Options{UserID: "alice"}, &recordingNotifier{})

	a.Reconcile(order("o1", 1, models.OrderStatusReady))
	a.Reconcile(order("o1", 1, models.OrderStatusConfirmed))

	orders := a.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, models.OrderStatusConfirmed, orders[0].Status)
}

func TestNotifyIfStatusChanged(t *testing.T) {
	n := &recordingNotifier{}
	a := New(Options{UserID: "alice"}, n)

	a.NotifyIfStatusChanged(order("o1", 1, models.OrderStatusPending))
	a.NotifyIfStatusChanged(order("o1", 1, models.OrderStatusConfirmed))
	a.NotifyIfStatusChanged(order("o1", 1, models.OrderStatusConfirmed))
	a.NotifyIfStatusChanged(order("o1", 1, models.OrderStatusPreparing))
	a.NotifyIfStatusChanged(order("o1", 1, models.OrderStatusReady))
	a.NotifyIfStatusChanged(order("o2", 2, models.OrderStatusCancelled))

	assert.Equal(t, []string{"o1:confirmed", "o1:ready", "o2:cancelled"}, n.Changes())
}

func TestStatusMessages(t *testing.T) {
	for _, s := range []models.OrderStatus{
		models.OrderStatusConfirmed, models.OrderStatusReady,
		models.OrderStatusCompleted, models.OrderStatusCancelled,
	} {
		assert.NotEmpty(t, StatusMessage(s), s)
	}
	assert.Empty(t, StatusMessage(models.OrderStatusPending))
	assert.Empty(t, StatusMessage(models.OrderStatusPreparing))
}

func TestFullRefreshAppliesServerList(t *testing.T) {
	b := newBackend(t)
	b.setOrders(order("o1", 1, models.OrderStatusConfirmed), order("o2", 2, models.OrderStatusPending))

	n := &recordingNotifier{}
	a := New(b.options(), n)

	require.NoError(t, a.FullRefresh(context.Background()))
	assert.Equal(t, []string{"o2", "o1"}, ids(a.Orders()))
	assert.Equal(t, []string{"o1:confirmed"}, n.Changes())

	require.NoError(t, a.Focus(context.Background()))
	assert.Len(t, a.Orders(), 2)
	assert.Len(t, n.Changes(), 1)
}

func TestConnectReceivesPushes(t *testing.T) {
	b := newBackend(t)
	n := &recordingNotifier{}
	a := New(b.options(), n)
	t.Cleanup(a.Close)

	require.NoError(t, a.Connect(context.Background()))
	assert.Equal(t, Open, a.State())
	require.Eventually(t, func() bool { return b.hub.Stats().Users == 1 }, 2*time.Second, 10*time.Millisecond)

	created := order("o1", 1, models.OrderStatusPending)
	require.NoError(t, b.hub.Broadcast(context.Background(), models.NewOrderEvent(&created)))
	require.Eventually(t, func() bool { return len(a.Orders()) == 1 }, 2*time.Second, 10*time.Millisecond)

	ready := order("o1", 1, models.OrderStatusReady)
	require.NoError(t, b.hub.Broadcast(context.Background(), models.OrderUpdateEvent(&ready)))
	require.Eventually(t, func() bool {
		orders := a.Orders()
		return len(orders) == 1 && orders[0].Status == models.OrderStatusReady
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"o1:ready"}, n.Changes())
}

func TestFocusKeepsNewerPushedStatus(t *testing.T) {
	b := newBackend(t)
	b.setOrders(order("o1", 1, models.OrderStatusConfirmed))
	n := &recordingNotifier{}
	a := New(b.options(), n)
	t.Cleanup(a.Close)

	require.NoError(t, a.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(a.Orders()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return b.hub.Stats().Users == 1 }, 2*time.Second, 10*time.Millisecond)

	ready := order("o1", 1, models.OrderStatusReady)
	require.NoError(t, b.hub.Broadcast(context.Background(), models.OrderUpdateEvent(&ready)))
	require.Eventually(t, func() bool { return a.Orders()[0].Status == models.OrderStatusReady },
		2*time.Second, 10*time.Millisecond)

	// the list fetched on connect is still fresh and predates the push
	require.NoError(t, a.Focus(context.Background()))
	assert.Equal(t, models.OrderStatusReady, a.Orders()[0].Status)

	require.NoError(t, b.hub.Broadcast(context.Background(), models.OrderUpdateEvent(&ready)))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"o1:confirmed", "o1:ready"}, n.Changes())
}

func TestConnectIsReentrancySafe(t *testing.T) {
	b := newBackend(t)
	a := New(b.options(), &recordingNotifier{})
	t.Cleanup(a.Close)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Connect(context.Background()))
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return a.State() == Open }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, a.Connect(context.Background()))

	require.Eventually(t, func() bool { return b.hub.Stats().Users == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, b.hub.Stats().Connections)
}

func TestReconnectsAfterDrop(t *testing.T) {
	var accepted atomic.Int32
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"orders":[]}`))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := accepted.Add(1)
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if n == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	a := New(Options{
		APIURL:         srv.URL + "/api/v1",
		HubURL:         "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		UserID:         "alice",
		ReconnectDelay: 50 * time.Millisecond,
		RequestTimeout: time.Second,
	}, &recordingNotifier{})
	t.Cleanup(a.Close)

	require.NoError(t, a.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return accepted.Load() == 2 && a.State() == Open
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(2), accepted.Load())
}

func TestDegradedWhenHubUnreachable(t *testing.T) {
	b := newBackend(t)
	opts := b.options()
	opts.HubURL = "ws://127.0.0.1:1/ws"
	opts.ReconnectDelay = time.Hour
	opts.DegradedAfter = 100 * time.Millisecond

	n := &recordingNotifier{}
	a := New(opts, n)
	t.Cleanup(a.Close)

	assert.Error(t, a.Connect(context.Background()))
	assert.Equal(t, Reconnecting, a.State())

	require.Eventually(t, func() bool {
		c := n.Connectivity()
		return len(c) == 1 && c[0]
	}, 2*time.Second, 10*time.Millisecond)

	// a pending reconnect makes a manual retry go through
	assert.Error(t, a.Connect(context.Background()))
	assert.Len(t, n.Connectivity(), 1)
}

func TestRunPollsAndStops(t *testing.T) {
	b := newBackend(t)
	b.setOrders(order("o1", 1, models.OrderStatusPending))
	opts := b.options()
	opts.PollInterval = 20 * time.Millisecond

	a := New(opts, &recordingNotifier{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.State() == Open && len(a.Orders()) == 1 },
		2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, Disconnected, a.State())
	assert.ErrorIs(t, a.Connect(context.Background()), ErrClosed)
}
