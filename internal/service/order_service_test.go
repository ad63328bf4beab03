package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"pos-service/internal/lock"
	"pos-service/internal/models"
	"pos-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []models.OrderEvent
}

func (r *recordingBroadcaster) Broadcast(_ context.Context, event models.OrderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := *event.Order
	r.events = append(r.events, models.OrderEvent{Type: event.Type, Order: &snapshot})
	return nil
}

func (r *recordingBroadcaster) Events() []models.OrderEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.OrderEvent{}, r.events...)
}

func (r *recordingBroadcaster) count(eventType string) int {
	n := 0
	for _, e := range r.Events() {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type testServices struct {
	orders   *OrderService
	payments *PaymentExecutor
	store    *store.MemoryStore
	events   *recordingBroadcaster
}

func newTestServices(t *testing.T) *testServices {
	t.Helper()
	st := store.NewMemoryStore()
	events := &recordingBroadcaster{}
	orderLock := lock.NewKeyedMutex()
	payments := NewPaymentExecutor(st, st, lock.NewKeyedMutex(), orderLock)
	return &testServices{
		orders:   NewOrderService(st, payments, events, orderLock),
		payments: payments,
		store:    st,
		events:   events,
	}
}

func cashOrder(userID string) *CreateOrderRequest {
	return &CreateOrderRequest{
		UserID: userID,
		Items: []OrderItemRequest{
			{ProductID: "latte", Name: "Latte", UnitPrice: dec("4.50"), Quantity: 2},
			{ProductID: "bagel", Name: "Bagel", UnitPrice: dec("3"), Quantity: 1},
		},
		PaymentMethod: models.PaymentMethodCash,
	}
}

func TestCreateOrderTotals(t *testing.T) {
	ts := newTestServices(t)
	req := cashOrder("U")
	req.Campaign = &models.CampaignRef{Code: "WELCOME", Discount: dec("2")}

	result, err := ts.orders.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	order := result.Order
	assert.True(t, dec("12").Equal(order.Subtotal))
	assert.True(t, dec("2").Equal(order.Discount))
	assert.True(t, dec("10").Equal(order.TotalAmount))
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, "WELCOME", order.Campaign.Code)

	events := ts.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.MessageTypeNewOrder, events[0].Type)
	assert.Equal(t, order.ID, events[0].Order.ID)
}

func TestCreateOrderValidation(t *testing.T) {
	ts := newTestServices(t)
	ctx := context.Background()

	tooMuch := cashOrder("U")
	tooMuch.Campaign = &models.CampaignRef{Code: "HUGE", Discount: dec("100")}
	_, err := ts.orders.CreateOrder(ctx, tooMuch)
	assert.ErrorIs(t, err, models.ErrInvalidOrder)

	negative := cashOrder("U")
	negative.Campaign = &models.CampaignRef{Code: "NEG", Discount: dec("-1")}
	_, err = ts.orders.CreateOrder(ctx, negative)
	assert.ErrorIs(t, err, models.ErrInvalidOrder)

	noItems := cashOrder("U")
	noItems.Items = nil
	_, err = ts.orders.CreateOrder(ctx, noItems)
	assert.ErrorIs(t, err, models.ErrInvalidOrder)

	subCent := cashOrder("U")
	subCent.Items[0].UnitPrice = dec("4.505")
	_, err = ts.orders.CreateOrder(ctx, subCent)
	assert.ErrorIs(t, err, models.ErrInvalidOrder)

	subCentDiscount := cashOrder("U")
	subCentDiscount.Campaign = &models.CampaignRef{Code: "ODD", Discount: dec("0.001")}
	_, err = ts.orders.CreateOrder(ctx, subCentDiscount)
	assert.ErrorIs(t, err, models.ErrInvalidOrder)

	badMethod := cashOrder("U")
	badMethod.PaymentMethod = "barter"
	_, err = ts.orders.CreateOrder(ctx, badMethod)
	assert.ErrorIs(t, err, models.ErrInvalidOrder)

	assert.Empty(t, ts.events.Events())
}

func TestCreateOrderIdempotencyKey(t *testing.T) {
	ts := newTestServices(t)
	ctx := context.Background()

	req := cashOrder("U")
	req.IdempotencyKey = "checkout-1"

	first, err := ts.orders.CreateOrder(ctx, req)
	require.NoError(t, err)
	second, err := ts.orders.CreateOrder(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.True(t, second.Replayed)
	assert.Equal(t, 1, ts.events.count(models.MessageTypeNewOrder))
}

func TestCreateWalletOrderPays(t *testing.T) {
	ts := newTestServices(t)
	ctx := context.Background()
	_, err := ts.payments.Deposit(ctx, "U", dec("100"))
	require.NoError(t, err)

	req := cashOrder("U")
	req.PaymentMethod = models.PaymentMethodWallet
	req.IdempotencyKey = "checkout-2"

	result, err := ts.orders.CreateOrder(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, result.Payment)
	assert.True(t, dec("88").Equal(result.Payment.Wallet.Balance))
	assert.Equal(t, result.Order.ID, result.Payment.Transaction.RelatedOrderID)

	// client retry after a lost response
	retry, err := ts.orders.CreateOrder(ctx, req)
	require.NoError(t, err)
	assert.True(t, retry.Payment.Replayed)

	wallet, err := ts.payments.GetWallet(ctx, "U")
	require.NoError(t, err)
	assert.True(t, dec("88").Equal(wallet.Balance))
	assert.Equal(t, 1, paymentsFor(wallet, result.Order.ID))
}

func TestCreateWalletOrderInsufficientFundsCancels(t *testing.T) {
	ts := newTestServices(t)
	ctx := context.Background()

	req := cashOrder("U")
	req.PaymentMethod = models.PaymentMethodWallet

	result, err := ts.orders.CreateOrder(ctx, req)
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)
	require.NotNil(t, result)
	assert.Equal(t, models.OrderStatusCancelled, result.Order.Status)

	events := ts.events.Events()
	require.Len(t, events, 2)
	assert.Equal(t, models.MessageTypeNewOrder, events[0].Type)
	assert.Equal(t, models.MessageTypeOrderUpdate, events[1].Type)
	assert.Equal(t, models.OrderStatusCancelled, events[1].Order.Status)
}

func TestUpdateStatusFollowsLifecycle(t *testing.T) {
	ts := newTestServices(t)
	ctx := context.Background()

	created, err := ts.orders.CreateOrder(ctx, cashOrder("U"))
	require.NoError(t, err)
	id := created.Order.ID

	_, err = ts.orders.UpdateStatus(ctx, id, models.OrderStatusPreparing)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	var transitionErr *models.TransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, models.OrderStatusPending, transitionErr.From)

	current, err := ts.orders.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, current.Status)
	assert.Equal(t, 0, ts.events.count(models.MessageTypeOrderUpdate))

	confirmed, err := ts.orders.UpdateStatus(ctx, id, models.OrderStatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, confirmed.Status)

	preparing, err := ts.orders.UpdateStatus(ctx, id, models.OrderStatusPreparing)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPreparing, preparing.Status)

	events := ts.events.Events()
	require.Len(t, events, 3)
	assert.Equal(t, models.OrderStatusConfirmed, events[1].Order.Status)
	assert.Equal(t, models.OrderStatusPreparing, events[2].Order.Status)

	history, err := ts.orders.StatusHistory(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.OrderStatusPreparing, history[2].Status)
}

func TestUpdateStatusTerminal(t *testing.T) {
	ts := newTestServices(t)
	ctx := context.Background()

	created, err := ts.orders.CreateOrder(ctx, cashOrder("U"))
	require.NoError(t, err)
	id := created.Order.ID

	_, err = ts.orders.UpdateStatus(ctx, id, models.OrderStatusCancelled)
	require.NoError(t, err)

	for _, target := range []models.OrderStatus{
		models.OrderStatusConfirmed, models.OrderStatusCancelled, models.OrderStatusPending, "bogus",
	} {
		_, err = ts.orders.UpdateStatus(ctx, id, target)
		assert.ErrorIs(t, err, models.ErrInvalidTransition, "target %s", target)
	}
}

func TestUpdateStatusNotFound(t *testing.T) {
	ts := newTestServices(t)

	_, err := ts.orders.UpdateStatus(context.Background(), "nope", models.OrderStatusConfirmed)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestConcurrentTransitionBroadcastsOnce(t *testing.T) {
	ts := newTestServices(t)
	ctx := context.Background()

	created, err := ts.orders.CreateOrder(ctx, cashOrder("U"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ts.orders.UpdateStatus(ctx, created.Order.ID, models.OrderStatusConfirmed)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, models.ErrInvalidTransition)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, ts.events.count(models.MessageTypeOrderUpdate))
}

func TestListOrdersNewestFirst(t *testing.T) {
	ts := newTestServices(t)
	ctx := context.Background()

	clock := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	ts.orders.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	first, err := ts.orders.CreateOrder(ctx, cashOrder("U"))
	require.NoError(t, err)
	second, err := ts.orders.CreateOrder(ctx, cashOrder("U"))
	require.NoError(t, err)
	_, err = ts.orders.CreateOrder(ctx, cashOrder("someone-else"))
	require.NoError(t, err)

	orders, err := ts.orders.ListOrders(ctx, "U")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, second.Order.ID, orders[0].ID)
	assert.Equal(t, first.Order.ID, orders[1].ID)
}
