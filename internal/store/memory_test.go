package store

import (
	"context"
	"testing"
	"time"

	"pos-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrder(id, userID string, createdAt time.Time) *models.Order {
	return &models.Order{
		ID:     id,
		UserID: userID,
		Items: []models.OrderItem{
			{ProductID: "p1", Name: "Latte", UnitPrice: decimal.NewFromInt(5), Quantity: 2},
		},
		Subtotal:      decimal.NewFromInt(10),
		Discount:      decimal.Zero,
		TotalAmount:   decimal.NewFromInt(10),
		PaymentMethod: models.PaymentMethodCash,
		Status:        models.OrderStatusPending,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

func TestMemoryOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.CreateOrder(ctx, newOrder("a", "u1", base)))
	require.NoError(t, m.CreateOrder(ctx, newOrder("b", "u1", base.Add(time.Minute))))
	require.NoError(t, m.CreateOrder(ctx, newOrder("c", "u2", base.Add(2*time.Minute))))

	orders, err := m.GetOrdersByUserID(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "b", orders[0].ID)
	assert.Equal(t, "a", orders[1].ID)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.CreateOrder(ctx, newOrder("a", "u1", time.Now())))

	got, err := m.GetOrderByID(ctx, "a")
	require.NoError(t, err)
	got.Items[0].Quantity = 99
	got.Status = models.OrderStatusCancelled

	again, err := m.GetOrderByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Items[0].Quantity)
	assert.Equal(t, models.OrderStatusPending, again.Status)
}

func TestMemoryUpdateOrderStatusCompareAndSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now()
	require.NoError(t, m.CreateOrder(ctx, newOrder("a", "u1", now)))

	err := m.UpdateOrderStatus(ctx, "a", models.OrderStatusPending, models.OrderStatusConfirmed, now)
	require.NoError(t, err)

	err = m.UpdateOrderStatus(ctx, "a", models.OrderStatusPending, models.OrderStatusCancelled, now)
	assert.ErrorIs(t, err, models.ErrStatusConflict)

	err = m.UpdateOrderStatus(ctx, "missing", models.OrderStatusPending, models.OrderStatusConfirmed, now)
	assert.ErrorIs(t, err, models.ErrNotFound)

	history, err := m.GetStatusHistory(ctx, "a")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.OrderStatusPending, history[0].Status)
	assert.Equal(t, models.OrderStatusConfirmed, history[1].Status)
}

func TestMemoryIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	first := newOrder("a", "u1", time.Now())
	first.IdempotencyKey = "key-1"
	require.NoError(t, m.CreateOrder(ctx, first))

	second := newOrder("b", "u1", time.Now())
	second.IdempotencyKey = "key-1"
	assert.ErrorIs(t, m.CreateOrder(ctx, second), models.ErrDuplicateOrder)

	found, err := m.GetOrderByIdempotencyKey(ctx, "u1", "key-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "a", found.ID)

	none, err := m.GetOrderByIdempotencyKey(ctx, "u2", "key-1")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMemoryLedger(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	_, err := m.AppendTransaction(ctx, "u1", models.WalletTransaction{
		ID: "t0", Type: models.TransactionTypeDeposit, Amount: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, created, err := m.CreateWallet(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = m.CreateWallet(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, created)

	wallet, err := m.AppendTransaction(ctx, "u1", models.WalletTransaction{
		ID: "t1", Type: models.TransactionTypeDeposit, Amount: decimal.NewFromInt(100), CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(wallet.Balance))

	payment := models.WalletTransaction{
		ID: "t2", Type: models.TransactionTypePayment, Amount: decimal.NewFromInt(60),
		RelatedOrderID: "order1", CreatedAt: time.Now(),
	}
	wallet, err = m.AppendTransaction(ctx, "u1", payment)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(40).Equal(wallet.Balance))

	payment.ID = "t3"
	_, err = m.AppendTransaction(ctx, "u1", payment)
	assert.ErrorIs(t, err, models.ErrDuplicatePayment)

	_, err = m.AppendTransaction(ctx, "u1", models.WalletTransaction{
		ID: "t4", Type: models.TransactionTypePayment, Amount: decimal.NewFromInt(150),
		RelatedOrderID: "order2", CreatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)

	wallet, err = m.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, wallet.Transactions, 2)
	assert.True(t, wallet.Balance.Equal(models.LedgerBalance(wallet.Transactions)))

	found, err := m.FindPayment(ctx, "u1", "order1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "t2", found.ID)
}
