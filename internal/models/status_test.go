package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

var allStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusPreparing,
	OrderStatusReady,
	OrderStatusCompleted,
	OrderStatusCancelled,
}

func TestCanTransition(t *testing.T) {
	legal := map[[2]OrderStatus]bool{
		{OrderStatusPending, OrderStatusConfirmed}:   true,
		{OrderStatusConfirmed, OrderStatusPreparing}: true,
		{OrderStatusPreparing, OrderStatusReady}:     true,
		{OrderStatusReady, OrderStatusCompleted}:     true,
		{OrderStatusPending, OrderStatusCancelled}:   true,
		{OrderStatusConfirmed, OrderStatusCancelled}: true,
		{OrderStatusPreparing, OrderStatusCancelled}: true,
		{OrderStatusReady, OrderStatusCancelled}:     true,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := legal[[2]OrderStatus{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransitionUnknownStatus(t *testing.T) {
	assert.False(t, CanTransition("shipped", OrderStatusCancelled))
	assert.False(t, CanTransition(OrderStatusPending, "shipped"))
}

func TestLedgerBalance(t *testing.T) {
	txs := []WalletTransaction{
		{Type: TransactionTypeDeposit, Amount: decimal.NewFromInt(100)},
		{Type: TransactionTypePayment, Amount: decimal.NewFromInt(60)},
		{Type: TransactionTypeDeposit, Amount: decimal.RequireFromString("2.50")},
	}

	assert.True(t, decimal.RequireFromString("42.50").Equal(LedgerBalance(txs)))
}

func TestTransitionErrorIs(t *testing.T) {
	err := &TransitionError{OrderID: "o1", From: OrderStatusPending, To: OrderStatusReady}
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "o1")
}
