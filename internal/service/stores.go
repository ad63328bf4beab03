package service

import (
	"context"
	"time"

	"pos-service/internal/models"
)

// OrderStore is the durable record of orders and their status history
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID string) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, from, to models.OrderStatus, at time.Time) error
	GetStatusHistory(ctx context.Context, id string) ([]models.StatusChange, error)
}

// LedgerStore is the durable record of wallets and their transactions.
// AppendTransaction must apply the entry and the balance change atomically and
// refuse to take the balance below zero.
type LedgerStore interface {
	GetWallet(ctx context.Context, userID string) (*models.Wallet, error)
	CreateWallet(ctx context.Context, userID string) (*models.Wallet, bool, error)
	FindPayment(ctx context.Context, userID, orderID string) (*models.WalletTransaction, error)
	AppendTransaction(ctx context.Context, userID string, entry models.WalletTransaction) (*models.Wallet, error)
}

// Broadcaster delivers order events to live subscribers
type Broadcaster interface {
	Broadcast(ctx context.Context, event models.OrderEvent) error
}
