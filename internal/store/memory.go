package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pos-service/internal/models"
)

// MemoryStore keeps orders and wallets in process memory. It backs local
// development (STORE_DRIVER=memory) and the service tests.
type MemoryStore struct {
	mu          sync.RWMutex
	orders      map[string]*models.Order
	idempotency map[string]string
	history     map[string][]models.StatusChange
	wallets     map[string]*models.Wallet
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[string]*models.Order),
		idempotency: make(map[string]string),
		history:     make(map[string][]models.StatusChange),
		wallets:     make(map[string]*models.Wallet),
	}
}

func idempotencyIndex(userID, key string) string {
	return userID + "\x00" + key
}

func copyOrder(o *models.Order) models.Order {
	c := *o
	c.Items = append([]models.OrderItem{}, o.Items...)
	if o.Campaign != nil {
		campaign := *o.Campaign
		c.Campaign = &campaign
	}
	return c
}

func copyWallet(w *models.Wallet) *models.Wallet {
	c := *w
	c.Transactions = append([]models.WalletTransaction{}, w.Transactions...)
	return &c
}

// CreateOrder stores a new order
func (m *MemoryStore) CreateOrder(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; ok {
		return fmt.Errorf("order %s: %w", order.ID, models.ErrDuplicateOrder)
	}
	if order.IdempotencyKey != "" {
		idx := idempotencyIndex(order.UserID, order.IdempotencyKey)
		if _, ok := m.idempotency[idx]; ok {
			return fmt.Errorf("order %s: %w", order.ID, models.ErrDuplicateOrder)
		}
		m.idempotency[idx] = order.ID
	}

	stored := copyOrder(order)
	m.orders[order.ID] = &stored
	m.history[order.ID] = []models.StatusChange{{OrderID: order.ID, Status: order.Status, ChangedAt: order.CreatedAt}}
	return nil
}

// GetOrderByID retrieves an order by ID
func (m *MemoryStore) GetOrderByID(_ context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, models.ErrNotFound)
	}
	c := copyOrder(order)
	return &c, nil
}

// GetOrderByIdempotencyKey returns nil when no order was created with key
func (m *MemoryStore) GetOrderByIdempotencyKey(_ context.Context, userID, key string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.idempotency[idempotencyIndex(userID, key)]
	if !ok {
		return nil, nil
	}
	c := copyOrder(m.orders[id])
	return &c, nil
}

// GetOrdersByUserID retrieves orders for a user, newest first
func (m *MemoryStore) GetOrdersByUserID(_ context.Context, userID string) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	orders := []models.Order{}
	for _, order := range m.orders {
		if order.UserID == userID {
			orders = append(orders, copyOrder(order))
		}
	}
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

// UpdateOrderStatus moves an order from one status to another if it is still in from
func (m *MemoryStore) UpdateOrderStatus(_ context.Context, id string, from, to models.OrderStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, models.ErrNotFound)
	}
	if order.Status != from {
		return fmt.Errorf("order %s: %w", id, models.ErrStatusConflict)
	}

	order.Status = to
	order.UpdatedAt = at
	m.history[id] = append(m.history[id], models.StatusChange{OrderID: id, Status: to, ChangedAt: at})
	return nil
}

// GetStatusHistory returns the status changes of an order in the order they happened
func (m *MemoryStore) GetStatusHistory(_ context.Context, id string) ([]models.StatusChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history, ok := m.history[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, models.ErrNotFound)
	}
	return append([]models.StatusChange{}, history...), nil
}

// GetWallet returns the wallet of userID with its full ledger
func (m *MemoryStore) GetWallet(_ context.Context, userID string) (*models.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wallet, ok := m.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("wallet of %s: %w", userID, models.ErrNotFound)
	}
	return copyWallet(wallet), nil
}

// CreateWallet creates an empty wallet for userID unless one exists
func (m *MemoryStore) CreateWallet(_ context.Context, userID string) (*models.Wallet, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if wallet, ok := m.wallets[userID]; ok {
		return copyWallet(wallet), false, nil
	}

	now := time.Now().UTC()
	wallet := &models.Wallet{
		OwnerID:      userID,
		Transactions: []models.WalletTransaction{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.wallets[userID] = wallet
	return copyWallet(wallet), true, nil
}

// FindPayment returns the payment transaction for orderID, or nil if none exists
func (m *MemoryStore) FindPayment(_ context.Context, userID, orderID string) (*models.WalletTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wallet, ok := m.wallets[userID]
	if !ok {
		return nil, nil
	}
	for _, tx := range wallet.Transactions {
		if tx.Type == models.TransactionTypePayment && tx.RelatedOrderID == orderID {
			found := tx
			return &found, nil
		}
	}
	return nil, nil
}

// AppendTransaction records entry and applies it to the balance atomically
func (m *MemoryStore) AppendTransaction(_ context.Context, userID string, entry models.WalletTransaction) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallet, ok := m.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("wallet of %s: %w", userID, models.ErrNotFound)
	}

	if entry.Type == models.TransactionTypePayment {
		for _, tx := range wallet.Transactions {
			if tx.Type == models.TransactionTypePayment && tx.RelatedOrderID == entry.RelatedOrderID {
				return nil, fmt.Errorf("order %s: %w", entry.RelatedOrderID, models.ErrDuplicatePayment)
			}
		}
	}

	balance := wallet.Balance.Add(entry.SignedAmount())
	if balance.IsNegative() {
		return nil, fmt.Errorf("wallet of %s: balance %s, debit %s: %w",
			userID, wallet.Balance, entry.Amount, models.ErrInsufficientFunds)
	}

	wallet.Transactions = append(wallet.Transactions, entry)
	wallet.Balance = balance
	wallet.UpdatedAt = entry.CreatedAt
	return copyWallet(wallet), nil
}

// Ping always succeeds
func (m *MemoryStore) Ping(context.Context) error {
	return nil
}
