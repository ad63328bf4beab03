package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is a step in the order lifecycle
type OrderStatus string

// Order statuses
const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusPreparing OrderStatus = "preparing"
	OrderStatusReady     OrderStatus = "ready"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// PaymentMethod is how the customer settles an order
type PaymentMethod string

// Payment methods
const (
	PaymentMethodWallet PaymentMethod = "wallet"
	PaymentMethodCard   PaymentMethod = "card"
	PaymentMethodCash   PaymentMethod = "cash"
)

// Valid reports whether m is a known payment method
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodWallet, PaymentMethodCard, PaymentMethodCash:
		return true
	}
	return false
}

// Order represents a customer order
type Order struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	Items          []OrderItem     `json:"items"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Discount       decimal.Decimal `json:"discount"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	PaymentMethod  PaymentMethod   `json:"paymentMethod"`
	Status         OrderStatus     `json:"status"`
	Campaign       *CampaignRef    `json:"campaignRef,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// OrderItem represents a line in an order
type OrderItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int             `json:"quantity"`
}

// MoneyScale is the number of decimal places every stored amount carries
const MoneyScale = 2

// FitsMoneyScale reports whether d is representable at MoneyScale without rounding
func FitsMoneyScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(MoneyScale))
}

// LineTotal returns unit price times quantity
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// CampaignRef is the campaign code applied to an order and the discount it granted
type CampaignRef struct {
	Code     string          `json:"code"`
	Discount decimal.Decimal `json:"discount"`
}

// StatusChange is one row of an order's status history
type StatusChange struct {
	OrderID   string      `db:"order_id" json:"orderId"`
	Status    OrderStatus `db:"status" json:"status"`
	ChangedAt time.Time   `db:"changed_at" json:"changedAt"`
}

// TransactionType distinguishes ledger entries
type TransactionType string

// Transaction types
const (
	TransactionTypeDeposit TransactionType = "deposit"
	TransactionTypePayment TransactionType = "payment"
)

// Wallet is a user's stored-value balance and its ledger
type Wallet struct {
	OwnerID      string              `json:"ownerId"`
	Balance      decimal.Decimal     `json:"balance"`
	Transactions []WalletTransaction `json:"transactions"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

// WalletTransaction is an append-only ledger entry
type WalletTransaction struct {
	ID             string          `json:"id"`
	Type           TransactionType `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	RelatedOrderID string          `json:"relatedOrderId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// SignedAmount returns the effect of the transaction on the balance
func (t WalletTransaction) SignedAmount() decimal.Decimal {
	if t.Type == TransactionTypePayment {
		return t.Amount.Neg()
	}
	return t.Amount
}

// LedgerBalance sums the signed amounts of txs
func LedgerBalance(txs []WalletTransaction) decimal.Decimal {
	sum := decimal.Zero
	for _, tx := range txs {
		sum = sum.Add(tx.SignedAmount())
	}
	return sum
}
