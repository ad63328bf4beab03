package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pos-service/internal/lock"
	"pos-service/internal/models"
	"pos-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentExecutor moves money between wallets and orders through the ledger
type PaymentExecutor struct {
	ledger     LedgerStore
	orders     OrderStore
	walletLock lock.Locker
	orderLock  lock.Locker
	logger     *zap.Logger
	now        func() time.Time
}

// NewPaymentExecutor creates a payment executor. walletLock is the per-wallet
// serialization point; it must never map two users to the same key. orderLock
// must be the locker the order service transitions orders under. Pay takes the
// order lock before the wallet lock.
func NewPaymentExecutor(ledger LedgerStore, orders OrderStore, walletLock, orderLock lock.Locker) *PaymentExecutor {
	return &PaymentExecutor{
		ledger:     ledger,
		orders:     orders,
		walletLock: walletLock,
		orderLock:  orderLock,
		logger:     util.GetLogger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// validAmount rejects amounts the ledger cannot store exactly
func validAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && models.FitsMoneyScale(amount)
}

// PaymentResult is the outcome of Pay
type PaymentResult struct {
	Wallet      *models.Wallet            `json:"wallet"`
	Transaction *models.WalletTransaction `json:"transaction"`
	Replayed    bool                      `json:"replayed"`
}

// Pay debits amount from the wallet of userID for orderID. A second call for
// the same order returns the original transaction without touching the ledger.
// Pay ignores cancellation of ctx: once started it runs to a definitive outcome.
func (pe *PaymentExecutor) Pay(ctx context.Context, userID string, amount decimal.Decimal, orderID string) (*PaymentResult, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := util.StartSpan(ctx, "PaymentExecutor.Pay")
	defer span.End()

	util.PaymentAttemptsTotal.Inc()
	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	if !validAmount(amount) {
		util.PaymentFailedTotal.WithLabelValues("invalid_amount").Inc()
		return nil, fmt.Errorf("pay %s: %w", amount, models.ErrInvalidAmount)
	}
	if orderID == "" {
		util.PaymentFailedTotal.WithLabelValues("invalid_order").Inc()
		return nil, fmt.Errorf("order id is required: %w", models.ErrInvalidOrder)
	}

	unlockOrder, err := pe.orderLock.Lock(ctx, orderID)
	if err != nil {
		util.PaymentFailedTotal.WithLabelValues("lock").Inc()
		return nil, fmt.Errorf("order %s is busy: %w", orderID, err)
	}
	defer unlockOrder()

	unlock, err := pe.lockWallet(ctx, userID)
	if err != nil {
		util.PaymentFailedTotal.WithLabelValues("lock").Inc()
		return nil, err
	}
	defer unlock()

	// read under the order lock so a cancel cannot land between check and debit
	order, err := pe.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		util.PaymentFailedTotal.WithLabelValues("order_lookup").Inc()
		return nil, err
	}
	if order.UserID != userID {
		util.PaymentFailedTotal.WithLabelValues("order_lookup").Inc()
		return nil, fmt.Errorf("order %s: %w", orderID, models.ErrNotFound)
	}

	wallet, err := pe.ensureWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	existing, err := pe.ledger.FindPayment(ctx, userID, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing payment: %w", err)
	}
	if existing != nil {
		return pe.replay(ctx, userID, existing, amount)
	}

	if order.Status == models.OrderStatusCancelled {
		util.PaymentFailedTotal.WithLabelValues("order_cancelled").Inc()
		return nil, fmt.Errorf("order %s is cancelled: %w", orderID, models.ErrInvalidOrder)
	}

	if wallet.Balance.LessThan(amount) {
		util.PaymentFailedTotal.WithLabelValues("insufficient_funds").Inc()
		pe.logger.Info("Payment rejected",
			zap.String("user_id", userID),
			zap.String("order_id", orderID),
			zap.String("balance", wallet.Balance.String()),
			zap.String("amount", amount.String()))
		return nil, fmt.Errorf("wallet of %s: balance %s, debit %s: %w",
			userID, wallet.Balance, amount, models.ErrInsufficientFunds)
	}

	entry := models.WalletTransaction{
		ID:             uuid.NewString(),
		Type:           models.TransactionTypePayment,
		Amount:         amount,
		RelatedOrderID: orderID,
		CreatedAt:      pe.now(),
	}

	wallet, err = pe.ledger.AppendTransaction(ctx, userID, entry)
	if errors.Is(err, models.ErrDuplicatePayment) {
		// another replica committed first
		existing, findErr := pe.ledger.FindPayment(ctx, userID, orderID)
		if findErr != nil || existing == nil {
			return nil, fmt.Errorf("failed to load concurrent payment: %w", err)
		}
		return pe.replay(ctx, userID, existing, amount)
	}
	if err != nil {
		if errors.Is(err, models.ErrInsufficientFunds) {
			util.PaymentFailedTotal.WithLabelValues("insufficient_funds").Inc()
		} else {
			util.PaymentFailedTotal.WithLabelValues("store").Inc()
		}
		return nil, err
	}

	util.PaymentSuccessTotal.Inc()
	pe.logger.Info("Payment committed",
		zap.String("user_id", userID),
		zap.String("order_id", orderID),
		zap.String("tx_id", entry.ID),
		zap.String("amount", amount.String()),
		zap.String("balance", wallet.Balance.String()))

	return &PaymentResult{Wallet: wallet, Transaction: &entry}, nil
}

func (pe *PaymentExecutor) replay(ctx context.Context, userID string, existing *models.WalletTransaction, amount decimal.Decimal) (*PaymentResult, error) {
	util.PaymentReplayedTotal.Inc()
	if !existing.Amount.Equal(amount) {
		pe.logger.Warn("Payment retry with different amount, returning original",
			zap.String("order_id", existing.RelatedOrderID),
			zap.String("original", existing.Amount.String()),
			zap.String("requested", amount.String()))
	}

	wallet, err := pe.ledger.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	pe.logger.Info("Duplicate payment replayed",
		zap.String("user_id", userID),
		zap.String("order_id", existing.RelatedOrderID),
		zap.String("tx_id", existing.ID))

	return &PaymentResult{Wallet: wallet, Transaction: existing, Replayed: true}, nil
}

// Deposit credits amount to the wallet of userID. Every call is a distinct
// top-up; there is no idempotency key.
func (pe *PaymentExecutor) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*models.Wallet, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := util.StartSpan(ctx, "PaymentExecutor.Deposit")
	defer span.End()

	if !validAmount(amount) {
		return nil, fmt.Errorf("deposit %s: %w", amount, models.ErrInvalidAmount)
	}

	unlock, err := pe.lockWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := pe.ensureWallet(ctx, userID); err != nil {
		return nil, err
	}

	entry := models.WalletTransaction{
		ID:        uuid.NewString(),
		Type:      models.TransactionTypeDeposit,
		Amount:    amount,
		CreatedAt: pe.now(),
	}

	wallet, err := pe.ledger.AppendTransaction(ctx, userID, entry)
	if err != nil {
		return nil, err
	}

	util.DepositsTotal.Inc()
	pe.logger.Info("Deposit committed",
		zap.String("user_id", userID),
		zap.String("tx_id", entry.ID),
		zap.String("amount", amount.String()),
		zap.String("balance", wallet.Balance.String()))

	return wallet, nil
}

// GetWallet returns the wallet of userID, creating an empty one on first access
func (pe *PaymentExecutor) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	ctx, span := util.StartSpan(ctx, "PaymentExecutor.GetWallet")
	defer span.End()

	return pe.ensureWallet(ctx, userID)
}

// CreateWallet creates the wallet of userID. created is false when it already existed.
func (pe *PaymentExecutor) CreateWallet(ctx context.Context, userID string) (*models.Wallet, bool, error) {
	ctx, span := util.StartSpan(ctx, "PaymentExecutor.CreateWallet")
	defer span.End()

	return pe.ledger.CreateWallet(ctx, userID)
}

func (pe *PaymentExecutor) ensureWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	wallet, err := pe.ledger.GetWallet(ctx, userID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	wallet, created, err := pe.ledger.CreateWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if created {
		pe.logger.Info("Wallet provisioned", zap.String("user_id", userID))
	}
	return wallet, nil
}

func (pe *PaymentExecutor) lockWallet(ctx context.Context, userID string) (lock.Unlock, error) {
	start := time.Now()
	unlock, err := pe.walletLock.Lock(ctx, userID)
	util.WalletLockWait.Observe(time.Since(start).Seconds())
	if err != nil {
		pe.logger.Error("Failed to acquire wallet lock",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("wallet of %s is busy: %w", userID, err)
	}
	return unlock, nil
}
