package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pos-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

type walletRow struct {
	ID        int64           `db:"id"`
	UserID    string          `db:"user_id"`
	Balance   decimal.Decimal `db:"balance"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

type transactionRow struct {
	ID             string          `db:"id"`
	Type           string          `db:"type"`
	Amount         decimal.Decimal `db:"amount"`
	RelatedOrderID sql.NullString  `db:"related_order_id"`
	CreatedAt      time.Time       `db:"created_at"`
}

func (r transactionRow) toModel() models.WalletTransaction {
	return models.WalletTransaction{
		ID:             r.ID,
		Type:           models.TransactionType(r.Type),
		Amount:         r.Amount,
		RelatedOrderID: r.RelatedOrderID.String,
		CreatedAt:      r.CreatedAt,
	}
}

// GetWallet returns the wallet of userID with its full ledger
func (s *Store) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	var row walletRow
	err := s.db.GetContext(ctx, &row,
		"SELECT id, user_id, balance, created_at, updated_at FROM wallets WHERE user_id = $1", userID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("wallet of %s: %w", userID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var txs []transactionRow
	err = s.db.SelectContext(ctx, &txs, `
		SELECT id, type, amount, related_order_id, created_at
		FROM wallet_transactions WHERE wallet_id = $1 ORDER BY created_at, id`, row.ID)
	if err != nil {
		return nil, err
	}

	wallet := &models.Wallet{
		OwnerID:      row.UserID,
		Balance:      row.Balance,
		Transactions: make([]models.WalletTransaction, 0, len(txs)),
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
	for _, tx := range txs {
		wallet.Transactions = append(wallet.Transactions, tx.toModel())
	}
	return wallet, nil
}

// CreateWallet creates an empty wallet for userID. created is false when the
// wallet already existed.
func (s *Store) CreateWallet(ctx context.Context, userID string) (*models.Wallet, bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (user_id, balance, created_at, updated_at)
		VALUES ($1, 0, $2, $2)
		ON CONFLICT (user_id) DO NOTHING`, userID, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create wallet: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	wallet, err := s.GetWallet(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return wallet, n == 1, nil
}

// FindPayment returns the payment transaction for orderID, or nil if none exists
func (s *Store) FindPayment(ctx context.Context, userID, orderID string) (*models.WalletTransaction, error) {
	var row transactionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT t.id, t.type, t.amount, t.related_order_id, t.created_at
		FROM wallet_transactions t
		JOIN wallets w ON w.id = t.wallet_id
		WHERE w.user_id = $1 AND t.type = 'payment' AND t.related_order_id = $2`, userID, orderID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	tx := row.toModel()
	return &tx, nil
}

// AppendTransaction records entry and applies it to the balance in one
// database transaction. The wallet row is locked for the duration.
func (s *Store) AppendTransaction(ctx context.Context, userID string, entry models.WalletTransaction) (*models.Wallet, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var row walletRow
	err = tx.GetContext(ctx, &row,
		"SELECT id, user_id, balance, created_at, updated_at FROM wallets WHERE user_id = $1 FOR UPDATE", userID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("wallet of %s: %w", userID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}

	balance := row.Balance.Add(entry.SignedAmount())
	if balance.IsNegative() {
		return nil, fmt.Errorf("wallet of %s: balance %s, debit %s: %w",
			userID, row.Balance, entry.Amount, models.ErrInsufficientFunds)
	}

	if err := insertTransaction(ctx, tx, row.ID, entry); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE wallets SET balance = $1, updated_at = $2 WHERE id = $3",
		balance, entry.CreatedAt, row.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return s.GetWallet(ctx, userID)
}

func insertTransaction(ctx context.Context, tx *sqlx.Tx, walletID int64, entry models.WalletTransaction) error {
	related := sql.NullString{String: entry.RelatedOrderID, Valid: entry.RelatedOrderID != ""}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, wallet_id, type, amount, related_order_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, walletID, string(entry.Type), entry.Amount, related, entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s: %w", entry.RelatedOrderID, models.ErrDuplicatePayment)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}
