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

const orderColumns = `id, user_id, subtotal, discount, total_amount, payment_method, status,
	campaign_code, campaign_discount, idempotency_key, created_at, updated_at`

type orderRow struct {
	ID               string              `db:"id"`
	UserID           string              `db:"user_id"`
	Subtotal         decimal.Decimal     `db:"subtotal"`
	Discount         decimal.Decimal     `db:"discount"`
	TotalAmount      decimal.Decimal     `db:"total_amount"`
	PaymentMethod    string              `db:"payment_method"`
	Status           string              `db:"status"`
	CampaignCode     sql.NullString      `db:"campaign_code"`
	CampaignDiscount decimal.NullDecimal `db:"campaign_discount"`
	IdempotencyKey   sql.NullString      `db:"idempotency_key"`
	CreatedAt        time.Time           `db:"created_at"`
	UpdatedAt        time.Time           `db:"updated_at"`
}

type itemRow struct {
	OrderID   string          `db:"order_id"`
	Position  int             `db:"position"`
	ProductID string          `db:"product_id"`
	Name      string          `db:"name"`
	UnitPrice decimal.Decimal `db:"unit_price"`
	Quantity  int             `db:"quantity"`
}

func (r orderRow) toModel(items []models.OrderItem) models.Order {
	order := models.Order{
		ID:             r.ID,
		UserID:         r.UserID,
		Items:          items,
		Subtotal:       r.Subtotal,
		Discount:       r.Discount,
		TotalAmount:    r.TotalAmount,
		PaymentMethod:  models.PaymentMethod(r.PaymentMethod),
		Status:         models.OrderStatus(r.Status),
		IdempotencyKey: r.IdempotencyKey.String,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.CampaignCode.Valid {
		order.Campaign = &models.CampaignRef{
			Code:     r.CampaignCode.String,
			Discount: r.CampaignDiscount.Decimal,
		}
	}
	if order.Items == nil {
		order.Items = []models.OrderItem{}
	}
	return order
}

// CreateOrder inserts an order, its items and the initial history row
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var campaignCode sql.NullString
	var campaignDiscount decimal.NullDecimal
	if order.Campaign != nil {
		campaignCode = sql.NullString{String: order.Campaign.Code, Valid: true}
		campaignDiscount = decimal.NullDecimal{Decimal: order.Campaign.Discount, Valid: true}
	}
	idempotencyKey := sql.NullString{String: order.IdempotencyKey, Valid: order.IdempotencyKey != ""}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		order.ID, order.UserID, order.Subtotal, order.Discount, order.TotalAmount,
		string(order.PaymentMethod), string(order.Status), campaignCode, campaignDiscount,
		idempotencyKey, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s: %w", order.ID, models.ErrDuplicateOrder)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i, item := range order.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, position, product_id, name, unit_price, quantity)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			order.ID, i, item.ProductID, item.Name, item.UnitPrice, item.Quantity)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	if err := insertHistory(ctx, tx, order.ID, order.Status, order.CreatedAt); err != nil {
		return err
	}

	return tx.Commit()
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	orders, err := s.attachItems(ctx, []orderRow{row})
	if err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// GetOrderByIdempotencyKey returns nil when no order was created with key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*models.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 AND idempotency_key = $2", userID, key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	orders, err := s.attachItems(ctx, []orderRow{row})
	if err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// GetOrdersByUserID retrieves orders for a user, newest first
func (s *Store) GetOrdersByUserID(ctx context.Context, userID string) ([]models.Order, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, err
	}
	return s.attachItems(ctx, rows)
}

// UpdateOrderStatus moves an order from one status to another. The update only
// applies while the stored status still equals from.
func (s *Store) UpdateOrderStatus(ctx context.Context, id string, from, to models.OrderStatus, at time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4",
		string(to), at, id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)", id); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("order %s: %w", id, models.ErrNotFound)
		}
		return fmt.Errorf("order %s: %w", id, models.ErrStatusConflict)
	}

	if err := insertHistory(ctx, tx, id, to, at); err != nil {
		return err
	}

	return tx.Commit()
}

// GetStatusHistory returns the status changes of an order in the order they happened
func (s *Store) GetStatusHistory(ctx context.Context, id string) ([]models.StatusChange, error) {
	var history []models.StatusChange
	err := s.db.SelectContext(ctx, &history,
		"SELECT order_id, status, changed_at FROM order_status_history WHERE order_id = $1 ORDER BY id", id)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("order %s: %w", id, models.ErrNotFound)
	}
	return history, nil
}

func insertHistory(ctx context.Context, tx *sqlx.Tx, id string, status models.OrderStatus, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO order_status_history (order_id, status, changed_at) VALUES ($1, $2, $3)",
		id, string(status), at)
	if err != nil {
		return fmt.Errorf("failed to insert status history: %w", err)
	}
	return nil
}

func (s *Store) attachItems(ctx context.Context, rows []orderRow) ([]models.Order, error) {
	if len(rows) == 0 {
		return []models.Order{}, nil
	}

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}

	query, args, err := sqlx.In(`
		SELECT order_id, position, product_id, name, unit_price, quantity
		FROM order_items WHERE order_id IN (?) ORDER BY order_id, position`, ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var items []itemRow
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, err
	}

	byOrder := make(map[string][]models.OrderItem, len(rows))
	for _, item := range items {
		byOrder[item.OrderID] = append(byOrder[item.OrderID], models.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
		})
	}

	orders := make([]models.Order, len(rows))
	for i, row := range rows {
		orders[i] = row.toModel(byOrder[row.ID])
	}
	return orders, nil
}
