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

// OrderService handles order creation and the status lifecycle
type OrderService struct {
	store       OrderStore
	payments    *PaymentExecutor
	broadcaster Broadcaster
	locker      lock.Locker
	logger      *zap.Logger
	now         func() time.Time
}

// NewOrderService creates a new order service. locker is the per-order
// serialization point shared by store commits and broadcast enqueues.
func NewOrderService(
	store OrderStore,
	payments *PaymentExecutor,
	broadcaster Broadcaster,
	locker lock.Locker,
) *OrderService {
	return &OrderService{
		store:       store,
		payments:    payments,
		broadcaster: broadcaster,
		locker:      locker,
		logger:      util.GetLogger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	UserID         string               `json:"-"`
	Items          []OrderItemRequest   `json:"items" binding:"required,min=1"`
	PaymentMethod  models.PaymentMethod `json:"paymentMethod" binding:"required"`
	Campaign       *models.CampaignRef  `json:"campaign,omitempty"`
	IdempotencyKey string               `json:"idempotencyKey,omitempty"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductID string          `json:"productId" binding:"required"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int             `json:"quantity" binding:"required,min=1"`
}

// CreateOrderResult is the order as created, plus the wallet payment if one ran
type CreateOrderResult struct {
	Order    *models.Order  `json:"order"`
	Payment  *PaymentResult `json:"payment,omitempty"`
	Replayed bool           `json:"replayed"`
}

// CreateOrder persists a pending order and announces it. Wallet orders are
// paid immediately; an order the wallet cannot cover is cancelled and the
// result is returned together with the payment error.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if req.IdempotencyKey != "" {
		existing, err := s.store.GetOrderByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("order_id", existing.ID))
			return s.settle(ctx, &CreateOrderResult{Order: existing, Replayed: true})
		}
	}

	order, err := s.buildOrder(req)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		unlock()
		if errors.Is(err, models.ErrDuplicateOrder) && req.IdempotencyKey != "" {
			existing, getErr := s.store.GetOrderByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
			if getErr == nil && existing != nil {
				return s.settle(ctx, &CreateOrderResult{Order: existing, Replayed: true})
			}
		}
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	s.publish(ctx, models.NewOrderEvent(order))
	unlock()

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.String("total", order.TotalAmount.String()),
		zap.String("payment_method", string(order.PaymentMethod)))

	return s.settle(ctx, &CreateOrderResult{Order: order})
}

// settle runs the wallet payment for pending wallet orders. Pay is idempotent,
// so a replayed create finishes a payment an earlier attempt did not reach.
func (s *OrderService) settle(ctx context.Context, result *CreateOrderResult) (*CreateOrderResult, error) {
	order := result.Order
	if order.PaymentMethod != models.PaymentMethodWallet || order.Status != models.OrderStatusPending {
		return result, nil
	}
	if order.TotalAmount.IsZero() {
		return result, nil
	}

	payment, err := s.payments.Pay(ctx, order.UserID, order.TotalAmount, order.ID)
	if err == nil {
		result.Payment = payment
		return result, nil
	}

	if errors.Is(err, models.ErrInsufficientFunds) {
		cancelled, cancelErr := s.UpdateStatus(ctx, order.ID, models.OrderStatusCancelled)
		if cancelErr != nil {
			s.logger.Error("Failed to cancel unpaid order",
				zap.String("order_id", order.ID),
				zap.Error(cancelErr))
		} else {
			result.Order = cancelled
		}
	}
	return result, err
}

func (s *OrderService) buildOrder(req *CreateOrderRequest) (*models.Order, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user id is required: %w", models.ErrInvalidOrder)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("order has no items: %w", models.ErrInvalidOrder)
	}
	if !req.PaymentMethod.Valid() {
		return nil, fmt.Errorf("unknown payment method %q: %w", req.PaymentMethod, models.ErrInvalidOrder)
	}

	items := make([]models.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		if item.ProductID == "" || item.Quantity < 1 || item.UnitPrice.IsNegative() || !models.FitsMoneyScale(item.UnitPrice) {
			return nil, fmt.Errorf("invalid item %q: %w", item.ProductID, models.ErrInvalidOrder)
		}
		items = append(items, models.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
		})
	}

	subtotal := calculateSubtotal(items)
	discount := decimal.Zero
	var campaign *models.CampaignRef
	if req.Campaign != nil {
		if req.Campaign.Discount.IsNegative() || req.Campaign.Discount.GreaterThan(subtotal) ||
			!models.FitsMoneyScale(req.Campaign.Discount) {
			return nil, fmt.Errorf("campaign %q discount %s out of range: %w",
				req.Campaign.Code, req.Campaign.Discount, models.ErrInvalidOrder)
		}
		discount = req.Campaign.Discount
		campaign = &models.CampaignRef{Code: req.Campaign.Code, Discount: discount}
	}

	now := s.now()
	return &models.Order{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Items:          items,
		Subtotal:       subtotal,
		Discount:       discount,
		TotalAmount:    subtotal.Sub(discount),
		PaymentMethod:  req.PaymentMethod,
		Status:         models.OrderStatusPending,
		Campaign:       campaign,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// calculateSubtotal calculates the pre-discount amount for an order
func calculateSubtotal(items []models.OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal())
	}
	return total
}

// UpdateStatus moves an order to target if the lifecycle graph allows it and
// announces the new snapshot exactly once.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID string, target models.OrderStatus) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus")
	defer span.End()

	unlock, err := s.locker.Lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// a compare-and-set miss means another replica moved the order; re-read once
	for attempt := 0; attempt < 2; attempt++ {
		order, err := s.store.GetOrderByID(ctx, orderID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				util.OrderTransitionsRejected.WithLabelValues("not_found").Inc()
			}
			return nil, err
		}

		if !models.CanTransition(order.Status, target) {
			util.OrderTransitionsRejected.WithLabelValues("invalid_transition").Inc()
			return nil, &models.TransitionError{OrderID: orderID, From: order.Status, To: target}
		}

		at := s.now()
		err = s.store.UpdateOrderStatus(ctx, orderID, order.Status, target, at)
		if errors.Is(err, models.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update order status: %w", err)
		}

		from := order.Status
		order.Status = target
		order.UpdatedAt = at
		s.publish(ctx, models.OrderUpdateEvent(order))

		util.OrderTransitionsTotal.WithLabelValues(string(target)).Inc()
		s.logger.Info("Order status changed",
			zap.String("order_id", orderID),
			zap.String("from", string(from)),
			zap.String("to", string(target)))
		return order, nil
	}

	util.OrderTransitionsRejected.WithLabelValues("conflict").Inc()
	return nil, fmt.Errorf("order %s: %w", orderID, models.ErrStatusConflict)
}

// publish hands the event to the broadcaster. The store already holds the
// truth, so a failed broadcast is logged and left to client reconciliation.
func (s *OrderService) publish(ctx context.Context, event models.OrderEvent) {
	if err := s.broadcaster.Broadcast(ctx, event); err != nil {
		s.logger.Error("Failed to broadcast order event",
			zap.String("type", event.Type),
			zap.String("order_id", event.Order.ID),
			zap.Error(err))
	}
}

// GetOrder retrieves an order by ID
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.store.GetOrderByID(ctx, orderID)
}

// ListOrders returns the orders of userID, newest first
func (s *OrderService) ListOrders(ctx context.Context, userID string) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrders")
	defer span.End()

	return s.store.GetOrdersByUserID(ctx, userID)
}

// StatusHistory returns every status the order has been in
func (s *OrderService) StatusHistory(ctx context.Context, orderID string) ([]models.StatusChange, error) {
	return s.store.GetStatusHistory(ctx, orderID)
}
