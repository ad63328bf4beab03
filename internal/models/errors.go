package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDuplicatePayment  = errors.New("duplicate payment for order")
	ErrInvalidAmount     = errors.New("amount must be positive with at most two decimal places")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrDuplicateOrder    = errors.New("order with this idempotency key already exists")

	// ErrStatusConflict is returned by a store when a compare-and-set on the
	// order status lost to a concurrent writer
	ErrStatusConflict = errors.New("order status changed concurrently")
)

// TransitionError describes a rejected status change
type TransitionError struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot move from %q to %q", e.OrderID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
