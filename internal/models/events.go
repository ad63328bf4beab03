package models

import "time"

// Hub message types
const (
	MessageTypeAuth        = "AUTH"
	MessageTypeNewOrder    = "NEW_ORDER"
	MessageTypeOrderUpdate = "ORDER_UPDATE"
)

// ClientMessage is a frame sent by a subscriber to the hub
type ClientMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId,omitempty"`
}

// OrderEvent is a frame pushed by the hub. It always carries the full order
// snapshot, never a diff.
type OrderEvent struct {
	Type  string `json:"type"`
	Order *Order `json:"order"`
}

// NewOrderEvent builds a NEW_ORDER event
func NewOrderEvent(order *Order) OrderEvent {
	return OrderEvent{Type: MessageTypeNewOrder, Order: order}
}

// OrderUpdateEvent builds an ORDER_UPDATE event
func OrderUpdateEvent(order *Order) OrderEvent {
	return OrderEvent{Type: MessageTypeOrderUpdate, Order: order}
}

// RelayEnvelope wraps an order event on the broker so every replica can
// deliver it to its own hub
type RelayEnvelope struct {
	EventID   string     `json:"event_id"`
	Origin    string     `json:"origin"`
	Timestamp time.Time  `json:"timestamp"`
	Event     OrderEvent `json:"event"`
}
