package models

import (
	"strings"

	"github.com/google/uuid"
)

// OrderStatus is the engine's view of a broker order.
type OrderStatus string

const (
	OrderSubmitted     OrderStatus = "SUBMITTED"
	OrderPartialFilled OrderStatus = "PARTIAL_FILLED"
	OrderFilled        OrderStatus = "FILLED"
	OrderCancelled     OrderStatus = "CANCELLED"
	OrderFailed        OrderStatus = "FAILED"
	// OrderUnknown is reported when the broker status is missing or unrecognized.
	// It is always fatal for the attempt that observes it.
	OrderUnknown OrderStatus = "UNKNOWN"
)

// NormalizeOrderStatus maps broker status strings onto OrderStatus.
func NormalizeOrderStatus(raw string) OrderStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "open", "pending", "submitted", "accepted", "ok", "calculated", "working":
		return OrderSubmitted
	case "partial", "partially_filled", "partial_filled", "partially-filled":
		return OrderPartialFilled
	case "filled", "executed":
		return OrderFilled
	case "canceled", "cancelled", "expired", "pending_cancel":
		return OrderCancelled
	case "rejected", "error", "failed":
		return OrderFailed
	default:
		return OrderUnknown
	}
}

// IsTerminal reports whether the broker will not change the order any further.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderFailed:
		return true
	default:
		return false
	}
}

// OrderSide is the broker side of a single-leg order.
type OrderSide string

const (
	SideBuyToOpen   OrderSide = "buy_to_open"
	SideSellToClose OrderSide = "sell_to_close"
	SideBuy         OrderSide = "buy"
	SideSell        OrderSide = "sell"
)

// TimeInForce values accepted by the broker layer.
const (
	TimeInForceGTC = "gtc"
	TimeInForceDay = "day"
)

// Order is one placement made during an attempt.
type Order struct {
	ClientOrderID string      `json:"client_order_id"`
	BrokerOrderID int         `json:"broker_order_id"`
	Symbol        string      `json:"symbol"`
	Side          OrderSide   `json:"side"`
	Quantity      int         `json:"quantity"`
	LimitPrice    float64     `json:"limit_price"`
	TimeInForce   string      `json:"time_in_force"`
	Status        OrderStatus `json:"status"`
	FilledQty     float64     `json:"filled_quantity"`
	FilledPrice   float64     `json:"filled_price"`
}

// NewClientOrderID generates the idempotency tag sent with each placement.
func NewClientOrderID() string {
	return uuid.NewString()
}
