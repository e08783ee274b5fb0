// Package orders places and manages broker orders for an execution attempt:
// the price-chasing fill loop and the follow-up take-profit order.
package orders

import (
	"context"
	"errors"
	"time"

	"github.com/eddiefleurent/signal_executor/internal/broker"
	"github.com/eddiefleurent/signal_executor/internal/models"
)

const fillEpsilon = 1e-6

// IsCompletelyFilled reports whether the broker filled the whole quantity,
// regardless of whether the status string says "partial" or "filled".
func IsCompletelyFilled(o broker.OrderItem) bool {
	if models.NormalizeOrderStatus(o.Status) == models.OrderFilled {
		return true
	}
	if o.Quantity <= fillEpsilon {
		return false
	}
	return o.ExecQuantity >= o.Quantity-fillEpsilon
}

// StatusOf maps a broker order onto the engine's status enum, promoting fully
// executed partials to FILLED.
func StatusOf(o broker.OrderItem) models.OrderStatus {
	status := models.NormalizeOrderStatus(o.Status)
	if status == models.OrderPartialFilled && IsCompletelyFilled(o) {
		return models.OrderFilled
	}
	return status
}

// FillPrice is the average fill price, falling back to the limit when the
// broker did not report one.
func FillPrice(o broker.OrderItem, limit float64) float64 {
	if o.AvgFillPrice > 0 {
		return o.AvgFillPrice
	}
	if o.LastFillPrice > 0 {
		return o.LastFillPrice
	}
	return limit
}

// lookupOrder queries one order by broker id, or by client tag when the
// placement response did not carry an id.
func lookupOrder(ctx context.Context, b broker.Broker, id int, tag string) (*broker.OrderItem, error) {
	if id > 0 {
		resp, err := b.GetOrderStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, broker.ErrOrderNotFound
		}
		return &resp.Order, nil
	}
	return broker.FindOrderByTag(ctx, b, tag)
}

// CancelByTag clears the order a failed placement may have left at the
// broker. It finds the order by client tag and cancels it unless it is already
// closed. The returned item is the order as found, or nil when the broker holds
// no order with that tag. It runs even when ctx is already done.
func CancelByTag(ctx context.Context, b broker.Broker, tag string) (*broker.OrderItem, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	item, err := broker.FindOrderByTag(cctx, b, tag)
	if errors.Is(err, broker.ErrOrderNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if StatusOf(*item).IsTerminal() {
		return item, nil
	}
	if _, err := b.CancelOrder(cctx, item.ID); err != nil {
		return item, err
	}
	return item, nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withTimeout derives a per-call context when a call timeout is configured.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
