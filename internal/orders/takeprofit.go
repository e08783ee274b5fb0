package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/signal_executor/internal/broker"
	"github.com/eddiefleurent/signal_executor/internal/metrics"
	"github.com/eddiefleurent/signal_executor/internal/models"
	"github.com/eddiefleurent/signal_executor/internal/pricing"
)

// TakeProfitPlan is the partial exit placed after a fill.
type TakeProfitPlan struct {
	Quantity int
	Price    float64
	Filter   models.SellingFilter
	// Matched is false when the default plan was used
	Matched bool
}

// PlanTakeProfit picks the selling filter for title and computes quantity and price.
// Quantity is ceil(size * pct / 100) and the price is rounded up to the cent.
func PlanTakeProfit(size int, filledPrice float64, filters []models.SellingFilter, title string) TakeProfitPlan {
	f, matched := models.MatchSellingFilter(filters, title)
	return TakeProfitPlan{
		Quantity: pricing.SellQuantity(size, f.SellPercentage),
		Price:    pricing.TakeProfitPrice(filledPrice, f.ProfitMultiplier),
		Filter:   f,
		Matched:  matched,
	}
}

// TakeProfitResult is a placed take-profit order.
type TakeProfitResult struct {
	OrderID       int
	ClientOrderID string
	Quantity      int
	Price         float64
}

// TakeProfitPlacer places a single GTC sell_to_close limit order.
type TakeProfitPlacer struct {
	broker      broker.Broker
	logger      logrus.FieldLogger
	metrics     *metrics.Metrics
	callTimeout time.Duration
	platform    string
}

// NewTakeProfitPlacer creates a placer.
func NewTakeProfitPlacer(b broker.Broker, logger logrus.FieldLogger, m *metrics.Metrics, platform string, callTimeout time.Duration) *TakeProfitPlacer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TakeProfitPlacer{broker: b, logger: logger, metrics: m, platform: platform, callTimeout: callTimeout}
}

// Place submits the plan. Errors are for the caller to report as a warning;
// the filled entry is never unwound.
func (p *TakeProfitPlacer) Place(ctx context.Context, underlying, optionSymbol string, plan TakeProfitPlan) (*TakeProfitResult, error) {
	if plan.Quantity <= 0 {
		return nil, fmt.Errorf("take-profit quantity %d is not positive", plan.Quantity)
	}
	if plan.Price <= 0 {
		return nil, fmt.Errorf("take-profit price %.2f is not positive", plan.Price)
	}

	tag := models.NewClientOrderID()
	req := broker.LimitOptionOrder(underlying, optionSymbol, string(models.SideSellToClose),
		plan.Quantity, plan.Price, models.TimeInForceGTC, tag)

	callCtx, cancel := withTimeout(ctx, p.callTimeout)
	defer cancel()
	resp, err := p.broker.PlaceOrder(callCtx, req)
	if err != nil {
		if broker.IsTradingHoursRestriction(err) {
			return nil, fmt.Errorf("take-profit rejected outside market hours, place it manually: %w", err)
		}
		return nil, fmt.Errorf("placing take-profit: %w", err)
	}
	p.metrics.IncOrderPlaced(p.platform, string(models.SideSellToClose))

	res := &TakeProfitResult{ClientOrderID: tag, Quantity: plan.Quantity, Price: plan.Price}
	if resp != nil {
		res.OrderID = resp.Order.ID
	}
	p.logger.WithFields(logrus.Fields{
		"order_id":   res.OrderID,
		"quantity":   plan.Quantity,
		"price":      plan.Price,
		"multiplier": plan.Filter.ProfitMultiplier,
		"percentage": plan.Filter.SellPercentage,
		"filter":     plan.Filter.SignalFilter,
	}).Info("Take-profit order placed")
	return res, nil
}
