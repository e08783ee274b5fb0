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

// cancelTimeout bounds best-effort cancels issued after the caller's context ended.
const cancelTimeout = 10 * time.Second

// Config contains configuration for the fill loop.
type Config struct {
	// CheckDelay is the wait between placing an order and reading its status
	CheckDelay time.Duration
	// MaxAttempts caps the ladder; 0 walks the whole band
	MaxAttempts int
	// CallTimeout bounds each broker call
	CallTimeout time.Duration
	// Platform labels metrics
	Platform string
}

// DefaultConfig is the default configuration for the fill loop.
var DefaultConfig = Config{
	CheckDelay:  2 * time.Second,
	CallTimeout: 10 * time.Second,
	Platform:    "tradier",
}

// FillRequest is one buy_to_open to be chased up the price band.
type FillRequest struct {
	Underlying   string
	OptionSymbol string
	Quantity     int
	// Price is the signal's purchase price; the band is built around it
	Price float64
}

// FillResult describes a filled order.
type FillResult struct {
	OrderID        int
	ClientOrderID  string
	FilledPrice    float64
	FilledQuantity int
	Attempts       int
	// PartialQuantity counts contracts filled on earlier orders that were
	// cancelled as partials; they are held in addition to FilledQuantity
	PartialQuantity float64
	// Orders holds every placement made, in order
	Orders []models.Order
}

// Filler walks the price ladder until an order fills. At most one order is
// working at any time: each order is cancelled before the next is placed.
type Filler struct {
	broker  broker.Broker
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	config  Config
}

// NewFiller creates a fill loop. A nil logger uses the standard logger.
func NewFiller(b broker.Broker, logger logrus.FieldLogger, m *metrics.Metrics, config ...Config) *Filler {
	if b == nil {
		panic("orders.NewFiller: broker must not be nil")
	}
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.CheckDelay < 0 {
		cfg.CheckDelay = 0
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Filler{broker: b, logger: logger, metrics: m, config: cfg}
}

// Fill places GTC limit buys from the bottom of the band upward and returns
// once one fills. Errors are *FillError carrying the kind of failure.
func (f *Filler) Fill(ctx context.Context, req FillRequest) (*FillResult, error) {
	if req.Quantity <= 0 {
		return nil, &FillError{Kind: models.ErrorKindRecoverable, Err: fmt.Errorf("invalid quantity %d", req.Quantity)}
	}
	ladder, err := pricing.OptionLadder(req.Price, f.config.MaxAttempts)
	if err != nil {
		return nil, &FillError{Kind: models.ErrorKindRecoverable, Err: err}
	}

	f.logger.WithFields(logrus.Fields{
		"option":    req.OptionSymbol,
		"quantity":  req.Quantity,
		"band_low":  ladder.Band.Low.StringFixed(3),
		"band_high": ladder.Band.High.StringFixed(3),
		"increment": ladder.Increment.String(),
		"rungs":     ladder.Len(),
	}).Info("Starting fill loop")

	res := &FillResult{}
	var partial float64
	for i, rung := range ladder.Rungs {
		attempt := i + 1
		res.Attempts = attempt
		price := rung.InexactFloat64()

		order := models.Order{
			ClientOrderID: models.NewClientOrderID(),
			Symbol:        req.OptionSymbol,
			Side:          models.SideBuyToOpen,
			Quantity:      req.Quantity,
			LimitPrice:    price,
			TimeInForce:   models.TimeInForceGTC,
			Status:        models.OrderSubmitted,
		}
		log := f.logger.WithFields(logrus.Fields{"attempt": attempt, "price": rung.StringFixed(2), "tag": order.ClientOrderID})

		placeReq := broker.LimitOptionOrder(req.Underlying, req.OptionSymbol, string(models.SideBuyToOpen),
			req.Quantity, price, models.TimeInForceGTC, order.ClientOrderID)
		id, err := f.place(ctx, placeReq)
		if err != nil {
			switch {
			case broker.IsTradingHoursRestriction(err):
				log.WithError(err).Warn("Order rejected outside trading hours")
				return nil, retryablef(attempt, 0, "order rejected outside market hours, try during market hours: %w", err)
			case broker.IsOrderRejection(err) && ctx.Err() == nil:
				log.WithError(err).Warn("Order rejected, moving to next price")
				order.Status = models.OrderFailed
				res.Orders = append(res.Orders, order)
				continue
			default:
				return nil, f.abandon(ctx, attempt, rung.StringFixed(2), order.ClientOrderID, err, log)
			}
		}
		order.BrokerOrderID = id
		f.metrics.IncOrderPlaced(f.config.Platform, string(order.Side))
		log.WithField("order_id", id).Info("Order placed")

		if err := Sleep(ctx, f.config.CheckDelay); err != nil {
			f.bestEffortCancel(ctx, id, log)
			return nil, fatalf(attempt, id, "interrupted waiting on order %d: %w", id, err)
		}

		item, err := f.lookup(ctx, id, order.ClientOrderID)
		if err != nil {
			f.bestEffortCancel(ctx, id, log)
			return nil, fatalf(attempt, id, "status query for order %d failed: %w", id, err)
		}
		if id == 0 {
			id = item.ID
			order.BrokerOrderID = id
		}
		status := StatusOf(*item)
		order.Status = status
		order.FilledQty = item.ExecQuantity
		log = log.WithFields(logrus.Fields{"order_id": id, "status": item.Status, "exec_qty": item.ExecQuantity})

		switch status {
		case models.OrderFilled:
			res.PartialQuantity = partial
			return f.filled(res, order, *item, price, req.Quantity, log), nil

		case models.OrderSubmitted, models.OrderPartialFilled:
			if status == models.OrderPartialFilled {
				log.Warn("Order partially filled, cancelling remainder")
			} else {
				log.Info("Order not filled, cancelling")
			}
			if cerr := f.cancel(ctx, id); cerr != nil {
				// The order may have completed while the cancel was in flight
				after, lerr := f.lookup(ctx, id, order.ClientOrderID)
				if lerr == nil {
					switch StatusOf(*after) {
					case models.OrderFilled:
						order.Status = models.OrderFilled
						res.PartialQuantity = partial
						return f.filled(res, order, *after, price, req.Quantity, log), nil
					case models.OrderCancelled, models.OrderFailed:
						order.Status = models.OrderCancelled
						order.FilledQty = after.ExecQuantity
						partial += f.heldPartial(order, log)
						res.Orders = append(res.Orders, order)
						continue
					}
				}
				log.WithError(cerr).Error("Cancel failed, order may still be working")
				return nil, fatalf(attempt, id, "cancel of order %d failed, order may still be working: %w", id, cerr)
			}
			order.Status = models.OrderCancelled

		case models.OrderCancelled, models.OrderFailed:
			log.Info("Order closed without fill, moving to next price")

		default:
			f.bestEffortCancel(ctx, id, log)
			log.Error("Unrecognized order status")
			return nil, fatalf(attempt, id, "order %d returned unrecognized status %q", id, item.Status)
		}
		partial += f.heldPartial(order, log)
		res.Orders = append(res.Orders, order)
	}

	f.logger.WithFields(logrus.Fields{"attempts": res.Attempts, "partial_qty": partial}).Warn("Price band exhausted without a fill")
	if partial > fillEpsilon {
		fe := retryablef(res.Attempts, 0, "%w after %d attempts (%g contracts held from cancelled partial fills)",
			ErrNotFilled, res.Attempts, partial)
		fe.PartialQuantity = partial
		return nil, fe
	}
	return nil, retryablef(res.Attempts, 0, "%w after %d attempts", ErrNotFilled, res.Attempts)
}

// heldPartial returns the contracts an unfilled order executed before it closed.
func (f *Filler) heldPartial(order models.Order, log logrus.FieldLogger) float64 {
	if order.FilledQty <= fillEpsilon {
		return 0
	}
	log.WithField("held_qty", order.FilledQty).Warn("Cancelled order left a partial position")
	return order.FilledQty
}

func (f *Filler) filled(res *FillResult, order models.Order, item broker.OrderItem, limit float64, qty int, log logrus.FieldLogger) *FillResult {
	res.OrderID = order.BrokerOrderID
	res.ClientOrderID = order.ClientOrderID
	res.FilledPrice = FillPrice(item, limit)
	res.FilledQuantity = qty
	if item.ExecQuantity > fillEpsilon {
		res.FilledQuantity = int(item.ExecQuantity + fillEpsilon)
	}
	order.FilledPrice = res.FilledPrice
	res.Orders = append(res.Orders, order)
	log.WithField("fill_price", res.FilledPrice).Info("Order filled")
	return res
}

// abandon ends the loop after a placement whose outcome is unknown. A timeout
// or transport error can arrive after the broker accepted the order, so any
// order carrying the tag is cancelled before the attempt fails.
func (f *Filler) abandon(ctx context.Context, attempt int, price, tag string, placeErr error, log logrus.FieldLogger) *FillError {
	item, err := CancelByTag(ctx, f.broker, tag)
	switch {
	case err != nil:
		log.WithError(err).WithField("place_error", placeErr.Error()).Error("Order placement failed and order state is unknown")
		return fatalf(attempt, 0, "placing order at %s: %w (order state unknown: %v)", price, placeErr, err)
	case item == nil:
		log.WithError(placeErr).Error("Order placement failed")
		return fatalf(attempt, 0, "placing order at %s: %w", price, placeErr)
	}
	log = log.WithFields(logrus.Fields{"order_id": item.ID, "status": item.Status, "exec_qty": item.ExecQuantity})
	if StatusOf(*item).IsTerminal() {
		log.WithError(placeErr).Error("Order placement failed but broker holds a closed order")
		return fatalf(attempt, item.ID, "placing order at %s: %w (broker order %d is %s)", price, placeErr, item.ID, item.Status)
	}
	log.WithError(placeErr).Error("Order placement failed after broker accepted it, order cancelled")
	return fatalf(attempt, item.ID, "placing order at %s: %w (accepted order %d cancelled)", price, placeErr, item.ID)
}

func (f *Filler) place(ctx context.Context, req broker.OrderRequest) (int, error) {
	callCtx, cancel := withTimeout(ctx, f.config.CallTimeout)
	defer cancel()
	resp, err := f.broker.PlaceOrder(callCtx, req)
	if err != nil {
		return 0, err
	}
	if resp == nil {
		return 0, nil
	}
	return resp.Order.ID, nil
}

func (f *Filler) lookup(ctx context.Context, id int, tag string) (*broker.OrderItem, error) {
	callCtx, cancel := withTimeout(ctx, f.config.CallTimeout)
	defer cancel()
	return lookupOrder(callCtx, f.broker, id, tag)
}

func (f *Filler) cancel(ctx context.Context, id int) error {
	if id <= 0 {
		return fmt.Errorf("cannot cancel order without broker id")
	}
	callCtx, cancel := withTimeout(ctx, f.config.CallTimeout)
	defer cancel()
	_, err := f.broker.CancelOrder(callCtx, id)
	return err
}

// bestEffortCancel runs even when ctx is already done. Failures are logged only.
func (f *Filler) bestEffortCancel(ctx context.Context, id int, log logrus.FieldLogger) {
	if id <= 0 {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if _, err := f.broker.CancelOrder(cctx, id); err != nil {
		log.WithError(err).Warn("Best-effort cancel failed")
	}
}
