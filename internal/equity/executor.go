// Package equity executes raw price alerts for shares: a symmetric price
// band walked with DAY limit orders that are cancelled when they do not
// fill within a few status checks.
package equity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/signal_executor/internal/broker"
	"github.com/eddiefleurent/signal_executor/internal/executor"
	"github.com/eddiefleurent/signal_executor/internal/metrics"
	"github.com/eddiefleurent/signal_executor/internal/models"
	"github.com/eddiefleurent/signal_executor/internal/orders"
	"github.com/eddiefleurent/signal_executor/internal/pricing"
	"github.com/eddiefleurent/signal_executor/internal/storage"
)

const (
	persistTimeout = 10 * time.Second
	cancelTimeout  = 10 * time.Second
)

// Config controls the equity pipeline.
type Config struct {
	// Name is the broker name; attempts are recorded under "equity:<Name>"
	Name      string
	AccountID string
	BidDelta  float64
	AskDelta  float64
	// Increments is the number of equal steps across the band
	Increments int
	// StatusChecks is how many times an order is looked up before it is cancelled
	StatusChecks     int
	StatusCheckDelay time.Duration
	DefaultQuantity  int
	CallTimeout      time.Duration
	LockWait         time.Duration
}

// DefaultConfig is used for zero values passed to New.
var DefaultConfig = Config{
	Name:             "tradier",
	BidDelta:         0.05,
	AskDelta:         0.05,
	Increments:       5,
	StatusChecks:     3,
	StatusCheckDelay: time.Second,
	DefaultQuantity:  1,
	CallTimeout:      10 * time.Second,
	LockWait:         2 * time.Minute,
}

// Executor runs equity alerts. It shares instrument locks and the attempt
// recorder with the options executor.
type Executor struct {
	broker   broker.Broker
	recorder storage.Recorder
	locks    *executor.InstrumentLocks
	metrics  *metrics.Metrics
	logger   *logrus.Logger
	config   Config
	now      func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the process logger.
func WithLogger(l *logrus.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New creates an equity executor. A nil lock table gets a private one.
func New(b broker.Broker, rec storage.Recorder, locks *executor.InstrumentLocks, cfg Config, opts ...Option) *Executor {
	if b == nil {
		panic("equity.New: broker must not be nil")
	}
	if rec == nil {
		panic("equity.New: recorder must not be nil")
	}
	if locks == nil {
		locks = executor.NewInstrumentLocks()
	}
	if cfg.Name == "" {
		cfg.Name = DefaultConfig.Name
	}
	if cfg.Increments <= 0 {
		cfg.Increments = DefaultConfig.Increments
	}
	if cfg.StatusChecks <= 0 {
		cfg.StatusChecks = DefaultConfig.StatusChecks
	}
	if cfg.StatusCheckDelay < 0 {
		cfg.StatusCheckDelay = 0
	}
	if cfg.DefaultQuantity <= 0 {
		cfg.DefaultQuantity = DefaultConfig.DefaultQuantity
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = DefaultConfig.LockWait
	}

	e := &Executor{
		broker:   b,
		recorder: rec,
		locks:    locks,
		logger:   logrus.StandardLogger(),
		config:   cfg,
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Platform is the name attempts are recorded under.
func (e *Executor) Platform() string {
	return "equity:" + strings.ToLower(e.config.Name)
}

// fill is the outcome of a successful rung.
type fill struct {
	orderID  int
	price    float64
	quantity int
	partial  bool
}

// Execute runs sig and records exactly one attempt.
func (e *Executor) Execute(ctx context.Context, sig Signal) *executor.Result {
	start := e.now()
	platform := e.Platform()
	qty := sig.Quantity
	if qty <= 0 {
		qty = e.config.DefaultQuantity
	}

	tl := &executor.TradeLog{}
	id, err := e.recorder.CreateAttempt(ctx, sig.record(qty), platform)
	if err != nil {
		e.logger.WithError(err).WithField("symbol", sig.Symbol).Error("Failed to record equity attempt")
		return executor.FailureResult("", &executor.ExecError{
			Step: models.StepGate,
			Kind: models.ErrorKindRetryable,
			Err:  fmt.Errorf("recording execution attempt: %w", err),
		}, nil)
	}
	log := executor.NewAttemptLogger(e.logger, tl).WithFields(logrus.Fields{
		"attempt_id": id,
		"component":  "equity",
	})
	log.WithFields(logrus.Fields{
		"symbol":    sig.Symbol,
		"direction": sig.Direction,
		"price":     sig.Price,
		"quantity":  qty,
		"platform":  platform,
	}).Info("Equity execution started")

	sm := models.NewStateMachine()
	var attempts int
	f, execErr := e.runSafely(ctx, sig, qty, sm, log, &attempts)

	status := models.AttemptSuccess
	if execErr != nil {
		status = models.AttemptFailed
		log.WithFields(logrus.Fields{"step": execErr.Step.String(), "kind": execErr.Kind, "error": execErr.Err.Error()}).
			Warn("Equity execution failed")
	} else {
		log.WithFields(logrus.Fields{"order_id": f.orderID, "fill_price": f.price, "shares": f.quantity}).
			Info("Equity execution succeeded")
	}
	if err := sm.Transition(status); err != nil {
		log.WithError(err).Error("Invalid attempt status transition")
	}

	lines := tl.Lines()
	update := models.AttemptUpdate{
		Status:            status,
		StepReached:       sm.Step(),
		FinalPositionSize: qty,
		FillAttempts:      attempts,
		Log:               strings.Join(lines, "\n"),
		CompletedAt:       e.now(),
	}
	if f != nil {
		update.OrderID = strconv.Itoa(f.orderID)
		update.FilledPrice = f.price
		update.FinalPositionSize = f.quantity
	}
	if execErr != nil {
		update.ErrorMessage = execErr.Err.Error()
		update.ErrorKind = execErr.Kind
	}
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.recorder.UpdateAttempt(persistCtx, id, update); err != nil {
		e.logger.WithError(err).WithField("attempt_id", id).Error("Failed to persist equity attempt")
	}
	e.metrics.ObserveAttempt(platform, status, sm.Step(), attempts, e.now().Sub(start))

	if execErr != nil {
		return executor.FailureResult(id, execErr, lines)
	}
	res := &executor.Result{
		Success:      true,
		AttemptID:    id,
		OrderID:      update.OrderID,
		FilledPrice:  f.price,
		PositionSize: f.quantity,
		FillAttempts: attempts,
		Log:          lines,
	}
	if f.partial {
		res.Warning = fmt.Sprintf("partially filled: %d of %d shares", f.quantity, qty)
	}
	return res
}

func (e *Executor) runSafely(ctx context.Context, sig Signal, qty int, sm *models.StateMachine, log logrus.FieldLogger, attempts *int) (f *fill, execErr *executor.ExecError) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", fmt.Sprint(r)).Error("Recovered panic during equity execution")
			f, execErr = nil, &executor.ExecError{Step: sm.Step(), Kind: models.ErrorKindFatal, Err: fmt.Errorf("internal error: %v", r)}
		}
	}()
	fail := func(kind models.ErrorKind, err error) (*fill, *executor.ExecError) {
		return nil, &executor.ExecError{Step: sm.Step(), Kind: kind, Err: err}
	}

	key := executor.InstrumentKey(e.config.AccountID+"@"+e.Platform(), sig.Symbol, "", 0, "")
	release, ok := e.locks.TryAcquire(key)
	if !ok {
		log.WithField("instrument", key).Info("Waiting for another attempt on the same instrument")
		lockCtx, cancel := context.WithTimeout(ctx, e.config.LockWait)
		var err error
		release, err = e.locks.Acquire(lockCtx, key)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return fail(models.ErrorKindRetryable, fmt.Errorf("lock wait cancelled: %w", ctx.Err()))
			}
			return fail(models.ErrorKindRetryable, fmt.Errorf("%w after %v", executor.ErrLockTimeout, e.config.LockWait))
		}
	}
	defer release()

	if err := sm.Advance(models.StepValidate); err != nil {
		return fail(models.ErrorKindFatal, err)
	}
	if err := sig.Validate(); err != nil {
		return fail(models.ErrorKindRecoverable, err)
	}

	if err := sm.Advance(models.StepFillOrder); err != nil {
		return fail(models.ErrorKindFatal, err)
	}
	buy := sig.Direction == models.DirectionBuy
	ladder, err := pricing.EquityLadder(sig.Price, e.config.BidDelta, e.config.AskDelta, e.config.Increments, buy)
	if err != nil {
		return fail(models.ErrorKindRecoverable, err)
	}
	side := models.SideSell
	if buy {
		side = models.SideBuy
	}
	log.WithFields(logrus.Fields{
		"side":      side,
		"band_low":  ladder.Band.Low.StringFixed(2),
		"band_high": ladder.Band.High.StringFixed(2),
		"rungs":     ladder.Len(),
	}).Info("Starting equity fill loop")

	for i, rung := range ladder.Rungs {
		*attempts = i + 1
		got, kind, err := e.tryRung(ctx, sig.Symbol, side, qty, rung.InexactFloat64(),
			log.WithFields(logrus.Fields{"attempt": i + 1, "price": rung.StringFixed(2)}))
		if err != nil {
			return fail(kind, err)
		}
		if got != nil {
			return got, nil
		}
	}
	log.WithField("attempts", *attempts).Warn("Price band exhausted without a fill")
	return fail(models.ErrorKindRetryable, fmt.Errorf("%w after %d attempts", executor.ErrNotFilled, *attempts))
}

// tryRung places one DAY order and polls it. A nil fill with a nil error
// means the rung closed unfilled and the next one should be tried.
func (e *Executor) tryRung(ctx context.Context, symbol string, side models.OrderSide, qty int, price float64, log logrus.FieldLogger) (*fill, models.ErrorKind, error) {
	tag := models.NewClientOrderID()
	req := broker.LimitEquityOrder(symbol, string(side), qty, price, models.TimeInForceDay, tag)

	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	resp, err := e.broker.PlaceOrder(callCtx, req)
	cancel()
	if err != nil {
		switch {
		case broker.IsTradingHoursRestriction(err):
			log.WithError(err).Warn("Order rejected outside trading hours")
			return nil, models.ErrorKindRetryable, fmt.Errorf("order rejected outside market hours, try during market hours: %w", err)
		case broker.IsOrderRejection(err) && ctx.Err() == nil:
			log.WithError(err).Warn("Order rejected, moving to next price")
			return nil, "", nil
		default:
			return nil, models.ErrorKindFatal, e.abandon(ctx, tag, price, err, log)
		}
	}
	id := 0
	if resp != nil {
		id = resp.Order.ID
	}
	e.metrics.IncOrderPlaced(e.Platform(), string(side))
	log = log.WithField("order_id", id)
	log.Info("Order placed")

	for check := 1; check <= e.config.StatusChecks; check++ {
		if err := orders.Sleep(ctx, e.config.StatusCheckDelay); err != nil {
			e.bestEffortCancel(ctx, id, log)
			return nil, models.ErrorKindFatal, fmt.Errorf("interrupted waiting on order %d: %w", id, err)
		}
		item, err := e.lookup(ctx, id, tag)
		if err != nil {
			if errors.Is(err, broker.ErrOrderNotFound) && check < e.config.StatusChecks {
				log.WithField("check", check).Debug("Order not yet in history")
				continue
			}
			e.bestEffortCancel(ctx, id, log)
			return nil, models.ErrorKindFatal, fmt.Errorf("status query for order %d failed: %w", id, err)
		}
		if id == 0 {
			id = item.ID
		}
		switch orders.StatusOf(*item) {
		case models.OrderFilled:
			log.WithField("fill_price", orders.FillPrice(*item, price)).Info("Order filled")
			return &fill{orderID: id, price: orders.FillPrice(*item, price), quantity: qty}, "", nil
		case models.OrderCancelled, models.OrderFailed:
			log.WithField("status", item.Status).Info("Order closed without fill, moving to next price")
			return nil, "", nil
		case models.OrderSubmitted, models.OrderPartialFilled:
			log.WithFields(logrus.Fields{"check": check, "status": item.Status}).Debug("Order still working")
		default:
			e.bestEffortCancel(ctx, id, log)
			log.WithField("status", item.Status).Error("Unrecognized order status")
			return nil, models.ErrorKindFatal, fmt.Errorf("order %d returned unrecognized status %q", id, item.Status)
		}
	}

	log.Info("Order not filled after status checks, cancelling")
	callCtx, cancel = context.WithTimeout(ctx, e.config.CallTimeout)
	_, cerr := e.broker.CancelOrder(callCtx, id)
	cancel()

	after, lerr := e.lookup(ctx, id, tag)
	if lerr != nil {
		if cerr != nil {
			return nil, models.ErrorKindFatal, fmt.Errorf("cancel of order %d failed, order may still be working: %w", id, cerr)
		}
		return nil, "", nil
	}
	switch orders.StatusOf(*after) {
	case models.OrderFilled:
		return &fill{orderID: id, price: orders.FillPrice(*after, price), quantity: qty}, "", nil
	case models.OrderCancelled, models.OrderFailed:
		if exec := int(after.ExecQuantity); exec > 0 {
			log.WithField("shares", exec).Warn("Order partially filled before cancel")
			return &fill{orderID: id, price: orders.FillPrice(*after, price), quantity: exec, partial: true}, "", nil
		}
		return nil, "", nil
	}
	if cerr != nil {
		log.WithError(cerr).Error("Cancel failed, order may still be working")
		return nil, models.ErrorKindFatal, fmt.Errorf("cancel of order %d failed, order may still be working: %w", id, cerr)
	}
	// Cancel accepted but not yet reflected in history
	return nil, "", nil
}

// abandon clears any order the broker accepted before a placement call failed
// without a definite rejection.
func (e *Executor) abandon(ctx context.Context, tag string, price float64, placeErr error, log logrus.FieldLogger) error {
	item, err := orders.CancelByTag(ctx, e.broker, tag)
	switch {
	case err != nil:
		log.WithError(err).WithField("place_error", placeErr.Error()).Error("Order placement failed and order state is unknown")
		return fmt.Errorf("placing order at %.2f: %w (order state unknown: %v)", price, placeErr, err)
	case item == nil:
		log.WithError(placeErr).Error("Order placement failed")
		return fmt.Errorf("placing order at %.2f: %w", price, placeErr)
	}
	log.WithError(placeErr).WithFields(logrus.Fields{"order_id": item.ID, "status": item.Status}).
		Error("Order placement failed after broker accepted it")
	return fmt.Errorf("placing order at %.2f: %w (broker order %d was %s)", price, placeErr, item.ID, item.Status)
}

// lookup searches the account order history, by id when known and by tag otherwise.
func (e *Executor) lookup(ctx context.Context, id int, tag string) (*broker.OrderItem, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	defer cancel()
	if id > 0 {
		return broker.FindOrderByID(callCtx, e.broker, id)
	}
	return broker.FindOrderByTag(callCtx, e.broker, tag)
}

func (e *Executor) bestEffortCancel(ctx context.Context, id int, log logrus.FieldLogger) {
	if id <= 0 {
		return
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if _, err := e.broker.CancelOrder(callCtx, id); err != nil {
		log.WithError(err).Warn("Best-effort cancel failed")
	}
}
