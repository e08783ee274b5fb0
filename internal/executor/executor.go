// Package executor runs the options execution pipeline: gate, validate,
// resolve the expiration, fetch the chain, verify the strike, size the
// position, chase the fill and place the take-profit. Every call records
// exactly one execution attempt.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/signal_executor/internal/broker"
	"github.com/eddiefleurent/signal_executor/internal/metrics"
	"github.com/eddiefleurent/signal_executor/internal/models"
	"github.com/eddiefleurent/signal_executor/internal/orders"
	"github.com/eddiefleurent/signal_executor/internal/retry"
	"github.com/eddiefleurent/signal_executor/internal/storage"
)

// persistTimeout bounds the terminal write, which runs even if the caller gave up.
const persistTimeout = 10 * time.Second

// Config controls an Executor.
type Config struct {
	// Platform is the default broker name
	Platform  string
	AccountID string
	// FillCheckDelay is the wait between placing an order and checking it
	FillCheckDelay time.Duration
	// MaxFillAttempts caps the price ladder; 0 walks the whole band
	MaxFillAttempts int
	CallTimeout     time.Duration
	// LockWait bounds the wait for another attempt on the same instrument
	LockWait time.Duration
}

// DefaultConfig is used for zero values passed to New.
var DefaultConfig = Config{
	Platform:       "tradier",
	FillCheckDelay: 2 * time.Second,
	CallTimeout:    10 * time.Second,
	LockWait:       2 * time.Minute,
}

// Store is the persistence the pipeline needs.
type Store interface {
	storage.SettingsStore
	storage.Recorder
}

// Executor runs option signals against one or more brokers.
type Executor struct {
	brokers map[string]broker.Broker
	store   Store
	retry   *retry.Client
	locks   *InstrumentLocks
	metrics *metrics.Metrics
	logger  *logrus.Logger
	config  Config
	now     func() time.Time
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

// WithRetry sets the retry policy for read-only broker calls.
func WithRetry(r *retry.Client) Option {
	return func(e *Executor) { e.retry = r }
}

// WithLocks shares an instrument lock table, e.g. with the equity executor.
func WithLocks(l *InstrumentLocks) Option {
	return func(e *Executor) { e.locks = l }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithPlatform registers an additional broker under name.
func WithPlatform(name string, b broker.Broker) Option {
	return func(e *Executor) { e.brokers[strings.ToLower(name)] = b }
}

// New creates an executor with b registered as the default platform.
func New(b broker.Broker, store Store, cfg Config, opts ...Option) *Executor {
	if b == nil {
		panic("executor.New: broker must not be nil")
	}
	if store == nil {
		panic("executor.New: store must not be nil")
	}
	if cfg.Platform == "" {
		cfg.Platform = DefaultConfig.Platform
	}
	cfg.Platform = strings.ToLower(cfg.Platform)
	if cfg.FillCheckDelay < 0 {
		cfg.FillCheckDelay = 0
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = DefaultConfig.LockWait
	}

	e := &Executor{
		brokers: map[string]broker.Broker{cfg.Platform: b},
		store:   store,
		logger:  logrus.StandardLogger(),
		config:  cfg,
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.retry == nil {
		e.retry = retry.NewClient(e.logger)
	}
	if e.locks == nil {
		e.locks = NewInstrumentLocks()
	}
	return e
}

// Locks returns the instrument lock table.
func (e *Executor) Locks() *InstrumentLocks { return e.locks }

// Platforms lists the registered broker names.
func (e *Executor) Platforms() []string {
	out := make([]string, 0, len(e.brokers))
	for name := range e.brokers {
		out = append(out, name)
	}
	return out
}

// attempt carries the state of one Execute call.
type attempt struct {
	e        *Executor
	id       string
	sig      *models.Signal
	platform string
	broker   broker.Broker
	log      logrus.FieldLogger
	sm       *models.StateMachine
	settings storage.ExecutionConfig

	expiration   string
	contract     *models.OptionContractSnapshot
	sizing       Sizing
	fill         *orders.FillResult
	fillAttempts int
	takeProfit   *orders.TakeProfitResult
	warning      string
}

// Execute runs sig through the pipeline on platform ("" for the default).
// It never returns nil and records exactly one attempt.
func (e *Executor) Execute(ctx context.Context, sig *models.Signal, platform string) *Result {
	start := e.now()
	if sig == nil {
		sig = &models.Signal{}
	}
	platform = strings.ToLower(strings.TrimSpace(platform))
	if platform == "" {
		platform = e.config.Platform
	}

	tl := &TradeLog{}
	attemptLogger := NewAttemptLogger(e.logger, tl)

	id, err := e.store.CreateAttempt(ctx, sig, platform)
	if err != nil {
		e.logger.WithError(err).WithField("ticker", sig.Ticker).Error("Failed to record execution attempt")
		return FailureResult("", newExecError(models.StepGate, models.ErrorKindRetryable,
			fmt.Errorf("recording execution attempt: %w", err)), nil)
	}

	a := &attempt{
		e:        e,
		id:       id,
		sig:      sig,
		platform: platform,
		sm:       models.NewStateMachine(),
		log: attemptLogger.WithFields(logrus.Fields{
			"attempt_id": id,
			"component":  "executor",
		}),
	}
	a.log.WithFields(logrus.Fields{
		"ticker":     sig.Ticker,
		"direction":  sig.Direction,
		"type":       sig.OptionTypeValue(),
		"strike":     sig.StrikeValue(),
		"price":      sig.Price(),
		"expiration": sig.Expiration.String(),
		"size":       sig.RequestedSize.String(),
		"platform":   platform,
	}).Info("Execution started")

	execErr := a.runSafely(ctx)
	res := a.finish(ctx, execErr, tl)
	e.metrics.ObserveAttempt(platform, a.sm.Status(), a.sm.Step(), a.fillAttempts, e.now().Sub(start))
	return res
}

// runSafely converts panics in collaborators into a fatal failure at the current step.
func (a *attempt) runSafely(ctx context.Context) (execErr *ExecError) {
	defer func() {
		if r := recover(); r != nil {
			a.log.WithField("panic", fmt.Sprint(r)).Error("Recovered panic during execution")
			execErr = newExecError(a.sm.Step(), models.ErrorKindFatal, fmt.Errorf("internal error: %v", r))
		}
	}()
	if err := a.run(ctx); err != nil {
		var ee *ExecError
		if errors.As(err, &ee) {
			return ee
		}
		return newExecError(a.sm.Step(), models.ErrorKindFatal, err)
	}
	return nil
}

func (a *attempt) advance(step models.Step) error {
	if err := a.sm.Advance(step); err != nil {
		return newExecError(a.sm.Step(), models.ErrorKindFatal, err)
	}
	return nil
}

func (a *attempt) fail(kind models.ErrorKind, err error) error {
	return newExecError(a.sm.Step(), kind, err)
}

func (a *attempt) run(ctx context.Context) error {
	if err := a.gate(ctx); err != nil {
		return err
	}

	// Step 1: validate
	if err := a.advance(models.StepValidate); err != nil {
		return err
	}
	if err := ValidateSignal(a.sig); err != nil {
		return a.fail(models.ErrorKindRecoverable, err)
	}

	// Step 2: resolve expiration
	if err := a.advance(models.StepResolveExpiration); err != nil {
		return err
	}
	resolver := NewExpirationResolver(a.broker, a.e.retry, a.e.now, a.log)
	resolution, err := resolver.Resolve(ctx, a.sig)
	if err != nil {
		kind := brokerErrorKind(err)
		if errors.Is(err, ErrNoExpirationAvailable) || errors.Is(err, ErrInvalidField) {
			kind = models.ErrorKindRecoverable
		}
		return a.fail(kind, err)
	}
	a.expiration = resolution.Date

	release, err := a.lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	// Step 3: fetch chain
	if err := a.advance(models.StepFetchChain); err != nil {
		return err
	}
	chain, reused, err := NewChainFetcher(a.broker, a.e.retry, a.log).Chain(ctx, a.sig.Ticker, a.expiration, resolution.Snapshot)
	if err != nil {
		kind := brokerErrorKind(err)
		if errors.Is(err, ErrEmptyChain) {
			kind = models.ErrorKindRecoverable
		}
		return a.fail(kind, err)
	}
	if reused {
		a.log.WithField("expiration", a.expiration).Info("Using option chain fetched during expiration lookup")
	}

	// Step 4: verify strike
	if err := a.advance(models.StepVerifyStrike); err != nil {
		return err
	}
	contract, err := VerifyStrike(chain, a.sig.Ticker, a.sig.StrikeValue(), a.sig.OptionTypeValue())
	if err != nil {
		return a.fail(models.ErrorKindRecoverable, err)
	}
	a.contract = contract
	a.log.WithFields(logrus.Fields{"option": contract.Symbol, "strike": contract.Strike}).Info("Strike verified")

	// Step 5: size position
	if err := a.advance(models.StepSizePosition); err != nil {
		return err
	}
	sizing, err := SizePosition(a.sig, a.settings.BudgetFilters)
	if err != nil {
		return a.fail(models.ErrorKindRecoverable, err)
	}
	a.sizing = sizing
	a.log.WithFields(logrus.Fields{
		"contracts":     sizing.Contracts,
		"budget":        sizing.Budget,
		"contract_cost": sizing.ContractCost,
		"source":        sizing.Source,
		"filter":        sizing.Filter,
	}).Info("Position sized")

	// Step 6: fill
	if err := a.advance(models.StepFillOrder); err != nil {
		return err
	}
	filler := orders.NewFiller(a.broker, a.log, a.e.metrics, orders.Config{
		CheckDelay:  a.e.config.FillCheckDelay,
		MaxAttempts: a.e.config.MaxFillAttempts,
		CallTimeout: a.e.config.CallTimeout,
		Platform:    a.platform,
	})
	fill, err := filler.Fill(ctx, orders.FillRequest{
		Underlying:   a.sig.Ticker,
		OptionSymbol: contract.Symbol,
		Quantity:     sizing.Contracts,
		Price:        a.sig.Price(),
	})
	if err != nil {
		var fe *orders.FillError
		if errors.As(err, &fe) {
			a.fillAttempts = fe.Attempts
			return a.fail(fe.Kind, err)
		}
		return a.fail(models.ErrorKindFatal, err)
	}
	a.fill = fill
	a.fillAttempts = fill.Attempts
	if fill.PartialQuantity > 0 {
		a.log.WithField("held_qty", fill.PartialQuantity).Warn("Contracts from cancelled partial fills are held beyond the filled order")
		a.addWarning(fmt.Sprintf("%g contracts from cancelled partial fills held in addition to the filled order", fill.PartialQuantity))
	}

	// Step 7: take profit
	if !a.settings.TakeProfitEnabled {
		a.log.Info("Take-profit disabled, skipping")
		a.e.metrics.IncTakeProfit(metrics.TakeProfitSkipped)
		return nil
	}
	if err := a.advance(models.StepTakeProfit); err != nil {
		return err
	}
	plan := orders.PlanTakeProfit(fill.FilledQuantity, fill.FilledPrice, a.settings.SellingFilters, a.sig.Title)
	placer := orders.NewTakeProfitPlacer(a.broker, a.log, a.e.metrics, a.platform, a.e.config.CallTimeout)
	tp, err := placer.Place(ctx, a.sig.Ticker, contract.Symbol, plan)
	if err != nil {
		a.addWarning("take-profit not placed: " + err.Error())
		a.log.WithError(err).Warn("Take-profit failed; position is open without an exit order")
		a.e.metrics.IncTakeProfit(metrics.TakeProfitFailed)
		return nil
	}
	a.takeProfit = tp
	a.e.metrics.IncTakeProfit(metrics.TakeProfitPlaced)
	return nil
}

func (a *attempt) addWarning(w string) {
	if a.warning != "" {
		a.warning += "; "
	}
	a.warning += w
}

// gate runs the step 0 checks. No broker call is made before it passes.
func (a *attempt) gate(ctx context.Context) error {
	settings, err := storage.LoadExecutionConfig(ctx, a.e.store)
	if err != nil {
		return a.fail(models.ErrorKindRecoverable, fmt.Errorf("loading execution settings: %w", err))
	}
	a.settings = settings

	if !settings.AutoExecutionEnabled {
		return a.fail(models.ErrorKindRecoverable, ErrDisabled)
	}
	// An empty direction is reported with the other missing fields at step 1
	if a.sig.Direction != "" && a.sig.Direction != models.DirectionBuy {
		return a.fail(models.ErrorKindRecoverable, ErrUnsupportedDirection)
	}
	b, ok := a.e.brokers[a.platform]
	if !ok {
		return a.fail(models.ErrorKindRecoverable, fmt.Errorf("%w %q", ErrUnknownPlatform, a.platform))
	}
	a.broker = b
	return nil
}

// lock serializes attempts on the resolved contract. It is taken once the
// expiration is known so every spelling of the same expiry shares one key.
func (a *attempt) lock(ctx context.Context) (func(), error) {
	key := InstrumentKey(a.e.config.AccountID+"@"+a.platform, a.sig.Ticker, a.expiration,
		a.sig.StrikeValue(), a.sig.OptionTypeValue())
	if release, ok := a.e.locks.TryAcquire(key); ok {
		return release, nil
	}

	a.log.WithField("instrument", key).Info("Waiting for another attempt on the same instrument")
	lockCtx, cancel := context.WithTimeout(ctx, a.e.config.LockWait)
	defer cancel()
	release, err := a.e.locks.Acquire(lockCtx, key)
	if err != nil {
		if ctx.Err() != nil {
			return nil, a.fail(models.ErrorKindRetryable, fmt.Errorf("lock wait cancelled: %w", ctx.Err()))
		}
		return nil, a.fail(models.ErrorKindRetryable, fmt.Errorf("%w after %v", ErrLockTimeout, a.e.config.LockWait))
	}
	return release, nil
}

// finish writes the single terminal update and builds the result.
func (a *attempt) finish(ctx context.Context, execErr *ExecError, tl *TradeLog) *Result {
	status := models.AttemptSuccess
	if execErr != nil {
		status = models.AttemptFailed
		a.log.WithFields(logrus.Fields{
			"step":  execErr.Step.String(),
			"kind":  execErr.Kind,
			"error": execErr.Err.Error(),
		}).Warn("Execution failed")
	} else {
		fields := logrus.Fields{"order_id": a.fill.OrderID, "fill_price": a.fill.FilledPrice, "contracts": a.fill.FilledQuantity}
		if a.warning != "" {
			fields["warning"] = a.warning
		}
		a.log.WithFields(fields).Info("Execution succeeded")
	}
	if err := a.sm.Transition(status); err != nil {
		a.log.WithError(err).Error("Invalid attempt status transition")
	}

	lines := tl.Lines()
	update := models.AttemptUpdate{
		Status:            status,
		StepReached:       a.sm.Step(),
		FinalExpiration:   a.expiration,
		FinalPositionSize: a.sizing.Contracts,
		FillAttempts:      a.fillAttempts,
		Log:               strings.Join(lines, "\n"),
		CompletedAt:       a.e.now(),
	}
	if a.fill != nil {
		update.OrderID = strconv.Itoa(a.fill.OrderID)
		update.FilledPrice = a.fill.FilledPrice
		update.FinalPositionSize = a.fill.FilledQuantity
	}
	if a.takeProfit != nil {
		update.SellOrderID = strconv.Itoa(a.takeProfit.OrderID)
	}
	if execErr != nil {
		update.ErrorMessage = execErr.Err.Error()
		update.ErrorKind = execErr.Kind
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := a.e.store.UpdateAttempt(persistCtx, a.id, update); err != nil {
		a.e.logger.WithError(err).WithField("attempt_id", a.id).Error("Failed to persist execution attempt")
	}

	if execErr != nil {
		return FailureResult(a.id, execErr, lines)
	}
	res := &Result{
		Success:        true,
		AttemptID:      a.id,
		OrderID:        update.OrderID,
		OptionSymbol:   a.contract.Symbol,
		FilledPrice:    a.fill.FilledPrice,
		PositionSize:   a.fill.FilledQuantity,
		ExpirationDate: a.expiration,
		FillAttempts:   a.fill.Attempts,
		SellOrderID:    update.SellOrderID,
		Warning:        a.warning,
		Log:            lines,
	}
	if a.takeProfit != nil {
		res.SellQuantity = a.takeProfit.Quantity
		res.SellPrice = a.takeProfit.Price
	}
	return res
}
