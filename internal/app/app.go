// Package app assembles the executor process from configuration: logger,
// broker, storage, metrics, both pipelines and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/signal_executor/internal/broker"
	"github.com/eddiefleurent/signal_executor/internal/config"
	"github.com/eddiefleurent/signal_executor/internal/equity"
	"github.com/eddiefleurent/signal_executor/internal/executor"
	"github.com/eddiefleurent/signal_executor/internal/metrics"
	"github.com/eddiefleurent/signal_executor/internal/mock"
	"github.com/eddiefleurent/signal_executor/internal/retry"
	"github.com/eddiefleurent/signal_executor/internal/server"
	"github.com/eddiefleurent/signal_executor/internal/storage"
)

// shutdownTimeout bounds how long in-flight webhook executions may finish.
const shutdownTimeout = 2 * time.Minute

// App is a fully wired executor process.
type App struct {
	Config   *config.Config
	Logger   *logrus.Logger
	Broker   broker.Broker
	Store    *storage.SQLiteStore
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Options  *executor.Executor
	Equity   *equity.Executor
	Server   *server.Server
}

// NewLogger builds the process logger from the environment section.
func NewLogger(env config.EnvironmentConfig, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	if out == nil {
		out = os.Stdout
	}
	logger.SetOutput(out)
	level, err := logrus.ParseLevel(env.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if env.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// NewBroker creates the configured broker. Tradier is wrapped in a circuit breaker
// unless it is disabled.
func NewBroker(cfg *config.Config, logger *logrus.Logger) (broker.Broker, error) {
	switch cfg.Broker.Provider {
	case "paper":
		return mock.NewPaperBroker(cfg.Broker.Paper.UnderlyingPrices,
			mock.WithLogger(logger.WithField("component", "paper_broker")),
			mock.WithMarketClosed(cfg.Broker.Paper.MarketClosed),
		), nil
	case "tradier":
		api := broker.NewTradierAPIWithBaseURL(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.IsPaperTrading(), cfg.Broker.APIEndpoint).
			WithTimeout(config.Duration(cfg.Broker.Timeout, 10*time.Second)).
			WithLogger(logger.WithField("component", "tradier"))
		cb := cfg.Broker.CircuitBreaker
		if cb.Disabled {
			return api, nil
		}
		return broker.NewCircuitBreakerBrokerWithSettings(api, broker.CircuitBreakerSettings{
			MaxRequests:  cb.MaxRequests,
			Interval:     config.Duration(cb.Interval, broker.DefaultCircuitBreakerSettings.Interval),
			Timeout:      config.Duration(cb.Timeout, broker.DefaultCircuitBreakerSettings.Timeout),
			MinRequests:  cb.MinRequests,
			FailureRatio: cb.FailureRatio,
		}, logger.WithField("component", "circuit_breaker")), nil
	default:
		return nil, fmt.Errorf("unsupported broker provider %q", cfg.Broker.Provider)
	}
}

// SeedFromConfig converts the settings section into seed values.
func SeedFromConfig(s config.SettingsConfig) storage.ExecutionConfig {
	seed := storage.DefaultExecutionConfig()
	if s.AutoExecutionEnabled != nil {
		seed.AutoExecutionEnabled = *s.AutoExecutionEnabled
	}
	if s.TakeProfitEnabled != nil {
		seed.TakeProfitEnabled = *s.TakeProfitEnabled
	}
	seed.BudgetFilters = s.BudgetFilters
	seed.SellingFilters = s.SellingFilters
	return seed
}

// Build wires every component. b overrides the configured broker when non-nil.
func Build(ctx context.Context, cfg *config.Config, logger *logrus.Logger, b broker.Broker) (*App, error) {
	if logger == nil {
		logger = NewLogger(cfg.Environment, nil)
	}
	if b == nil {
		var err error
		if b, err = NewBroker(cfg, logger); err != nil {
			return nil, err
		}
	}

	store, err := storage.NewSQLiteStore(cfg.Storage.Path, logger.WithField("component", "storage"))
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	if err := storage.SeedDefaults(ctx, store, SeedFromConfig(cfg.Settings)); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("seeding settings: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	retryClient := retry.NewClient(logger.WithField("component", "retry"), retry.Config{
		MaxRetries:     cfg.Retry.MaxRetries,
		InitialBackoff: config.Duration(cfg.Retry.InitialBackoff, retry.DefaultConfig.InitialBackoff),
		MaxBackoff:     config.Duration(cfg.Retry.MaxBackoff, retry.DefaultConfig.MaxBackoff),
		Timeout:        config.Duration(cfg.Retry.Timeout, retry.DefaultConfig.Timeout),
	})
	locks := executor.NewInstrumentLocks()
	callTimeout := config.Duration(cfg.Executor.CallTimeout, executor.DefaultConfig.CallTimeout)
	lockWait := config.Duration(cfg.Executor.LockWait, executor.DefaultConfig.LockWait)

	options := executor.New(b, store, executor.Config{
		Platform:        cfg.Executor.Platform,
		AccountID:       cfg.Broker.AccountID,
		FillCheckDelay:  config.Duration(cfg.Executor.FillCheckDelay, executor.DefaultConfig.FillCheckDelay),
		MaxFillAttempts: cfg.Executor.MaxFillAttempts,
		CallTimeout:     callTimeout,
		LockWait:        lockWait,
	},
		executor.WithLogger(logger),
		executor.WithRetry(retryClient),
		executor.WithLocks(locks),
		executor.WithMetrics(m),
	)

	eq := equity.New(b, store, locks, equity.Config{
		Name:             cfg.Executor.Platform,
		AccountID:        cfg.Broker.AccountID,
		BidDelta:         cfg.Equity.BidDelta,
		AskDelta:         cfg.Equity.AskDelta,
		Increments:       cfg.Equity.Increments,
		StatusChecks:     cfg.Equity.StatusChecks,
		StatusCheckDelay: config.Duration(cfg.Equity.StatusCheckDelay, equity.DefaultConfig.StatusCheckDelay),
		DefaultQuantity:  cfg.Equity.DefaultQuantity,
		CallTimeout:      callTimeout,
		LockWait:         lockWait,
	}, equity.WithLogger(logger), equity.WithMetrics(m))

	srv := server.NewServer(server.Config{Port: cfg.Server.Port, AuthToken: cfg.Server.AuthToken},
		options, eq, store, reg, logger)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Broker:   b,
		Store:    store,
		Registry: reg,
		Metrics:  m,
		Options:  options,
		Equity:   eq,
		Server:   srv,
	}, nil
}

// Serve runs the HTTP server until ctx is cancelled, then drains it.
func (a *App) Serve(ctx context.Context) error {
	if !a.Config.Server.Enabled {
		return errors.New("server is disabled in config")
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.Server.Start)
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.Server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}
