// Command executor receives trading signals over HTTP and executes them
// against the configured broker. With -signal it runs one signal file and
// prints the result instead of serving.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/signal_executor/internal/app"
	"github.com/eddiefleurent/signal_executor/internal/config"
	"github.com/eddiefleurent/signal_executor/internal/equity"
	"github.com/eddiefleurent/signal_executor/internal/executor"
	"github.com/eddiefleurent/signal_executor/internal/models"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "executor: %v\n", err)
	}
	os.Exit(code)
}

// run returns 0 on success, 1 when a one-shot signal fails, 2 on setup errors.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) (int, error) {
	fs := flag.NewFlagSet("executor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	signalPath := fs.String("signal", "", "Execute the signal in this JSON file and exit")
	platform := fs.String("platform", "", "Platform for -signal (defaults to executor.platform)")
	asEquity := fs.Bool("equity", false, "Treat -signal as an equity price alert")
	if err := fs.Parse(args); err != nil {
		return 2, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return 2, err
	}
	logger := app.NewLogger(cfg.Environment, stderr)
	if cfg.IsPaperTrading() {
		logger.Info("Paper trading mode")
	} else {
		logger.Warn("LIVE trading mode, orders use real money")
	}

	a, err := app.Build(ctx, cfg, logger, nil)
	if err != nil {
		return 2, err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close storage")
		}
	}()

	if *signalPath == "" {
		logger.WithFields(logrus.Fields{
			"broker":   cfg.Broker.Provider,
			"platform": cfg.Executor.Platform,
			"port":     cfg.Server.Port,
		}).Info("Signal executor started")
		if err := a.Serve(ctx); err != nil {
			return 2, err
		}
		logger.Info("Signal executor stopped")
		return 0, nil
	}

	data, err := os.ReadFile(*signalPath) // #nosec G304 -- operator-supplied signal file
	if err != nil {
		return 2, fmt.Errorf("reading signal: %w", err)
	}
	res, err := executeFile(ctx, a, data, *platform, *asEquity)
	if err != nil {
		return 2, err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return 2, err
	}
	if !res.Success {
		return 1, nil
	}
	return 0, nil
}

func executeFile(ctx context.Context, a *app.App, data []byte, platform string, asEquity bool) (*executor.Result, error) {
	if asEquity {
		var sig equity.Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			return nil, fmt.Errorf("decoding equity signal: %w", err)
		}
		return a.Equity.Execute(ctx, sig), nil
	}
	var sig models.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("decoding signal: %w", err)
	}
	if platform == "" {
		platform = a.Config.Executor.Platform
	}
	return a.Options.Execute(ctx, &sig, platform), nil
}
