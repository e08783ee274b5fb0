// audit_attempts - A utility to audit recorded execution attempts.
// It flags attempts that never finished or failed with an uncertain broker
// state and, with -broker, shows what the broker reports for their orders.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/signal_executor/internal/app"
	"github.com/eddiefleurent/signal_executor/internal/broker"
	"github.com/eddiefleurent/signal_executor/internal/config"
	"github.com/eddiefleurent/signal_executor/internal/models"
	"github.com/eddiefleurent/signal_executor/internal/storage"
)

// staleAfter is how long an in-progress attempt may run before it is suspicious.
const staleAfter = 15 * time.Minute

// maskAccountID masks all but the last 4 characters of an account ID to prevent PII exposure
func maskAccountID(id string) string {
	if len(id) > 4 {
		return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
	}
	return id
}

// Issue is one finding about a recorded attempt.
type Issue struct {
	AttemptID   string `json:"attempt_id"`
	Ticker      string `json:"ticker"`
	Problem     string `json:"problem"`
	OrderID     string `json:"order_id,omitempty"`
	BrokerState string `json:"broker_state,omitempty"`
}

func main() {
	var (
		configPath  = flag.String("config", "config.yaml", "Path to configuration file")
		limit       = flag.Int("n", 200, "Number of recent attempts to audit")
		checkBroker = flag.Bool("broker", false, "Query the broker for orders of flagged attempts")
		jsonOutput  = flag.Bool("json", false, "Output results as JSON")
		verbose     = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := app.NewLogger(config.EnvironmentConfig{LogLevel: "error", LogFormat: "text"}, os.Stderr)

	if *verbose {
		fmt.Printf("Using config: %s\n", *configPath)
		fmt.Printf("Database: %s\n", cfg.Storage.Path)
		fmt.Printf("Broker: %s (sandbox: %t)\n", cfg.Broker.Provider, cfg.IsPaperTrading())
		fmt.Printf("Account ID: %s\n\n", maskAccountID(cfg.Broker.AccountID))
	}

	store, err := storage.NewSQLiteStore(cfg.Storage.Path, logger)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	attempts, err := store.ListAttempts(ctx, *limit)
	if err != nil {
		log.Fatalf("Failed to list attempts: %v", err)
	}
	issues := analyzeAttempts(attempts, time.Now())

	if *checkBroker && len(issues) > 0 {
		b, err := app.NewBroker(cfg, logger)
		if err != nil {
			log.Fatalf("Failed to create broker: %v", err)
		}
		annotateBrokerState(ctx, b, issues)
	}

	if *jsonOutput {
		output, err := json.MarshalIndent(issues, "", "  ")
		if err != nil {
			log.Fatalf("Failed to marshal JSON: %v", err)
		}
		fmt.Println(string(output))
		return
	}

	fmt.Printf("Audited %d attempts\n", len(attempts))
	if len(issues) == 0 {
		fmt.Printf("No obvious issues detected.\n")
		return
	}
	fmt.Printf("POTENTIAL ISSUES FOUND:\n")
	for i, is := range issues {
		line := fmt.Sprintf("  %d. %s %s: %s", i+1, is.AttemptID, is.Ticker, is.Problem)
		if is.OrderID != "" {
			line += " (order " + is.OrderID
			if is.BrokerState != "" {
				line += ", broker: " + is.BrokerState
			}
			line += ")"
		}
		fmt.Println(line)
	}
}

// analyzeAttempts flags stale in-progress attempts and fatal failures.
func analyzeAttempts(attempts []models.ExecutionAttempt, now time.Time) []Issue {
	var issues []Issue
	for _, a := range attempts {
		switch {
		case a.Status == models.AttemptInProgress && now.Sub(a.CreatedAt) > staleAfter:
			issues = append(issues, Issue{
				AttemptID: a.ID,
				Ticker:    a.Ticker,
				Problem:   fmt.Sprintf("still in progress at step %d after %s", a.StepReached, now.Sub(a.CreatedAt).Round(time.Minute)),
				OrderID:   a.OrderID,
			})
		case a.Status == models.AttemptFailed && a.ErrorKind == models.ErrorKindFatal:
			issues = append(issues, Issue{
				AttemptID: a.ID,
				Ticker:    a.Ticker,
				Problem:   "fatal failure, broker state uncertain: " + a.ErrorMessage,
				OrderID:   a.OrderID,
			})
		case a.Status == models.AttemptSuccess && a.OrderID == "":
			issues = append(issues, Issue{
				AttemptID: a.ID,
				Ticker:    a.Ticker,
				Problem:   "succeeded without an order id",
			})
		}
	}
	return issues
}

func annotateBrokerState(ctx context.Context, b broker.Broker, issues []Issue) {
	for i := range issues {
		id, err := strconv.Atoi(issues[i].OrderID)
		if err != nil || id <= 0 {
			continue
		}
		resp, err := b.GetOrderStatus(ctx, id)
		if err != nil {
			issues[i].BrokerState = "lookup failed: " + err.Error()
			continue
		}
		o := resp.Order
		issues[i].BrokerState = fmt.Sprintf("%s, %.0f/%.0f filled", o.Status, o.ExecQuantity, o.Quantity)
	}
}
