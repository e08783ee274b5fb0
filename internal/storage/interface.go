// Package storage persists engine settings and execution attempts.
package storage

import (
	"context"

	"github.com/eddiefleurent/signal_executor/internal/models"
)

// Setting keys read at the start of every execution.
const (
	KeyAutoExecutionEnabled = "auto_execution_enabled"
	KeyTakeProfitEnabled    = "take_profit_enabled"
	KeyBudgetFilters        = "budget_filters"
	KeySellingFilters       = "selling_filters"
)

// SettingsStore is a string key/value store for runtime settings.
type SettingsStore interface {
	// GetSetting returns def when the key has never been set.
	GetSetting(ctx context.Context, key, def string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Recorder persists one ExecutionAttempt per pipeline invocation.
//
// Implementations must be safe for concurrent use. UpdateAttempt succeeds at
// most once per attempt; later calls return ErrAttemptCompleted.
type Recorder interface {
	CreateAttempt(ctx context.Context, sig *models.Signal, platform string) (string, error)
	UpdateAttempt(ctx context.Context, id string, u models.AttemptUpdate) error
	GetAttempt(ctx context.Context, id string) (*models.ExecutionAttempt, error)
	// ListAttempts returns the newest attempts first. limit <= 0 means no limit.
	ListAttempts(ctx context.Context, limit int) ([]models.ExecutionAttempt, error)
}

// Interface is everything the engine needs from persistence.
type Interface interface {
	SettingsStore
	Recorder
	Close() error
}

// Ensure both implementations satisfy Interface
var (
	_ Interface = (*SQLiteStore)(nil)
	_ Interface = (*MemoryStore)(nil)
)
