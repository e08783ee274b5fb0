package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/eddiefleurent/signal_executor/internal/models"
)

// ExecutionConfig is the settings snapshot taken once at the start of an execution.
type ExecutionConfig struct {
	AutoExecutionEnabled bool                   `json:"auto_execution_enabled"`
	TakeProfitEnabled    bool                   `json:"take_profit_enabled"`
	BudgetFilters        []models.BudgetFilter  `json:"budget_filters"`
	SellingFilters       []models.SellingFilter `json:"selling_filters"`
}

// DefaultExecutionConfig is used for keys that have never been set.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		AutoExecutionEnabled: false,
		TakeProfitEnabled:    true,
	}
}

// GetBool reads a boolean setting. Unparseable values fall back to def.
func GetBool(ctx context.Context, s SettingsStore, key string, def bool) (bool, error) {
	raw, err := s.GetSetting(ctx, key, "")
	if err != nil {
		return def, err
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return def, nil
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return def, nil
	}
}

// SetBool stores a boolean setting.
func SetBool(ctx context.Context, s SettingsStore, key string, v bool) error {
	return s.SetSetting(ctx, key, strconv.FormatBool(v))
}

// GetJSON decodes a JSON setting into out. Unset keys leave out untouched.
func GetJSON(ctx context.Context, s SettingsStore, key string, out any) error {
	raw, err := s.GetSetting(ctx, key, "")
	if err != nil {
		return err
	}
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("setting %s is not valid JSON: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s SettingsStore, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", key, err)
	}
	return s.SetSetting(ctx, key, string(b))
}

// LoadExecutionConfig reads every execution setting. Filter lists are validated
// so a bad edit is reported instead of silently sizing with defaults.
func LoadExecutionConfig(ctx context.Context, s SettingsStore) (ExecutionConfig, error) {
	cfg := DefaultExecutionConfig()
	var err error

	if cfg.AutoExecutionEnabled, err = GetBool(ctx, s, KeyAutoExecutionEnabled, cfg.AutoExecutionEnabled); err != nil {
		return cfg, fmt.Errorf("load %s: %w", KeyAutoExecutionEnabled, err)
	}
	if cfg.TakeProfitEnabled, err = GetBool(ctx, s, KeyTakeProfitEnabled, cfg.TakeProfitEnabled); err != nil {
		return cfg, fmt.Errorf("load %s: %w", KeyTakeProfitEnabled, err)
	}
	if err := GetJSON(ctx, s, KeyBudgetFilters, &cfg.BudgetFilters); err != nil {
		return cfg, err
	}
	if err := GetJSON(ctx, s, KeySellingFilters, &cfg.SellingFilters); err != nil {
		return cfg, err
	}
	for i, f := range cfg.BudgetFilters {
		if err := f.Validate(); err != nil {
			return cfg, fmt.Errorf("%s[%d]: %w", KeyBudgetFilters, i, err)
		}
	}
	for i, f := range cfg.SellingFilters {
		if err := f.Validate(); err != nil {
			return cfg, fmt.Errorf("%s[%d]: %w", KeySellingFilters, i, err)
		}
	}
	return cfg, nil
}

// SeedDefaults writes seed values for keys that are not yet present. Existing
// values are kept so edits made through the API survive restarts.
func SeedDefaults(ctx context.Context, s SettingsStore, seed ExecutionConfig) error {
	seeds := []struct {
		key   string
		value any
	}{
		{KeyAutoExecutionEnabled, seed.AutoExecutionEnabled},
		{KeyTakeProfitEnabled, seed.TakeProfitEnabled},
		{KeyBudgetFilters, nonNil(seed.BudgetFilters)},
		{KeySellingFilters, nonNil(seed.SellingFilters)},
	}
	for _, sd := range seeds {
		current, err := s.GetSetting(ctx, sd.key, "")
		if err != nil {
			return err
		}
		if current != "" {
			continue
		}
		if err := SetJSON(ctx, s, sd.key, sd.value); err != nil {
			return err
		}
	}
	return nil
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
