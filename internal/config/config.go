// Package config provides configuration management for the signal executor.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/eddiefleurent/signal_executor/internal/models"
)

// Defaults applied by normalize when a value is left unset.
const (
	defaultPlatform         = "tradier"
	defaultFillCheckDelay   = "2s"
	defaultCallTimeout      = "10s"
	defaultLockWait         = "2m"
	defaultStatusChecks     = 3
	defaultStatusCheckDelay = "1s"
	defaultEquityIncrements = 5
	defaultStoragePath      = "data/executor.db"
	defaultServerPort       = 8080
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Equity      EquityConfig      `yaml:"equity"`
	Retry       RetryConfig       `yaml:"retry"`
	Storage     StorageConfig     `yaml:"storage"`
	Server      ServerConfig      `yaml:"server"`
	Settings    SettingsConfig    `yaml:"settings"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode      string `yaml:"mode"`       // paper | live
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider       string               `yaml:"provider"` // tradier | paper
	APIKey         string               `yaml:"api_key"`
	APIEndpoint    string               `yaml:"api_endpoint"`
	AccountID      string               `yaml:"account_id"`
	Timeout        string               `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Paper          PaperConfig          `yaml:"paper"`
}

// CircuitBreakerConfig mirrors broker.CircuitBreakerSettings.
type CircuitBreakerConfig struct {
	Disabled     bool    `yaml:"disabled"`
	MaxRequests  uint32  `yaml:"max_requests"`
	Interval     string  `yaml:"interval"`
	Timeout      string  `yaml:"timeout"`
	MinRequests  uint32  `yaml:"min_requests"`
	FailureRatio float64 `yaml:"failure_ratio"`
}

// PaperConfig tunes the simulated broker.
type PaperConfig struct {
	// UnderlyingPrices seeds the synthetic chains; unknown symbols get a generated price.
	UnderlyingPrices map[string]float64 `yaml:"underlying_prices"`
	// MarketClosed makes every placement fail with a trading-hours rejection.
	MarketClosed bool `yaml:"market_closed"`
}

// ExecutorConfig controls the options pipeline.
type ExecutorConfig struct {
	Platform        string `yaml:"platform"`
	FillCheckDelay  string `yaml:"fill_check_delay"`
	MaxFillAttempts int    `yaml:"max_fill_attempts"` // 0 = walk the whole band
	CallTimeout     string `yaml:"call_timeout"`
	LockWait        string `yaml:"lock_wait"`
}

// EquityConfig controls the equity price-alert pipeline.
type EquityConfig struct {
	BidDelta         float64 `yaml:"bid_delta"`
	AskDelta         float64 `yaml:"ask_delta"`
	Increments       int     `yaml:"increments"`
	StatusChecks     int     `yaml:"status_checks"`
	StatusCheckDelay string  `yaml:"status_check_delay"`
	DefaultQuantity  int     `yaml:"default_quantity"`
}

// RetryConfig controls retries of read-only broker calls.
type RetryConfig struct {
	MaxRetries     int    `yaml:"max_retries"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
	Timeout        string `yaml:"timeout"`
}

// StorageConfig defines the SQLite database location.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig defines the webhook/API listener.
type ServerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// SettingsConfig seeds runtime settings on first start. Values already in
// the settings store win over these.
type SettingsConfig struct {
	AutoExecutionEnabled *bool                  `yaml:"auto_execution_enabled"`
	TakeProfitEnabled    *bool                  `yaml:"take_profit_enabled"`
	BudgetFilters        []models.BudgetFilter  `yaml:"budget_filters"`
	SellingFilters       []models.SellingFilter `yaml:"selling_filters"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML bytes, expanding environment variables first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
// It fills defaults for unset optional values first.
func (c *Config) Validate() error {
	c.normalize()

	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}
	if c.Environment.LogFormat != "text" && c.Environment.LogFormat != "json" {
		return fmt.Errorf("environment.log_format must be 'text' or 'json'")
	}

	// Broker validation
	switch c.Broker.Provider {
	case "tradier":
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required")
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required")
		}
	case "paper":
		if c.Environment.Mode == "live" {
			return fmt.Errorf("broker.provider 'paper' cannot be used with environment.mode 'live'")
		}
	default:
		return fmt.Errorf("broker.provider must be 'tradier' or 'paper'")
	}
	if err := checkDuration("broker.timeout", c.Broker.Timeout); err != nil {
		return err
	}
	cb := c.Broker.CircuitBreaker
	if !cb.Disabled {
		if cb.FailureRatio <= 0 || cb.FailureRatio > 1 {
			return fmt.Errorf("broker.circuit_breaker.failure_ratio must be in (0,1]")
		}
		if err := checkDuration("broker.circuit_breaker.interval", cb.Interval); err != nil {
			return err
		}
		if err := checkDuration("broker.circuit_breaker.timeout", cb.Timeout); err != nil {
			return err
		}
	}

	// Executor validation
	if strings.TrimSpace(c.Executor.Platform) == "" {
		return fmt.Errorf("executor.platform is required")
	}
	if c.Executor.MaxFillAttempts < 0 {
		return fmt.Errorf("executor.max_fill_attempts must be >= 0")
	}
	for path, v := range map[string]string{
		"executor.fill_check_delay": c.Executor.FillCheckDelay,
		"executor.call_timeout":     c.Executor.CallTimeout,
		"executor.lock_wait":        c.Executor.LockWait,
	} {
		if err := checkDuration(path, v); err != nil {
			return err
		}
	}

	// Equity validation
	if c.Equity.BidDelta < 0 || c.Equity.AskDelta < 0 {
		return fmt.Errorf("equity.bid_delta and equity.ask_delta must be >= 0")
	}
	if c.Equity.Increments <= 0 {
		return fmt.Errorf("equity.increments must be > 0")
	}
	if c.Equity.StatusChecks <= 0 {
		return fmt.Errorf("equity.status_checks must be > 0")
	}
	if c.Equity.DefaultQuantity <= 0 {
		return fmt.Errorf("equity.default_quantity must be > 0")
	}
	if err := checkDuration("equity.status_check_delay", c.Equity.StatusCheckDelay); err != nil {
		return err
	}

	// Retry validation
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	for path, v := range map[string]string{
		"retry.initial_backoff": c.Retry.InitialBackoff,
		"retry.max_backoff":     c.Retry.MaxBackoff,
		"retry.timeout":         c.Retry.Timeout,
	} {
		if err := checkDuration(path, v); err != nil {
			return err
		}
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.Enabled && c.Environment.Mode == "live" && c.Server.AuthToken == "" {
		return fmt.Errorf("server.auth_token is required in live mode")
	}

	// Settings seed validation
	for i, f := range c.Settings.BudgetFilters {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("settings.budget_filters[%d]: %w", i, err)
		}
	}
	for i, f := range c.Settings.SellingFilters {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("settings.selling_filters[%d]: %w", i, err)
		}
	}

	return nil
}

func checkDuration(path, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s invalid: %w", path, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be >= 0", path)
	}
	return nil
}

// normalize sets default values for optional settings
func (c *Config) normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Environment.LogFormat == "" {
		c.Environment.LogFormat = "text"
	}
	if c.Broker.Provider == "" {
		c.Broker.Provider = "tradier"
	}
	if c.Broker.Timeout == "" {
		c.Broker.Timeout = "10s"
	}
	cb := &c.Broker.CircuitBreaker
	if cb.MaxRequests == 0 {
		cb.MaxRequests = 3
	}
	if cb.Interval == "" {
		cb.Interval = "60s"
	}
	if cb.Timeout == "" {
		cb.Timeout = "30s"
	}
	if cb.MinRequests == 0 {
		cb.MinRequests = 5
	}
	if cb.FailureRatio == 0 {
		cb.FailureRatio = 0.6
	}
	if c.Executor.Platform == "" {
		c.Executor.Platform = defaultPlatform
	}
	if c.Executor.FillCheckDelay == "" {
		c.Executor.FillCheckDelay = defaultFillCheckDelay
	}
	if c.Executor.CallTimeout == "" {
		c.Executor.CallTimeout = defaultCallTimeout
	}
	if c.Executor.LockWait == "" {
		c.Executor.LockWait = defaultLockWait
	}
	if c.Equity.Increments == 0 {
		c.Equity.Increments = defaultEquityIncrements
	}
	if c.Equity.StatusChecks == 0 {
		c.Equity.StatusChecks = defaultStatusChecks
	}
	if c.Equity.StatusCheckDelay == "" {
		c.Equity.StatusCheckDelay = defaultStatusCheckDelay
	}
	if c.Equity.DefaultQuantity == 0 {
		c.Equity.DefaultQuantity = 1
	}
	if c.Retry.InitialBackoff == "" {
		c.Retry.InitialBackoff = "500ms"
	}
	if c.Retry.MaxBackoff == "" {
		c.Retry.MaxBackoff = "5s"
	}
	if c.Retry.Timeout == "" {
		c.Retry.Timeout = "30s"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultServerPort
	}
}

// IsPaperTrading returns true if the executor is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Duration parses a validated duration string, returning def on error.
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
