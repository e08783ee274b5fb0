// Package retry retries idempotent broker reads on transient failures with
// jittered exponential backoff. Order placement is never retried here.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/signal_executor/internal/broker"
)

// Config controls attempts and backoff.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig is used when NewClient gets no config or an invalid one.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
	Timeout:        30 * time.Second,
}

// Client runs operations under a retry policy.
type Client struct {
	logger logrus.FieldLogger
	config Config
}

// NewClient builds a Client. Non-positive config values fall back to DefaultConfig.
func NewClient(logger logrus.FieldLogger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = sanitize(config[0])
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{logger: logger, config: cfg}
}

func sanitize(c Config) Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultConfig.MaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultConfig.Timeout
	}
	return c
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.config }

// Do runs fn until it succeeds, returns a non-transient error, or the
// attempts or overall timeout run out. The last error is wrapped.
func Do[T any](ctx context.Context, c *Client, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff
	attempts := c.config.MaxRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", op, err)
		}
		if err := opCtx.Err(); err != nil {
			return zero, fmt.Errorf("%s timed out after %v: %w", op, c.config.Timeout, err)
		}

		res, err := fn(opCtx)
		if err == nil {
			if attempt > 1 {
				c.logger.WithFields(logrus.Fields{"op": op, "attempt": attempt}).Info("retry succeeded")
			}
			return res, nil
		}
		lastErr = err

		if !IsTransientError(err) || attempt == attempts {
			break
		}
		c.logger.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"backoff": backoff.String(),
		}).WithError(err).Warn("transient error, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
			backoff = c.calculateNextBackoff(backoff)
		case <-opCtx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%s interrupted during backoff: %w", op, opCtx.Err())
		}
	}

	return zero, &ExhaustedError{Op: op, Err: lastErr}
}

// ExhaustedError wraps the last error of an operation that did not succeed.
type ExhaustedError struct {
	Op  string
	Err error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.WithError(err).Debug("failed to generate jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

var transientPatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"server error",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"network",
	"dns",
	"tcp",
	"eof",
}

// IsTransientError reports whether err is worth retrying. Fatal broker
// errors and trading-hours refusals never are.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if broker.IsFatal(err) || broker.IsTradingHoursRestriction(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
