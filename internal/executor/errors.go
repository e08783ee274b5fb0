package executor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/eddiefleurent/signal_executor/internal/broker"
	"github.com/eddiefleurent/signal_executor/internal/models"
	"github.com/eddiefleurent/signal_executor/internal/orders"
)

var (
	// ErrDisabled is returned when auto execution is switched off in settings
	ErrDisabled = errors.New("auto execution is disabled")
	// ErrUnsupportedDirection is returned for SELL signals; only BUY opens positions
	ErrUnsupportedDirection = errors.New("only BUY signals are executed")
	// ErrUnknownPlatform is returned when no broker is registered for the platform
	ErrUnknownPlatform = errors.New("unknown platform")
	// ErrLockTimeout is returned when another attempt holds the instrument too long
	ErrLockTimeout = errors.New("timed out waiting for instrument lock")
	// ErrNoExpirationAvailable is returned when the broker lists no expirations
	ErrNoExpirationAvailable = errors.New("no expiration available")
	// ErrEmptyChain is returned when the broker returns no contracts for an expiry
	ErrEmptyChain = errors.New("option chain is empty")
	// ErrZeroPositionSize is returned when the budget cannot buy a single contract
	ErrZeroPositionSize = errors.New("position size is zero")
	// ErrInvalidField is returned for present but unusable signal values
	ErrInvalidField = errors.New("invalid signal field")
	// ErrNotFilled is returned when the whole price band was tried
	ErrNotFilled = orders.ErrNotFilled
)

// ExecError is a failure tagged with the step it happened at and how the
// caller should treat it.
type ExecError struct {
	Step models.Step
	Kind models.ErrorKind
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Fatal reports whether the caller must not retry without checking the broker.
func (e *ExecError) Fatal() bool { return e.Kind == models.ErrorKindFatal }

func newExecError(step models.Step, kind models.ErrorKind, err error) *ExecError {
	return &ExecError{Step: step, Kind: kind, Err: err}
}

// MissingFieldError lists every required signal field that was absent or empty.
type MissingFieldError struct {
	Fields []string
}

func (e *MissingFieldError) Error() string {
	return "missing required fields: " + strings.Join(e.Fields, ", ")
}

// StrikeNotFoundError is returned when no contract in the chain matches the
// requested strike. Available holds the nearest listed strikes.
type StrikeNotFoundError struct {
	Strike     float64
	OptionType models.OptionType
	Expiry     string
	Available  []float64
}

func (e *StrikeNotFoundError) Error() string {
	kind := "option"
	if e.OptionType != "" {
		kind = strings.ToLower(string(e.OptionType))
	}
	strikes := make([]string, len(e.Available))
	for i, s := range e.Available {
		strikes[i] = fmt.Sprintf("%g", s)
	}
	return fmt.Sprintf("strike %g %s not found for %s; available strikes: [%s]",
		e.Strike, kind, e.Expiry, strings.Join(strikes, ", "))
}

// brokerErrorKind classifies a failed read-only broker call.
func brokerErrorKind(err error) models.ErrorKind {
	if broker.IsFatal(err) {
		return models.ErrorKindFatal
	}
	return models.ErrorKindRetryable
}
