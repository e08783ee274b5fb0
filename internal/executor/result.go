package executor

import (
	"errors"

	"github.com/eddiefleurent/signal_executor/internal/models"
)

// Result is what a caller gets back from one execution.
type Result struct {
	Success   bool   `json:"success"`
	AttemptID string `json:"attempt_id,omitempty"`

	OrderID        string  `json:"order_id,omitempty"`
	OptionSymbol   string  `json:"option_symbol,omitempty"`
	FilledPrice    float64 `json:"filled_price,omitempty"`
	PositionSize   int     `json:"position_size,omitempty"`
	ExpirationDate string  `json:"expiration_date,omitempty"`
	FillAttempts   int     `json:"fill_attempts,omitempty"`
	SellOrderID    string  `json:"sell_order_id,omitempty"`
	SellQuantity   int     `json:"sell_quantity,omitempty"`
	SellPrice      float64 `json:"sell_price,omitempty"`
	Warning        string  `json:"warning,omitempty"`

	Error      string           `json:"error,omitempty"`
	ErrorKind  models.ErrorKind `json:"error_kind,omitempty"`
	StepFailed *models.Step     `json:"step_failed,omitempty"`
	Fatal      bool             `json:"fatal"`

	Log []string `json:"log,omitempty"`
}

// Err rebuilds the typed error for a failed result, or nil on success.
func (r *Result) Err() error {
	if r.Success {
		return nil
	}
	step := models.StepGate
	if r.StepFailed != nil {
		step = *r.StepFailed
	}
	return &ExecError{Step: step, Kind: r.ErrorKind, Err: errors.New(r.Error)}
}

// FailureResult builds the failure shape for err.
func FailureResult(attemptID string, err *ExecError, log []string) *Result {
	step := err.Step
	return &Result{
		Success:    false,
		AttemptID:  attemptID,
		Error:      err.Err.Error(),
		ErrorKind:  err.Kind,
		StepFailed: &step,
		Fatal:      err.Fatal(),
		Log:        log,
	}
}
