package models

import "time"

// ErrorKind classifies a failed attempt for callers deciding whether to resubmit.
type ErrorKind string

const (
	// ErrorKindNone is used on successful attempts
	ErrorKindNone ErrorKind = ""
	// ErrorKindRecoverable means the input or configuration must change first
	ErrorKindRecoverable ErrorKind = "recoverable"
	// ErrorKindRetryable means resubmitting the same signal may succeed
	ErrorKindRetryable ErrorKind = "retryable"
	// ErrorKindFatal means the broker state is uncertain; never retry blindly
	ErrorKindFatal ErrorKind = "fatal"
)

// ExecutionAttempt is the persisted record of one pipeline invocation.
type ExecutionAttempt struct {
	ID          string        `json:"id"`
	SignalID    string        `json:"signal_id,omitempty"`
	Platform    string        `json:"platform"`
	StepReached Step          `json:"step_reached"`
	Status      AttemptStatus `json:"status"`

	// Echoed inputs
	Ticker              string   `json:"ticker"`
	Direction           string   `json:"direction"`
	OptionType          string   `json:"option_type,omitempty"`
	Strike              *float64 `json:"strike,omitempty"`
	PurchasePrice       *float64 `json:"purchase_price,omitempty"`
	RequestedExpiration string   `json:"requested_expiration,omitempty"`
	RequestedSize       string   `json:"requested_size,omitempty"`
	Title               string   `json:"signal_title,omitempty"`

	// Resolved and final values
	FinalExpiration   string    `json:"final_expiration,omitempty"`
	FinalPositionSize int       `json:"final_position_size,omitempty"`
	OrderID           string    `json:"order_id,omitempty"`
	FilledPrice       float64   `json:"filled_price,omitempty"`
	FillAttempts      int       `json:"fill_attempts,omitempty"`
	SellOrderID       string    `json:"sell_order_id,omitempty"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	ErrorKind         ErrorKind `json:"error_kind,omitempty"`
	Log               string    `json:"log,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	CompletedAt       time.Time `json:"completed_at,omitempty"`
}

// NewAttemptFromSignal echoes the signal fields onto a fresh in-progress attempt.
func NewAttemptFromSignal(id string, sig *Signal, platform string, now time.Time) *ExecutionAttempt {
	a := &ExecutionAttempt{
		ID:                  id,
		SignalID:            sig.ID,
		Platform:            platform,
		StepReached:         StepGate,
		Status:              AttemptInProgress,
		Ticker:              sig.Ticker,
		Direction:           string(sig.Direction),
		OptionType:          string(sig.OptionTypeValue()),
		Strike:              sig.Strike,
		PurchasePrice:       sig.PurchasePrice,
		RequestedExpiration: sig.Expiration.String(),
		RequestedSize:       sig.RequestedSize.String(),
		Title:               sig.Title,
		CreatedAt:           now.UTC(),
	}
	return a
}

// AttemptUpdate is the terminal write applied to an attempt.
type AttemptUpdate struct {
	Status            AttemptStatus
	StepReached       Step
	OrderID           string
	FilledPrice       float64
	FinalPositionSize int
	FinalExpiration   string
	FillAttempts      int
	SellOrderID       string
	ErrorMessage      string
	ErrorKind         ErrorKind
	Log               string
	CompletedAt       time.Time
}

// Apply copies the update onto the attempt.
func (a *ExecutionAttempt) Apply(u AttemptUpdate) {
	a.Status = u.Status
	a.StepReached = u.StepReached
	a.OrderID = u.OrderID
	a.FilledPrice = u.FilledPrice
	a.FinalPositionSize = u.FinalPositionSize
	a.FinalExpiration = u.FinalExpiration
	a.FillAttempts = u.FillAttempts
	a.SellOrderID = u.SellOrderID
	a.ErrorMessage = u.ErrorMessage
	a.ErrorKind = u.ErrorKind
	a.Log = u.Log
	a.CompletedAt = u.CompletedAt.UTC()
}

// OptionContractSnapshot is a resolved contract plus the chain rows it came from.
// It lives for one execution and is only reused for the same expiry.
type OptionContractSnapshot struct {
	Symbol string
	Expiry string
	Strike float64
	Type   OptionType
	Calls  []ChainRow
	Puts   []ChainRow
}

// ChainRow is the part of an option chain row the engine needs.
type ChainRow struct {
	Symbol string  `json:"symbol"`
	Strike float64 `json:"strike"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
}
