package orders

import (
	"errors"
	"fmt"

	"github.com/eddiefleurent/signal_executor/internal/models"
)

// ErrNotFilled is returned when every rung of the price band was tried.
var ErrNotFilled = errors.New("order not filled")

// FillError reports why the fill loop stopped and whether resubmitting is safe.
type FillError struct {
	Kind     models.ErrorKind
	Attempts int
	// OrderID is the last broker order touched, if any
	OrderID int
	// PartialQuantity counts contracts filled on orders cancelled as partials
	PartialQuantity float64
	Err             error
}

func (e *FillError) Error() string {
	return e.Err.Error()
}

func (e *FillError) Unwrap() error { return e.Err }

func fatalf(attempts, orderID int, format string, args ...any) *FillError {
	return &FillError{Kind: models.ErrorKindFatal, Attempts: attempts, OrderID: orderID, Err: fmt.Errorf(format, args...)}
}

func retryablef(attempts, orderID int, format string, args ...any) *FillError {
	return &FillError{Kind: models.ErrorKindRetryable, Attempts: attempts, OrderID: orderID, Err: fmt.Errorf(format, args...)}
}
