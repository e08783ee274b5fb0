package executor

import (
	"fmt"
	"math"
	"strings"

	"github.com/eddiefleurent/signal_executor/internal/models"
)

// ValidateSignal checks that every field the options pipeline needs is present.
// All missing fields are reported together.
func ValidateSignal(sig *models.Signal) error {
	if sig == nil {
		return &MissingFieldError{Fields: []string{"ticker", "direction", "option_type", "strike", "purchase_price"}}
	}

	var missing []string
	if strings.TrimSpace(sig.Ticker) == "" {
		missing = append(missing, "ticker")
	}
	if sig.Direction == "" {
		missing = append(missing, "direction")
	}
	if sig.OptionType == nil || *sig.OptionType == "" {
		missing = append(missing, "option_type")
	}
	if sig.Strike == nil {
		missing = append(missing, "strike")
	}
	if sig.PurchasePrice == nil {
		missing = append(missing, "purchase_price")
	}
	if len(missing) > 0 {
		return &MissingFieldError{Fields: missing}
	}

	if !positiveFinite(*sig.Strike) {
		return fmt.Errorf("%w: strike must be positive, got %v", ErrInvalidField, *sig.Strike)
	}
	if !positiveFinite(*sig.PurchasePrice) {
		return fmt.Errorf("%w: purchase_price must be positive, got %v", ErrInvalidField, *sig.PurchasePrice)
	}
	return nil
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
