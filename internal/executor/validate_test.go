package executor

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/signal_executor/internal/models"
)

func TestValidateSignal(t *testing.T) {
	assert.NoError(t, ValidateSignal(buySignal(570, 1.75)))

	var mf *MissingFieldError
	require.True(t, errors.As(ValidateSignal(&models.Signal{}), &mf))
	assert.Equal(t, []string{"ticker", "direction", "option_type", "strike", "purchase_price"}, mf.Fields)

	require.ErrorAs(t, ValidateSignal(nil), &mf)
	assert.Len(t, mf.Fields, 5)

	sig := buySignal(570, 1.75)
	sig.Ticker = "  "
	require.ErrorAs(t, ValidateSignal(sig), &mf)
	assert.Equal(t, []string{"ticker"}, mf.Fields)

	for _, bad := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		assert.ErrorIs(t, ValidateSignal(buySignal(bad, 1.75)), ErrInvalidField)
		assert.ErrorIs(t, ValidateSignal(buySignal(570, bad)), ErrInvalidField)
	}
}
