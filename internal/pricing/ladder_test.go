package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func rungs(l Ladder) []float64 {
	out := make([]float64, len(l.Rungs))
	for i, r := range l.Rungs {
		out[i] = r.InexactFloat64()
	}
	return out
}

func TestIncrement(t *testing.T) {
	tests := []struct {
		price string
		want  string
	}{
		{"0.50", "0.03"},
		{"1.00", "0.03"},
		{"1.01", "0.05"},
		{"3.00", "0.05"},
		{"4.50", "0.20"},
		{"5.00", "0.20"},
		{"5.01", "0.40"},
		{"12.00", "0.40"},
	}
	for _, tt := range tests {
		t.Run(tt.price, func(t *testing.T) {
			assert.True(t, Increment(d(tt.price)).Equal(d(tt.want)), "increment for %s", tt.price)
		})
	}
}

func TestOptionLadder_LowPriceTier(t *testing.T) {
	l, err := OptionLadder(0.80, 0)
	require.NoError(t, err)

	assert.True(t, l.Increment.Equal(d("0.03")))
	assert.True(t, l.Band.Low.Equal(d("0.72")), "low %s", l.Band.Low)
	assert.True(t, l.Band.High.Equal(d("0.92")), "high %s", l.Band.High)
	assert.LessOrEqual(t, l.Len(), 7)
	assert.Equal(t, []float64{0.72, 0.75, 0.78, 0.81, 0.84, 0.87, 0.90}, rungs(l))
}

func TestOptionLadder_MidPriceTier(t *testing.T) {
	l, err := OptionLadder(4.50, 0)
	require.NoError(t, err)

	assert.True(t, l.Increment.Equal(d("0.20")))
	assert.True(t, l.Band.Low.Equal(d("4.05")))
	assert.True(t, l.Band.High.Equal(d("5.175")))
	assert.Equal(t, []float64{4.05, 4.25, 4.45, 4.65, 4.85, 5.05}, rungs(l))
	for _, r := range l.Rungs {
		assert.True(t, r.LessThanOrEqual(l.Band.High))
		assert.True(t, r.GreaterThanOrEqual(l.Band.Low))
	}
}

func TestOptionLadder_FirstRungRoundsUpToCent(t *testing.T) {
	l, err := OptionLadder(1.75, 0)
	require.NoError(t, err)
	// 1.75 * 0.90 = 1.575
	assert.Equal(t, 1.58, rungs(l)[0])
}

func TestOptionLadder_MaxAttemptsCap(t *testing.T) {
	l, err := OptionLadder(0.80, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, l.Len())
}

func TestOptionLadder_RejectsNonPositivePrice(t *testing.T) {
	_, err := OptionLadder(0, 0)
	assert.ErrorIs(t, err, ErrNonPositivePrice)
}

func TestEquityLadder(t *testing.T) {
	buy, err := EquityLadder(10, 0.05, 0.05, 4, true)
	require.NoError(t, err)
	assert.Equal(t, []float64{9.95, 9.98, 10.00, 10.03, 10.05}, rungs(buy))

	sell, err := EquityLadder(10, 0.05, 0.05, 4, false)
	require.NoError(t, err)
	assert.Equal(t, []float64{10.05, 10.03, 10.00, 9.98, 9.95}, rungs(sell))
}

func TestEquityLadder_CollapsesDuplicateRungs(t *testing.T) {
	l, err := EquityLadder(10, 0.01, 0.01, 10, true)
	require.NoError(t, err)
	assert.Equal(t, []float64{9.99, 10.00, 10.01}, rungs(l))
}

func TestTakeProfitMath(t *testing.T) {
	assert.Equal(t, 1.61, TakeProfitPrice(1.234, 1.3))
	assert.Equal(t, 1.30, TakeProfitPrice(1.00, 1.3))
	assert.Equal(t, 4, SellQuantity(5, 80))
	assert.Equal(t, 1, SellQuantity(1, 80))
	assert.Equal(t, 3, SellQuantity(3, 100))
	assert.Equal(t, 0, SellQuantity(0, 80))
}

func TestContractsForBudget(t *testing.T) {
	assert.Equal(t, 2, ContractsForBudget(350, 1.75))
	assert.Equal(t, 1, ContractsForBudget(350, 2.00))
	assert.Equal(t, 0, ContractsForBudget(350, 4.00))
	assert.Equal(t, 0, ContractsForBudget(350, 0))
}
