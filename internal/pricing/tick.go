// Package pricing holds the price arithmetic shared by the fill loops:
// tick rounding, increment tiers, price ladders and take-profit targets.
// All of it runs on shopspring/decimal so ladder rungs land on exact cents.
package pricing

import (
	"math"

	"github.com/shopspring/decimal"
)

// Cent is the minimum option and equity price increment.
var Cent = decimal.New(1, -2)

func tickable(x, tick float64) bool {
	return tick != 0 && !math.IsNaN(x) && !math.IsInf(x, 0) && !math.IsNaN(tick) && !math.IsInf(tick, 0)
}

// RoundToTick rounds x to the nearest tick increment; ties round away from zero.
// For example, with tick=0.01, 1.235 becomes 1.24.
func RoundToTick(x, tick float64) float64 {
	if !tickable(x, tick) {
		return x
	}
	t := decimal.NewFromFloat(math.Abs(tick))
	return decimal.NewFromFloat(x).Div(t).Round(0).Mul(t).InexactFloat64()
}

// CeilCent rounds d up to the next whole cent.
func CeilCent(d decimal.Decimal) decimal.Decimal {
	return d.Shift(2).Ceil().Shift(-2)
}

// RoundCent rounds d to the nearest cent.
func RoundCent(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
