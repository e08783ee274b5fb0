package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Band bounds for option price chasing, relative to the signal price.
var (
	BandLowFactor  = decimal.RequireFromString("0.90")
	BandHighFactor = decimal.RequireFromString("1.15")
)

// ErrNonPositivePrice is returned for ladders built from a zero or negative price.
var ErrNonPositivePrice = errors.New("price must be positive")

// Increment returns the re-pricing step for an option quoted at price.
//
//	<= 1.00 -> 0.03
//	<= 3.00 -> 0.05
//	<= 5.00 -> 0.20
//	else    -> 0.40
func Increment(price decimal.Decimal) decimal.Decimal {
	switch {
	case price.LessThanOrEqual(decimal.NewFromInt(1)):
		return decimal.RequireFromString("0.03")
	case price.LessThanOrEqual(decimal.NewFromInt(3)):
		return decimal.RequireFromString("0.05")
	case price.LessThanOrEqual(decimal.NewFromInt(5)):
		return decimal.RequireFromString("0.20")
	default:
		return decimal.RequireFromString("0.40")
	}
}

// Band is an inclusive price range.
type Band struct {
	Low  decimal.Decimal
	High decimal.Decimal
}

// OptionBand returns [price*0.90, price*1.15].
func OptionBand(price decimal.Decimal) Band {
	return Band{Low: price.Mul(BandLowFactor), High: price.Mul(BandHighFactor)}
}

// Ladder is the ordered list of limit prices one fill loop will try.
type Ladder struct {
	Band      Band
	Increment decimal.Decimal
	Rungs     []decimal.Decimal
}

// Len returns the number of rungs.
func (l Ladder) Len() int { return len(l.Rungs) }

// OptionLadder walks the option band upward from its low end by the tiered
// increment. The first rung is the band low rounded up to a cent, so every
// rung is a whole-cent price inside the band. maxAttempts > 0 truncates it.
func OptionLadder(price float64, maxAttempts int) (Ladder, error) {
	if price <= 0 {
		return Ladder{}, ErrNonPositivePrice
	}
	p := decimal.NewFromFloat(price)
	band := OptionBand(p)
	inc := Increment(p)

	var rungs []decimal.Decimal
	for r := CeilCent(band.Low); r.LessThanOrEqual(band.High); r = r.Add(inc) {
		rungs = append(rungs, r)
		if maxAttempts > 0 && len(rungs) >= maxAttempts {
			break
		}
	}
	return Ladder{Band: band, Increment: inc, Rungs: rungs}, nil
}

// EquityLadder splits [price-bidDelta, price+askDelta] into increments equal
// steps (increments+1 rungs), rounded to the cent. Buys walk upward; sells
// walk the same band downward. Duplicate rungs caused by rounding are dropped.
func EquityLadder(price, bidDelta, askDelta float64, increments int, buy bool) (Ladder, error) {
	if price <= 0 {
		return Ladder{}, ErrNonPositivePrice
	}
	if increments < 1 {
		increments = 1
	}
	p := decimal.NewFromFloat(price)
	low := p.Sub(decimal.NewFromFloat(bidDelta))
	if low.LessThan(Cent) {
		low = Cent
	}
	high := p.Add(decimal.NewFromFloat(askDelta))
	if high.LessThan(low) {
		high = low
	}
	step := high.Sub(low).Div(decimal.NewFromInt(int64(increments)))

	rungs := make([]decimal.Decimal, 0, increments+1)
	for i := 0; i <= increments; i++ {
		var r decimal.Decimal
		if buy {
			r = RoundCent(low.Add(step.Mul(decimal.NewFromInt(int64(i)))))
		} else {
			r = RoundCent(high.Sub(step.Mul(decimal.NewFromInt(int64(i)))))
		}
		if n := len(rungs); n > 0 && rungs[n-1].Equal(r) {
			continue
		}
		rungs = append(rungs, r)
	}
	return Ladder{Band: Band{Low: low, High: high}, Increment: step, Rungs: rungs}, nil
}

// TakeProfitPrice is filled*multiplier rounded up to the cent, never down.
func TakeProfitPrice(filled, multiplier float64) float64 {
	target := decimal.NewFromFloat(filled).Mul(decimal.NewFromFloat(multiplier))
	return CeilCent(target).InexactFloat64()
}

// SellQuantity is ceil(size*percentage/100), capped at size.
func SellQuantity(size int, percentage float64) int {
	if size <= 0 || percentage <= 0 {
		return 0
	}
	q := decimal.NewFromInt(int64(size)).Mul(decimal.NewFromFloat(percentage)).Div(decimal.NewFromInt(100)).Ceil()
	n := int(q.IntPart())
	if n > size {
		n = size
	}
	return n
}

// ContractCost is price*100.
func ContractCost(price float64) decimal.Decimal {
	return decimal.NewFromFloat(price).Mul(decimal.NewFromInt(100))
}

// ContractsForBudget is floor(budget/contractCost); zero when the cost is not positive.
func ContractsForBudget(budget float64, price float64) int {
	cost := ContractCost(price)
	if !cost.IsPositive() || budget <= 0 {
		return 0
	}
	return int(decimal.NewFromFloat(budget).Div(cost).Floor().IntPart())
}
