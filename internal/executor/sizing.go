package executor

import (
	"fmt"

	"github.com/eddiefleurent/signal_executor/internal/models"
	"github.com/eddiefleurent/signal_executor/internal/pricing"
)

// Budget sources reported by SizePosition.
const (
	SizeFromTestSentinel = "test_sentinel"
	SizeFromFilter       = "filter"
	SizeFromFilterLotto  = "filter_lotto"
	SizeFromDefault      = "default"
	SizeFromDefaultLotto = "default_lotto"
)

// Sizing is the position size decision with the inputs that produced it.
type Sizing struct {
	Contracts    int
	Budget       float64
	ContractCost float64
	Source       string
	Filter       string
}

// SizePosition converts the signal's budget tier into a contract count:
// floor(budget / (purchase_price * 100)). The testing sentinel always buys one.
func SizePosition(sig *models.Signal, filters []models.BudgetFilter) (Sizing, error) {
	price := sig.Price()
	cost := pricing.ContractCost(price).InexactFloat64()
	if sig.RequestedSize.IsTestSentinel() {
		return Sizing{Contracts: 1, ContractCost: cost, Source: SizeFromTestSentinel}, nil
	}

	s := Sizing{ContractCost: cost}
	lotto := sig.RequestedSize.IsLotto()
	if f, ok := models.MatchBudgetFilter(filters, sig.Title); ok {
		s.Filter = f.SignalFilter
		if lotto {
			s.Budget, s.Source = f.LottoBudget, SizeFromFilterLotto
		} else {
			s.Budget, s.Source = f.Budget, SizeFromFilter
		}
	} else {
		switch {
		case lotto:
			s.Budget, s.Source = models.DefaultLottoBudget, SizeFromDefaultLotto
		case sig.RequestedSize.Kind == models.SizeContracts && sig.RequestedSize.Contracts == 2:
			s.Budget, s.Source = models.DefaultBudgetTwoLots, SizeFromDefault
		default:
			s.Budget, s.Source = models.DefaultBudget, SizeFromDefault
		}
	}

	s.Contracts = pricing.ContractsForBudget(s.Budget, price)
	if s.Contracts == 0 {
		return s, fmt.Errorf("%w: budget $%.2f does not cover one contract at $%.2f", ErrZeroPositionSize, s.Budget, cost)
	}
	return s, nil
}
