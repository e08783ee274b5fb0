package models

import (
	"fmt"
	"strings"
)

// Default budgets used when no BudgetFilter matches the signal title.
const (
	DefaultBudget           = 700.0
	DefaultBudgetTwoLots    = 350.0
	DefaultLottoBudget      = 100.0
	DefaultSellPercentage   = 80.0
	DefaultProfitMultiplier = 1.30
)

// BudgetFilter overrides position budgets for signals whose title contains SignalFilter.
type BudgetFilter struct {
	SignalFilter string  `json:"signalFilter" yaml:"signal_filter"`
	Budget       float64 `json:"budget" yaml:"budget"`
	LottoBudget  float64 `json:"lottoBudget" yaml:"lotto_budget"`
}

// Validate checks budget values.
func (f BudgetFilter) Validate() error {
	if strings.TrimSpace(f.SignalFilter) == "" {
		return fmt.Errorf("budget filter: signalFilter is required")
	}
	if f.Budget < 0 || f.LottoBudget < 0 {
		return fmt.Errorf("budget filter %q: budgets must be >= 0", f.SignalFilter)
	}
	return nil
}

// SellingFilter overrides the take-profit plan for matching signals.
type SellingFilter struct {
	SignalFilter     string  `json:"signalFilter" yaml:"signal_filter"`
	SellPercentage   float64 `json:"sellPercentage" yaml:"sell_percentage"`
	ProfitMultiplier float64 `json:"profitMultiplier" yaml:"profit_multiplier"`
}

// Validate checks the percentage and multiplier ranges.
func (f SellingFilter) Validate() error {
	if strings.TrimSpace(f.SignalFilter) == "" {
		return fmt.Errorf("selling filter: signalFilter is required")
	}
	if f.SellPercentage <= 0 || f.SellPercentage > 100 {
		return fmt.Errorf("selling filter %q: sellPercentage must be in (0,100]", f.SignalFilter)
	}
	if f.ProfitMultiplier <= 1 {
		return fmt.Errorf("selling filter %q: profitMultiplier must be > 1", f.SignalFilter)
	}
	return nil
}

// DefaultSellingFilter is applied when no selling filter matches.
var DefaultSellingFilter = SellingFilter{
	SellPercentage:   DefaultSellPercentage,
	ProfitMultiplier: DefaultProfitMultiplier,
}

func titleMatches(title, filter string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return false
	}
	return strings.Contains(strings.ToLower(title), strings.ToLower(filter))
}

// MatchBudgetFilter returns the first filter contained in title, case-insensitively.
func MatchBudgetFilter(filters []BudgetFilter, title string) (BudgetFilter, bool) {
	for _, f := range filters {
		if titleMatches(title, f.SignalFilter) {
			return f, true
		}
	}
	return BudgetFilter{}, false
}

// MatchSellingFilter returns the first matching selling filter or the default.
func MatchSellingFilter(filters []SellingFilter, title string) (SellingFilter, bool) {
	for _, f := range filters {
		if titleMatches(title, f.SignalFilter) {
			return f, true
		}
	}
	return DefaultSellingFilter, false
}
