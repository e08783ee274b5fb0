package executor

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/signal_executor/internal/broker"
	"github.com/eddiefleurent/signal_executor/internal/models"
	"github.com/eddiefleurent/signal_executor/internal/retry"
)

const (
	// StrikeTolerance is how far a listed strike may sit from the requested one
	StrikeTolerance = 0.01
	// nearestStrikesShown is how many alternatives a StrikeNotFoundError lists
	nearestStrikesShown = 10
)

// ChainFetcher loads option chains, reusing a cached snapshot for the same expiry.
type ChainFetcher struct {
	broker broker.Broker
	retry  *retry.Client
	logger logrus.FieldLogger
}

// NewChainFetcher creates a chain fetcher.
func NewChainFetcher(b broker.Broker, r *retry.Client, logger logrus.FieldLogger) *ChainFetcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if r == nil {
		r = retry.NewClient(logger)
	}
	return &ChainFetcher{broker: b, retry: r, logger: logger}
}

// Chain returns the snapshot for ticker/expiry. cached is used only when it
// was taken for the same expiry.
func (f *ChainFetcher) Chain(ctx context.Context, ticker, expiry string, cached *models.OptionContractSnapshot) (*models.OptionContractSnapshot, bool, error) {
	if cached != nil && cached.Expiry == expiry {
		f.logger.WithField("expiration", expiry).Debug("Reusing cached option chain")
		return cached, true, nil
	}
	chain, err := retry.Do(ctx, f.retry, "get option chain", func(ctx context.Context) ([]broker.Option, error) {
		return f.broker.GetOptionChain(ctx, ticker, expiry, false)
	})
	if err != nil {
		return nil, false, fmt.Errorf("fetching option chain for %s %s: %w", ticker, expiry, err)
	}
	if len(chain) == 0 {
		return nil, false, fmt.Errorf("%w for %s %s", ErrEmptyChain, ticker, expiry)
	}
	snap := snapshotFromChain(expiry, chain)
	f.logger.WithFields(logrus.Fields{"expiration": expiry, "calls": len(snap.Calls), "puts": len(snap.Puts)}).
		Info("Fetched option chain")
	return snap, false, nil
}

func snapshotFromChain(expiry string, chain []broker.Option) *models.OptionContractSnapshot {
	snap := &models.OptionContractSnapshot{Expiry: expiry}
	for _, o := range chain {
		row := models.ChainRow{Symbol: o.Symbol, Strike: o.Strike, Bid: o.Bid, Ask: o.Ask, Last: o.Last}
		switch broker.OptionType(o.OptionType) {
		case broker.OptionTypeCall:
			snap.Calls = append(snap.Calls, row)
		case broker.OptionTypePut:
			snap.Puts = append(snap.Puts, row)
		}
	}
	return snap
}

// VerifyStrike finds the contract at strike (within StrikeTolerance)
// among calls or puts. An empty type searches both, calls first.
func VerifyStrike(snap *models.OptionContractSnapshot, ticker string, strike float64, optionType models.OptionType) (*models.OptionContractSnapshot, error) {
	type side struct {
		typ  models.OptionType
		rows []models.ChainRow
	}
	var sides []side
	switch optionType {
	case models.OptionTypeCall:
		sides = []side{{models.OptionTypeCall, snap.Calls}}
	case models.OptionTypePut:
		sides = []side{{models.OptionTypePut, snap.Puts}}
	default:
		sides = []side{{models.OptionTypeCall, snap.Calls}, {models.OptionTypePut, snap.Puts}}
	}

	var all []models.ChainRow
	for _, s := range sides {
		all = append(all, s.rows...)
		if row, ok := matchStrike(s.rows, strike); ok {
			symbol := row.Symbol
			if symbol == "" {
				var err error
				symbol, err = broker.OptionSymbol(ticker, snap.Expiry, broker.OptionType(s.typ.Broker()), row.Strike)
				if err != nil {
					return nil, err
				}
			}
			return &models.OptionContractSnapshot{
				Symbol: symbol,
				Expiry: snap.Expiry,
				Strike: row.Strike,
				Type:   s.typ,
				Calls:  snap.Calls,
				Puts:   snap.Puts,
			}, nil
		}
	}
	return nil, &StrikeNotFoundError{
		Strike:     strike,
		OptionType: optionType,
		Expiry:     snap.Expiry,
		Available:  nearestStrikes(all, strike, nearestStrikesShown),
	}
}

func matchStrike(rows []models.ChainRow, strike float64) (models.ChainRow, bool) {
	best, found := models.ChainRow{}, false
	bestDiff := math.MaxFloat64
	for _, r := range rows {
		diff := math.Abs(r.Strike - strike)
		if diff <= StrikeTolerance+1e-9 && diff < bestDiff {
			best, bestDiff, found = r, diff, true
		}
	}
	return best, found
}

// nearestStrikes returns up to n distinct strikes closest to target, ascending.
func nearestStrikes(rows []models.ChainRow, target float64, n int) []float64 {
	seen := make(map[float64]bool, len(rows))
	strikes := make([]float64, 0, len(rows))
	for _, r := range rows {
		if !seen[r.Strike] {
			seen[r.Strike] = true
			strikes = append(strikes, r.Strike)
		}
	}
	sort.Slice(strikes, func(i, j int) bool {
		di, dj := math.Abs(strikes[i]-target), math.Abs(strikes[j]-target)
		if di != dj {
			return di < dj
		}
		return strikes[i] < strikes[j]
	})
	if len(strikes) > n {
		strikes = strikes[:n]
	}
	sort.Float64s(strikes)
	return strikes
}
