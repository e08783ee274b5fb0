package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/signal_executor/internal/broker"
	"github.com/eddiefleurent/signal_executor/internal/models"
	"github.com/eddiefleurent/signal_executor/internal/retry"
)

// Where a resolved expiration came from.
const (
	ExpirationFromSignal   = "signal"
	ExpirationInferredYear = "inferred_year"
	ExpirationFromBroker   = "broker"
	ExpirationFallback     = "broker_fallback"
)

// marketLocation is the zone expiration dates are listed in.
var marketLocation = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("EST", -5*60*60)
	}
	return loc
}()

// Resolution is the outcome of expiration resolution.
type Resolution struct {
	Date   string
	Source string
	// Snapshot is set when the chain for Date was already fetched
	Snapshot *models.OptionContractSnapshot
}

// ExpirationResolver turns a full, partial or missing expiration into a date.
type ExpirationResolver struct {
	broker broker.Broker
	retry  *retry.Client
	now    func() time.Time
	logger logrus.FieldLogger
}

// NewExpirationResolver creates a resolver. now supplies "today".
func NewExpirationResolver(b broker.Broker, r *retry.Client, now func() time.Time, logger logrus.FieldLogger) *ExpirationResolver {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if r == nil {
		r = retry.NewClient(logger)
	}
	return &ExpirationResolver{broker: b, retry: r, now: now, logger: logger}
}

// Resolve picks the expiration date for sig.
func (r *ExpirationResolver) Resolve(ctx context.Context, sig *models.Signal) (*Resolution, error) {
	exp := sig.Expiration
	switch exp.Kind {
	case models.ExpirationFull:
		if _, err := time.Parse(models.DateLayout, exp.Full); err != nil {
			return nil, fmt.Errorf("%w: expiration %q is not a date", ErrInvalidField, exp.Full)
		}
		r.logger.WithField("expiration", exp.Full).Info("Using signal expiration")
		return &Resolution{Date: exp.Full, Source: ExpirationFromSignal}, nil

	case models.ExpirationPartial:
		p := exp.Partial
		if p.IsComplete() {
			date, err := calendarDate(*p.Year, *p.Month, *p.Day)
			if err != nil {
				return nil, err
			}
			r.logger.WithField("expiration", date).Info("Using signal expiration")
			return &Resolution{Date: date, Source: ExpirationFromSignal}, nil
		}
		if p.HasMonthDay() {
			date, err := InferYear(*p.Month, *p.Day, r.now())
			if err != nil {
				return nil, err
			}
			r.logger.WithFields(logrus.Fields{"requested": p.String(), "expiration": date}).Info("Inferred expiration year")
			return &Resolution{Date: date, Source: ExpirationInferredYear}, nil
		}
	}
	return r.fromBroker(ctx, sig)
}

// fromBroker picks the nearest listed expiry and caches its chain.
func (r *ExpirationResolver) fromBroker(ctx context.Context, sig *models.Signal) (*Resolution, error) {
	dates, err := retry.Do(ctx, r.retry, "get expirations", func(ctx context.Context) ([]string, error) {
		return r.broker.GetExpirations(ctx, sig.Ticker)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching expirations for %s: %w", sig.Ticker, err)
	}
	if len(dates) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoExpirationAvailable, sig.Ticker)
	}

	var partial *models.PartialDate
	if sig.Expiration.Kind == models.ExpirationPartial {
		partial = &sig.Expiration.Partial
	}
	today := r.now().In(marketLocation).Format(models.DateLayout)
	date, fallback := PickExpiration(dates, today, partial)

	res := &Resolution{Date: date, Source: ExpirationFromBroker}
	if fallback {
		res.Source = ExpirationFallback
		r.logger.WithFields(logrus.Fields{"expiration": date, "today": today}).
			Warn("No expiration on or after today, falling back to the last listed")
	} else {
		r.logger.WithField("expiration", date).Info("Selected nearest listed expiration")
	}

	chain, err := retry.Do(ctx, r.retry, "get option chain", func(ctx context.Context) ([]broker.Option, error) {
		return r.broker.GetOptionChain(ctx, sig.Ticker, date, false)
	})
	if err != nil {
		r.logger.WithError(err).Warn("Could not prefetch option chain")
		return res, nil
	}
	if len(chain) > 0 {
		res.Snapshot = snapshotFromChain(date, chain)
	}
	return res, nil
}

// InferYear completes a month/day: this year unless that date already passed.
// "Today" is the New York calendar date of now.
func InferYear(month, day int, now time.Time) (string, error) {
	now = now.In(marketLocation)
	year := now.Year()
	if month < int(now.Month()) || (month == int(now.Month()) && day < now.Day()) {
		year++
	}
	return calendarDate(year, month, day)
}

func calendarDate(year, month, day int) (string, error) {
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if d.Year() != year || int(d.Month()) != month || d.Day() != day {
		return "", fmt.Errorf("%w: %04d-%02d-%02d is not a calendar date", ErrInvalidField, year, month, day)
	}
	return d.Format(models.DateLayout), nil
}

// PickExpiration returns the first listed date on or after today, preferring
// dates in the requested month (and year) when the signal carried one. With
// nothing on or after today it returns the last listed date and fallback=true.
// ISO dates compare correctly as strings.
func PickExpiration(dates []string, today string, partial *models.PartialDate) (date string, fallback bool) {
	sorted := append([]string(nil), dates...)
	sort.Strings(sorted)

	var upcoming []string
	for _, d := range sorted {
		if d >= today {
			upcoming = append(upcoming, d)
		}
	}
	if len(upcoming) == 0 {
		return sorted[len(sorted)-1], true
	}

	if partial != nil && partial.Month != nil {
		for _, d := range upcoming {
			t, err := time.Parse(models.DateLayout, d)
			if err != nil {
				continue
			}
			if int(t.Month()) != *partial.Month {
				continue
			}
			if partial.Year != nil && t.Year() != *partial.Year {
				continue
			}
			return d, false
		}
	}
	return upcoming[0], false
}
