package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/signal_executor/internal/broker"
	"github.com/eddiefleurent/signal_executor/internal/models"
	"github.com/eddiefleurent/signal_executor/internal/retry"
	"github.com/eddiefleurent/signal_executor/internal/storage"
)

// fixedNow is a Wednesday.
var fixedNow = time.Date(2025, 3, 19, 14, 30, 0, 0, time.UTC)

// fakeBroker serves canned expirations and chains and answers each buy
// placement with the next scripted status.
type fakeBroker struct {
	mu sync.Mutex

	expirations []string
	chains      map[string][]broker.Option
	chainErr    error
	chainPanic  bool

	// buyStatuses[i] is reported for the i-th buy order; default "open"
	buyStatuses []broker.OrderItem
	// placeErrs[i] fails the i-th placement (buys and sells share the counter)
	placeErrs map[int]error

	calls      atomic.Int32
	chainCalls atomic.Int32
	placed     []broker.OrderRequest
	cancelled  []int
	orders     map[int]*broker.OrderItem
	nextID     int
	buys       int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		expirations: []string{"2025-03-14", "2025-03-21", "2025-03-28", "2025-04-17"},
		chains:      map[string][]broker.Option{},
		placeErrs:   map[int]error{},
		orders:      map[int]*broker.OrderItem{},
		nextID:      100,
	}
}

// withChain lists calls and puts at the given strikes for expiry.
func (f *fakeBroker) withChain(expiry string, strikes ...float64) *fakeBroker {
	var chain []broker.Option
	for _, s := range strikes {
		for _, typ := range []broker.OptionType{broker.OptionTypeCall, broker.OptionTypePut} {
			sym, _ := broker.OptionSymbol("SPY", expiry, typ, s)
			chain = append(chain, broker.Option{
				Symbol:         sym,
				OptionType:     string(typ),
				ExpirationDate: expiry,
				Underlying:     "SPY",
				Strike:         s,
				Bid:            1.50,
				Ask:            1.60,
			})
		}
	}
	f.chains[expiry] = chain
	return f
}

func (f *fakeBroker) GetQuote(context.Context, string) (*broker.QuoteItem, error) {
	f.calls.Add(1)
	return &broker.QuoteItem{Symbol: "SPY", Bid: 570, Ask: 570.02, Last: 570.01}, nil
}

func (f *fakeBroker) GetExpirations(context.Context, string) ([]string, error) {
	f.calls.Add(1)
	return f.expirations, nil
}

func (f *fakeBroker) GetOptionChain(_ context.Context, _ string, expiration string, _ bool) ([]broker.Option, error) {
	f.calls.Add(1)
	f.chainCalls.Add(1)
	if f.chainPanic {
		panic("chain decoder blew up")
	}
	if f.chainErr != nil {
		return nil, f.chainErr
	}
	return f.chains[expiration], nil
}

func (f *fakeBroker) GetMarketClock(context.Context, bool) (*broker.MarketClockResponse, error) {
	f.calls.Add(1)
	return &broker.MarketClockResponse{}, nil
}

func (f *fakeBroker) PlaceOrder(_ context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.placed)
	f.placed = append(f.placed, req)
	if err := f.placeErrs[i]; err != nil {
		return nil, err
	}
	f.nextID++
	item := broker.OrderItem{Status: "open"}
	if req.Side == string(models.SideBuyToOpen) {
		if f.buys < len(f.buyStatuses) {
			item = f.buyStatuses[f.buys]
		}
		f.buys++
	}
	item.ID = f.nextID
	item.Tag = req.Tag
	item.Side = req.Side
	item.Price = req.Price
	if item.Quantity == 0 {
		item.Quantity = float64(req.Quantity)
	}
	f.orders[item.ID] = &item
	return &broker.OrderResponse{Order: broker.OrderItem{ID: item.ID, Status: "ok"}}, nil
}

func (f *fakeBroker) GetOrderStatus(_ context.Context, id int) (*broker.OrderResponse, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, broker.ErrOrderNotFound
	}
	return &broker.OrderResponse{Order: *o}, nil
}

func (f *fakeBroker) CancelOrder(_ context.Context, id int) (*broker.OrderResponse, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	o, ok := f.orders[id]
	if !ok {
		return nil, broker.ErrOrderNotFound
	}
	o.Status = "canceled"
	return &broker.OrderResponse{Order: *o}, nil
}

func (f *fakeBroker) GetOrders(context.Context) ([]broker.OrderItem, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broker.OrderItem, 0, len(f.orders))
	for _, o := range f.orders {
		out = append(out, *o)
	}
	return out, nil
}

func (f *fakeBroker) placedOrders() []broker.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.OrderRequest(nil), f.placed...)
}

func filled(avg float64) broker.OrderItem {
	return broker.OrderItem{Status: "filled", AvgFillPrice: avg}
}

var errBoom = errors.New("boom")

// testHarness wires an Executor to a fake broker and an in-memory store.
type testHarness struct {
	exec   *Executor
	broker *fakeBroker
	store  *storage.MemoryStore
	hook   *test.Hook
}

func newHarness(t *testing.T, b *fakeBroker, cfg Config, opts ...Option) *testHarness {
	t.Helper()
	store := storage.NewMemoryStore()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	if cfg.Platform == "" {
		cfg.Platform = "tradier"
	}
	if cfg.AccountID == "" {
		cfg.AccountID = "VA000001"
	}
	if cfg.LockWait == 0 {
		cfg.LockWait = time.Second
	}
	base := []Option{
		WithLogger(logger),
		WithClock(func() time.Time { return fixedNow }),
		WithRetry(retry.NewClient(logger, retry.Config{
			MaxRetries:     1,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			Timeout:        time.Second,
		})),
	}
	exec := New(b, store, cfg, append(base, opts...)...)
	return &testHarness{exec: exec, broker: b, store: store, hook: hook}
}

func (h *testHarness) enable(t *testing.T, takeProfit bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, storage.SetBool(ctx, h.store, storage.KeyAutoExecutionEnabled, true))
	require.NoError(t, storage.SetBool(ctx, h.store, storage.KeyTakeProfitEnabled, takeProfit))
}

func (h *testHarness) attempt(t *testing.T, id string) *models.ExecutionAttempt {
	t.Helper()
	a, err := h.store.GetAttempt(context.Background(), id)
	require.NoError(t, err)
	return a
}

func buySignal(strike, price float64) *models.Signal {
	ot := models.OptionTypeCall
	return &models.Signal{
		Ticker:        "SPY",
		Direction:     models.DirectionBuy,
		OptionType:    &ot,
		Strike:        &strike,
		PurchasePrice: &price,
		Expiration:    models.FullExpiration("2025-03-21"),
		RequestedSize: models.Contracts(2),
		Title:         "SPY scalps",
	}
}

func logText(r *Result) string { return strings.Join(r.Log, "\n") }
