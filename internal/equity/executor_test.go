package equity

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/signal_executor/internal/broker"
	"github.com/eddiefleurent/signal_executor/internal/executor"
	"github.com/eddiefleurent/signal_executor/internal/mock"
	"github.com/eddiefleurent/signal_executor/internal/models"
	"github.com/eddiefleurent/signal_executor/internal/storage"
)

var testNow = time.Date(2025, 3, 19, 14, 30, 0, 0, time.UTC)

func newTestExecutor(t *testing.T, b broker.Broker, locks *executor.InstrumentLocks) (*Executor, *storage.MemoryStore) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	store := storage.NewMemoryStore()
	cfg := Config{
		Name:            "Paper",
		AccountID:       "PAPER",
		BidDelta:        0.05,
		AskDelta:        0.05,
		Increments:      5,
		StatusChecks:    2,
		DefaultQuantity: 10,
		LockWait:        30 * time.Millisecond,
	}
	return New(b, store, locks, cfg, WithLogger(logger), WithClock(func() time.Time { return testNow })), store
}

func paper(price float64) *mock.PaperBroker {
	return mock.NewPaperBroker(map[string]float64{"AAPL": price}, mock.WithClock(func() time.Time { return testNow }))
}

func TestExecute_BuyWalksUpToTheAsk(t *testing.T) {
	b := paper(100)
	e, store := newTestExecutor(t, b, nil)

	res := e.Execute(context.Background(), Signal{Symbol: "AAPL", Direction: models.DirectionBuy, Price: 100})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 100.01, res.FilledPrice)
	assert.Equal(t, 10, res.PositionSize)
	assert.Equal(t, 4, res.FillAttempts)

	orders, err := b.GetOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 4)
	prices := make([]float64, len(orders))
	for i, o := range orders {
		prices[i] = o.Price
		assert.Equal(t, models.TimeInForceDay, o.Duration)
		assert.Equal(t, broker.ClassEquity, o.Class)
		assert.Equal(t, "buy", o.Side)
	}
	assert.Equal(t, []float64{99.95, 99.97, 99.99, 100.01}, prices)
	for _, o := range orders[:3] {
		assert.Equal(t, "canceled", o.Status)
	}

	a, err := store.GetAttempt(context.Background(), res.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, "equity:paper", a.Platform)
	assert.Equal(t, models.AttemptSuccess, a.Status)
	assert.Equal(t, models.StepFillOrder, a.StepReached)
	assert.Equal(t, res.OrderID, a.OrderID)
	assert.Equal(t, 4, a.FillAttempts)
	assert.Equal(t, 1, store.UpdateCallCount())
}

func TestExecute_SellWalksDownToTheBid(t *testing.T) {
	b := paper(100)
	e, _ := newTestExecutor(t, b, nil)

	res := e.Execute(context.Background(), Signal{Symbol: "AAPL", Direction: models.DirectionSell, Price: 100, Quantity: 3})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 99.99, res.FilledPrice)
	assert.Equal(t, 3, res.PositionSize)
	assert.Equal(t, 4, res.FillAttempts)

	orders, err := b.GetOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100.05, orders[0].Price)
	assert.Equal(t, "sell", orders[0].Side)
}

func TestExecute_BandExhausted(t *testing.T) {
	b := paper(101)
	e, store := newTestExecutor(t, b, nil)

	res := e.Execute(context.Background(), Signal{Symbol: "AAPL", Direction: models.DirectionBuy, Price: 100})
	require.False(t, res.Success)
	assert.Equal(t, models.ErrorKindRetryable, res.ErrorKind)
	assert.Equal(t, models.StepFillOrder, *res.StepFailed)
	assert.Contains(t, res.Error, "not filled after 6 attempts")

	a, err := store.GetAttempt(context.Background(), res.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptFailed, a.Status)
	assert.Equal(t, 6, a.FillAttempts)
}

func TestExecute_MarketClosed(t *testing.T) {
	b := paper(100)
	b.SetMarketClosed(true)
	e, _ := newTestExecutor(t, b, nil)

	res := e.Execute(context.Background(), Signal{Symbol: "AAPL", Direction: models.DirectionBuy, Price: 100})
	require.False(t, res.Success)
	assert.Equal(t, models.ErrorKindRetryable, res.ErrorKind)
	assert.Contains(t, res.Error, "try during market hours")
}

func TestExecute_Validation(t *testing.T) {
	e, _ := newTestExecutor(t, paper(100), nil)

	res := e.Execute(context.Background(), Signal{Direction: models.DirectionBuy})
	require.False(t, res.Success)
	assert.Equal(t, models.StepValidate, *res.StepFailed)
	assert.Equal(t, models.ErrorKindRecoverable, res.ErrorKind)
	assert.Equal(t, "missing required fields: ticker, price", res.Error)

	var mf *executor.MissingFieldError
	require.ErrorAs(t, Signal{Direction: models.DirectionBuy}.Validate(), &mf)
	assert.Equal(t, []string{"ticker", "price"}, mf.Fields)

	res = e.Execute(context.Background(), Signal{Symbol: "AAPL", Direction: models.DirectionBuy, Price: -1})
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "price must be positive")
}

// unknownStatusBroker reports every order with a status the engine does not know.
type unknownStatusBroker struct {
	*mock.PaperBroker
	cancelled []int
}

func (u *unknownStatusBroker) GetOrders(ctx context.Context) ([]broker.OrderItem, error) {
	orders, err := u.PaperBroker.GetOrders(ctx)
	for i := range orders {
		orders[i].Status = "held"
	}
	return orders, err
}

func (u *unknownStatusBroker) CancelOrder(ctx context.Context, id int) (*broker.OrderResponse, error) {
	u.cancelled = append(u.cancelled, id)
	return u.PaperBroker.CancelOrder(ctx, id)
}

func TestExecute_UnknownStatusIsFatal(t *testing.T) {
	b := &unknownStatusBroker{PaperBroker: paper(101)}
	e, _ := newTestExecutor(t, b, nil)

	res := e.Execute(context.Background(), Signal{Symbol: "AAPL", Direction: models.DirectionBuy, Price: 100})
	require.False(t, res.Success)
	assert.True(t, res.Fatal)
	assert.Equal(t, 1, len(b.cancelled))
}

// lateTimeoutBroker accepts every order and then reports a timeout.
type lateTimeoutBroker struct {
	*mock.PaperBroker
}

func (l *lateTimeoutBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	if _, err := l.PaperBroker.PlaceOrder(ctx, req); err != nil {
		return nil, err
	}
	return nil, context.DeadlineExceeded
}

func TestExecute_PlacementTimeoutCancelsAcceptedOrder(t *testing.T) {
	b := &lateTimeoutBroker{PaperBroker: paper(101)}
	e, _ := newTestExecutor(t, b, nil)

	res := e.Execute(context.Background(), Signal{Symbol: "AAPL", Direction: models.DirectionBuy, Price: 100})
	require.False(t, res.Success)
	assert.True(t, res.Fatal)
	assert.Equal(t, models.StepFillOrder, *res.StepFailed)
	assert.Contains(t, res.Error, "deadline exceeded")

	orders, err := b.GetOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1, "no further rungs after an unknown placement outcome")
	assert.Equal(t, "canceled", orders[0].Status)
}

func TestExecute_SharedLock(t *testing.T) {
	locks := executor.NewInstrumentLocks()
	e, _ := newTestExecutor(t, paper(100), locks)

	release, ok := locks.TryAcquire(executor.InstrumentKey("PAPER@"+e.Platform(), "AAPL", "", 0, ""))
	require.True(t, ok)
	res := e.Execute(context.Background(), Signal{Symbol: "AAPL", Direction: models.DirectionBuy, Price: 100})
	require.False(t, res.Success)
	assert.Equal(t, models.StepGate, *res.StepFailed)
	assert.Equal(t, models.ErrorKindRetryable, res.ErrorKind)

	release()
	res = e.Execute(context.Background(), Signal{Symbol: "AAPL", Direction: models.DirectionBuy, Price: 100})
	assert.True(t, res.Success, res.Error)
}

func TestExecute_RecorderFailure(t *testing.T) {
	b := paper(100)
	e, store := newTestExecutor(t, b, nil)
	store.SetCreateError(assert.AnError)

	res := e.Execute(context.Background(), Signal{Symbol: "AAPL", Direction: models.DirectionBuy, Price: 100})
	require.False(t, res.Success)
	assert.Empty(t, res.AttemptID)
	orders, err := b.GetOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestSignal_UnmarshalJSON(t *testing.T) {
	var s Signal
	require.NoError(t, json.Unmarshal([]byte(`{"symbol":" aapl ","direction":"Bought","price":187.5,"quantity":5}`), &s))
	assert.Equal(t, Signal{Symbol: "AAPL", Direction: models.DirectionBuy, Price: 187.5, Quantity: 5}, s)

	assert.Error(t, json.Unmarshal([]byte(`{"ticker":"AAPL","direction":"hold"}`), &s))
}
