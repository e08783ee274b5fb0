package mock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/signal_executor/internal/broker"
)

// Wednesday 2025-03-19
var fixedNow = time.Date(2025, 3, 19, 15, 0, 0, 0, time.UTC)

func newTestPaperBroker(opts ...PaperOption) *PaperBroker {
	opts = append([]PaperOption{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewPaperBroker(map[string]float64{"SPY": 450, "aapl": 180}, opts...)
}

func TestPaperBroker_GetQuote(t *testing.T) {
	p := newTestPaperBroker()
	q, err := p.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.InDelta(t, 179.99, q.Bid, 1e-9)
	assert.InDelta(t, 180.01, q.Ask, 1e-9)

	_, err = p.GetQuote(context.Background(), " ")
	assert.Error(t, err)

	// Unconfigured symbols get a stable generated price
	q1, err := p.GetQuote(context.Background(), "NVDA")
	require.NoError(t, err)
	q2, err := p.GetQuote(context.Background(), "nvda")
	require.NoError(t, err)
	assert.Equal(t, q1.Last, q2.Last)
	assert.GreaterOrEqual(t, q1.Last, 20.0)
}

func TestPaperBroker_GetExpirations(t *testing.T) {
	p := newTestPaperBroker()
	exps, err := p.GetExpirations(context.Background(), "SPY")
	require.NoError(t, err)
	require.Len(t, exps, paperWeeklyExpirations)
	assert.Equal(t, "2025-03-21", exps[0])
	assert.Equal(t, "2025-03-28", exps[1])
}

func TestPaperBroker_OptionChain(t *testing.T) {
	p := newTestPaperBroker()
	chain, err := p.GetOptionChain(context.Background(), "SPY", "2025-03-21", true)
	require.NoError(t, err)
	require.NotEmpty(t, chain)

	put := broker.FindOption(chain, 450, broker.OptionTypePut, 0.01)
	require.NotNil(t, put)
	assert.Equal(t, "SPY250321P00450000", put.Symbol)
	assert.Greater(t, put.Ask, put.Bid)
	assert.Greater(t, put.Bid, 0.0)
	require.NotNil(t, put.Greeks)
	assert.Less(t, put.Greeks.Delta, 0.0)

	// Deep in the money call carries intrinsic value
	call := broker.FindOption(chain, 430, broker.OptionTypeCall, 0.01)
	require.NotNil(t, call)
	assert.GreaterOrEqual(t, call.Bid, 19.0)

	_, err = p.GetOptionChain(context.Background(), "SPY", "03/21/2025", false)
	assert.Error(t, err)
}

func TestPaperBroker_BuyFillsAtOrThroughAsk(t *testing.T) {
	ctx := context.Background()
	p := newTestPaperBroker()
	chain, err := p.GetOptionChain(ctx, "SPY", "2025-03-21", false)
	require.NoError(t, err)
	opt := broker.FindOption(chain, 450, broker.OptionTypeCall, 0.01)
	require.NotNil(t, opt)

	// Below the ask rests
	req := broker.LimitOptionOrder("SPY", opt.Symbol, "buy_to_open", 2, opt.Ask-0.05, "gtc", "tag-1")
	resp, err := p.PlaceOrder(ctx, req)
	require.NoError(t, err)
	st, err := p.GetOrderStatus(ctx, resp.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, "open", st.Order.Status)
	assert.Equal(t, "tag-1", st.Order.Tag)

	_, err = p.CancelOrder(ctx, resp.Order.ID)
	require.NoError(t, err)
	st, err = p.GetOrderStatus(ctx, resp.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, "canceled", st.Order.Status)

	// Cancelling twice is refused
	_, err = p.CancelOrder(ctx, resp.Order.ID)
	assert.Error(t, err)

	// Through the ask fills at the ask
	req.Price = opt.Ask + 0.10
	resp, err = p.PlaceOrder(ctx, req)
	require.NoError(t, err)
	st, err = p.GetOrderStatus(ctx, resp.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, "filled", st.Order.Status)
	assert.InDelta(t, opt.Ask, st.Order.AvgFillPrice, 1e-9)
	assert.InDelta(t, 2, st.Order.ExecQuantity, 1e-9)

	orders, err := p.GetOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, orders, 2)
	assert.Less(t, orders[0].ID, orders[1].ID)
}

func TestPaperBroker_EquitySell(t *testing.T) {
	ctx := context.Background()
	p := newTestPaperBroker()

	resp, err := p.PlaceOrder(ctx, broker.LimitEquityOrder("AAPL", "sell", 10, 180.05, "day", ""))
	require.NoError(t, err)
	st, _ := p.GetOrderStatus(ctx, resp.Order.ID)
	assert.Equal(t, "open", st.Order.Status)

	resp, err = p.PlaceOrder(ctx, broker.LimitEquityOrder("AAPL", "sell", 10, 179.95, "day", ""))
	require.NoError(t, err)
	st, _ = p.GetOrderStatus(ctx, resp.Order.ID)
	assert.Equal(t, "filled", st.Order.Status)
	assert.InDelta(t, 179.99, st.Order.AvgFillPrice, 1e-9)
}

func TestPaperBroker_MarketClosed(t *testing.T) {
	ctx := context.Background()
	p := newTestPaperBroker(WithMarketClosed(true))

	clock, err := p.GetMarketClock(ctx, false)
	require.NoError(t, err)
	assert.False(t, clock.IsOpen())

	_, err = p.PlaceOrder(ctx, broker.LimitEquityOrder("AAPL", "buy", 1, 181, "day", ""))
	require.Error(t, err)
	assert.True(t, broker.IsTradingHoursRestriction(err))

	p.SetMarketClosed(false)
	_, err = p.PlaceOrder(ctx, broker.LimitEquityOrder("AAPL", "buy", 1, 181, "day", ""))
	assert.NoError(t, err)
}

func TestPaperBroker_RejectsInvalidOrders(t *testing.T) {
	ctx := context.Background()
	p := newTestPaperBroker()

	_, err := p.PlaceOrder(ctx, broker.LimitEquityOrder("AAPL", "buy", 0, 181, "day", ""))
	require.Error(t, err)
	assert.True(t, broker.IsOrderRejection(err))

	_, err = p.GetOrderStatus(ctx, 42)
	assert.Error(t, err)

	// Strikes off the listed grid do not exist
	_, err = p.PlaceOrder(ctx, broker.LimitOptionOrder("SPY", "SPY250321C00450500", "buy_to_open", 1, 5, "gtc", ""))
	require.Error(t, err)
	assert.True(t, broker.IsOrderRejection(err))
	assert.Contains(t, err.Error(), "is not listed")
}

func TestPaperBroker_SetPriceMovesQuotes(t *testing.T) {
	p := newTestPaperBroker()
	p.SetPrice("spy", 500)
	q, err := p.GetQuote(context.Background(), "SPY")
	require.NoError(t, err)
	assert.InDelta(t, 500, q.Last, 1e-9)
}

func TestPaperBroker_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestPaperBroker().GetExpirations(ctx, "SPY")
	assert.ErrorIs(t, err, context.Canceled)
}
