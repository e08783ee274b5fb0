// Package mock provides a paper broker that simulates quotes, option chains
// and limit order fills without touching a real brokerage account.
package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/signal_executor/internal/broker"
	"github.com/eddiefleurent/signal_executor/internal/pricing"
)

const (
	paperWeeklyExpirations = 8
	paperStrikesEachSide   = 40
	// quoteHalfSpread is the bid/ask half spread applied to equity quotes
	quoteHalfSpread = 0.01
)

// PaperBroker implements broker.Broker against an in-memory market. Limit buys
// fill when priced at or through the ask, limit sells at or through the bid.
// Everything else rests as "open" until cancelled.
type PaperBroker struct {
	mu           sync.Mutex
	prices       map[string]float64
	orders       map[int]*broker.OrderItem
	nextID       int
	marketClosed bool
	now          func() time.Time
	logger       logrus.FieldLogger
}

// PaperOption configures a PaperBroker.
type PaperOption func(*PaperBroker)

// WithClock overrides the time source used for expirations and order timestamps.
func WithClock(now func() time.Time) PaperOption {
	return func(p *PaperBroker) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) PaperOption {
	return func(p *PaperBroker) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMarketClosed starts the broker with the market closed.
func WithMarketClosed(closed bool) PaperOption {
	return func(p *PaperBroker) { p.marketClosed = closed }
}

// NewPaperBroker creates a paper broker quoting the given underlying prices.
func NewPaperBroker(prices map[string]float64, opts ...PaperOption) *PaperBroker {
	p := &PaperBroker{
		prices: make(map[string]float64, len(prices)),
		orders: make(map[int]*broker.OrderItem),
		nextID: 1000,
		now:    time.Now,
		logger: logrus.StandardLogger(),
	}
	for sym, px := range prices {
		p.prices[strings.ToUpper(sym)] = px
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.WithField("component", "paper_broker")
	return p
}

// Ensure PaperBroker implements broker.Broker
var _ broker.Broker = (*PaperBroker)(nil)

// SetPrice moves the underlying price for symbol.
func (p *PaperBroker) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[strings.ToUpper(symbol)] = price
}

// SetMarketClosed toggles the closed-market simulation.
func (p *PaperBroker) SetMarketClosed(closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marketClosed = closed
}

// price returns the underlying price. Symbols that were never configured get a
// stable generated price so any ticker can be paper traded.
func (p *PaperBroker) price(symbol string) (float64, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" {
		return 0, &broker.APIError{Status: 400, Body: "symbol is required"}
	}
	if px, ok := p.prices[sym]; ok && px > 0 {
		return px, nil
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(sym))
	px := float64(20 + h.Sum32()%480)
	p.prices[sym] = px
	return px, nil
}

// GetQuote returns a one-cent-wide quote around the configured price.
func (p *PaperBroker) GetQuote(ctx context.Context, symbol string) (*broker.QuoteItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	px, err := p.price(symbol)
	if err != nil {
		return nil, err
	}
	return &broker.QuoteItem{
		Symbol: strings.ToUpper(symbol),
		Type:   "stock",
		Last:   px,
		Bid:    pricing.RoundToTick(px-quoteHalfSpread, 0.01),
		Ask:    pricing.RoundToTick(px+quoteHalfSpread, 0.01),
	}, nil
}

// GetExpirations returns the next weekly Friday expirations, today included.
func (p *PaperBroker) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	_, err := p.price(symbol)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	today := p.now()
	d := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	for d.Weekday() != time.Friday {
		d = d.AddDate(0, 0, 1)
	}
	out := make([]string, 0, paperWeeklyExpirations)
	for i := 0; i < paperWeeklyExpirations; i++ {
		out = append(out, d.AddDate(0, 0, 7*i).Format("2006-01-02"))
	}
	return out, nil
}

// strikeInterval picks a strike grid that keeps the chain a sensible size.
func strikeInterval(price float64) float64 {
	switch {
	case price < 25:
		return 0.5
	case price < 500:
		return 1
	default:
		return 5
	}
}

// GetOptionChain builds a synthetic chain around the underlying price.
func (p *PaperBroker) GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]broker.Option, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	expDate, err := time.Parse("2006-01-02", expiration)
	if err != nil {
		return nil, fmt.Errorf("invalid expiration format: %w", err)
	}
	p.mu.Lock()
	spot, err := p.price(symbol)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p.chain(symbol, expiration, expDate, spot, withGreeks)
}

// chain lists strikes on the interval grid around spot.
func (p *PaperBroker) chain(symbol, expiration string, expDate time.Time, spot float64, withGreeks bool) ([]broker.Option, error) {
	dte := p.daysTo(expDate)

	interval := strikeInterval(spot)
	center := math.Round(spot/interval) * interval
	options := make([]broker.Option, 0, 2*(2*paperStrikesEachSide+1))
	for i := -paperStrikesEachSide; i <= paperStrikesEachSide; i++ {
		strike := center + float64(i)*interval
		if strike <= 0 {
			continue
		}
		for _, typ := range []broker.OptionType{broker.OptionTypePut, broker.OptionTypeCall} {
			osi, err := broker.OptionSymbol(symbol, expiration, typ, strike)
			if err != nil {
				return nil, err
			}
			bid, ask, mid := optionQuote(spot, strike, typ, dte)
			opt := broker.Option{
				Symbol:         osi,
				Description:    fmt.Sprintf("%s %s $%.2f %s", strings.ToUpper(symbol), expDate.Format("Jan 02 2006"), strike, typ),
				Strike:         strike,
				OptionType:     string(typ),
				ExpirationDate: expiration,
				Underlying:     strings.ToUpper(symbol),
				Bid:            bid,
				Ask:            ask,
				Last:           mid,
			}
			if withGreeks {
				opt.Greeks = &broker.Greeks{Delta: approxDelta(spot, strike, typ), MidIV: 0.20}
			}
			options = append(options, opt)
		}
	}
	return options, nil
}

func (p *PaperBroker) daysTo(exp time.Time) int {
	now := p.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dte := int(exp.Sub(today).Hours() / 24)
	if dte < 0 {
		dte = 0
	}
	return dte
}

// optionQuote prices a contract as intrinsic value plus a time value that
// decays with distance from the money. Quotes are rounded to the cent.
func optionQuote(spot, strike float64, typ broker.OptionType, dte int) (bid, ask, mid float64) {
	intrinsic := math.Max(0, spot-strike)
	if typ == broker.OptionTypePut {
		intrinsic = math.Max(0, strike-spot)
	}
	years := math.Max(float64(dte), 1) / 365
	timeValue := 0.4 * 0.20 * spot * math.Sqrt(years) * math.Exp(-math.Abs(spot-strike)/(spot*0.05))
	mid = math.Max(0.05, intrinsic+timeValue)

	half := 0.025
	if mid > 3 {
		half = 0.05
	}
	mid = pricing.RoundToTick(mid, 0.01)
	bid = math.Max(0.01, pricing.RoundToTick(mid-half, 0.01))
	ask = pricing.RoundToTick(mid+half, 0.01)
	return bid, ask, mid
}

func approxDelta(spot, strike float64, typ broker.OptionType) float64 {
	d := 1 / (1 + math.Exp(-(spot-strike)/(spot*0.02)))
	if typ == broker.OptionTypePut {
		return d - 1
	}
	return d
}

// GetMarketClock reports open or closed depending on the simulation flag.
func (p *PaperBroker) GetMarketClock(ctx context.Context, _ bool) (*broker.MarketClockResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	closed := p.marketClosed
	p.mu.Unlock()

	clock := &broker.MarketClockResponse{}
	now := p.now()
	clock.Clock.Date = now.Format("2006-01-02")
	clock.Clock.Timestamp = now.Unix()
	if closed {
		clock.Clock.State = "closed"
		clock.Clock.Description = "Market is closed"
	} else {
		clock.Clock.State = "open"
		clock.Clock.Description = "Market is open"
	}
	return clock, nil
}

// touch returns the price a marketable order trades against.
func (p *PaperBroker) touch(req broker.OrderRequest) (bid, ask float64, err error) {
	if req.Class == broker.ClassOption {
		underlying, exp, typ, strike, err := broker.ParseOptionSymbol(req.OptionSymbol)
		if err != nil {
			return 0, 0, &broker.APIError{Status: 400, Body: err.Error()}
		}
		spot, err := p.price(underlying)
		if err != nil {
			return 0, 0, err
		}
		expDate, _ := time.Parse("2006-01-02", exp)
		chain, err := p.chain(underlying, exp, expDate, spot, false)
		if err != nil {
			return 0, 0, err
		}
		opt := broker.FindOption(chain, strike, typ, broker.StrikeMatchEpsilon)
		if opt == nil {
			return 0, 0, &broker.APIError{Status: 400, Body: fmt.Sprintf("option %s is not listed", req.OptionSymbol)}
		}
		return opt.Bid, opt.Ask, nil
	}
	spot, err := p.price(req.Symbol)
	if err != nil {
		return 0, 0, err
	}
	return pricing.RoundToTick(spot-quoteHalfSpread, 0.01), pricing.RoundToTick(spot+quoteHalfSpread, 0.01), nil
}

func isBuySide(side string) bool {
	return strings.HasPrefix(strings.ToLower(side), "buy")
}

// PlaceOrder accepts the order and fills it immediately when marketable.
func (p *PaperBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	duration, err := req.Validate()
	if err != nil {
		return nil, &broker.APIError{Status: 400, Body: err.Error()}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.marketClosed {
		return nil, &broker.APIError{Status: 400, Body: "order rejected: market is closed"}
	}
	bid, ask, err := p.touch(req)
	if err != nil {
		return nil, err
	}

	p.nextID++
	order := &broker.OrderItem{
		ID:                p.nextID,
		Type:              req.Type,
		Symbol:            strings.ToUpper(req.Symbol),
		OptionSymbol:      req.OptionSymbol,
		Side:              req.Side,
		Class:             req.Class,
		Status:            "open",
		Duration:          duration,
		Tag:               req.Tag,
		CreateDate:        p.now().UTC().Format(time.RFC3339),
		Price:             req.Price,
		Quantity:          float64(req.Quantity),
		RemainingQuantity: float64(req.Quantity),
	}

	fill := 0.0
	if isBuySide(req.Side) && req.Price+1e-9 >= ask {
		fill = ask
	} else if !isBuySide(req.Side) && req.Price-1e-9 <= bid {
		fill = bid
	}
	if fill > 0 {
		order.Status = "filled"
		order.AvgFillPrice = fill
		order.LastFillPrice = fill
		order.ExecQuantity = order.Quantity
		order.RemainingQuantity = 0
		order.TransactionDate = order.CreateDate
	}
	p.orders[order.ID] = order

	p.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"symbol":   req.Symbol,
		"option":   req.OptionSymbol,
		"side":     req.Side,
		"qty":      req.Quantity,
		"price":    req.Price,
		"bid":      bid,
		"ask":      ask,
		"status":   order.Status,
	}).Debug("Paper order placed")

	return &broker.OrderResponse{Order: broker.OrderItem{ID: order.ID, Status: "ok", Tag: order.Tag}}, nil
}

// GetOrderStatus returns a copy of the order.
func (p *PaperBroker) GetOrderStatus(ctx context.Context, orderID int) (*broker.OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return nil, &broker.APIError{Status: 404, Body: fmt.Sprintf("order %d not found", orderID)}
	}
	return &broker.OrderResponse{Order: *o}, nil
}

// CancelOrder cancels a resting order.
func (p *PaperBroker) CancelOrder(ctx context.Context, orderID int) (*broker.OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return nil, &broker.APIError{Status: 404, Body: fmt.Sprintf("order %d not found", orderID)}
	}
	if o.Status != "open" {
		return nil, &broker.APIError{Status: 400, Body: fmt.Sprintf("order %d cannot be canceled in status %s", orderID, o.Status)}
	}
	o.Status = "canceled"
	return &broker.OrderResponse{Order: broker.OrderItem{ID: o.ID, Status: "ok"}}, nil
}

// GetOrders returns every order, oldest first.
func (p *PaperBroker) GetOrders(ctx context.Context) ([]broker.OrderItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]broker.OrderItem, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
