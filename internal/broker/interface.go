package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Broker defines the interface for interacting with a brokerage
type Broker interface {
	// Market data
	GetQuote(ctx context.Context, symbol string) (*QuoteItem, error)
	GetExpirations(ctx context.Context, symbol string) ([]string, error)
	GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error)
	GetMarketClock(ctx context.Context, delayed bool) (*MarketClockResponse, error)

	// Orders
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	GetOrderStatus(ctx context.Context, orderID int) (*OrderResponse, error)
	CancelOrder(ctx context.Context, orderID int) (*OrderResponse, error)
	GetOrders(ctx context.Context) ([]OrderItem, error)
}

// OptionType represents the type of option contract
type OptionType string

const (
	// OptionTypePut represents a put option contract
	OptionTypePut OptionType = "put"
	// OptionTypeCall represents a call option contract
	OptionTypeCall OptionType = "call"
)

// Order classes
const (
	ClassOption = "option"
	ClassEquity = "equity"
)

// OrderRequest is a single-leg order. OptionSymbol is required for option orders.
type OrderRequest struct {
	Class        string
	Symbol       string
	OptionSymbol string
	Side         string
	Quantity     int
	Type         string
	Price        float64
	Duration     string
	Tag          string
}

// LimitOptionOrder builds a limit order for one option contract.
func LimitOptionOrder(underlying, optionSymbol, side string, qty int, price float64, duration, tag string) OrderRequest {
	return OrderRequest{
		Class:        ClassOption,
		Symbol:       underlying,
		OptionSymbol: optionSymbol,
		Side:         side,
		Quantity:     qty,
		Type:         "limit",
		Price:        price,
		Duration:     duration,
		Tag:          tag,
	}
}

// LimitEquityOrder builds a limit order for shares.
func LimitEquityOrder(symbol, side string, qty int, price float64, duration, tag string) OrderRequest {
	return OrderRequest{
		Class:    ClassEquity,
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		Type:     "limit",
		Price:    price,
		Duration: duration,
		Tag:      tag,
	}
}

// Validate checks the request and returns the normalized duration.
func (r OrderRequest) Validate() (string, error) {
	if r.Quantity <= 0 {
		return "", fmt.Errorf("invalid quantity for order: %d, quantity must be greater than zero", r.Quantity)
	}
	if r.Type == "limit" && r.Price <= 0 {
		return "", fmt.Errorf("invalid price for limit order: %.2f, price must be positive", r.Price)
	}
	if r.Symbol == "" {
		return "", errors.New("symbol is required")
	}
	switch r.Class {
	case ClassOption:
		if r.OptionSymbol == "" {
			return "", errors.New("option_symbol is required for option orders")
		}
		if u := extractUnderlyingFromOSI(r.OptionSymbol); u == "" {
			return "", fmt.Errorf("failed to extract underlying symbol from option symbol: %s", r.OptionSymbol)
		}
	case ClassEquity:
	default:
		return "", fmt.Errorf("unsupported order class %q", r.Class)
	}
	return normalizeDuration(r.Duration)
}

func (r OrderRequest) formValues() (url.Values, error) {
	duration, err := r.Validate()
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Add("class", r.Class)
	params.Add("symbol", r.Symbol)
	if r.Class == ClassOption {
		params.Add("option_symbol", r.OptionSymbol)
	}
	params.Add("side", r.Side)
	params.Add("quantity", strconv.Itoa(r.Quantity))
	params.Add("type", r.Type)
	params.Add("duration", duration)
	if r.Type == "limit" {
		params.Add("price", fmt.Sprintf("%.2f", r.Price))
	}
	if r.Tag != "" {
		params.Add("tag", r.Tag)
	}
	return params, nil
}

// FindOption returns the chain row of the given type whose strike is within tolerance.
// An empty optionType matches both calls and puts.
func FindOption(options []Option, strike float64, optionType OptionType, tolerance float64) *Option {
	for i := range options {
		if optionType != "" && options[i].OptionType != string(optionType) {
			continue
		}
		if math.Abs(options[i].Strike-strike) <= tolerance {
			return &options[i]
		}
	}
	return nil
}

// FindOrderByTag looks an order up in the account history by its client tag.
func FindOrderByTag(ctx context.Context, b Broker, tag string) (*OrderItem, error) {
	orders, err := b.GetOrders(ctx)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].Tag == tag {
			return &orders[i], nil
		}
	}
	return nil, fmt.Errorf("%w: tag %s", ErrOrderNotFound, tag)
}

// FindOrderByID looks an order up in the account history by broker id.
func FindOrderByID(ctx context.Context, b Broker, id int) (*OrderItem, error) {
	orders, err := b.GetOrders(ctx)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].ID == id {
			return &orders[i], nil
		}
	}
	return nil, fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips at 60% failures over at least 5 requests per minute.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with default settings
func NewCircuitBreakerBroker(broker Broker, logger logrus.FieldLogger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, DefaultCircuitBreakerSettings, logger)
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
// Trading-hours rejections and order-level rejections are not counted as failures.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings, logger logrus.FieldLogger) *CircuitBreakerBroker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsTradingHoursRestriction(err) || IsOrderRejection(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State returns the breaker state.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

// GetQuote wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, symbol string) (*QuoteItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*QuoteItem, error) { return b.GetQuote(ctx, symbol) })
}

// GetExpirations wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]string, error) { return b.GetExpirations(ctx, symbol) })
}

// GetOptionChain wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]Option, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Option, error) {
		return b.GetOptionChain(ctx, symbol, expiration, withGreeks)
	})
}

// GetMarketClock wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetMarketClock(ctx context.Context, delayed bool) (*MarketClockResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*MarketClockResponse, error) {
		return b.GetMarketClock(ctx, delayed)
	})
}

// PlaceOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.PlaceOrder(ctx, req)
	})
}

// GetOrderStatus wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrderStatus(ctx context.Context, orderID int) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.GetOrderStatus(ctx, orderID)
	})
}

// CancelOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID int) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.CancelOrder(ctx, orderID)
	})
}

// GetOrders wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrders(ctx context.Context) ([]OrderItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]OrderItem, error) {
		return b.GetOrders(ctx)
	})
}
