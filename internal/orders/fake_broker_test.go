package orders

import (
	"context"
	"errors"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/eddiefleurent/signal_executor/internal/broker"
)

// scriptedBroker answers each placement with the next scripted outcome.
type scriptedBroker struct {
	mu sync.Mutex

	// statuses[i] is the status reported for the i-th placed order
	statuses []broker.OrderItem
	// placeErrs[i] fails the i-th placement
	placeErrs map[int]error
	// acceptErrs[i] records the i-th order and then fails the call
	acceptErrs map[int]error
	statusErr  error
	cancelErr  error
	// zeroIDs makes PlaceOrder omit the order id
	zeroIDs bool
	// onCancel mutates the order when a cancel arrives
	onCancel func(o *broker.OrderItem)

	placed    []broker.OrderRequest
	cancelled []int
	orders    map[int]*broker.OrderItem
	nextID    int
}

func newScriptedBroker(statuses ...broker.OrderItem) *scriptedBroker {
	return &scriptedBroker{statuses: statuses, placeErrs: map[int]error{}, acceptErrs: map[int]error{}, orders: map[int]*broker.OrderItem{}, nextID: 100}
}

func status(s string) broker.OrderItem { return broker.OrderItem{Status: s} }

func (s *scriptedBroker) GetQuote(context.Context, string) (*broker.QuoteItem, error) {
	return nil, errors.New("not implemented")
}
func (s *scriptedBroker) GetExpirations(context.Context, string) ([]string, error) {
	return nil, errors.New("not implemented")
}
func (s *scriptedBroker) GetOptionChain(context.Context, string, string, bool) ([]broker.Option, error) {
	return nil, errors.New("not implemented")
}
func (s *scriptedBroker) GetMarketClock(context.Context, bool) (*broker.MarketClockResponse, error) {
	return nil, errors.New("not implemented")
}

func (s *scriptedBroker) PlaceOrder(_ context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.placed)
	s.placed = append(s.placed, req)
	if err := s.placeErrs[i]; err != nil {
		return nil, err
	}
	s.nextID++
	item := broker.OrderItem{Status: "open"}
	if i < len(s.statuses) {
		item = s.statuses[i]
	}
	item.ID = s.nextID
	item.Tag = req.Tag
	item.Price = req.Price
	if item.Quantity == 0 {
		item.Quantity = float64(req.Quantity)
	}
	s.orders[item.ID] = &item
	if err := s.acceptErrs[i]; err != nil {
		return nil, err
	}
	if s.zeroIDs {
		return &broker.OrderResponse{}, nil
	}
	return &broker.OrderResponse{Order: broker.OrderItem{ID: item.ID, Status: "ok"}}, nil
}

func (s *scriptedBroker) GetOrderStatus(_ context.Context, id int) (*broker.OrderResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	o, ok := s.orders[id]
	if !ok {
		return nil, broker.ErrOrderNotFound
	}
	return &broker.OrderResponse{Order: *o}, nil
}

func (s *scriptedBroker) CancelOrder(_ context.Context, id int) (*broker.OrderResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, id)
	if o, ok := s.orders[id]; ok && s.onCancel != nil {
		s.onCancel(o)
	}
	if s.cancelErr != nil {
		return nil, s.cancelErr
	}
	if o, ok := s.orders[id]; ok && o.Status == "open" {
		o.Status = "canceled"
	}
	return &broker.OrderResponse{Order: broker.OrderItem{ID: id, Status: "ok"}}, nil
}

func (s *scriptedBroker) GetOrders(context.Context) ([]broker.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]broker.OrderItem, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, *o)
	}
	return out, nil
}

func (s *scriptedBroker) openOrders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.orders {
		if o.Status == "open" {
			n++
		}
	}
	return n
}

func (s *scriptedBroker) placedPrices() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.placed))
	for i, p := range s.placed {
		out[i] = p.Price
	}
	return out
}

// MockBroker is a testify mock of broker.Broker
type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) GetQuote(ctx context.Context, symbol string) (*broker.QuoteItem, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.QuoteItem), args.Error(1)
}

func (m *MockBroker) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockBroker) GetOptionChain(ctx context.Context, symbol, expiration string, withGreeks bool) ([]broker.Option, error) {
	args := m.Called(ctx, symbol, expiration, withGreeks)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]broker.Option), args.Error(1)
}

func (m *MockBroker) GetMarketClock(ctx context.Context, delayed bool) (*broker.MarketClockResponse, error) {
	args := m.Called(ctx, delayed)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.MarketClockResponse), args.Error(1)
}

func (m *MockBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.OrderResponse), args.Error(1)
}

func (m *MockBroker) GetOrderStatus(ctx context.Context, orderID int) (*broker.OrderResponse, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.OrderResponse), args.Error(1)
}

func (m *MockBroker) CancelOrder(ctx context.Context, orderID int) (*broker.OrderResponse, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.OrderResponse), args.Error(1)
}

func (m *MockBroker) GetOrders(ctx context.Context) ([]broker.OrderItem, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]broker.OrderItem), args.Error(1)
}
