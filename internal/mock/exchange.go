// Package mock provides in-memory exchange and transport fakes for tests
package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"perp_gateway/internal/core"
	apperrors "perp_gateway/pkg/errors"

	"github.com/shopspring/decimal"
)

// MockExchange implements core.IOrderGateway and core.IAccountGateway in memory
type MockExchange struct {
	mu             sync.RWMutex
	orders         map[string]*core.Order
	clientOrderMap map[string]string
	orderIDCounter int64
	tradeCounter   int64
	balances       []core.Balance
	positions      map[string]core.Position

	placeErr   error
	placeDelay time.Duration
	cancelErr  error
	accountErr error
	calls      map[string]int
}

// NewMockExchange creates a MockExchange with a 10000 USDT wallet
func NewMockExchange() *MockExchange {
	return &MockExchange{
		orders:         make(map[string]*core.Order),
		clientOrderMap: make(map[string]string),
		orderIDCounter: 1000,
		balances: []core.Balance{{
			Asset:            "USDT",
			WalletBalance:    decimal.NewFromInt(10000),
			AvailableBalance: decimal.NewFromInt(10000),
			UsedBalance:      decimal.Zero,
		}},
		positions: make(map[string]core.Position),
		calls:     make(map[string]int),
	}
}

// SetPlaceError makes PlaceOrder fail with err without recording the order
func (m *MockExchange) SetPlaceError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeErr = err
}

// SetPlaceDelay makes PlaceOrder record the order remotely but answer only after d,
// so a shorter caller deadline produces an unknown-outcome submission
func (m *MockExchange) SetPlaceDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeDelay = d
}

// SetCancelError makes CancelOrder fail with err
func (m *MockExchange) SetCancelError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelErr = err
}

// SetAccountError makes account pulls fail with err
func (m *MockExchange) SetAccountError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accountErr = err
}

// SetPosition replaces the remote position of pos.Symbol
func (m *MockExchange) SetPosition(pos core.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.Symbol] = pos
}

// SetBalances replaces the remote balances
func (m *MockExchange) SetBalances(balances ...core.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = append([]core.Balance(nil), balances...)
}

// Calls returns how many times method was invoked
func (m *MockExchange) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

func (m *MockExchange) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.OrderAck, error) {
	m.mu.Lock()
	m.calls["PlaceOrder"]++
	if m.placeErr != nil {
		err := m.placeErr
		m.mu.Unlock()
		return core.OrderAck{}, err
	}

	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		m.mu.Unlock()
		return core.OrderAck{}, &apperrors.RejectionError{Code: 10001, Reason: "invalid qty", Err: apperrors.ErrInvalidOrderParameter}
	}

	m.orderIDCounter++
	orderID := strconv.FormatInt(m.orderIDCounter, 10)
	now := time.Now()
	order := &core.Order{
		OrderID:        orderID,
		ClientOrderID:  req.ClientOrderID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Quantity:       qty,
		Status:         core.OrderStatusNew,
		FilledQuantity: decimal.Zero,
		TimeInForce:    req.TimeInForce,
		ReduceOnly:     req.ReduceOnly,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Price != "" {
		if p, err := decimal.NewFromString(req.Price); err == nil {
			order.LimitPrice = &p
		}
	}
	m.orders[orderID] = order
	if req.ClientOrderID != "" {
		m.clientOrderMap[req.ClientOrderID] = orderID
	}
	delay := m.placeDelay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return core.OrderAck{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return core.OrderAck{OrderID: orderID, ClientOrderID: req.ClientOrderID}, nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CancelOrder"]++

	if m.cancelErr != nil {
		return m.cancelErr
	}
	order, ok := m.orders[orderID]
	if !ok || order.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	order.Status = core.OrderStatusCancelled
	order.UpdatedAt = time.Now()
	return nil
}

func (m *MockExchange) GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["GetOrder"]++

	if orderID == "" {
		orderID = m.clientOrderMap[clientOrderID]
	}
	order, ok := m.orders[orderID]
	if !ok {
		return core.Order{}, fmt.Errorf("%w: %s%s", apperrors.ErrOrderNotFound, orderID, clientOrderID)
	}
	return order.Clone(), nil
}

func (m *MockExchange) GetOpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["GetOpenOrders"]++

	if m.accountErr != nil {
		return nil, m.accountErr
	}
	var open []core.Order
	for _, order := range m.orders {
		if order.Status.IsTerminal() {
			continue
		}
		if symbol != "" && order.Symbol != symbol {
			continue
		}
		open = append(open, order.Clone())
	}
	return open, nil
}

func (m *MockExchange) GetPositions(ctx context.Context, symbol string) ([]core.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["GetPositions"]++

	if m.accountErr != nil {
		return nil, m.accountErr
	}
	var positions []core.Position
	for sym, pos := range m.positions {
		if symbol == "" || sym == symbol {
			positions = append(positions, pos)
		}
	}
	return positions, nil
}

func (m *MockExchange) GetBalances(ctx context.Context) ([]core.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["GetBalances"]++

	if m.accountErr != nil {
		return nil, m.accountErr
	}
	return append([]core.Balance(nil), m.balances...), nil
}

// Fill executes qty at price against a remote order and returns the execution event
// the exchange would push
func (m *MockExchange) Fill(orderID string, qty, price decimal.Decimal) (core.OrderEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return core.OrderEvent{}, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}

	notional := price.Mul(qty)
	if order.AverageFillPrice != nil {
		notional = notional.Add(order.AverageFillPrice.Mul(order.FilledQuantity))
	}
	order.FilledQuantity = order.FilledQuantity.Add(qty)
	avg := notional.Div(order.FilledQuantity)
	order.AverageFillPrice = &avg
	if order.FilledQuantity.GreaterThanOrEqual(order.Quantity) {
		order.Status = core.OrderStatusFilled
	} else {
		order.Status = core.OrderStatusPartiallyFilled
	}
	order.UpdatedAt = time.Now()

	m.tradeCounter++
	trade := core.Trade{
		TradeID:   fmt.Sprintf("T%d", m.tradeCounter),
		OrderID:   orderID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Quantity:  qty,
		Price:     price,
		Fee:       decimal.Zero,
		Timestamp: order.UpdatedAt,
	}
	return core.OrderEvent{
		OrderID:       orderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Fill:          &trade,
		Timestamp:     trade.Timestamp,
		Source:        core.EventSourceStream,
	}, nil
}

// CancelOutOfBand cancels a remote order without telling the client
func (m *MockExchange) CancelOutOfBand(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order, ok := m.orders[orderID]; ok && !order.Status.IsTerminal() {
		order.Status = core.OrderStatusCancelled
		order.UpdatedAt = time.Now()
	}
}
