// Package core defines the shared value model and collaborator interfaces of the gateway
package core

import (
	"context"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// ISink accepts records for logging or persistence
type ISink interface {
	RecordSnapshot(snapshot OrderBookSnapshot)
	RecordOrderEvent(order Order, event string)
}

// IConnection is one established bidirectional streaming channel
type IConnection interface {
	Send(message interface{}) error
	Receive() ([]byte, error)
	Close() error
}

// ITransport opens streaming connections
type ITransport interface {
	Connect(ctx context.Context) (IConnection, error)
}

// OrderRequest is what the gateway sends to create an order
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      string
	Price         string
	TimeInForce   TimeInForce
	ReduceOnly    bool
}

// OrderAck is the exchange's acceptance of an order request
type OrderAck struct {
	OrderID       string
	ClientOrderID string
}

// IOrderGateway is the authenticated request/response surface for orders
type IOrderGateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (Order, error)
}

// IAccountGateway pulls authoritative account state
type IAccountGateway interface {
	GetBalances(ctx context.Context) ([]Balance, error)
	GetPositions(ctx context.Context, symbol string) ([]Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (Order, error)
}

// IOrderTracker is the reconciler's view of the order manager
type IOrderTracker interface {
	Open() []Order
	ApplyUpdate(event OrderEvent) error
	Pending() []Order
	ResolvePending(clientOrderID string, remote Order, found bool) error
}
