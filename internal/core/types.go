package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order or fill
type OrderSide string

const (
	OrderSideBuy  OrderSide = "Buy"
	OrderSideSell OrderSide = "Sell"
)

func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderType is the pricing mode of an order
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "New"
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderStatusFilled          OrderStatus = "Filled"
	OrderStatusCancelled       OrderStatus = "Cancelled"
	OrderStatusRejected        OrderStatus = "Rejected"
)

// IsTerminal reports whether no further transition is allowed
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// TimeInForce controls how long a limit order rests
type TimeInForce string

const (
	TimeInForceGTC      TimeInForce = "GTC"
	TimeInForceIOC      TimeInForce = "IOC"
	TimeInForceFOK      TimeInForce = "FOK"
	TimeInForcePostOnly TimeInForce = "PostOnly"
)

// PositionSide is the direction of an open position
type PositionSide string

const (
	PositionSideLong  PositionSide = "Long"
	PositionSideShort PositionSide = "Short"
	PositionSideFlat  PositionSide = "Flat"
)

// PriceLevel is one side of the top of book
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Valid checks size >= 0 and price > 0 whenever size > 0
func (l PriceLevel) Valid() bool {
	if l.Size.IsNegative() {
		return false
	}
	if l.Size.IsPositive() && !l.Price.IsPositive() {
		return false
	}
	return true
}

// OrderBookSnapshot is an immutable best bid/ask view for one symbol.
// Bid and Ask are nil when that side has never been seen or was cleared.
type OrderBookSnapshot struct {
	Symbol    string
	Bid       *PriceLevel
	Ask       *PriceLevel
	Timestamp time.Time
	Sequence  uint64
	Stale     bool
}

// IsEmpty reports whether neither side is present
func (s OrderBookSnapshot) IsEmpty() bool {
	return s.Bid == nil && s.Ask == nil
}

// IsCrossed reports bid >= ask when both sides are present
func (s OrderBookSnapshot) IsCrossed() bool {
	if s.Bid == nil || s.Ask == nil {
		return false
	}
	return s.Bid.Price.GreaterThanOrEqual(s.Ask.Price)
}

// Clone returns a deep copy so the receiver never aliases live state
func (s OrderBookSnapshot) Clone() OrderBookSnapshot {
	out := s
	if s.Bid != nil {
		bid := *s.Bid
		out.Bid = &bid
	}
	if s.Ask != nil {
		ask := *s.Ask
		out.Ask = &ask
	}
	return out
}

// Order is the locally tracked state of one exchange order
type Order struct {
	OrderID          string
	ClientOrderID    string
	Symbol           string
	Side             OrderSide
	Type             OrderType
	Quantity         decimal.Decimal
	LimitPrice       *decimal.Decimal
	Status           OrderStatus
	FilledQuantity   decimal.Decimal
	AverageFillPrice *decimal.Decimal
	TimeInForce      TimeInForce
	ReduceOnly       bool
	RejectReason     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RemainingQuantity is quantity not yet filled
func (o Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Clone returns a deep copy
func (o Order) Clone() Order {
	out := o
	if o.LimitPrice != nil {
		p := *o.LimitPrice
		out.LimitPrice = &p
	}
	if o.AverageFillPrice != nil {
		p := *o.AverageFillPrice
		out.AverageFillPrice = &p
	}
	return out
}

// Trade is a single fill. Append-only; referenced by an order, never owned by it.
type Trade struct {
	TradeID   string
	OrderID   string
	Symbol    string
	Side      OrderSide
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Fee       decimal.Decimal
	Timestamp time.Time
}

// Position is the exchange's (or our estimated) exposure in one symbol
type Position struct {
	Symbol        string
	Side          PositionSide
	Size          decimal.Decimal
	EntryPrice    *decimal.Decimal
	MarkPrice     *decimal.Decimal
	UnrealizedPnl *decimal.Decimal
	RealizedPnl   *decimal.Decimal
	Leverage      *decimal.Decimal
	Margin        *decimal.Decimal
}

// FlatPosition returns the zero position for symbol
func FlatPosition(symbol string) Position {
	return Position{Symbol: symbol, Side: PositionSideFlat, Size: decimal.Zero}
}

// SignedSize is +size for long, -size for short, 0 when flat
func (p Position) SignedSize() decimal.Decimal {
	switch p.Side {
	case PositionSideLong:
		return p.Size
	case PositionSideShort:
		return p.Size.Neg()
	}
	return decimal.Zero
}

// SameExposure compares side and size only
func (p Position) SameExposure(other Position) bool {
	return p.SignedSize().Equal(other.SignedSize())
}

// Balance is one asset's wallet breakdown
type Balance struct {
	Asset            string
	WalletBalance    decimal.Decimal
	AvailableBalance decimal.Decimal
	UsedBalance      decimal.Decimal
}

// BalanceTolerance absorbs exchange-side rounding in Consistent
var BalanceTolerance = decimal.New(1, -8)

// Consistent checks wallet == available + used within BalanceTolerance
func (b Balance) Consistent() bool {
	diff := b.WalletBalance.Sub(b.AvailableBalance.Add(b.UsedBalance)).Abs()
	return diff.LessThanOrEqual(BalanceTolerance)
}

// AccountInfo is an authoritative pull of remote account state
type AccountInfo struct {
	Balances           []Balance
	Positions          []Position
	OpenOrders         []Order
	TotalWalletBalance decimal.Decimal
	TotalUnrealizedPnl decimal.Decimal
	FetchedAt          time.Time
}

// Position returns the remote position for symbol, flat if absent
func (a AccountInfo) Position(symbol string) Position {
	for _, p := range a.Positions {
		if p.Symbol == symbol {
			return p
		}
	}
	return FlatPosition(symbol)
}

// EventSource tells where an order event came from
type EventSource string

const (
	EventSourceStream    EventSource = "stream"
	EventSourcePoll      EventSource = "poll"
	EventSourceReconcile EventSource = "reconcile"
	EventSourceLocal     EventSource = "local"
)

// OrderEvent is an exchange acknowledgement, fill or status report keyed by OrderID.
// Status, Fill and the cumulative fields are each optional.
type OrderEvent struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Status        OrderStatus
	Fill          *Trade
	CumFilledQty  *decimal.Decimal
	AvgPrice      *decimal.Decimal
	RejectReason  string
	Timestamp     time.Time
	Source        EventSource
}

// SessionStatus is the health of one market data session
type SessionStatus string

const (
	SessionStatusConnecting SessionStatus = "connecting"
	SessionStatusLive       SessionStatus = "live"
	SessionStatusDegraded   SessionStatus = "degraded"
	SessionStatusStopped    SessionStatus = "stopped"
)

// FindingKind classifies a reconciliation divergence
type FindingKind string

const (
	FindingOrphanSuspect          FindingKind = "OrphanSuspect"
	FindingReconciliationMismatch FindingKind = "ReconciliationMismatch"
)

// Finding is one divergence between local and remote state
type Finding struct {
	Kind    FindingKind
	Symbol  string
	OrderID string
	Local   string
	Remote  string
	Detail  string
}
