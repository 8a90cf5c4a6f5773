package bybit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"perp_gateway/internal/core"
	apperrors "perp_gateway/pkg/errors"

	"github.com/shopspring/decimal"
)

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type rawOrder struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	OrderStatus  string `json:"orderStatus"`
	CumExecQty   string `json:"cumExecQty"`
	AvgPrice     string `json:"avgPrice"`
	TimeInForce  string `json:"timeInForce"`
	ReduceOnly   bool   `json:"reduceOnly"`
	RejectReason string `json:"rejectReason"`
	CreatedTime  string `json:"createdTime"`
	UpdatedTime  string `json:"updatedTime"`
}

type rawExecution struct {
	ExecID      string `json:"execId"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	ExecQty     string `json:"execQty"`
	ExecPrice   string `json:"execPrice"`
	ExecFee     string `json:"execFee"`
	ExecType    string `json:"execType"`
	ExecTime    string `json:"execTime"`
}

type rawPosition struct {
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Size           string `json:"size"`
	AvgPrice       string `json:"avgPrice"`
	MarkPrice      string `json:"markPrice"`
	UnrealisedPnl  string `json:"unrealisedPnl"`
	CumRealisedPnl string `json:"cumRealisedPnl"`
	Leverage       string `json:"leverage"`
	PositionIM     string `json:"positionIM"`
}

type rawCoin struct {
	Coin                string `json:"coin"`
	WalletBalance       string `json:"walletBalance"`
	AvailableToWithdraw string `json:"availableToWithdraw"`
	Locked              string `json:"locked"`
	TotalOrderIM        string `json:"totalOrderIM"`
	TotalPositionIM     string `json:"totalPositionIM"`
}

// fieldParser accumulates the first malformed field so conversions read linearly
type fieldParser struct {
	err error
}

func (p *fieldParser) decimal(name, raw string) decimal.Decimal {
	if raw == "" || p.err != nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		p.err = fmt.Errorf("field %s=%q: %w", name, raw, err)
	}
	return d
}

// optional treats empty and zero as absent
func (p *fieldParser) optional(name, raw string) *decimal.Decimal {
	d := p.decimal(name, raw)
	if raw == "" || d.IsZero() {
		return nil
	}
	return &d
}

func (p *fieldParser) millis(name, raw string) time.Time {
	if raw == "" || p.err != nil {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		p.err = fmt.Errorf("field %s=%q: %w", name, raw, err)
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (p *fieldParser) protocolError(payload interface{}) error {
	if p.err == nil {
		return nil
	}
	raw, _ := json.Marshal(payload)
	return apperrors.NewProtocolError("malformed field", raw, p.err)
}

func mapSide(raw string) (core.OrderSide, bool) {
	switch {
	case strings.EqualFold(raw, "Buy"):
		return core.OrderSideBuy, true
	case strings.EqualFold(raw, "Sell"):
		return core.OrderSideSell, true
	}
	return "", false
}

func mapOrderStatus(raw string) (core.OrderStatus, bool) {
	switch raw {
	case "Created", "New", "Untriggered", "Triggered":
		return core.OrderStatusNew, true
	case "PartiallyFilled":
		return core.OrderStatusPartiallyFilled, true
	case "Filled":
		return core.OrderStatusFilled, true
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return core.OrderStatusCancelled, true
	case "Rejected":
		return core.OrderStatusRejected, true
	}
	return "", false
}

func mapTimeInForce(raw string) core.TimeInForce {
	switch raw {
	case "IOC":
		return core.TimeInForceIOC
	case "FOK":
		return core.TimeInForceFOK
	case "PostOnly":
		return core.TimeInForcePostOnly
	}
	return core.TimeInForceGTC
}

// rejectReason drops Bybit's "no error" placeholder
func rejectReason(raw string) string {
	if raw == "EC_NoError" {
		return ""
	}
	return raw
}

func (r rawOrder) toOrder() (core.Order, error) {
	p := &fieldParser{}
	order := core.Order{
		OrderID:          r.OrderID,
		ClientOrderID:    r.OrderLinkID,
		Symbol:           r.Symbol,
		Type:             core.OrderType(r.OrderType),
		Quantity:         p.decimal("qty", r.Qty),
		LimitPrice:       p.optional("price", r.Price),
		FilledQuantity:   p.decimal("cumExecQty", r.CumExecQty),
		AverageFillPrice: p.optional("avgPrice", r.AvgPrice),
		TimeInForce:      mapTimeInForce(r.TimeInForce),
		ReduceOnly:       r.ReduceOnly,
		RejectReason:     rejectReason(r.RejectReason),
		CreatedAt:        p.millis("createdTime", r.CreatedTime),
		UpdatedAt:        p.millis("updatedTime", r.UpdatedTime),
	}
	if err := p.protocolError(r); err != nil {
		return core.Order{}, err
	}

	side, ok := mapSide(r.Side)
	if !ok {
		return core.Order{}, apperrors.NewProtocolError("unknown side "+r.Side, nil, nil)
	}
	order.Side = side

	status, ok := mapOrderStatus(r.OrderStatus)
	if !ok {
		return core.Order{}, apperrors.NewProtocolError("unknown order status "+r.OrderStatus, nil, nil)
	}
	order.Status = status

	if order.Type == core.OrderTypeMarket {
		order.LimitPrice = nil
	}
	if order.UpdatedAt.Before(order.CreatedAt) {
		order.UpdatedAt = order.CreatedAt
	}
	return order, nil
}

// toEvent turns a pushed or polled order report into a cumulative status event
func (r rawOrder) toEvent(source core.EventSource) (core.OrderEvent, error) {
	p := &fieldParser{}
	cum := p.decimal("cumExecQty", r.CumExecQty)
	avg := p.optional("avgPrice", r.AvgPrice)
	ts := p.millis("updatedTime", r.UpdatedTime)
	if err := p.protocolError(r); err != nil {
		return core.OrderEvent{}, err
	}

	status, ok := mapOrderStatus(r.OrderStatus)
	if !ok {
		return core.OrderEvent{}, apperrors.NewProtocolError("unknown order status "+r.OrderStatus, nil, nil)
	}

	return core.OrderEvent{
		OrderID:       r.OrderID,
		ClientOrderID: r.OrderLinkID,
		Symbol:        r.Symbol,
		Status:        status,
		CumFilledQty:  &cum,
		AvgPrice:      avg,
		RejectReason:  rejectReason(r.RejectReason),
		Timestamp:     ts,
		Source:        source,
	}, nil
}

func (r rawExecution) toEvent() (core.OrderEvent, error) {
	p := &fieldParser{}
	trade := core.Trade{
		TradeID:   r.ExecID,
		OrderID:   r.OrderID,
		Symbol:    r.Symbol,
		Quantity:  p.decimal("execQty", r.ExecQty),
		Price:     p.decimal("execPrice", r.ExecPrice),
		Fee:       p.decimal("execFee", r.ExecFee),
		Timestamp: p.millis("execTime", r.ExecTime),
	}
	if err := p.protocolError(r); err != nil {
		return core.OrderEvent{}, err
	}

	side, ok := mapSide(r.Side)
	if !ok {
		return core.OrderEvent{}, apperrors.NewProtocolError("unknown side "+r.Side, nil, nil)
	}
	trade.Side = side

	if !trade.Quantity.IsPositive() || !trade.Price.IsPositive() {
		return core.OrderEvent{}, apperrors.NewProtocolError("execution without positive qty and price", nil, nil)
	}

	return core.OrderEvent{
		OrderID:       r.OrderID,
		ClientOrderID: r.OrderLinkID,
		Symbol:        r.Symbol,
		Fill:          &trade,
		Timestamp:     trade.Timestamp,
		Source:        core.EventSourceStream,
	}, nil
}

func (r rawPosition) toPosition() (core.Position, error) {
	p := &fieldParser{}
	pos := core.Position{
		Symbol:        r.Symbol,
		Size:          p.decimal("size", r.Size),
		EntryPrice:    p.optional("avgPrice", r.AvgPrice),
		MarkPrice:     p.optional("markPrice", r.MarkPrice),
		UnrealizedPnl: p.optional("unrealisedPnl", r.UnrealisedPnl),
		RealizedPnl:   p.optional("cumRealisedPnl", r.CumRealisedPnl),
		Leverage:      p.optional("leverage", r.Leverage),
		Margin:        p.optional("positionIM", r.PositionIM),
	}
	if err := p.protocolError(r); err != nil {
		return core.Position{}, err
	}

	switch {
	case pos.Size.IsZero():
		pos.Side = core.PositionSideFlat
	case strings.EqualFold(r.Side, "Buy"):
		pos.Side = core.PositionSideLong
	case strings.EqualFold(r.Side, "Sell"):
		pos.Side = core.PositionSideShort
	default:
		return core.Position{}, apperrors.NewProtocolError("position side "+r.Side+" with non-zero size", nil, nil)
	}
	return pos, nil
}

func (r rawCoin) toBalance() (core.Balance, error) {
	p := &fieldParser{}
	wallet := p.decimal("walletBalance", r.WalletBalance)
	used := p.decimal("locked", r.Locked).
		Add(p.decimal("totalOrderIM", r.TotalOrderIM)).
		Add(p.decimal("totalPositionIM", r.TotalPositionIM))
	available := wallet.Sub(used)
	if r.AvailableToWithdraw != "" {
		available = p.decimal("availableToWithdraw", r.AvailableToWithdraw)
	}
	if err := p.protocolError(r); err != nil {
		return core.Balance{}, err
	}
	return core.Balance{
		Asset:            r.Coin,
		WalletBalance:    wallet,
		AvailableBalance: available,
		UsedBalance:      used,
	}, nil
}
