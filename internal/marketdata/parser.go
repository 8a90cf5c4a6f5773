// Package marketdata streams top-of-book snapshots per symbol from the public ticker channel
package marketdata

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "perp_gateway/pkg/errors"

	"github.com/shopspring/decimal"
)

// Event is the closed set of classified inbound messages:
// TickerEvent, ControlEvent and IgnoredEvent
type Event interface {
	kind() string
}

// SideChange says what a ticker message does to one side of the book
type SideChange int

const (
	// SideUnchanged leaves the side at its last known value
	SideUnchanged SideChange = iota
	// SideSet replaces the side with Level
	SideSet
	// SideCleared removes the side
	SideCleared
)

// SideUpdate is the parsed effect of a ticker on one side
type SideUpdate struct {
	Change SideChange
	Price  decimal.Decimal
	Size   decimal.Decimal
}

// TickerEvent is a ticker update for the subscribed symbol
type TickerEvent struct {
	Symbol    string
	Bid       SideUpdate
	Ask       SideUpdate
	Timestamp time.Time // zero when the message carried no ts
}

// ControlEvent is an op reply such as a subscribe ack or pong
type ControlEvent struct {
	Op      string
	Success bool
	Message string
}

// IgnoredEvent is a well-formed message for another topic or symbol
type IgnoredEvent struct {
	Topic string
}

func (TickerEvent) kind() string  { return "ticker" }
func (ControlEvent) kind() string { return "control" }
func (IgnoredEvent) kind() string { return "ignored" }

// TopicFor returns the ticker topic of symbol
func TopicFor(symbol string) string {
	return "tickers." + symbol
}

type wireMessage struct {
	Op      *string         `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   *string         `json:"topic"`
	TS      *int64          `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

// Pointer fields distinguish an absent key (nil) from an explicit empty value
type wireTicker struct {
	Symbol    *string `json:"symbol"`
	Bid1Price *string `json:"bid1Price"`
	Bid1Size  *string `json:"bid1Size"`
	Ask1Price *string `json:"ask1Price"`
	Ask1Size  *string `json:"ask1Size"`
}

// Classify parses msg for symbol's session. Errors are always *apperrors.ProtocolError.
func Classify(symbol string, msg []byte) (Event, error) {
	var wire wireMessage
	if err := json.Unmarshal(msg, &wire); err != nil {
		return nil, apperrors.NewProtocolError("invalid JSON", msg, err)
	}

	if wire.Op != nil || (wire.Success != nil && wire.Topic == nil) {
		ev := ControlEvent{Success: true, Message: wire.RetMsg}
		if wire.Op != nil {
			ev.Op = *wire.Op
		}
		if wire.Success != nil {
			ev.Success = *wire.Success
		}
		return ev, nil
	}

	if wire.Topic == nil {
		return nil, apperrors.NewProtocolError("message has neither op nor topic", msg, nil)
	}
	if *wire.Topic != TopicFor(symbol) {
		return IgnoredEvent{Topic: *wire.Topic}, nil
	}

	if len(wire.Data) == 0 || string(wire.Data) == "null" {
		return nil, apperrors.NewProtocolError("ticker without data", msg, nil)
	}
	var data wireTicker
	if err := json.Unmarshal(wire.Data, &data); err != nil {
		return nil, apperrors.NewProtocolError("ticker data is not an object", msg, err)
	}
	if data.Symbol != nil && *data.Symbol != symbol {
		return nil, apperrors.NewProtocolError(
			fmt.Sprintf("ticker data for %s on topic %s", *data.Symbol, *wire.Topic), msg, nil)
	}

	ev := TickerEvent{Symbol: symbol}
	if wire.TS != nil {
		ev.Timestamp = time.UnixMilli(*wire.TS)
	}

	var err error
	if ev.Bid, err = parseSide("bid", data.Bid1Price, data.Bid1Size); err != nil {
		return nil, apperrors.NewProtocolError("bad bid", msg, err)
	}
	if ev.Ask, err = parseSide("ask", data.Ask1Price, data.Ask1Size); err != nil {
		return nil, apperrors.NewProtocolError("bad ask", msg, err)
	}
	return ev, nil
}

// parseSide applies the field presence rules:
// an explicit empty value or a zero size clears the side, both fields present sets it,
// anything else leaves it untouched.
func parseSide(name string, price, size *string) (SideUpdate, error) {
	if (price != nil && *price == "") || (size != nil && *size == "") {
		return SideUpdate{Change: SideCleared}, nil
	}

	var upd SideUpdate
	if size != nil {
		s, err := decimal.NewFromString(*size)
		if err != nil {
			return upd, fmt.Errorf("%s size %q: %w", name, *size, err)
		}
		if s.IsNegative() {
			return upd, fmt.Errorf("%s size %s is negative", name, s)
		}
		if s.IsZero() {
			return SideUpdate{Change: SideCleared}, nil
		}
		upd.Size = s
	}
	if price != nil {
		p, err := decimal.NewFromString(*price)
		if err != nil {
			return upd, fmt.Errorf("%s price %q: %w", name, *price, err)
		}
		upd.Price = p
	}

	if price == nil || size == nil {
		return SideUpdate{Change: SideUnchanged}, nil
	}
	if !upd.Price.IsPositive() {
		return upd, fmt.Errorf("%s price %s must be positive with size %s", name, upd.Price, upd.Size)
	}
	upd.Change = SideSet
	return upd, nil
}
