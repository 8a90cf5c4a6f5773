package marketdata

import (
	"fmt"
	"time"

	"perp_gateway/internal/core"
	apperrors "perp_gateway/pkg/errors"
)

// Book derives top-of-book snapshots from ticker events for one symbol.
// It is owned by a single goroutine.
type Book struct {
	symbol   string
	bid      *core.PriceLevel
	ask      *core.PriceLevel
	everSeen bool
	lastTS   time.Time
	seq      uint64
}

// NewBook creates an empty book
func NewBook(symbol string) *Book {
	return &Book{symbol: symbol}
}

func applySide(prev *core.PriceLevel, upd SideUpdate) *core.PriceLevel {
	switch upd.Change {
	case SideSet:
		return &core.PriceLevel{Price: upd.Price, Size: upd.Size}
	case SideCleared:
		return nil
	}
	return prev
}

// Apply folds ev into the book. emit is false until some side has ever held a value.
// A crossed result leaves the book untouched and returns an error wrapping ErrCrossedBook.
func (b *Book) Apply(ev TickerEvent, now time.Time) (snap core.OrderBookSnapshot, emit bool, err error) {
	bid := applySide(b.bid, ev.Bid)
	ask := applySide(b.ask, ev.Ask)

	if bid != nil && ask != nil && bid.Price.GreaterThanOrEqual(ask.Price) {
		return core.OrderBookSnapshot{}, false, fmt.Errorf("%w: bid %s >= ask %s", apperrors.ErrCrossedBook, bid.Price, ask.Price)
	}

	b.bid, b.ask = bid, ask
	if bid != nil || ask != nil {
		b.everSeen = true
	}
	if !b.everSeen {
		return core.OrderBookSnapshot{}, false, nil
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = now
	}
	if ts.Before(b.lastTS) {
		ts = b.lastTS
	}
	b.lastTS = ts
	b.seq++

	return core.OrderBookSnapshot{
		Symbol:    b.symbol,
		Bid:       bid,
		Ask:       ask,
		Timestamp: ts,
		Sequence:  b.seq,
	}.Clone(), true, nil
}
