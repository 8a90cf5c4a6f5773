// Package portfolio keeps the local position estimate and reconciles it against the exchange
package portfolio

import (
	"sort"
	"sync"

	"perp_gateway/internal/core"

	"github.com/shopspring/decimal"
)

// PositionBook is the local position estimate per symbol, driven by fills and
// overwritten by remote truth on reconciliation
type PositionBook struct {
	mu        sync.RWMutex
	positions map[string]core.Position
}

// NewPositionBook creates an empty book
func NewPositionBook() *PositionBook {
	return &PositionBook{positions: make(map[string]core.Position)}
}

// ApplyFill moves the position of trade.Symbol by the signed fill quantity
func (b *PositionBook) ApplyFill(trade core.Trade) {
	qty := trade.Quantity
	if trade.Side == core.OrderSideSell {
		qty = qty.Neg()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[trade.Symbol]
	if !ok {
		pos = core.FlatPosition(trade.Symbol)
	}
	before := pos.SignedSize()
	after := before.Add(qty)

	switch {
	case after.IsZero():
		pos.EntryPrice = nil
	case before.IsZero() || before.Sign() != after.Sign():
		// opened or flipped: the new exposure was all bought at this price
		entry := trade.Price
		pos.EntryPrice = &entry
	case after.Abs().GreaterThan(before.Abs()) && pos.EntryPrice != nil:
		notional := pos.EntryPrice.Mul(before.Abs()).Add(trade.Price.Mul(qty.Abs()))
		entry := notional.Div(after.Abs())
		pos.EntryPrice = &entry
	}

	pos.Size = after.Abs()
	switch after.Sign() {
	case 1:
		pos.Side = core.PositionSideLong
	case -1:
		pos.Side = core.PositionSideShort
	default:
		pos.Side = core.PositionSideFlat
	}
	b.positions[trade.Symbol] = pos
}

// Adopt replaces the local position with pos
func (b *PositionBook) Adopt(pos core.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[pos.Symbol] = clonePosition(pos)
}

// Get returns the position of symbol, flat when nothing is known
func (b *PositionBook) Get(symbol string) core.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.positions[symbol]
	if !ok {
		return core.FlatPosition(symbol)
	}
	return clonePosition(pos)
}

// Known reports whether symbol was ever filled or adopted
func (b *PositionBook) Known(symbol string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.positions[symbol]
	return ok
}

// Symbols returns every known symbol, sorted
func (b *PositionBook) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.positions))
	for sym := range b.positions {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func clonePosition(p core.Position) core.Position {
	out := p
	out.EntryPrice = cloneDecimal(p.EntryPrice)
	out.MarkPrice = cloneDecimal(p.MarkPrice)
	out.UnrealizedPnl = cloneDecimal(p.UnrealizedPnl)
	out.RealizedPnl = cloneDecimal(p.RealizedPnl)
	out.Leverage = cloneDecimal(p.Leverage)
	out.Margin = cloneDecimal(p.Margin)
	return out
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
