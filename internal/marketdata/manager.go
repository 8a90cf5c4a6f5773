package marketdata

import (
	"context"
	"fmt"

	"perp_gateway/internal/core"

	"golang.org/x/sync/errgroup"
)

// TransportFactory builds the transport for one symbol's session
type TransportFactory func(symbol string) core.ITransport

// Manager runs one independent Stream per symbol
type Manager struct {
	streams map[string]*Stream
	order   []string
	logger  core.ILogger
}

// NewManager creates a stream per symbol; symbols must be unique
func NewManager(symbols []string, factory TransportFactory, opts StreamOptions, logger core.ILogger) (*Manager, error) {
	m := &Manager{
		streams: make(map[string]*Stream, len(symbols)),
		logger:  logger.WithField("component", "market_data_manager"),
	}
	for _, sym := range symbols {
		if _, dup := m.streams[sym]; dup {
			return nil, fmt.Errorf("duplicate symbol %s", sym)
		}
		m.streams[sym] = NewStream(sym, factory(sym), opts, logger)
		m.order = append(m.order, sym)
	}
	return m, nil
}

// Stream returns the stream of symbol
func (m *Manager) Stream(symbol string) (*Stream, bool) {
	s, ok := m.streams[symbol]
	return s, ok
}

// Symbols returns symbols in configuration order
func (m *Manager) Symbols() []string {
	return append([]string(nil), m.order...)
}

// Subscribe registers fn on every stream
func (m *Manager) Subscribe(fn func(core.OrderBookSnapshot)) (unsubscribe func()) {
	unsubs := make([]func(), 0, len(m.order))
	for _, sym := range m.order {
		unsubs = append(unsubs, m.streams[sym].Subscribe(fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Run runs all streams until ctx is cancelled. Streams only return on shutdown,
// so one symbol's trouble never cancels the others.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sym := range m.order {
		stream := m.streams[sym]
		g.Go(func() error {
			return stream.Run(ctx)
		})
	}
	m.logger.Info("Market data streams started", "symbols", m.order)
	return g.Wait()
}
