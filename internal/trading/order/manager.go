package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"perp_gateway/internal/core"
	apperrors "perp_gateway/pkg/errors"
	"perp_gateway/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Sink event names
const (
	EventSubmitted      = "submitted"
	EventRejected       = "rejected"
	EventUnknownOutcome = "unknown_outcome"
	EventUnplaced       = "unplaced"
	EventUpdated        = "updated"
	EventFilled         = "fill"
	EventCancelled      = "cancelled"
)

// Config tunes the Manager
type Config struct {
	RequestTimeout time.Duration
	TimeInForce    core.TimeInForce
}

// SubmitRequest describes a new order. Price is required for Limit orders only.
type SubmitRequest struct {
	Symbol      string
	Side        core.OrderSide
	Type        core.OrderType
	Quantity    decimal.Decimal
	Price       *decimal.Decimal
	TimeInForce core.TimeInForce
	ReduceOnly  bool
}

// CancelResult is the outcome of Cancel
type CancelResult struct {
	Order core.Order
	// AlreadyTerminal is set when the order had finished before the cancel took effect
	AlreadyTerminal bool
}

type tracked struct {
	order        core.Order
	fills        []core.Trade
	tradeIDs     map[string]struct{}
	fillQty      decimal.Decimal
	fillNotional decimal.Decimal
}

type pendingOrder struct {
	order    core.Order
	inflight bool
}

// Manager owns every order record. Readers always receive copies.
type Manager struct {
	gateway core.IOrderGateway
	sink    core.ISink
	cfg     Config
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
	tracer  trace.Tracer

	mu         sync.RWMutex
	orders     map[string]*tracked
	byClientID map[string]string
	pending    map[string]*pendingOrder

	hookMu sync.RWMutex
	onFill []func(core.Trade)

	newClientID func() string
	now         func() time.Time
}

// NewManager creates a Manager. sink may be nil.
func NewManager(gateway core.IOrderGateway, sink core.ISink, cfg Config, logger core.ILogger) *Manager {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.TimeInForce == "" {
		cfg.TimeInForce = core.TimeInForceGTC
	}
	return &Manager{
		gateway:     gateway,
		sink:        sink,
		cfg:         cfg,
		logger:      logger.WithField("component", "order_manager"),
		metrics:     telemetry.GetGlobalMetrics(),
		tracer:      telemetry.GetTracer("order-manager"),
		orders:      make(map[string]*tracked),
		byClientID:  make(map[string]string),
		pending:     make(map[string]*pendingOrder),
		newClientID: uuid.NewString,
		now:         time.Now,
	}
}

// OnFill registers fn to be called with every newly applied fill
func (m *Manager) OnFill(fn func(core.Trade)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onFill = append(m.onFill, fn)
}

func validate(req SubmitRequest) error {
	switch {
	case req.Symbol == "":
		return fmt.Errorf("%w: symbol is required", apperrors.ErrInvalidOrderParameter)
	case !req.Side.Valid():
		return fmt.Errorf("%w: side %q", apperrors.ErrInvalidOrderParameter, req.Side)
	case !req.Type.Valid():
		return fmt.Errorf("%w: type %q", apperrors.ErrInvalidOrderParameter, req.Type)
	case !req.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive, got %s", apperrors.ErrInvalidOrderParameter, req.Quantity)
	case req.Type == core.OrderTypeLimit && req.Price == nil:
		return fmt.Errorf("%w: limit order requires a price", apperrors.ErrInvalidOrderParameter)
	case req.Type == core.OrderTypeMarket && req.Price != nil:
		return fmt.Errorf("%w: market order must not carry a price", apperrors.ErrInvalidOrderParameter)
	case req.Price != nil && !req.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive, got %s", apperrors.ErrInvalidOrderParameter, req.Price)
	}
	return nil
}

// Submit sends one order request and never retries it.
//
// On acceptance the order is tracked as New. An explicit rejection returns the order in status
// Rejected together with a *RejectionError. A failure wrapping ErrRequestNotSent returns an
// empty Order and tracks nothing. Any other failure may have placed the order, so it is kept
// as a pending submission keyed by its client order id and the error wraps ErrOutcomeUnknown;
// the reconciler resolves it later.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (core.Order, error) {
	if err := validate(req); err != nil {
		return core.Order{}, err
	}
	if req.TimeInForce == "" {
		req.TimeInForce = m.cfg.TimeInForce
	}

	clientID := m.newClientID()
	ctx, span := m.tracer.Start(ctx, "SubmitOrder", trace.WithAttributes(
		attribute.String("symbol", req.Symbol),
		attribute.String("side", string(req.Side)),
		attribute.String("client_order_id", clientID),
	))
	defer span.End()

	now := m.now()
	order := core.Order{
		ClientOrderID:  clientID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Quantity:       req.Quantity,
		Status:         core.OrderStatusNew,
		FilledQuantity: decimal.Zero,
		TimeInForce:    req.TimeInForce,
		ReduceOnly:     req.ReduceOnly,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	wire := core.OrderRequest{
		ClientOrderID: clientID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity.String(),
		TimeInForce:   req.TimeInForce,
		ReduceOnly:    req.ReduceOnly,
	}
	if req.Price != nil {
		p := *req.Price
		order.LimitPrice = &p
		wire.Price = p.String()
	}

	// Registered before the call so that a push arriving ahead of the ack can be matched.
	m.mu.Lock()
	m.pending[clientID] = &pendingOrder{order: order, inflight: true}
	m.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("symbol", req.Symbol))
	m.metrics.OrdersSubmitted.Add(ctx, 1, attrs)

	// Shutdown must not abort a request already on the wire; only the timeout bounds it.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RequestTimeout)
	defer cancel()
	ack, err := m.gateway.PlaceOrder(callCtx, wire)

	if err != nil {
		span.RecordError(err)
		return m.submitFailed(ctx, order, callCtx.Err(), err, attrs)
	}

	m.mu.Lock()
	delete(m.pending, clientID)
	if id, ok := m.byClientID[clientID]; ok {
		// a pushed event already promoted it
		out := m.orders[id].order.Clone()
		m.mu.Unlock()
		return out, nil
	}
	order.OrderID = ack.OrderID
	m.track(order)
	m.mu.Unlock()

	m.logger.Info("Order submitted",
		"order_id", order.OrderID,
		"client_order_id", clientID,
		"symbol", order.Symbol,
		"side", order.Side,
		"type", order.Type,
		"quantity", order.Quantity,
		"price", wire.Price)
	m.record(order, EventSubmitted)
	return order.Clone(), nil
}

func (m *Manager) submitFailed(ctx context.Context, order core.Order, callErr, err error, attrs metric.MeasurementOption) (core.Order, error) {
	clientID := order.ClientOrderID

	var rej *apperrors.RejectionError
	switch {
	case errors.As(err, &rej):
		m.mu.Lock()
		delete(m.pending, clientID)
		m.mu.Unlock()

		order.Status = core.OrderStatusRejected
		order.RejectReason = rej.Reason
		order.UpdatedAt = m.now()
		m.metrics.OrdersRejected.Add(ctx, 1, attrs)
		m.logger.Warn("Order rejected",
			"client_order_id", clientID,
			"symbol", order.Symbol,
			"code", rej.Code,
			"reason", rej.Reason)
		m.record(order, EventRejected)
		return order.Clone(), err

	case errors.Is(err, apperrors.ErrRequestNotSent):
		m.mu.Lock()
		delete(m.pending, clientID)
		m.mu.Unlock()

		m.logger.Error("Order submission failed before sending",
			"client_order_id", clientID,
			"symbol", order.Symbol,
			"error", err)
		return core.Order{}, err

	default:
		m.mu.Lock()
		if p, ok := m.pending[clientID]; ok {
			p.inflight = false
		}
		m.mu.Unlock()

		if errors.Is(callErr, context.DeadlineExceeded) && !apperrors.IsTimeout(err) {
			err = fmt.Errorf("%w: %w", apperrors.ErrTimeout, err)
		}
		if !errors.Is(err, apperrors.ErrOutcomeUnknown) {
			err = fmt.Errorf("%w: %w", apperrors.ErrOutcomeUnknown, err)
		}
		m.metrics.OrderTimeouts.Add(ctx, 1, attrs)
		m.logger.Warn("Order outcome unknown, pending reconciliation",
			"client_order_id", clientID,
			"symbol", order.Symbol,
			"error", err)
		m.record(order, EventUnknownOutcome)
		return order.Clone(), err
	}
}

// track stores order under its exchange id; caller holds mu
func (m *Manager) track(order core.Order) *tracked {
	t := &tracked{
		order:        order,
		tradeIDs:     make(map[string]struct{}),
		fillQty:      decimal.Zero,
		fillNotional: decimal.Zero,
	}
	m.orders[order.OrderID] = t
	if order.ClientOrderID != "" {
		m.byClientID[order.ClientOrderID] = order.OrderID
	}
	return t
}

// lookup finds the tracked order of ev, promoting a pending submission when the event
// carries its client order id; caller holds mu
func (m *Manager) lookup(ev core.OrderEvent) *tracked {
	if t, ok := m.orders[ev.OrderID]; ok {
		return t
	}
	if ev.ClientOrderID == "" || ev.OrderID == "" {
		return nil
	}
	if id, ok := m.byClientID[ev.ClientOrderID]; ok {
		return m.orders[id]
	}
	p, ok := m.pending[ev.ClientOrderID]
	if !ok {
		return nil
	}
	delete(m.pending, ev.ClientOrderID)
	order := p.order
	order.OrderID = ev.OrderID
	m.logger.Info("Pending order matched by client order id",
		"order_id", ev.OrderID,
		"client_order_id", ev.ClientOrderID)
	return m.track(order)
}

// ApplyUpdate folds an exchange event into the tracked order.
//
// Events for untracked orders return ErrUnknownOrder. Events that would revert a terminal
// order, skip the transition table or overfill return a *ProtocolError and change nothing.
// Fills are deduplicated by trade id.
func (m *Manager) ApplyUpdate(ev core.OrderEvent) error {
	m.mu.Lock()
	t := m.lookup(ev)
	if t == nil {
		m.mu.Unlock()
		m.logger.Warn("Update for unknown order ignored",
			"order_id", ev.OrderID,
			"client_order_id", ev.ClientOrderID,
			"source", ev.Source)
		return fmt.Errorf("%w: %s", apperrors.ErrUnknownOrder, ev.OrderID)
	}

	next, fill, err := m.fold(t, ev)
	if err != nil {
		m.mu.Unlock()
		m.metrics.ProtocolErrors.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("symbol", t.order.Symbol)))
		m.logger.Warn("Order update rejected",
			"order_id", t.order.OrderID,
			"status", t.order.Status,
			"event_status", ev.Status,
			"source", ev.Source,
			"error", err)
		return err
	}

	changed := next.Status != t.order.Status || !next.FilledQuantity.Equal(t.order.FilledQuantity)
	if fill != nil {
		t.fills = append(t.fills, *fill)
		if fill.TradeID != "" {
			t.tradeIDs[fill.TradeID] = struct{}{}
		}
		t.fillQty = t.fillQty.Add(fill.Quantity)
		t.fillNotional = t.fillNotional.Add(fill.Quantity.Mul(fill.Price))
	}
	t.order = next
	out := next.Clone()
	m.mu.Unlock()

	if fill != nil {
		m.metrics.FillsApplied.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("symbol", out.Symbol)))
		m.logger.Info("Fill applied",
			"order_id", out.OrderID,
			"trade_id", fill.TradeID,
			"quantity", fill.Quantity,
			"price", fill.Price,
			"filled", out.FilledQuantity,
			"status", out.Status)
		m.record(out, EventFilled)
		m.notifyFill(*fill)
		return nil
	}
	if changed {
		m.logger.Info("Order updated",
			"order_id", out.OrderID,
			"status", out.Status,
			"filled", out.FilledQuantity,
			"source", ev.Source)
		event := EventUpdated
		if out.Status == core.OrderStatusCancelled {
			event = EventCancelled
		}
		m.record(out, event)
	}
	return nil
}

// fold computes the order that results from ev without mutating t; caller holds mu
func (m *Manager) fold(t *tracked, ev core.OrderEvent) (core.Order, *core.Trade, error) {
	cur := t.order
	next := cur.Clone()

	if ev.Symbol != "" && ev.Symbol != cur.Symbol {
		return cur, nil, apperrors.NewProtocolError(
			fmt.Sprintf("event symbol %s does not match order symbol %s", ev.Symbol, cur.Symbol), nil, nil)
	}
	if cur.Status.IsTerminal() && ev.Status != "" && ev.Status != cur.Status {
		return cur, nil, apperrors.NewProtocolError(
			fmt.Sprintf("order %s is %s, refusing %s", cur.OrderID, cur.Status, ev.Status), nil, nil)
	}

	fillQty := t.fillQty
	fillNotional := t.fillNotional
	var fill *core.Trade
	if ev.Fill != nil {
		if _, dup := t.tradeIDs[ev.Fill.TradeID]; dup && ev.Fill.TradeID != "" {
			m.logger.Debug("Duplicate fill ignored", "order_id", cur.OrderID, "trade_id", ev.Fill.TradeID)
		} else {
			if !ev.Fill.Quantity.IsPositive() || !ev.Fill.Price.IsPositive() {
				return cur, nil, apperrors.NewProtocolError(
					fmt.Sprintf("fill %s has quantity %s price %s", ev.Fill.TradeID, ev.Fill.Quantity, ev.Fill.Price), nil, nil)
			}
			f := *ev.Fill
			f.OrderID = cur.OrderID
			if f.Symbol == "" {
				f.Symbol = cur.Symbol
			}
			if f.Side == "" {
				f.Side = cur.Side
			}
			fill = &f
			fillQty = fillQty.Add(f.Quantity)
			fillNotional = fillNotional.Add(f.Quantity.Mul(f.Price))
		}
	}

	filled := decimal.Max(cur.FilledQuantity, fillQty)
	if ev.CumFilledQty != nil {
		filled = decimal.Max(filled, *ev.CumFilledQty)
	}
	if filled.GreaterThan(cur.Quantity) {
		return cur, nil, apperrors.NewProtocolError(
			fmt.Sprintf("order %s overfilled: %s of %s", cur.OrderID, filled, cur.Quantity), nil, nil)
	}
	next.FilledQuantity = filled

	switch {
	case fillQty.IsPositive() && fillQty.GreaterThanOrEqual(filled):
		avg := fillNotional.Div(fillQty)
		next.AverageFillPrice = &avg
	case ev.AvgPrice != nil && ev.AvgPrice.IsPositive() && filled.GreaterThan(cur.FilledQuantity):
		avg := *ev.AvgPrice
		next.AverageFillPrice = &avg
	}

	if !cur.Status.IsTerminal() {
		target := ev.Status
		if target == "" || !target.IsTerminal() {
			switch {
			case filled.Equal(cur.Quantity):
				target = core.OrderStatusFilled
			case filled.IsPositive():
				target = core.OrderStatusPartiallyFilled
			case target == "":
				target = cur.Status
			}
		}
		if !CanTransition(cur.Status, target) {
			return cur, nil, apperrors.NewProtocolError(
				fmt.Sprintf("order %s cannot move from %s to %s", cur.OrderID, cur.Status, target), nil, nil)
		}
		next.Status = target
		if target == core.OrderStatusRejected && ev.RejectReason != "" {
			next.RejectReason = ev.RejectReason
		}
	}

	next.UpdatedAt = ev.Timestamp
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = m.now()
	}
	return next, fill, nil
}

// Cancel asks the exchange to cancel orderID. Cancelling an order that is already terminal
// is a no-op reported through CancelResult.AlreadyTerminal. When the exchange no longer knows
// the order the local state is left for reconciliation and ErrOrderNotFound is returned.
func (m *Manager) Cancel(ctx context.Context, orderID string) (CancelResult, error) {
	m.mu.RLock()
	t, ok := m.orders[orderID]
	var order core.Order
	if ok {
		order = t.order.Clone()
	}
	m.mu.RUnlock()

	if !ok {
		return CancelResult{}, fmt.Errorf("%w: %s", apperrors.ErrUnknownOrder, orderID)
	}
	if order.Status.IsTerminal() {
		m.logger.Info("Cancel skipped, order already terminal", "order_id", orderID, "status", order.Status)
		return CancelResult{Order: order, AlreadyTerminal: true}, nil
	}

	ctx, span := m.tracer.Start(ctx, "CancelOrder", trace.WithAttributes(
		attribute.String("symbol", order.Symbol),
		attribute.String("order_id", orderID),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RequestTimeout)
	defer cancel()
	if err := m.gateway.CancelOrder(callCtx, order.Symbol, orderID); err != nil {
		span.RecordError(err)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, apperrors.ErrTimeout) {
			err = fmt.Errorf("%w: %w", apperrors.ErrTimeout, err)
		}
		m.logger.Warn("Cancel failed", "order_id", orderID, "error", err)
		return CancelResult{Order: order}, err
	}

	err := m.ApplyUpdate(core.OrderEvent{
		OrderID: orderID,
		Symbol:  order.Symbol,
		Status:  core.OrderStatusCancelled,
		Source:  core.EventSourceLocal,
	})
	current, _ := m.Get(orderID)
	if err != nil && current.Status.IsTerminal() {
		// finished by a concurrent update before the cancel was applied
		return CancelResult{Order: current, AlreadyTerminal: true}, nil
	}
	return CancelResult{Order: current}, err
}

// Get returns a copy of the order
func (m *Manager) Get(orderID string) (core.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.orders[orderID]
	if !ok {
		return core.Order{}, false
	}
	return t.order.Clone(), true
}

// GetByClientID returns a copy of the tracked order with clientOrderID
func (m *Manager) GetByClientID(clientOrderID string) (core.Order, bool) {
	m.mu.RLock()
	id, ok := m.byClientID[clientOrderID]
	m.mu.RUnlock()
	if !ok {
		return core.Order{}, false
	}
	return m.Get(id)
}

// Open returns copies of every non-terminal order, oldest first
func (m *Manager) Open() []core.Order {
	return m.collect(func(o core.Order) bool { return !o.Status.IsTerminal() })
}

// All returns copies of every tracked order, oldest first
func (m *Manager) All() []core.Order {
	return m.collect(func(core.Order) bool { return true })
}

func (m *Manager) collect(keep func(core.Order) bool) []core.Order {
	m.mu.RLock()
	out := make([]core.Order, 0, len(m.orders))
	for _, t := range m.orders {
		if keep(t.order) {
			out = append(out, t.order.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Fills returns the fills applied to orderID in arrival order
func (m *Manager) Fills(orderID string) []core.Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.orders[orderID]
	if !ok {
		return nil
	}
	return append([]core.Trade(nil), t.fills...)
}

// Purge forgets a terminal order. Open orders are kept and false is returned.
func (m *Manager) Purge(orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.orders[orderID]
	if !ok || !t.order.Status.IsTerminal() {
		return false
	}
	m.forget(t)
	return true
}

// PurgeTerminal forgets every terminal order and returns how many were removed
func (m *Manager) PurgeTerminal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.orders {
		if t.order.Status.IsTerminal() {
			m.forget(t)
			n++
		}
	}
	if n > 0 {
		m.logger.Debug("Purged terminal orders", "count", n)
	}
	return n
}

func (m *Manager) forget(t *tracked) {
	delete(m.orders, t.order.OrderID)
	if t.order.ClientOrderID != "" {
		delete(m.byClientID, t.order.ClientOrderID)
	}
}

// Pending returns submissions whose outcome is unknown. Requests still waiting for an
// answer are not included.
func (m *Manager) Pending() []core.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Order, 0, len(m.pending))
	for _, p := range m.pending {
		if !p.inflight {
			out = append(out, p.order.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ResolvePending settles an unknown-outcome submission. When the exchange has no such order
// the submission is dropped; otherwise the order is tracked and brought up to the remote state.
func (m *Manager) ResolvePending(clientOrderID string, remote core.Order, found bool) error {
	m.mu.Lock()
	p, ok := m.pending[clientOrderID]
	if !ok || p.inflight {
		m.mu.Unlock()
		return fmt.Errorf("%w: pending %s", apperrors.ErrUnknownOrder, clientOrderID)
	}

	if !found {
		delete(m.pending, clientOrderID)
		m.mu.Unlock()
		m.logger.Info("Pending order was never placed", "client_order_id", clientOrderID)
		m.record(p.order, EventUnplaced)
		return nil
	}
	if remote.OrderID == "" {
		m.mu.Unlock()
		return apperrors.NewProtocolError("remote order without id for "+clientOrderID, nil, nil)
	}
	m.mu.Unlock()

	m.logger.Info("Pending order found on exchange",
		"client_order_id", clientOrderID,
		"order_id", remote.OrderID,
		"status", remote.Status)

	cum := remote.FilledQuantity
	return m.ApplyUpdate(core.OrderEvent{
		OrderID:       remote.OrderID,
		ClientOrderID: clientOrderID,
		Symbol:        remote.Symbol,
		Status:        remote.Status,
		CumFilledQty:  &cum,
		AvgPrice:      remote.AverageFillPrice,
		RejectReason:  remote.RejectReason,
		Timestamp:     remote.UpdatedAt,
		Source:        core.EventSourceReconcile,
	})
}

// Run applies pushed events in arrival order until ctx is cancelled or events is closed
func (m *Manager) Run(ctx context.Context, events <-chan core.OrderEvent) error {
	m.logger.Info("Order event loop started")
	defer m.logger.Info("Order event loop stopped")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			// failures are logged by ApplyUpdate and never stop the loop
			_ = m.ApplyUpdate(ev)
		}
	}
}

func (m *Manager) record(order core.Order, event string) {
	if m.sink != nil {
		m.sink.RecordOrderEvent(order.Clone(), event)
	}
}

func (m *Manager) notifyFill(trade core.Trade) {
	m.hookMu.RLock()
	hooks := append([]func(core.Trade){}, m.onFill...)
	m.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(trade)
	}
}
