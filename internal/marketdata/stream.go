package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"perp_gateway/internal/core"
	apperrors "perp_gateway/pkg/errors"
	"perp_gateway/pkg/retry"
	"perp_gateway/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StreamOptions tunes a Stream
type StreamOptions struct {
	Backoff retry.BackoffConfig
	// DegradedAfter is the number of consecutive failed sessions before the stream reports Degraded.
	// A session fails when it cannot connect, or drops before emitting a snapshot and before
	// Backoff.StableAfter has elapsed.
	DegradedAfter int
	Sink          core.ISink
}

type subscriber struct {
	id uint64
	fn func(core.OrderBookSnapshot)
}

// Stream keeps one symbol's session alive, derives snapshots and fans them out.
// Snapshots are delivered in message order; subscribers always get their own copy.
type Stream struct {
	symbol    string
	transport core.ITransport
	opts      StreamOptions
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder
	attrs     metric.MeasurementOption

	book    *Book
	backoff *retry.Backoff
	latest  atomic.Value // core.OrderBookSnapshot
	emitted atomic.Uint64
	status  atomic.Value // core.SessionStatus

	subMu    sync.RWMutex
	subs     []subscriber
	nextID   uint64
	onStatus []func(symbol string, status core.SessionStatus)

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewStream creates a Stream for symbol
func NewStream(symbol string, transport core.ITransport, opts StreamOptions, logger core.ILogger) *Stream {
	if opts.DegradedAfter <= 0 {
		opts.DegradedAfter = 3
	}
	if opts.Backoff == (retry.BackoffConfig{}) {
		opts.Backoff = retry.DefaultReconnectBackoff
	}

	s := &Stream{
		symbol:    symbol,
		transport: transport,
		opts:      opts,
		logger:    logger.WithField("component", "market_data_stream").WithField("symbol", symbol),
		metrics:   telemetry.GetGlobalMetrics(),
		attrs:     metric.WithAttributes(attribute.String("symbol", symbol)),
		book:      NewBook(symbol),
		backoff:   retry.NewBackoff(opts.Backoff),
		now:       time.Now,
		sleep:     sleepCtx,
	}
	if m := opts.Backoff.Multiplier; m != 0 && m != s.backoff.Config().Multiplier {
		s.logger.Warn("Reconnect multiplier raised", "requested", m, "effective", s.backoff.Config().Multiplier)
	}
	s.status.Store(core.SessionStatusStopped)
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Symbol returns the stream's symbol
func (s *Stream) Symbol() string {
	return s.symbol
}

// Subscribe registers fn; delivery follows registration order.
// A panicking subscriber is logged and does not affect the others.
func (s *Stream) Subscribe(fn func(core.OrderBookSnapshot)) (unsubscribe func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscriber{id: id, fn: fn})

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeChan delivers snapshots on a buffered channel. When the consumer falls behind
// snapshots are dropped with a warning; the channel is never closed.
func (s *Stream) SubscribeChan(buffer int) (<-chan core.OrderBookSnapshot, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan core.OrderBookSnapshot, buffer)
	unsubscribe := s.Subscribe(func(snap core.OrderBookSnapshot) {
		select {
		case ch <- snap:
		default:
			s.logger.Warn("Snapshot channel full, dropping", "sequence", snap.Sequence)
		}
	})
	return ch, unsubscribe
}

// OnStatusChange registers a hook called on every status transition.
// Register hooks before Run.
func (s *Stream) OnStatusChange(fn func(symbol string, status core.SessionStatus)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.onStatus = append(s.onStatus, fn)
}

// Latest returns the last snapshot. ok is false when nothing was ever received;
// Stale marks a snapshot kept across a dropped session.
func (s *Stream) Latest() (core.OrderBookSnapshot, bool) {
	v := s.latest.Load()
	if v == nil {
		return core.OrderBookSnapshot{}, false
	}
	return v.(core.OrderBookSnapshot).Clone(), true
}

// Status returns the current session status
func (s *Stream) Status() core.SessionStatus {
	return s.status.Load().(core.SessionStatus)
}

// HealthCheck fails while the stream is degraded
func (s *Stream) HealthCheck() error {
	if st := s.Status(); st == core.SessionStatusDegraded {
		return fmt.Errorf("stream %s %s", s.symbol, st)
	}
	return nil
}

// Run connects, receives and reconnects with backoff until ctx is cancelled.
// Connection and protocol failures never escape; it always returns nil.
func (s *Stream) Run(ctx context.Context) error {
	defer s.setStatus(core.SessionStatusStopped)

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if failures < s.opts.DegradedAfter {
			s.setStatus(core.SessionStatusConnecting)
		}

		session, err := Connect(ctx, s.transport, s.symbol)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if failures >= s.opts.DegradedAfter {
				s.setStatus(core.SessionStatusDegraded)
			}
			if !s.wait(ctx, err, failures) {
				return nil
			}
			continue
		}

		// a degraded stream stays degraded until the session delivers data
		if failures < s.opts.DegradedAfter {
			s.setStatus(core.SessionStatusLive)
		}
		started := s.now()
		emittedBefore := s.emitted.Load()

		err = session.Run(ctx, s.handleMessage)
		_ = session.Close()
		if ctx.Err() != nil {
			return nil
		}

		s.markStale()
		stable := s.backoff.ObserveUptime(s.now().Sub(started))
		if stable {
			s.logger.Debug("Session was stable, backoff reset")
		}
		if stable || s.emitted.Load() > emittedBefore {
			failures = 0
		} else {
			failures++
		}
		if failures >= s.opts.DegradedAfter {
			s.setStatus(core.SessionStatusDegraded)
		} else {
			s.setStatus(core.SessionStatusConnecting)
		}
		if !s.wait(ctx, err, failures) {
			return nil
		}
	}
}

func (s *Stream) wait(ctx context.Context, cause error, failures int) bool {
	delay := s.backoff.Next()
	s.metrics.Reconnects.Add(ctx, 1, s.attrs)
	s.logger.Warn("Session down, reconnecting", "error", cause, "attempt", failures+1, "delay", delay)
	return s.sleep(ctx, delay) == nil
}

func (s *Stream) setStatus(status core.SessionStatus) {
	prev := s.status.Swap(status)
	if prev == status {
		return
	}

	var gauge int64
	switch status {
	case core.SessionStatusConnecting:
		gauge = telemetry.StreamStatusConnecting
	case core.SessionStatusLive:
		gauge = telemetry.StreamStatusLive
	case core.SessionStatusDegraded:
		gauge = telemetry.StreamStatusDegraded
	default:
		gauge = telemetry.StreamStatusStopped
	}
	s.metrics.SetStreamStatus(s.symbol, gauge)

	if status == core.SessionStatusDegraded {
		s.logger.Error("Market data stream degraded", "from", prev)
	} else {
		s.logger.Info("Market data stream status changed", "from", prev, "to", status)
	}

	s.subMu.RLock()
	hooks := append([]func(string, core.SessionStatus){}, s.onStatus...)
	s.subMu.RUnlock()
	for _, hook := range hooks {
		hook(s.symbol, status)
	}
}

// markStale flags the retained snapshot and fans it out once, keeping its sequence and timestamp
func (s *Stream) markStale() {
	v := s.latest.Load()
	if v == nil {
		return
	}
	snap := v.(core.OrderBookSnapshot)
	if snap.Stale {
		return
	}
	snap.Stale = true
	s.latest.Store(snap)
	s.fanOut(snap)
}

func (s *Stream) handleMessage(msg []byte) {
	ev, err := Classify(s.symbol, msg)
	if err != nil {
		s.protocolError(err)
		return
	}

	switch e := ev.(type) {
	case ControlEvent:
		if !e.Success {
			s.logger.Error("Control request failed", "op", e.Op, "message", e.Message)
		}
	case IgnoredEvent:
		s.logger.Debug("Ignoring message", "topic", e.Topic)
	case TickerEvent:
		snap, emit, err := s.book.Apply(e, s.now())
		if err != nil {
			s.protocolError(err)
			return
		}
		if emit {
			s.publish(snap)
		}
	}
}

func (s *Stream) protocolError(err error) {
	s.metrics.ProtocolErrors.Add(context.Background(), 1, s.attrs)
	var perr *apperrors.ProtocolError
	if errors.As(err, &perr) && len(perr.Payload) > 0 {
		s.logger.Warn("Dropping message", "error", err, "payload", string(perr.Payload))
		return
	}
	s.logger.Warn("Dropping message", "error", err)
}

func (s *Stream) publish(snap core.OrderBookSnapshot) {
	s.latest.Store(snap)
	s.emitted.Add(1)
	if s.Status() == core.SessionStatusDegraded {
		s.setStatus(core.SessionStatusLive)
	}
	s.metrics.SnapshotsEmitted.Add(context.Background(), 1, s.attrs)
	s.fanOut(snap)
}

func (s *Stream) fanOut(snap core.OrderBookSnapshot) {
	if s.opts.Sink != nil {
		s.opts.Sink.RecordSnapshot(snap.Clone())
	}

	s.subMu.RLock()
	subs := append([]subscriber(nil), s.subs...)
	s.subMu.RUnlock()

	for _, sub := range subs {
		s.deliver(sub, snap.Clone())
	}
}

func (s *Stream) deliver(sub subscriber, snap core.OrderBookSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Subscriber panicked", "subscriber", sub.id, "panic", r)
		}
	}()
	sub.fn(snap)
}
