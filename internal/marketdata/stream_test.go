package marketdata

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"perp_gateway/internal/core"
	"perp_gateway/internal/mock"
	apperrors "perp_gateway/pkg/errors"
	"perp_gateway/pkg/logging"
	"perp_gateway/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastBackoff = retry.BackoffConfig{
	Initial:    time.Millisecond,
	Max:        5 * time.Millisecond,
	Multiplier: 2,
}

type recordingSink struct {
	mu    sync.Mutex
	snaps []core.OrderBookSnapshot
}

func (s *recordingSink) RecordSnapshot(snap core.OrderBookSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
}

func (s *recordingSink) RecordOrderEvent(core.Order, string) {}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}

func ticker(sym, body string) string {
	return `{"topic":"tickers.` + sym + `","type":"snapshot","data":{"symbol":"` + sym + `",` + body + `}}`
}

func startStream(t *testing.T, s *Stream) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("stream did not stop")
		}
	}
}

func TestStream_SubscribesAndEmitsInOrder(t *testing.T) {
	transport := mock.NewMockTransport()
	sink := &recordingSink{}
	s := NewStream("BTCUSDT", transport, StreamOptions{Backoff: fastBackoff, Sink: sink}, logging.NewNopLogger())

	var mu sync.Mutex
	var order []string
	var seqs []uint64
	s.Subscribe(func(snap core.OrderBookSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "first")
		seqs = append(seqs, snap.Sequence)
	})
	s.Subscribe(func(core.OrderBookSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "second")
	})

	stop := startStream(t, s)
	defer stop()

	conn := transport.NextConn(time.Second)
	require.NotNil(t, conn)
	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, time.Second, time.Millisecond)
	assert.JSONEq(t, `{"op":"subscribe","args":["tickers.BTCUSDT"]}`, conn.Sent()[0])
	require.Eventually(t, func() bool { return s.Status() == core.SessionStatusLive }, time.Second, time.Millisecond)

	conn.Push(`{"success":true,"op":"subscribe"}`)
	conn.Push(ticker("BTCUSDT", `"bid1Price":"100","bid1Size":"1","ask1Price":"101","ask1Size":"2"`))
	conn.Push(`not json`)
	conn.Push(ticker("BTCUSDT", `"ask1Price":"101.5","ask1Size":"1.5"`))
	conn.Push(ticker("BTCUSDT", `"bid1Price":"102","bid1Size":"1"`)) // crossed, dropped

	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"first", "second", "first", "second"}, order)
	assert.Equal(t, []uint64{1, 2}, seqs)
	mu.Unlock()

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.True(t, latest.Bid.Price.Equal(d("100")))
	assert.True(t, latest.Ask.Price.Equal(d("101.5")))
	assert.False(t, latest.Stale)
}

func TestStream_PanickingSubscriberIsIsolated(t *testing.T) {
	transport := mock.NewMockTransport()
	s := NewStream("BTCUSDT", transport, StreamOptions{Backoff: fastBackoff}, logging.NewNopLogger())

	s.Subscribe(func(core.OrderBookSnapshot) { panic("boom") })
	ch, unsubscribe := s.SubscribeChan(4)
	defer unsubscribe()

	stop := startStream(t, s)
	defer stop()

	conn := transport.NextConn(time.Second)
	require.NotNil(t, conn)
	conn.Push(ticker("BTCUSDT", `"bid1Price":"100","bid1Size":"1"`))
	conn.Push(ticker("BTCUSDT", `"bid1Price":"99","bid1Size":"3"`))

	for i := uint64(1); i <= 2; i++ {
		select {
		case snap := <-ch:
			assert.Equal(t, i, snap.Sequence)
		case <-time.After(time.Second):
			t.Fatalf("snapshot %d not delivered", i)
		}
	}
	assert.Equal(t, core.SessionStatusLive, s.Status())
}

func TestStream_SubscribersGetIndependentCopies(t *testing.T) {
	transport := mock.NewMockTransport()
	s := NewStream("BTCUSDT", transport, StreamOptions{Backoff: fastBackoff}, logging.NewNopLogger())

	s.Subscribe(func(snap core.OrderBookSnapshot) {
		snap.Bid.Price = d("1")
	})
	ch, _ := s.SubscribeChan(1)

	stop := startStream(t, s)
	defer stop()

	conn := transport.NextConn(time.Second)
	require.NotNil(t, conn)
	conn.Push(ticker("BTCUSDT", `"bid1Price":"100","bid1Size":"1"`))

	select {
	case snap := <-ch:
		assert.True(t, snap.Bid.Price.Equal(d("100")))
	case <-time.After(time.Second):
		t.Fatal("no snapshot")
	}
	latest, _ := s.Latest()
	assert.True(t, latest.Bid.Price.Equal(d("100")))
}

func TestStream_ReconnectMarksStale(t *testing.T) {
	transport := mock.NewMockTransport()
	sink := &recordingSink{}
	s := NewStream("BTCUSDT", transport, StreamOptions{Backoff: fastBackoff, Sink: sink}, logging.NewNopLogger())

	var mu sync.Mutex
	var delivered []core.OrderBookSnapshot
	s.Subscribe(func(snap core.OrderBookSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, snap)
	})

	_, ok := s.Latest()
	assert.False(t, ok, "nothing received yet")

	stop := startStream(t, s)
	defer stop()

	conn := transport.NextConn(time.Second)
	require.NotNil(t, conn)
	conn.Push(ticker("BTCUSDT", `"bid1Price":"100","bid1Size":"1"`))
	require.Eventually(t, func() bool { _, ok := s.Latest(); return ok }, time.Second, time.Millisecond)
	before, _ := s.Latest()

	conn.Drop()
	conn2 := transport.NextConn(time.Second)
	require.NotNil(t, conn2, "stream reconnects after the server drops")

	stale, ok := s.Latest()
	require.True(t, ok)
	assert.True(t, stale.Stale)
	assert.Equal(t, before.Timestamp, stale.Timestamp)
	assert.Equal(t, before.Sequence, stale.Sequence)

	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, time.Millisecond)
	mu.Lock()
	require.Len(t, delivered, 2, "subscribers see the stale copy once")
	assert.False(t, delivered[0].Stale)
	assert.True(t, delivered[1].Stale)
	assert.Equal(t, before.Sequence, delivered[1].Sequence)
	assert.Equal(t, before.Timestamp, delivered[1].Timestamp)
	mu.Unlock()

	require.Eventually(t, func() bool { return len(conn2.Sent()) == 1 }, time.Second, time.Millisecond)
	assert.Contains(t, conn2.Sent()[0], "tickers.BTCUSDT", "resubscribes on the new session")

	conn2.Push(ticker("BTCUSDT", `"ask1Price":"101","ask1Size":"1"`))
	require.Eventually(t, func() bool {
		snap, _ := s.Latest()
		return !snap.Stale && snap.Sequence == before.Sequence+1
	}, time.Second, time.Millisecond)

	fresh, _ := s.Latest()
	require.NotNil(t, fresh.Bid, "book survives the reconnect")
	assert.True(t, fresh.Bid.Price.Equal(d("100")))
}

func TestStream_DegradedAfterRepeatedFailures(t *testing.T) {
	transport := mock.NewMockTransport()
	transport.FailNext(1000, apperrors.ErrConnection)
	s := NewStream("BTCUSDT", transport, StreamOptions{Backoff: fastBackoff, DegradedAfter: 2}, logging.NewNopLogger())

	var mu sync.Mutex
	var seen []core.SessionStatus
	s.OnStatusChange(func(symbol string, status core.SessionStatus) {
		assert.Equal(t, "BTCUSDT", symbol)
		mu.Lock()
		seen = append(seen, status)
		mu.Unlock()
	})

	assert.NoError(t, s.HealthCheck())
	stop := startStream(t, s)

	require.Eventually(t, func() bool { return s.Status() == core.SessionStatusDegraded }, time.Second, time.Millisecond)
	err := s.HealthCheck()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "degraded"))
	assert.GreaterOrEqual(t, transport.Attempts(), 2)

	stop()
	assert.Equal(t, core.SessionStatusStopped, s.Status())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []core.SessionStatus{
		core.SessionStatusConnecting,
		core.SessionStatusDegraded,
		core.SessionStatusStopped,
	}, seen)
}

func TestStream_RecoversFromDegraded(t *testing.T) {
	transport := mock.NewMockTransport()
	transport.FailNext(3, apperrors.ErrConnection)
	s := NewStream("BTCUSDT", transport, StreamOptions{Backoff: fastBackoff, DegradedAfter: 2}, logging.NewNopLogger())

	stop := startStream(t, s)
	defer stop()

	conn := transport.NextConn(time.Second)
	require.NotNil(t, conn)
	assert.Equal(t, 4, transport.Attempts())
	assert.Equal(t, core.SessionStatusDegraded, s.Status(), "a handshake alone does not clear degraded")

	conn.Push(ticker("BTCUSDT", `"bid1Price":"100","bid1Size":"1"`))
	require.Eventually(t, func() bool { return s.Status() == core.SessionStatusLive }, time.Second, time.Millisecond)
	assert.NoError(t, s.HealthCheck())
}

func TestStream_DegradedWhenSessionsDropBeforeData(t *testing.T) {
	transport := mock.NewMockTransport()
	s := NewStream("BTCUSDT", transport, StreamOptions{Backoff: fastBackoff, DegradedAfter: 2}, logging.NewNopLogger())

	stop := startStream(t, s)
	defer stop()

	for i := 0; i < 2; i++ {
		conn := transport.NextConn(time.Second)
		require.NotNil(t, conn)
		require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, time.Second, time.Millisecond)
		conn.Drop()
	}

	require.Eventually(t, func() bool { return s.Status() == core.SessionStatusDegraded }, time.Second, time.Millisecond)
	assert.Error(t, s.HealthCheck())

	conn := transport.NextConn(time.Second)
	require.NotNil(t, conn)
	conn.Push(ticker("BTCUSDT", `"bid1Price":"100","bid1Size":"1"`))
	require.Eventually(t, func() bool { _, ok := s.Latest(); return ok }, time.Second, time.Millisecond)
	conn.Drop()

	require.NotNil(t, transport.NextConn(time.Second))
	assert.NotEqual(t, core.SessionStatusDegraded, s.Status(), "a session that delivered data clears the failure count")
}

func TestStream_UnsubscribeStopsDelivery(t *testing.T) {
	transport := mock.NewMockTransport()
	sink := &recordingSink{}
	s := NewStream("BTCUSDT", transport, StreamOptions{Backoff: fastBackoff, Sink: sink}, logging.NewNopLogger())

	var mu sync.Mutex
	calls := 0
	unsubscribe := s.Subscribe(func(core.OrderBookSnapshot) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	stop := startStream(t, s)
	defer stop()

	conn := transport.NextConn(time.Second)
	require.NotNil(t, conn)
	conn.Push(ticker("BTCUSDT", `"bid1Price":"100","bid1Size":"1"`))
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)

	unsubscribe()
	conn.Push(ticker("BTCUSDT", `"bid1Price":"100","bid1Size":"2"`))
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}
