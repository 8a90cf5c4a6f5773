package marketdata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"perp_gateway/internal/core"
	"perp_gateway/internal/mock"
	apperrors "perp_gateway/pkg/errors"
	"perp_gateway/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager_RejectsDuplicates(t *testing.T) {
	factory := func(string) core.ITransport { return mock.NewMockTransport() }
	_, err := NewManager([]string{"BTCUSDT", "BTCUSDT"}, factory, StreamOptions{}, logging.NewNopLogger())
	assert.Error(t, err)
}

func TestManager_SymbolsAreIndependent(t *testing.T) {
	transports := map[string]*mock.MockTransport{
		"BTCUSDT": mock.NewMockTransport(),
		"ETHUSDT": mock.NewMockTransport(),
	}
	transports["ETHUSDT"].FailNext(1000, apperrors.ErrConnection)

	m, err := NewManager([]string{"BTCUSDT", "ETHUSDT"}, func(sym string) core.ITransport {
		return transports[sym]
	}, StreamOptions{Backoff: fastBackoff, DegradedAfter: 2}, logging.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, m.Symbols())

	var mu sync.Mutex
	var got []core.OrderBookSnapshot
	m.Subscribe(func(snap core.OrderBookSnapshot) {
		mu.Lock()
		got = append(got, snap)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	btc := transports["BTCUSDT"].NextConn(time.Second)
	require.NotNil(t, btc)
	btc.Push(ticker("BTCUSDT", `"bid1Price":"60000","bid1Size":"1"`))
	// a message for another symbol on this session is ignored
	btc.Push(ticker("ETHUSDT", `"bid1Price":"3000","bid1Size":"1"`))
	btc.Push(ticker("BTCUSDT", `"ask1Price":"60001","ask1Size":"1"`))

	eth, _ := m.Stream("ETHUSDT")
	require.Eventually(t, func() bool { return eth.Status() == core.SessionStatusDegraded }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, time.Millisecond)

	btcStream, ok := m.Stream("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, core.SessionStatusLive, btcStream.Status())
	assert.NoError(t, btcStream.HealthCheck())

	mu.Lock()
	for _, snap := range got {
		assert.Equal(t, "BTCUSDT", snap.Symbol)
	}
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}
	assert.True(t, btc.IsClosed(), "shutdown closes the transport")
}

func TestSession_RunReportsClosedTransport(t *testing.T) {
	transport := mock.NewMockTransport()
	session, err := Connect(context.Background(), transport, "BTCUSDT")
	require.NoError(t, err)

	conn := transport.NextConn(time.Second)
	require.NotNil(t, conn)
	conn.Push(`{"op":"pong"}`)
	conn.Drop()

	var frames int
	err = session.Run(context.Background(), func([]byte) { frames++ })
	assert.True(t, errors.Is(err, apperrors.ErrStreamClosed))
	assert.Equal(t, 1, frames)
}

func TestSession_ConnectFailureIsConnectionError(t *testing.T) {
	transport := mock.NewMockTransport()
	transport.FailNext(1, errors.New("dial tcp: refused"))

	_, err := Connect(context.Background(), transport, "BTCUSDT")
	assert.ErrorIs(t, err, apperrors.ErrConnection)
}

func TestSession_CancelStopsCleanly(t *testing.T) {
	transport := mock.NewMockTransport()
	session, err := Connect(context.Background(), transport, "BTCUSDT")
	require.NoError(t, err)
	conn := transport.NextConn(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	assert.NoError(t, session.Run(ctx, func([]byte) {}))
	assert.True(t, conn.IsClosed())
}
