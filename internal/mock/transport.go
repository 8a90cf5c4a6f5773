package mock

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"perp_gateway/internal/core"
	apperrors "perp_gateway/pkg/errors"
)

// MockTransport implements core.ITransport with scriptable in-memory connections
type MockTransport struct {
	mu          sync.Mutex
	conns       []*MockConn
	connectErrs []error
	attempts    int
	connected   chan *MockConn
}

// NewMockTransport creates a new MockTransport
func NewMockTransport() *MockTransport {
	return &MockTransport{
		connected: make(chan *MockConn, 64),
	}
}

// FailNext makes the next n Connect calls fail with err
func (t *MockTransport) FailNext(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < n; i++ {
		t.connectErrs = append(t.connectErrs, err)
	}
}

// Connect returns a fresh MockConn or the next scripted error
func (t *MockTransport) Connect(ctx context.Context) (core.IConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.attempts++
	if len(t.connectErrs) > 0 {
		err := t.connectErrs[0]
		t.connectErrs = t.connectErrs[1:]
		t.mu.Unlock()
		return nil, err
	}
	conn := NewMockConn()
	t.conns = append(t.conns, conn)
	t.mu.Unlock()

	select {
	case t.connected <- conn:
	default:
	}
	return conn, nil
}

// Attempts counts Connect calls, failed ones included
func (t *MockTransport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// NextConn waits for the next successful Connect; nil on timeout
func (t *MockTransport) NextConn(timeout time.Duration) *MockConn {
	select {
	case c := <-t.connected:
		return c
	case <-time.After(timeout):
		return nil
	}
}

// MockConn is one in-memory connection
type MockConn struct {
	inbound   chan []byte
	mu        sync.Mutex
	sent      []string
	closed    chan struct{}
	closeOnce sync.Once
}

// NewMockConn creates an open connection
func NewMockConn() *MockConn {
	return &MockConn{
		inbound: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

// Send records message as JSON
func (c *MockConn) Send(message interface{}) error {
	select {
	case <-c.closed:
		return apperrors.ErrStreamClosed
	default:
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, string(data))
	c.mu.Unlock()
	return nil
}

// Receive returns queued inbound frames in order; after close the remaining queue is discarded
func (c *MockConn) Receive() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, apperrors.ErrStreamClosed
	default:
	}
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.closed:
		return nil, apperrors.ErrStreamClosed
	}
}

// Close closes the connection from the client side
func (c *MockConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Push queues an inbound frame as if the server sent it
func (c *MockConn) Push(msg string) {
	select {
	case c.inbound <- []byte(msg):
	case <-c.closed:
	}
}

// Drop simulates the server closing the connection once queued frames are read
func (c *MockConn) Drop() {
	go func() {
		for len(c.inbound) > 0 {
			time.Sleep(time.Millisecond)
		}
		_ = c.Close()
	}()
}

// Sent returns the JSON of every message sent so far
func (c *MockConn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}

// IsClosed reports whether either side closed the connection
func (c *MockConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
