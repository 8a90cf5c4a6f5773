// Package websocket provides a gorilla/websocket transport with heartbeat and read deadlines
package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"perp_gateway/internal/core"
	apperrors "perp_gateway/pkg/errors"
	"perp_gateway/pkg/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Config controls dialing and keepalive
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration
	PingInterval     time.Duration
	// PingMessage is sent as JSON on every PingInterval; nil sends control ping frames
	PingMessage interface{}
}

// DefaultConfig returns keepalive settings suited to Bybit (20s ping)
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteWait:        10 * time.Second,
		PongWait:         60 * time.Second,
		PingInterval:     20 * time.Second,
		PingMessage:      map[string]string{"op": "ping"},
	}
}

// Transport dials websocket connections
type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	logger core.ILogger

	tracer      trace.Tracer
	connCounter metric.Int64Counter
	msgCounter  metric.Int64Counter
}

// NewTransport creates a new Transport
func NewTransport(cfg Config, logger core.ILogger) *Transport {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	meter := telemetry.GetMeter("ws-transport")
	connCounter, _ := meter.Int64Counter("ws_connections_total",
		metric.WithDescription("Total number of WebSocket connections initiated"))
	msgCounter, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("Total number of WebSocket messages received"))

	return &Transport{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger:      logger.WithField("component", "ws_transport"),
		tracer:      telemetry.GetTracer("ws-transport"),
		connCounter: connCounter,
		msgCounter:  msgCounter,
	}
}

// URL returns the dial target
func (t *Transport) URL() string {
	return t.cfg.URL
}

// Connect dials the configured URL and starts the heartbeat
func (t *Transport) Connect(ctx context.Context) (core.IConnection, error) {
	ctx, span := t.tracer.Start(ctx, "WS Connect",
		trace.WithAttributes(attribute.String("ws.url", t.cfg.URL)),
	)
	defer span.End()

	t.connCounter.Add(ctx, 1)

	ws, _, err := t.dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: dial %s: %v", apperrors.ErrConnection, t.cfg.URL, err)
	}

	c := &Conn{
		ws:         ws,
		cfg:        t.cfg,
		done:       make(chan struct{}),
		logger:     t.logger,
		msgCounter: t.msgCounter,
	}

	if t.cfg.PongWait > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
		})
	}

	if t.cfg.PingInterval > 0 {
		c.wg.Add(1)
		go c.heartbeat()
	}

	return c, nil
}

// Conn is one live websocket connection. Receive must be called from a single goroutine;
// Send and Close are safe for concurrent use.
type Conn struct {
	ws      *websocket.Conn
	cfg     Config
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	logger     core.ILogger
	msgCounter metric.Int64Counter
}

// Send writes message as JSON
func (c *Conn) Send(message interface{}) error {
	select {
	case <-c.done:
		return apperrors.ErrStreamClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := c.ws.WriteJSON(message); err != nil {
		return fmt.Errorf("%w: write: %v", apperrors.ErrConnection, err)
	}
	return nil
}

// Receive blocks for the next data message
func (c *Conn) Receive() ([]byte, error) {
	_, message, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrStreamClosed, err)
	}
	if c.cfg.PongWait > 0 {
		// Application-level pongs arrive as data frames
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	}
	c.msgCounter.Add(context.Background(), 1)
	return message, nil
}

// Close tears the connection down; blocked Receive calls return
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.ws.Close()
		c.wg.Wait()
	})
	return err
}

func (c *Conn) heartbeat() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			var err error
			if c.cfg.PingMessage != nil {
				err = c.Send(c.cfg.PingMessage)
			} else {
				c.writeMu.Lock()
				err = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait))
				c.writeMu.Unlock()
			}
			if err != nil {
				c.logger.Warn("Heartbeat failed, closing connection", "error", err)
				// Unblocks the reader so the owner can reconnect
				_ = c.ws.Close()
				return
			}
		}
	}
}
