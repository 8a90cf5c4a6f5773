package marketdata

import (
	"context"
	"errors"
	"fmt"

	"perp_gateway/internal/core"
	apperrors "perp_gateway/pkg/errors"
	"perp_gateway/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Session is one subscribed connection for one symbol
type Session struct {
	symbol string
	conn   core.IConnection
}

// Connect establishes a connection and subscribes to symbol's ticker channel.
// Failures wrap ErrConnection; retrying is the caller's decision.
func Connect(ctx context.Context, transport core.ITransport, symbol string) (*Session, error) {
	ctx, span := telemetry.GetTracer("marketdata").Start(ctx, "Session Connect",
		trace.WithAttributes(attribute.String("symbol", symbol)))
	defer span.End()

	conn, err := transport.Connect(ctx)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, apperrors.ErrConnection) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrConnection, err)
	}

	sub := map[string]interface{}{
		"op":   "subscribe",
		"args": []string{TopicFor(symbol)},
	}
	if err := conn.Send(sub); err != nil {
		span.RecordError(err)
		_ = conn.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", apperrors.ErrConnection, symbol, err)
	}

	return &Session{symbol: symbol, conn: conn}, nil
}

// Run delivers every inbound frame to handle, in arrival order.
// It returns nil when ctx is cancelled and an error wrapping ErrStreamClosed when the transport closes.
func (s *Session) Run(ctx context.Context, handle func(msg []byte)) error {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := s.conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, apperrors.ErrStreamClosed) {
				return err
			}
			return fmt.Errorf("%w: %v", apperrors.ErrStreamClosed, err)
		}
		handle(msg)
	}
}

// Close closes the underlying connection
func (s *Session) Close() error {
	return s.conn.Close()
}
