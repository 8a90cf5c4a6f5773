package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"perp_gateway/internal/core"
	apperrors "perp_gateway/pkg/errors"
	"perp_gateway/pkg/retry"
	"perp_gateway/pkg/telemetry"
)

// PrivateStream pushes order status reports and executions as OrderEvents.
// It reconnects with backoff until its context ends.
type PrivateStream struct {
	transport core.ITransport
	signer    *Signer
	backoff   *retry.Backoff
	events    chan core.OrderEvent
	logger    core.ILogger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewPrivateStream creates a PrivateStream; buffer sizes the outbound event channel
func NewPrivateStream(transport core.ITransport, signer *Signer, backoff retry.BackoffConfig, buffer int, logger core.ILogger) *PrivateStream {
	if buffer <= 0 {
		buffer = 256
	}
	return &PrivateStream{
		transport: transport,
		signer:    signer,
		backoff:   retry.NewBackoff(backoff),
		events:    make(chan core.OrderEvent, buffer),
		logger:    logger.WithField("component", "bybit_private_stream"),
		sleep:     sleepCtx,
	}
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

// Events is closed when Run returns
func (s *PrivateStream) Events() <-chan core.OrderEvent {
	return s.events
}

// Run keeps a session alive until ctx is cancelled
func (s *PrivateStream) Run(ctx context.Context) error {
	defer close(s.events)

	for {
		started := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.backoff.ObserveUptime(time.Since(started))

		delay := s.backoff.Next()
		telemetry.GetGlobalMetrics().Reconnects.Add(ctx, 1)
		s.logger.Warn("Private stream dropped, reconnecting", "error", err, "delay", delay)
		if err := s.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

func (s *PrivateStream) session(ctx context.Context) error {
	conn, err := s.transport.Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.Send(map[string]interface{}{"op": "auth", "args": s.signer.AuthArgs(10 * time.Second)}); err != nil {
		return err
	}
	if err := conn.Send(map[string]interface{}{"op": "subscribe", "args": []string{"order", "execution"}}); err != nil {
		return err
	}
	s.logger.Info("Private stream connected")

	for {
		msg, err := conn.Receive()
		if err != nil {
			return err
		}

		events, err := parsePrivateMessage(msg)
		if err != nil {
			if errors.Is(err, apperrors.ErrAuthenticationFailed) {
				return err
			}
			telemetry.GetGlobalMetrics().ProtocolErrors.Add(ctx, 1)
			s.logger.Warn("Dropping private stream message", "error", err)
			continue
		}

		for _, ev := range events {
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// parsePrivateMessage classifies a private stream frame. Control frames yield no events.
func parsePrivateMessage(msg []byte) ([]core.OrderEvent, error) {
	var frame struct {
		Op      string          `json:"op"`
		Success *bool           `json:"success"`
		RetMsg  string          `json:"ret_msg"`
		Topic   string          `json:"topic"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, apperrors.NewProtocolError("invalid JSON", msg, err)
	}

	if frame.Op != "" {
		if frame.Op == "auth" && frame.Success != nil && !*frame.Success {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, frame.RetMsg)
		}
		return nil, nil
	}

	switch frame.Topic {
	case "order":
		var data []rawOrder
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return nil, apperrors.NewProtocolError("order data", msg, err)
		}
		events := make([]core.OrderEvent, 0, len(data))
		for _, raw := range data {
			ev, err := raw.toEvent(core.EventSourceStream)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
		return events, nil

	case "execution":
		var data []rawExecution
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return nil, apperrors.NewProtocolError("execution data", msg, err)
		}
		events := make([]core.OrderEvent, 0, len(data))
		for _, raw := range data {
			// Funding and settlement records carry no order fill
			if raw.ExecType != "" && raw.ExecType != "Trade" {
				continue
			}
			ev, err := raw.toEvent()
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
		return events, nil

	case "":
		return nil, apperrors.NewProtocolError("frame without op or topic", msg, nil)
	}

	// Other private topics are not consumed here
	return nil, nil
}
