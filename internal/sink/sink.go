// Package sink provides the record destinations for snapshots and order events
package sink

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"perp_gateway/internal/core"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Missing renders an absent book side
const Missing = "N/A"

// FormatSnapshot renders timestamp|symbol|bidSize|bidPrice|askPrice|askSize with the
// timestamp in epoch milliseconds
func FormatSnapshot(snap core.OrderBookSnapshot) string {
	bidSize, bidPrice := Missing, Missing
	if snap.Bid != nil {
		bidSize, bidPrice = snap.Bid.Size.String(), snap.Bid.Price.String()
	}
	askPrice, askSize := Missing, Missing
	if snap.Ask != nil {
		askPrice, askSize = snap.Ask.Price.String(), snap.Ask.Size.String()
	}
	return strings.Join([]string{
		strconv.FormatInt(snap.Timestamp.UnixMilli(), 10),
		snap.Symbol,
		bidSize,
		bidPrice,
		askPrice,
		askSize,
	}, "|")
}

// RecordSink appends one pipe-delimited line per received snapshot. Stale re-emissions and
// order events are not part of the record file.
type RecordSink struct {
	logger *zap.Logger
	closer io.Closer
}

// NewRecordSink appends records to the file at path, creating it when needed
func NewRecordSink(path string) (*RecordSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open record file: %w", err)
	}
	s := NewRecordSinkWriter(f)
	s.closer = f
	return s, nil
}

// NewRecordSinkWriter writes records to w
func NewRecordSinkWriter(w io.Writer) *RecordSink {
	// only the message is encoded: no time, level or caller columns
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey: "msg",
		LineEnding: zapcore.DefaultLineEnding,
	})
	c := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), zapcore.InfoLevel)
	return &RecordSink{logger: zap.New(c)}
}

func (s *RecordSink) RecordSnapshot(snap core.OrderBookSnapshot) {
	if snap.Stale {
		return
	}
	s.logger.Info(FormatSnapshot(snap))
}

func (s *RecordSink) RecordOrderEvent(core.Order, string) {}

// Close flushes and closes the underlying file
func (s *RecordSink) Close() error {
	_ = s.logger.Sync()
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// LogSink writes records to a structured logger
type LogSink struct {
	logger core.ILogger
}

// NewLogSink creates a LogSink
func NewLogSink(logger core.ILogger) *LogSink {
	return &LogSink{logger: logger.WithField("component", "sink")}
}

func (s *LogSink) RecordSnapshot(snap core.OrderBookSnapshot) {
	s.logger.Debug("Snapshot", "record", FormatSnapshot(snap), "sequence", snap.Sequence, "stale", snap.Stale)
}

func (s *LogSink) RecordOrderEvent(order core.Order, event string) {
	fields := []interface{}{
		"event", event,
		"order_id", order.OrderID,
		"client_order_id", order.ClientOrderID,
		"symbol", order.Symbol,
		"side", order.Side,
		"status", order.Status,
		"quantity", order.Quantity,
		"filled", order.FilledQuantity,
	}
	if order.AverageFillPrice != nil {
		fields = append(fields, "avg_price", *order.AverageFillPrice)
	}
	if order.RejectReason != "" {
		fields = append(fields, "reason", order.RejectReason)
	}
	s.logger.Info("Order event", fields...)
}

type multi []core.ISink

// Multi fans every record out to sinks in order; nil entries are skipped
func Multi(sinks ...core.ISink) core.ISink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) RecordSnapshot(snap core.OrderBookSnapshot) {
	for _, s := range m {
		s.RecordSnapshot(snap.Clone())
	}
}

func (m multi) RecordOrderEvent(order core.Order, event string) {
	for _, s := range m {
		s.RecordOrderEvent(order.Clone(), event)
	}
}

// Nop discards everything
type Nop struct{}

func (Nop) RecordSnapshot(core.OrderBookSnapshot) {}

func (Nop) RecordOrderEvent(core.Order, string) {}
