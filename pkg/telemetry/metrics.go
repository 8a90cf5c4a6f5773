package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricSnapshotsEmitted  = "gateway_snapshots_emitted_total"
	MetricProtocolErrors    = "gateway_protocol_errors_total"
	MetricReconnects        = "gateway_stream_reconnects_total"
	MetricStreamStatus      = "gateway_stream_status"
	MetricOrdersSubmitted   = "gateway_orders_submitted_total"
	MetricOrdersRejected    = "gateway_orders_rejected_total"
	MetricOrderTimeouts     = "gateway_order_timeouts_total"
	MetricFillsApplied      = "gateway_fills_applied_total"
	MetricReconcileFindings = "gateway_reconcile_findings_total"
	MetricRequestLatency    = "gateway_request_latency_ms"
)

// Stream status gauge values
const (
	StreamStatusStopped    int64 = 0
	StreamStatusConnecting int64 = 1
	StreamStatusLive       int64 = 2
	StreamStatusDegraded   int64 = 3
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	SnapshotsEmitted  metric.Int64Counter
	ProtocolErrors    metric.Int64Counter
	Reconnects        metric.Int64Counter
	StreamStatus      metric.Int64ObservableGauge
	OrdersSubmitted   metric.Int64Counter
	OrdersRejected    metric.Int64Counter
	OrderTimeouts     metric.Int64Counter
	FillsApplied      metric.Int64Counter
	ReconcileFindings metric.Int64Counter
	RequestLatency    metric.Float64Histogram

	mu              sync.RWMutex
	streamStatusMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder. Instruments are created against
// the global meter provider, which delegates to whatever provider Setup installs later.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			streamStatusMap: make(map[string]int64),
		}
		if err := globalMetrics.InitMetrics(GetMeter("perp_gateway")); err != nil {
			panic("telemetry: failed to create instruments: " + err.Error())
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.SnapshotsEmitted, err = meter.Int64Counter(MetricSnapshotsEmitted,
		metric.WithDescription("Top-of-book snapshots delivered to subscribers")); err != nil {
		return err
	}
	if m.ProtocolErrors, err = meter.Int64Counter(MetricProtocolErrors,
		metric.WithDescription("Inbound payloads dropped as protocol errors")); err != nil {
		return err
	}
	if m.Reconnects, err = meter.Int64Counter(MetricReconnects,
		metric.WithDescription("Streaming session reconnect attempts")); err != nil {
		return err
	}
	if m.OrdersSubmitted, err = meter.Int64Counter(MetricOrdersSubmitted,
		metric.WithDescription("Orders accepted by the exchange")); err != nil {
		return err
	}
	if m.OrdersRejected, err = meter.Int64Counter(MetricOrdersRejected,
		metric.WithDescription("Orders explicitly rejected")); err != nil {
		return err
	}
	if m.OrderTimeouts, err = meter.Int64Counter(MetricOrderTimeouts,
		metric.WithDescription("Order requests whose outcome is unknown after a timeout")); err != nil {
		return err
	}
	if m.FillsApplied, err = meter.Int64Counter(MetricFillsApplied,
		metric.WithDescription("Fills applied to tracked orders")); err != nil {
		return err
	}
	if m.ReconcileFindings, err = meter.Int64Counter(MetricReconcileFindings,
		metric.WithDescription("Reconciliation findings by kind")); err != nil {
		return err
	}
	if m.RequestLatency, err = meter.Float64Histogram(MetricRequestLatency,
		metric.WithDescription("Latency of exchange request/response calls"), metric.WithUnit("ms")); err != nil {
		return err
	}

	m.StreamStatus, err = meter.Int64ObservableGauge(MetricStreamStatus,
		metric.WithDescription("Market data session status (0 stopped, 1 connecting, 2 live, 3 degraded)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.streamStatusMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	return err
}

// SetStreamStatus records the current status of a symbol's session
func (m *MetricsHolder) SetStreamStatus(symbol string, status int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamStatusMap[symbol] = status
}

// GetStreamStatus returns the recorded status for a symbol
func (m *MetricsHolder) GetStreamStatus(symbol string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.streamStatusMap[symbol]
	return v, ok
}
