package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"perp_gateway/internal/config"
	"perp_gateway/internal/core"
	"perp_gateway/internal/exchange/bybit"
	"perp_gateway/internal/infrastructure/health"
	"perp_gateway/internal/infrastructure/metrics"
	"perp_gateway/internal/marketdata"
	"perp_gateway/internal/sink"
	"perp_gateway/internal/trading/order"
	"perp_gateway/internal/trading/portfolio"
	"perp_gateway/pkg/retry"
	"perp_gateway/pkg/websocket"
)

// Dialer builds a websocket transport for url
type Dialer func(url string) core.ITransport

// Gateway is the wired set of components
type Gateway struct {
	Exchange   *bybit.Gateway
	Market     *marketdata.Manager
	Orders     *order.Manager
	Positions  *portfolio.PositionBook
	Reconciler *portfolio.Reconciler // nil when reconcile.interval_seconds is 0

	private *bybit.PrivateStream
	metrics *metrics.Server
	records *sink.RecordSink
	logger  core.ILogger
}

// WebsocketDialer returns the production Dialer using the configured keepalive
func WebsocketDialer(cfg *config.Config, logger core.ILogger) Dialer {
	return func(url string) core.ITransport {
		wc := websocket.DefaultConfig(url)
		if cfg.MarketData.PingIntervalSeconds > 0 {
			wc.PingInterval = time.Duration(cfg.MarketData.PingIntervalSeconds) * time.Second
		}
		if cfg.MarketData.PongWaitSeconds > 0 {
			wc.PongWait = time.Duration(cfg.MarketData.PongWaitSeconds) * time.Second
		}
		return websocket.NewTransport(wc, logger)
	}
}

func reconnectBackoff(md config.MarketDataConfig) retry.BackoffConfig {
	return retry.BackoffConfig{
		Initial:     time.Duration(md.ReconnectInitialMs) * time.Millisecond,
		Max:         time.Duration(md.ReconnectMaxMs) * time.Millisecond,
		Multiplier:  md.ReconnectMultiplier,
		Jitter:      md.ReconnectJitter,
		StableAfter: time.Duration(md.StableAfterSeconds) * time.Second,
	}
}

// BuildGateway wires every component from cfg and registers health checks on hm
func BuildGateway(cfg *config.Config, logger core.ILogger, hm *health.Manager, dial Dialer) (*Gateway, error) {
	g := &Gateway{logger: logger.WithField("component", "gateway")}

	sinks := []core.ISink{sink.NewLogSink(logger)}
	if path := cfg.MarketData.RecordFile; path != "" {
		rs, err := sink.NewRecordSink(path)
		if err != nil {
			return nil, fmt.Errorf("record sink: %w", err)
		}
		g.records = rs
		sinks = append(sinks, rs)
	}
	out := sink.Multi(sinks...)

	g.Exchange = bybit.NewGateway(bybit.GatewayConfig{
		BaseURL:        cfg.Exchange.BaseURL,
		APIKey:         cfg.Exchange.APIKey.Reveal(),
		SecretKey:      cfg.Exchange.SecretKey.Reveal(),
		RecvWindow:     time.Duration(cfg.Exchange.RecvWindowMs) * time.Millisecond,
		Category:       cfg.Exchange.Category,
		RequestTimeout: cfg.RequestTimeout(),
		RateLimit:      cfg.Orders.RateLimit,
		RateBurst:      cfg.Orders.RateBurst,
	}, logger)

	backoff := reconnectBackoff(cfg.MarketData)
	market, err := marketdata.NewManager(cfg.MarketData.Symbols, func(string) core.ITransport {
		return dial(cfg.Exchange.WSPublicURL)
	}, marketdata.StreamOptions{Backoff: backoff, Sink: out}, logger)
	if err != nil {
		_ = g.Close()
		return nil, fmt.Errorf("market data: %w", err)
	}
	g.Market = market
	for _, sym := range market.Symbols() {
		stream, _ := market.Stream(sym)
		hm.Register("stream."+sym, stream.HealthCheck)
	}

	g.Orders = order.NewManager(g.Exchange, out, order.Config{
		RequestTimeout: cfg.RequestTimeout(),
		TimeInForce:    core.TimeInForce(cfg.Orders.TimeInForce),
	}, logger)

	g.Positions = portfolio.NewPositionBook()
	g.Orders.OnFill(g.Positions.ApplyFill)

	if cfg.Orders.PrivateStream {
		url := cfg.Exchange.WSPrivateURL
		if url == "" {
			url = bybit.PrivateURLFor(cfg.Exchange.BaseURL)
		}
		signer := bybit.NewSigner(cfg.Exchange.APIKey.Reveal(), cfg.Exchange.SecretKey.Reveal(),
			time.Duration(cfg.Exchange.RecvWindowMs)*time.Millisecond)
		g.private = bybit.NewPrivateStream(dial(url), signer, backoff, cfg.MarketData.SubscriberBuffer, logger)
	}

	if interval := cfg.ReconcileInterval(); interval > 0 {
		g.Reconciler = portfolio.NewReconciler(g.Exchange, g.Orders, g.Positions, portfolio.ReconcilerConfig{
			Symbols:         cfg.MarketData.Symbols,
			Interval:        interval,
			RequestTimeout:  cfg.ReconcileTimeout(),
			FollowUpWorkers: cfg.Reconcile.FollowUpWorkers,
		}, logger)
		rec := g.Reconciler
		hm.Register("reconciler", func() error {
			if s := rec.Status(); s.Status == portfolio.StatusFailed {
				return errors.New(s.Error)
			}
			return nil
		})
	}

	if cfg.Telemetry.EnableMetrics {
		g.metrics = metrics.NewServer(cfg.Telemetry.MetricsPort, hm, logger)
	}

	g.logger.Info("Gateway wired",
		"symbols", market.Symbols(),
		"private_stream", g.private != nil,
		"reconcile_interval", cfg.ReconcileInterval(),
		"record_file", cfg.MarketData.RecordFile)
	return g, nil
}

// Runners returns the long-running components in start order
func (g *Gateway) Runners() []Runner {
	runners := []Runner{g.Market}
	if g.private != nil {
		ps := g.private
		runners = append(runners, ps, RunnerFunc(func(ctx context.Context) error {
			return g.Orders.Run(ctx, ps.Events())
		}))
	}
	if g.Reconciler != nil {
		runners = append(runners, g.Reconciler)
	}
	if g.metrics != nil {
		runners = append(runners, g.metrics)
	}
	return runners
}

// Close releases the record file
func (g *Gateway) Close() error {
	if g.records == nil {
		return nil
	}
	return g.records.Close()
}
