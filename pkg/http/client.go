// Package http provides a reusable HTTP client with resilience features
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	apperrors "perp_gateway/pkg/errors"
	"perp_gateway/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// APIError represents a non-2xx response
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer signs a fully built request. body is the exact payload that will be sent (nil for GET).
type Signer interface {
	SignRequest(req *http.Request, body []byte) error
}

// ClientConfig tunes timeouts and resilience policies
type ClientConfig struct {
	BaseURL string
	// Timeout bounds one logical call including retries
	Timeout         time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
	BreakerFailures uint
	BreakerWindow   uint
	BreakerDelay    time.Duration
}

// DefaultClientConfig returns the production defaults
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:         baseURL,
		Timeout:         5 * time.Second,
		MaxRetries:      3,
		RetryBackoff:    100 * time.Millisecond,
		RetryMaxBackoff: 2 * time.Second,
		BreakerFailures: 5,
		BreakerWindow:   10,
		BreakerDelay:    10 * time.Second,
	}
}

type response struct {
	status int
	body   []byte
}

// Client is a wrapper around http.Client with resilience.
// GETs run through retry and circuit breaker; other methods only through the breaker
// since a retried write could be applied twice.
type Client struct {
	client  *http.Client
	cfg     ClientConfig
	signer  Signer
	reads   failsafe.Executor[*response]
	writes  failsafe.Executor[*response]
	breaker circuitbreaker.CircuitBreaker[*response]

	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// NewClient creates a new HTTP client with resilience policies
func NewClient(cfg ClientConfig, signer Signer) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.RetryMaxBackoff < cfg.RetryBackoff {
		cfg.RetryMaxBackoff = cfg.RetryBackoff
	}
	if cfg.BreakerWindow == 0 {
		cfg.BreakerWindow = 10
	}
	if cfg.BreakerFailures == 0 || cfg.BreakerFailures > cfg.BreakerWindow {
		cfg.BreakerFailures = cfg.BreakerWindow
	}
	if cfg.BreakerDelay <= 0 {
		cfg.BreakerDelay = 10 * time.Second
	}

	retryPolicy := retrypolicy.NewBuilder[*response]().
		HandleIf(func(resp *response, err error) bool {
			if err != nil {
				return !isContextErr(err)
			}
			return resp.status >= 500 || resp.status == http.StatusTooManyRequests
		}).
		WithBackoff(cfg.RetryBackoff, cfg.RetryMaxBackoff).
		WithMaxRetries(cfg.MaxRetries).
		Build()

	breaker := circuitbreaker.NewBuilder[*response]().
		HandleIf(func(resp *response, err error) bool {
			if err != nil {
				return !isContextErr(err)
			}
			return resp.status >= 500
		}).
		WithFailureThresholdRatio(cfg.BreakerFailures, cfg.BreakerWindow).
		WithDelay(cfg.BreakerDelay).
		Build()

	tracer := telemetry.GetTracer("http-client")
	meter := telemetry.GetMeter("http-client")

	reqCounter, _ := meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"))
	errCounter, _ := meter.Int64Counter("http_errors_total",
		metric.WithDescription("Total number of HTTP errors"))
	latencyHist, _ := meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"))

	return &Client{
		client:      &http.Client{},
		cfg:         cfg,
		signer:      signer,
		reads:       failsafe.With[*response](retryPolicy, breaker),
		writes:      failsafe.With[*response](breaker),
		breaker:     breaker,
		tracer:      tracer,
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// BreakerOpen reports whether the circuit breaker is currently rejecting calls
func (c *Client) BreakerOpen() bool {
	return c.breaker.IsOpen()
}

// Get sends a GET request
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	return c.do(ctx, http.MethodGet, path, query.Encode(), nil)
}

// Post sends a JSON POST request. It is never retried.
func (c *Client) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to marshal body: %w", apperrors.ErrRequestNotSent, err)
		}
	}
	return c.do(ctx, http.MethodPost, path, "", payload)
}

func (c *Client) do(ctx context.Context, method, path, rawQuery string, payload []byte) ([]byte, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("%s %s", method, path),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		),
	)
	defer span.End()

	// Each attempt gets a fresh request; a consumed body cannot be resent
	attempt := func(exec failsafe.Execution[*response]) (*response, error) {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrRequestNotSent, err)
		}
		req.URL.RawQuery = rawQuery
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.signer != nil {
			if err := c.signer.SignRequest(req, payload); err != nil {
				return nil, fmt.Errorf("%w: failed to sign request: %w", apperrors.ErrRequestNotSent, err)
			}
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return &response{status: resp.StatusCode, body: body}, nil
	}

	executor := c.writes
	if method == http.MethodGet {
		executor = c.reads
	}
	resp, err := executor.GetWithExecution(attempt)

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	)
	c.reqCounter.Add(ctx, 1, attrs)
	c.latencyHist.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil && (resp == nil || resp.status < 400) {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
			attribute.String("error", "pipeline_failed"),
		))
		switch {
		case errors.Is(err, apperrors.ErrRequestNotSent):
			return nil, err
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: %s %s", apperrors.ErrTimeout, method, path)
		case errors.Is(err, circuitbreaker.ErrOpen):
			return nil, fmt.Errorf("%w: %w: %w", apperrors.ErrSystemOverload, apperrors.ErrRequestNotSent, err)
		case errors.Is(err, context.Canceled):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %s %s: %v", apperrors.ErrConnection, method, path, err)
		}
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.status))

	if resp.status >= 400 {
		c.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
			attribute.Int("status", resp.status),
		))
		return nil, &APIError{
			StatusCode: resp.status,
			Body:       resp.body,
		}
	}

	return resp.body, nil
}
