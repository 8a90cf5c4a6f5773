package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"perp_gateway/internal/core"
	apperrors "perp_gateway/pkg/errors"
	phttp "perp_gateway/pkg/http"
	"perp_gateway/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

const (
	pathOrderCreate   = "/v5/order/create"
	pathOrderCancel   = "/v5/order/cancel"
	pathOrderRealtime = "/v5/order/realtime"
	pathOrderHistory  = "/v5/order/history"
	pathPositionList  = "/v5/position/list"
	pathWalletBalance = "/v5/account/wallet-balance"
)

// GatewayConfig configures the REST gateway
type GatewayConfig struct {
	BaseURL        string
	APIKey         string
	SecretKey      string
	RecvWindow     time.Duration
	Category       string
	SettleCoin     string
	RequestTimeout time.Duration
	RateLimit      float64
	RateBurst      int
}

// Gateway implements core.IOrderGateway and core.IAccountGateway over Bybit v5 REST
type Gateway struct {
	client     *phttp.Client
	category   string
	settleCoin string
	limiter    *rate.Limiter
	logger     core.ILogger
}

// NewGateway creates a new Gateway
func NewGateway(cfg GatewayConfig, logger core.ILogger) *Gateway {
	if cfg.Category == "" {
		cfg.Category = "linear"
	}
	if cfg.SettleCoin == "" {
		cfg.SettleCoin = "USDT"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}

	httpCfg := phttp.DefaultClientConfig(cfg.BaseURL)
	if cfg.RequestTimeout > 0 {
		httpCfg.Timeout = cfg.RequestTimeout
	}

	return &Gateway{
		client:     phttp.NewClient(httpCfg, NewSigner(cfg.APIKey, cfg.SecretKey, cfg.RecvWindow)),
		category:   cfg.Category,
		settleCoin: cfg.SettleCoin,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		logger:     logger.WithField("component", "bybit_gateway"),
	}
}

// parseError maps a non-zero retCode onto the error taxonomy
// https://bybit-exchange.github.io/docs/v5/error
func parseError(code int, msg string) error {
	var sentinel error
	switch code {
	case 0:
		return nil
	case 10001, 10002, 130006:
		sentinel = apperrors.ErrInvalidOrderParameter
	case 10003, 10004, 10005:
		sentinel = apperrors.ErrAuthenticationFailed
	case 10006, 10018:
		sentinel = apperrors.ErrRateLimitExceeded
	case 10016:
		sentinel = apperrors.ErrSystemOverload
	case 110007, 110012, 110044:
		sentinel = apperrors.ErrInsufficientFunds
	case 110001, 170213:
		sentinel = apperrors.ErrOrderNotFound
	case 170193, 170194:
		sentinel = apperrors.ErrOrderRejected
	default:
		return fmt.Errorf("bybit error: %s (%d)", msg, code)
	}
	return fmt.Errorf("%w: %s (%d)", sentinel, msg, code)
}

// call runs one rate-limited request and decodes the result into out
func (g *Gateway) call(ctx context.Context, method, path string, params map[string]string, body interface{}, out interface{}) error {
	if err := g.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w: waiting for rate limiter", apperrors.ErrTimeout, apperrors.ErrRequestNotSent)
		}
		return fmt.Errorf("%w: %w", apperrors.ErrRequestNotSent, err)
	}

	var (
		raw []byte
		err error
	)
	start := time.Now()
	if method == "GET" {
		raw, err = g.client.Get(ctx, path, params)
	} else {
		raw, err = g.client.Post(ctx, path, body)
	}
	telemetry.GetGlobalMetrics().RequestLatency.Record(ctx, float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(attribute.String("path", path)))
	if err != nil {
		// Bybit also reports business errors with non-2xx statuses
		var apiErr *phttp.APIError
		if errors.As(err, &apiErr) {
			var env envelope
			if json.Unmarshal(apiErr.Body, &env) == nil && env.RetCode != 0 {
				return &retCodeError{code: env.RetCode, msg: env.RetMsg}
			}
		}
		return err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return apperrors.NewProtocolError("undecodable response envelope", raw, err)
	}
	if env.RetCode != 0 {
		return &retCodeError{code: env.RetCode, msg: env.RetMsg}
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return apperrors.NewProtocolError("undecodable result", env.Result, err)
	}
	return nil
}

// retCodeError keeps the raw code so PlaceOrder can build a RejectionError
type retCodeError struct {
	code int
	msg  string
}

func (e *retCodeError) Error() string {
	return parseError(e.code, e.msg).Error()
}

func (e *retCodeError) Unwrap() error {
	return errors.Unwrap(parseError(e.code, e.msg))
}

// PlaceOrder submits a new order. It is never retried.
// Any retCode refusal is returned as *apperrors.RejectionError carrying retMsg.
// Errors wrapping ErrRequestNotSent never reached the exchange; any other failure
// (5xx, undecodable or incomplete ack) may have placed the order.
func (g *Gateway) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.OrderAck, error) {
	body := map[string]interface{}{
		"category":    g.category,
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"orderType":   string(req.Type),
		"qty":         req.Quantity,
		"orderLinkId": req.ClientOrderID,
	}
	if req.Type == core.OrderTypeLimit {
		body["price"] = req.Price
		tif := req.TimeInForce
		if tif == "" {
			tif = core.TimeInForceGTC
		}
		body["timeInForce"] = string(tif)
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := g.call(ctx, "POST", pathOrderCreate, nil, body, &result); err != nil {
		var rc *retCodeError
		if errors.As(err, &rc) {
			g.logger.Warn("Order rejected", "symbol", req.Symbol, "code", rc.code, "reason", rc.msg)
			return core.OrderAck{}, &apperrors.RejectionError{
				Code:   rc.code,
				Reason: rc.msg,
				Err:    errors.Unwrap(parseError(rc.code, rc.msg)),
			}
		}
		return core.OrderAck{}, err
	}

	if result.OrderID == "" {
		return core.OrderAck{}, fmt.Errorf("%w: %w", apperrors.ErrOutcomeUnknown,
			apperrors.NewProtocolError("create ack without orderId", nil, nil))
	}
	return core.OrderAck{OrderID: result.OrderID, ClientOrderID: result.OrderLinkID}, nil
}

// CancelOrder cancels by exchange order id
func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"category": g.category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	return g.call(ctx, "POST", pathOrderCancel, nil, body, nil)
}

// GetOrder looks an order up by orderId (preferred) or orderLinkId.
// Open orders live in the realtime endpoint; recently closed ones fall back to history.
func (g *Gateway) GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (core.Order, error) {
	params := map[string]string{
		"category": g.category,
		"symbol":   symbol,
	}
	switch {
	case orderID != "":
		params["orderId"] = orderID
	case clientOrderID != "":
		params["orderLinkId"] = clientOrderID
	default:
		return core.Order{}, fmt.Errorf("%w: orderId or clientOrderId required", apperrors.ErrInvalidOrderParameter)
	}

	for _, path := range []string{pathOrderRealtime, pathOrderHistory} {
		orders, err := g.listOrders(ctx, path, params)
		if err != nil {
			return core.Order{}, err
		}
		if len(orders) > 0 {
			return orders[0], nil
		}
	}
	return core.Order{}, fmt.Errorf("%w: %s %s%s", apperrors.ErrOrderNotFound, symbol, orderID, clientOrderID)
}

// GetOpenOrders lists resting orders; empty symbol lists every symbol of the settle coin
func (g *Gateway) GetOpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	params := map[string]string{
		"category": g.category,
		"openOnly": "0",
		"limit":    "50",
	}
	if symbol != "" {
		params["symbol"] = symbol
	} else {
		params["settleCoin"] = g.settleCoin
	}
	return g.listOrders(ctx, pathOrderRealtime, params)
}

// listOrders follows nextPageCursor until the exchange returns an empty one
func (g *Gateway) listOrders(ctx context.Context, path string, params map[string]string) ([]core.Order, error) {
	query := make(map[string]string, len(params)+1)
	for k, v := range params {
		query[k] = v
	}

	var orders []core.Order
	seen := make(map[string]bool)
	for {
		var result struct {
			List           []rawOrder `json:"list"`
			NextPageCursor string     `json:"nextPageCursor"`
		}
		if err := g.call(ctx, "GET", path, query, nil, &result); err != nil {
			return nil, err
		}

		for _, raw := range result.List {
			order, err := raw.toOrder()
			if err != nil {
				return nil, err
			}
			orders = append(orders, order)
		}

		if result.NextPageCursor == "" || len(result.List) == 0 {
			break
		}
		if seen[result.NextPageCursor] {
			return nil, apperrors.NewProtocolError("repeated page cursor "+result.NextPageCursor, nil, nil)
		}
		seen[result.NextPageCursor] = true
		query["cursor"] = result.NextPageCursor
	}

	if orders == nil {
		orders = []core.Order{}
	}
	return orders, nil
}

// GetPositions returns positions, including flat ones Bybit still lists
func (g *Gateway) GetPositions(ctx context.Context, symbol string) ([]core.Position, error) {
	params := map[string]string{"category": g.category}
	if symbol != "" {
		params["symbol"] = symbol
	} else {
		params["settleCoin"] = g.settleCoin
	}

	var result struct {
		List []rawPosition `json:"list"`
	}
	if err := g.call(ctx, "GET", pathPositionList, params, nil, &result); err != nil {
		return nil, err
	}

	positions := make([]core.Position, 0, len(result.List))
	for _, raw := range result.List {
		pos, err := raw.toPosition()
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// GetBalances returns per-coin balances of the unified account
func (g *Gateway) GetBalances(ctx context.Context) ([]core.Balance, error) {
	var result struct {
		List []struct {
			AccountType string    `json:"accountType"`
			Coin        []rawCoin `json:"coin"`
		} `json:"list"`
	}
	if err := g.call(ctx, "GET", pathWalletBalance, map[string]string{"accountType": "UNIFIED"}, nil, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, apperrors.NewProtocolError("wallet balance without account list", nil, nil)
	}

	var balances []core.Balance
	for _, account := range result.List {
		for _, coin := range account.Coin {
			b, err := coin.toBalance()
			if err != nil {
				return nil, err
			}
			balances = append(balances, b)
		}
	}
	return balances, nil
}

// PrivateURLFor derives the private stream URL when only a REST base URL is configured
func PrivateURLFor(baseURL string) string {
	if strings.Contains(baseURL, "testnet") {
		return "wss://stream-testnet.bybit.com/v5/private"
	}
	return "wss://stream.bybit.com/v5/private"
}
