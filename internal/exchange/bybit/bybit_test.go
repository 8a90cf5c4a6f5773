package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"perp_gateway/internal/core"
	"perp_gateway/internal/mock"
	apperrors "perp_gateway/pkg/errors"
	"perp_gateway/pkg/logging"
	"perp_gateway/pkg/retry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectedSig(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestSigner_SignsQueryForGetAndBodyForPost(t *testing.T) {
	s := NewSigner("key", "secret", 5*time.Second)
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }

	get, _ := http.NewRequest(http.MethodGet, "https://api.bybit.com/v5/position/list?category=linear&symbol=BTCUSDT", nil)
	require.NoError(t, s.SignRequest(get, nil))
	assert.Equal(t, "key", get.Header.Get("X-BAPI-API-KEY"))
	assert.Equal(t, "1700000000000", get.Header.Get("X-BAPI-TIMESTAMP"))
	assert.Equal(t, "5000", get.Header.Get("X-BAPI-RECV-WINDOW"))
	assert.Equal(t, expectedSig("secret", "1700000000000key5000category=linear&symbol=BTCUSDT"), get.Header.Get("X-BAPI-SIGN"))

	body := []byte(`{"symbol":"BTCUSDT"}`)
	post, _ := http.NewRequest(http.MethodPost, "https://api.bybit.com/v5/order/create", nil)
	require.NoError(t, s.SignRequest(post, body))
	assert.Equal(t, expectedSig("secret", "1700000000000key5000"+string(body)), post.Header.Get("X-BAPI-SIGN"))

	args := s.AuthArgs(10 * time.Second)
	require.Len(t, args, 3)
	assert.Equal(t, int64(1700000010000), args[1])
	assert.Equal(t, expectedSig("secret", "GET/realtime1700000010000"), args[2])

	assert.Error(t, NewSigner("", "", 0).SignRequest(get, nil))
}

type route func(w http.ResponseWriter, r *http.Request, body []byte)

func newTestGateway(t *testing.T, routes map[string]route) *Gateway {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-BAPI-SIGN"))
		body, _ := io.ReadAll(r.Body)
		h, ok := routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h(w, r, body)
	}))
	t.Cleanup(server.Close)

	return NewGateway(GatewayConfig{
		BaseURL:        server.URL,
		APIKey:         "key",
		SecretKey:      "secret",
		RequestTimeout: 2 * time.Second,
		RateLimit:      1000,
		RateBurst:      1000,
	}, logging.NewNopLogger())
}

func reply(w http.ResponseWriter, code int, msg string, result string) {
	if result == "" {
		result = "{}"
	}
	_, _ = w.Write([]byte(`{"retCode":` + itoa(code) + `,"retMsg":"` + msg + `","result":` + result + `}`))
}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

func TestGateway_PlaceOrder(t *testing.T) {
	var sent map[string]interface{}
	g := newTestGateway(t, map[string]route{
		pathOrderCreate: func(w http.ResponseWriter, r *http.Request, body []byte) {
			require.NoError(t, json.Unmarshal(body, &sent))
			reply(w, 0, "OK", `{"orderId":"1321003749386327552","orderLinkId":"cid-1"}`)
		},
	})

	ack, err := g.PlaceOrder(context.Background(), core.OrderRequest{
		ClientOrderID: "cid-1",
		Symbol:        "BTCUSDT",
		Side:          core.OrderSideBuy,
		Type:          core.OrderTypeLimit,
		Quantity:      "2",
		Price:         "42000",
		TimeInForce:   core.TimeInForcePostOnly,
	})
	require.NoError(t, err)
	assert.Equal(t, "1321003749386327552", ack.OrderID)
	assert.Equal(t, "cid-1", ack.ClientOrderID)

	assert.Equal(t, "linear", sent["category"])
	assert.Equal(t, "Buy", sent["side"])
	assert.Equal(t, "Limit", sent["orderType"])
	assert.Equal(t, "42000", sent["price"])
	assert.Equal(t, "PostOnly", sent["timeInForce"])
	assert.Equal(t, "cid-1", sent["orderLinkId"])
}

func TestGateway_PlaceMarketOrderOmitsPrice(t *testing.T) {
	var sent map[string]interface{}
	g := newTestGateway(t, map[string]route{
		pathOrderCreate: func(w http.ResponseWriter, r *http.Request, body []byte) {
			require.NoError(t, json.Unmarshal(body, &sent))
			reply(w, 0, "OK", `{"orderId":"1","orderLinkId":"cid"}`)
		},
	})

	_, err := g.PlaceOrder(context.Background(), core.OrderRequest{
		ClientOrderID: "cid", Symbol: "BTCUSDT", Side: core.OrderSideSell, Type: core.OrderTypeMarket, Quantity: "1",
	})
	require.NoError(t, err)
	_, hasPrice := sent["price"]
	assert.False(t, hasPrice)
	assert.Equal(t, "Market", sent["orderType"])
}

func TestGateway_PlaceOrderRejection(t *testing.T) {
	var calls int
	g := newTestGateway(t, map[string]route{
		pathOrderCreate: func(w http.ResponseWriter, r *http.Request, body []byte) {
			calls++
			reply(w, 110007, "ab not enough for new order", "")
		},
	})

	_, err := g.PlaceOrder(context.Background(), core.OrderRequest{
		Symbol: "BTCUSDT", Side: core.OrderSideBuy, Type: core.OrderTypeMarket, Quantity: "100",
	})

	var rej *apperrors.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, 110007, rej.Code)
	assert.Equal(t, "ab not enough for new order", rej.Reason)
	assert.ErrorIs(t, err, apperrors.ErrOrderRejected)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	assert.Equal(t, 1, calls)
}

func TestGateway_PlaceOrderServerErrorNotRetried(t *testing.T) {
	var calls int
	g := newTestGateway(t, map[string]route{
		pathOrderCreate: func(w http.ResponseWriter, r *http.Request, body []byte) {
			calls++
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})

	_, err := g.PlaceOrder(context.Background(), core.OrderRequest{
		Symbol: "BTCUSDT", Side: core.OrderSideBuy, Type: core.OrderTypeMarket, Quantity: "1",
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrRequestNotSent)
	assert.Equal(t, 1, calls)
}

func TestGateway_PlaceOrderAckWithoutOrderID(t *testing.T) {
	g := newTestGateway(t, map[string]route{
		pathOrderCreate: func(w http.ResponseWriter, r *http.Request, body []byte) {
			reply(w, 0, "OK", `{"orderLinkId":"cid"}`)
		},
	})

	_, err := g.PlaceOrder(context.Background(), core.OrderRequest{
		ClientOrderID: "cid", Symbol: "BTCUSDT", Side: core.OrderSideBuy, Type: core.OrderTypeMarket, Quantity: "1",
	})
	assert.ErrorIs(t, err, apperrors.ErrOutcomeUnknown)
	assert.ErrorIs(t, err, apperrors.ErrProtocol)
}

func TestGateway_RateLimiterFailureIsNotSent(t *testing.T) {
	var calls int
	g := newTestGateway(t, map[string]route{
		pathOrderCreate: func(w http.ResponseWriter, r *http.Request, body []byte) {
			calls++
			reply(w, 0, "OK", `{"orderId":"1","orderLinkId":"cid"}`)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.PlaceOrder(ctx, core.OrderRequest{
		ClientOrderID: "cid", Symbol: "BTCUSDT", Side: core.OrderSideBuy, Type: core.OrderTypeMarket, Quantity: "1",
	})
	assert.ErrorIs(t, err, apperrors.ErrRequestNotSent)
	assert.Equal(t, 0, calls)
}

func rawOpenOrder(id int) string {
	return `{"orderId":"` + itoa(id) + `","orderLinkId":"cid-` + itoa(id) + `","symbol":"BTCUSDT","side":"Buy",` +
		`"orderType":"Limit","price":"42000","qty":"1","orderStatus":"New","cumExecQty":"0","avgPrice":"",` +
		`"timeInForce":"GTC","createdTime":"1700000000000","updatedTime":"1700000000000"}`
}

func TestGateway_GetOpenOrdersFollowsCursor(t *testing.T) {
	var queries []string
	g := newTestGateway(t, map[string]route{
		pathOrderRealtime: func(w http.ResponseWriter, r *http.Request, body []byte) {
			queries = append(queries, r.URL.RawQuery)
			var items []string
			switch r.URL.Query().Get("cursor") {
			case "":
				for i := 1; i <= 50; i++ {
					items = append(items, rawOpenOrder(i))
				}
				reply(w, 0, "OK", `{"list":[`+strings.Join(items, ",")+`],"nextPageCursor":"page2"}`)
			case "page2":
				reply(w, 0, "OK", `{"list":[`+rawOpenOrder(51)+`],"nextPageCursor":""}`)
			default:
				t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
			}
		},
	})

	orders, err := g.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 51)
	assert.Equal(t, "1", orders[0].OrderID)
	assert.Equal(t, "51", orders[50].OrderID)
	require.Len(t, queries, 2)
	assert.NotContains(t, queries[0], "cursor=")
	assert.Contains(t, queries[1], "cursor=page2")
	assert.Contains(t, queries[1], "symbol=BTCUSDT")
}

func TestGateway_GetOpenOrdersRepeatedCursor(t *testing.T) {
	g := newTestGateway(t, map[string]route{
		pathOrderRealtime: func(w http.ResponseWriter, r *http.Request, body []byte) {
			reply(w, 0, "OK", `{"list":[`+rawOpenOrder(1)+`],"nextPageCursor":"same"}`)
		},
	})

	_, err := g.GetOpenOrders(context.Background(), "")
	assert.ErrorIs(t, err, apperrors.ErrProtocol)
}

func TestGateway_CancelNotFound(t *testing.T) {
	g := newTestGateway(t, map[string]route{
		pathOrderCancel: func(w http.ResponseWriter, r *http.Request, body []byte) {
			reply(w, 110001, "order not exists or too late to cancel", "")
		},
	})

	err := g.CancelOrder(context.Background(), "BTCUSDT", "42")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestGateway_GetOrderFallsBackToHistory(t *testing.T) {
	var historyQuery string
	g := newTestGateway(t, map[string]route{
		pathOrderRealtime: func(w http.ResponseWriter, r *http.Request, body []byte) {
			reply(w, 0, "OK", `{"list":[]}`)
		},
		pathOrderHistory: func(w http.ResponseWriter, r *http.Request, body []byte) {
			historyQuery = r.URL.RawQuery
			reply(w, 0, "OK", `{"list":[{
				"orderId":"42","orderLinkId":"cid","symbol":"BTCUSDT","side":"Buy","orderType":"Limit",
				"price":"42000","qty":"2","orderStatus":"Filled","cumExecQty":"2","avgPrice":"42000",
				"timeInForce":"GTC","rejectReason":"EC_NoError","createdTime":"1700000000000","updatedTime":"1700000001000"}]}`)
		},
	})

	order, err := g.GetOrder(context.Background(), "BTCUSDT", "", "cid")
	require.NoError(t, err)
	assert.Contains(t, historyQuery, "orderLinkId=cid")
	assert.Equal(t, "42", order.OrderID)
	assert.Equal(t, core.OrderStatusFilled, order.Status)
	assert.True(t, order.FilledQuantity.Equal(decimal.NewFromInt(2)))
	require.NotNil(t, order.AverageFillPrice)
	assert.True(t, order.AverageFillPrice.Equal(decimal.NewFromInt(42000)))
	assert.Empty(t, order.RejectReason)
	assert.Equal(t, time.UnixMilli(1700000001000), order.UpdatedAt)
}

func TestGateway_GetOrderNotFound(t *testing.T) {
	g := newTestGateway(t, map[string]route{
		pathOrderRealtime: func(w http.ResponseWriter, r *http.Request, body []byte) { reply(w, 0, "OK", `{"list":[]}`) },
		pathOrderHistory:  func(w http.ResponseWriter, r *http.Request, body []byte) { reply(w, 0, "OK", `{"list":[]}`) },
	})

	_, err := g.GetOrder(context.Background(), "BTCUSDT", "missing", "")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestGateway_GetPositions(t *testing.T) {
	g := newTestGateway(t, map[string]route{
		pathPositionList: func(w http.ResponseWriter, r *http.Request, body []byte) {
			assert.Equal(t, "USDT", r.URL.Query().Get("settleCoin"))
			reply(w, 0, "OK", `{"list":[
				{"symbol":"BTCUSDT","side":"Sell","size":"0.5","avgPrice":"43000","markPrice":"42900","unrealisedPnl":"50","cumRealisedPnl":"-1.2","leverage":"10","positionIM":"2150"},
				{"symbol":"ETHUSDT","side":"","size":"0","avgPrice":"0","markPrice":"2300","unrealisedPnl":"0","leverage":"10","positionIM":"0"}]}`)
		},
	})

	positions, err := g.GetPositions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, positions, 2)

	btc := positions[0]
	assert.Equal(t, core.PositionSideShort, btc.Side)
	assert.True(t, btc.Size.Equal(decimal.RequireFromString("0.5")))
	require.NotNil(t, btc.EntryPrice)
	assert.True(t, btc.EntryPrice.Equal(decimal.NewFromInt(43000)))
	assert.True(t, btc.SignedSize().Equal(decimal.RequireFromString("-0.5")))

	eth := positions[1]
	assert.Equal(t, core.PositionSideFlat, eth.Side)
	assert.Nil(t, eth.EntryPrice)
}

func TestGateway_GetBalances(t *testing.T) {
	g := newTestGateway(t, map[string]route{
		pathWalletBalance: func(w http.ResponseWriter, r *http.Request, body []byte) {
			assert.Equal(t, "UNIFIED", r.URL.Query().Get("accountType"))
			reply(w, 0, "OK", `{"list":[{"accountType":"UNIFIED","coin":[
				{"coin":"USDT","walletBalance":"1000","locked":"0","totalOrderIM":"100","totalPositionIM":"200"}]}]}`)
		},
	})

	balances, err := g.GetBalances(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, "USDT", balances[0].Asset)
	assert.True(t, balances[0].UsedBalance.Equal(decimal.NewFromInt(300)))
	assert.True(t, balances[0].AvailableBalance.Equal(decimal.NewFromInt(700)))
	assert.True(t, balances[0].Consistent())
}

func TestGateway_MalformedResultIsProtocolError(t *testing.T) {
	g := newTestGateway(t, map[string]route{
		pathOrderRealtime: func(w http.ResponseWriter, r *http.Request, body []byte) {
			reply(w, 0, "OK", `{"list":[{"orderId":"1","symbol":"BTCUSDT","side":"Buy","qty":"abc","orderStatus":"New"}]}`)
		},
	})

	_, err := g.GetOpenOrders(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, apperrors.ErrProtocol)
}

func TestGateway_AuthErrorMapping(t *testing.T) {
	g := newTestGateway(t, map[string]route{
		pathWalletBalance: func(w http.ResponseWriter, r *http.Request, body []byte) {
			w.WriteHeader(http.StatusUnauthorized)
			reply(w, 10003, "API key is invalid.", "")
		},
	})

	_, err := g.GetBalances(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrAuthenticationFailed)
}

func TestParsePrivateMessage(t *testing.T) {
	events, err := parsePrivateMessage([]byte(`{"topic":"order","data":[{
		"orderId":"42","orderLinkId":"cid","symbol":"BTCUSDT","side":"Buy","orderType":"Limit",
		"orderStatus":"PartiallyFilled","cumExecQty":"1","avgPrice":"42000","updatedTime":"1700000000000"}]}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.OrderStatusPartiallyFilled, events[0].Status)
	require.NotNil(t, events[0].CumFilledQty)
	assert.True(t, events[0].CumFilledQty.Equal(decimal.NewFromInt(1)))
	assert.Nil(t, events[0].Fill)

	events, err = parsePrivateMessage([]byte(`{"topic":"execution","data":[
		{"execId":"e1","orderId":"42","symbol":"BTCUSDT","side":"Buy","execQty":"1","execPrice":"42000","execFee":"0.1","execType":"Trade","execTime":"1700000000000"},
		{"execId":"e2","orderId":"","symbol":"BTCUSDT","side":"Buy","execQty":"1","execPrice":"42000","execType":"Funding","execTime":"1700000000000"}]}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Fill)
	assert.Equal(t, "e1", events[0].Fill.TradeID)
	assert.True(t, events[0].Fill.Fee.Equal(decimal.RequireFromString("0.1")))

	events, err = parsePrivateMessage([]byte(`{"op":"pong","success":true}`))
	assert.NoError(t, err)
	assert.Empty(t, events)

	events, err = parsePrivateMessage([]byte(`{"topic":"wallet","data":[]}`))
	assert.NoError(t, err)
	assert.Empty(t, events)

	_, err = parsePrivateMessage([]byte(`{"op":"auth","success":false,"ret_msg":"invalid sign"}`))
	assert.ErrorIs(t, err, apperrors.ErrAuthenticationFailed)

	_, err = parsePrivateMessage([]byte(`not json`))
	assert.ErrorIs(t, err, apperrors.ErrProtocol)

	_, err = parsePrivateMessage([]byte(`{"topic":"order","data":[{"orderId":"1","orderStatus":"Exploded"}]}`))
	assert.ErrorIs(t, err, apperrors.ErrProtocol)
}

func TestPrivateStream_AuthSubscribeAndReconnect(t *testing.T) {
	transport := mock.NewMockTransport()
	stream := NewPrivateStream(transport, NewSigner("key", "secret", 0),
		retry.BackoffConfig{Initial: time.Millisecond, Max: 2 * time.Millisecond}, 8, logging.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, stream.Run(ctx))
	}()

	conn := transport.NextConn(time.Second)
	require.NotNil(t, conn)
	require.Eventually(t, func() bool { return len(conn.Sent()) == 2 }, time.Second, time.Millisecond)
	sent := conn.Sent()
	assert.True(t, strings.Contains(sent[0], `"op":"auth"`))
	assert.JSONEq(t, `{"op":"subscribe","args":["order","execution"]}`, sent[1])

	conn.Push(`{"topic":"execution","data":[{"execId":"e1","orderId":"42","symbol":"BTCUSDT","side":"Sell","execQty":"1","execPrice":"100","execType":"Trade","execTime":"1"}]}`)
	select {
	case ev := <-stream.Events():
		require.NotNil(t, ev.Fill)
		assert.Equal(t, "42", ev.OrderID)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	conn.Drop()
	next := transport.NextConn(time.Second)
	require.NotNil(t, next, "stream did not reconnect")

	cancel()
	wg.Wait()
	_, open := <-stream.Events()
	assert.False(t, open)
}
