package marketdata

import (
	"testing"
	"time"

	apperrors "perp_gateway/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		msg     string
		want    string
		wantErr bool
	}{
		{"subscribe ack", `{"success":true,"ret_msg":"","conn_id":"x","op":"subscribe"}`, "control", false},
		{"pong", `{"success":true,"ret_msg":"pong","op":"ping"}`, "control", false},
		{"other symbol", `{"topic":"tickers.ETHUSDT","ts":1,"data":{"symbol":"ETHUSDT"}}`, "ignored", false},
		{"other channel", `{"topic":"orderbook.1.BTCUSDT","ts":1,"data":{}}`, "ignored", false},
		{"ticker", `{"topic":"tickers.BTCUSDT","ts":1,"data":{"symbol":"BTCUSDT","bid1Price":"100","bid1Size":"1"}}`, "ticker", false},
		{"invalid json", `{"topic":`, "", true},
		{"no op no topic", `{"data":{}}`, "", true},
		{"ticker without data", `{"topic":"tickers.BTCUSDT","ts":1}`, "", true},
		{"ticker data array", `{"topic":"tickers.BTCUSDT","ts":1,"data":[1,2]}`, "", true},
		{"symbol mismatch", `{"topic":"tickers.BTCUSDT","data":{"symbol":"ETHUSDT"}}`, "", true},
		{"malformed price", `{"topic":"tickers.BTCUSDT","data":{"bid1Price":"abc","bid1Size":"1"}}`, "", true},
		{"negative size", `{"topic":"tickers.BTCUSDT","data":{"ask1Price":"100","ask1Size":"-1"}}`, "", true},
		{"zero price with size", `{"topic":"tickers.BTCUSDT","data":{"ask1Price":"0","ask1Size":"1"}}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Classify("BTCUSDT", []byte(tt.msg))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, apperrors.ErrProtocol)
				var perr *apperrors.ProtocolError
				assert.ErrorAs(t, err, &perr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.kind())
		})
	}
}

func TestClassify_FieldPresence(t *testing.T) {
	ev, err := Classify("BTCUSDT", []byte(`{"topic":"tickers.BTCUSDT","ts":1700000000123,"data":{
		"symbol":"BTCUSDT","bid1Price":"100.5","bid1Size":"2","ask1Price":"","lastPrice":"100.7"}}`))
	require.NoError(t, err)

	ticker := ev.(TickerEvent)
	assert.Equal(t, SideSet, ticker.Bid.Change)
	assert.True(t, ticker.Bid.Price.Equal(decimal.RequireFromString("100.5")))
	assert.True(t, ticker.Bid.Size.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, SideCleared, ticker.Ask.Change)
	assert.Equal(t, time.UnixMilli(1700000000123), ticker.Timestamp)

	ev, err = Classify("BTCUSDT", []byte(`{"topic":"tickers.BTCUSDT","data":{"bid1Size":"0","ask1Price":"101"}}`))
	require.NoError(t, err)
	ticker = ev.(TickerEvent)
	assert.Equal(t, SideCleared, ticker.Bid.Change, "zero size clears")
	assert.Equal(t, SideUnchanged, ticker.Ask.Change, "price without size is not a complete level")
	assert.True(t, ticker.Timestamp.IsZero())
}
