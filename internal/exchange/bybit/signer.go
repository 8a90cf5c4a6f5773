// Package bybit implements the order and account gateways and the private order stream for Bybit v5
package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Signer authenticates REST requests and private stream logins
type Signer struct {
	apiKey     string
	secretKey  string
	recvWindow string
	now        func() time.Time
}

// NewSigner creates a Signer. recvWindow bounds how stale a signed request may be on arrival.
func NewSigner(apiKey, secretKey string, recvWindow time.Duration) *Signer {
	if recvWindow <= 0 {
		recvWindow = 5 * time.Second
	}
	return &Signer{
		apiKey:     apiKey,
		secretKey:  secretKey,
		recvWindow: strconv.FormatInt(recvWindow.Milliseconds(), 10),
		now:        time.Now,
	}
}

// SignRequest adds authentication headers.
// signature = HMAC_SHA256(timestamp + key + recv_window + payload, secret), payload being the
// query string for GET and the raw body otherwise.
func (s *Signer) SignRequest(req *http.Request, body []byte) error {
	if s.apiKey == "" || s.secretKey == "" {
		return fmt.Errorf("missing API credentials")
	}

	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)

	payload := string(body)
	if req.Method == http.MethodGet {
		payload = req.URL.RawQuery
	}

	req.Header.Set("X-BAPI-API-KEY", s.apiKey)
	req.Header.Set("X-BAPI-SIGN", s.sign(timestamp+s.apiKey+s.recvWindow+payload))
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", s.recvWindow)
	return nil
}

// AuthArgs returns the args of the private websocket "auth" op
func (s *Signer) AuthArgs(validFor time.Duration) []interface{} {
	expires := s.now().Add(validFor).UnixMilli()
	signature := s.sign(fmt.Sprintf("GET/realtime%d", expires))
	return []interface{}{s.apiKey, expires, signature}
}

func (s *Signer) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
