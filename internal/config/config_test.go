package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:     "expand single env var",
			input:    "api_key: ${TEST_API_KEY}",
			envVars:  map[string]string{"TEST_API_KEY": "test_key_123"},
			expected: "api_key: test_key_123",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR_FOR_TEST}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
		{
			name:     "mixed static and env vars",
			input:    "recv_window_ms: 5000\nsecret_key: ${TEST_SECRET}",
			envVars:  map[string]string{"TEST_SECRET": "s3cr3t"},
			expected: "recv_window_ms: 5000\nsecret_key: s3cr3t",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.expected, expandEnvVars(tt.input))
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	t.Setenv("TEST_BYBIT_API_KEY", "key-from-env")
	t.Setenv("TEST_BYBIT_SECRET_KEY", "secret-from-env")

	path := writeConfig(t, `exchange:
  api_key: "${TEST_BYBIT_API_KEY}"
  secret_key: "${TEST_BYBIT_SECRET_KEY}"
  base_url: "https://api-testnet.bybit.com"
market_data:
  symbols: ["BTCUSDT", "ETHUSDT"]
  record_file: "ticks.log"
orders:
  private_stream: true
reconcile:
  interval_seconds: 30
system:
  log_level: "DEBUG"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "key-from-env", cfg.Exchange.APIKey.Reveal())
	assert.Equal(t, "secret-from-env", cfg.Exchange.SecretKey.Reveal())
	assert.Equal(t, "https://api-testnet.bybit.com", cfg.Exchange.BaseURL)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.MarketData.Symbols)
	assert.Equal(t, "ticks.log", cfg.MarketData.RecordFile)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval())

	// Defaults survive for keys the file leaves out
	assert.Equal(t, "linear", cfg.Exchange.Category)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout())
	assert.Equal(t, "GTC", cfg.Orders.TimeInForce)
}

func TestLoadConfig_TestnetSwapsDefaultEndpoints(t *testing.T) {
	path := writeConfig(t, `app:
  testnet: true
exchange:
  ws_public_url: "wss://example.test/public"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api-testnet.bybit.com", cfg.Exchange.BaseURL)
	assert.Equal(t, "wss://stream-testnet.bybit.com/v5/private", cfg.Exchange.WSPrivateURL)
	assert.Equal(t, "wss://example.test/public", cfg.Exchange.WSPublicURL)
}

func TestLoadConfig_MissingCredentialsForPrivateStream(t *testing.T) {
	path := writeConfig(t, `orders:
  private_stream: true
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchange.api_key")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"no symbols", func(c *Config) { c.MarketData.Symbols = nil }, "market_data.symbols"},
		{"duplicate symbol", func(c *Config) { c.MarketData.Symbols = []string{"BTCUSDT", "BTCUSDT"} }, "market_data.symbols"},
		{"lower case symbol", func(c *Config) { c.MarketData.Symbols = []string{"btcusdt"} }, "market_data.symbols"},
		{"max below initial", func(c *Config) { c.MarketData.ReconnectMaxMs = 10 }, "market_data.reconnect_max_ms"},
		{"multiplier below 2", func(c *Config) { c.MarketData.ReconnectMultiplier = 1.5 }, "market_data.reconnect_multiplier"},
		{"jitter out of range", func(c *Config) { c.MarketData.ReconnectJitter = 1 }, "market_data.reconnect_jitter"},
		{"ping slower than pong", func(c *Config) { c.MarketData.PingIntervalSeconds = 90 }, "market_data.ping_interval_seconds"},
		{"unbounded timeout", func(c *Config) { c.Orders.RequestTimeoutMs = 0 }, "orders.request_timeout_ms"},
		{"bad time in force", func(c *Config) { c.Orders.TimeInForce = "DAY" }, "orders.time_in_force"},
		{"bad category", func(c *Config) { c.Exchange.Category = "spot" }, "exchange.category"},
		{"bad log level", func(c *Config) { c.System.LogLevel = "TRACE" }, "system.log_level"},
		{"negative interval", func(c *Config) { c.Reconcile.IntervalSeconds = -1 }, "reconcile.interval_seconds"},
	}

	require.NoError(t, DefaultConfig().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestSecretRedaction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchange.APIKey = "plain-api-key"
	cfg.Exchange.SecretKey = "plain-secret"

	rendered := cfg.String()
	assert.NotContains(t, rendered, "plain-api-key")
	assert.NotContains(t, rendered, "plain-secret")
	assert.Contains(t, rendered, "[REDACTED]")

	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", cfg.Exchange.SecretKey))
	assert.Equal(t, `"[REDACTED]"`, fmt.Sprintf("%#v", cfg.Exchange.SecretKey))
	assert.Equal(t, "", Secret("").String())
}
