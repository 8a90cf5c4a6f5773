// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App        AppConfig        `yaml:"app"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Orders     OrdersConfig     `yaml:"orders"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	System     SystemConfig     `yaml:"system"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name    string `yaml:"name"`
	Testnet bool   `yaml:"testnet"`
}

// ExchangeConfig contains Bybit connection settings
type ExchangeConfig struct {
	APIKey       Secret `yaml:"api_key"`
	SecretKey    Secret `yaml:"secret_key"`
	BaseURL      string `yaml:"base_url"`
	WSPublicURL  string `yaml:"ws_public_url"`
	WSPrivateURL string `yaml:"ws_private_url"`
	RecvWindowMs int    `yaml:"recv_window_ms"`
	Category     string `yaml:"category"`
}

// MarketDataConfig contains ticker stream settings
type MarketDataConfig struct {
	Symbols             []string `yaml:"symbols"`
	PingIntervalSeconds int      `yaml:"ping_interval_seconds"`
	PongWaitSeconds     int      `yaml:"pong_wait_seconds"`
	ReconnectInitialMs  int      `yaml:"reconnect_initial_ms"`
	ReconnectMaxMs      int      `yaml:"reconnect_max_ms"`
	ReconnectMultiplier float64  `yaml:"reconnect_multiplier"`
	ReconnectJitter     float64  `yaml:"reconnect_jitter"`
	StableAfterSeconds  int      `yaml:"stable_after_seconds"`
	RecordFile          string   `yaml:"record_file"` // Empty disables the pipe-delimited record
	SubscriberBuffer    int      `yaml:"subscriber_buffer"`
}

// OrdersConfig contains order submission settings
type OrdersConfig struct {
	RequestTimeoutMs int     `yaml:"request_timeout_ms"`
	RateLimit        float64 `yaml:"rate_limit"` // requests per second
	RateBurst        int     `yaml:"rate_burst"`
	TimeInForce      string  `yaml:"time_in_force"`
	PrivateStream    bool    `yaml:"private_stream"`
}

// ReconcileConfig contains reconciler settings
type ReconcileConfig struct {
	IntervalSeconds  int `yaml:"interval_seconds"`
	RequestTimeoutMs int `yaml:"request_timeout_ms"`
	FollowUpWorkers  int `yaml:"follow_up_workers"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort      int     `yaml:"metrics_port"`
	EnableMetrics    bool    `yaml:"enable_metrics"`
	ExportStdout     bool    `yaml:"export_stdout"` // pretty-print spans and OTel log records to stdout
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion.
// Unset keys keep their DefaultConfig values.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.applyTestnet()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	validators := []func() error{
		c.validateExchange,
		c.validateMarketData,
		c.validateOrders,
		c.validateReconcile,
		c.validateSystem,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			errors = append(errors, err.Error())
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateExchange() error {
	if c.Exchange.BaseURL == "" {
		return ValidationError{Field: "exchange.base_url", Message: "base URL is required"}
	}
	if c.Exchange.WSPublicURL == "" {
		return ValidationError{Field: "exchange.ws_public_url", Message: "public websocket URL is required"}
	}
	if c.Exchange.RecvWindowMs <= 0 {
		return ValidationError{
			Field:   "exchange.recv_window_ms",
			Value:   c.Exchange.RecvWindowMs,
			Message: "must be positive",
		}
	}
	if c.Exchange.Category != "linear" && c.Exchange.Category != "inverse" {
		return ValidationError{
			Field:   "exchange.category",
			Value:   c.Exchange.Category,
			Message: "must be one of: linear, inverse",
		}
	}
	// Credentials are only needed for authenticated calls
	if c.Orders.PrivateStream || c.Reconcile.IntervalSeconds > 0 {
		if c.Exchange.APIKey == "" {
			return ValidationError{Field: "exchange.api_key", Message: "API key is required"}
		}
		if c.Exchange.SecretKey == "" {
			return ValidationError{Field: "exchange.secret_key", Message: "secret key is required"}
		}
	}
	return nil
}

func (c *Config) validateMarketData() error {
	if len(c.MarketData.Symbols) == 0 {
		return ValidationError{Field: "market_data.symbols", Message: "at least one symbol is required"}
	}
	seen := make(map[string]bool)
	for _, s := range c.MarketData.Symbols {
		if s == "" || strings.ToUpper(s) != s {
			return ValidationError{Field: "market_data.symbols", Value: s, Message: "symbols must be non-empty upper case"}
		}
		if seen[s] {
			return ValidationError{Field: "market_data.symbols", Value: s, Message: "duplicate symbol"}
		}
		seen[s] = true
	}
	if c.MarketData.ReconnectInitialMs <= 0 {
		return ValidationError{Field: "market_data.reconnect_initial_ms", Value: c.MarketData.ReconnectInitialMs, Message: "must be positive"}
	}
	if c.MarketData.ReconnectMaxMs < c.MarketData.ReconnectInitialMs {
		return ValidationError{Field: "market_data.reconnect_max_ms", Value: c.MarketData.ReconnectMaxMs, Message: "must be >= reconnect_initial_ms"}
	}
	if c.MarketData.ReconnectMultiplier < 2 {
		return ValidationError{Field: "market_data.reconnect_multiplier", Value: c.MarketData.ReconnectMultiplier, Message: "must be >= 2"}
	}
	if c.MarketData.ReconnectJitter < 0 || c.MarketData.ReconnectJitter >= 1 {
		return ValidationError{Field: "market_data.reconnect_jitter", Value: c.MarketData.ReconnectJitter, Message: "must be in [0, 1)"}
	}
	if c.MarketData.PongWaitSeconds > 0 && c.MarketData.PingIntervalSeconds >= c.MarketData.PongWaitSeconds {
		return ValidationError{Field: "market_data.ping_interval_seconds", Value: c.MarketData.PingIntervalSeconds, Message: "must be shorter than pong_wait_seconds"}
	}
	return nil
}

func (c *Config) validateOrders() error {
	if c.Orders.RequestTimeoutMs <= 0 {
		return ValidationError{Field: "orders.request_timeout_ms", Value: c.Orders.RequestTimeoutMs, Message: "every request needs a bounded timeout"}
	}
	if c.Orders.RateLimit <= 0 {
		return ValidationError{Field: "orders.rate_limit", Value: c.Orders.RateLimit, Message: "must be positive"}
	}
	if c.Orders.RateBurst <= 0 {
		return ValidationError{Field: "orders.rate_burst", Value: c.Orders.RateBurst, Message: "must be positive"}
	}
	validTIF := []string{"GTC", "IOC", "FOK", "PostOnly"}
	if !contains(validTIF, c.Orders.TimeInForce) {
		return ValidationError{
			Field:   "orders.time_in_force",
			Value:   c.Orders.TimeInForce,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validTIF, ", ")),
		}
	}
	return nil
}

func (c *Config) validateReconcile() error {
	if c.Reconcile.IntervalSeconds < 0 {
		return ValidationError{Field: "reconcile.interval_seconds", Value: c.Reconcile.IntervalSeconds, Message: "must not be negative (0 disables)"}
	}
	if c.Reconcile.RequestTimeoutMs <= 0 {
		return ValidationError{Field: "reconcile.request_timeout_ms", Value: c.Reconcile.RequestTimeoutMs, Message: "must be positive"}
	}
	if c.Reconcile.FollowUpWorkers <= 0 {
		return ValidationError{Field: "reconcile.follow_up_workers", Value: c.Reconcile.FollowUpWorkers, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

var testnetURLs = map[string]string{
	"https://api.bybit.com":                   "https://api-testnet.bybit.com",
	"wss://stream.bybit.com/v5/public/linear": "wss://stream-testnet.bybit.com/v5/public/linear",
	"wss://stream.bybit.com/v5/private":       "wss://stream-testnet.bybit.com/v5/private",
}

// applyTestnet swaps mainnet default endpoints for their testnet counterparts.
// Explicitly configured non-default URLs are kept.
func (c *Config) applyTestnet() {
	if !c.App.Testnet {
		return
	}
	for _, u := range []*string{&c.Exchange.BaseURL, &c.Exchange.WSPublicURL, &c.Exchange.WSPrivateURL} {
		if t, ok := testnetURLs[*u]; ok {
			*u = t
		}
	}
}

// RequestTimeout returns the order request timeout
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Orders.RequestTimeoutMs) * time.Millisecond
}

// ReconcileTimeout returns the timeout for reconciliation pulls
func (c *Config) ReconcileTimeout() time.Duration {
	return time.Duration(c.Reconcile.RequestTimeoutMs) * time.Millisecond
}

// ReconcileInterval returns the period of the reconcile loop; zero disables it
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalSeconds) * time.Second
}

// String returns a YAML rendering with secrets redacted
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns production defaults for Bybit mainnet
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name: "perp_gateway",
		},
		Exchange: ExchangeConfig{
			BaseURL:      "https://api.bybit.com",
			WSPublicURL:  "wss://stream.bybit.com/v5/public/linear",
			WSPrivateURL: "wss://stream.bybit.com/v5/private",
			RecvWindowMs: 5000,
			Category:     "linear",
		},
		MarketData: MarketDataConfig{
			Symbols:             []string{"BTCUSDT"},
			PingIntervalSeconds: 20,
			PongWaitSeconds:     60,
			ReconnectInitialMs:  1000,
			ReconnectMaxMs:      30000,
			ReconnectMultiplier: 2,
			ReconnectJitter:     0.2,
			StableAfterSeconds:  60,
			SubscriberBuffer:    256,
		},
		Orders: OrdersConfig{
			RequestTimeoutMs: 5000,
			RateLimit:        10,
			RateBurst:        20,
			TimeInForce:      "GTC",
		},
		Reconcile: ReconcileConfig{
			IntervalSeconds:  0,
			RequestTimeoutMs: 10000,
			FollowUpWorkers:  4,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
