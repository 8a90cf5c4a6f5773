package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy defines how to retry an operation
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is a sensible default retry policy
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc defines if an error is transient and should be retried
type IsTransientFunc func(error) bool

// Do executes a function with retries according to the policy.
// Only use it for idempotent operations.
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	var err error
	b := NewBackoff(BackoffConfig{
		Initial: policy.InitialBackoff,
		Max:     policy.MaxBackoff,
		Jitter:  0.5,
	})

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return err
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Next()):
		}
	}

	return err
}

// BackoffConfig configures a Backoff
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter adds up to Jitter*delay of random extra wait, clamped to Max. Must be in [0, 1).
	Jitter float64
	// StableAfter is how long a connection must stay up before the backoff resets
	StableAfter time.Duration
}

// DefaultReconnectBackoff is 1s, 2s, 4s ... capped at 30s, reset after a minute of stability
var DefaultReconnectBackoff = BackoffConfig{
	Initial:     time.Second,
	Max:         30 * time.Second,
	Multiplier:  2,
	Jitter:      0.2,
	StableAfter: time.Minute,
}

// Backoff produces capped, jittered exponential delays.
// Successive delays never decrease until Reset.
type Backoff struct {
	cfg  BackoffConfig
	mu   sync.Mutex
	base time.Duration
	rand func() float64
}

// NewBackoff creates a Backoff, normalizing out-of-range settings.
// Multipliers below 2 are raised to 2; Config reports the effective values.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultReconnectBackoff.Initial
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Multiplier < 2 {
		cfg.Multiplier = 2
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = 0
	}
	return &Backoff{cfg: cfg, rand: rand.Float64}
}

// Config returns the normalized configuration
func (b *Backoff) Config() BackoffConfig {
	return b.cfg
}

// Next returns the delay before the next attempt and advances the schedule.
// With multiplier >= 2 and jitter < 1 the jittered delay of step n stays below
// the un-jittered delay of step n+1, so the sequence is non-decreasing.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.base == 0 {
		b.base = b.cfg.Initial
	} else {
		next := time.Duration(float64(b.base) * b.cfg.Multiplier)
		if next > b.cfg.Max || next < b.base {
			next = b.cfg.Max
		}
		b.base = next
	}

	delay := b.base
	if b.cfg.Jitter > 0 {
		delay += time.Duration(b.rand() * b.cfg.Jitter * float64(b.base))
	}
	if delay > b.cfg.Max {
		delay = b.cfg.Max
	}
	return delay
}

// Reset restarts the schedule at Initial
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.base = 0
}

// ObserveUptime resets the schedule when a connection lasted at least StableAfter
func (b *Backoff) ObserveUptime(uptime time.Duration) bool {
	if b.cfg.StableAfter > 0 && uptime >= b.cfg.StableAfter {
		b.Reset()
		return true
	}
	return false
}
