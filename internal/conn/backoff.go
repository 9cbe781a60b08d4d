package conn

import (
	"math"
	"time"
)

// BackoffConfig holds the configuration for exponential reconnect backoff.
type BackoffConfig struct {
	Base       time.Duration // Delay after the first failure (default: 1s)
	Max        time.Duration // Maximum delay (default: 30s)
	Multiplier float64       // Growth factor per consecutive failure (default: 2.0)
}

// DefaultBackoffConfig returns sensible defaults for reconnect backoff.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:       time.Second,
		Max:        30 * time.Second,
		Multiplier: 2.0,
	}
}

// Backoff calculates exponential backoff delays for reconnect attempts.
// Delays are deterministic and never decrease between consecutive failures,
// so operators can predict exactly when the next attempt is due.
type Backoff struct {
	config   BackoffConfig
	attempts int
}

// NewBackoff creates a Backoff calculator. Zero or invalid config fields
// fall back to the defaults.
func NewBackoff(cfg BackoffConfig) *Backoff {
	def := DefaultBackoffConfig()
	if cfg.Base <= 0 {
		cfg.Base = def.Base
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	return &Backoff{config: cfg}
}

// Next returns the delay for the current failure and increments the
// attempt counter.
func (b *Backoff) Next() time.Duration {
	delay := b.Calculate()
	b.attempts++
	return delay
}

// Calculate returns the current backoff delay without incrementing attempts.
func (b *Backoff) Calculate() time.Duration {
	// base * multiplier^attempts, capped at the maximum
	delay := float64(b.config.Base) * math.Pow(b.config.Multiplier, float64(b.attempts))

	if delay > float64(b.config.Max) {
		delay = float64(b.config.Max)
	}

	return time.Duration(delay)
}

// Reset resets the attempt counter to zero. Called after a successful
// connect so the next failure starts from the base delay again.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the number of consecutive failures recorded.
func (b *Backoff) Attempts() int {
	return b.attempts
}
