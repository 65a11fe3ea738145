package recovery

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	MaxAttempts int           // Total attempts including the first (default 3)
	BaseDelay   time.Duration // Delay before the first retry (default 500ms)
	MaxDelay    time.Duration // Upper bound for any delay (default 30s)
	Multiplier  float64       // Growth factor per retry (default 2.0)
	Jitter      float64       // Randomization factor (default 0.2)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

// normalize fills zero values from the defaults and bounds jitter so that
// the randomized delays still grow: with multiplier m, a factor up to
// (m-1)/(m+1) keeps the worst next delay above the best current one.
func (c RetryConfig) normalize() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if limit := (c.Multiplier - 1) / (c.Multiplier + 1); c.Jitter > limit {
		c.Jitter = limit
	}
	return c
}

// MonotonicBackOff is an exponential backoff whose successive delays never
// decrease and never exceed the configured maximum.
type MonotonicBackOff struct {
	inner *backoff.ExponentialBackOff
	max   time.Duration
	floor time.Duration
	boost float64
}

// NewBackOff creates a MonotonicBackOff from cfg.
func NewBackOff(cfg RetryConfig) *MonotonicBackOff {
	cfg = cfg.normalize()

	inner := backoff.NewExponentialBackOff()
	inner.InitialInterval = cfg.BaseDelay
	inner.MaxInterval = cfg.MaxDelay
	inner.Multiplier = cfg.Multiplier
	inner.RandomizationFactor = cfg.Jitter
	inner.MaxElapsedTime = 0 // Attempts are bounded by MaxAttempts instead
	inner.Reset()

	return &MonotonicBackOff{inner: inner, max: cfg.MaxDelay}
}

// NextBackOff implements backoff.BackOff.
func (b *MonotonicBackOff) NextBackOff() time.Duration {
	d := b.inner.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if b.boost > 1 {
		d = time.Duration(float64(d) * b.boost)
		b.boost = 0
	}
	d = min(d, b.max)
	d = max(d, b.floor)
	b.floor = d
	return d
}

// Reset implements backoff.BackOff.
func (b *MonotonicBackOff) Reset() {
	b.inner.Reset()
	b.floor = 0
	b.boost = 0
}

// Boost stretches the next delay by factor, still capped at the maximum.
func (b *MonotonicBackOff) Boost(factor float64) {
	b.boost = factor
}
