package supervisor

import (
	"context"
	"math/rand"
	"time"
)

// Backoff policy names.
const (
	PolicyFixed       = "fixed"
	PolicyExponential = "exponential"
)

// BackoffConfig controls the delay between session attempts.
type BackoffConfig struct {
	// Policy is PolicyFixed (default) or PolicyExponential.
	Policy string

	// InitialDelay is the fixed delay, or the first exponential delay
	// (default: 1s).
	InitialDelay time.Duration

	// MaxDelay caps exponential growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the exponential delay after each failure
	// (default: 2.0).
	Multiplier float64
}

// DefaultBackoffConfig is a fixed one-second delay with no jitter.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Policy:       PolicyFixed,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

// withDefaults replaces zero-value fields with defaults.
func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.Policy == "" {
		c.Policy = d.Policy
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier <= 1 {
		c.Multiplier = d.Multiplier
	}
	return c
}

// backoff yields successive retry delays.
type backoff struct {
	cfg     BackoffConfig
	current time.Duration
	jitter  func() float64 // in [0, 1)
}

func newBackoff(cfg BackoffConfig) *backoff {
	cfg = cfg.withDefaults()
	return &backoff{
		cfg:     cfg,
		current: cfg.InitialDelay,
		jitter:  rand.Float64,
	}
}

// Next returns the delay to wait before the next attempt. Exponential
// delays are jittered to between half and all of the nominal value so
// several collectors do not stampede a recovering broker.
func (b *backoff) Next() time.Duration {
	if b.cfg.Policy != PolicyExponential {
		return b.cfg.InitialDelay
	}

	nominal := b.current
	half := nominal / 2
	d := half + time.Duration(b.jitter()*float64(nominal-half))

	b.current = time.Duration(float64(b.current) * b.cfg.Multiplier)
	if b.current > b.cfg.MaxDelay {
		b.current = b.cfg.MaxDelay
	}
	return d
}

// Reset returns to the initial delay, after a session that streamed.
func (b *backoff) Reset() {
	b.current = b.cfg.InitialDelay
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
