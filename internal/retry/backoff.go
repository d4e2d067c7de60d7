// Package retry paces compare-and-swap retry loops so contenders that lost a
// race re-read at different times.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Defaults applied to zero Policy fields.
const (
	DefaultMaxAttempts = 64
	DefaultBaseDelay   = 5 * time.Millisecond
	DefaultMaxDelay    = 250 * time.Millisecond
)

// Policy bounds a retry loop with jittered exponential backoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// WithDefaults fills zero or negative fields.
func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Backoff returns the pause after the given failed attempt (1-based): half of
// BaseDelay*2^(attempt-1), capped at MaxDelay, plus a random share of the
// other half.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	half := delay / 2
	if half <= 0 {
		return delay
	}
	return half + rand.N(half+1)
}

// Wait sleeps for Backoff(attempt) or until ctx is done, returning ctx.Err()
// in the latter case.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	d := p.Backoff(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
