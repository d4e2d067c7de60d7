// Package ratelimit implements per-worker token buckets that throttle claim
// polling, both at the API and inside local workers.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/crashtriage/internal/metrics"
)

// Limiter manages one token bucket per worker id.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	RPS   float64
	Burst int
}

// New creates a new Limiter. A non-positive RPS disables throttling.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	metrics.Init()
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

func (l *Limiter) bucket(workerID string) *rate.Limiter {
	if workerID == "" {
		workerID = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[workerID]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[workerID] = limiter
	}
	return limiter
}

// Allow reports whether workerID may claim now, consuming a token if so.
func (l *Limiter) Allow(workerID string) bool {
	if l.bucket(workerID).Allow() {
		return true
	}
	metrics.ObserveRateLimitRejection()
	return false
}

// Wait blocks until workerID has a token, respecting the context.
func (l *Limiter) Wait(ctx context.Context, workerID string) error {
	if err := l.bucket(workerID).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// Forget drops the bucket for a worker that left the fleet.
func (l *Limiter) Forget(workerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, workerID)
}
