// Package ratelimit paces submissions to the analysis site with a token
// bucket shared by every worker.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration. A non-positive RPS disables
// limiting.
type Config struct {
	RPS   float64
	Burst int
}

// Limiter wraps a rate.Limiter and reports how long callers were held back.
type Limiter struct {
	limiter *rate.Limiter
	onDelay func(time.Duration)
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(r, burst)}
}

// OnDelay registers fn to receive every non-trivial wait.
func (l *Limiter) OnDelay(fn func(time.Duration)) {
	l.onDelay = fn
}

// Wait blocks until a token is available, respecting the context.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not reported.
	if d := time.Since(start); d > time.Millisecond && l.onDelay != nil {
		l.onDelay(d)
	}
	return nil
}
