// Package analyzer turns one URL into one validated pair of scores. The
// Controller owns the circuit breaker gate, retries, progressive timeouts and
// instance handling for a single request; the Analyzer in front of it adds
// normalization and caching.
package analyzer

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
	"github.com/JakeFAU/pagespeed-audit/internal/breaker"
	"github.com/JakeFAU/pagespeed-audit/internal/monitor"
	"github.com/JakeFAU/pagespeed-audit/internal/pool"
	"github.com/JakeFAU/pagespeed-audit/internal/scorer"
)

// Pool hands out browser instances.
type Pool interface {
	Acquire(ctx context.Context, timeout time.Duration) (*pool.Instance, error)
	Release(inst *pool.Instance, healthy bool)
	ReleaseFailed(inst *pool.Instance)
	MarkUnhealthy(inst *pool.Instance)
	ObserveMemory(inst *pool.Instance, bytes uint64)
}

// Breaker is the process-wide circuit breaker.
type Breaker interface {
	Allow() (breaker.Permit, bool)
	IsOpen() bool
	RecordSuccess(p breaker.Permit)
	RecordFailure(p breaker.Permit)
	ReleaseTrial(p breaker.Permit)
}

// Watcher supervises a session while an attempt runs.
type Watcher interface {
	Watch(ctx context.Context, target monitor.Target, hooks monitor.Hooks) *monitor.Watch
}

// Extractor runs the score extraction against one session.
type Extractor interface {
	Run(ctx context.Context, session audit.Session, url string, timeout time.Duration,
		abort scorer.Abort) (scorer.Scores, error)
}

// Limiter paces submissions to the analysis site.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Sleeper waits between attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// ControllerConfig holds the retry policy.
type ControllerConfig struct {
	MaxRetries     int
	RetryDelay     time.Duration
	BaseTimeout    time.Duration
	MaxTimeout     time.Duration
	AcquireTimeout time.Duration
	// Provenance stamps every result; empty means live.
	Provenance audit.Provenance
}

// DefaultControllerConfig: three attempts, 5s apart, 300s doubling to 600s.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		MaxRetries:     3,
		RetryDelay:     5 * time.Second,
		BaseTimeout:    300 * time.Second,
		MaxTimeout:     600 * time.Second,
		AcquireTimeout: 60 * time.Second,
	}
}

// AttemptTimeout returns min(base * 2^(k-1), maxTimeout) for attempt k >= 1.
func AttemptTimeout(base, maxTimeout time.Duration, k int) time.Duration {
	if k < 1 {
		k = 1
	}
	d := base
	for i := 1; i < k; i++ {
		if maxTimeout > 0 && d >= maxTimeout {
			break
		}
		d *= 2
	}
	if maxTimeout > 0 && d > maxTimeout {
		return maxTimeout
	}
	return d
}

// Controller runs one request to completion.
type Controller struct {
	cfg     ControllerConfig
	pool    Pool
	breaker Breaker
	watcher Watcher
	machine Extractor
	limiter Limiter
	sleeper Sleeper
	clock   audit.Clock
	tracer  trace.Tracer
	logger  *zap.Logger
}

// NewController wires a controller. limiter may be nil.
func NewController(
	cfg ControllerConfig,
	p Pool,
	b Breaker,
	w Watcher,
	m Extractor,
	limiter Limiter,
	sleeper Sleeper,
	clock audit.Clock,
	logger *zap.Logger,
) *Controller {
	def := DefaultControllerConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = def.BaseTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = def.MaxTimeout
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.Provenance == "" {
		cfg.Provenance = audit.ProvenanceLive
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:     cfg,
		pool:    p,
		breaker: b,
		watcher: w,
		machine: m,
		limiter: limiter,
		sleeper: sleeper,
		clock:   clock,
		tracer:  defaultTracer(),
		logger:  logger,
	}
}

// SetTracerProvider replaces the globally registered tracer provider.
func (c *Controller) SetTracerProvider(tp trace.TracerProvider) {
	c.tracer = tp.Tracer(tracerName)
}

// Run asks the breaker to admit req and executes it with retries. An open
// circuit fails fast without touching the pool. Exhausting every attempt
// records one breaker failure; a permanent error or cancellation records
// nothing.
func (c *Controller) Run(ctx context.Context, req audit.Request) (audit.Result, error) {
	logger := c.logger.With(zap.String("url", req.URL))
	permit, ok := c.breaker.Allow()
	if !ok {
		logger.Warn("circuit open, request rejected")
		return audit.Result{}, audit.CircuitOpen(req.URL)
	}

	attempts := req.MaxRetries
	if attempts <= 0 {
		attempts = c.cfg.MaxRetries
	}
	base := req.Timeout
	if base <= 0 {
		base = c.cfg.BaseTimeout
	}
	maxTimeout := max(c.cfg.MaxTimeout, base)

	var last *audit.Error
	for k := 1; k <= attempts; k++ {
		if k > 1 {
			if c.breaker.IsOpen() {
				logger.Info("circuit opened during retries, giving up", zap.Int("attempt", k))
				return audit.Result{}, audit.CircuitOpen(req.URL)
			}
			if err := c.sleeper.Sleep(ctx, c.cfg.RetryDelay); err != nil {
				c.breaker.ReleaseTrial(permit)
				return audit.Result{}, audit.AsError(err).WithContext(req.URL, "backoff")
			}
		}

		timeout := AttemptTimeout(base, maxTimeout, k)
		res, err := c.attempt(ctx, req.URL, timeout, k)
		if err == nil {
			c.breaker.RecordSuccess(permit)
			logger.Info("analysis succeeded", zap.Int("attempt", k))
			return res, nil
		}

		last = audit.AsError(err).WithContext(req.URL, "")
		if !audit.IsRetryable(last) {
			c.breaker.ReleaseTrial(permit)
			logger.Warn("analysis failed permanently",
				zap.Int("attempt", k),
				zap.String("reason", string(last.Reason)),
				zap.Error(last),
			)
			return audit.Result{}, last
		}
		logger.Warn("attempt failed",
			zap.Int("attempt", k),
			zap.Int("max_attempts", attempts),
			zap.Duration("timeout", timeout),
			zap.String("reason", string(last.Reason)),
			zap.Error(last),
		)
	}

	c.breaker.RecordFailure(permit)
	logger.Error("retries exhausted", zap.Int("attempts", attempts), zap.Error(last))
	return audit.Result{}, last
}

func (c *Controller) attempt(ctx context.Context, url string, timeout time.Duration, k int) (res audit.Result, err error) {
	ctx, span := c.tracer.Start(ctx, "analyzer.attempt", trace.WithAttributes(
		attribute.Int("audit.attempt", k),
		attribute.Int64("audit.timeout_ms", timeout.Milliseconds()),
	))
	defer func() { finishSpan(span, err) }()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return audit.Result{}, err
		}
	}

	inst, err := c.pool.Acquire(ctx, c.cfg.AcquireTimeout)
	if err != nil {
		if errors.Is(err, pool.ErrPoolExhausted) {
			return audit.Result{}, audit.Retryable(audit.ReasonPoolExhausted, err).WithContext(url, "acquire")
		}
		return audit.Result{}, audit.AsError(err).WithContext(url, "acquire")
	}
	logger := c.logger.With(zap.String("url", url), zap.String("instance_id", inst.ID), zap.Int("attempt", k))
	span.SetAttributes(attribute.String("audit.instance_id", inst.ID))

	session := inst.Session()
	watch := c.watcher.Watch(ctx, session, monitor.Hooks{
		OnSample:    func(b uint64) { c.pool.ObserveMemory(inst, b) },
		OnUnhealthy: func(error) { c.pool.MarkUnhealthy(inst) },
	})
	scores, runErr := c.machine.Run(ctx, session, url, timeout, watch)
	peak := watch.Stop()
	watchErr := watch.Err()

	switch {
	case watchErr != nil:
		logger.Warn("evicting instance flagged by monitor", zap.Uint64("peak_bytes", peak), zap.Error(watchErr))
		c.pool.Release(inst, false)
	case runErr == nil:
		c.pool.Release(inst, true)
	case errors.Is(runErr, audit.ErrResource):
		c.pool.Release(inst, false)
	default:
		c.pool.ReleaseFailed(inst)
	}

	if runErr != nil {
		return audit.Result{}, runErr
	}
	return audit.Result{
		URL:              url,
		MobileScore:      audit.Score(scores.Mobile),
		DesktopScore:     audit.Score(scores.Desktop),
		MobileReportURL:  scores.MobileReportURL,
		DesktopReportURL: scores.DesktopReportURL,
		FetchedAt:        c.clock.Now(),
		Provenance:       c.cfg.Provenance,
	}, nil
}
