package analyzer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
)

// Cache is the result cache consulted before any live work.
type Cache interface {
	Lookup(ctx context.Context, url string) (audit.Result, bool)
	Store(ctx context.Context, url string, res audit.Result)
}

// Runner admits and executes a live request.
type Runner interface {
	Run(ctx context.Context, req audit.Request) (audit.Result, error)
}

// Analyzer is the single entry point callers use.
type Analyzer struct {
	cache   Cache
	runner  Runner
	metrics audit.Metrics
	clock   audit.Clock
	tracer  trace.Tracer
	logger  *zap.Logger
}

// New builds an Analyzer. cache may be nil to disable caching; metrics may
// be nil.
func New(
	cache Cache,
	runner Runner,
	metrics audit.Metrics,
	clock audit.Clock,
	logger *zap.Logger,
) *Analyzer {
	if metrics == nil {
		metrics = audit.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		cache:   cache,
		runner:  runner,
		metrics: metrics,
		clock:   clock,
		tracer:  defaultTracer(),
		logger:  logger,
	}
}

// SetTracerProvider replaces the globally registered tracer provider.
func (a *Analyzer) SetTracerProvider(tp trace.TracerProvider) {
	a.tracer = tp.Tracer(tracerName)
}

// Analyze returns the scores for rawURL. A valid cache entry short-circuits
// everything; an open circuit fails fast without touching the pool. Invalid
// options fail permanently before any lookup.
func (a *Analyzer) Analyze(ctx context.Context, rawURL string, opts audit.Options) (res audit.Result, err error) {
	start := a.clock.Now()
	ctx, span := a.tracer.Start(ctx, "analyzer.Analyze", trace.WithAttributes(
		attribute.String("audit.url", rawURL),
		attribute.Bool("audit.skip_cache", opts.SkipCache),
	))
	defer func() {
		if err == nil {
			span.SetAttributes(attribute.String("audit.provenance", string(res.Provenance)))
		}
		finishSpan(span, err)
	}()

	normalized, err := audit.NormalizeURL(rawURL)
	if err != nil {
		a.metrics.RecordFailure(audit.FailureKind(err))
		return audit.Result{}, err
	}
	if err = opts.Validate(); err != nil {
		a.metrics.RecordFailure(audit.FailureKind(err))
		return audit.Result{}, audit.AsError(err).WithContext(normalized, "")
	}
	logger := a.logger.With(zap.String("url", normalized))

	if a.cache != nil && !opts.SkipCache {
		if cached, ok := a.cache.Lookup(ctx, normalized); ok {
			a.metrics.RecordCacheHit()
			logger.Debug("cache hit")
			return cached, nil
		}
		a.metrics.RecordCacheMiss()
	}

	req := audit.Request{
		URL:        normalized,
		Timeout:    time.Duration(opts.BaseTimeoutSeconds) * time.Second,
		MaxRetries: opts.MaxRetries,
		SkipCache:  opts.SkipCache,
	}
	res, err = a.runner.Run(ctx, req)
	if err != nil {
		a.metrics.RecordFailure(audit.FailureKind(err))
		return audit.Result{}, err
	}

	if a.cache != nil {
		a.cache.Store(ctx, normalized, res)
	}
	a.metrics.RecordSuccess(a.clock.Now().Sub(start))
	return res, nil
}
