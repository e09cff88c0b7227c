// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagespeed-audit/internal/analyzer"
	"github.com/JakeFAU/pagespeed-audit/internal/api"
	"github.com/JakeFAU/pagespeed-audit/internal/audit"
	"github.com/JakeFAU/pagespeed-audit/internal/automation/headless"
	"github.com/JakeFAU/pagespeed-audit/internal/automation/rodbrowser"
	"github.com/JakeFAU/pagespeed-audit/internal/automation/scripted"
	"github.com/JakeFAU/pagespeed-audit/internal/breaker"
	"github.com/JakeFAU/pagespeed-audit/internal/cache"
	filecache "github.com/JakeFAU/pagespeed-audit/internal/cache/file"
	memorycache "github.com/JakeFAU/pagespeed-audit/internal/cache/memory"
	rediscache "github.com/JakeFAU/pagespeed-audit/internal/cache/redis"
	"github.com/JakeFAU/pagespeed-audit/internal/clock/system"
	"github.com/JakeFAU/pagespeed-audit/internal/config"
	"github.com/JakeFAU/pagespeed-audit/internal/dispatcher"
	"github.com/JakeFAU/pagespeed-audit/internal/hash/sha256"
	"github.com/JakeFAU/pagespeed-audit/internal/id/uuid"
	"github.com/JakeFAU/pagespeed-audit/internal/metrics"
	"github.com/JakeFAU/pagespeed-audit/internal/monitor"
	"github.com/JakeFAU/pagespeed-audit/internal/policy/ratelimit"
	"github.com/JakeFAU/pagespeed-audit/internal/pool"
	queueMemory "github.com/JakeFAU/pagespeed-audit/internal/queue/memory"
	"github.com/JakeFAU/pagespeed-audit/internal/scorer"
	"github.com/JakeFAU/pagespeed-audit/internal/storage/postgres"
	"github.com/JakeFAU/pagespeed-audit/internal/telemetry"
	"github.com/JakeFAU/pagespeed-audit/internal/worker"
)

// App holds all the shared, long-lived services for the application.
// It is initialized once at startup and closed by the CLI after the command
// finishes.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    *system.Clock
	ids      *uuid.Generator
	sink     *metrics.Sink
	pool     *pool.Pool
	breaker  *breaker.Breaker
	analyzer *analyzer.Analyzer
	results  *postgres.ResultStore
	closers  []func() error
	stop     context.CancelFunc
	done     chan struct{}
}

// Option customizes New.
type Option func(*options)

type options struct {
	launcher audit.Launcher
}

// WithLauncher replaces the configured automation engine.
func WithLauncher(l audit.Launcher) Option {
	return func(o *options) {
		o.launcher = l
	}
}

// New builds every service described by cfg and starts the pool health loop.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("initializing application services",
		zap.String("engine", cfg.Automation.Engine),
		zap.String("cache", cfg.Cache.Backend),
	)

	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(""),
		sink:   metrics.NewSink(),
	}

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			SampleRatio: cfg.Telemetry.SampleRatio,
		}, sdktrace.WithBatcher(telemetry.NewLogExporter(logger.Named("trace"))))
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.closers = append(a.closers, func() error {
			return tp.Shutdown(context.WithoutCancel(ctx))
		})
	}

	launcher := o.launcher
	if launcher == nil {
		var err error
		launcher, err = buildLauncher(cfg.Automation)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	gateway, err := a.buildCache(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Results.PostgresDSN != "" {
		store, err := postgres.NewResultStore(ctx, postgres.ResultStoreConfig{DSN: cfg.Results.PostgresDSN}, a.ids, a.clock)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init result store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			a.Close()
			return nil, err
		}
		a.results = store
		a.closers = append(a.closers, func() error { store.Close(); return nil })
	}

	a.breaker = breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
	}, a.clock, logger.Named("breaker"))
	a.breaker.OnStateChange(a.sink.ObserveBreaker)

	a.pool = pool.New(pool.Config{
		MaxInstances:        cfg.Pool.MaxInstances,
		MemoryCeiling:       cfg.Pool.MemoryCeilingBytes(),
		IdleTTL:             cfg.Pool.IdleTTL,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		MaxInstanceFailures: cfg.Pool.MaxInstanceFailures,
		ProbeTimeout:        cfg.Monitor.ProbeTimeout,
	}, launcher, uuid.New("browser-"), a.clock, logger.Named("pool"))
	a.pool.SetObserver(a.sink.ObservePool)
	a.closers = append(a.closers, a.pool.Close)

	limiter := ratelimit.New(ratelimit.Config{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst})
	limiter.OnDelay(a.sink.ObserveRateLimitDelay)

	mon := monitor.New(monitor.Config{
		Interval:      cfg.Monitor.Interval,
		MemoryCeiling: cfg.Pool.MemoryCeilingBytes(),
		ProbeTimeout:  cfg.Monitor.ProbeTimeout,
	}, logger.Named("monitor"))

	scorerCfg := scorer.DefaultConfig()
	scorerCfg.SiteURL = cfg.Site.URL
	scorerCfg.PollInterval = cfg.Site.PollInterval
	scorerCfg.ProbeTimeout = cfg.Site.ProbeTimeout
	scorerCfg.ReportThreshold = cfg.Site.ReportThreshold
	machine := scorer.New(scorerCfg, logger.Named("scorer"))

	controller := analyzer.NewController(analyzer.ControllerConfig{
		MaxRetries:     cfg.Retry.MaxRetries,
		RetryDelay:     cfg.Retry.Delay,
		BaseTimeout:    cfg.Retry.BaseTimeout,
		MaxTimeout:     cfg.Retry.MaxTimeout,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		Provenance:     provenanceFor(cfg.Automation.Engine),
	}, a.pool, a.breaker, mon, machine, limiter, a.clock, a.clock, logger.Named("controller"))

	var c analyzer.Cache
	if gateway != nil {
		c = gateway
	}
	a.analyzer = analyzer.New(c, controller, a.sink, a.clock, logger.Named("analyzer"))

	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	a.stop = stop
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		a.pool.Run(runCtx)
	}()

	logger.Info("application services initialized")
	return a, nil
}

// provenanceFor keeps canned scores distinguishable from real measurements
// in every sink.
func provenanceFor(engine string) audit.Provenance {
	if engine == "scripted" {
		return audit.ProvenanceScripted
	}
	return audit.ProvenanceLive
}

func buildLauncher(cfg config.AutomationConfig) (audit.Launcher, error) {
	switch cfg.Engine {
	case "chromedp":
		l, err := headless.NewLauncher(headless.Config{
			ExecPath:      cfg.ExecPath,
			Headless:      cfg.Headless,
			NoSandbox:     cfg.NoSandbox,
			UserAgent:     cfg.UserAgent,
			LaunchTimeout: cfg.LaunchTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("init chromedp launcher: %w", err)
		}
		return l, nil
	case "rod":
		l, err := rodbrowser.NewLauncher(rodbrowser.Config{
			BrowserPath: cfg.ExecPath,
			Headless:    cfg.Headless,
			NoSandbox:   cfg.NoSandbox,
			UserAgent:   cfg.UserAgent,
		})
		if err != nil {
			return nil, fmt.Errorf("init rod launcher: %w", err)
		}
		return l, nil
	case "scripted":
		return scripted.NewLauncher(scripted.Script{
			Default: scripted.Page{MobileScore: "90", DesktopScore: "97"},
		}), nil
	default:
		return nil, fmt.Errorf("unknown automation engine %q", cfg.Engine)
	}
}

func (a *App) buildCache(ctx context.Context) (*cache.Gateway, error) {
	var backend audit.CacheBackend
	switch a.cfg.Cache.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		backend = memorycache.New(a.clock)
	case "file":
		store, err := filecache.New(filecache.Config{BaseDir: a.cfg.Cache.Dir}, a.clock)
		if err != nil {
			return nil, fmt.Errorf("init file cache: %w", err)
		}
		backend = store
	case "redis":
		store, err := rediscache.New(ctx, a.cfg.Cache.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("init redis cache: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		backend = store
	default:
		return nil, fmt.Errorf("unknown cache backend %q", a.cfg.Cache.Backend)
	}
	return cache.New(cache.Config{
		TTL:       a.cfg.Cache.TTL,
		KeyPrefix: a.cfg.Cache.KeyPrefix,
	}, backend, sha256.New(a.cfg.Cache.Namespace), a.clock, a.logger.Named("cache")), nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Analyzer returns the analysis entry point.
func (a *App) Analyzer() *analyzer.Analyzer { return a.analyzer }

// Pool returns the browser pool.
func (a *App) Pool() *pool.Pool { return a.pool }

// Breaker returns the circuit breaker.
func (a *App) Breaker() *breaker.Breaker { return a.breaker }

// IDs returns the job ID generator.
func (a *App) IDs() audit.IDGenerator { return a.ids }

// Results returns the Postgres result store, or nil when none is configured.
func (a *App) Results() *postgres.ResultStore { return a.results }

// NewDispatcher builds a batch dispatcher whose workers report to sinks and,
// when configured, to the result store.
func (a *App) NewDispatcher(sinks ...audit.ResultSink) *dispatcher.Dispatcher {
	if a.results != nil {
		sinks = append(sinks, a.results)
	}
	queue := queueMemory.NewQueue(a.cfg.Batch.QueueDepth)
	workers := make([]*worker.Worker, 0, a.cfg.Batch.Workers)
	for i := 0; i < a.cfg.Batch.Workers; i++ {
		workers = append(workers, worker.New(i+1, queue, a.analyzer, sinks, a.clock, a.logger.Named("worker")))
	}
	return dispatcher.New(queue, workers)
}

// NewServer builds the HTTP API.
func (a *App) NewServer() *api.Server {
	var lookup api.ResultLookup
	if a.results != nil {
		lookup = a.results
	}
	return api.NewServer(a.analyzer, a.breaker, a.pool, lookup, api.Config{
		AuthEnabled: a.cfg.Auth.Enabled,
		APIKey:      a.cfg.Auth.APIKey,
	}, a.logger.Named("api"))
}

// Close stops background loops and releases browsers and connections.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if a.stop != nil {
		a.stop()
		<-a.done
		a.stop = nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing services", zap.Error(err))
	}
	_ = a.logger.Sync()
}
