// Package metrics exposes Prometheus collectors for the audit service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/pagespeed-audit/internal/breaker"
	"github.com/JakeFAU/pagespeed-audit/internal/pool"
)

var (
	analysesTotal              *prometheus.CounterVec
	analysisDurationSeconds    prometheus.Histogram
	cacheLookupsTotal          *prometheus.CounterVec
	poolInstances              *prometheus.GaugeVec
	poolEventsTotal            *prometheus.CounterVec
	breakerState               prometheus.Gauge
	rateLimitDelaySeconds      prometheus.Histogram
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		analysesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagespeed_analyses_total",
				Help: "Analyses finished, labeled by outcome (success or failure kind).",
			},
			[]string{"outcome"},
		)

		analysisDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pagespeed_analysis_duration_seconds",
				Help:    "Wall time of successful live analyses, retries included.",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
			},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagespeed_cache_lookups_total",
				Help: "Cache lookups, labeled by result.",
			},
			[]string{"result"},
		)

		poolInstances = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pagespeed_pool_instances",
				Help: "Browser instances in the pool, labeled by state.",
			},
			[]string{"state"},
		)

		poolEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagespeed_pool_events_total",
				Help: "Pool lifecycle events: cold_start, warm_start, eviction.",
			},
			[]string{"event"},
		)

		breakerState = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagespeed_circuit_breaker_state",
				Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pagespeed_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagespeed_active_workers",
				Help: "Number of batch workers currently processing a URL.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120, 600},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Sink implements audit.Metrics on the package collectors and also accepts
// pool and breaker updates. Calls never block on I/O.
type Sink struct {
	mu   sync.Mutex
	last pool.Stats
}

// NewSink initializes the collectors and returns a Sink.
func NewSink() *Sink {
	Init()
	return &Sink{}
}

// RecordSuccess implements audit.Metrics.
func (s *Sink) RecordSuccess(d time.Duration) {
	analysesTotal.WithLabelValues("success").Inc()
	analysisDurationSeconds.Observe(d.Seconds())
}

// RecordFailure implements audit.Metrics.
func (s *Sink) RecordFailure(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	analysesTotal.WithLabelValues(kind).Inc()
}

// RecordCacheHit implements audit.Metrics.
func (s *Sink) RecordCacheHit() {
	cacheLookupsTotal.WithLabelValues("hit").Inc()
}

// RecordCacheMiss implements audit.Metrics.
func (s *Sink) RecordCacheMiss() {
	cacheLookupsTotal.WithLabelValues("miss").Inc()
}

// ObservePool is a pool.Observer. Pool counters are cumulative, so only the
// increase since the previous snapshot is added.
func (s *Sink) ObservePool(st pool.Stats) {
	poolInstances.WithLabelValues("idle").Set(float64(st.Idle))
	poolInstances.WithLabelValues("busy").Set(float64(st.Busy))
	poolInstances.WithLabelValues("launching").Set(float64(st.Launching))

	s.mu.Lock()
	defer s.mu.Unlock()
	addDelta("cold_start", st.ColdStarts, s.last.ColdStarts)
	addDelta("warm_start", st.WarmStarts, s.last.WarmStarts)
	addDelta("eviction", st.Evictions, s.last.Evictions)
	s.last = st
}

func addDelta(event string, now, prev int64) {
	if now > prev {
		poolEventsTotal.WithLabelValues(event).Add(float64(now - prev))
	}
}

// ObserveBreaker records a breaker transition.
func (s *Sink) ObserveBreaker(state breaker.State) {
	switch state {
	case breaker.StateClosed:
		breakerState.Set(0)
	case breaker.StateHalfOpen:
		breakerState.Set(1)
	case breaker.StateOpen:
		breakerState.Set(2)
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func (s *Sink) ObserveRateLimitDelay(d time.Duration) {
	rateLimitDelaySeconds.Observe(d.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
