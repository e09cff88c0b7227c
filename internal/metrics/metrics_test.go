package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagespeed-audit/internal/breaker"
	"github.com/JakeFAU/pagespeed-audit/internal/pool"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()
	require.NotNil(t, analysesTotal)
	require.NotNil(t, poolInstances)
	require.NotNil(t, httpRequestsTotal)
}

func TestSinkOutcomes(t *testing.T) {
	s := NewSink()
	successBefore := testutil.ToFloat64(analysesTotal.WithLabelValues("success"))
	retryBefore := testutil.ToFloat64(analysesTotal.WithLabelValues("retryable"))
	unknownBefore := testutil.ToFloat64(analysesTotal.WithLabelValues("unknown"))
	hitBefore := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("hit"))
	missBefore := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("miss"))

	s.RecordSuccess(42 * time.Second)
	s.RecordFailure("retryable")
	s.RecordFailure("")
	s.RecordCacheHit()
	s.RecordCacheMiss()
	s.RecordCacheMiss()

	require.InDelta(t, successBefore+1, testutil.ToFloat64(analysesTotal.WithLabelValues("success")), 0)
	require.InDelta(t, retryBefore+1, testutil.ToFloat64(analysesTotal.WithLabelValues("retryable")), 0)
	require.InDelta(t, unknownBefore+1, testutil.ToFloat64(analysesTotal.WithLabelValues("unknown")), 0)
	require.InDelta(t, hitBefore+1, testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("hit")), 0)
	require.InDelta(t, missBefore+2, testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("miss")), 0)
	require.Positive(t, testutil.CollectAndCount(analysisDurationSeconds))
}

func TestSinkObservePoolAddsDeltas(t *testing.T) {
	s := NewSink()
	coldBefore := testutil.ToFloat64(poolEventsTotal.WithLabelValues("cold_start"))
	evictBefore := testutil.ToFloat64(poolEventsTotal.WithLabelValues("eviction"))

	s.ObservePool(pool.Stats{Idle: 1, Busy: 1, ColdStarts: 2})
	s.ObservePool(pool.Stats{Idle: 0, Busy: 2, ColdStarts: 3, Evictions: 1})
	s.ObservePool(pool.Stats{Idle: 0, Busy: 2, ColdStarts: 3, Evictions: 1})

	require.InDelta(t, coldBefore+3, testutil.ToFloat64(poolEventsTotal.WithLabelValues("cold_start")), 0)
	require.InDelta(t, evictBefore+1, testutil.ToFloat64(poolEventsTotal.WithLabelValues("eviction")), 0)
	require.InDelta(t, 2, testutil.ToFloat64(poolInstances.WithLabelValues("busy")), 0)
	require.InDelta(t, 0, testutil.ToFloat64(poolInstances.WithLabelValues("idle")), 0)
}

func TestSinkObserveBreaker(t *testing.T) {
	s := NewSink()

	s.ObserveBreaker(breaker.StateOpen)
	require.InDelta(t, 2, testutil.ToFloat64(breakerState), 0)
	s.ObserveBreaker(breaker.StateHalfOpen)
	require.InDelta(t, 1, testutil.ToFloat64(breakerState), 0)
	s.ObserveBreaker(breaker.StateClosed)
	require.InDelta(t, 0, testutil.ToFloat64(breakerState), 0)
}
