package audit

import (
	"context"
	"time"
)

// Launcher starts browser sessions. Implementations wrap a concrete engine.
type Launcher interface {
	Launch(ctx context.Context) (Session, error)
}

// Session is a live browser session. It is owned by exactly one caller at a
// time; MemoryUsage may additionally be called by the health monitor.
type Session interface {
	Navigate(ctx context.Context, url string) error
	Fill(ctx context.Context, loc Locator, text string) error
	Click(ctx context.Context, loc Locator) error
	// WaitFor reports whether loc became visible within timeout. A timeout is
	// not an error.
	WaitFor(ctx context.Context, loc Locator, timeout time.Duration) (bool, error)
	ReadText(ctx context.Context, loc Locator) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	MemoryUsage(ctx context.Context) (uint64, error)
	Terminate() error
}

// CacheBackend is a key-value store with per-entry TTL.
type CacheBackend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Metrics receives fire-and-forget outcome signals.
type Metrics interface {
	RecordSuccess(d time.Duration)
	RecordFailure(kind string)
	RecordCacheHit()
	RecordCacheMiss()
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Hasher computes digests for cache keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// NopMetrics discards every signal.
type NopMetrics struct{}

// RecordSuccess implements Metrics.
func (NopMetrics) RecordSuccess(time.Duration) {}

// RecordFailure implements Metrics.
func (NopMetrics) RecordFailure(string) {}

// RecordCacheHit implements Metrics.
func (NopMetrics) RecordCacheHit() {}

// RecordCacheMiss implements Metrics.
func (NopMetrics) RecordCacheMiss() {}
