// Package cache fronts a key-value backend with analysis results. Backend
// failures never fail a request: a broken read is a miss and a broken write
// is logged and dropped.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
)

// DefaultTTL is how long a live result stays valid.
const DefaultTTL = 24 * time.Hour

// Config controls key derivation and expiry.
type Config struct {
	TTL       time.Duration
	KeyPrefix string
}

type envelope struct {
	Result   audit.Result `json:"result"`
	StoredAt time.Time    `json:"stored_at"`
}

// Gateway maps normalized URLs to cached results.
type Gateway struct {
	backend audit.CacheBackend
	hasher  audit.Hasher
	clock   audit.Clock
	cfg     Config
	logger  *zap.Logger
}

// New builds a Gateway over backend.
func New(
	cfg Config,
	backend audit.CacheBackend,
	hasher audit.Hasher,
	clock audit.Clock,
	logger *zap.Logger,
) *Gateway {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "pagespeed:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{backend: backend, hasher: hasher, clock: clock, cfg: cfg, logger: logger}
}

// Key returns the backend key for a normalized URL.
func (g *Gateway) Key(normalized string) (string, error) {
	digest, err := g.hasher.Hash([]byte(normalized))
	if err != nil {
		return "", fmt.Errorf("hash cache key: %w", err)
	}
	return g.cfg.KeyPrefix + digest, nil
}

// Lookup returns the cached result for url if one exists and has not
// outlived the TTL. The returned result carries provenance cache.
func (g *Gateway) Lookup(ctx context.Context, url string) (audit.Result, bool) {
	key, err := g.Key(url)
	if err != nil {
		g.logger.Warn("cache key failed", zap.String("url", url), zap.Error(err))
		return audit.Result{}, false
	}
	raw, ok, err := g.backend.Get(ctx, key)
	if err != nil {
		g.logger.Warn("cache read failed", zap.String("url", url), zap.Error(err))
		return audit.Result{}, false
	}
	if !ok {
		return audit.Result{}, false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		g.logger.Warn("cache entry corrupt", zap.String("url", url), zap.Error(err))
		return audit.Result{}, false
	}
	if !validScore(env.Result.MobileScore) || !validScore(env.Result.DesktopScore) {
		g.logger.Warn("cache entry has invalid scores", zap.String("url", url))
		return audit.Result{}, false
	}
	if g.clock.Now().After(env.StoredAt.Add(g.cfg.TTL)) {
		return audit.Result{}, false
	}

	res := env.Result
	res.Provenance = audit.ProvenanceCache
	return res, true
}

// validScore reports whether a cached score is present and within [0,100].
func validScore(v *int) bool {
	return v != nil && *v >= 0 && *v <= 100
}

// Store saves res for url. Errors are logged only.
func (g *Gateway) Store(ctx context.Context, url string, res audit.Result) {
	key, err := g.Key(url)
	if err != nil {
		g.logger.Warn("cache key failed", zap.String("url", url), zap.Error(err))
		return
	}
	raw, err := json.Marshal(envelope{Result: res, StoredAt: g.clock.Now()})
	if err != nil {
		g.logger.Warn("cache encode failed", zap.String("url", url), zap.Error(err))
		return
	}
	if err := g.backend.Set(ctx, key, raw, g.cfg.TTL); err != nil {
		g.logger.Warn("cache write failed", zap.String("url", url), zap.Error(err))
	}
}
