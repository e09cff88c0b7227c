package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
automation:
  engine: rod
  no_sandbox: true
pool:
  max_instances: 4
  memory_ceiling_mb: 512
retry:
  max_retries: 5
  base_timeout: 120s
  max_timeout: 240s
cache:
  backend: redis
  redis_url: redis://localhost:6379/0
  ttl: 12h
batch:
  workers: 3
  url_column: C
logging:
  development: false
  level: warn
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Automation.Engine != "rod" || !cfg.Automation.NoSandbox {
		t.Fatalf("expected automation overrides to apply: %+v", cfg.Automation)
	}
	if cfg.Pool.MaxInstances != 4 || cfg.Pool.MemoryCeilingBytes() != 512<<20 {
		t.Fatalf("expected pool overrides to apply: %+v", cfg.Pool)
	}
	if cfg.Retry.MaxRetries != 5 || cfg.Retry.BaseTimeout != 120*time.Second || cfg.Retry.MaxTimeout != 240*time.Second {
		t.Fatalf("expected retry overrides to apply: %+v", cfg.Retry)
	}
	if cfg.Cache.Backend != "redis" || cfg.Cache.TTL != 12*time.Hour {
		t.Fatalf("expected cache overrides to apply: %+v", cfg.Cache)
	}
	if cfg.Batch.Workers != 3 || cfg.Batch.URLColumn != "C" {
		t.Fatalf("expected batch overrides to apply: %+v", cfg.Batch)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "warn" {
		t.Fatalf("expected logging overrides to apply: %+v", cfg.Logging)
	}
	// untouched sections keep their defaults
	if cfg.Breaker.FailureThreshold != 5 {
		t.Fatalf("expected default breaker threshold, got %d", cfg.Breaker.FailureThreshold)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.URL != "https://pagespeed.web.dev/" {
		t.Fatalf("unexpected site url %q", cfg.Site.URL)
	}
	if cfg.Retry.MaxRetries != 3 || cfg.Retry.Delay != 5*time.Second {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.Retry.BaseTimeout != 300*time.Second || cfg.Retry.MaxTimeout != 600*time.Second {
		t.Fatalf("unexpected timeout defaults: %+v", cfg.Retry)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.RecoveryTimeout != 300*time.Second {
		t.Fatalf("unexpected breaker defaults: %+v", cfg.Breaker)
	}
	if cfg.Cache.TTL != 24*time.Hour || cfg.Cache.KeyPrefix != "pagespeed:" {
		t.Fatalf("unexpected cache defaults: %+v", cfg.Cache)
	}
	if cfg.Pool.MaxInstances != 2 || cfg.Pool.IdleTTL != 5*time.Minute {
		t.Fatalf("unexpected pool defaults: %+v", cfg.Pool)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("AUDIT_POOL_MAX_INSTANCES", "7")
	t.Setenv("AUDIT_CACHE_BACKEND", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pool.MaxInstances != 7 {
		t.Fatalf("expected env override of max instances, got %d", cfg.Pool.MaxInstances)
	}
	if cfg.Cache.Backend != "memory" {
		t.Fatalf("expected env override of cache backend, got %q", cfg.Cache.Backend)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:     ServerConfig{Port: 8080},
		Site:       SiteConfig{URL: "https://pagespeed.web.dev/", ReportThreshold: 80},
		Automation: AutomationConfig{Engine: "chromedp"},
		Pool:       PoolConfig{MaxInstances: 2},
		Monitor:    MonitorConfig{Interval: time.Second},
		Breaker:    BreakerConfig{FailureThreshold: 5, RecoveryTimeout: time.Minute},
		Retry:      RetryConfig{MaxRetries: 3, BaseTimeout: time.Minute, MaxTimeout: 2 * time.Minute},
		Cache:      CacheConfig{Backend: "memory", TTL: time.Hour},
		Batch:      BatchConfig{Workers: 1, QueueDepth: 1},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}
	scripted := base
	scripted.Automation.Engine = "scripted"
	if err := scripted.Validate(); err != nil {
		t.Fatalf("scripted engine with the memory cache should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"site not http", func(c *Config) { c.Site.URL = "ftp://example.com" }, "site.url"},
		{"threshold out of range", func(c *Config) { c.Site.ReportThreshold = 101 }, "site.report_threshold"},
		{"unknown engine", func(c *Config) { c.Automation.Engine = "firefox" }, "automation.engine"},
		{"no instances", func(c *Config) { c.Pool.MaxInstances = 0 }, "pool.max_instances"},
		{"zero monitor interval", func(c *Config) { c.Monitor.Interval = 0 }, "monitor.interval"},
		{"zero breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }, "breaker.failure_threshold"},
		{"zero retries", func(c *Config) { c.Retry.MaxRetries = 0 }, "retry.max_retries"},
		{"max timeout below base", func(c *Config) { c.Retry.MaxTimeout = time.Second }, "retry.base_timeout"},
		{"redis without url", func(c *Config) { c.Cache.Backend = "redis" }, "cache.redis_url"},
		{"file without dir", func(c *Config) { c.Cache.Backend = "file" }, "cache.dir"},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "s3" }, "cache.backend"},
		{"zero workers", func(c *Config) { c.Batch.Workers = 0 }, "batch.workers"},
		{"sample ratio above one", func(c *Config) { c.Telemetry.SampleRatio = 1.5 }, "telemetry.sample_ratio"},
		{"scripted into redis", func(c *Config) {
			c.Automation.Engine = "scripted"
			c.Cache.Backend = "redis"
			c.Cache.RedisURL = "redis://localhost:6379/0"
		}, "scripted"},
		{"scripted into file cache", func(c *Config) {
			c.Automation.Engine = "scripted"
			c.Cache.Backend = "file"
			c.Cache.Dir = "/tmp/pagespeed-cache"
		}, "scripted"},
		{"scripted into postgres", func(c *Config) {
			c.Automation.Engine = "scripted"
			c.Results.PostgresDSN = "postgres://localhost/audit"
		}, "results.postgres_dsn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
