// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Site       SiteConfig       `mapstructure:"site"`
	Automation AutomationConfig `mapstructure:"automation"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Cache      CacheConfig      `mapstructure:"cache"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Results    ResultsConfig    `mapstructure:"results"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SiteConfig describes the analysis site being driven.
type SiteConfig struct {
	URL             string        `mapstructure:"url"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	ReportThreshold int           `mapstructure:"report_threshold"`
}

// AutomationConfig picks and tunes the browser engine.
type AutomationConfig struct {
	// Engine is one of chromedp, rod or scripted.
	Engine        string        `mapstructure:"engine"`
	ExecPath      string        `mapstructure:"exec_path"`
	Headless      bool          `mapstructure:"headless"`
	NoSandbox     bool          `mapstructure:"no_sandbox"`
	UserAgent     string        `mapstructure:"user_agent"`
	LaunchTimeout time.Duration `mapstructure:"launch_timeout"`
}

// PoolConfig bounds the browser pool.
type PoolConfig struct {
	MaxInstances        int           `mapstructure:"max_instances"`
	MemoryCeilingMB     int           `mapstructure:"memory_ceiling_mb"`
	IdleTTL             time.Duration `mapstructure:"idle_ttl"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	MaxInstanceFailures int           `mapstructure:"max_instance_failures"`
	AcquireTimeout      time.Duration `mapstructure:"acquire_timeout"`
}

// MemoryCeilingBytes converts the configured ceiling to bytes.
func (p PoolConfig) MemoryCeilingBytes() uint64 {
	if p.MemoryCeilingMB <= 0 {
		return 0
	}
	return uint64(p.MemoryCeilingMB) << 20
}

// MonitorConfig tunes per-request memory sampling.
type MonitorConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// RetryConfig is the per-request retry policy.
type RetryConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	Delay       time.Duration `mapstructure:"delay"`
	BaseTimeout time.Duration `mapstructure:"base_timeout"`
	MaxTimeout  time.Duration `mapstructure:"max_timeout"`
}

// CacheConfig selects the result cache backend.
type CacheConfig struct {
	// Backend is one of memory, file, redis or none.
	Backend   string        `mapstructure:"backend"`
	TTL       time.Duration `mapstructure:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Namespace string        `mapstructure:"namespace"`
	Dir       string        `mapstructure:"dir"`
	RedisURL  string        `mapstructure:"redis_url"`
}

// RateLimitConfig paces submissions to the analysis site.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// BatchConfig governs the spreadsheet batch runner.
type BatchConfig struct {
	Workers    int    `mapstructure:"workers"`
	QueueDepth int    `mapstructure:"queue_depth"`
	Sheet      string `mapstructure:"sheet"`
	URLColumn  string `mapstructure:"url_column"`
	HeaderRows int    `mapstructure:"header_rows"`
	SkipCache  bool   `mapstructure:"skip_cache"`
}

// ResultsConfig controls result persistence beyond the spreadsheet.
type ResultsConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment. With an empty path it looks for
// config.{yaml,json,toml} in the working directory, /etc/pagespeed-audit and
// $HOME/.pagespeed-audit.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pagespeed-audit/")
		v.AddConfigPath("$HOME/.pagespeed-audit")
		if err := v.ReadInConfig(); err != nil {
			// No config file anywhere is fine; defaults and env still apply.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("site.url", "https://pagespeed.web.dev/")
	v.SetDefault("site.poll_interval", "1s")
	v.SetDefault("site.probe_timeout", "10s")
	v.SetDefault("site.report_threshold", 80)
	v.SetDefault("automation.engine", "chromedp")
	v.SetDefault("automation.exec_path", "")
	v.SetDefault("automation.headless", true)
	v.SetDefault("automation.no_sandbox", false)
	v.SetDefault("automation.user_agent", "")
	v.SetDefault("automation.launch_timeout", "30s")
	v.SetDefault("pool.max_instances", 2)
	v.SetDefault("pool.memory_ceiling_mb", 1024)
	v.SetDefault("pool.idle_ttl", "5m")
	v.SetDefault("pool.health_check_interval", "30s")
	v.SetDefault("pool.max_instance_failures", 3)
	v.SetDefault("pool.acquire_timeout", "60s")
	v.SetDefault("monitor.interval", "2s")
	v.SetDefault("monitor.probe_timeout", "5s")
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", "300s")
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.delay", "5s")
	v.SetDefault("retry.base_timeout", "300s")
	v.SetDefault("retry.max_timeout", "600s")
	v.SetDefault("cache.backend", "file")
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.key_prefix", "pagespeed:")
	v.SetDefault("cache.namespace", "v1")
	v.SetDefault("cache.dir", ".cache/pagespeed")
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("ratelimit.rps", 0.2)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("batch.workers", 2)
	v.SetDefault("batch.queue_depth", 64)
	v.SetDefault("batch.sheet", "")
	v.SetDefault("batch.url_column", "A")
	v.SetDefault("batch.header_rows", 1)
	v.SetDefault("batch.skip_cache", false)
	v.SetDefault("results.postgres_dsn", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "pagespeed-audit")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if !strings.HasPrefix(c.Site.URL, "http://") && !strings.HasPrefix(c.Site.URL, "https://") {
		return fmt.Errorf("site.url must be an http(s) URL")
	}
	if c.Site.ReportThreshold < 0 || c.Site.ReportThreshold > 100 {
		return fmt.Errorf("site.report_threshold must be within [0,100]")
	}
	switch c.Automation.Engine {
	case "chromedp", "rod", "scripted":
	default:
		return fmt.Errorf("automation.engine must be one of chromedp, rod, scripted")
	}
	if c.Pool.MaxInstances <= 0 {
		return fmt.Errorf("pool.max_instances must be > 0")
	}
	if c.Pool.MemoryCeilingMB < 0 {
		return fmt.Errorf("pool.memory_ceiling_mb must be >= 0")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be > 0")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0")
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker.recovery_timeout must be > 0")
	}
	if c.Retry.MaxRetries <= 0 {
		return fmt.Errorf("retry.max_retries must be > 0")
	}
	if c.Retry.BaseTimeout <= 0 || c.Retry.MaxTimeout < c.Retry.BaseTimeout {
		return fmt.Errorf("retry.base_timeout must be > 0 and <= retry.max_timeout")
	}
	switch c.Cache.Backend {
	case "none", "memory":
	case "file":
		if c.Cache.Dir == "" {
			return fmt.Errorf("cache.dir must be set for the file backend")
		}
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url must be set for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend must be one of none, memory, file, redis")
	}
	if c.Cache.TTL <= 0 && c.Cache.Backend != "none" {
		return fmt.Errorf("cache.ttl must be > 0")
	}
	if c.Batch.Workers <= 0 {
		return fmt.Errorf("batch.workers must be > 0")
	}
	if c.Batch.QueueDepth <= 0 {
		return fmt.Errorf("batch.queue_depth must be > 0")
	}
	if c.Automation.Engine == "scripted" {
		if c.Cache.Backend == "file" || c.Cache.Backend == "redis" {
			return fmt.Errorf("automation.engine scripted cannot write to the %s cache backend", c.Cache.Backend)
		}
		if c.Results.PostgresDSN != "" {
			return fmt.Errorf("automation.engine scripted cannot write to results.postgres_dsn")
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	return nil
}
