// Package config loads server configuration from the environment and
// optional YAML stage profiles.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds all pkgport configuration. Required fields abort
// startup when missing; everything else has a usable default.
type Config struct {
	Port     string `env:"PORT, default=8080"`
	LogLevel string `env:"LOG_LEVEL, default=INFO"`

	DatabaseURL           string `env:"DATABASE_URL, required"`
	UpstreamRegistryURL   string `env:"UPSTREAM_REGISTRY_URL, required"`
	DownstreamRegistryURL string `env:"DOWNSTREAM_REGISTRY_URL, required"`
	PackageCacheDir       string `env:"PACKAGE_CACHE_DIR, required"`

	// DownstreamRegistryToken authenticates publishes. Empty works for
	// registries that accept anonymous publishes (test fixtures do).
	DownstreamRegistryToken string `env:"DOWNSTREAM_REGISTRY_TOKEN"`

	DownloadTimeoutSeconds int `env:"DOWNLOAD_TIMEOUT_SECONDS, default=120"`
	ScanTimeoutSeconds     int `env:"SCAN_TIMEOUT_SECONDS, default=300"`
	PublishTimeoutSeconds  int `env:"PUBLISH_TIMEOUT_SECONDS, default=120"`
	StuckTimeoutMinutes    int `env:"STUCK_TIMEOUT_MINUTES, default=20"`

	// AuthJWTSecret signs/verifies bearer tokens. Empty means no
	// validator is configured and all authenticated routes fail closed.
	AuthJWTSecret string `env:"AUTH_JWT_SECRET"`

	// RedisURL enables the licence classification cache when set.
	RedisURL string `env:"REDIS_URL"`

	// ScannerCommand is the vulnerability scanner CLI. The adapter
	// appends the cached tree path as the final argument.
	ScannerCommand string `env:"SCANNER_COMMAND, default=osv-scanner --format json"`

	// OTLPEndpoint enables OpenTelemetry export when set.
	OTLPEndpoint string `env:"OTLP_ENDPOINT"`

	// PipelineProfile points at an optional YAML file with per-stage
	// tuning overrides.
	PipelineProfile string `env:"PIPELINE_PROFILE"`

	RateLimitRPS   int `env:"RATE_LIMIT_RPS, default=20"`
	RateLimitBurst int `env:"RATE_LIMIT_BURST, default=40"`
}

// Load reads configuration from the process environment.
func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.DownloadTimeoutSeconds <= 0 || cfg.ScanTimeoutSeconds <= 0 || cfg.PublishTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("stage timeouts must be positive")
	}
	if cfg.StuckTimeoutMinutes <= 0 {
		return nil, fmt.Errorf("STUCK_TIMEOUT_MINUTES must be positive")
	}
	return &cfg, nil
}

// DownloadTimeout returns the download stage I/O bound.
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutSeconds) * time.Second
}

// ScanTimeout returns the scan stage I/O bound.
func (c *Config) ScanTimeout() time.Duration {
	return time.Duration(c.ScanTimeoutSeconds) * time.Second
}

// PublishTimeout returns the publish stage I/O bound.
func (c *Config) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutSeconds) * time.Second
}

// StuckTimeout returns the supervisor recovery threshold.
func (c *Config) StuckTimeout() time.Duration {
	return time.Duration(c.StuckTimeoutMinutes) * time.Minute
}
