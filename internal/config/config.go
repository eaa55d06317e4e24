// Package config loads and validates all runtime configuration for the gateway.
//
// Scalar settings are read from environment variables (preferred for
// containers) with a config.yaml file in the working directory as the base.
// Environment variables take precedence. Structured sections (providers,
// fallback chains, provider groups, routing rules, pricing) live in the YAML
// file only.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Host and Port are the HTTP listen address. Defaults: "0.0.0.0", 8080.
	Host string
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// DefaultProvider receives requests that match no routing rule.
	DefaultProvider string

	// RequestTTLHours is how long terminal requests are retained before the
	// cleanup sweep removes them. Default: 24.
	RequestTTLHours int

	// MaxQueueDepth bounds the request queue; enqueue beyond it fails with 503.
	MaxQueueDepth int

	// MaxConcurrent is the baseline number of requests processed in parallel.
	// The backpressure controller scales the effective limit down under load.
	MaxConcurrent int

	// StorePath is the SQLite database file. ":memory:" is valid for tests.
	StorePath string

	// Redis holds the optional connection URL for the Redis-backed rate
	// limiter. When empty the in-process limiter is used.
	Redis RedisConfig

	Cache        CacheConfig
	Retry        RetryConfig
	Parallel     ParallelConfig
	Auth         AuthConfig
	RateLimit    RateLimitConfig
	Streaming    StreamingConfig
	Health       HealthConfig
	Backpressure BackpressureConfig
	Discussion   DiscussionConfig

	// Providers maps provider name to its backend settings.
	Providers map[string]ProviderConfig

	// Routing is the keyword rule set consumed by the router.
	Routing RoutingConfig

	// Pricing is the static per-provider USD/million-token matrix.
	Pricing map[string]PricingEntry

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string
}

// ProviderConfig holds settings for a single provider backend.
type ProviderConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	BackendType       string        `mapstructure:"backend_type"` // openaicompat | anthropic | gemini | cli | mock
	Priority          int           `mapstructure:"priority"`
	Timeout           time.Duration `mapstructure:"timeout"`
	SupportsStreaming bool          `mapstructure:"supports_streaming"`
	RateLimitRPM      int           `mapstructure:"rate_limit_rpm"`

	// HTTP adapters.
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`

	// CLI adapter.
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// RedisConfig holds the Redis connection URL (rate limiter only).
type RedisConfig struct {
	URL string
}

// CacheConfig controls the durable response cache.
type CacheConfig struct {
	Enabled    bool
	TTL        time.Duration
	MaxEntries int
}

// RetryConfig controls the retry/fallback executor.
type RetryConfig struct {
	Enabled         bool
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	FallbackEnabled bool
	FallbackChains  map[string][]string
}

// ParallelConfig controls multi-provider fan-out.
type ParallelConfig struct {
	Enabled        bool
	ProviderGroups map[string][]string
}

// AuthConfig controls API-key authentication.
type AuthConfig struct {
	Enabled        bool
	HeaderName     string
	PublicPaths    []string
	AllowLocalhost bool
}

// RateLimitConfig controls per-key and per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	BurstSize         int
}

// StreamingConfig controls SSE / stream-log behaviour.
type StreamingConfig struct {
	Enabled   bool
	BatchSize int
}

// HealthConfig controls the provider health checker.
type HealthConfig struct {
	CheckInterval time.Duration
	CheckTimeout  time.Duration
}

// BackpressureConfig controls the adaptive concurrency controller.
type BackpressureConfig struct {
	SampleInterval time.Duration
	SuccessWindow  int
}

// DiscussionConfig controls the discussion orchestrator defaults.
type DiscussionConfig struct {
	MinProviders    int
	RoundTimeout    time.Duration
	ProviderTimeout time.Duration
}

// RoutingConfig holds the keyword routing rule set and scoring weights.
type RoutingConfig struct {
	PerformanceWeight float64       `mapstructure:"performance_weight"`
	Rules             []RoutingRule `mapstructure:"rules"`
}

// RoutingRule routes messages containing any of Keywords to Provider.
type RoutingRule struct {
	Keywords    []string `mapstructure:"keywords"`
	Provider    string   `mapstructure:"provider"`
	Model       string   `mapstructure:"model"`
	Priority    int      `mapstructure:"priority"`
	Description string   `mapstructure:"description"`
}

// PricingEntry is USD per million tokens for one provider.
type PricingEntry struct {
	InputPerMTok  float64 `mapstructure:"input_per_mtok"`
	OutputPerMTok float64 `mapstructure:"output_per_mtok"`
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEFAULT_PROVIDER", "")
	v.SetDefault("REQUEST_TTL_HOURS", 24)
	v.SetDefault("MAX_QUEUE_DEPTH", 500)
	v.SetDefault("MAX_CONCURRENT", 8)
	v.SetDefault("STORE_PATH", "data/gateway.db")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("CACHE_ENABLED", true)
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_MAX_ENTRIES", 10_000)

	v.SetDefault("RETRY_ENABLED", true)
	v.SetDefault("RETRY_MAX_RETRIES", 2)
	v.SetDefault("RETRY_BASE_DELAY", "1s")
	v.SetDefault("RETRY_MAX_DELAY", "30s")
	v.SetDefault("RETRY_FALLBACK_ENABLED", true)

	v.SetDefault("PARALLEL_ENABLED", true)

	v.SetDefault("AUTH_ENABLED", false)
	v.SetDefault("AUTH_HEADER_NAME", "X-API-Key")
	v.SetDefault("AUTH_PUBLIC_PATHS", []string{"/api/health", "/metrics", "/readiness"})
	v.SetDefault("AUTH_ALLOW_LOCALHOST", true)

	v.SetDefault("RATE_LIMIT_ENABLED", false)
	v.SetDefault("RATE_LIMIT_RPM", 60)
	v.SetDefault("RATE_LIMIT_BURST", 10)

	v.SetDefault("STREAMING_ENABLED", true)
	v.SetDefault("STREAM_BATCH_SIZE", 10)

	v.SetDefault("HEALTH_CHECK_INTERVAL", "30s")
	v.SetDefault("HEALTH_CHECK_TIMEOUT", "10s")

	v.SetDefault("BACKPRESSURE_SAMPLE_INTERVAL", "5s")
	v.SetDefault("BACKPRESSURE_SUCCESS_WINDOW", 50)

	v.SetDefault("DISCUSSION_MIN_PROVIDERS", 2)
	v.SetDefault("DISCUSSION_ROUND_TIMEOUT", "120s")
	v.SetDefault("DISCUSSION_PROVIDER_TIMEOUT", "60s")

	v.SetDefault("ROUTING_PERFORMANCE_WEIGHT", 0.3)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Host:            v.GetString("HOST"),
		Port:            v.GetInt("PORT"),
		LogLevel:        strings.ToLower(v.GetString("LOG_LEVEL")),
		DefaultProvider: v.GetString("DEFAULT_PROVIDER"),
		RequestTTLHours: v.GetInt("REQUEST_TTL_HOURS"),
		MaxQueueDepth:   v.GetInt("MAX_QUEUE_DEPTH"),
		MaxConcurrent:   v.GetInt("MAX_CONCURRENT"),
		StorePath:       v.GetString("STORE_PATH"),
		CORSOrigins:     v.GetStringSlice("CORS_ORIGINS"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Enabled:    v.GetBool("CACHE_ENABLED"),
			TTL:        v.GetDuration("CACHE_TTL"),
			MaxEntries: v.GetInt("CACHE_MAX_ENTRIES"),
		},

		Retry: RetryConfig{
			Enabled:         v.GetBool("RETRY_ENABLED"),
			MaxRetries:      v.GetInt("RETRY_MAX_RETRIES"),
			BaseDelay:       v.GetDuration("RETRY_BASE_DELAY"),
			MaxDelay:        v.GetDuration("RETRY_MAX_DELAY"),
			FallbackEnabled: v.GetBool("RETRY_FALLBACK_ENABLED"),
		},

		Parallel: ParallelConfig{
			Enabled: v.GetBool("PARALLEL_ENABLED"),
		},

		Auth: AuthConfig{
			Enabled:        v.GetBool("AUTH_ENABLED"),
			HeaderName:     v.GetString("AUTH_HEADER_NAME"),
			PublicPaths:    v.GetStringSlice("AUTH_PUBLIC_PATHS"),
			AllowLocalhost: v.GetBool("AUTH_ALLOW_LOCALHOST"),
		},

		RateLimit: RateLimitConfig{
			Enabled:           v.GetBool("RATE_LIMIT_ENABLED"),
			RequestsPerMinute: v.GetInt("RATE_LIMIT_RPM"),
			BurstSize:         v.GetInt("RATE_LIMIT_BURST"),
		},

		Streaming: StreamingConfig{
			Enabled:   v.GetBool("STREAMING_ENABLED"),
			BatchSize: v.GetInt("STREAM_BATCH_SIZE"),
		},

		Health: HealthConfig{
			CheckInterval: v.GetDuration("HEALTH_CHECK_INTERVAL"),
			CheckTimeout:  v.GetDuration("HEALTH_CHECK_TIMEOUT"),
		},

		Backpressure: BackpressureConfig{
			SampleInterval: v.GetDuration("BACKPRESSURE_SAMPLE_INTERVAL"),
			SuccessWindow:  v.GetInt("BACKPRESSURE_SUCCESS_WINDOW"),
		},

		Discussion: DiscussionConfig{
			MinProviders:    v.GetInt("DISCUSSION_MIN_PROVIDERS"),
			RoundTimeout:    v.GetDuration("DISCUSSION_ROUND_TIMEOUT"),
			ProviderTimeout: v.GetDuration("DISCUSSION_PROVIDER_TIMEOUT"),
		},

		Routing: RoutingConfig{
			PerformanceWeight: v.GetFloat64("ROUTING_PERFORMANCE_WEIGHT"),
		},
	}

	// ── Structured sections (YAML only) ───────────────────────────────────────
	if err := v.UnmarshalKey("providers", &cfg.Providers); err != nil {
		return nil, fmt.Errorf("config: providers: %w", err)
	}
	if err := v.UnmarshalKey("retry.fallback_chains", &cfg.Retry.FallbackChains); err != nil {
		return nil, fmt.Errorf("config: fallback_chains: %w", err)
	}
	if err := v.UnmarshalKey("parallel.provider_groups", &cfg.Parallel.ProviderGroups); err != nil {
		return nil, fmt.Errorf("config: provider_groups: %w", err)
	}
	if err := v.UnmarshalKey("routing.rules", &cfg.Routing.Rules); err != nil {
		return nil, fmt.Errorf("config: routing rules: %w", err)
	}
	if err := v.UnmarshalKey("pricing", &cfg.Pricing); err != nil {
		return nil, fmt.Errorf("config: pricing: %w", err)
	}

	cfg.applyProviderDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyProviderDefaults fills per-provider zero values.
func (c *Config) applyProviderDefaults() {
	for name, p := range c.Providers {
		if p.Timeout <= 0 {
			p.Timeout = 60 * time.Second
		}
		if p.Priority == 0 {
			p.Priority = 50
		}
		if p.BackendType == "" {
			p.BackendType = "openaicompat"
		}
		c.Providers[name] = p
	}
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.MaxQueueDepth < 1 {
		return fmt.Errorf("config: MAX_QUEUE_DEPTH must be ≥ 1, got %d", c.MaxQueueDepth)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("config: MAX_CONCURRENT must be ≥ 1, got %d", c.MaxConcurrent)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: RETRY_MAX_RETRIES must be ≥ 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.Enabled && c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("config: RETRY_BASE_DELAY must be a positive duration")
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute < 1 {
		return fmt.Errorf("config: RATE_LIMIT_RPM must be ≥ 1 when rate limiting is enabled")
	}
	if c.Discussion.MinProviders < 1 {
		return fmt.Errorf("config: DISCUSSION_MIN_PROVIDERS must be ≥ 1, got %d", c.Discussion.MinProviders)
	}
	if w := c.Routing.PerformanceWeight; w < 0 || w > 1 {
		return fmt.Errorf("config: ROUTING_PERFORMANCE_WEIGHT must be in [0,1], got %g", w)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider must be configured under 'providers'")
	}
	for name, p := range c.Providers {
		switch p.BackendType {
		case "openaicompat", "anthropic", "gemini", "cli", "mock":
		default:
			return fmt.Errorf("config: provider %q: unknown backend_type %q", name, p.BackendType)
		}
		if p.BackendType == "cli" && p.Command == "" {
			return fmt.Errorf("config: provider %q: cli backend requires 'command'", name)
		}
		if p.Priority < 0 || p.Priority > 100 {
			return fmt.Errorf("config: provider %q: priority must be in 0..100, got %d", name, p.Priority)
		}
	}

	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			return fmt.Errorf("config: DEFAULT_PROVIDER %q is not a configured provider", c.DefaultProvider)
		}
	}

	for primary, chain := range c.Retry.FallbackChains {
		if _, ok := c.Providers[primary]; !ok {
			return fmt.Errorf("config: fallback chain references unknown provider %q", primary)
		}
		for _, fb := range chain {
			if _, ok := c.Providers[fb]; !ok {
				return fmt.Errorf("config: fallback chain for %q references unknown provider %q", primary, fb)
			}
		}
	}
	for group, members := range c.Parallel.ProviderGroups {
		if len(members) == 0 {
			return fmt.Errorf("config: provider group %q is empty", group)
		}
		for _, m := range members {
			if _, ok := c.Providers[m]; !ok {
				return fmt.Errorf("config: provider group %q references unknown provider %q", group, m)
			}
		}
	}

	return nil
}

// FirstProvider returns the default provider, or the highest-priority enabled
// provider when DEFAULT_PROVIDER is unset.
func (c *Config) FirstProvider() string {
	if c.DefaultProvider != "" {
		return c.DefaultProvider
	}
	best, bestPrio := "", -1
	for name, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		if p.Priority > bestPrio || (p.Priority == bestPrio && (best == "" || name < best)) {
			best, bestPrio = name, p.Priority
		}
	}
	return best
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
