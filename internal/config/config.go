// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Only one provider key is strictly required for the gateway to start unless
// BYOK-only mode is enabled. Redis, ClickHouse, and NATS are all optional.
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
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider API keys — at least one must be non-empty unless
	// AllowProviderKeys is set.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// Redis holds the connection URL for the Redis-backed cache and rate
	// limiter. Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls response caching behaviour.
	Cache CacheConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// Pipeline controls validation and execution behaviour.
	Pipeline PipelineConfig

	// Audit controls the per-request audit trail.
	Audit AuditConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// AllowProviderKeys enables the X-Provider-Key-* headers so callers can
	// supply their own upstream credentials (BYOK). When false (default) the
	// headers are ignored and only configured keys are used.
	AllowProviderKeys bool

	// DebugErrorsAllowed is the operator-side gate for diagnostic error
	// payloads. Callers must additionally opt in per request.
	DebugErrorsAllowed bool
}

// ProviderConfig holds configuration for a single upstream provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string

	// Weight is the static routing weight before health scaling.
	// Zero means the default weight (1.0).
	Weight float64
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// ExcludeExact is a list of exact model names that must never be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against
	// model names. Requests whose model matches any pattern are not cached.
	ExcludePatterns []string
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int

	// TeamRPMLimit additionally bounds each team identified by X-Team-Id.
	// 0 disables the per-team window. Default: 0.
	TeamRPMLimit int
}

// PipelineConfig controls the execution orchestrator.
type PipelineConfig struct {
	// MaxAttempts is the maximum number of provider attempts per request
	// (including the first). Default: 3.
	MaxAttempts int

	// AttemptTimeout is the per-attempt upstream timeout. Default: 30s.
	AttemptTimeout time.Duration
}

// AuditConfig controls audit record persistence and analytics fan-out.
type AuditConfig struct {
	// ClickHouseDSN enables the ClickHouse audit sink when non-empty.
	// Example: clickhouse://localhost:9000/gateway
	ClickHouseDSN string

	// ClickHouseTable is the destination table. Default: "gateway_audit".
	ClickHouseTable string

	// NATSURL enables analytics event publishing when non-empty.
	// Example: nats://localhost:4222
	NATSURL string

	// NATSSubject is the subject prefix for audit events.
	// Default: "gateway.audit".
	NATSSubject string
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
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Pipeline defaults.
	v.SetDefault("MAX_ATTEMPTS", 3)
	v.SetDefault("ATTEMPT_TIMEOUT", "30s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("TEAM_RPM_LIMIT", 0)

	// Audit defaults.
	v.SetDefault("CLICKHOUSE_TABLE", "gateway_audit")
	v.SetDefault("NATS_SUBJECT", "gateway.audit")

	// BYOK and debug-error modes disabled by default.
	v.SetDefault("ALLOW_PROVIDER_KEYS", false)
	v.SetDefault("DEBUG_ERRORS_ALLOWED", false)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI: ProviderConfig{
			APIKey:  v.GetString("OPENAI_API_KEY"),
			BaseURL: v.GetString("OPENAI_BASE_URL"),
			Weight:  v.GetFloat64("OPENAI_WEIGHT"),
		},
		Anthropic: ProviderConfig{
			APIKey:  v.GetString("ANTHROPIC_API_KEY"),
			BaseURL: v.GetString("ANTHROPIC_BASE_URL"),
			Weight:  v.GetFloat64("ANTHROPIC_WEIGHT"),
		},
		Gemini: ProviderConfig{
			APIKey:  v.GetString("GOOGLE_API_KEY"),
			BaseURL: v.GetString("GEMINI_BASE_URL"),
			Weight:  v.GetFloat64("GEMINI_WEIGHT"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit:     v.GetInt("RPM_LIMIT"),
			TeamRPMLimit: v.GetInt("TEAM_RPM_LIMIT"),
		},

		Pipeline: PipelineConfig{
			MaxAttempts:    v.GetInt("MAX_ATTEMPTS"),
			AttemptTimeout: v.GetDuration("ATTEMPT_TIMEOUT"),
		},

		Audit: AuditConfig{
			ClickHouseDSN:   v.GetString("CLICKHOUSE_DSN"),
			ClickHouseTable: v.GetString("CLICKHOUSE_TABLE"),
			NATSURL:         v.GetString("NATS_URL"),
			NATSSubject:     v.GetString("NATS_SUBJECT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),

		AllowProviderKeys:  v.GetBool("ALLOW_PROVIDER_KEYS"),
		DebugErrorsAllowed: v.GetBool("DEBUG_ERRORS_ALLOWED"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	// At least one provider must be configured unless callers bring their own keys.
	if !c.AllowProviderKeys && !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, or GOOGLE_API_KEY). " +
				"Set ALLOW_PROVIDER_KEYS=true to require clients to supply their own keys.",
		)
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	// The limiter needs Redis too.
	if (c.RateLimit.RPMLimit > 0 || c.RateLimit.TeamRPMLimit > 0) && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT or TEAM_RPM_LIMIT is set")
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("config: MAX_ATTEMPTS must be ≥ 1, got %d", c.Pipeline.MaxAttempts)
	}
	if c.Pipeline.AttemptTimeout <= 0 {
		return fmt.Errorf("config: ATTEMPT_TIMEOUT must be a positive duration")
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != ""
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
