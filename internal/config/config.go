// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory, with
// environment variables taking precedence. A .env file is loaded into the
// process environment when present.
//
// No provider credential is strictly required to start: an adapter whose
// key is missing is constructed but never becomes available, and requests
// fail with no_providers_available once every adapter is unavailable.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level: debug, info, warn, error.
	LogLevel string

	// Providers holds the per-adapter settings, keyed by adapter name
	// (openai, gemini, claude, local-worker).
	Providers map[string]providers.Settings

	// Routing controls provider selection and the retry/fallback budget.
	Routing RoutingConfig

	// RateLimit controls per-caller request limiting.
	RateLimit RateLimitConfig

	// Cache controls the response cache.
	Cache CacheConfig

	// CircuitBreaker controls per-provider breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// Redis holds the connection URL, required when Cache.Mode is "redis".
	Redis RedisConfig

	// CORSOrigins is the allowed CORS origin list; ["*"] allows any.
	CORSOrigins []string
}

// RoutingConfig mirrors the routing section.
type RoutingConfig struct {
	// DefaultProvider is preferred when a request names no provider.
	DefaultProvider string

	// FallbackEnabled allows trying secondary providers after the primary
	// exhausts its retry budget.
	FallbackEnabled bool

	// MaxRetries is the per-provider retry budget. Default: 2.
	MaxRetries int

	// RetryDelay is the initial backoff delay. Default: 1s.
	RetryDelay time.Duration
}

// RateLimitConfig mirrors the rateLimit section.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	// TokensPerMinute is carried for API parity with the managed tier;
	// the open gateway only enforces the request rate.
	TokensPerMinute int
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Enabled turns caching on. Default: true.
	Enabled bool

	// Mode selects the backend: "redis", "memory" or "none".
	Mode string

	// TTL is the per-entry lifetime. Default: 1h.
	TTL time.Duration

	// MaxSize is read from CACHE_MAX_SIZE; no cache backend enforces it.
	MaxSize int
}

// CircuitBreakerConfig controls the per-provider breakers.
type CircuitBreakerConfig struct {
	FailureRateThreshold float64
	MinSamples           int
	TimeWindow           time.Duration
	OpenTimeout          time.Duration
	ProbeCount           int
	ProbeSuccessRatio    float64
}

// RedisConfig holds the Redis connection URL.
type RedisConfig struct {
	URL string
}

// Load reads configuration from environment variables and (optionally)
// config.yaml in the working directory.
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

	v.SetDefault("OPENAI_ENABLED", true)
	v.SetDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("OPENAI_DEFAULT_MODEL", "gpt-4o-mini")
	v.SetDefault("OPENAI_TIMEOUT_SECONDS", 30)
	v.SetDefault("OPENAI_PRIORITY", 1)

	v.SetDefault("GEMINI_ENABLED", true)
	v.SetDefault("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("GEMINI_DEFAULT_MODEL", "gemini-2.0-flash")
	v.SetDefault("GEMINI_TIMEOUT_SECONDS", 30)
	v.SetDefault("GEMINI_PRIORITY", 2)

	v.SetDefault("CLAUDE_ENABLED", true)
	v.SetDefault("CLAUDE_BASE_URL", "https://api.anthropic.com")
	v.SetDefault("CLAUDE_DEFAULT_MODEL", "claude-3-5-sonnet-20241022")
	v.SetDefault("CLAUDE_TIMEOUT_SECONDS", 30)
	v.SetDefault("CLAUDE_PRIORITY", 3)

	v.SetDefault("LOCAL_WORKER_ENABLED", true)
	v.SetDefault("LOCAL_WORKER_BASE_URL", "http://localhost:8000")
	v.SetDefault("LOCAL_WORKER_DEFAULT_MODEL", "local-llm")
	v.SetDefault("LOCAL_WORKER_TIMEOUT_SECONDS", 60)
	v.SetDefault("LOCAL_WORKER_PRIORITY", 4)

	v.SetDefault("DEFAULT_PROVIDER", "openai")
	v.SetDefault("FALLBACK_ENABLED", true)
	v.SetDefault("MAX_RETRIES", 2)
	v.SetDefault("RETRY_DELAY_MS", 1000)

	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("REQUESTS_PER_MINUTE", 60)
	v.SetDefault("TOKENS_PER_MINUTE", 100_000)

	v.SetDefault("CACHE_ENABLED", true)
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL_SECONDS", 3600)
	v.SetDefault("CACHE_MAX_SIZE", 10_000)

	v.SetDefault("CB_FAILURE_RATE", 0.5)
	v.SetDefault("CB_MIN_SAMPLES", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_OPEN_TIMEOUT", "30s")
	v.SetDefault("CB_PROBE_COUNT", 3)
	v.SetDefault("CB_PROBE_SUCCESS_RATIO", 0.5)

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Providers: map[string]providers.Settings{
			"openai": {
				Enabled:      v.GetBool("OPENAI_ENABLED"),
				APIKey:       v.GetString("OPENAI_API_KEY"),
				BaseURL:      v.GetString("OPENAI_BASE_URL"),
				DefaultModel: v.GetString("OPENAI_DEFAULT_MODEL"),
				Timeout:      time.Duration(v.GetInt("OPENAI_TIMEOUT_SECONDS")) * time.Second,
				Priority:     v.GetInt("OPENAI_PRIORITY"),
				Models:       v.GetStringSlice("OPENAI_MODELS"),
				Pricing: providers.Pricing{
					InputPerToken:  v.GetFloat64("OPENAI_PRICE_INPUT"),
					OutputPerToken: v.GetFloat64("OPENAI_PRICE_OUTPUT"),
				},
			},
			"gemini": {
				Enabled:      v.GetBool("GEMINI_ENABLED"),
				APIKey:       firstNonEmpty(v.GetString("GEMINI_API_KEY"), v.GetString("GOOGLE_API_KEY")),
				BaseURL:      v.GetString("GEMINI_BASE_URL"),
				DefaultModel: v.GetString("GEMINI_DEFAULT_MODEL"),
				Timeout:      time.Duration(v.GetInt("GEMINI_TIMEOUT_SECONDS")) * time.Second,
				Priority:     v.GetInt("GEMINI_PRIORITY"),
				Models:       v.GetStringSlice("GEMINI_MODELS"),
				Pricing: providers.Pricing{
					InputPerToken:  v.GetFloat64("GEMINI_PRICE_INPUT"),
					OutputPerToken: v.GetFloat64("GEMINI_PRICE_OUTPUT"),
				},
			},
			"claude": {
				Enabled:      v.GetBool("CLAUDE_ENABLED"),
				APIKey:       firstNonEmpty(v.GetString("CLAUDE_API_KEY"), v.GetString("ANTHROPIC_API_KEY")),
				BaseURL:      v.GetString("CLAUDE_BASE_URL"),
				DefaultModel: v.GetString("CLAUDE_DEFAULT_MODEL"),
				Timeout:      time.Duration(v.GetInt("CLAUDE_TIMEOUT_SECONDS")) * time.Second,
				Priority:     v.GetInt("CLAUDE_PRIORITY"),
				Models:       v.GetStringSlice("CLAUDE_MODELS"),
				Pricing: providers.Pricing{
					InputPerToken:  v.GetFloat64("CLAUDE_PRICE_INPUT"),
					OutputPerToken: v.GetFloat64("CLAUDE_PRICE_OUTPUT"),
				},
			},
			"local-worker": {
				Enabled:      v.GetBool("LOCAL_WORKER_ENABLED"),
				BaseURL:      v.GetString("LOCAL_WORKER_BASE_URL"),
				DefaultModel: v.GetString("LOCAL_WORKER_DEFAULT_MODEL"),
				Timeout:      time.Duration(v.GetInt("LOCAL_WORKER_TIMEOUT_SECONDS")) * time.Second,
				Priority:     v.GetInt("LOCAL_WORKER_PRIORITY"),
				Models:       v.GetStringSlice("LOCAL_WORKER_MODELS"),
			},
		},

		Routing: RoutingConfig{
			DefaultProvider: v.GetString("DEFAULT_PROVIDER"),
			FallbackEnabled: v.GetBool("FALLBACK_ENABLED"),
			MaxRetries:      v.GetInt("MAX_RETRIES"),
			RetryDelay:      time.Duration(v.GetInt("RETRY_DELAY_MS")) * time.Millisecond,
		},

		RateLimit: RateLimitConfig{
			Enabled:           v.GetBool("RATE_LIMIT_ENABLED"),
			RequestsPerMinute: v.GetInt("REQUESTS_PER_MINUTE"),
			TokensPerMinute:   v.GetInt("TOKENS_PER_MINUTE"),
		},

		Cache: CacheConfig{
			Enabled: v.GetBool("CACHE_ENABLED"),
			Mode:    strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:     time.Duration(v.GetInt("CACHE_TTL_SECONDS")) * time.Second,
			MaxSize: v.GetInt("CACHE_MAX_SIZE"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureRateThreshold: v.GetFloat64("CB_FAILURE_RATE"),
			MinSamples:           v.GetInt("CB_MIN_SAMPLES"),
			TimeWindow:           v.GetDuration("CB_TIME_WINDOW"),
			OpenTimeout:          v.GetDuration("CB_OPEN_TIMEOUT"),
			ProbeCount:           v.GetInt("CB_PROBE_COUNT"),
			ProbeSuccessRatio:    v.GetFloat64("CB_PROBE_SUCCESS_RATIO"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	applyDefaultPricing(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaultPricing fills per-token prices for billed providers that
// were not priced explicitly. The worker stays free.
func applyDefaultPricing(cfg *Config) {
	defaults := map[string]providers.Pricing{
		"openai": {InputPerToken: 0.0000025, OutputPerToken: 0.00001},
		"gemini": {InputPerToken: 0.0000001, OutputPerToken: 0.0000004},
		"claude": {InputPerToken: 0.000003, OutputPerToken: 0.000015},
	}
	for name, pricing := range defaults {
		s := cfg.Providers[name]
		if s.Pricing.InputPerToken == 0 && s.Pricing.OutputPerToken == 0 {
			s.Pricing = pricing
			cfg.Providers[name] = s
		}
	}
}

// validate checks semantic constraints that defaults cannot express.
func (c *Config) validate() error {
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
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

	if c.Routing.MaxRetries < 0 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 0, got %d", c.Routing.MaxRetries)
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute < 1 {
		return fmt.Errorf("config: REQUESTS_PER_MINUTE must be ≥ 1, got %d", c.RateLimit.RequestsPerMinute)
	}
	if c.CircuitBreaker.FailureRateThreshold <= 0 || c.CircuitBreaker.FailureRateThreshold > 1 {
		return fmt.Errorf("config: CB_FAILURE_RATE must be in (0, 1], got %g", c.CircuitBreaker.FailureRateThreshold)
	}

	return nil
}

// HasAnyCredential reports whether at least one upstream can become
// available. The gateway still runs without credentials and fails requests
// with no_providers_available.
func (c *Config) HasAnyCredential() bool {
	for name, s := range c.Providers {
		if !s.Enabled {
			continue
		}
		if s.APIKey != "" || (name == "local-worker" && s.BaseURL != "") {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
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
