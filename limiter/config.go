package limiter

import (
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"
)

// Valid rule strategies
var validStrategies = map[Dimension]bool{
	DimensionIP:       true,
	DimensionUser:     true,
	DimensionCombined: true,
}

// Rule limits one request path.
type Rule struct {
	Path          string    `yaml:"path"`           // request path (can be regex if IsRegex is true)
	IsRegex       bool      `yaml:"is_regex"`       // indicates if Path is a regex
	Capacity      int       `yaml:"capacity"`       // bucket size, also the max burst
	WindowSeconds int       `yaml:"window_seconds"` // time to refill a full bucket
	Strategy      Dimension `yaml:"strategy"`       // "ip", "user" or "combined"

	// internal fields
	compiledRegex *regexp.Regexp // compiled regex for performance
}

// Matches reports whether path falls under the rule (exact or regex).
func (r *Rule) Matches(path string) bool {
	if r.IsRegex {
		return r.compiledRegex != nil && r.compiledRegex.MatchString(path)
	}
	return r.Path == path
}

// Config holds the overall rate limiter configuration.
type Config struct {
	StorageType        string   `yaml:"storage_type"`   // "memory" or "redis"
	StoreEndpoint      string   `yaml:"store_endpoint"` // redis://... or host:port
	FailOpen           *bool    `yaml:"fail_open"`      // default true
	LocalFallback      bool     `yaml:"local_fallback"` // degrade to per-process buckets instead of open/closed
	ConnectTimeoutMS   int      `yaml:"connect_timeout_ms"`
	OperationTimeoutMS int      `yaml:"operation_timeout_ms"`
	BreakerCooldownMS  int      `yaml:"breaker_cooldown_ms"`
	KeyPrefix          string   `yaml:"key_prefix"`
	PreciseRetryAfter  bool     `yaml:"precise_retry_after"`
	SkipPaths          []string `yaml:"skip_paths"`
	Rules              []Rule   `yaml:"rules"`
}

// FailOpenEnabled reports the configured fail mode; unset means fail-open.
func (c *Config) FailOpenEnabled() bool {
	return c.FailOpen == nil || *c.FailOpen
}

// ConnectTimeout returns the dial timeout for the store.
func (c *Config) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutMS <= 0 {
		return DefaultConnectTimeout
	}
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// OperationTimeout returns the per-check store timeout.
func (c *Config) OperationTimeout() time.Duration {
	if c.OperationTimeoutMS <= 0 {
		return DefaultOperationTimeout
	}
	return time.Duration(c.OperationTimeoutMS) * time.Millisecond
}

// BreakerCooldown returns how long the store is skipped after a failure; zero disables it.
func (c *Config) BreakerCooldown() time.Duration {
	if c.BreakerCooldownMS <= 0 {
		return 0
	}
	return time.Duration(c.BreakerCooldownMS) * time.Millisecond
}

// ValidateAndPrepare processes the raw config, validates it, and prepares internal fields.
func (c *Config) ValidateAndPrepare() error {
	if c.StorageType == "" {
		c.StorageType = StorageRedis
	}
	if c.StorageType != StorageMemory && c.StorageType != StorageRedis {
		return fmt.Errorf("%w: invalid storage_type: %s, must be '%s' or '%s'", ErrInvalidConfig, c.StorageType, StorageMemory, StorageRedis)
	}
	if c.StorageType == StorageRedis && c.StoreEndpoint == "" {
		return fmt.Errorf("%w: storage_type '%s' requires store_endpoint", ErrInvalidConfig, StorageRedis)
	}
	if c.ConnectTimeoutMS < 0 || c.OperationTimeoutMS < 0 || c.BreakerCooldownMS < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}

	if len(c.Rules) == 0 {
		log.Warn().Msg("no rate limit rules defined in config")
	}

	seenPaths := make(map[string]bool)
	for i := range c.Rules {
		rule := &c.Rules[i] // operate on pointer to modify original slice element

		// validate path uniqueness
		if seenPaths[rule.Path] {
			return fmt.Errorf("%w: duplicate path definition found: %s", ErrInvalidConfig, rule.Path)
		}
		seenPaths[rule.Path] = true

		if err := ValidateLimit(rule.Capacity, rule.WindowSeconds); err != nil {
			return fmt.Errorf("rule for path '%s': %w", rule.Path, err)
		}

		// compile regex if needed
		if rule.IsRegex {
			re, err := regexp.Compile(rule.Path)
			if err != nil {
				return fmt.Errorf("%w: failed to compile regex for path '%s': %w", ErrInvalidConfig, rule.Path, err)
			}
			rule.compiledRegex = re
		}

		if rule.Strategy == "" {
			rule.Strategy = DimensionIP
		}
		if !validStrategies[rule.Strategy] {
			return fmt.Errorf("%w: rule for path '%s' has invalid strategy: '%s'", ErrInvalidConfig, rule.Path, rule.Strategy)
		}
	}
	return nil
}

// NewStore builds the configured store. For redis it dials lazily; use RateLimiter.Health
// to verify connectivity. The returned store implements io.Closer.
func (c *Config) NewStore() (Store, error) {
	switch c.StorageType {
	case StorageMemory:
		return NewMemoryStore(), nil
	case StorageRedis, "":
		client, err := NewRedisClient(c.StoreEndpoint, c.ConnectTimeout(), c.OperationTimeout())
		if err != nil {
			return nil, err
		}
		var opts []RedisOption
		if c.KeyPrefix != "" {
			opts = append(opts, WithKeyPrefix(c.KeyPrefix))
		}
		store := NewRedisStore(client, opts...)
		store.owned = client
		return store, nil
	default:
		return nil, fmt.Errorf("%w: invalid storage_type: %s", ErrInvalidConfig, c.StorageType)
	}
}

// Options translates the config into RateLimiter options.
func (c *Config) Options() []Option {
	opts := []Option{
		WithFailOpen(c.FailOpenEnabled()),
		WithOperationTimeout(c.OperationTimeout()),
		WithBreaker(c.BreakerCooldown()),
		WithRules(c.Rules),
	}
	if c.LocalFallback {
		opts = append(opts, WithPolicy(NewFailLocal()))
	}
	if c.PreciseRetryAfter {
		opts = append(opts, WithPreciseRetryAfter())
	}
	return opts
}

// NewFromConfig validates cfg, builds its store and returns the limiter plus the store
// so the caller can close the underlying client on shutdown.
func NewFromConfig(cfg *Config, extra ...Option) (*RateLimiter, Store, error) {
	if err := cfg.ValidateAndPrepare(); err != nil {
		return nil, nil, err
	}
	store, err := cfg.NewStore()
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("storage_type", cfg.StorageType).Bool("fail_open", cfg.FailOpenEnabled()).Bool("local_fallback", cfg.LocalFallback).Int("rules", len(cfg.Rules)).Msg("rate limiter configured")
	return New(store, append(cfg.Options(), extra...)...), store, nil
}
