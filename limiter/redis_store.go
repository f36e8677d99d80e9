package limiter

import (
	"context"
	_ "embed" // needed for go:embed
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

//go:embed limiter.lua
var redisLimiterScript string // embed the lua script content

var redisScript = redis.NewScript(redisLimiterScript)

// RedisStore implements the Store interface using a Lua script, so the whole
// token bucket step runs atomically inside Redis.
type RedisStore struct {
	client redis.Cmdable // Use Cmdable for compatibility with ClusterClient, Ring, etc.
	prefix string
	owned  io.Closer // set when the store dialed the client itself
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the namespace prepended to every bucket key.
// Default is "ratelimit:".
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a new Redis rate limit store.
// The client is owned by the caller; the store never closes it.
func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	if client == nil {
		panic("limiter: redis client cannot be nil")
	}
	s := &RedisStore{
		client: client,
		prefix: DefaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the Redis key holding the bucket for key.
func (s *RedisStore) Key(key string) string {
	return s.prefix + key
}

// Apply implements the Store interface. Run tries EVALSHA first and falls back to EVAL
// when the script cache was flushed.
func (s *RedisStore) Apply(ctx context.Context, key string, capacity, windowSeconds int, now time.Time) (ApplyResult, error) {
	nowSec := strconv.FormatFloat(float64(now.UnixMicro())/1e6, 'f', 6, 64)

	result, err := redisScript.Run(ctx, s.client, []string{s.Key(key)},
		capacity,      // ARGV[1]: max tokens
		windowSeconds, // ARGV[2]: refill window
		nowSec,        // ARGV[3]: caller clock
	).Result()
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("redis lua script execution failed")
		return ApplyResult{}, fmt.Errorf("%w: redis script for key %s: %w", ErrStoreUnavailable, key, err)
	}

	res, err := parseScriptResult(result)
	if err != nil {
		log.Error().Err(err).Str("key", key).Interface("result", result).Msg("redis lua script returned unexpected reply")
		return ApplyResult{}, fmt.Errorf("%w: key %s: %w", ErrStoreUnavailable, key, err)
	}
	return res, nil
}

// Close releases the client if the store created it (see Config.NewStore).
// Injected clients are left to their owner.
func (s *RedisStore) Close() error {
	if s.owned == nil {
		return nil
	}
	return s.owned.Close()
}

// Ping implements the Store interface.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// parseScriptResult decodes the {allowed, tokens} reply of limiter.lua.
func parseScriptResult(result any) (ApplyResult, error) {
	values, ok := result.([]any)
	if !ok || len(values) != 2 {
		return ApplyResult{}, fmt.Errorf("unexpected reply type %T", result)
	}

	allowed, ok := values[0].(int64)
	if !ok {
		return ApplyResult{}, fmt.Errorf("unexpected allowed flag type %T", values[0])
	}

	var tokens float64
	switch v := values[1].(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("invalid token count %q: %w", v, err)
		}
		tokens = f
	case int64:
		tokens = float64(v)
	default:
		return ApplyResult{}, fmt.Errorf("unexpected token count type %T", values[1])
	}

	return ApplyResult{Tokens: tokens, Allowed: allowed == 1}, nil
}

// NewRedisClient builds a client for endpoint, which is either a redis:// URL or a bare host:port.
// connectTimeout bounds dialing; opTimeout bounds each read and write and is also enforced
// through the caller's context.
func NewRedisClient(endpoint string, connectTimeout, opTimeout time.Duration) (*redis.Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: missing store endpoint", ErrInvalidConfig)
	}

	var opts *redis.Options
	if strings.Contains(endpoint, "://") {
		parsed, err := redis.ParseURL(endpoint)
		if err != nil {
			return nil, fmt.Errorf("%w: store endpoint: %w", ErrInvalidConfig, err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: endpoint}
	}

	if connectTimeout > 0 {
		opts.DialTimeout = connectTimeout
	}
	if opTimeout > 0 {
		opts.ReadTimeout = opTimeout
		opts.WriteTimeout = opTimeout
	}
	opts.ContextTimeoutEnabled = true

	log.Debug().Str("addr", opts.Addr).Int("db", opts.DB).Dur("dial_timeout", opts.DialTimeout).Dur("op_timeout", opts.ReadTimeout).Msg("redis client configured")
	return redis.NewClient(opts), nil
}
