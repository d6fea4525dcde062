package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultRedisURL is used when RedisConfig.URL is empty.
const DefaultRedisURL = "redis://localhost:6379"

// incrScript atomically increments a counter, arms its expiry on the first hit
// (or when a foreign writer left it without one) and reads the remaining TTL.
// Returns [count, pttl] where pttl is in milliseconds.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// decrScript decrements a counter only while it is positive so a late
// decrement can never resurrect an expired window or go negative.
var decrScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]))
if v and v > 0 then
    return redis.call('DECR', KEYS[1])
end
return 0
`)

// Redis is a Redis-backed implementation of Counter and Cache suitable for
// distributed deployments. Counter operations use Lua scripts so that every
// replica sees the same atomic count.
//
// Counter keys are prefixed with RedisConfig.Prefix. Cache keys are used as
// given, so the two key spaces stay disjoint as long as cache namespaces do
// not start with the counter prefix.
type Redis struct {
	client    *redis.Client
	prefix    string
	opTimeout time.Duration
	scanCount int64
	breaker   *breaker
	logger    zerolog.Logger
}

// RedisConfig holds configuration for the Redis connection.
// All fields should be populated explicitly by application code; the store
// never reads environment variables itself.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL, or a bare "host:port" (default: DefaultRedisURL)
	URL string

	// Password overrides the password from URL (optional)
	Password string

	// DB overrides the database number from URL when non-zero
	DB int

	// Prefix is prepended to counter keys (default: "rate_limit:")
	Prefix string

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// MinIdleConns is the minimum number of idle connections (default: 0)
	MinIdleConns int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes (default: ReadTimeout)
	WriteTimeout time.Duration

	// OpTimeout bounds every store call made through this Redis (default: 500ms)
	OpTimeout time.Duration

	// MaxRetries is the number of command retries (default: 3, -1 disables)
	MaxRetries int

	// MinRetryBackoff is the first retry delay (default: 50ms)
	MinRetryBackoff time.Duration

	// MaxRetryBackoff caps the retry delay (default: 2s)
	MaxRetryBackoff time.Duration

	// Breaker configures the outage circuit breaker
	Breaker BreakerConfig
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithLogger sets the logger used for connection and failure events.
func WithLogger(logger zerolog.Logger) RedisOption {
	return func(r *Redis) {
		r.logger = logger
	}
}

// WithScanCount sets the COUNT hint used when scanning for pattern operations.
func WithScanCount(n int64) RedisOption {
	return func(r *Redis) {
		if n > 0 {
			r.scanCount = n
		}
	}
}

// NewRedis creates a Redis store with the given configuration.
//
// The connection is verified with a ping, but an unreachable server is logged
// rather than returned: go-redis reconnects lazily with capped exponential
// backoff and the middleware built on top degrades gracefully in the meantime.
// Only an unparsable URL is an error.
//
// Example:
//
//	st, err := store.NewRedis(store.RedisConfig{
//		URL:    "redis://localhost:6379/0",
//		Prefix: "rate_limit:",
//	})
//	defer st.Close()
func NewRedis(config RedisConfig, opts ...RedisOption) (*Redis, error) {
	ropts, err := redisOptions(config)
	if err != nil {
		return nil, err
	}

	if config.Prefix == "" {
		config.Prefix = "rate_limit:"
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = 500 * time.Millisecond
	}

	r := &Redis{
		prefix:    config.Prefix,
		opTimeout: config.OpTimeout,
		scanCount: 500,
		logger:    log.With().Str("component", "store").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.breaker = newBreaker(config.Breaker, func(from, to BreakerState) {
		ev := r.logger.Warn()
		if to == BreakerClosed {
			ev = r.logger.Info()
		}
		ev.Str("from", from.String()).Str("to", to.String()).Msg("redis circuit breaker state changed")
	})

	ropts.OnConnect = func(_ context.Context, _ *redis.Conn) error {
		r.logger.Debug().Str("addr", ropts.Addr).Msg("redis connection established")
		return nil
	}

	r.client = redis.NewClient(ropts)
	r.client.AddHook(errorHook{logger: r.logger})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		r.logger.Error().Err(err).Str("addr", ropts.Addr).Msg("redis not reachable, continuing in degraded mode")
	} else {
		r.logger.Info().Str("addr", ropts.Addr).Msg("redis connected")
	}

	return r, nil
}

func redisOptions(config RedisConfig) (*redis.Options, error) {
	url := config.URL
	if url == "" {
		url = DefaultRedisURL
	}

	var opts *redis.Options
	if strings.Contains(url, "://") {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: url}
	}

	if config.Password != "" {
		opts.Password = config.Password
	}
	if config.DB != 0 {
		opts.DB = config.DB
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.MinIdleConns > 0 {
		opts.MinIdleConns = config.MinIdleConns
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}

	opts.MaxRetries = 3
	if config.MaxRetries != 0 {
		opts.MaxRetries = config.MaxRetries
	}
	opts.MinRetryBackoff = 50 * time.Millisecond
	if config.MinRetryBackoff > 0 {
		opts.MinRetryBackoff = config.MinRetryBackoff
	}
	opts.MaxRetryBackoff = 2 * time.Second
	if config.MaxRetryBackoff > 0 {
		opts.MaxRetryBackoff = config.MaxRetryBackoff
	}

	return opts, nil
}

// do runs fn under the breaker and the per-call timeout.
// redis.Nil is a normal outcome and never counts as a failure.
func (r *Redis) do(ctx context.Context, fn func(context.Context) error) error {
	ok, trial := r.breaker.allow()
	if !ok {
		return ErrUnavailable
	}

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	err := fn(opCtx)
	switch {
	case err == nil, errors.Is(err, redis.Nil):
		r.breaker.success(trial)
	case ctx.Err() != nil:
		// the caller went away; says nothing about the server
		r.breaker.release(trial)
	default:
		r.breaker.failure(trial)
	}
	return err
}

// Increment atomically increments the counter for the given key using a Lua script.
// INCR, PEXPIRE and PTTL execute as one unit, so concurrent requests from
// different replicas can neither lose an increment nor leave a counter without expiry.
func (r *Redis) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	fullKey := r.prefix + key
	windowMs := max(int64(1), window.Milliseconds())

	var result []any
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		result, err = incrScript.Run(ctx, r.client, []string{fullKey}, windowMs).Slice()
		return err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("redis increment failed: %w", err)
	}

	if len(result) != 2 {
		return 0, 0, fmt.Errorf("unexpected result length: got %d, want 2", len(result))
	}

	count, ok := result[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected type for count: %T", result[0])
	}

	ttlMs, ok := result[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected type for ttl: %T", result[1])
	}

	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

// Decrement decrements the counter for the given key if it is positive.
func (r *Redis) Decrement(ctx context.Context, key string) error {
	err := r.do(ctx, func(ctx context.Context) error {
		return decrScript.Run(ctx, r.client, []string{r.prefix + key}).Err()
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis decrement failed: %w", err)
	}
	return nil
}

// Count retrieves the current count for the given key without incrementing.
// Returns 0 if the key doesn't exist or has expired.
func (r *Redis) Count(ctx context.Context, key string) (int64, error) {
	var val int64
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		val, err = r.client.Get(ctx, r.prefix+key).Int64()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get failed: %w", err)
	}
	return val, nil
}

// Reset removes the counter for the given key.
func (r *Redis) Reset(ctx context.Context, key string) error {
	err := r.do(ctx, func(ctx context.Context) error {
		return r.client.Del(ctx, r.prefix+key).Err()
	})
	if err != nil {
		return fmt.Errorf("redis reset failed: %w", err)
	}
	return nil
}

// Get returns the cached value for key or ErrCacheMiss.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		data, err = r.client.Get(ctx, key).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return data, nil
}

// Set stores value under key with the given TTL.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("redis set: ttl must be positive, got %s", ttl)
	}
	err := r.do(ctx, func(ctx context.Context) error {
		return r.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// DeletePattern removes all keys matching pattern using SCAN and batched DEL.
// KEYS is never used because it blocks the server on large keyspaces.
func (r *Redis) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	var (
		cursor  uint64
		removed int64
	)
	for {
		var keys []string
		err := r.do(ctx, func(ctx context.Context) error {
			var err error
			keys, cursor, err = r.client.Scan(ctx, cursor, pattern, r.scanCount).Result()
			return err
		})
		if err != nil {
			return removed, fmt.Errorf("redis scan failed: %w", err)
		}

		if len(keys) > 0 {
			var n int64
			err := r.do(ctx, func(ctx context.Context) error {
				var err error
				n, err = r.client.Del(ctx, keys...).Result()
				return err
			})
			if err != nil {
				return removed, fmt.Errorf("redis delete failed: %w", err)
			}
			removed += n
		}

		if cursor == 0 {
			return removed, nil
		}
	}
}

// Stats counts keys matching pattern and reads memory and keyspace hit/miss
// figures from INFO. INFO is optional: when it fails the figures stay zero.
func (r *Redis) Stats(ctx context.Context, pattern string) (Stats, error) {
	var (
		stats Stats
		info  string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := r.countKeys(gctx, pattern)
		stats.Keys = n
		return err
	})
	g.Go(func() error {
		err := r.do(gctx, func(ctx context.Context) error {
			var err error
			info, err = r.client.Info(ctx).Result()
			return err
		})
		if err != nil {
			r.logger.Debug().Err(err).Msg("redis info unavailable")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	fields := parseInfo(info)
	stats.MemoryBytes = fields["used_memory"]
	stats.Hits = fields["keyspace_hits"]
	stats.Misses = fields["keyspace_misses"]
	return stats, nil
}

func (r *Redis) countKeys(ctx context.Context, pattern string) (int64, error) {
	var (
		cursor uint64
		total  int64
	)
	for {
		var keys []string
		err := r.do(ctx, func(ctx context.Context) error {
			var err error
			keys, cursor, err = r.client.Scan(ctx, cursor, pattern, r.scanCount).Result()
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("redis scan failed: %w", err)
		}
		total += int64(len(keys))
		if cursor == 0 {
			return total, nil
		}
	}
}

// parseInfo extracts integer fields from an INFO reply.
func parseInfo(info string) map[string]int64 {
	fields := make(map[string]int64)
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			fields[name] = n
		}
	}
	return fields
}

// Ping checks connectivity, bypassing the breaker.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// BreakerState reports the outage breaker state.
func (r *Redis) BreakerState() BreakerState {
	return r.breaker.State()
}

// Close releases the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// errorHook logs dial and command failures. redis.Nil is a normal miss.
type errorHook struct {
	logger zerolog.Logger
}

func (h errorHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.logger.Warn().Err(err).Str("addr", addr).Msg("redis dial failed")
		}
		return conn, err
	}
}

func (h errorHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, redis.Nil) && !isNoScript(err) {
			h.logger.Debug().Err(err).Str("cmd", cmd.Name()).Msg("redis command failed")
		}
		return err
	}
}

func (h errorHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func isNoScript(err error) bool {
	return strings.HasPrefix(err.Error(), "NOSCRIPT")
}
