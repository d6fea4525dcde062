// Package store provides the key-value backends shared by the rate limiter and the
// response cache. Redis is the production backend; Memory serves tests and
// single-instance deployments.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheMiss is returned by Cache.Get when the key does not exist or has expired.
	ErrCacheMiss = errors.New("cache miss")

	// ErrUnavailable is returned when the backend is known to be down and the call
	// was short-circuited without touching the network.
	ErrUnavailable = errors.New("store unavailable")
)

// Counter defines the interface for rate limit counter backends.
// Implementations must be safe for concurrent use.
type Counter interface {
	// Increment increments the counter for the given key and returns the new count,
	// the TTL until the window resets, and any error.
	// The counter expires after the window duration, starting at the first increment.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)

	// Decrement decrements the counter for the given key if it is positive.
	// Missing or expired keys are left alone.
	Decrement(ctx context.Context, key string) error

	// Count retrieves the current count for the given key without incrementing.
	// Returns 0 if the key doesn't exist.
	Count(ctx context.Context, key string) (int64, error)

	// Reset removes the counter for the given key.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// Cache defines the interface for response cache backends.
// Keys are stored as given; callers own their namespace.
type Cache interface {
	// Get returns the stored value or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// DeletePattern removes every key matching a Redis glob pattern and
	// returns the number of keys removed.
	DeletePattern(ctx context.Context, pattern string) (int64, error)

	// Stats reports the number of keys matching pattern plus backend-wide statistics.
	Stats(ctx context.Context, pattern string) (Stats, error)

	// Close releases any resources held by the store.
	Close() error
}

// Stats holds cache observability figures.
type Stats struct {
	Keys        int64 `json:"keys"`
	MemoryBytes int64 `json:"memoryUsage"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
}

var (
	_ Counter = (*Redis)(nil)
	_ Cache   = (*Redis)(nil)
	_ Counter = (*Memory)(nil)
	_ Cache   = (*Memory)(nil)
)
