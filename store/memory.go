package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

type memoryEntry struct {
	count      int64
	value      []byte
	expiration time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return now.After(e.expiration)
}

// Memory is an in-memory implementation of Counter and Cache using a map with
// mutex protection.
//
// WARNING: This implementation is NOT suitable for distributed deployments.
// Each instance maintains its own separate state, so rate limits are NOT shared
// across replicas and cache invalidation only reaches the local process.
//
// Use Memory only for:
//   - Local development and testing
//   - Single-instance deployments where horizontal scaling is not needed
//
// For production distributed systems, use the Redis store instead.
type Memory struct {
	mu       sync.RWMutex
	counters map[string]*memoryEntry
	values   map[string]*memoryEntry
	hits     int64
	misses   int64
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// MemoryWithClock replaces the time source. Tests use it to move windows and
// TTLs forward without sleeping.
func MemoryWithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates a new in-memory store with automatic cleanup of expired entries.
// A background goroutine runs every minute to remove expired entries and prevent
// unbounded memory growth.
//
// Important: You must call Close() when done to stop the cleanup goroutine.
// Failing to call Close() will result in a goroutine leak.
func NewMemory(opts ...MemoryOption) *Memory {
	m := newMemory(time.Now)
	for _, opt := range opts {
		opt(m)
	}
	go m.cleanup()
	return m
}

func newMemory(now func() time.Time) *Memory {
	return &Memory{
		counters: make(map[string]*memoryEntry),
		values:   make(map[string]*memoryEntry),
		now:      now,
		stopCh:   make(chan struct{}),
	}
}

// Increment atomically increments the counter for the given key and returns the new count, TTL, and any error.
// If the key doesn't exist or has expired, creates a new entry with count=1.
// The operation is atomic due to the write lock, ensuring accuracy under concurrent load.
func (m *Memory) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry, exists := m.counters[key]

	if !exists || entry.expired(now) {
		m.counters[key] = &memoryEntry{
			count:      1,
			expiration: now.Add(window),
		}
		return 1, window, nil
	}

	entry.count++
	ttl := max(0, entry.expiration.Sub(now))
	return entry.count, ttl, nil
}

// Decrement decrements the counter for the given key if it is live and positive.
func (m *Memory) Decrement(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.counters[key]
	if !exists || entry.expired(m.now()) || entry.count <= 0 {
		return nil
	}
	entry.count--
	return nil
}

// Count retrieves the current count for the given key without incrementing.
// Returns 0 if the key doesn't exist or has expired.
func (m *Memory) Count(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.counters[key]
	if !exists || entry.expired(m.now()) {
		return 0, nil
	}

	return entry.count, nil
}

// Reset removes the counter for the given key.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.counters, key)
	return nil
}

// Get returns a copy of the cached value or ErrCacheMiss.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.values[key]
	if !exists || entry.expired(m.now()) {
		m.misses++
		return nil, ErrCacheMiss
	}
	m.hits++

	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

// Set stores a copy of value under key for ttl.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("memory set: ttl must be positive, got %s", ttl)
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = &memoryEntry{
		value:      stored,
		expiration: m.now().Add(ttl),
	}
	return nil
}

// DeletePattern removes every cached value whose key matches the Redis glob pattern.
func (m *Memory) DeletePattern(_ context.Context, pattern string) (int64, error) {
	g, err := compilePattern(pattern)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	now := m.now()
	for key, entry := range m.values {
		if !g.Match(key) {
			continue
		}
		if !entry.expired(now) {
			removed++
		}
		delete(m.values, key)
	}
	return removed, nil
}

// Stats counts live cached values matching pattern. MemoryBytes is the sum of
// their value sizes; Hits and Misses count Get calls since creation.
func (m *Memory) Stats(_ context.Context, pattern string) (Stats, error) {
	g, err := compilePattern(pattern)
	if err != nil {
		return Stats{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{Hits: m.hits, Misses: m.misses}
	now := m.now()
	for key, entry := range m.values {
		if entry.expired(now) || !g.Match(key) {
			continue
		}
		stats.Keys++
		stats.MemoryBytes += int64(len(entry.value))
	}
	return stats, nil
}

// compilePattern translates a Redis glob into a gobwas glob. Redis negates
// character classes with '^', gobwas with '!'. No separators are declared so
// '*' spans ':' and '/' like it does in Redis.
func compilePattern(pattern string) (glob.Glob, error) {
	g, err := glob.Compile(strings.ReplaceAll(pattern, "[^", "[!"))
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return g, nil
}

// Close stops the background cleanup goroutine and releases resources.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.mu.Lock()
	m.counters = make(map[string]*memoryEntry)
	m.values = make(map[string]*memoryEntry)
	m.mu.Unlock()
	return nil
}

// runCleanup executes a single cleanup cycle, removing all expired entries.
func (m *Memory) runCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, entry := range m.counters {
		if entry.expired(now) {
			delete(m.counters, key)
		}
	}
	for key, entry := range m.values {
		if entry.expired(now) {
			delete(m.values, key)
		}
	}
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup()
		case <-m.stopCh:
			return
		}
	}
}
