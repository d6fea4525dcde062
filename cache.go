// Response cache middleware for Chi and standard http.Handler.
//
// The cache serves stored JSON bodies for GET requests and captures fresh ones
// on a miss. With the Handler middleware present it captures the value passed
// to SetResponse; otherwise it tees the bytes the handler writes.
//
//	c := edgekit.NewCache(st, edgekit.CacheWithMetrics(m))
//	r.With(c.Middleware(5*time.Minute)).Get("/api/strains", listStrains)
//
//	// after a write
//	c.Invalidate(ctx, c.PathPattern(http.MethodGet, "/api/strains"))
//
// Entries may be up to one TTL stale; nothing is invalidated automatically.
// Store failures degrade to uncached pass-through and are never surfaced to clients.
package edgekit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/growcircle/edgekit/metrics"
	"github.com/growcircle/edgekit/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Cache status header values.
const (
	CacheHeader    = "X-Cache"
	CacheKeyHeader = "X-Cache-Key"
	CacheHit       = "HIT"
	CacheMiss      = "MISS"
)

// DefaultCacheNamespace prefixes every response cache key.
const DefaultCacheNamespace = "cache"

// DefaultMaxCacheBodySize caps bodies captured from handlers that write directly.
const DefaultMaxCacheBodySize = 1 << 20

// Cache is a JSON response cache over a store.Cache.
type Cache struct {
	store       store.Cache
	namespace   string
	maxBodySize int
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// CacheWithNamespace sets the key namespace (default: "cache").
func CacheWithNamespace(ns string) CacheOption {
	return func(c *Cache) {
		c.namespace = ns
	}
}

// CacheWithMaxBodySize sets the largest directly written body that is captured.
// Larger responses are served normally but not stored.
func CacheWithMaxBodySize(n int) CacheOption {
	return func(c *Cache) {
		c.maxBodySize = n
	}
}

// CacheWithMetrics records cache operations and store failures in m.
func CacheWithMetrics(m *metrics.Metrics) CacheOption {
	return func(c *Cache) {
		c.metrics = m
	}
}

// CacheWithLogger sets the logger used for invalidations and degraded store calls.
func CacheWithLogger(logger zerolog.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// NewCache creates a response cache backed by st.
func NewCache(st store.Cache, opts ...CacheOption) *Cache {
	c := &Cache{
		store:       st,
		namespace:   DefaultCacheNamespace,
		maxBodySize: DefaultMaxCacheBodySize,
		logger:      log.With().Str("component", "cache").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type cacheRoute struct {
	skipAuth       bool
	keyFn          func(*http.Request) string
	shouldCache    func(r *http.Request, status int) bool
	skip           func(*http.Request) bool
	identityHeader string
}

// CacheRouteOption configures one Middleware instance.
type CacheRouteOption func(*cacheRoute)

// CacheSkipAuth bypasses the cache for requests carrying an Authorization header.
func CacheSkipAuth() CacheRouteOption {
	return func(cr *cacheRoute) {
		cr.skipAuth = true
	}
}

// CacheWithKeyFunc replaces the default key derivation. An empty key bypasses the cache.
func CacheWithKeyFunc(fn func(*http.Request) string) CacheRouteOption {
	return func(cr *cacheRoute) {
		cr.keyFn = fn
	}
}

// CacheWithShouldCache decides whether a response with the given status is stored
// (default: status == 200). Returning true for other statuses opts them in; their
// status is replayed on a hit.
func CacheWithShouldCache(fn func(r *http.Request, status int) bool) CacheRouteOption {
	return func(cr *cacheRoute) {
		cr.shouldCache = fn
	}
}

// CacheWithSkip replaces the bypass predicate (default: DefaultSkipPaths).
func CacheWithSkip(fn func(*http.Request) bool) CacheRouteOption {
	return func(cr *cacheRoute) {
		cr.skip = fn
	}
}

// CacheWithIdentityHeader sets the header that scopes entries per caller
// (default: X-User-ID). An empty name shares entries between all callers.
func CacheWithIdentityHeader(header string) CacheRouteOption {
	return func(cr *cacheRoute) {
		cr.identityHeader = header
	}
}

func defaultShouldCache(_ *http.Request, status int) bool {
	return status == http.StatusOK
}

func skipDefaultPaths(r *http.Request) bool {
	return slices.Contains(DefaultSkipPaths, r.URL.Path)
}

// Key returns the default cache key for r.
func (c *Cache) Key(r *http.Request) string {
	return cacheKey(c.namespace, r, DefaultIdentityHeader)
}

// Middleware returns middleware caching GET responses for ttl.
//
// On a hit the stored body is served as application/json with the status it
// was stored with, and the downstream handler is not called. On a miss the handler runs and its body is
// stored when the status is approved. Both set X-Cache and X-Cache-Key.
//
// Panics if ttl is not positive.
func (c *Cache) Middleware(ttl time.Duration, opts ...CacheRouteOption) func(http.Handler) http.Handler {
	if ttl <= 0 {
		panic(fmt.Sprintf("cache: ttl must be positive, got %s", ttl))
	}
	cr := cacheRoute{
		shouldCache:    defaultShouldCache,
		skip:           skipDefaultPaths,
		identityHeader: DefaultIdentityHeader,
	}
	for _, opt := range opts {
		opt(&cr)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			if cr.skip != nil && cr.skip(r) {
				c.metrics.CacheOp(metrics.OpGet, metrics.ResultSkipped)
				next.ServeHTTP(w, r)
				return
			}
			if cr.skipAuth && r.Header.Get("Authorization") != "" {
				c.metrics.CacheOp(metrics.OpGet, metrics.ResultSkipped)
				logField(r, "cache", "skipped")
				next.ServeHTTP(w, r)
				return
			}

			var key string
			if cr.keyFn != nil {
				key = cr.keyFn(r)
			} else {
				key = cacheKey(c.namespace, r, cr.identityHeader)
			}
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			raw, err := c.store.Get(ctx, key)
			switch {
			case err == nil:
				if entry, ok := decodeEntry(raw); ok {
					c.metrics.CacheOp(metrics.OpGet, metrics.ResultHit)
					logField(r, "cache", "hit")
					c.serveHit(w, r, key, entry)
					return
				}
				c.logger.Warn().Str("key", key).Msg("discarding cached value that does not decode")
				c.metrics.CacheOp(metrics.OpGet, metrics.ResultMiss)
			case errors.Is(err, store.ErrCacheMiss):
				c.metrics.CacheOp(metrics.OpGet, metrics.ResultMiss)
			default:
				c.storeFailed(r, metrics.OpGet, key, err)
				setHeader(w, r, CacheHeader, CacheMiss)
				setHeader(w, r, CacheKeyHeader, key)
				next.ServeHTTP(w, r)
				return
			}

			logField(r, "cache", "miss")
			setHeader(w, r, CacheHeader, CacheMiss)
			setHeader(w, r, CacheKeyHeader, key)

			capture := &cappedBuffer{limit: c.maxBodySize}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(capture)

			next.ServeHTTP(ww, r)

			out := resolveOutcome(r, ww)
			if !cr.shouldCache(r, out.status) {
				return
			}

			body, ok := c.capturedValue(out, capture)
			if !ok {
				c.metrics.CacheOp(metrics.OpSet, metrics.ResultSkipped)
				return
			}
			value, err := json.Marshal(cacheEntry{Status: out.status, Body: body})
			if err != nil {
				c.metrics.CacheOp(metrics.OpSet, metrics.ResultSkipped)
				return
			}

			// stored even if the client already went away
			if err := c.store.Set(context.WithoutCancel(ctx), key, value, ttl); err != nil {
				c.storeFailed(r, metrics.OpSet, key, err)
				return
			}
			c.metrics.CacheOp(metrics.OpSet, metrics.ResultSuccess)
		})
	}
}

// cacheEntry is the stored form of a response.
type cacheEntry struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

func decodeEntry(raw []byte) (cacheEntry, bool) {
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return cacheEntry{}, false
	}
	if entry.Status < 100 || entry.Status > 599 || len(entry.Body) == 0 {
		return cacheEntry{}, false
	}
	return entry, true
}

func (c *Cache) serveHit(w http.ResponseWriter, r *http.Request, key string, entry cacheEntry) {
	if HasState(r.Context()) {
		SetHeader(r, CacheHeader, CacheHit)
		SetHeader(r, CacheKeyHeader, key)
		SetResponse(r, entry.Status, entry.Body)
		return
	}
	w.Header().Set(CacheHeader, CacheHit)
	w.Header().Set(CacheKeyHeader, key)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(entry.Status)
	w.Write(entry.Body)
}

// capturedValue returns the JSON body to store for a finished request: the
// value recorded in State, else the bytes written directly.
func (c *Cache) capturedValue(out outcome, capture *cappedBuffer) (json.RawMessage, bool) {
	if out.set {
		if out.body == nil {
			return nil, false
		}
		value, err := json.Marshal(out.body)
		if err != nil {
			return nil, false
		}
		return value, true
	}
	if capture.overflow || capture.buf.Len() == 0 || !json.Valid(capture.buf.Bytes()) {
		return nil, false
	}
	return capture.buf.Bytes(), true
}

func (c *Cache) storeFailed(r *http.Request, op, key string, err error) {
	c.metrics.CacheOp(op, metrics.ResultError)
	c.metrics.StoreFailure("cache", op)
	c.logger.Warn().Err(err).Str("operation", op).Str("key", key).Msg("cache store call failed")
	logField(r, "cache_error", err.Error())
}

// cappedBuffer records up to limit bytes and then stops, remembering that it
// overflowed. Writes never fail so the tee cannot break the response.
type cappedBuffer struct {
	buf      bytes.Buffer
	limit    int
	overflow bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.overflow {
		return len(p), nil
	}
	if b.buf.Len()+len(p) > b.limit {
		b.overflow = true
		b.buf.Reset()
		return len(p), nil
	}
	return b.buf.Write(p)
}

// Clear deletes every entry whose key matches the Redis glob pattern and
// returns the number removed.
//
//	c.Clear(ctx, "cache:GET:/api/strains:*")
func (c *Cache) Clear(ctx context.Context, pattern string) (int64, error) {
	removed, err := c.store.DeletePattern(ctx, pattern)
	if err != nil {
		c.metrics.CacheOp(metrics.OpDelete, metrics.ResultError)
		c.metrics.StoreFailure("cache", metrics.OpDelete)
		c.logger.Error().Err(err).Str("pattern", pattern).Msg("cache clear failed")
		return removed, fmt.Errorf("clear cache %q: %w", pattern, err)
	}
	c.metrics.CacheOp(metrics.OpDelete, metrics.ResultSuccess)
	c.logger.Info().Str("pattern", pattern).Int64("removed", removed).Msg("cache cleared")
	return removed, nil
}

// ClearAll deletes every entry in the cache namespace. Keys outside it,
// including rate limit counters, are left alone.
func (c *Cache) ClearAll(ctx context.Context) (int64, error) {
	return c.Clear(ctx, c.namespace+":*")
}

// Invalidate clears each pattern in turn, continuing past failures, and
// returns the total removed with every error joined.
func (c *Cache) Invalidate(ctx context.Context, patterns ...string) (int64, error) {
	var total int64
	var errs []error
	for _, pattern := range patterns {
		removed, err := c.Clear(ctx, pattern)
		total += removed
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Stats reports the number of entries in the namespace plus the store's
// memory and hit/miss figures.
func (c *Cache) Stats(ctx context.Context) (store.Stats, error) {
	stats, err := c.store.Stats(ctx, c.namespace+":*")
	if err != nil {
		c.metrics.StoreFailure("cache", "stats")
		return store.Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	return stats, nil
}
