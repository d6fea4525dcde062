package edgekit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/growcircle/edgekit/metrics"
	"github.com/growcircle/edgekit/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func quietCache(st store.Cache, opts ...CacheOption) *Cache {
	return NewCache(st, append([]CacheOption{CacheWithLogger(zerolog.Nop())}, opts...)...)
}

// strainRouter serves a small catalog behind the cache, counting handler calls.
func strainRouter(c *Cache, ttl time.Duration, calls *atomic.Int64, withState bool, opts ...CacheRouteOption) http.Handler {
	r := chi.NewRouter()
	if withState {
		r.Use(Handler())
	}
	r.Use(c.Middleware(ttl, opts...))

	r.Get("/api/strains", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if withState {
			SetResponse(r, http.StatusOK, map[string]any{"strains": []string{"Blue Dream"}, "type": r.URL.Query().Get("type")})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"strains":["Blue Dream"],"type":"` + r.URL.Query().Get("type") + `"}`))
	})
	r.Get("/api/strains/{id}", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if chi.URLParam(r, "id") == "404" {
			if withState {
				SetError(r, ErrNotFound.With("Strain not found"))
				return
			}
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if withState {
			SetResponse(r, http.StatusOK, map[string]string{"id": chi.URLParam(r, "id")})
			return
		}
		w.Write([]byte(`{"id":"` + chi.URLParam(r, "id") + `"}`))
	})
	r.Post("/api/strains", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

func get(h http.Handler, target string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCacheKey(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		ctx    func(context.Context) context.Context
		want   string
	}{
		{
			name:   "no query",
			target: "/api/strains",
			want:   "cache:GET:/api/strains::",
		},
		{
			name:   "query sorted by key",
			target: "/api/strains?type=indica&page=2",
			want:   "cache:GET:/api/strains:page=2&type=indica:",
		},
		{
			name:   "query order ignored",
			target: "/api/strains?page=2&type=indica",
			want:   "cache:GET:/api/strains:page=2&type=indica:",
		},
		{
			name:   "identity header",
			target: "/api/journals",
			header: "u-42",
			want:   "cache:GET:/api/journals:::u-42",
		},
		{
			name:   "subject wins over header",
			target: "/api/journals",
			header: "u-42",
			ctx: func(ctx context.Context) context.Context {
				return WithSubject(ctx, "alice")
			},
			want: "cache:GET:/api/journals:::user:alice",
		},
		{
			name:   "trailing slash ignored",
			target: "/api/strains/?type=hybrid",
			want:   "cache:GET:/api/strains:type=hybrid:",
		},
		{
			name:   "root path kept",
			target: "/",
			want:   "cache:GET:/::",
		},
		{
			name:   "colon in path escaped",
			target: "/api/strains:b",
			want:   "cache:GET:/api/strains%3Ab::",
		},
		{
			name:   "colon in identity header escaped",
			target: "/api/journals",
			header: "user:alice",
			want:   "cache:GET:/api/journals:::user%3Aalice",
		},
		{
			name:   "colon in subject escaped",
			target: "/api/journals",
			ctx: func(ctx context.Context) context.Context {
				return WithSubject(ctx, "a:b")
			},
			want: "cache:GET:/api/journals:::user:a%3Ab",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, http.NoBody)
			if tt.header != "" {
				req.Header.Set(DefaultIdentityHeader, tt.header)
			}
			if tt.ctx != nil {
				req = req.WithContext(tt.ctx(req.Context()))
			}
			if got := cacheKey(DefaultCacheNamespace, req, DefaultIdentityHeader); got != tt.want {
				t.Errorf("cacheKey() = %q, want %q", got, tt.want)
			}
		})
	}

	t.Run("identity scoping disabled", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/journals", http.NoBody)
		req.Header.Set(DefaultIdentityHeader, "u-42")
		if got := cacheKey("cache", req, ""); got != "cache:GET:/api/journals::" {
			t.Errorf("cacheKey() = %q, want shared key", got)
		}
	})
}

func TestCacheKey_RouteParams(t *testing.T) {
	var key string
	c := quietCache(newTestMemory(t))

	r := chi.NewRouter()
	r.Get("/api/strains/{id}/reviews/{reviewID}", func(_ http.ResponseWriter, r *http.Request) {
		key = c.Key(r)
	})
	get(r, "/api/strains/7/reviews/3")

	if want := "cache:GET:/api/strains/7/reviews/3::id=7&reviewID=3"; key != want {
		t.Errorf("Key() = %q, want %q", key, want)
	}
}

func TestCache_MissThenHit(t *testing.T) {
	for _, withState := range []bool{false, true} {
		name := "direct writes"
		if withState {
			name = "handler state"
		}
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int64
			c := quietCache(newTestMemory(t))
			h := strainRouter(c, time.Minute, &calls, withState)

			first := get(h, "/api/strains?type=indica&page=1")
			if first.Code != http.StatusOK {
				t.Fatalf("expected status %d, got %d", http.StatusOK, first.Code)
			}
			if got := first.Header().Get(CacheHeader); got != CacheMiss {
				t.Errorf("first request: expected %s %s, got %q", CacheHeader, CacheMiss, got)
			}
			if got := first.Header().Get(CacheKeyHeader); got != "cache:GET:/api/strains:page=1&type=indica:" {
				t.Errorf("unexpected %s %q", CacheKeyHeader, got)
			}

			second := get(h, "/api/strains?page=1&type=indica")
			if got := second.Header().Get(CacheHeader); got != CacheHit {
				t.Errorf("second request: expected %s %s, got %q", CacheHeader, CacheHit, got)
			}
			if second.Code != http.StatusOK {
				t.Errorf("expected status %d, got %d", http.StatusOK, second.Code)
			}
			if got := second.Header().Get("Content-Type"); got != "application/json" {
				t.Errorf("expected Content-Type application/json, got %s", got)
			}
			if first.Body.String() != second.Body.String() {
				t.Errorf("hit body %q differs from miss body %q", second.Body.String(), first.Body.String())
			}
			if calls.Load() != 1 {
				t.Errorf("expected handler to run once, ran %d times", calls.Load())
			}

			get(h, "/api/strains?type=sativa")
			if calls.Load() != 2 {
				t.Errorf("different query should miss, handler ran %d times", calls.Load())
			}
		})
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	clock := newTestClock()
	var calls atomic.Int64
	c := quietCache(newTestMemory(t, store.MemoryWithClock(clock.Now)))
	h := strainRouter(c, 5*time.Minute, &calls, true)

	get(h, "/api/strains/7")
	clock.Advance(4 * time.Minute)
	if rec := get(h, "/api/strains/7"); rec.Header().Get(CacheHeader) != CacheHit {
		t.Errorf("expected hit before TTL, got %q", rec.Header().Get(CacheHeader))
	}

	clock.Advance(time.Minute + time.Second)
	if rec := get(h, "/api/strains/7"); rec.Header().Get(CacheHeader) != CacheMiss {
		t.Errorf("expected miss after TTL, got %q", rec.Header().Get(CacheHeader))
	}
	if calls.Load() != 2 {
		t.Errorf("expected handler to run twice, ran %d times", calls.Load())
	}
}

func TestCache_NotStored(t *testing.T) {
	tests := []struct {
		name      string
		withState bool
		target    string
		opts      []CacheRouteOption
		maxBody   int
		headers   []string
	}{
		{name: "error status", target: "/api/strains/404"},
		{name: "error status with state", withState: true, target: "/api/strains/404"},
		{name: "health path", target: "/health"},
		{name: "authorization with skip auth", target: "/api/strains", opts: []CacheRouteOption{CacheSkipAuth()}, headers: []string{"Authorization", "Bearer abc"}},
		{name: "empty key", target: "/api/strains", opts: []CacheRouteOption{CacheWithKeyFunc(func(*http.Request) string { return "" })}},
		{name: "body over limit", target: "/api/strains", maxBody: 10},
		{
			name:   "rejected by should cache",
			target: "/api/strains",
			opts: []CacheRouteOption{CacheWithShouldCache(func(r *http.Request, _ int) bool {
				return r.URL.Query().Get("type") != ""
			})},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int64
			var cacheOpts []CacheOption
			if tt.maxBody > 0 {
				cacheOpts = append(cacheOpts, CacheWithMaxBodySize(tt.maxBody))
			}
			st := newTestMemory(t)
			c := quietCache(st, cacheOpts...)
			h := strainRouter(c, time.Minute, &calls, tt.withState, tt.opts...)

			get(h, tt.target, tt.headers...)
			second := get(h, tt.target, tt.headers...)

			if second.Header().Get(CacheHeader) == CacheHit {
				t.Error("response should not have been served from cache")
			}
			if calls.Load() != 2 {
				t.Errorf("expected handler to run twice, ran %d times", calls.Load())
			}
			if stats, _ := st.Stats(context.Background(), "cache:*"); stats.Keys != 0 {
				t.Errorf("expected no stored entries, got %d", stats.Keys)
			}
		})
	}
}

func TestCache_NonGETPassesThrough(t *testing.T) {
	var calls atomic.Int64
	c := quietCache(newTestMemory(t))
	h := strainRouter(c, time.Minute, &calls, false)

	for range 2 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/strains", strings.NewReader(`{}`)))
		if rec.Code != http.StatusCreated {
			t.Errorf("expected status %d, got %d", http.StatusCreated, rec.Code)
		}
		if rec.Header().Get(CacheHeader) != "" {
			t.Errorf("POST should not carry %s", CacheHeader)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("expected handler to run twice, ran %d times", calls.Load())
	}
}

func TestCache_IdentityScoping(t *testing.T) {
	t.Run("per caller", func(t *testing.T) {
		var calls atomic.Int64
		c := quietCache(newTestMemory(t))
		h := strainRouter(c, time.Minute, &calls, true)

		get(h, "/api/strains", DefaultIdentityHeader, "u-1")
		get(h, "/api/strains", DefaultIdentityHeader, "u-2")
		rec := get(h, "/api/strains", DefaultIdentityHeader, "u-1")

		if calls.Load() != 2 {
			t.Errorf("expected one handler call per caller, got %d", calls.Load())
		}
		if rec.Header().Get(CacheHeader) != CacheHit {
			t.Error("repeat request from the same caller should hit")
		}
	})

	t.Run("shared", func(t *testing.T) {
		var calls atomic.Int64
		c := quietCache(newTestMemory(t))
		h := strainRouter(c, time.Minute, &calls, true, CacheWithIdentityHeader(""))

		get(h, "/api/strains", DefaultIdentityHeader, "u-1")
		get(h, "/api/strains", DefaultIdentityHeader, "u-2")

		if calls.Load() != 1 {
			t.Errorf("expected shared entry, handler ran %d times", calls.Load())
		}
	})
}

func TestCache_StoreFailureDegrades(t *testing.T) {
	var calls atomic.Int64
	m := metrics.New(prometheus.NewRegistry())
	c := quietCache(failingStore{}, CacheWithMetrics(m))
	h := strainRouter(c, time.Minute, &calls, true)

	for range 2 {
		rec := get(h, "/api/strains")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		if rec.Header().Get(CacheHeader) != CacheMiss {
			t.Errorf("expected %s %s, got %q", CacheHeader, CacheMiss, rec.Header().Get(CacheHeader))
		}
	}
	if calls.Load() != 2 {
		t.Errorf("expected handler to run twice, ran %d times", calls.Load())
	}
	if got := testutil.ToFloat64(m.StoreFailures.WithLabelValues("cache", metrics.OpGet)); got != 2 {
		t.Errorf("expected 2 get failures recorded, got %v", got)
	}
	if got := testutil.ToFloat64(m.CacheOperations.WithLabelValues(metrics.OpSet, metrics.ResultSuccess)); got != 0 {
		t.Errorf("no write should follow a failed read, got %v", got)
	}
}

func TestCache_InvalidStoredValueIsReplaced(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{name: "not json", value: "<html>"},
		{name: "bare body", value: `{"strains":[]}`},
		{name: "status out of range", value: `{"status":0,"body":{"strains":[]}}`},
		{name: "missing body", value: `{"status":200}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int64
			st := newTestMemory(t)
			c := quietCache(st)
			h := strainRouter(c, time.Minute, &calls, false)

			ctx := context.Background()
			st.Set(ctx, "cache:GET:/api/strains::", []byte(tt.value), time.Minute)

			rec := get(h, "/api/strains")
			if rec.Header().Get(CacheHeader) != CacheMiss || calls.Load() != 1 {
				t.Fatalf("expected miss served by handler, got %q after %d calls", rec.Header().Get(CacheHeader), calls.Load())
			}

			stored, err := st.Get(ctx, "cache:GET:/api/strains::")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if string(stored) != `{"status":200,"body":{"strains":["Blue Dream"],"type":""}}` {
				t.Errorf("expected fresh value stored, got %s", stored)
			}
		})
	}
}

func TestCache_ShouldCacheOptsInStatus(t *testing.T) {
	for _, withState := range []bool{false, true} {
		name := "direct writes"
		if withState {
			name = "handler state"
		}
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int64
			st := newTestMemory(t)
			c := quietCache(st)

			r := chi.NewRouter()
			if withState {
				r.Use(Handler())
			}
			r.Use(c.Middleware(time.Minute, CacheWithShouldCache(func(_ *http.Request, status int) bool {
				return status == http.StatusOK || status == http.StatusNotFound
			})))
			r.Get("/api/strains/{id}", func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				if withState {
					SetError(r, ErrNotFound.With("Strain not found"))
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(`{"error":"not found"}`))
			})

			first := get(r, "/api/strains/999")
			second := get(r, "/api/strains/999")

			if calls.Load() != 1 {
				t.Errorf("expected opted-in 404 to be served from cache, handler ran %d times", calls.Load())
			}
			if second.Header().Get(CacheHeader) != CacheHit {
				t.Fatalf("expected %s %s, got %q", CacheHeader, CacheHit, second.Header().Get(CacheHeader))
			}
			if second.Code != http.StatusNotFound {
				t.Errorf("expected stored status %d replayed, got %d", http.StatusNotFound, second.Code)
			}
			if first.Body.String() != second.Body.String() {
				t.Errorf("hit body %q differs from miss body %q", second.Body.String(), first.Body.String())
			}
			if stats, _ := st.Stats(context.Background(), "cache:*"); stats.Keys != 1 {
				t.Errorf("expected 1 stored entry, got %d", stats.Keys)
			}
		})
	}
}

func TestCache_Invalidation(t *testing.T) {
	var calls atomic.Int64
	st := newTestMemory(t)
	c := quietCache(st)
	h := strainRouter(c, time.Minute, &calls, true)
	ctx := context.Background()

	get(h, "/api/strains?type=indica")
	get(h, "/api/strains?type=sativa")
	get(h, "/api/strains/7")
	st.Set(ctx, "fn:strain:7", []byte(`{"id":7}`), time.Minute)
	st.Increment(ctx, "api:192.0.2.1", time.Minute)

	removed, err := c.Invalidate(ctx, c.PathPattern(http.MethodGet, "/api/strains"))
	if err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 listing entries removed, got %d", removed)
	}
	if rec := get(h, "/api/strains/7"); rec.Header().Get(CacheHeader) != CacheHit {
		t.Error("detail entry should survive listing invalidation")
	}
	if rec := get(h, "/api/strains?type=indica"); rec.Header().Get(CacheHeader) != CacheMiss {
		t.Error("listing should miss after invalidation")
	}

	removed, err = c.ClearAll(ctx)
	if err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 entries removed by ClearAll, got %d", removed)
	}
	if _, err := st.Get(ctx, "fn:strain:7"); err != nil {
		t.Errorf("ClearAll must stay inside its namespace, fn entry: %v", err)
	}
	if n, _ := st.Count(ctx, "api:192.0.2.1"); n != 1 {
		t.Errorf("ClearAll must not touch rate limit counters, count = %d", n)
	}
}

func TestCache_InvalidateJoinsErrors(t *testing.T) {
	c := quietCache(failingStore{})

	_, err := c.Invalidate(context.Background(), "cache:GET:/a:*", "cache:GET:/b:*")
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("Invalidate() error = %v, want store error", err)
	}
	if !strings.Contains(err.Error(), "/a") || !strings.Contains(err.Error(), "/b") {
		t.Errorf("expected both patterns reported, got %v", err)
	}
}

func TestCache_PathPattern(t *testing.T) {
	c := quietCache(newTestMemory(t), CacheWithNamespace("edge"))

	tests := []struct {
		path string
		want string
	}{
		{"/api/strains", "edge:GET:/api/strains:*"},
		{"/api/search/[draft]", `edge:GET:/api/search/\[draft\]:*`},
		{"/api/what?", `edge:GET:/api/what\?:*`},
		{"/api/strains/", "edge:GET:/api/strains:*"},
		{"/api/a:b", "edge:GET:/api/a%3Ab:*"},
	}
	for _, tt := range tests {
		if got := c.PathPattern(http.MethodGet, tt.path); got != tt.want {
			t.Errorf("PathPattern(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestCache_Stats(t *testing.T) {
	var calls atomic.Int64
	st := newTestMemory(t)
	c := quietCache(st)
	h := strainRouter(c, time.Minute, &calls, true)

	get(h, "/api/strains")
	get(h, "/api/strains")
	get(h, "/api/strains/1")

	stats, err := c.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Keys != 2 || stats.Hits != 1 || stats.Misses != 2 {
		t.Errorf("Stats() = %+v, want 2 keys 1 hit 2 misses", stats)
	}

	if _, err := quietCache(failingStore{}).Stats(context.Background()); err == nil {
		t.Error("Stats() on failing store should error")
	}
}

func TestCache_Metrics(t *testing.T) {
	var calls atomic.Int64
	m := metrics.New(prometheus.NewRegistry())
	c := quietCache(newTestMemory(t), CacheWithMetrics(m))
	h := strainRouter(c, time.Minute, &calls, false)

	get(h, "/api/strains")
	get(h, "/api/strains")
	get(h, "/health")

	for _, tt := range []struct {
		op, result string
		want       float64
	}{
		{metrics.OpGet, metrics.ResultMiss, 1},
		{metrics.OpGet, metrics.ResultHit, 1},
		{metrics.OpGet, metrics.ResultSkipped, 1},
		{metrics.OpSet, metrics.ResultSuccess, 1},
	} {
		if got := testutil.ToFloat64(m.CacheOperations.WithLabelValues(tt.op, tt.result)); got != tt.want {
			t.Errorf("%s/%s = %v, want %v", tt.op, tt.result, got, tt.want)
		}
	}
}

func TestCache_MiddlewarePanicsOnZeroTTL(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for zero ttl")
		}
	}()
	quietCache(newTestMemory(t)).Middleware(0)
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 8}

	if n, err := b.Write([]byte("1234")); n != 4 || err != nil {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	if n, err := b.Write([]byte("56789")); n != 5 || err != nil {
		t.Fatalf("Write() past limit = %d, %v; writes must never fail", n, err)
	}
	if !b.overflow || b.buf.Len() != 0 {
		t.Errorf("expected overflow with empty buffer, got overflow=%v len=%d", b.overflow, b.buf.Len())
	}
}
