package edgekit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/growcircle/edgekit/store"
)

func adminRouter(t *testing.T, st interface {
	store.Counter
	store.Cache
}) http.Handler {
	t.Helper()
	limiters, err := NewRateLimiters(st, DefaultPolicies(), quietLimiter())
	if err != nil {
		t.Fatalf("NewRateLimiters() error = %v", err)
	}
	r := chi.NewRouter()
	r.Use(Handler())
	r.Mount("/admin", AdminRoutes(quietCache(st), limiters))
	return r
}

func adminDo(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, http.NoBody))
	return rec
}

func TestAdminRoutes_Cache(t *testing.T) {
	st := newTestMemory(t)
	h := adminRouter(t, st)
	ctx := context.Background()

	for _, key := range []string{
		"cache:GET:/api/strains:type=indica:",
		"cache:GET:/api/strains:type=sativa:",
		"cache:GET:/api/journals::",
	} {
		st.Set(ctx, key, []byte(`{}`), time.Minute)
	}

	rec := adminDo(h, http.MethodGet, "/admin/cache/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var stats store.Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats.Keys != 3 || stats.MemoryBytes != 6 {
		t.Errorf("stats = %+v, want 3 keys using 6 bytes", stats)
	}

	rec = adminDo(h, http.MethodDelete, "/admin/cache?pattern="+url.QueryEscape("cache:GET:/api/strains:*"))
	if rec.Code != http.StatusOK {
		t.Fatalf("clear: expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var cleared struct {
		Pattern string `json:"pattern"`
		Removed int64  `json:"removed"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&cleared); err != nil {
		t.Fatalf("failed to decode clear response: %v", err)
	}
	if cleared.Removed != 2 || cleared.Pattern != "cache:GET:/api/strains:*" {
		t.Errorf("clear = %+v, want 2 removed", cleared)
	}

	rec = adminDo(h, http.MethodDelete, "/admin/cache/all")
	if rec.Code != http.StatusOK {
		t.Fatalf("clear all: expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if err := json.NewDecoder(rec.Body).Decode(&cleared); err != nil {
		t.Fatalf("failed to decode clear all response: %v", err)
	}
	if cleared.Removed != 1 {
		t.Errorf("clear all removed %d, want 1", cleared.Removed)
	}
}

func TestAdminRoutes_ClearRequiresPattern(t *testing.T) {
	h := adminRouter(t, newTestMemory(t))

	rec := adminDo(h, http.MethodDelete, "/admin/cache")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
	var body map[string]*APIError
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["error"].Param != "pattern" {
		t.Errorf("expected param pattern, got %q", body["error"].Param)
	}
}

func TestAdminRoutes_RateLimit(t *testing.T) {
	st := newTestMemory(t)
	h := adminRouter(t, st)
	ctx := context.Background()

	for range 3 {
		st.Increment(ctx, "auth:203.0.113.4", 15*time.Minute)
	}

	rec := adminDo(h, http.MethodGet, "/admin/ratelimit/auth/203.0.113.4")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected %d, got %d", http.StatusOK, rec.Code)
	}
	var status RateLimitStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	want := RateLimitStatus{Policy: "auth", Identity: "203.0.113.4", Limit: 5, Used: 3, Remaining: 2}
	if status != want {
		t.Errorf("status = %+v, want %+v", status, want)
	}

	rec = adminDo(h, http.MethodDelete, "/admin/ratelimit/auth/203.0.113.4")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: expected %d, got %d", http.StatusOK, rec.Code)
	}
	if n, _ := st.Count(ctx, "auth:203.0.113.4"); n != 0 {
		t.Errorf("counter after reset = %d, want 0", n)
	}

	rec = adminDo(h, http.MethodGet, "/admin/ratelimit/admin/user:alice")
	if rec.Code != http.StatusOK {
		t.Errorf("subject identity: expected %d, got %d", http.StatusOK, rec.Code)
	}

	rec = adminDo(h, http.MethodGet, "/admin/ratelimit/signup/203.0.113.4")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown policy: expected %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestAdminRoutes_StoreFailure(t *testing.T) {
	h := adminRouter(t, failingStore{})

	tests := []struct {
		method string
		target string
	}{
		{http.MethodGet, "/admin/cache/stats"},
		{http.MethodDelete, "/admin/cache?pattern=cache:*"},
		{http.MethodDelete, "/admin/cache/all"},
		{http.MethodGet, "/admin/ratelimit/api/203.0.113.4"},
		{http.MethodDelete, "/admin/ratelimit/api/203.0.113.4"},
	}
	for _, tt := range tests {
		if rec := adminDo(h, tt.method, tt.target); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s: expected status %d, got %d", tt.method, tt.target, http.StatusServiceUnavailable, rec.Code)
		}
	}
}

func TestAdminRoutes_NilComponents(t *testing.T) {
	h := AdminRoutes(nil, nil)

	for _, target := range []string{"/cache/stats", "/ratelimit/api/203.0.113.4"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, http.NoBody))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected status %d, got %d", target, http.StatusNotFound, rec.Code)
		}
	}
}
