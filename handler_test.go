package edgekit

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nhalm/canonlog"
)

func TestHandler_Responses(t *testing.T) {
	tests := []struct {
		name       string
		handler    func(r *http.Request)
		wantStatus int
		wantCT     string
		wantBody   string
	}{
		{
			name: "success body",
			handler: func(r *http.Request) {
				SetResponse(r, http.StatusCreated, map[string]string{"id": "123"})
			},
			wantStatus: http.StatusCreated,
			wantCT:     "application/json",
			wantBody:   `{"id":"123"}`,
		},
		{
			name: "error body",
			handler: func(r *http.Request) {
				SetError(r, ErrNotFound.With("Strain not found"))
			},
			wantStatus: http.StatusNotFound,
			wantCT:     "application/json",
			wantBody:   `{"error":{"type":"not_found","code":"resource_not_found","message":"Strain not found"}}`,
		},
		{
			name: "error takes precedence",
			handler: func(r *http.Request) {
				SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
				SetError(r, ErrUnauthorized)
			},
			wantStatus: http.StatusUnauthorized,
			wantCT:     "application/json",
		},
		{
			name:       "nothing recorded",
			handler:    func(*http.Request) {},
			wantStatus: http.StatusOK,
		},
		{
			name: "status only",
			handler: func(r *http.Request) {
				SetResponse(r, http.StatusNoContent, nil)
			},
			wantStatus: http.StatusNoContent,
		},
		{
			name: "unencodable body",
			handler: func(r *http.Request) {
				SetResponse(r, http.StatusOK, map[string]any{"channel": make(chan int)})
			},
			wantStatus: http.StatusInternalServerError,
			wantCT:     "text/plain",
			wantBody:   "Internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				tt.handler(r)
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantCT != "" && rec.Header().Get("Content-Type") != tt.wantCT {
				t.Errorf("expected Content-Type %s, got %s", tt.wantCT, rec.Header().Get("Content-Type"))
			}
			if tt.wantBody != "" {
				if got := trimNewline(rec.Body.String()); got != tt.wantBody {
					t.Errorf("expected body %s, got %s", tt.wantBody, got)
				}
			}
		})
	}
}

func trimNewline(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		return s[:n-1]
	}
	return s
}

func TestHandler_PanicRecovery(t *testing.T) {
	for _, opts := range [][]HandlerOption{nil, {WithCanonlog()}} {
		handler := Handler(opts...)(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
			panic("catalog exploded")
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/strains", http.NoBody))

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
		}

		var body map[string]*APIError
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if body["error"].Type != "internal_error" {
			t.Errorf("expected type internal_error, got %s", body["error"].Type)
		}
	}
}

func TestHandler_Headers(t *testing.T) {
	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetHeader(r, CacheHeader, CacheMiss)
		SetHeader(r, "X-RateLimit-Remaining", "99")
		SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Header().Get(CacheHeader) != CacheMiss {
		t.Errorf("expected %s=%s, got %s", CacheHeader, CacheMiss, rec.Header().Get(CacheHeader))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "99" {
		t.Errorf("expected X-RateLimit-Remaining=99, got %s", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestHandler_ConcurrentStateWrites(t *testing.T) {
	const goroutines = 50

	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		var wg sync.WaitGroup
		for i := range goroutines {
			wg.Add(3)
			go func() {
				defer wg.Done()
				SetError(r, ErrNotFound)
			}()
			go func() {
				defer wg.Done()
				SetResponse(r, http.StatusOK, map[string]int{"id": i})
			}()
			go func() {
				defer wg.Done()
				SetHeader(r, "X-Test", "value")
			}()
		}
		wg.Wait()
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d once any error is set, got %d", http.StatusNotFound, rec.Code)
	}
	if rec.Header().Get("X-Test") != "value" {
		t.Errorf("expected X-Test=value, got %s", rec.Header().Get("X-Test"))
	}
}

func TestHasState(t *testing.T) {
	var inside bool
	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		inside = HasState(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if !inside {
		t.Error("expected HasState to return true inside Handler")
	}
	if HasState(httptest.NewRequest(http.MethodGet, "/", http.NoBody).Context()) {
		t.Error("expected HasState to return false without Handler")
	}
}

func TestStateSetters_NoopWithoutHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)

	SetResponse(req, http.StatusOK, "ignored")
	SetError(req, ErrInternal)
	SetHeader(req, "X-Test", "ignored")

	if getState(req.Context()) != nil {
		t.Error("setters must not create state")
	}
}

func TestWithRequestID(t *testing.T) {
	handler := Handler(WithRequestID(), WithCanonlog())(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusOK, nil)
	}))

	t.Run("echoes client ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req.Header.Set(RequestIDHeader, "req-123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get(RequestIDHeader); got != "req-123" {
			t.Errorf("expected %s=req-123, got %q", RequestIDHeader, got)
		}
	})

	t.Run("generates UUID", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

		if _, err := uuid.Parse(rec.Header().Get(RequestIDHeader)); err != nil {
			t.Errorf("expected generated UUID, got %q: %v", rec.Header().Get(RequestIDHeader), err)
		}
	})
}

func TestWithCanonlog(t *testing.T) {
	tests := []struct {
		name       string
		opts       []HandlerOption
		wantLogger bool
	}{
		{name: "enabled", opts: []HandlerOption{WithCanonlog()}, wantLogger: true},
		{name: "disabled", wantLogger: false},
		{
			name: "custom fields",
			opts: []HandlerOption{
				WithCanonlog(),
				WithCanonlogFields(func(r *http.Request) map[string]any {
					return map[string]any{"user_agent": r.UserAgent()}
				}),
			},
			wantLogger: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var found bool
			r := chi.NewRouter()
			r.Use(Handler(tt.opts...))
			r.Get("/api/strains/{id}", func(_ http.ResponseWriter, r *http.Request) {
				_, found = canonlog.TryGetLogger(r.Context())
				logField(r, "cache", "hit")
				SetError(r, ErrNotFound.With("Strain not found"))
			})

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/strains/7", http.NoBody))

			if found != tt.wantLogger {
				t.Errorf("expected logger present=%v, got %v", tt.wantLogger, found)
			}
			if rec.Code != http.StatusNotFound {
				t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
			}
		})
	}
}

func TestAPIError(t *testing.T) {
	err := ErrNotFound.WithParam("Unknown rate limit policy", "policy")

	if !errors.Is(err, ErrNotFound) {
		t.Error("expected errors.Is to match ErrNotFound")
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Error("expected errors.Is not to match ErrUnauthorized")
	}
	if err.Param != "policy" || err.Status != http.StatusNotFound {
		t.Errorf("expected param policy with status 404, got %q %d", err.Param, err.Status)
	}
	if ErrNotFound.Message != "Resource not found" {
		t.Error("WithParam must not modify the sentinel")
	}

	var nilErr *APIError
	if !nilErr.Is(nil) {
		t.Error("expected nil error to match nil target")
	}
	if nilErr.Is(ErrNotFound) {
		t.Error("expected nil error not to match non-nil target")
	}
	if nilErr.With("x") != nil || nilErr.WithParam("x", "y") != nil {
		t.Error("expected nil receiver to return nil")
	}
}
