package edgekit

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// AdminRoutes returns a router exposing cache and rate limit administration:
//
//	GET    /cache/stats                   entry count, memory and hit/miss figures
//	DELETE /cache?pattern=<glob>          clear entries matching pattern
//	DELETE /cache/all                     clear the whole cache namespace
//	GET    /ratelimit/{policy}/{identity} quota usage of an identity
//	DELETE /ratelimit/{policy}/{identity} restore the full quota of an identity
//
// The routes carry no authentication of their own; mount them behind the
// host's admin authentication and the admin rate limit policy.
// Either argument may be nil to leave out its routes.
func AdminRoutes(c *Cache, limiters *RateLimiters) chi.Router {
	r := chi.NewRouter()

	if c != nil {
		r.Get("/cache/stats", func(w http.ResponseWriter, r *http.Request) {
			stats, err := c.Stats(r.Context())
			if err != nil {
				respondError(w, r, ErrServiceUnavailable.With("Cache statistics unavailable"))
				return
			}
			respondJSON(w, r, http.StatusOK, stats)
		})

		r.Delete("/cache", func(w http.ResponseWriter, r *http.Request) {
			pattern := r.URL.Query().Get("pattern")
			if pattern == "" {
				respondError(w, r, ErrBadRequest.WithParam("pattern is required", "pattern"))
				return
			}
			removed, err := c.Clear(r.Context(), pattern)
			if err != nil {
				respondError(w, r, ErrServiceUnavailable.With("Cache clear failed"))
				return
			}
			respondJSON(w, r, http.StatusOK, map[string]any{"pattern": pattern, "removed": removed})
		})

		r.Delete("/cache/all", func(w http.ResponseWriter, r *http.Request) {
			removed, err := c.ClearAll(r.Context())
			if err != nil {
				respondError(w, r, ErrServiceUnavailable.With("Cache clear failed"))
				return
			}
			respondJSON(w, r, http.StatusOK, map[string]any{"removed": removed})
		})
	}

	if limiters != nil {
		r.Get("/ratelimit/{policy}/{identity}", func(w http.ResponseWriter, r *http.Request) {
			l, ok := limiterFor(w, r, limiters)
			if !ok {
				return
			}
			status, err := l.Status(r.Context(), chi.URLParam(r, "identity"))
			if err != nil {
				respondError(w, r, ErrServiceUnavailable.With("Rate limit status unavailable"))
				return
			}
			respondJSON(w, r, http.StatusOK, status)
		})

		r.Delete("/ratelimit/{policy}/{identity}", func(w http.ResponseWriter, r *http.Request) {
			l, ok := limiterFor(w, r, limiters)
			if !ok {
				return
			}
			if err := l.Reset(r.Context(), chi.URLParam(r, "identity")); err != nil {
				respondError(w, r, ErrServiceUnavailable.With("Rate limit reset failed"))
				return
			}
			respondJSON(w, r, http.StatusOK, map[string]any{"reset": true})
		})
	}

	return r
}

func limiterFor(w http.ResponseWriter, r *http.Request, limiters *RateLimiters) (*RateLimiter, bool) {
	name := chi.URLParam(r, "policy")
	l, ok := limiters.Get(name)
	if !ok {
		respondError(w, r, ErrNotFound.WithParam("Unknown rate limit policy", "policy"))
	}
	return l, ok
}
