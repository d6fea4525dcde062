// Rate limiting middleware for Chi and standard http.Handler.
//
// Each RateLimiter enforces one Policy: a fixed window anchored at the first
// request of an identity, counted atomically in a shared store so every replica
// sees the same count. Over-limit requests get 429 with a JSON body
// ({"error", "message", "retryAfter"}) and the X-RateLimit-* headers.
//
//	st, _ := store.NewRedis(store.RedisConfig{URL: os.Getenv("REDIS_URL")})
//	defer st.Close()
//	limiters, _ := edgekit.NewRateLimiters(st, edgekit.DefaultPolicies())
//	r.With(limiters.Handler(edgekit.PolicyAuth)).Post("/api/auth/login", login)
//
// A store outage never takes the API down unless the policy asks for it:
// FailOpen (default) lets the request through, FailClosed answers 503.
package edgekit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/growcircle/edgekit/metrics"
	"github.com/growcircle/edgekit/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RateLimitHeaderMode controls when rate limit headers are included in responses.
type RateLimitHeaderMode int

const (
	// RateLimitHeadersAlways includes rate limit headers on all responses (default).
	// Headers: X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset
	// On 429: Also includes Retry-After
	RateLimitHeadersAlways RateLimitHeaderMode = iota

	// RateLimitHeadersOnLimitExceeded includes rate limit headers only on 429 responses.
	RateLimitHeadersOnLimitExceeded

	// RateLimitHeadersNever never includes rate limit headers in any response.
	// Retry-After is still sent with 429.
	RateLimitHeadersNever
)

// RateLimiter implements rate limiting middleware for one policy.
type RateLimiter struct {
	store      store.Counter
	policy     Policy
	headerMode RateLimitHeaderMode
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// RateLimitWithHeaderMode configures when rate limit headers are included in responses.
func RateLimitWithHeaderMode(mode RateLimitHeaderMode) RateLimitOption {
	return func(l *RateLimiter) {
		l.headerMode = mode
	}
}

// RateLimitWithMetrics records decisions and store failures in m.
func RateLimitWithMetrics(m *metrics.Metrics) RateLimitOption {
	return func(l *RateLimiter) {
		l.metrics = m
	}
}

// RateLimitWithLogger sets the logger used for degraded store calls.
func RateLimitWithLogger(logger zerolog.Logger) RateLimitOption {
	return func(l *RateLimiter) {
		l.logger = logger
	}
}

// NewRateLimiter creates a rate limiter enforcing policy against st.
// Returns 429 (Too Many Requests) once an identity exceeds policy.Max within
// policy.Window, and 503 (Service Unavailable) on store failure when the
// policy fails closed.
//
// Panics if the policy is invalid.
func NewRateLimiter(st store.Counter, policy Policy, opts ...RateLimitOption) *RateLimiter {
	if err := policy.Validate(); err != nil {
		panic(fmt.Sprintf("ratelimit: %v", err))
	}
	l := &RateLimiter{
		store:      st,
		policy:     policy.withDefaults(),
		headerMode: RateLimitHeadersAlways,
		logger:     log.With().Str("component", "ratelimit").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With().Str("policy", l.policy.Name).Logger()
	return l
}

// Policy returns the policy enforced by the limiter, with defaults applied.
func (l *RateLimiter) Policy() Policy {
	return l.policy
}

// Handler returns the rate limiting middleware.
// Sets the following headers based on header mode:
//   - X-RateLimit-Limit: The rate limit ceiling for the current window
//   - X-RateLimit-Remaining: Number of requests remaining in the current window
//   - X-RateLimit-Reset: Unix timestamp when the current window resets
//   - Retry-After: (only when limited) Seconds until the window resets
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.policy.skips(r) {
			l.metrics.RateLimit(l.policy.Name, metrics.DecisionSkipped)
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		identity := l.policy.identity(r)
		key := l.policy.key(identity)

		count, ttl, err := l.store.Increment(ctx, key, l.policy.Window)
		if err != nil {
			l.storeFailed(r, "increment", err)
			if l.policy.FailMode == FailClosed {
				l.metrics.RateLimit(l.policy.Name, metrics.DecisionFailShut)
				logField(r, "rate_limit", "fail_closed")
				respondError(w, r, ErrServiceUnavailable.With("Rate limiting temporarily unavailable"))
				return
			}
			l.metrics.RateLimit(l.policy.Name, metrics.DecisionFailOpen)
			logField(r, "rate_limit", "fail_open")
			next.ServeHTTP(w, r)
			return
		}

		if ttl <= 0 {
			ttl = l.policy.Window
		}
		exceeded := count > l.policy.Max

		if l.headerMode == RateLimitHeadersAlways || (l.headerMode == RateLimitHeadersOnLimitExceeded && exceeded) {
			remaining := max(0, l.policy.Max-count)
			setHeader(w, r, "X-RateLimit-Limit", strconv.FormatInt(l.policy.Max, 10))
			setHeader(w, r, "X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			setHeader(w, r, "X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(ttl).Unix(), 10))
		}

		if exceeded {
			retryAfter := retryAfterSeconds(ttl)
			setHeader(w, r, "Retry-After", strconv.FormatInt(retryAfter, 10))
			l.metrics.RateLimit(l.policy.Name, metrics.DecisionRejected)
			logField(r, "rate_limit", "rejected")
			respondJSON(w, r, http.StatusTooManyRequests, Rejection{
				Error:      l.policy.ErrorCode,
				Message:    l.policy.Message,
				RetryAfter: retryAfter,
			})
			return
		}

		l.metrics.RateLimit(l.policy.Name, metrics.DecisionAllowed)
		logField(r, "rate_limit", "allowed")

		if !l.policy.SkipSuccessful {
			next.ServeHTTP(w, r)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if out := resolveOutcome(r, ww); out.status < http.StatusBadRequest {
			// the unit is returned even if the client already went away
			if err := l.store.Decrement(context.WithoutCancel(ctx), key); err != nil {
				l.storeFailed(r, "decrement", err)
			}
		}
	})
}

func (l *RateLimiter) storeFailed(r *http.Request, op string, err error) {
	l.metrics.StoreFailure("ratelimit", op)
	l.logger.Warn().Err(err).Str("operation", op).Str("path", r.URL.Path).Msg("rate limit store call failed")
	logField(r, "rate_limit_error", err.Error())
}

// retryAfterSeconds rounds up so clients never retry before the window resets.
func retryAfterSeconds(ttl time.Duration) int64 {
	return int64(math.Ceil(ttl.Seconds()))
}

// RateLimitStatus reports the quota of one identity under one policy.
type RateLimitStatus struct {
	Policy    string `json:"policy"`
	Identity  string `json:"identity"`
	Limit     int64  `json:"limit"`
	Used      int64  `json:"used"`
	Remaining int64  `json:"remaining"`
}

// Status returns the current quota usage of identity without consuming any.
// identity is the value the policy's identity strategy derives, such as an IP
// address or "user:<subject>".
func (l *RateLimiter) Status(ctx context.Context, identity string) (RateLimitStatus, error) {
	used, err := l.store.Count(ctx, l.policy.key(identity))
	if err != nil {
		return RateLimitStatus{}, fmt.Errorf("rate limit status for %q: %w", identity, err)
	}
	return RateLimitStatus{
		Policy:    l.policy.Name,
		Identity:  identity,
		Limit:     l.policy.Max,
		Used:      used,
		Remaining: max(0, l.policy.Max-used),
	}, nil
}

// Reset clears the counter of identity, restoring its full quota.
func (l *RateLimiter) Reset(ctx context.Context, identity string) error {
	if err := l.store.Reset(ctx, l.policy.key(identity)); err != nil {
		return fmt.Errorf("rate limit reset for %q: %w", identity, err)
	}
	l.logger.Info().Str("identity", identity).Msg("rate limit reset")
	return nil
}

// RateLimiters holds one limiter per named policy, all sharing one store.
type RateLimiters struct {
	limiters map[string]*RateLimiter
}

// NewRateLimiters builds a limiter for every policy. Map keys name the
// policies; a policy with an empty Name takes its key.
func NewRateLimiters(st store.Counter, policies map[string]Policy, opts ...RateLimitOption) (*RateLimiters, error) {
	rl := &RateLimiters{limiters: make(map[string]*RateLimiter, len(policies))}
	for name, p := range policies {
		if p.Name == "" {
			p.Name = name
		}
		if p.Name != name {
			return nil, fmt.Errorf("policy registered as %q is named %q", name, p.Name)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		rl.limiters[name] = NewRateLimiter(st, p, opts...)
	}
	return rl, nil
}

// Get returns the limiter for the named policy.
func (rl *RateLimiters) Get(name string) (*RateLimiter, bool) {
	l, ok := rl.limiters[name]
	return l, ok
}

// Handler returns the middleware of the named policy.
// Panics if no such policy is registered, which surfaces typos at startup.
func (rl *RateLimiters) Handler(name string) func(http.Handler) http.Handler {
	l, ok := rl.limiters[name]
	if !ok {
		panic(fmt.Sprintf("ratelimit: unknown policy %q", name))
	}
	return l.Handler
}

// Names returns the registered policy names in sorted order.
func (rl *RateLimiters) Names() []string {
	names := make([]string, 0, len(rl.limiters))
	for name := range rl.limiters {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
