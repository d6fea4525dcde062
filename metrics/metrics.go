// Package metrics exposes Prometheus counters for the cache and rate limiting
// middleware. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Cache operation names.
const (
	OpGet    = "get"
	OpSet    = "set"
	OpDelete = "delete"
)

// Operation results.
const (
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// Rate limit decisions.
const (
	DecisionAllowed  = "allowed"
	DecisionRejected = "rejected"
	DecisionSkipped  = "skipped"
	DecisionFailOpen = "fail_open"
	DecisionFailShut = "fail_closed"
)

// Metrics holds the collectors fed by the middleware.
type Metrics struct {
	CacheOperations   *prometheus.CounterVec
	RateLimitRequests *prometheus.CounterVec
	StoreFailures     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// Passing prometheus.DefaultRegisterer exposes them on promhttp.Handler().
// Registration panics on duplicate names, like promauto.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgekit_cache_operations_total",
				Help: "Total number of response cache operations",
			},
			[]string{"operation", "result"},
		),
		RateLimitRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgekit_ratelimit_requests_total",
				Help: "Total number of requests evaluated by a rate limit policy",
			},
			[]string{"policy", "decision"},
		),
		StoreFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgekit_store_failures_total",
				Help: "Total number of failed store calls that were degraded instead of surfaced",
			},
			[]string{"component", "operation"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.CacheOperations, m.RateLimitRequests, m.StoreFailures)
	}
	return m
}

// CacheOp counts one cache operation.
func (m *Metrics) CacheOp(operation, result string) {
	if m == nil {
		return
	}
	m.CacheOperations.WithLabelValues(operation, result).Inc()
}

// RateLimit counts one rate limit decision for policy.
func (m *Metrics) RateLimit(policy, decision string) {
	if m == nil {
		return
	}
	m.RateLimitRequests.WithLabelValues(policy, decision).Inc()
}

// StoreFailure counts a store call that failed and was degraded.
func (m *Metrics) StoreFailure(component, operation string) {
	if m == nil {
		return
	}
	m.StoreFailures.WithLabelValues(component, operation).Inc()
}
