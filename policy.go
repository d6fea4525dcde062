package edgekit

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"
)

// IdentityStrategy selects how a request is attributed to a caller.
type IdentityStrategy string

const (
	// IdentityIP uses the host part of RemoteAddr. Use for direct connections.
	IdentityIP IdentityStrategy = "ip"

	// IdentityRealIP uses the first X-Forwarded-For entry or X-Real-IP and
	// falls back to RemoteAddr when neither is present.
	//
	// SECURITY: Only use this behind a trusted reverse proxy that sets these headers.
	// Without a proxy, clients can spoof X-Forwarded-For to bypass rate limits.
	IdentityRealIP IdentityStrategy = "real_ip"

	// IdentitySubject uses the authenticated subject from the context
	// (see BearerToken and WithSubject) and falls back to the IP for anonymous requests.
	IdentitySubject IdentityStrategy = "subject"
)

// FailMode decides what a limiter does when its store cannot be reached.
type FailMode string

const (
	// FailOpen lets the request through. Availability of the product wins over
	// quota enforcement; the failure is logged and counted.
	FailOpen FailMode = "open"

	// FailClosed answers 503 until the store is back.
	FailClosed FailMode = "closed"
)

// Built-in policy names.
const (
	PolicyAPI           = "api"
	PolicyAuth          = "auth"
	PolicyRegistration  = "registration"
	PolicyPasswordReset = "password_reset"
	PolicyAdmin         = "admin"
	PolicyPublic        = "public"
)

// DefaultSkipPaths are never rate limited or cached.
var DefaultSkipPaths = []string{"/health", "/ready", "/metrics"}

// Policy is the immutable configuration of one rate limit class.
type Policy struct {
	// Name identifies the policy in logs and metrics and is the default key prefix.
	Name string

	// Window is the fixed window length; a counter expires Window after its first request.
	Window time.Duration

	// Max is the number of requests allowed per identity per window.
	Max int64

	// KeyPrefix namespaces the policy's counters (default: Name + ":").
	KeyPrefix string

	// Identity selects the identity derivation (default: IdentityIP).
	Identity IdentityStrategy

	// FailMode selects the store-outage behavior (default: FailOpen).
	FailMode FailMode

	// SkipSuccessful returns the unit of requests that finish with status < 400,
	// so only failed attempts count. Meant for login endpoints.
	SkipSuccessful bool

	// SkipPaths bypass the limiter without consuming quota (default: DefaultSkipPaths).
	SkipPaths []string

	// Skip is an additional bypass predicate.
	Skip func(*http.Request) bool

	// ErrorCode is the machine-readable rejection code
	// (default: upper-cased Name + "_RATE_LIMIT_EXCEEDED").
	ErrorCode string

	// Message is the human-readable rejection message.
	Message string
}

// Validate reports configuration errors.
func (p Policy) Validate() error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, errors.New("policy name is required"))
	}
	if p.Window < time.Second {
		errs = append(errs, fmt.Errorf("policy %q: window must be at least 1s, got %s", p.Name, p.Window))
	}
	if p.Max <= 0 {
		errs = append(errs, fmt.Errorf("policy %q: max must be positive, got %d", p.Name, p.Max))
	}
	switch p.Identity {
	case "", IdentityIP, IdentityRealIP, IdentitySubject:
	default:
		errs = append(errs, fmt.Errorf("policy %q: unknown identity strategy %q", p.Name, p.Identity))
	}
	switch p.FailMode {
	case "", FailOpen, FailClosed:
	default:
		errs = append(errs, fmt.Errorf("policy %q: unknown fail mode %q", p.Name, p.FailMode))
	}
	return errors.Join(errs...)
}

// withDefaults fills unset optional fields.
func (p Policy) withDefaults() Policy {
	if p.KeyPrefix == "" {
		p.KeyPrefix = p.Name + ":"
	}
	if p.Identity == "" {
		p.Identity = IdentityIP
	}
	if p.FailMode == "" {
		p.FailMode = FailOpen
	}
	if p.SkipPaths == nil {
		p.SkipPaths = DefaultSkipPaths
	}
	if p.ErrorCode == "" {
		p.ErrorCode = strings.ToUpper(p.Name) + "_RATE_LIMIT_EXCEEDED"
	}
	if p.Message == "" {
		p.Message = "Too many requests, please try again later"
	}
	p.SkipPaths = slices.Clone(p.SkipPaths)
	return p
}

func (p Policy) skips(r *http.Request) bool {
	if slices.Contains(p.SkipPaths, r.URL.Path) {
		return true
	}
	return p.Skip != nil && p.Skip(r)
}

// identity derives the caller identity for the policy's strategy.
func (p Policy) identity(r *http.Request) string {
	switch p.Identity {
	case IdentityRealIP:
		if ip := forwardedIP(r); ip != "" {
			return ip
		}
	case IdentitySubject:
		if subject, ok := SubjectFromContext(r.Context()); ok {
			return "user:" + subject
		}
	}
	return remoteIP(r)
}

func (p Policy) key(identity string) string {
	return p.KeyPrefix + identity
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func forwardedIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return strings.TrimSpace(r.Header.Get("X-Real-IP"))
}

// DefaultPolicies returns the platform's built-in policy table keyed by name.
// Windows and limits can be overridden through the config package.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		PolicyAPI: {
			Name:      PolicyAPI,
			Window:    15 * time.Minute,
			Max:       1000,
			ErrorCode: "RATE_LIMIT_EXCEEDED",
			Message:   "Too many requests from this IP, please try again later",
		},
		PolicyAuth: {
			Name:           PolicyAuth,
			Window:         15 * time.Minute,
			Max:            5,
			SkipSuccessful: true,
			ErrorCode:      "AUTH_RATE_LIMIT_EXCEEDED",
			Message:        "Too many login attempts, please try again in 15 minutes",
		},
		PolicyRegistration: {
			Name:      PolicyRegistration,
			Window:    time.Hour,
			Max:       3,
			ErrorCode: "REGISTRATION_RATE_LIMIT_EXCEEDED",
			Message:   "Too many accounts created from this IP, please try again in 1 hour",
		},
		PolicyPasswordReset: {
			Name:      PolicyPasswordReset,
			Window:    time.Hour,
			Max:       3,
			ErrorCode: "PASSWORD_RESET_RATE_LIMIT_EXCEEDED",
			Message:   "Too many password reset requests, please try again later",
		},
		PolicyAdmin: {
			Name:      PolicyAdmin,
			Window:    15 * time.Minute,
			Max:       100,
			Identity:  IdentitySubject,
			ErrorCode: "ADMIN_RATE_LIMIT_EXCEEDED",
			Message:   "Too many admin requests",
		},
		PolicyPublic: {
			Name:      PolicyPublic,
			Window:    15 * time.Minute,
			Max:       100,
			ErrorCode: "RATE_LIMIT_EXCEEDED",
			Message:   "Too many requests, please try again later",
		},
	}
}
