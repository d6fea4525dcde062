package edgekit

import (
	"context"
	"net/http"
	"strings"
)

type authContextKey string

const subjectKey authContextKey = "subject"

// SubjectResolver maps a bearer token to the authenticated subject ID
// (typically the user ID from a verified JWT). Token issuance and signature
// verification belong to the auth service; edgekit only needs the subject.
//
// Thread safety: resolvers are called concurrently from multiple goroutines
// and must be safe for concurrent use.
type SubjectResolver func(token string) (subject string, ok bool)

type bearerTokenConfig struct {
	resolver SubjectResolver
	optional bool
}

// BearerTokenOption configures BearerToken middleware.
type BearerTokenOption func(*bearerTokenConfig)

// WithOptionalBearerToken lets requests without an Authorization header through
// anonymously. Malformed or rejected tokens still return 401.
func WithOptionalBearerToken() BearerTokenOption {
	return func(c *bearerTokenConfig) {
		c.optional = true
	}
}

// BearerToken returns middleware that resolves "Authorization: Bearer <token>"
// to a subject and stores it in the request context, where the subject
// identity strategy of the rate limiter picks it up.
// Returns 401 (Unauthorized) if the token is missing (when required), malformed,
// or rejected by the resolver.
//
// Example:
//
//	r.Use(edgekit.BearerToken(func(token string) (string, bool) {
//		claims, err := verifier.Verify(token)
//		if err != nil {
//			return "", false
//		}
//		return claims.Subject, true
//	}, edgekit.WithOptionalBearerToken()))
func BearerToken(resolver SubjectResolver, opts ...BearerTokenOption) func(http.Handler) http.Handler {
	cfg := bearerTokenConfig{resolver: resolver}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if auth == "" {
				if cfg.optional {
					next.ServeHTTP(w, r)
					return
				}
				respondError(w, r, ErrUnauthorized.With("Missing authorization header"))
				return
			}

			// RFC 7235: "Bearer" scheme is case-insensitive
			if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
				respondError(w, r, ErrUnauthorized.With("Invalid authorization format"))
				return
			}

			token := strings.TrimSpace(auth[7:])
			if token == "" {
				respondError(w, r, ErrUnauthorized.With("Empty bearer token"))
				return
			}

			subject, ok := cfg.resolver(token)
			if !ok || subject == "" {
				respondError(w, r, ErrUnauthorized.With("Invalid bearer token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}

// WithSubject returns a copy of ctx carrying the authenticated subject ID.
// Hosts that authenticate by other means call it from their own middleware.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

// SubjectFromContext retrieves the authenticated subject ID from the context.
// Returns the subject and true if present, or empty string and false if not.
func SubjectFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(subjectKey).(string)
	return subject, ok && subject != ""
}
