package edgekit

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
)

// DefaultIdentityHeader salts cache keys for per-caller entries.
const DefaultIdentityHeader = "X-User-ID"

// cacheKey derives the default key for r:
//
//	<namespace>:<METHOD>:<path>:<query>:<route params>[:<identity>]
//
// Query and route parameters are encoded with sorted keys, so parameter order
// never produces distinct entries. Unparsable query pairs are dropped instead
// of failing the request. A trailing slash on the path is ignored, and ':' in
// the path or identity is escaped so segments cannot run into each other.
func cacheKey(namespace string, r *http.Request, identityHeader string) string {
	query, _ := url.ParseQuery(r.URL.RawQuery)

	var sb strings.Builder
	sb.Grow(len(namespace) + len(r.URL.Path) + len(r.URL.RawQuery) + 32)
	sb.WriteString(namespace)
	sb.WriteByte(':')
	sb.WriteString(r.Method)
	sb.WriteByte(':')
	sb.WriteString(keyPath(r.URL.Path))
	sb.WriteByte(':')
	sb.WriteString(query.Encode())
	sb.WriteByte(':')
	sb.WriteString(routeParams(r).Encode())

	if id := cacheIdentity(r, identityHeader); id != "" {
		sb.WriteByte(':')
		sb.WriteString(id)
	}
	return sb.String()
}

var segmentEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// keyPath canonicalizes path for use as a key segment.
func keyPath(path string) string {
	if trimmed := strings.TrimRight(path, "/"); trimmed != "" {
		path = trimmed
	}
	return segmentEscaper.Replace(path)
}

// routeParams collects the chi URL parameters matched for r.
func routeParams(r *http.Request) url.Values {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return nil
	}
	params := make(url.Values, len(rctx.URLParams.Keys))
	for i, key := range rctx.URLParams.Keys {
		if i >= len(rctx.URLParams.Values) {
			break
		}
		params.Add(key, rctx.URLParams.Values[i])
	}
	return params
}

// cacheIdentity scopes an entry to its caller. The authenticated subject is
// preferred because the identity header can be set by any client.
func cacheIdentity(r *http.Request, header string) string {
	if header == "" {
		return ""
	}
	if subject, ok := SubjectFromContext(r.Context()); ok {
		return "user:" + segmentEscaper.Replace(subject)
	}
	return segmentEscaper.Replace(r.Header.Get(header))
}

// PathPattern returns the glob matching every cached variant of path for method,
// with or without a trailing slash, for use with Clear and Invalidate after writes.
//
//	c.PathPattern(http.MethodGet, "/api/strains") // "cache:GET:/api/strains:*"
func (c *Cache) PathPattern(method, path string) string {
	return c.namespace + ":" + method + ":" + escapeGlob(keyPath(path)) + ":*"
}

// escapeGlob quotes Redis glob metacharacters in s.
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var sb strings.Builder
	for _, ch := range s {
		switch ch {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}
