package edgekit

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/nhalm/canonlog"
)

// SetError sets an error response in the request context.
// If the Handler middleware is not present (state is nil), this is a no-op.
// Use HasState() to check if the Handler middleware is active.
func SetError(r *http.Request, err *APIError) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.err = err
}

// SetResponse sets a success response in the request context.
// If the Handler middleware is not present (state is nil), this is a no-op.
// Use HasState() to check if the Handler middleware is active.
func SetResponse(r *http.Request, status int, body any) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.status = status
	state.body = body
}

// SetHeader sets a response header in the request context.
// If the Handler middleware is not present (state is nil), this is a no-op.
// Use HasState() to check if the Handler middleware is active.
func SetHeader(r *http.Request, key, value string) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.headers == nil {
		state.headers = make(http.Header)
	}
	state.headers.Set(key, value)
}

// The helpers below let middleware work with or without the Handler
// middleware: with it they record into State, without it they write directly.

func setHeader(w http.ResponseWriter, r *http.Request, key, value string) {
	if HasState(r.Context()) {
		SetHeader(r, key, value)
		return
	}
	w.Header().Set(key, value)
}

func respondError(w http.ResponseWriter, r *http.Request, err *APIError) {
	if HasState(r.Context()) {
		SetError(r, err)
		return
	}
	http.Error(w, err.Message, err.Status)
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	if HasState(r.Context()) {
		SetResponse(r, status, body)
		return
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal server error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// logField adds a field to the request's canonical log line when one exists.
func logField(r *http.Request, key string, value any) {
	if _, ok := canonlog.TryGetLogger(r.Context()); ok {
		canonlog.InfoAdd(r.Context(), key, value)
	}
}

// resolveOutcome reports how the downstream handler finished. The value
// recorded in State wins; otherwise the status written through ww is used.
func resolveOutcome(r *http.Request, ww middleware.WrapResponseWriter) outcome {
	if state := getState(r.Context()); state != nil {
		if out := state.snapshot(); out.set {
			return out
		}
	}
	status := ww.Status()
	if status == 0 {
		status = http.StatusOK
	}
	return outcome{status: status}
}
