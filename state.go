package edgekit

import (
	"context"
	"net/http"
	"sync"
)

type stateContextKey string

const stateKey stateContextKey = "edgekit_state"

// State holds the response state for a request.
// Handlers record their outcome here instead of writing to the ResponseWriter,
// which lets middleware such as the response cache read the value a handler
// produced before it is serialized.
type State struct {
	mu      sync.Mutex
	err     *APIError
	status  int
	body    any
	headers http.Header
}

// HasState returns true if wrapper state exists in the context.
func HasState(ctx context.Context) bool {
	return getState(ctx) != nil
}

func getState(ctx context.Context) *State {
	state, _ := ctx.Value(stateKey).(*State)
	return state
}

// outcome is the result of a downstream handler as seen by middleware.
type outcome struct {
	status int
	body   any
	set    bool
}

// snapshot returns the outcome recorded through SetResponse or SetError.
// set is false when the handler recorded nothing.
func (s *State) snapshot() outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return outcome{status: s.err.Status, body: errorResponse{Error: s.err}, set: true}
	}
	if s.body == nil && s.status == 0 {
		return outcome{}
	}
	status := s.status
	if status == 0 {
		status = http.StatusOK
	}
	return outcome{status: status, body: s.body, set: true}
}
