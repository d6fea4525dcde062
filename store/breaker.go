package store

import (
	"sync/atomic"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures breaker thresholds.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker (default: 5)
	FailureThreshold int64

	// Cooldown is how long the breaker stays open before trying again (default: 2s)
	Cooldown time.Duration

	// HalfOpenMaxCalls caps concurrent trial calls while half-open (default: 1)
	HalfOpenMaxCalls int64
}

// breaker short-circuits store calls after consecutive infrastructure failures
// so that an outage costs one failed round trip per cooldown instead of one
// per request.
type breaker struct {
	state            atomic.Int32
	openUntil        atomic.Int64
	failures         atomic.Int64
	halfOpenInFlight atomic.Int64
	cfg              BreakerConfig
	onChange         func(from, to BreakerState)
}

func newBreaker(cfg BreakerConfig, onChange func(from, to BreakerState)) *breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 2 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	b := &breaker{cfg: cfg, onChange: onChange}
	b.state.Store(int32(BreakerClosed))
	return b
}

// State returns the current breaker state.
func (b *breaker) State() BreakerState {
	return BreakerState(b.state.Load())
}

// allow reports whether the call should proceed and whether it holds one of
// the half-open trial slots. The trial flag must be passed back to success,
// failure or release.
func (b *breaker) allow() (ok, trial bool) {
	switch b.State() {
	case BreakerClosed:
		return true, false
	case BreakerOpen:
		if time.Now().UnixNano() < b.openUntil.Load() {
			return false, false
		}
		if b.state.CompareAndSwap(int32(BreakerOpen), int32(BreakerHalfOpen)) {
			b.notify(BreakerOpen, BreakerHalfOpen)
		}
		return b.allowHalfOpen()
	case BreakerHalfOpen:
		return b.allowHalfOpen()
	default:
		return true, false
	}
}

func (b *breaker) allowHalfOpen() (ok, trial bool) {
	if b.halfOpenInFlight.Add(1) <= b.cfg.HalfOpenMaxCalls {
		return true, true
	}
	b.halfOpenInFlight.Add(-1)
	return false, false
}

// success records a successful call. Only a trial closes a half-open breaker.
func (b *breaker) success(trial bool) {
	if !trial {
		if b.State() == BreakerClosed {
			b.failures.Store(0)
		}
		return
	}
	b.halfOpenInFlight.Add(-1)
	b.failures.Store(0)
	if b.state.CompareAndSwap(int32(BreakerHalfOpen), int32(BreakerClosed)) {
		b.notify(BreakerHalfOpen, BreakerClosed)
	}
}

// release returns a trial slot without judging the server.
func (b *breaker) release(trial bool) {
	if trial {
		b.halfOpenInFlight.Add(-1)
	}
}

// failure records a failed call and opens the breaker when the threshold is hit.
// A failed trial reopens it immediately.
func (b *breaker) failure(trial bool) {
	if trial {
		b.halfOpenInFlight.Add(-1)
		b.trip(BreakerHalfOpen)
		return
	}
	if b.failures.Add(1) >= b.cfg.FailureThreshold && b.State() == BreakerClosed {
		b.trip(BreakerClosed)
	}
}

func (b *breaker) trip(from BreakerState) {
	b.openUntil.Store(time.Now().Add(b.cfg.Cooldown).UnixNano())
	if b.state.CompareAndSwap(int32(from), int32(BreakerOpen)) {
		b.notify(from, BreakerOpen)
	}
}

func (b *breaker) notify(from, to BreakerState) {
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
