package circuitbreaker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var ErrOpen = errors.New("circuit breaker is open")

const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
)

// Breaker is a generic, thread-safe circuit breaker.
type Breaker[T any] struct {
	maxFailures      int64
	resetTimeout     time.Duration
	halfOpenRequests int64
	now              func() time.Time
	onStateChange    func(from, to State)
	excluded         func(error) bool

	state           atomic.Int32
	failures        atomic.Int64
	lastFailureTime atomic.Int64 // Unix nano
	successCount    atomic.Int64
	probes          atomic.Int64 // half-open calls in flight
}

// Option configures a Breaker.
type Option[T any] func(*Breaker[T])

// WithResetTimeout sets how long the breaker stays open before probing.
func WithResetTimeout[T any](d time.Duration) Option[T] {
	return func(cb *Breaker[T]) {
		if d > 0 {
			cb.resetTimeout = d
		}
	}
}

// WithHalfOpenRequests sets how many successful probes close the circuit.
// At most n probes run at the same time.
func WithHalfOpenRequests[T any](n int) Option[T] {
	return func(cb *Breaker[T]) {
		if n > 0 {
			cb.halfOpenRequests = int64(n)
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(cb *Breaker[T]) {
		if now != nil {
			cb.now = now
		}
	}
}

// WithStateChange registers a callback invoked after each state transition.
func WithStateChange[T any](fn func(from, to State)) Option[T] {
	return func(cb *Breaker[T]) {
		cb.onStateChange = fn
	}
}

// WithExcluded makes errors matching fn count as neither success nor failure.
func WithExcluded[T any](fn func(err error) bool) Option[T] {
	return func(cb *Breaker[T]) {
		cb.excluded = fn
	}
}

// New creates a breaker that opens after maxFailures consecutive failures.
func New[T any](maxFailures int, opts ...Option[T]) *Breaker[T] {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	cb := &Breaker[T]{
		maxFailures:      int64(maxFailures),
		resetTimeout:     DefaultResetTimeout,
		halfOpenRequests: 1,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.state.Store(int32(StateClosed))
	return cb
}

// State returns the current state.
func (cb *Breaker[T]) State() State {
	return State(cb.state.Load())
}

// Execute wraps a function call with the circuit breaker logic.
func (cb *Breaker[T]) Execute(ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	allowed, probe := cb.canExecute()
	if !allowed {
		var zero T
		return zero, ErrOpen
	}
	if probe {
		defer cb.probes.Add(-1)
	}

	result, err := fn(ctx)
	if err == nil || cb.excluded == nil || !cb.excluded(err) {
		cb.recordResult(err)
	}

	return result, err
}

// canExecute reports whether a call may proceed and whether it holds a
// half-open probe slot that must be released.
func (cb *Breaker[T]) canExecute() (allowed, probe bool) {
	switch State(cb.state.Load()) {
	case StateClosed:
		return true, false
	case StateOpen:
		lastFailure := cb.lastFailureTime.Load()
		if cb.now().UnixNano() <= lastFailure+cb.resetTimeout.Nanoseconds() {
			return false, false
		}
		if cb.transition(StateOpen, StateHalfOpen) {
			cb.successCount.Store(0)
		}
		ok := cb.acquireProbe()
		return ok, ok
	case StateHalfOpen:
		ok := cb.acquireProbe()
		return ok, ok
	default:
		return false, false
	}
}

func (cb *Breaker[T]) acquireProbe() bool {
	for {
		n := cb.probes.Load()
		if n >= cb.halfOpenRequests {
			return false
		}
		if cb.probes.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (cb *Breaker[T]) recordResult(err error) {
	current := State(cb.state.Load())

	if err != nil {
		newFailures := cb.failures.Add(1)
		cb.lastFailureTime.Store(cb.now().UnixNano())

		if current == StateHalfOpen || (current == StateClosed && newFailures >= cb.maxFailures) {
			cb.transition(current, StateOpen)
		}
		return
	}

	if current == StateHalfOpen {
		if cb.successCount.Add(1) >= cb.halfOpenRequests {
			if cb.transition(StateHalfOpen, StateClosed) {
				cb.failures.Store(0)
			}
		}
		return
	}
	cb.failures.Store(0)
}

func (cb *Breaker[T]) transition(from, to State) bool {
	if !cb.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
	return true
}
