package geo

import (
	"sync"
	"time"
)

// breakerState is one of the three circuit-breaker states (spec.md §4.6).
type breakerState int

const (
	closed breakerState = iota
	open
	halfOpen
)

func (s breakerState) String() string {
	switch s {
	case closed:
		return "closed"
	case open:
		return "open"
	case halfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker is a three-state (closed/open/half-open) failure guard
// around the geo/ASN lookup, grounded on the teacher's rate_limit.go
// circuit-breaker FSM (evaluateCircuit's threshold-then-cooldown shape),
// adapted from a rate-window trigger to a failure-count trigger. State is
// a single cell guarded by a mutex, held only for the duration of a state
// inspection or transition, per spec.md §7's shared-resource policy.
type CircuitBreaker struct {
	mu sync.Mutex

	state            breakerState
	failureThreshold int
	resetTimeout     time.Duration
	consecutiveFails int
	openedAt         time.Time

	onTransition func(from, to string)
}

// NewCircuitBreaker constructs a breaker starting in the closed state.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            closed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
}

// OnTransition registers a callback invoked on every state change, for
// metrics wiring (circuit_breaker_transitions_total{from_state,to_state}).
func (b *CircuitBreaker) OnTransition(fn func(from, to string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// Allow reports whether a call should be attempted right now. In the
// open state it also checks whether the reset timeout has elapsed, and
// if so transitions to half-open and allows exactly one probe.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case closed:
		return true
	case halfOpen:
		return false // a probe is already in flight
	case open:
		if time.Since(b.openedAt) >= b.resetTimeout {
			b.transition(halfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess reports a successful call. In half-open, this closes the
// breaker and resets the failure count; in closed, it resets the streak.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case halfOpen:
		b.transition(closed)
		b.consecutiveFails = 0
	case closed:
		b.consecutiveFails = 0
	}
}

// RecordFailure reports a failed call. In half-open, the probe failed
// and the breaker reopens immediately. In closed, the failure streak is
// compared against the threshold.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case halfOpen:
		b.transition(open)
		b.openedAt = time.Now()
	case closed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.failureThreshold {
			b.transition(open)
			b.openedAt = time.Now()
		}
	}
}

// transition changes state and fires the callback. Caller must hold mu.
func (b *CircuitBreaker) transition(to breakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onTransition != nil {
		b.onTransition(from.String(), to.String())
	}
}

// State returns the current state's name, for diagnostics and tests.
func (b *CircuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}
