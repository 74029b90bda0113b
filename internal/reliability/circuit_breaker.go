package reliability

import (
	"context"
	"sync"
	"time"
)

// State is the position of a circuit breaker
type State int

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

// StateChangeListener is told about every transition of the named breaker
type StateChangeListener func(name string, from, to State)

// CircuitBreaker short-circuits calls to a dependency after a run of
// consecutive failures. Once openFor has passed, a limited number of trial
// calls decide whether it closes again.
type CircuitBreaker struct {
	name     string
	trip     int
	closeAt  int
	openFor  time.Duration
	trials   int
	now      func() time.Time
	listener StateChangeListener

	mu        sync.Mutex
	state     State
	streak    int // consecutive failures while closed
	passed    int // successful trials while half-open
	inTrial   int
	openUntil time.Time
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the circuit
func WithFailureThreshold(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.trip = n
	}
}

// WithSuccessThreshold sets the successful trials that close it again
func WithSuccessThreshold(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.closeAt = n
	}
}

// WithOpenTimeout sets how long the circuit stays open
func WithOpenTimeout(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.openFor = d
	}
}

// WithHalfOpenRequests caps concurrent trial calls
func WithHalfOpenRequests(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.trials = n
	}
}

func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithStateListener registers a callback for transitions. It runs outside
// the breaker's lock.
func WithStateListener(l StateChangeListener) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.listener = l
	}
}

func WithClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:    "default",
		trip:    5,
		closeAt: 2,
		openFor: 30 * time.Second,
		trials:  1,
		now:     time.Now,
	}
	for _, opt := range options {
		opt(cb)
	}
	return cb
}

// Execute runs fn unless the circuit is open. Errors caused by ctx itself
// ending are not held against the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.settle(err != nil && ctx.Err() == nil)
	return err
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset closes the circuit and forgets past failures
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.moveTo(StateClosed)
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	from := cb.state

	if cb.state == StateOpen {
		if cb.now().Before(cb.openUntil) {
			err := &CircuitBreakerError{
				State:            StateOpen,
				Name:             cb.name,
				Failures:         cb.streak,
				FailureThreshold: cb.trip,
				NextRetry:        cb.openUntil,
			}
			cb.mu.Unlock()
			return err
		}
		cb.moveTo(StateHalfOpen)
	}

	if cb.state == StateHalfOpen {
		if cb.inTrial >= cb.trials {
			cb.mu.Unlock()
			cb.notify(from, StateHalfOpen)
			return &CircuitBreakerError{State: StateHalfOpen, Name: cb.name}
		}
		cb.inTrial++
	}

	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return nil
}

func (cb *CircuitBreaker) settle(failed bool) {
	cb.mu.Lock()
	from := cb.state

	switch cb.state {
	case StateClosed:
		if !failed {
			cb.streak = 0
			break
		}
		cb.streak++
		if cb.streak >= cb.trip {
			cb.open()
		}
	case StateHalfOpen:
		if cb.inTrial > 0 {
			cb.inTrial--
		}
		if failed {
			cb.streak++
			cb.open()
			break
		}
		cb.passed++
		if cb.passed >= cb.closeAt {
			cb.moveTo(StateClosed)
		}
	}

	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

func (cb *CircuitBreaker) open() {
	cb.moveTo(StateOpen)
	cb.openUntil = cb.now().Add(cb.openFor)
}

// moveTo switches state and clears the counters of the state being left.
// Callers hold mu.
func (cb *CircuitBreaker) moveTo(s State) State {
	from := cb.state
	cb.state = s
	cb.passed = 0
	cb.inTrial = 0
	if s == StateClosed {
		cb.streak = 0
	}
	return from
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.listener != nil && from != to {
		cb.listener(cb.name, from, to)
	}
}
