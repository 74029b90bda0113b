package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Circuit breaker errors
	ErrCircuitOpen          = errors.New("circuit breaker: circuit is open")
	ErrCircuitHalfOpenLimit = errors.New("circuit breaker: half-open request limit reached")

	// Retry errors
	ErrNonRetryable = errors.New("retry: error is not retryable")

	// Dead-letter store errors
	ErrDeadLetterNotFound = errors.New("dead letter: record not found")
)

// CircuitBreakerError represents a circuit breaker error with context
type CircuitBreakerError struct {
	State            State
	Name             string
	Failures         int
	FailureThreshold int
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateOpen {
		return fmt.Sprintf("circuit breaker %s open: failures=%d/%d, retry in %v",
			e.Name, e.Failures, e.FailureThreshold, time.Until(e.NextRetry).Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker %s %s: request limited", e.Name, e.State)
}

func (e *CircuitBreakerError) Is(target error) bool {
	switch target {
	case ErrCircuitOpen:
		return e.State == StateOpen
	case ErrCircuitHalfOpenLimit:
		return e.State == StateHalfOpen
	}
	return false
}

// RetryError is returned when the retry ceiling was reached
type RetryError struct {
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d/%d attempts over %v: %v",
		e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// RetryableError wraps an error to state explicitly whether it may be retried
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}

// Is lets errors.Is(err, ErrNonRetryable) match permanent errors
func (r RetryableError) Is(target error) bool {
	return target == ErrNonRetryable && !r.Retryable
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err, Retryable: false}
}

// Transient marks err as retryable even if something it wraps says otherwise
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err, Retryable: true}
}

// IsPermanent reports whether err must not be retried
func IsPermanent(err error) bool {
	return err != nil && !IsRetryable(err)
}

// IsRetryable walks the error chain and returns the first explicit
// classification found; unclassified errors are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}

	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return !errors.Is(err, ErrNonRetryable)
}
