package reliability

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy decides whether and when a failed attempt is tried again.
// Attempts are counted from 1.
type RetryPolicy interface {
	// ShouldRetry reports whether another attempt may follow attempt, and after what delay
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxAttempts returns the total attempt ceiling, first attempt included
	MaxAttempts() int
	// NextDelay returns the delay after the given attempt
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry policy
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Attempts        int
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy allowing
// maxAttempts attempts in total
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Attempts:        maxAttempts,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.Attempts || !IsRetryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxAttempts implements RetryPolicy
func (e *ExponentialBackoff) MaxAttempts() int {
	return e.Attempts
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt-1))
	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	// ±15% jitter
	if e.Jitter {
		delay = delay + rand.Float64()*0.3*delay - 0.15*delay
	}

	return time.Duration(delay)
}

// FixedDelay waits the same delay between attempts
type FixedDelay struct {
	Delay    time.Duration
	Attempts int
}

// NewFixedDelay creates a new fixed delay policy
func NewFixedDelay(delay time.Duration, maxAttempts int) *FixedDelay {
	return &FixedDelay{Delay: delay, Attempts: maxAttempts}
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= f.Attempts || !IsRetryable(err) {
		return false, 0
	}
	return true, f.Delay
}

// MaxAttempts implements RetryPolicy
func (f *FixedDelay) MaxAttempts() int {
	return f.Attempts
}

// NextDelay implements RetryPolicy
func (f *FixedDelay) NextDelay(int) time.Duration {
	return f.Delay
}

// Retry runs fn until it succeeds, the policy gives up, or ctx is done while
// waiting between attempts. It returns the number of attempts made. When the
// attempt ceiling is reached the last error is wrapped in a *RetryError;
// permanent errors are returned as they are.
func Retry(ctx context.Context, policy RetryPolicy, fn func(attempt int) error) (int, error) {
	start := time.Now()

	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return attempt, nil
		}

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			if !IsRetryable(err) {
				return attempt, err
			}
			return attempt, &RetryError{
				Attempts:    attempt,
				MaxAttempts: policy.MaxAttempts(),
				LastError:   err,
				Duration:    time.Since(start),
			}
		}

		if err := Sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
