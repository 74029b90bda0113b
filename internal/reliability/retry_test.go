package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with correct defaults", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxAttempts())
		assert.True(t, eb.Jitter)
	})

	t.Run("ShouldRetry respects the attempt ceiling", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for attempt := 1; attempt < 3; attempt++ {
			retry, delay := eb.ShouldRetry(attempt, errors.New("test"))
			assert.True(t, retry)
			assert.Greater(t, delay, time.Duration(0))
		}

		retry, delay := eb.ShouldRetry(3, errors.New("test"))
		assert.False(t, retry)
		assert.Zero(t, delay)
	})

	t.Run("ShouldRetry refuses permanent errors", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 5)

		retry, _ := eb.ShouldRetry(1, Permanent(errors.New("bad payload")))
		assert.False(t, retry)
	})

	t.Run("NextDelay grows and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 10)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{1, 100 * time.Millisecond},
			{2, 200 * time.Millisecond},
			{3, 400 * time.Millisecond},
			{4, 800 * time.Millisecond},
			{5, time.Second},
			{9, time.Second},
		}

		for _, tt := range tests {
			t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
				assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt))
			})
		}
	})

	t.Run("jitter stays within 15 percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)

		for i := 0; i < 50; i++ {
			d := eb.NextDelay(1)
			assert.GreaterOrEqual(t, d, 850*time.Millisecond)
			assert.LessOrEqual(t, d, 1150*time.Millisecond)
		}
	})
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		var seen []int
		attempts, err := Retry(ctx, NewFixedDelay(time.Millisecond, 5), func(attempt int) error {
			seen = append(seen, attempt)
			if attempt < 3 {
				return errors.New("temporary")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, []int{1, 2, 3}, seen)
	})

	t.Run("wraps the last error at the ceiling", func(t *testing.T) {
		cause := errors.New("broker down")
		attempts, err := Retry(ctx, NewFixedDelay(time.Millisecond, 3), func(int) error {
			return cause
		})

		assert.Equal(t, 3, attempts)
		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("stops at a permanent error", func(t *testing.T) {
		calls := 0
		attempts, err := Retry(ctx, NewFixedDelay(time.Millisecond, 5), func(int) error {
			calls++
			return Permanent(errors.New("rejected"))
		})

		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, calls)
		assert.True(t, IsPermanent(err))
		assert.ErrorIs(t, err, ErrNonRetryable)
	})

	t.Run("honors cancellation while waiting", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		attempts, err := Retry(cctx, NewFixedDelay(time.Hour, 5), func(int) error {
			cancel()
			return errors.New("temporary")
		})

		assert.Equal(t, 1, attempts)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestIsRetryable(t *testing.T) {
	plain := errors.New("plain")

	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(plain))
	assert.False(t, IsRetryable(Permanent(plain)))
	assert.False(t, IsRetryable(fmt.Errorf("wrapped: %w", Permanent(plain))))
	assert.True(t, IsRetryable(Transient(Permanent(plain))))
	assert.False(t, IsRetryable(fmt.Errorf("sentinel: %w", ErrNonRetryable)))
}
