package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverableError(t *testing.T) {
	err := NewRecoverableError(errors.New("test error"))
	assert.True(t, IsRecoverable(err))
	assert.False(t, IsRecoverable(errors.New("test error")))
	assert.False(t, IsRecoverable(nil))
	assert.False(t, IsRecoverable(NewNonRecoverableError(errors.New("bad input"))))
}

func TestDo(t *testing.T) {
	ctx := context.Background()

	t.Run("retries until attempts are exhausted", func(t *testing.T) {
		var attempts []int
		err := Do(ctx, func(attempt int) error {
			attempts = append(attempts, attempt)
			return errors.New("test error")
		}, WithMaxAttempts(3), WithDelay(time.Millisecond))
		require.Error(t, err)
		assert.Equal(t, "test error", err.Error())
		assert.Equal(t, []int{1, 2, 3}, attempts)
	})

	t.Run("stops on success", func(t *testing.T) {
		count := 0
		err := Do(ctx, func(attempt int) error {
			count++
			if attempt < 2 {
				return errors.New("flaky")
			}
			return nil
		}, WithMaxAttempts(5))
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("non-recoverable errors are not retried", func(t *testing.T) {
		count := 0
		err := Do(ctx, func(attempt int) error {
			count++
			return NewNonRecoverableError(errors.New("bad input"))
		}, WithMaxAttempts(3))
		require.Error(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("custom predicate", func(t *testing.T) {
		count := 0
		err := Do(ctx, func(attempt int) error {
			count++
			return errors.New("nope")
		}, WithMaxAttempts(3), WithRetryIf(func(err error) bool { return false }))
		require.Error(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("cancelled context interrupts the delay", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		start := time.Now()
		err := Do(ctx, func(attempt int) error {
			return errors.New("slow")
		}, WithMaxAttempts(2), WithDelay(time.Minute))
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("backoff grows the delay up to the cap", func(t *testing.T) {
		var retries []int
		err := Do(ctx, func(attempt int) error {
			return errors.New("fail")
		}, WithMaxAttempts(4), WithDelay(time.Millisecond), WithBackoff(2, 3*time.Millisecond),
			WithOnRetry(func(attempt int, err error) { retries = append(retries, attempt) }))
		require.Error(t, err)
		assert.Equal(t, []int{1, 2, 3}, retries)
	})
}
