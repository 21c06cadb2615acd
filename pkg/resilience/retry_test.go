package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Kicko7/Klyno-sub001/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, Backoff: time.Millisecond}, "op", func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRecoversAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, Backoff: time.Millisecond}, "op", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsBudget(t *testing.T) {
	sentinel := errors.New("persistent")
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, Backoff: time.Millisecond}, "op", func() error {
		calls++
		return sentinel
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), "op failed after 3 attempts")
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Retry(ctx, RetryConfig{MaxAttempts: 5, Backoff: time.Hour}, "op", func() error {
		calls++
		cancel()
		return errors.New("transient")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{}, "op", func() error {
		calls++
		return errors.New("nope")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("test")
	cfg.FailureThreshold = 2
	cfg.SuccessThreshold = 1
	cfg.RetryTimeout = 10 * time.Millisecond
	cb := NewCircuitBreaker(cfg, logger.New(logger.Config{Level: "error"}))

	boom := errors.New("boom")
	fail := func() error { return boom }
	ok := func() error { return nil }

	require.ErrorIs(t, cb.Execute(fail), boom)
	require.ErrorIs(t, cb.Execute(fail), boom)

	// Threshold reached: calls are rejected without running fn.
	assert.ErrorIs(t, cb.Execute(ok), ErrCircuitOpen)

	// After the retry timeout a probe is allowed through and a success
	// closes the breaker again.
	time.Sleep(15 * time.Millisecond)
	assert.NoError(t, cb.Execute(ok))
	assert.NoError(t, cb.Execute(ok))
}
