package resilience

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig bounds a retry loop: MaxAttempts total tries with linear
// backoff (attempt number * Backoff) between them.
type RetryConfig struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryConfig matches the store and flush baselines.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Backoff:     time.Second,
	}
}

// Retry runs fn until it succeeds, the attempt budget is exhausted, or
// the context is cancelled. The returned error wraps the last failure.
func Retry(ctx context.Context, cfg RetryConfig, op string, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled after %d attempts: %w", op, attempt, ctx.Err())
		case <-time.After(time.Duration(attempt) * cfg.Backoff):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, cfg.MaxAttempts, err)
}
