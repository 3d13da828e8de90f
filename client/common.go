package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const maxRetryAttempts = 5

// WithRetries runs fn until it succeeds, fails terminally, or exhausts the
// retry budget. Only ErrRetryable failures are retried; the wait honors
// the server's Retry-After when one was given.
func WithRetries[R any](ctx context.Context, logger *slog.Logger, fn func() (R, error)) (R, error) {
	var zero R
	for attempt := 1; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}

		var retryable *ErrRetryable
		if !errors.As(err, &retryable) {
			return zero, err
		}
		if attempt >= maxRetryAttempts {
			return zero, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		logger.Warn("operation retryable, sleeping", "attempt", attempt, "duration", retryable.RetryAfter)
		select {
		case <-time.After(retryable.RetryAfter):
		case <-ctx.Done():
			return zero, fmt.Errorf("operation cancelled during retry sleep: %w", ctx.Err())
		}
	}
}

func WithRetriesVoid(ctx context.Context, logger *slog.Logger, fn func() error) error {
	_, err := WithRetries(ctx, logger, func() (any, error) {
		return nil, fn()
	})
	return err
}
