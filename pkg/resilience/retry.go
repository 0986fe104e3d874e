package resilience

import (
	"context"
	"time"
)

// Retry runs op up to maxAttempts times, sleeping per the backoff strategy
// between attempts. retryable decides whether a failure is worth another
// attempt; a nil retryable retries every error. The last error is returned
// when all attempts fail.
func Retry(ctx context.Context, maxAttempts int, backoff BackoffStrategy, retryable func(error) bool, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff.NextDelay(attempt)):
		}
	}
	return lastErr
}
