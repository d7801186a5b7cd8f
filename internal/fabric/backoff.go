package fabric

import (
	"context"
	"time"
)

const (
	maxRetryAttempts   = 3
	backoffBaseDelay   = 100 * time.Millisecond
)

// RetryWithBackoff runs op up to maxRetryAttempts times, sleeping
// backoffBaseDelay*2^k between attempts (k = 0-indexed attempt number),
// per spec section 4.7 and grounded on original_source/src/graceful.rs::
// ConnectionRecovery::retry_with_backoff. It returns the last error if
// every attempt fails, or nil as soon as one succeeds. The sleep between
// attempts honors ctx cancellation.
func RetryWithBackoff(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		if err := op(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == maxRetryAttempts-1 {
			break
		}

		delay := backoffBaseDelay << uint(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
