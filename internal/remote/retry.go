package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// defaultMaxAttempts is the number of tries before Retry gives up.
const defaultMaxAttempts = 3

// Backoff bounds. Variables so tests can shorten them.
var (
	retryInitialInterval = 500 * time.Millisecond
	retryMaxInterval     = 5 * time.Second
)

// Retry executes fn up to maxAttempts times with exponential backoff and
// jitter. Only transport failures are retried; any other error is returned
// as is on the first occurrence.
func Retry(ctx context.Context, maxAttempts int, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("retry cancelled: %w", err)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = retryInitialInterval
	eb.MaxInterval = retryMaxInterval
	eb.RandomizationFactor = 0.5
	eb.MaxElapsedTime = 0

	var lastErr error
	attempts := 0
	op := func() error {
		attempts++
		lastErr = fn()
		if lastErr != nil && !errors.Is(lastErr, ErrTransport) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxAttempts-1)), ctx)
	err := backoff.Retry(op, b)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("retry cancelled: %w", errors.Join(ctx.Err(), lastErr))
	case !errors.Is(lastErr, ErrTransport):
		return lastErr
	default:
		return fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
	}
}
