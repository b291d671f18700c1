package provider

import (
	"context"
	"errors"
	"time"

	"worldbuild/internal/logging"
)

// withRetry runs fn up to maxRetries+1 times, backing off exponentially
// between attempts. Only adapter-taxonomy errors are retried; anything else
// (including context cancellation) propagates immediately.
func withRetry(ctx context.Context, maxRetries int, what string, fn func() error) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return &Error{Kind: ErrTimeout, Message: what + " cancelled during backoff", Err: ctx.Err()}
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			}
			logging.Provider().Debugw("retrying", "what", what, "attempt", i)
		}
		err := fn()
		if err == nil {
			return nil
		}
		var perr *Error
		if !errors.As(err, &perr) {
			return err
		}
		lastErr = err
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}
