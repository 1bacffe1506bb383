// Package retry provides the fixed-wait bounded retry used around every
// flaky external call (indexer, oracle, contract invocations).
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PermanentError tags an error that must not be retried; Do surfaces the
// wrapped error immediately. Used for schema violations where repeating
// the call cannot help.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so Do stops retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do invokes fn up to attempts times, sleeping wait between attempts.
// The last error is returned once attempts are exhausted. Context
// cancellation is honoured between attempts.
func Do(ctx context.Context, attempts int, wait time.Duration, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		return fmt.Errorf("retry attempts must be positive, got %d", attempts)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var permanent *PermanentError
		if errors.As(lastErr, &permanent) {
			return permanent.Err
		}

		if attempt == attempts {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
