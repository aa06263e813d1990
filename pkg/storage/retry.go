package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"
)

const (
	// maxAttempts bounds local retries of transient failures. All other
	// error classes are final for the request.
	maxAttempts = 3
	baseBackoff = 50 * time.Millisecond
)

// ErrTransient marks a storage failure that survived all retry attempts.
// Callers may safely retry idempotent operations; non-idempotent operations
// (approval decisions) must check current state first.
var ErrTransient = errors.New("transient storage error")

// IsTransient reports whether an error is worth retrying: connection-class
// postgres failures, serialization failures, deadlocks, and network errors.
// Context cancellation is never transient; the caller gave up.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08": // connection exceptions
			return true
		case pqErr.Code == "40001": // serialization_failure
			return true
		case pqErr.Code == "40P01": // deadlock_detected
			return true
		case pqErr.Code == "57P03": // cannot_connect_now
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// WithRetry runs fn with bounded retries and exponential backoff for
// transient errors. Non-transient errors return immediately. When all
// attempts fail transiently, the last error is wrapped with ErrTransient.
func WithRetry(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	backoff := baseBackoff

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("%w: %v", ErrTransient, lastErr)
}
