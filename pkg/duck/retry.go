package duck

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	maxRetries        = 8
	initialRetryDelay = 50 * time.Millisecond
	maxRetryDelay     = 2 * time.Second
)

// isLockConflictError reports whether another process holds a conflicting
// lock on the database file, which typically clears once an ingestion
// writer finishes.
func isLockConflictError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "Could not set lock on file") ||
		strings.Contains(errStr, "Conflicting lock is held")
}

// retryOnLockConflict retries fn with exponential backoff while it fails with
// a lock conflict. Other errors are returned immediately.
func retryOnLockConflict(ctx context.Context, log *slog.Logger, operation string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialRetryDelay
	b.MaxInterval = maxRetryDelay

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 && log != nil {
				log.Info("duck: operation succeeded after retries", "operation", operation, "attempts", attempt)
			}
			return struct{}{}, nil
		}
		if !isLockConflictError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		if log != nil {
			log.Warn("duck: lock conflict detected, retrying", "operation", operation, "attempt", attempt, "max_attempts", maxRetries, "error", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxRetries))
	if err != nil && isLockConflictError(err) {
		return fmt.Errorf("operation failed after %d attempts: %w", attempt, err)
	}
	return err
}
