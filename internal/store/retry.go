package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// contentionSubstrings classifies a DatabaseTransientError per spec.md §7:
// any other persistence failure propagates as DatabaseFatalError.
var contentionSubstrings = []string{
	"sqlite execute",
	"database is locked",
	"sqlite busy",
	"sqlite_busy",
}

// IsTransient reports whether err's message matches the SQLite contention
// classes spec.md §7/§9 calls out for retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, s := range contentionSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// BackoffNotifier receives a user-visible notice between retry attempts.
type BackoffNotifier interface {
	Notify(ctx context.Context, text string) error
}

const maxRetryAttempts = 4

// RetryWrite implements spec.md §9's single `retry_write(op_label, fn)`
// adapter: up to 4 attempts with exponential backoff
// base*2^min(attempt-1,4) for transient contention errors; any other error
// is returned immediately (DatabaseFatalError, not retried).
func RetryWrite(ctx context.Context, base time.Duration, opLabel string, fn func(ctx context.Context) error) error {
	return retryWrite(ctx, base, opLabel, nil, fn)
}

// RetryWriteWithBackoffNotice is the variant spec.md §4.4 step 3 and §9
// describe that also pushes a user-visible backoff notice between
// attempts through the capability of the originating transport.
func RetryWriteWithBackoffNotice(ctx context.Context, base time.Duration, opLabel string, notifier BackoffNotifier, fn func(ctx context.Context) error) error {
	return retryWrite(ctx, base, opLabel, notifier, fn)
}

func retryWrite(ctx context.Context, base time.Duration, opLabel string, notifier BackoffNotifier, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return fmt.Errorf("store: %s: %w", opLabel, err)
		}

		if attempt == maxRetryAttempts {
			break
		}

		exp := attempt - 1
		if exp > 4 {
			exp = 4
		}
		wait := base * (1 << uint(exp))

		slog.Warn("store: retrying transient write failure", "op", opLabel, "attempt", attempt, "wait", wait, "error", err)
		if notifier != nil {
			msg := fmt.Sprintf("Database contention while processing %s; retrying in %s.", opLabel, wait)
			if nerr := notifier.Notify(ctx, msg); nerr != nil {
				slog.Warn("store: failed to send backoff notice", "error", nerr)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("store: %s: exhausted %d attempts: %w", opLabel, maxRetryAttempts, lastErr)
}
