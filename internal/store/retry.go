package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy bounds retries of transient storage errors.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy retries three times starting at 50ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 50 * time.Millisecond}
}

// Retry runs op, retrying with exponential backoff while it fails with a
// transient error. Other errors, including ErrVersionConflict, are returned
// immediately. onRetry, if non-nil, is called before each retry.
func Retry(ctx context.Context, p RetryPolicy, op func() error, onRetry func(attempt int, err error)) error {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy().BaseDelay
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			break
		}

		delay := p.BaseDelay * time.Duration(1<<attempt)
		slog.Debug("transient store error, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		if onRetry != nil {
			onRetry(attempt+1, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("store unavailable after %d attempts: %w", p.MaxRetries+1, err)
}
