package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound means a referenced work item or recipient is absent.
	// Callers own the fix; the engine does not retry these.
	ErrNotFound = errors.New("not found")

	// ErrTransient marks repository or job-queue failures worth retrying
	// with backoff before isolating the affected item.
	ErrTransient = errors.New("transient store error")
)

// Transient wraps err so IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// clampPercent mirrors the permissive input handling of progress updates:
// out-of-range values are clamped, never rejected.
func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// withRetry runs fn, retrying transient failures up to max extra attempts
// with a short doubling backoff. Non-transient errors return immediately.
func withRetry(ctx context.Context, max int, fn func() error) error {
	if max < 0 {
		max = 0
	}
	delay := 100 * time.Millisecond
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) || attempt >= max {
			return err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if delay > 2*time.Second {
			delay = 2 * time.Second
		}
	}
}
