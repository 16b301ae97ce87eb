// Package backoff holds the retry schedule used when a backend is
// unreachable: 100ms doubling per attempt, capped at 3s.
package backoff

import (
	"context"
	"time"
)

const (
	Min = 100 * time.Millisecond
	Max = 3 * time.Second
)

// Delay returns min(Min * 2^attempt, Max).
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 5 {
		return Max
	}
	d := Min << attempt
	if d > Max {
		return Max
	}
	return d
}

// Wait sleeps for Delay(attempt) or until ctx ends, whichever comes first.
func Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(Delay(attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
