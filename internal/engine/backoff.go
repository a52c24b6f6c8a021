package engine

import (
	"context"
	"math"
	"time"
)

// Delay returns the wait before retry number attempt (0-based):
// Initial * Multiplier^attempt, capped at Max.
func (b BackoffConfig) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return b.Initial
	}
	// Avoid overflow, cap exponent
	if attempt > 62 {
		attempt = 62
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt))
	if d > float64(b.Max) || math.IsInf(d, 0) || math.IsNaN(d) {
		return b.Max
	}
	return time.Duration(d)
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
