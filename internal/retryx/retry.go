// Package retryx implements retry with exponential backoff for upstream calls.
package retryx

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Policy controls retry behavior for a single logical operation.
type Policy struct {
	// MaxAttempts is the number of retries after the first attempt.
	MaxAttempts int
	// Timeout bounds each attempt. Zero means no per-attempt timeout.
	Timeout time.Duration
	// BackoffFactor scales the exponential wait: factor * 2^attempt.
	BackoffFactor float64
	// MinDelay and MaxDelay clamp the computed wait.
	MinDelay time.Duration
	MaxDelay time.Duration
}

// DefaultPolicy mirrors the engine-wide upstream retry defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   2,
		BackoffFactor: 1.0,
		MinDelay:      2 * time.Second,
		MaxDelay:      10 * time.Second,
	}
}

// Delay returns the wait before the given zero-based retry attempt.
func (p Policy) Delay(attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1.0
	}
	d := time.Duration(factor * math.Pow(2, float64(attempt)) * float64(time.Second))
	if p.MinDelay > 0 && d < p.MinDelay {
		d = p.MinDelay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do runs op until it succeeds, attempts are exhausted, or ctx is cancelled.
// Cancellation propagates into the backoff sleep.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= p.MaxAttempts; attempt++ {
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err := op(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == p.MaxAttempts {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("retries exhausted after %d attempts: %w", p.MaxAttempts+1, lastErr)
}
