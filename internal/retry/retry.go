// Package retry wraps fallible operations with bounded, cancellable retries
// and exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/oqs-tools/pqsetup/internal/ctxlog"
)

// Policy bounds the retry behavior for one operation.
type Policy struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int

	// Delay is the sleep before the second attempt.
	Delay time.Duration

	// Multiplier scales the delay after every failed attempt. Values <= 0
	// are treated as 1 (fixed delay).
	Multiplier float64
}

// Operation is one fallible attempt. The attempt number is 1-based.
type Operation func(ctx context.Context, attempt int) error

// Do invokes op up to p.MaxAttempts times, sleeping
// Delay * Multiplier^(attempt-1) between attempts. It returns nil on the
// first success. Cancellation is observed before every attempt and during
// every sleep. After exhaustion the last error is returned wrapped with the
// attempt count.
func (p Policy) Do(ctx context.Context, op Operation) error {
	logger := ctxlog.FromContext(ctx)

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}

	var lastErr error
	delay := p.Delay
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry: canceled before attempt %d: %w", attempt, err)
		}

		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		logger.Warn("Attempt failed.", "attempt", attempt, "max_attempts", attempts, "error", lastErr)

		if attempt == attempts {
			break
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry: canceled during backoff after attempt %d: %w", attempt, ctx.Err())
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * mult)
		}
	}

	return fmt.Errorf("retry: %d attempts exhausted: %w", attempts, lastErr)
}
