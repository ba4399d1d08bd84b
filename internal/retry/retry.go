// ABOUTME: Exponential backoff combinator with cancellation and permanent errors.
// ABOUTME: The timer source is injectable so tests run without sleeping.

package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is wrapped by the error Do returns when every attempt failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy controls how Do retries.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single delay. Zero means uncapped.
	MaxDelay time.Duration
	// DelayFirst waits BaseDelay before the first attempt too.
	DelayFirst bool
	// After replaces time.After.
	After func(time.Duration) <-chan time.Time
	// OnRetry is called before each wait that follows a failed attempt.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Delays returns the wait before each attempt. Attempts with no wait have zero delay.
func (p Policy) Delays() []time.Duration {
	attempts := max(p.MaxAttempts, 1)
	delays := make([]time.Duration, attempts)
	next := p.BaseDelay
	for i := range delays {
		if i == 0 && !p.DelayFirst {
			continue
		}
		delays[i] = next
		next *= 2
		if p.MaxDelay > 0 && next > p.MaxDelay {
			next = p.MaxDelay
		}
	}
	return delays
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls op until it succeeds, returns a permanent error, the attempts run
// out, or ctx is done. op receives the 1-based attempt number.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	after := p.After
	if after == nil {
		after = time.After
	}

	var lastErr error
	for i, delay := range p.Delays() {
		attempt := i + 1
		if delay > 0 {
			if lastErr != nil && p.OnRetry != nil {
				p.OnRetry(attempt, delay, lastErr)
			}
			select {
			case <-ctx.Done():
				if lastErr != nil {
					return fmt.Errorf("%w (last error: %w)", ctx.Err(), lastErr)
				}
				return ctx.Err()
			case <-after(delay):
			}
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, max(p.MaxAttempts, 1), lastErr)
}
