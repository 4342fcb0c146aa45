// Package retry runs an operation a bounded number of times with a delay
// between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roadmap/api/internal/clock"
)

// ErrExhausted matches any error returned after the last attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds a retry loop. Multiplier <= 1 keeps the delay fixed.
type Policy struct {
	Attempts   int
	Delay      time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	Clock      clock.Clock
	// OnRetry, if set, is called before waiting for the next attempt.
	OnRetry func(attempt int, err error)
}

// Fixed returns a policy of attempts tries separated by delay.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay, Multiplier: 1}
}

// ExhaustedError carries the error of the final attempt.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrExhausted.Error(), e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Last}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as terminal: Do returns it immediately without
// further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the context is
// done, or the policy's attempts are used up.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	clk := policy.Clock
	if clk == nil {
		clk = clock.Real()
	}
	delay := policy.Delay

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		var permanent *permanentError
		if errors.As(err, &permanent) {
			return permanent.err
		}
		if attempt >= attempts {
			return &ExhaustedError{Attempts: attempts, Last: err}
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(delay):
		}
		delay = nextDelay(delay, policy)
	}
}

func nextDelay(current time.Duration, policy Policy) time.Duration {
	if policy.Multiplier <= 1 {
		return current
	}
	next := time.Duration(float64(current) * policy.Multiplier)
	if policy.MaxDelay > 0 && next > policy.MaxDelay {
		return policy.MaxDelay
	}
	return next
}
