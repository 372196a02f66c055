package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned once every attempt has been used. It wraps the last
// attempt's error.
var ErrExhausted = errors.New("retry attempts exhausted")

// DelayFunc returns the pause before the given attempt (2, 3, ...).
type DelayFunc func(attempt int) time.Duration

// Policy decides how often an operation is attempted and how long to wait in
// between. The zero value makes a single attempt.
type Policy struct {
	MaxAttempts int
	Delay       DelayFunc
	// Retryable reports whether err is worth another attempt. Nil retries
	// every error.
	Retryable func(err error) bool
	// OnRetry is called before sleeping for the next attempt.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Fixed waits d between attempts.
func Fixed(d time.Duration) DelayFunc {
	return func(int) time.Duration { return d }
}

// Linear waits base, 2*base, 3*base ...
func Linear(base time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		return time.Duration(attempt-1) * base
	}
}

// Exponential starts at initial and multiplies by multiplier, capped at max.
func Exponential(initial, max time.Duration, multiplier int) DelayFunc {
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	return func(attempt int) time.Duration {
		d := initial
		for i := 2; i < attempt; i++ {
			if multiplier > 1 {
				d *= time.Duration(multiplier)
			}
			if max > 0 && d >= max {
				return max
			}
		}
		if max > 0 && d > max {
			return max
		}
		return d
	}
}

// Permanent marks err as not retryable regardless of the policy's classifier.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs fn until it succeeds, returns a non-retryable error, the context is
// done, or the attempts are used up.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			wait := time.Duration(0)
			if p.Delay != nil {
				wait = p.Delay(attempt)
			}
			if p.OnRetry != nil {
				p.OnRetry(attempt, lastErr, wait)
			}
			if wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return zero, ctx.Err()
				case <-timer.C:
				}
			} else if err := ctx.Err(); err != nil {
				return zero, err
			}
		}

		out, err := fn(ctx, attempt)
		if err == nil {
			return out, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}
