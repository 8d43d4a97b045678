// Package retry runs an operation a bounded number of times with a pluggable
// delay between attempts. Browser launches and page navigations both go
// through Do.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first one.
	MaxAttempts int
	// Delay returns how long to wait after the given failed attempt (1-based).
	Delay func(attempt int) time.Duration
}

// Linear waits attempt × step between tries.
func Linear(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * step
	}
}

// LinearPolicy is the policy used for browser launches: attempts tries,
// waiting attempt × step in between.
func LinearPolicy(attempts int, step time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: Linear(step)}
}

// Permanent marks err as not worth retrying. Do returns the unwrapped err.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// NotifyFunc is called after every failed attempt that will be retried.
type NotifyFunc func(attempt int, err error, wait time.Duration)

// Do calls op until it succeeds, returns a Permanent error, the policy is
// exhausted or ctx is done. The last error is returned on exhaustion.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error, notify NotifyFunc) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Delay
	if delay == nil {
		delay = Linear(0)
	}

	var b backoff.BackOff = &stepBackOff{delay: delay}
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return op(ctx, attempt)
	}, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempt, err, wait)
		}
	})
}

// stepBackOff adapts a per-attempt delay function to backoff.BackOff.
type stepBackOff struct {
	delay   func(int) time.Duration
	attempt int
}

func (s *stepBackOff) NextBackOff() time.Duration {
	s.attempt++
	return s.delay(s.attempt)
}

func (s *stepBackOff) Reset() {
	s.attempt = 0
}
