// Package ratelimit paces page navigations against the target site.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// SimpleRateLimiter spaces consecutive actions by a random delay in
// [minDelay, maxDelay]. Concurrent callers each reserve their own slot, so
// the lock is never held while sleeping. A slot that would start after the
// caller's deadline is never reserved, and an abandoned wait hands its slot
// back when nothing was reserved behind it, so waiters that give up cannot
// push the schedule out indefinitely.
type SimpleRateLimiter struct {
	mu       sync.Mutex
	minDelay time.Duration
	maxDelay time.Duration
	next     time.Time
	now      func() time.Time
}

// reservation is one claimed slot: the action may start at start, the
// following slot begins at end.
type reservation struct {
	start time.Time
	end   time.Time
}

// NewSimpleRateLimiter spaces actions by a random delay in [minDelay, maxDelay].
func NewSimpleRateLimiter(minDelay, maxDelay time.Duration) *SimpleRateLimiter {
	return &SimpleRateLimiter{
		minDelay: minDelay,
		maxDelay: maxDelay,
		now:      time.Now,
	}
}

// Wait blocks until the caller's slot starts. It fails fast with
// context.DeadlineExceeded when the next free slot lies beyond ctx's deadline.
func (r *SimpleRateLimiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline, hasDeadline := ctx.Deadline()
	res, ok := r.reserve(deadline, hasDeadline)
	if !ok {
		return fmt.Errorf("next navigation slot is past the deadline: %w", context.DeadlineExceeded)
	}

	wait := res.start.Sub(r.now())
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		r.release(res)
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// reserve claims the next free slot unless it starts after deadline.
func (r *SimpleRateLimiter) reserve(deadline time.Time, hasDeadline bool) (reservation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	slot := r.next
	if slot.Before(now) {
		slot = now
	}
	if hasDeadline && slot.After(deadline) {
		return reservation{}, false
	}

	res := reservation{start: slot, end: slot.Add(r.calculateDelay())}
	r.next = res.end
	return res, true
}

// release gives an unused slot back. Only the most recent reservation can
// be undone; an earlier one leaves a gap that later callers keep.
func (r *SimpleRateLimiter) release(res reservation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.next.Equal(res.end) {
		r.next = res.start
	}
}

// Delays returns the current delay window.
func (r *SimpleRateLimiter) Delays() (time.Duration, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minDelay, r.maxDelay
}

func (r *SimpleRateLimiter) calculateDelay() time.Duration {
	if r.maxDelay <= r.minDelay {
		return r.minDelay
	}
	delta := r.maxDelay - r.minDelay
	return r.minDelay + time.Duration(rand.Int63n(int64(delta)))
}

// AdaptiveRateLimiter slows down after repeated blocks or timeouts and eases
// back towards its base delays after a run of successes.
type AdaptiveRateLimiter struct {
	*SimpleRateLimiter
	baseMin       time.Duration
	baseMax       time.Duration
	errorCount    int
	successCount  int
	maxErrorCount int
	backoffFactor float64
}

const (
	maxAdaptiveMin = 60 * time.Second
	maxAdaptiveMax = 120 * time.Second
)

// NewAdaptiveRateLimiter starts at [minDelay, maxDelay] and never eases
// below it.
func NewAdaptiveRateLimiter(minDelay, maxDelay time.Duration) *AdaptiveRateLimiter {
	return &AdaptiveRateLimiter{
		SimpleRateLimiter: NewSimpleRateLimiter(minDelay, maxDelay),
		baseMin:           minDelay,
		baseMax:           maxDelay,
		maxErrorCount:     3,
		backoffFactor:     1.5,
	}
}

// RecordSuccess counts a clean page load; every sixth in a row shrinks the
// window by 10%.
func (a *AdaptiveRateLimiter) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successCount++
	a.errorCount = 0

	if a.successCount > 5 {
		a.minDelay = max(time.Duration(float64(a.minDelay)*0.9), a.baseMin)
		a.maxDelay = max(time.Duration(float64(a.maxDelay)*0.9), a.baseMax)
		a.successCount = 0
	}
}

// RecordError counts a block or timeout; every third in a row widens the
// window by the backoff factor, up to 60s/120s.
func (a *AdaptiveRateLimiter) RecordError() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.errorCount++
	a.successCount = 0

	if a.errorCount >= a.maxErrorCount {
		a.minDelay = min(time.Duration(float64(a.minDelay)*a.backoffFactor), maxAdaptiveMin)
		a.maxDelay = min(time.Duration(float64(a.maxDelay)*a.backoffFactor), maxAdaptiveMax)
		a.errorCount = 0
	}
}
