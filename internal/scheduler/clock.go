package scheduler

import "time"

// Clock is the scheduler's source of time. Timers are set for an absolute
// deadline so a clock that jumps forward fires every timer it passes.
type Clock interface {
	Now() time.Time
	Timer(deadline time.Time) Timer
}

type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Timer(deadline time.Time) Timer {
	return systemTimer{t: time.NewTimer(time.Until(deadline))}
}

type systemTimer struct {
	t *time.Timer
}

func (s systemTimer) C() <-chan time.Time { return s.t.C }
func (s systemTimer) Stop() bool          { return s.t.Stop() }
