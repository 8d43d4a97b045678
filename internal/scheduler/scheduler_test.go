package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c        chan time.Time
	deadline time.Time
	stopped  bool
	clock    *fakeClock
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Timer(deadline time.Time) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{c: make(chan time.Time, 1), deadline: deadline, clock: c}
	if !deadline.After(c.now) {
		t.c <- c.now
		return t
	}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	pending := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.deadline.After(c.now):
			select {
			case t.c <- c.now:
			default:
			}
		default:
			pending = append(pending, t)
		}
	}
	c.timers = pending
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// memoryStore is an in-memory JobStore.
type memoryStore struct {
	mu      sync.Mutex
	jobs    map[string]map[uuid.UUID]time.Time
	cancels int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{jobs: map[string]map[uuid.UUID]time.Time{}}
}

func (m *memoryStore) UpsertRecurringJob(_ context.Context, task string, productID uuid.UUID, _ string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobs[task] == nil {
		m.jobs[task] = map[uuid.UUID]time.Time{}
	}
	m.jobs[task][productID] = next
	return nil
}

func (m *memoryStore) CancelRecurringJobs(_ context.Context, task string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels++
	delete(m.jobs, task)
	return nil
}

func (m *memoryStore) RemoveRecurringJob(_ context.Context, task string, productID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs[task], productID)
	return nil
}

func (m *memoryStore) count(task string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs[task])
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(t *testing.T, clock Clock, handler TickHandler, opts Options) (*Scheduler, *memoryStore) {
	t.Helper()
	store := newMemoryStore()
	opts.Clock = clock
	if opts.Interval == 0 && opts.Schedule == "" {
		opts.Interval = 30 * time.Minute
	}
	s, err := New(opts, handler, store, discardLogger())
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s, store
}

func receive(t *testing.T, ch <-chan uuid.UUID) uuid.UUID {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not fire")
		return uuid.Nil
	}
}

func assertNoTick(t *testing.T, ch <-chan uuid.UUID) {
	t.Helper()
	select {
	case id := <-ch:
		t.Fatalf("unexpected tick for %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

// waitIdle waits until no job is running and every job has run at least runs times.
func waitIdle(t *testing.T, s *Scheduler, runs int) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, j := range s.Jobs() {
			if j.Running || j.Runs < runs {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTickFiresEveryInterval(t *testing.T) {
	clock := newFakeClock(t0)
	ticks := make(chan uuid.UUID, 10)
	s, _ := newTestScheduler(t, clock, TickFunc(func(_ context.Context, id uuid.UUID) error {
		ticks <- id
		return nil
	}), Options{})

	id := uuid.New()
	require.NoError(t, s.Register(context.Background(), id))
	s.Start(context.Background())

	assertNoTick(t, ticks)

	clock.Advance(30 * time.Minute)
	assert.Equal(t, id, receive(t, ticks))
	waitIdle(t, s, 1)
	assert.Equal(t, t0.Add(60*time.Minute), s.Jobs()[0].Next)

	clock.Advance(30 * time.Minute)
	assert.Equal(t, id, receive(t, ticks))
	waitIdle(t, s, 2)
	assert.Equal(t, t0.Add(90*time.Minute), s.Jobs()[0].Next)
}

func TestRegisterTwiceKeepsOneJob(t *testing.T) {
	clock := newFakeClock(t0)
	s, store := newTestScheduler(t, clock, TickFunc(func(context.Context, uuid.UUID) error { return nil }), Options{})

	id := uuid.New()
	require.NoError(t, s.Register(context.Background(), id))
	clock.Advance(10 * time.Minute)
	require.NoError(t, s.Register(context.Background(), id))

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, t0.Add(40*time.Minute), jobs[0].Next)
	assert.Equal(t, 1, store.count(DefaultTask))
}

func TestRehydrate(t *testing.T) {
	clock := newFakeClock(t0)
	s, store := newTestScheduler(t, clock, TickFunc(func(context.Context, uuid.UUID) error { return nil }), Options{})

	stale := uuid.New()
	require.NoError(t, s.Register(context.Background(), stale))

	a, b := uuid.New(), uuid.New()
	require.NoError(t, s.Rehydrate(context.Background(), []uuid.UUID{a, b, a}))

	assert.Equal(t, 1, store.cancels)
	assert.Equal(t, 2, store.count(DefaultTask))

	var ids []uuid.UUID
	for _, j := range s.Jobs() {
		ids = append(ids, j.ProductID)
	}
	assert.ElementsMatch(t, []uuid.UUID{a, b}, ids)
}

func TestTicksOfOneProductNeverOverlap(t *testing.T) {
	clock := newFakeClock(t0)
	var (
		inFlight, maxInFlight atomic.Int32
		release               = make(chan struct{})
		ticks                 = make(chan uuid.UUID, 10)
	)
	s, _ := newTestScheduler(t, clock, TickFunc(func(_ context.Context, id uuid.UUID) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		ticks <- id
		<-release
		return nil
	}), Options{})

	id := uuid.New()
	require.NoError(t, s.Register(context.Background(), id))
	s.Start(context.Background())

	clock.Advance(30 * time.Minute)
	receive(t, ticks)

	// the tick overruns three intervals
	clock.Advance(70 * time.Minute)
	assertNoTick(t, ticks)

	close(release)
	waitIdle(t, s, 1)

	assert.Equal(t, int32(1), maxInFlight.Load())
	// rescheduled from completion, missed fires are not replayed
	assert.Equal(t, t0.Add(130*time.Minute), s.Jobs()[0].Next)
	assertNoTick(t, ticks)
}

func TestConcurrencyCap(t *testing.T) {
	clock := newFakeClock(t0)
	var (
		inFlight, maxInFlight atomic.Int32
		mu                    sync.Mutex
		started               int
		release               = make(chan struct{})
	)
	s, _ := newTestScheduler(t, clock, TickFunc(func(context.Context, uuid.UUID) error {
		n := inFlight.Add(1)
		mu.Lock()
		started++
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		mu.Unlock()
		<-release
		inFlight.Add(-1)
		return nil
	}), Options{MaxConcurrent: 2})

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Register(context.Background(), uuid.New()))
	}
	s.Start(context.Background())
	clock.Advance(30 * time.Minute)

	require.Eventually(t, func() bool { return inFlight.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(2), inFlight.Load())

	close(release)
	waitIdle(t, s, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, started)
	assert.Equal(t, int32(2), maxInFlight.Load())
}

func TestFailingAndPanickingTicksKeepTheJob(t *testing.T) {
	clock := newFakeClock(t0)
	var calls atomic.Int32
	ticks := make(chan uuid.UUID, 10)
	s, _ := newTestScheduler(t, clock, TickFunc(func(_ context.Context, id uuid.UUID) error {
		defer func() { ticks <- id }()
		switch calls.Add(1) {
		case 1:
			return errors.New("navigation timeout")
		case 2:
			panic("boom")
		}
		return nil
	}), Options{})

	id := uuid.New()
	require.NoError(t, s.Register(context.Background(), id))
	s.Start(context.Background())

	for i := 1; i <= 3; i++ {
		clock.Advance(30 * time.Minute)
		receive(t, ticks)
		waitIdle(t, s, i)
	}

	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, s.Jobs(), 1)
}

func TestUnregisterStopsTicks(t *testing.T) {
	clock := newFakeClock(t0)
	ticks := make(chan uuid.UUID, 10)
	s, store := newTestScheduler(t, clock, TickFunc(func(_ context.Context, id uuid.UUID) error {
		ticks <- id
		return nil
	}), Options{})

	id := uuid.New()
	require.NoError(t, s.Register(context.Background(), id))
	s.Start(context.Background())
	require.NoError(t, s.Unregister(context.Background(), id))

	clock.Advance(time.Hour)
	assertNoTick(t, ticks)
	assert.Empty(t, s.Jobs())
	assert.Zero(t, store.count(DefaultTask))
}

func TestDeletedProductRetiresItsJob(t *testing.T) {
	clock := newFakeClock(t0)
	ticks := make(chan uuid.UUID, 10)
	gone := uuid.New()
	s, store := newTestScheduler(t, clock, TickFunc(func(_ context.Context, id uuid.UUID) error {
		defer func() { ticks <- id }()
		if id == gone {
			return fmt.Errorf("load %s: %w", id, ErrJobGone)
		}
		return nil
	}), Options{})

	kept := uuid.New()
	require.NoError(t, s.Register(context.Background(), gone))
	require.NoError(t, s.Register(context.Background(), kept))
	s.Start(context.Background())

	clock.Advance(30 * time.Minute)
	receive(t, ticks)
	receive(t, ticks)

	require.Eventually(t, func() bool { return len(s.Jobs()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, kept, s.Jobs()[0].ProductID)
	require.Eventually(t, func() bool { return store.count(DefaultTask) == 1 }, 2*time.Second, 5*time.Millisecond)

	waitIdle(t, s, 1)
	clock.Advance(30 * time.Minute)
	assert.Equal(t, kept, receive(t, ticks))
	assertNoTick(t, ticks)
}

func TestStopCancelsRunningTicks(t *testing.T) {
	clock := newFakeClock(t0)
	started := make(chan uuid.UUID, 1)
	var cancelled atomic.Bool
	s, _ := newTestScheduler(t, clock, TickFunc(func(ctx context.Context, id uuid.UUID) error {
		started <- id
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}), Options{})

	require.NoError(t, s.Register(context.Background(), uuid.New()))
	s.Start(context.Background())
	clock.Advance(30 * time.Minute)
	receive(t, started)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.True(t, cancelled.Load())
}

func TestTickTimeout(t *testing.T) {
	clock := newFakeClock(t0)
	errs := make(chan error, 1)
	s, _ := newTestScheduler(t, clock, TickFunc(func(ctx context.Context, _ uuid.UUID) error {
		<-ctx.Done()
		errs <- ctx.Err()
		return ctx.Err()
	}), Options{TickTimeout: 20 * time.Millisecond})

	require.NoError(t, s.Register(context.Background(), uuid.New()))
	s.Start(context.Background())
	clock.Advance(30 * time.Minute)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("tick was not bounded")
	}
}

func TestCronSchedule(t *testing.T) {
	clock := newFakeClock(t0.Add(7 * time.Minute))
	s, _ := newTestScheduler(t, clock, TickFunc(func(context.Context, uuid.UUID) error { return nil }),
		Options{Schedule: "*/15 * * * *"})

	require.NoError(t, s.Register(context.Background(), uuid.New()))
	assert.Equal(t, t0.Add(15*time.Minute), s.Jobs()[0].Next)

	_, err := New(Options{Schedule: "not a schedule"}, TickFunc(nil), newMemoryStore(), discardLogger())
	assert.Error(t, err)
}
