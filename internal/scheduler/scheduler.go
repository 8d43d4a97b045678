// Package scheduler runs one recurring price refresh per tracked product.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/maltedev/price-tracker/internal/metrics"
)

// DefaultTask names the recurring price refresh in the job registry.
const DefaultTask = "scrape-product-price"

// ErrJobGone is returned (possibly wrapped) by a TickHandler whose product no
// longer exists. The scheduler then drops the job instead of rescheduling it.
var ErrJobGone = errors.New("job target no longer exists")

const (
	outcomeOK    = "ok"
	outcomeError = "error"
	outcomePanic = "panic"
	outcomeGone  = "gone"
)

type TickHandler interface {
	HandleTick(ctx context.Context, productID uuid.UUID) error
}

// TickFunc adapts a function to TickHandler.
type TickFunc func(ctx context.Context, productID uuid.UUID) error

func (f TickFunc) HandleTick(ctx context.Context, productID uuid.UUID) error {
	return f(ctx, productID)
}

// JobStore mirrors the live job set so a restart can drop stale entries and
// rebuild them.
type JobStore interface {
	UpsertRecurringJob(ctx context.Context, task string, productID uuid.UUID, schedule string, next time.Time) error
	CancelRecurringJobs(ctx context.Context, task string) error
	RemoveRecurringJob(ctx context.Context, task string, productID uuid.UUID) error
}

// Options configure a Scheduler. Zero values take the defaults applied by New.
type Options struct {
	Task string
	// Interval between two ticks of a product. Ignored when Schedule is set.
	Interval time.Duration
	// Schedule is a standard five field cron expression.
	Schedule      string
	MaxConcurrent int
	TickTimeout   time.Duration
	Clock         Clock
}

// Job is a snapshot of one product's recurring refresh.
type Job struct {
	ProductID uuid.UUID `json:"product_id"`
	Next      time.Time `json:"next"`
	Running   bool      `json:"running"`
	Runs      int       `json:"runs"`
}

type job struct {
	productID uuid.UUID
	next      time.Time
	running   bool
	runs      int
	index     int
}

// Scheduler keeps jobs that are not running in a min-heap ordered by next
// fire time. A running job is off the heap, so ticks of one product never
// overlap; it is pushed back when its tick completes.
type Scheduler struct {
	task        string
	spec        string
	schedule    cron.Schedule
	tickTimeout time.Duration
	clock       Clock
	handler     TickHandler
	store       JobStore
	sem         *semaphore.Weighted
	logger      *slog.Logger

	mu     sync.Mutex
	jobs   map[uuid.UUID]*job
	due    jobHeap
	cancel context.CancelFunc
	done   chan struct{}

	wake  chan struct{}
	ticks sync.WaitGroup
}

// New validates opts and returns a stopped scheduler. Task defaults to
// DefaultTask and Clock to the system clock. An invalid Schedule is an
// error. Call Start to begin firing ticks.
func New(opts Options, handler TickHandler, store JobStore, logger *slog.Logger) (*Scheduler, error) {
	if opts.Task == "" {
		opts.Task = DefaultTask
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Minute
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 50
	}
	if opts.TickTimeout <= 0 {
		opts.TickTimeout = 3 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}

	var (
		schedule cron.Schedule
		spec     string
	)
	if opts.Schedule != "" {
		parsed, err := cron.ParseStandard(opts.Schedule)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", opts.Schedule, err)
		}
		schedule, spec = parsed, opts.Schedule
	} else {
		schedule, spec = cron.Every(opts.Interval), "@every "+opts.Interval.String()
	}

	return &Scheduler{
		task:        opts.Task,
		spec:        spec,
		schedule:    schedule,
		tickTimeout: opts.TickTimeout,
		clock:       opts.Clock,
		handler:     handler,
		store:       store,
		sem:         semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		logger:      logger.With("component", "scheduler", "task", opts.Task),
		jobs:        make(map[uuid.UUID]*job),
		wake:        make(chan struct{}, 1),
	}, nil
}

// Register makes sure productID has exactly one job. A new job first fires
// one schedule step from now; an idle existing job is moved to that time and
// a running one keeps its place.
func (s *Scheduler) Register(ctx context.Context, productID uuid.UUID) error {
	s.mu.Lock()
	next := s.schedule.Next(s.clock.Now())
	j, ok := s.jobs[productID]
	switch {
	case !ok:
		j = &job{productID: productID, next: next, index: -1}
		s.jobs[productID] = j
		heap.Push(&s.due, j)
	case !j.running:
		j.next = next
		heap.Fix(&s.due, j.index)
	}
	next = j.next
	count := len(s.jobs)
	s.mu.Unlock()

	metrics.SetSchedulerJobs(count)
	s.signal()

	if err := s.store.UpsertRecurringJob(ctx, s.task, productID, s.spec, next); err != nil {
		return fmt.Errorf("failed to persist job for %s: %w", productID, err)
	}
	return nil
}

// Unregister drops the job of productID. A tick already running completes
// but is not rescheduled.
func (s *Scheduler) Unregister(ctx context.Context, productID uuid.UUID) error {
	s.mu.Lock()
	s.remove(productID)
	count := len(s.jobs)
	s.mu.Unlock()

	metrics.SetSchedulerJobs(count)
	s.signal()

	if err := s.store.RemoveRecurringJob(ctx, s.task, productID); err != nil {
		return fmt.Errorf("failed to remove job for %s: %w", productID, err)
	}
	return nil
}

// Rehydrate cancels every persisted job of the task and registers one job
// per product in productIDs. Duplicate ids yield a single job.
func (s *Scheduler) Rehydrate(ctx context.Context, productIDs []uuid.UUID) error {
	if err := s.store.CancelRecurringJobs(ctx, s.task); err != nil {
		return fmt.Errorf("failed to cancel persisted jobs: %w", err)
	}

	keep := make(map[uuid.UUID]bool, len(productIDs))
	for _, id := range productIDs {
		keep[id] = true
	}

	s.mu.Lock()
	for id := range s.jobs {
		if !keep[id] {
			s.remove(id)
		}
	}
	s.mu.Unlock()

	var errs []error
	for id := range keep {
		if err := s.Register(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info("jobs rehydrated", "count", len(keep), "failed", len(errs))
	return errors.Join(errs...)
}

// remove must be called with s.mu held.
func (s *Scheduler) remove(productID uuid.UUID) {
	j, ok := s.jobs[productID]
	if !ok {
		return
	}
	delete(s.jobs, productID)
	if j.index >= 0 {
		heap.Remove(&s.due, j.index)
	}
}

// Jobs returns a snapshot of all jobs ordered by next fire time.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, Job{ProductID: j.productID, Next: j.next, Running: j.running, Runs: j.runs})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Next.Before(out[b].Next) })
	return out
}

// Start runs the dispatch loop in the background until Stop is called or
// ctx is done. Calling Start twice has no effect.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)

	s.logger.Info("scheduler started", "schedule", s.spec, "jobs", len(s.jobs))
}

// Stop cancels in-flight ticks and waits for them and the loop to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	<-done
	s.ticks.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		ready, next, pending := s.popDue()
		for _, j := range ready {
			s.dispatch(ctx, j)
		}

		var (
			timer Timer
			fire  <-chan time.Time
		)
		if pending {
			timer = s.clock.Timer(next)
			fire = timer.C()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
		case <-fire:
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

// popDue takes every job due now off the heap and marks it running. It also
// reports the fire time of the earliest job left.
func (s *Scheduler) popDue() (ready []*job, next time.Time, pending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for len(s.due) > 0 && !s.due[0].next.After(now) {
		j := heap.Pop(&s.due).(*job)
		j.running = true
		ready = append(ready, j)
	}
	if len(s.due) > 0 {
		return ready, s.due[0].next, true
	}
	return ready, time.Time{}, false
}

func (s *Scheduler) dispatch(ctx context.Context, j *job) {
	s.ticks.Add(1)
	go func() {
		defer s.ticks.Done()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		outcome := s.runTick(ctx, j.productID)
		s.sem.Release(1)

		metrics.IncTick(outcome)
		if outcome == outcomeGone {
			s.retire(ctx, j)
			return
		}
		s.finish(ctx, j)
	}()
}

func (s *Scheduler) runTick(ctx context.Context, productID uuid.UUID) (outcome string) {
	ctx, cancel := context.WithTimeout(ctx, s.tickTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tick panicked",
				"product_id", productID,
				"panic", r,
				"stack", string(debug.Stack()))
			outcome = outcomePanic
		}
	}()

	if err := s.handler.HandleTick(ctx, productID); err != nil {
		if errors.Is(err, ErrJobGone) {
			return outcomeGone
		}
		s.logger.Debug("tick failed", "product_id", productID, "error", err)
		return outcomeError
	}
	return outcomeOK
}

// retire drops a job whose product is gone, unless it was replaced by a new
// registration while the tick ran.
func (s *Scheduler) retire(ctx context.Context, j *job) {
	s.mu.Lock()
	j.running = false
	j.runs++
	if s.jobs[j.productID] != j {
		s.mu.Unlock()
		return
	}
	s.remove(j.productID)
	count := len(s.jobs)
	s.mu.Unlock()

	metrics.SetSchedulerJobs(count)
	s.logger.Info("product no longer exists, job removed", "product_id", j.productID)

	if err := s.store.RemoveRecurringJob(ctx, s.task, j.productID); err != nil && ctx.Err() == nil {
		s.logger.Warn("failed to remove persisted job", "product_id", j.productID, "error", err)
	}
}

// finish puts a job back on the heap. The next fire time follows the
// schedule from the previous fire time; when the tick overran that, it
// follows from now so missed fires are skipped, not replayed.
func (s *Scheduler) finish(ctx context.Context, j *job) {
	now := s.clock.Now()

	s.mu.Lock()
	j.running = false
	j.runs++
	if s.jobs[j.productID] != j {
		s.mu.Unlock()
		return
	}
	next := s.schedule.Next(j.next)
	if !next.After(now) {
		next = s.schedule.Next(now)
	}
	j.next = next
	heap.Push(&s.due, j)
	s.mu.Unlock()

	s.signal()

	if err := s.store.UpsertRecurringJob(ctx, s.task, j.productID, s.spec, next); err != nil && ctx.Err() == nil {
		s.logger.Warn("failed to persist next run", "product_id", j.productID, "error", err)
	}
}

type jobHeap []*job

func (h jobHeap) Len() int           { return len(h) }
func (h jobHeap) Less(a, b int) bool { return h[a].next.Before(h[b].next) }

func (h jobHeap) Swap(a, b int) {
	h[a], h[b] = h[b], h[a]
	h[a].index = a
	h[b].index = b
}

func (h *jobHeap) Push(x any) {
	j := x.(*job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}
