package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/maltedev/price-tracker/internal/apperrors"
	"github.com/maltedev/price-tracker/internal/metrics"
	"github.com/maltedev/price-tracker/internal/retry"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("browser manager closed")

// State is the lifecycle state of the shared session.
type State string

const (
	StateIdle      State = "idle"
	StateLaunching State = "launching"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
	StateClosed    State = "closed"
)

type EventType string

const (
	EventLaunched     EventType = "launched"
	EventLaunchFailed EventType = "launch_failed"
	EventInvalidated  EventType = "invalidated"
	EventClosed       EventType = "closed"
)

// Event reports a session lifecycle change.
type Event struct {
	Type      EventType
	SessionID string
	Err       error
	At        time.Time
}

// ManagerOptions tune launch retries and the periodic health check.
type ManagerOptions struct {
	LaunchPolicy   retry.Policy
	HealthTimeout  time.Duration
	HealthInterval time.Duration
}

// DefaultManagerOptions retries a launch three times two seconds apart and
// checks the session every five minutes with a five second timeout.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		LaunchPolicy:   retry.LinearPolicy(3, 2*time.Second),
		HealthTimeout:  5 * time.Second,
		HealthInterval: 5 * time.Minute,
	}
}

// Manager owns the single shared browser session. Acquire is safe for any
// number of concurrent callers; at most one launch is in flight and every
// caller waiting on it receives the same session.
type Manager struct {
	launcher Launcher
	opts     ManagerOptions
	logger   *slog.Logger

	group singleflight.Group

	mu      sync.Mutex
	current Session
	state   State
	closed  bool

	events chan Event

	// launches run on baseCtx so a caller giving up does not abort a launch
	// other callers are waiting for.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewManager creates a manager that launches sessions through launcher.
// Zero option fields fall back to DefaultManagerOptions. No session is
// started until the first Acquire.
func NewManager(launcher Launcher, opts ManagerOptions, logger *slog.Logger) *Manager {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Minute
	}
	if opts.LaunchPolicy.MaxAttempts < 1 {
		opts.LaunchPolicy = DefaultManagerOptions().LaunchPolicy
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		launcher: launcher,
		opts:     opts,
		logger:   logger.With("component", "browser_manager"),
		state:    StateIdle,
		events:   make(chan Event, 32),
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
}

// Events delivers lifecycle events. Events are dropped when nobody reads.
// The channel is never closed.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// State returns the lifecycle state of the current session.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Acquire returns a healthy session, launching one if needed.
func (m *Manager) Acquire(ctx context.Context) (Session, error) {
	s, err := m.cached(ctx)
	if err != nil {
		return nil, err
	}
	if s != nil {
		return s, nil
	}

	ch := m.group.DoChan("launch", func() (interface{}, error) {
		return m.launch()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cached returns the current session if it passes a health check. A session
// that fails the check is closed and forgotten.
func (m *Manager) cached(ctx context.Context) (Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	s := m.current
	m.mu.Unlock()

	if s == nil {
		return nil, nil
	}

	if err := m.checkSession(ctx, s); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.invalidate(s, err)
		return nil, nil
	}
	return s, nil
}

func (m *Manager) checkSession(ctx context.Context, s Session) error {
	pctx, cancel := context.WithTimeout(ctx, m.opts.HealthTimeout)
	defer cancel()
	return s.Ping(pctx)
}

func (m *Manager) launch() (interface{}, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.current != nil {
		s := m.current
		m.mu.Unlock()
		return s, nil
	}
	m.state = StateLaunching
	m.mu.Unlock()

	var sess Session
	err := retry.Do(m.baseCtx, m.opts.LaunchPolicy, func(ctx context.Context, attempt int) error {
		s, err := m.launcher.Launch(ctx)
		if err != nil {
			metrics.IncBrowserLaunch("failure")
			return err
		}
		metrics.IncBrowserLaunch("success")
		sess = s
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		m.logger.Warn("browser launch failed, retrying",
			"attempt", attempt,
			"wait", wait,
			"error", err)
	})

	if err != nil {
		m.mu.Lock()
		if !m.closed {
			m.state = StateUnhealthy
		}
		m.mu.Unlock()

		m.logger.Error("browser launch exhausted", "attempts", m.opts.LaunchPolicy.MaxAttempts, "error", err, "alert", true)
		m.emit(Event{Type: EventLaunchFailed, Err: err})
		return nil, apperrors.Wrap(err, apperrors.LaunchFailure,
			fmt.Sprintf("browser launch failed after %d attempts", m.opts.LaunchPolicy.MaxAttempts))
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sess.Close()
		return nil, ErrClosed
	}
	m.current = sess
	m.state = StateHealthy
	m.mu.Unlock()

	go m.watch(sess)

	m.logger.Info("browser session launched", "session_id", sess.ID())
	m.emit(Event{Type: EventLaunched, SessionID: sess.ID()})
	return sess, nil
}

// watch invalidates s as soon as its process disconnects.
func (m *Manager) watch(s Session) {
	select {
	case <-s.Disconnected():
		m.invalidate(s, errDisconnected)
	case <-m.baseCtx.Done():
	}
}

// invalidate closes s and clears it if it is still the current session.
func (m *Manager) invalidate(s Session, cause error) {
	m.mu.Lock()
	if m.current != s {
		m.mu.Unlock()
		return
	}
	m.current = nil
	if !m.closed {
		m.state = StateUnhealthy
	}
	m.mu.Unlock()

	metrics.IncBrowserInvalidation()
	m.logger.Warn("browser session invalidated", "session_id", s.ID(), "error", cause)

	if err := s.Close(); err != nil {
		m.logger.Debug("failed to close invalidated session", "session_id", s.ID(), "error", err)
	}
	m.emit(Event{Type: EventInvalidated, SessionID: s.ID(), Err: cause})
}

// Run checks the current session every HealthInterval until ctx is done or
// the manager is closed.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.baseCtx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// CheckHealth checks the current session once and invalidates it on failure.
func (m *Manager) CheckHealth(ctx context.Context) {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()

	if s == nil {
		return
	}
	if err := m.checkSession(ctx, s); err != nil && ctx.Err() == nil {
		m.invalidate(s, err)
	}
}

// Close shuts the session down. Later Acquire calls return ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	s := m.current
	m.current = nil
	m.state = StateClosed
	m.mu.Unlock()

	m.cancel()

	var err error
	if s != nil {
		err = s.Close()
		m.emit(Event{Type: EventClosed, SessionID: s.ID()})
	}
	m.logger.Info("browser manager closed")
	return err
}

func (m *Manager) emit(e Event) {
	e.At = time.Now()
	select {
	case m.events <- e:
	default:
	}
}
