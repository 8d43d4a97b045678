package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
)

var errDisconnected = errors.New("browser disconnected")

// Session is one running browser process. Pages are never opened on the
// session directly; every scrape opens its own context via NewContext.
type Session interface {
	ID() string
	NewContext(opts playwright.BrowserNewContextOptions) (playwright.BrowserContext, error)
	// Ping checks that the process is connected and answers a protocol
	// round-trip before ctx expires.
	Ping(ctx context.Context) error
	// Disconnected is closed when the process goes away.
	Disconnected() <-chan struct{}
	Close() error
}

// Launcher starts new sessions.
type Launcher interface {
	Launch(ctx context.Context) (Session, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context) (Session, error)

func (f LauncherFunc) Launch(ctx context.Context) (Session, error) { return f(ctx) }

type Options struct {
	Headless    bool
	Timeout     time.Duration
	ProxyServer string
}

// DefaultOptions launches headless with a 60s timeout and no proxy.
func DefaultOptions() *Options {
	return &Options{
		Headless: true,
		Timeout:  60 * time.Second,
	}
}

// LaunchArgs are the Chromium flags every session starts with.
func LaunchArgs() []string {
	return []string{
		"--disable-blink-features=AutomationControlled",
		"--disable-dev-shm-usage",
		"--no-sandbox",
		"--disable-setuid-sandbox",
		"--disable-infobars",
		"--no-first-run",
		"--no-default-browser-check",
	}
}

// PlaywrightLauncher launches headless Chromium through playwright.
type PlaywrightLauncher struct {
	opts *Options
}

// NewPlaywrightLauncher uses DefaultOptions when opts is nil.
func NewPlaywrightLauncher(opts *Options) *PlaywrightLauncher {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &PlaywrightLauncher{opts: opts}
}

type launchResult struct {
	session Session
	err     error
}

// Launch starts the driver and browser. playwright has no cancellation, so
// if ctx ends first a late session is closed in the background.
func (l *PlaywrightLauncher) Launch(ctx context.Context) (Session, error) {
	done := make(chan launchResult, 1)
	go func() {
		s, err := l.launch()
		done <- launchResult{session: s, err: err}
	}()

	select {
	case res := <-done:
		return res.session, res.err
	case <-ctx.Done():
		go func() {
			if res := <-done; res.session != nil {
				res.session.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (l *PlaywrightLauncher) launch() (Session, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(l.opts.Headless),
		Args:     LaunchArgs(),
		Timeout:  playwright.Float(float64(l.opts.Timeout.Milliseconds())),
	}

	if l.opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{
			Server: l.opts.ProxyServer,
		}
	}

	b, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	s := &playwrightSession{
		id:           uuid.NewString(),
		pw:           pw,
		browser:      b,
		disconnected: make(chan struct{}),
	}
	b.OnDisconnected(func(playwright.Browser) {
		s.markDisconnected()
	})

	return s, nil
}

type playwrightSession struct {
	id           string
	pw           *playwright.Playwright
	browser      playwright.Browser
	disconnected chan struct{}
	discOnce     sync.Once
	closeOnce    sync.Once
	closeErr     error
}

func (s *playwrightSession) ID() string { return s.id }

func (s *playwrightSession) NewContext(opts playwright.BrowserNewContextOptions) (playwright.BrowserContext, error) {
	return s.browser.NewContext(opts)
}

func (s *playwrightSession) Disconnected() <-chan struct{} { return s.disconnected }

func (s *playwrightSession) markDisconnected() {
	s.discOnce.Do(func() { close(s.disconnected) })
}

func (s *playwrightSession) Ping(ctx context.Context) error {
	select {
	case <-s.disconnected:
		return errDisconnected
	default:
	}
	if !s.browser.IsConnected() {
		return errDisconnected
	}

	done := make(chan error, 1)
	go func() {
		bctx, err := s.browser.NewContext()
		if err != nil {
			done <- err
			return
		}
		done <- bctx.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("browser health check failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser health check timed out: %w", ctx.Err())
	}
}

func (s *playwrightSession) Close() error {
	s.closeOnce.Do(func() {
		var errs []error

		if err := s.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
		if err := s.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
		s.markDisconnected()

		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
