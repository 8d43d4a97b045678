// Package fetcher loads Amazon product pages in an isolated, fingerprinted
// browser context and hands back an immutable DOM snapshot.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/playwright-community/playwright-go"

	"github.com/maltedev/price-tracker/internal/apperrors"
	"github.com/maltedev/price-tracker/internal/browser"
	"github.com/maltedev/price-tracker/internal/parser"
	"github.com/maltedev/price-tracker/internal/ratelimit"
	"github.com/maltedev/price-tracker/internal/retry"
)

// Resource types aborted at the network layer. The product image is
// downloaded separately, so nothing on the page needs them.
var blockedResourceTypes = map[string]bool{
	"image":      true,
	"stylesheet": true,
	"font":       true,
	"media":      true,
}

var consentSelectors = []string{
	"#sp-cc-accept",
	"input[name='accept']",
}

// Interstitial "continue shopping" pages shown instead of the product.
var interstitialSelectors = []string{
	`button:has-text("Weiter shoppen")`,
	`button:has-text("Continue shopping")`,
	`input[type="submit"][value*="Weiter"]`,
}

// Options bound every browser wait of a fetch.
type Options struct {
	NavigationTimeout  time.Duration
	NavigationAttempts int
	NavigationBackoff  time.Duration
	SelectorTimeout    time.Duration
	ConsentTimeout     time.Duration
	UserAgents         []string
}

// DefaultOptions returns the timeouts used in production.
func DefaultOptions() Options {
	return Options{
		NavigationTimeout:  45 * time.Second,
		NavigationAttempts: 2,
		NavigationBackoff:  2 * time.Second,
		SelectorTimeout:    10 * time.Second,
		ConsentTimeout:     5 * time.Second,
		UserAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		},
	}
}

// Page is a snapshot of a loaded product page. It holds no browser
// resources.
type Page struct {
	URL       string
	FinalURL  string
	Status    int
	Target    *ProductURL
	Document  *goquery.Document
	FetchedAt time.Time
}

// Fetcher loads product pages in fresh browser contexts, one per fetch.
type Fetcher struct {
	opts    Options
	limiter *ratelimit.AdaptiveRateLimiter
	prints  *fingerprintSource
	prepare func(bctx playwright.BrowserContext, fp Fingerprint) error
	logger  *slog.Logger
}

// New fills zero option fields from DefaultOptions. A nil limiter never
// delays navigation.
func New(opts Options, limiter *ratelimit.AdaptiveRateLimiter, logger *slog.Logger) *Fetcher {
	def := DefaultOptions()
	if len(opts.UserAgents) == 0 {
		opts.UserAgents = def.UserAgents
	}
	if opts.NavigationAttempts < 1 {
		opts.NavigationAttempts = 1
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = def.NavigationTimeout
	}
	if opts.SelectorTimeout <= 0 {
		opts.SelectorTimeout = def.SelectorTimeout
	}
	if opts.ConsentTimeout <= 0 {
		opts.ConsentTimeout = def.ConsentTimeout
	}
	if limiter == nil {
		limiter = ratelimit.NewAdaptiveRateLimiter(0, 0)
	}

	return &Fetcher{
		opts:    opts,
		limiter: limiter,
		prints: &fingerprintSource{
			rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
			userAgents: opts.UserAgents,
		},
		prepare: prepareContext,
		logger:  logger.With("component", "fetcher"),
	}
}

// Fetch validates rawURL, loads it in a fresh browser context on sess and
// returns a snapshot of the rendered DOM. The context and page are closed
// before Fetch returns, on every path.
func (f *Fetcher) Fetch(ctx context.Context, sess browser.Session, rawURL string, mode parser.Mode) (*Page, error) {
	target, err := ParseProductURL(rawURL)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fp := f.prints.next(target.Domain)
	bctx, err := sess.NewContext(fp.ContextOptions())
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.LaunchFailure, "failed to open browser context")
	}
	defer func() {
		if err := bctx.Close(); err != nil {
			f.logger.Debug("failed to close browser context", "error", err)
		}
	}()

	// Closing the context aborts whatever playwright call is in flight.
	stop := context.AfterFunc(ctx, func() { bctx.Close() })
	defer stop()

	if err := f.prepare(bctx, fp); err != nil {
		return nil, err
	}

	page, err := bctx.NewPage()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.LaunchFailure, "failed to open page")
	}
	defer func() {
		if err := page.Close(); err != nil {
			f.logger.Debug("failed to close page", "error", err)
		}
	}()

	resp, err := f.navigate(ctx, page, target)
	if err != nil {
		return nil, err
	}

	f.dismissConsent(page)
	f.passInterstitial(page)
	f.waitReady(page, mode)

	html, err := page.Content()
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(ctx.Err(), apperrors.NavigationTimeout, "page load cancelled")
		}
		return nil, apperrors.Wrap(err, apperrors.PageUnusable, "failed to read page content")
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.PageUnusable, "failed to parse page content")
	}

	status := 0
	if resp != nil {
		status = resp.Status()
	}

	if parser.IsBlocked(doc) {
		f.limiter.RecordError()
		minDelay, maxDelay := f.limiter.Delays()
		f.logger.Warn("robot check served",
			"asin", target.ASIN,
			"domain", target.Domain,
			"status", status,
			"min_delay", minDelay,
			"max_delay", maxDelay)
		return nil, apperrors.New(apperrors.PageUnusable, "robot check page served")
	}
	if err := classifyStatus(status); err != nil {
		f.limiter.RecordError()
		return nil, err
	}

	f.limiter.RecordSuccess()

	return &Page{
		URL:       target.Raw,
		FinalURL:  page.URL(),
		Status:    status,
		Target:    target,
		Document:  doc,
		FetchedAt: time.Now(),
	}, nil
}

// prepareContext installs the stealth script and the resource filter.
func prepareContext(bctx playwright.BrowserContext, fp Fingerprint) error {
	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(fp.StealthScript())}); err != nil {
		return fmt.Errorf("failed to add init script: %w", err)
	}
	if err := bctx.Route("**/*", blockHeavyResources); err != nil {
		return fmt.Errorf("failed to install request filter: %w", err)
	}
	return nil
}

func (f *Fetcher) navigate(ctx context.Context, page playwright.Page, target *ProductURL) (playwright.Response, error) {
	var resp playwright.Response

	policy := retry.Policy{MaxAttempts: f.opts.NavigationAttempts, Delay: retry.Linear(f.opts.NavigationBackoff)}
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		if err := f.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}

		r, err := page.Goto(target.Raw, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
			Timeout:   playwright.Float(float64(f.opts.NavigationTimeout.Milliseconds())),
		})
		if err != nil {
			f.limiter.RecordError()
			if ctx.Err() != nil {
				return retry.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		f.logger.Info("retrying navigation", "attempt", attempt, "asin", target.ASIN, "wait", wait, "error", err)
	})

	if err != nil {
		msg := "navigation failed"
		if errors.Is(err, playwright.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			msg = "navigation timed out"
		}
		return nil, apperrors.Wrap(err, apperrors.NavigationTimeout, fmt.Sprintf("%s for %s", msg, target.Raw))
	}
	return resp, nil
}

// dismissConsent clicks the cookie banner away if one is shown.
func (f *Fetcher) dismissConsent(page playwright.Page) {
	for _, selector := range consentSelectors {
		if clicked := f.clickIfPresent(page, selector, f.opts.ConsentTimeout); clicked {
			f.logger.Debug("cookie consent dismissed", "selector", selector)
			return
		}
	}
}

func (f *Fetcher) passInterstitial(page playwright.Page) {
	for _, selector := range interstitialSelectors {
		if f.clickIfPresent(page, selector, f.opts.ConsentTimeout) {
			f.logger.Info("interstitial passed", "selector", selector)
			page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
				State:   playwright.LoadStateDomcontentloaded,
				Timeout: playwright.Float(float64(f.opts.NavigationTimeout.Milliseconds())),
			})
			return
		}
	}
}

func (f *Fetcher) clickIfPresent(page playwright.Page, selector string, timeout time.Duration) bool {
	loc := page.Locator(selector).First()
	if n, err := loc.Count(); err != nil || n == 0 {
		return false
	}
	err := loc.Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	return err == nil
}

// waitReady gives the page a bounded chance to render its key element.
// Absence is left for the extractor to report.
func (f *Fetcher) waitReady(page playwright.Page, mode parser.Mode) {
	err := page.Locator(parser.ReadySelector(mode)).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateAttached,
		Timeout: playwright.Float(float64(f.opts.SelectorTimeout.Milliseconds())),
	})
	if err != nil {
		f.logger.Debug("ready selector not found", "mode", mode.String(), "error", err)
	}
}

func blockHeavyResources(route playwright.Route) {
	if blockedResourceTypes[route.Request().ResourceType()] {
		route.Abort()
		return
	}
	route.Continue()
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return apperrors.New(apperrors.Unavailable, fmt.Sprintf("product page returned %d", status))
	case status >= 400:
		return apperrors.New(apperrors.PageUnusable, fmt.Sprintf("product page returned %d", status))
	}
	return nil
}
