package scraper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/maltedev/price-tracker/internal/apperrors"
	"github.com/maltedev/price-tracker/internal/fetcher"
	"github.com/maltedev/price-tracker/internal/metrics"
	"github.com/maltedev/price-tracker/internal/parser"
)

// Service runs scrape tasks: acquire a session, fetch, extract.
type Service struct {
	sessions SessionProvider
	fetcher  PageFetcher
	parser   parser.Parser
	images   ImagePersister
	logger   *slog.Logger
}

// NewService wires a scrape pipeline. images may be nil, in which case no
// image is stored.
func NewService(sessions SessionProvider, f PageFetcher, p parser.Parser, images ImagePersister, logger *slog.Logger) *Service {
	return &Service{
		sessions: sessions,
		fetcher:  f,
		parser:   p,
		images:   images,
		logger:   logger.With("component", "scraper"),
	}
}

// ScrapeFull reads title, price and image for a product not tracked yet.
func (s *Service) ScrapeFull(ctx context.Context, url string) (*Result, error) {
	return s.scrape(ctx, url, parser.ModeFull)
}

// ScrapePriceOnly reads only the current price.
func (s *Service) ScrapePriceOnly(ctx context.Context, url string) (*Result, error) {
	return s.scrape(ctx, url, parser.ModePriceOnly)
}

func (s *Service) scrape(ctx context.Context, url string, mode parser.Mode) (res *Result, err error) {
	start := time.Now()
	metrics.ScrapeStarted()
	defer func() {
		metrics.ScrapeFinished()
		outcome := "ok"
		if err != nil {
			outcome = string(apperrors.KindOf(err))
		}
		metrics.ObserveScrape(mode.String(), outcome, time.Since(start).Seconds())
	}()

	target, err := fetcher.ParseProductURL(url)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With("asin", target.ASIN, "domain", target.Domain, "mode", mode.String())

	sess, err := s.sessions.Acquire(ctx)
	if err != nil {
		return nil, tag(err, apperrors.LaunchFailure, "no browser session")
	}

	page, err := s.fetcher.Fetch(ctx, sess, url, mode)
	if err != nil {
		return nil, tag(err, apperrors.Internal, "fetch failed")
	}

	listing, err := s.parser.Extract(page.Document, mode)
	if err != nil {
		return nil, tag(err, apperrors.Internal, "extraction failed")
	}

	res = &Result{
		ASIN:      target.ASIN,
		Domain:    target.Domain,
		URL:       url,
		Title:     listing.Title,
		Price:     listing.Price,
		ScrapedAt: page.FetchedAt,
	}

	if mode == parser.ModeFull && listing.ImageURL != "" && s.images != nil {
		ref, err := s.images.Persist(ctx, target.ASIN, listing.ImageURL)
		if err != nil {
			logger.Warn("failed to store product image", "kind", apperrors.KindOf(err), "error", err)
		} else {
			res.Image = &ref
		}
	}

	logger.Debug("scrape finished", "price", res.Price.String(), "duration", time.Since(start))
	return res, nil
}

// tag makes sure err carries a kind. Already tagged errors pass through; a
// deadline becomes a navigation timeout.
func tag(err error, fallback apperrors.Kind, msg string) error {
	var tagged *apperrors.Error
	if errors.As(err, &tagged) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(err, apperrors.NavigationTimeout, msg)
	}
	return apperrors.Wrap(err, fallback, msg)
}
