package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/price-tracker/internal/apperrors"
	"github.com/maltedev/price-tracker/internal/database"
	"github.com/maltedev/price-tracker/internal/events"
	"github.com/maltedev/price-tracker/internal/models"
	"github.com/maltedev/price-tracker/internal/scraper"
)

type ProductStore interface {
	FindProduct(ctx context.Context, id uuid.UUID) (*models.Product, error)
	SaveProduct(ctx context.Context, p *models.Product, events ...*database.OutboxEvent) error
}

type PriceScraper interface {
	ScrapePriceOnly(ctx context.Context, url string) (*scraper.Result, error)
}

type DropNotifier interface {
	NotifyPriceDrops(ctx context.Context, p *models.Product) (int, error)
}

// PriceRefresher is the tick handler of the price job: scrape the current
// price, record it, prune old history, persist, then notify subscribers.
type PriceRefresher struct {
	products  ProductStore
	scraper   PriceScraper
	notifier  DropNotifier
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewPriceRefresher keeps retention worth of history per product.
// A non-positive retention means models.DefaultHistoryRetention.
func NewPriceRefresher(products ProductStore, s PriceScraper, n DropNotifier, retention time.Duration, logger *slog.Logger) *PriceRefresher {
	if retention <= 0 {
		retention = models.DefaultHistoryRetention
	}
	return &PriceRefresher{
		products:  products,
		scraper:   s,
		notifier:  n,
		retention: retention,
		now:       time.Now,
		logger:    logger.With("component", "price_refresher"),
	}
}

// HandleTick refreshes one product. A failed scrape leaves the product
// untouched; the next tick is the retry.
func (r *PriceRefresher) HandleTick(ctx context.Context, productID uuid.UUID) error {
	logger := r.logger.With("product_id", productID)

	p, err := r.products.FindProduct(ctx, productID)
	if err != nil {
		if apperrors.Is(err, apperrors.NotFound) {
			logger.Warn("product deleted, dropping its refresh")
			return fmt.Errorf("%w: %w", ErrJobGone, err)
		}
		logger.Error("failed to load product", "kind", apperrors.KindOf(err), "error", err)
		return err
	}
	logger = logger.With("asin", p.ASIN, "domain", p.Domain)

	res, err := r.scraper.ScrapePriceOnly(ctx, models.CanonicalURL(p.ASIN, p.Domain))
	if err != nil {
		r.logScrapeFailure(logger, err)
		return err
	}

	previous := p.CurrentPrice
	now := r.now()
	p.RecordPrice(res.Price, now)
	pruned := p.PruneHistory(now.Add(-r.retention))

	event, err := events.PriceUpdated(p, previous)
	if err != nil {
		logger.Error("failed to build price event", "error", err)
		return err
	}

	if err := r.products.SaveProduct(ctx, p, event); err != nil {
		logger.Error("failed to persist price",
			"kind", apperrors.KindOf(err),
			"price", res.Price.String(),
			"error", err)
		return err
	}

	logger.Info("price refreshed",
		"price", p.CurrentPrice.String(),
		"previous", previous.String(),
		"history", len(p.PriceHistory),
		"pruned", pruned)

	if r.notifier == nil {
		return nil
	}
	sent, err := r.notifier.NotifyPriceDrops(ctx, p)
	if err != nil {
		logger.Error("failed to notify subscribers", "error", err)
		return nil
	}
	if sent > 0 {
		logger.Info("price drop alerts sent", "count", sent)
	}
	return nil
}

// logScrapeFailure separates failures that usually clear up by the next tick
// from structural ones that point at a layout change or a dead listing.
func (r *PriceRefresher) logScrapeFailure(logger *slog.Logger, err error) {
	kind := apperrors.KindOf(err)
	attrs := []any{"kind", kind, "transient", kind.Transient(), "error", err}

	switch {
	case kind == apperrors.LaunchFailure:
		logger.Error("scrape failed, browser unavailable", append(attrs, "alert", true)...)
	case kind.Transient():
		logger.Warn("scrape failed, will retry next tick", attrs...)
	default:
		logger.Error("scrape failed", attrs...)
	}
}
