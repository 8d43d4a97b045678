package scraper

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/maltedev/price-tracker/internal/browser"
	"github.com/maltedev/price-tracker/internal/fetcher"
	"github.com/maltedev/price-tracker/internal/parser"
)

// Scraper is what the tracker and the scheduler need from a scrape.
type Scraper interface {
	ScrapeFull(ctx context.Context, url string) (*Result, error)
	ScrapePriceOnly(ctx context.Context, url string) (*Result, error)
}

type SessionProvider interface {
	Acquire(ctx context.Context) (browser.Session, error)
}

type PageFetcher interface {
	Fetch(ctx context.Context, sess browser.Session, url string, mode parser.Mode) (*fetcher.Page, error)
}

type ImagePersister interface {
	Persist(ctx context.Context, key, srcURL string) (string, error)
}

// Result of one scrape. Title and Image are only set by ScrapeFull; Image
// is nil when the page had none or it could not be stored.
type Result struct {
	ASIN      string
	Domain    string
	URL       string
	Title     string
	Price     decimal.Decimal
	Image     *string
	ScrapedAt time.Time
}
