package parser

import (
	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
)

// Mode selects which fields a scrape needs.
type Mode int

const (
	// ModeFull extracts title, price and image for a first-time scrape.
	ModeFull Mode = iota
	// ModePriceOnly extracts the price for a recurring refresh.
	ModePriceOnly
)

func (m Mode) String() string {
	if m == ModePriceOnly {
		return "price_only"
	}
	return "full"
}

// Listing is what a product page yields. Title and ImageURL are only set in
// ModeFull; ImageURL may be empty.
type Listing struct {
	Title    string
	Price    decimal.Decimal
	ImageURL string
}

// Parser extracts a Listing from a loaded product page.
type Parser interface {
	Extract(doc *goquery.Document, mode Mode) (*Listing, error)
}
