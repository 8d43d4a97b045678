package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultHistoryRetention is how long price points are kept.
const DefaultHistoryRetention = 14 * 24 * time.Hour

// Product is a tracked Amazon listing. ASIN and Domain together identify the
// listing on the site; Domain is the locale TLD such as "de", "in" or "co.uk".
type Product struct {
	ID           uuid.UUID       `json:"id"`
	ASIN         string          `json:"asin"`
	Domain       string          `json:"domain"`
	URL          string          `json:"url"`
	Title        string          `json:"title"`
	Image        *string         `json:"image,omitempty"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	PriceHistory []PricePoint    `json:"price_history"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type PricePoint struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewProduct builds a freshly scraped product with a single history entry.
func NewProduct(asin, domain, title string, image *string, price decimal.Decimal, now time.Time) *Product {
	p := &Product{
		ID:        uuid.New(),
		ASIN:      asin,
		Domain:    domain,
		URL:       CanonicalURL(asin, domain),
		Title:     title,
		Image:     image,
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.RecordPrice(price, now)
	return p
}

// CanonicalURL is the product detail URL rebuilt from its site identity.
func CanonicalURL(asin, domain string) string {
	return fmt.Sprintf("https://www.amazon.%s/dp/%s", domain, asin)
}

// RecordPrice appends a price observation and makes it the current price.
// An observation older than the last entry is clamped to it so the history
// stays ordered.
func (p *Product) RecordPrice(price decimal.Decimal, at time.Time) {
	if n := len(p.PriceHistory); n > 0 && at.Before(p.PriceHistory[n-1].Timestamp) {
		at = p.PriceHistory[n-1].Timestamp
	}
	p.PriceHistory = append(p.PriceHistory, PricePoint{Price: price, Timestamp: at})
	p.CurrentPrice = price
	p.UpdatedAt = at
}

// PruneHistory drops entries strictly older than cutoff and returns how many
// were removed. An entry exactly at cutoff is kept.
func (p *Product) PruneHistory(cutoff time.Time) int {
	kept := p.PriceHistory[:0]
	for _, point := range p.PriceHistory {
		if !point.Timestamp.Before(cutoff) {
			kept = append(kept, point)
		}
	}
	removed := len(p.PriceHistory) - len(kept)
	p.PriceHistory = kept
	return removed
}

// FormatPrice renders an amount with the currency symbol of the product's site.
func (p *Product) FormatPrice(amount decimal.Decimal) string {
	return CurrencySymbol(p.Domain) + amount.StringFixed(2)
}

var currencySymbols = map[string]string{
	"com":    "$",
	"ca":     "C$",
	"com.mx": "MX$",
	"com.br": "R$",
	"co.uk":  "£",
	"de":     "€",
	"fr":     "€",
	"it":     "€",
	"es":     "€",
	"nl":     "€",
	"in":     "₹",
	"co.jp":  "¥",
	"com.au": "A$",
	"pl":     "zł",
	"se":     "kr",
	"ae":     "AED ",
	"sa":     "SAR ",
	"sg":     "S$",
	"com.tr": "₺",
}

// CurrencySymbol returns the display symbol for a site domain. Prices are
// stored without currency; the symbol is derived only for display.
func CurrencySymbol(domain string) string {
	if s, ok := currencySymbols[domain]; ok {
		return s
	}
	return ""
}
