// Package events defines the domain events the tracker writes to the outbox.
package events

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/maltedev/price-tracker/internal/database"
	"github.com/maltedev/price-tracker/internal/models"
)

type EventType string

const (
	// EventTypeProductTracked is written when a product is tracked for the first time.
	EventTypeProductTracked EventType = "PRODUCT_TRACKED"
	// EventTypePriceUpdated is written on every successful scheduled refresh.
	EventTypePriceUpdated EventType = "PRICE_UPDATED"

	aggregateProduct = "product"
	source           = "scheduler"
)

type ProductTrackedPayload struct {
	ProductID string          `json:"product_id"`
	ASIN      string          `json:"asin"`
	Domain    string          `json:"domain"`
	URL       string          `json:"url"`
	Title     string          `json:"title"`
	Price     decimal.Decimal `json:"price"`
	Currency  string          `json:"currency,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type PriceUpdatedPayload struct {
	ProductID     string          `json:"product_id"`
	ASIN          string          `json:"asin"`
	Domain        string          `json:"domain"`
	Price         decimal.Decimal `json:"price"`
	PreviousPrice decimal.Decimal `json:"previous_price"`
	Changed       bool            `json:"changed"`
	Currency      string          `json:"currency,omitempty"`
	HistorySize   int             `json:"history_size"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ProductTracked builds the outbox event for a newly stored product.
func ProductTracked(p *models.Product) (*database.OutboxEvent, error) {
	return database.NewOutboxEvent(aggregateProduct, p.ID.String(), string(EventTypeProductTracked), &ProductTrackedPayload{
		ProductID: p.ID.String(),
		ASIN:      p.ASIN,
		Domain:    p.Domain,
		URL:       p.URL,
		Title:     p.Title,
		Price:     p.CurrentPrice,
		Currency:  models.CurrencySymbol(p.Domain),
		Timestamp: p.CreatedAt,
	})
}

// PriceUpdated builds the outbox event for a refreshed price. previous is the
// price before the refresh.
func PriceUpdated(p *models.Product, previous decimal.Decimal) (*database.OutboxEvent, error) {
	return database.NewOutboxEvent(aggregateProduct, p.ID.String(), string(EventTypePriceUpdated), &PriceUpdatedPayload{
		ProductID:     p.ID.String(),
		ASIN:          p.ASIN,
		Domain:        p.Domain,
		Price:         p.CurrentPrice,
		PreviousPrice: previous,
		Changed:       !p.CurrentPrice.Equal(previous),
		Currency:      models.CurrencySymbol(p.Domain),
		HistorySize:   len(p.PriceHistory),
		Source:        source,
		Timestamp:     p.UpdatedAt,
	})
}
