// Package notifier emails subscribers whose target price has been reached.
package notifier

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/maltedev/price-tracker/internal/mail"
	"github.com/maltedev/price-tracker/internal/metrics"
	"github.com/maltedev/price-tracker/internal/models"
)

type SubscriptionStore interface {
	FindSubscriptionsForProduct(ctx context.Context, productID uuid.UUID, minTarget decimal.Decimal) ([]*models.PriceAlert, error)
	DeleteSubscription(ctx context.Context, id uuid.UUID) (bool, error)
}

type Notifier struct {
	store  SubscriptionStore
	mailer mail.Mailer
	logger *slog.Logger
}

// New returns a Notifier that reads and deletes subscriptions in store and
// sends through mailer.
func New(store SubscriptionStore, mailer mail.Mailer, logger *slog.Logger) *Notifier {
	return &Notifier{
		store:  store,
		mailer: mailer,
		logger: logger.With("component", "notifier"),
	}
}

// NotifyPriceDrops sends one email per subscription whose target is at or
// above the product's current price. A subscription is deleted before its
// email is attempted, so a failed send is not retried and a failed delete
// sends nothing; either way no subscriber is mailed twice. It returns the
// number of emails sent. Only a failed lookup is returned as an error;
// per-subscription failures are logged.
func (n *Notifier) NotifyPriceDrops(ctx context.Context, p *models.Product) (int, error) {
	alerts, err := n.store.FindSubscriptionsForProduct(ctx, p.ID, p.CurrentPrice)
	if err != nil {
		return 0, fmt.Errorf("failed to find subscriptions: %w", err)
	}

	sent := 0
	for _, alert := range alerts {
		if !alert.Triggered(p.CurrentPrice) {
			continue
		}

		logger := n.logger.With("product_id", p.ID, "alert_id", alert.ID, "to", alert.Email)

		claimed, err := n.store.DeleteSubscription(ctx, alert.ID)
		if err != nil {
			// still stored, so the next tick tries again
			logger.Error("failed to claim subscription", "error", err)
			continue
		}
		if !claimed {
			logger.Debug("subscription already handled")
			continue
		}

		if alert.Email == "" {
			logger.Warn("subscription has no email")
			continue
		}
		if err := n.mailer.Send(ctx, alert.Email, Subject(p), Body(p, alert)); err != nil {
			metrics.IncNotification("failed")
			logger.Error("failed to send price drop alert", "error", err)
			continue
		}

		metrics.IncNotification("sent")
		sent++
		logger.Info("price drop alert sent",
			"price", p.CurrentPrice.String(),
			"target", alert.TargetPrice.String())
	}

	return sent, nil
}

// Subject is the email subject line for a price drop on p.
func Subject(p *models.Product) string {
	return "Price Drop Alert: " + p.Title
}

// Body is the plain text email for alert, with prices in the currency of
// p's site and a link to the listing.
func Body(p *models.Product, alert *models.PriceAlert) string {
	return fmt.Sprintf(`Hi there,

The price of "%s" has dropped to %s, which is at or below your target of %s.

View it on Amazon: %s

- Price Tracker
`, p.Title, p.FormatPrice(p.CurrentPrice), p.FormatPrice(alert.TargetPrice), models.CanonicalURL(p.ASIN, p.Domain))
}
