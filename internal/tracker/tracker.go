// Package tracker starts tracking products and manages their price alerts.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/maltedev/price-tracker/internal/apperrors"
	"github.com/maltedev/price-tracker/internal/database"
	"github.com/maltedev/price-tracker/internal/events"
	"github.com/maltedev/price-tracker/internal/fetcher"
	"github.com/maltedev/price-tracker/internal/mail"
	"github.com/maltedev/price-tracker/internal/models"
	"github.com/maltedev/price-tracker/internal/scraper"
)

type ProductStore interface {
	FindProduct(ctx context.Context, id uuid.UUID) (*models.Product, error)
	FindProductBySite(ctx context.Context, asin, domain string) (*models.Product, error)
	ListProducts(ctx context.Context) ([]*models.Product, error)
	InsertProduct(ctx context.Context, p *models.Product, events ...*database.OutboxEvent) (*models.Product, bool, error)
}

type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, a *models.PriceAlert) (*models.PriceAlert, error)
}

type FullScraper interface {
	ScrapeFull(ctx context.Context, url string) (*scraper.Result, error)
}

// JobRegistrar schedules the recurring refresh of a product.
type JobRegistrar interface {
	Register(ctx context.Context, productID uuid.UUID) error
}

// TrackRequest asks to track the product at URL. Email and TargetPrice are
// optional but must be given together; they subscribe Email to a price alert.
type TrackRequest struct {
	URL         string
	Email       string
	TargetPrice *decimal.Decimal
	UserID      *uuid.UUID
}

// TrackResult is the outcome of TrackProduct.
type TrackResult struct {
	Product *models.Product
	// Created is false when the product was already tracked.
	Created bool
	Alert   *models.PriceAlert
}

// Service implements tracking and subscriptions on top of the stores.
type Service struct {
	products ProductStore
	alerts   SubscriptionStore
	scraper  FullScraper
	jobs     JobRegistrar
	group    singleflight.Group
	now      func() time.Time
	logger   *slog.Logger
}

// NewService builds the tracker. jobs receives every newly created product.
func NewService(products ProductStore, alerts SubscriptionStore, s FullScraper, jobs JobRegistrar, logger *slog.Logger) *Service {
	return &Service{
		products: products,
		alerts:   alerts,
		scraper:  s,
		jobs:     jobs,
		now:      time.Now,
		logger:   logger.With("component", "tracker"),
	}
}

// TrackProduct returns the tracked product for req.URL, scraping, storing
// and scheduling it first when it is new. Concurrent requests for the same
// listing share one scrape.
func (s *Service) TrackProduct(ctx context.Context, req TrackRequest) (*TrackResult, error) {
	target, err := fetcher.ParseProductURL(req.URL)
	if err != nil {
		return nil, err
	}
	if err := validateAlert(req.Email, req.TargetPrice, true); err != nil {
		return nil, err
	}

	key := target.Domain + "/" + target.ASIN
	v, err, shared := s.group.Do(key, func() (any, error) {
		// the scrape is shared, so it must outlive the caller that started it
		return s.track(context.WithoutCancel(ctx), target)
	})
	if err != nil {
		return nil, err
	}

	tracked := v.(*TrackResult)
	result := &TrackResult{Product: tracked.Product, Created: tracked.Created}
	if shared {
		s.logger.Debug("joined in-flight tracking request", "asin", target.ASIN, "domain", target.Domain)
	}

	if req.Email != "" {
		alert, err := s.Subscribe(ctx, result.Product.ID, req.Email, *req.TargetPrice, req.UserID)
		if err != nil {
			return nil, err
		}
		result.Alert = alert
	}
	return result, nil
}

func (s *Service) track(ctx context.Context, target *fetcher.ProductURL) (*TrackResult, error) {
	logger := s.logger.With("asin", target.ASIN, "domain", target.Domain)

	existing, err := s.products.FindProductBySite(ctx, target.ASIN, target.Domain)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &TrackResult{Product: existing}, nil
	}

	res, err := s.scraper.ScrapeFull(ctx, models.CanonicalURL(target.ASIN, target.Domain))
	if err != nil {
		logger.Warn("initial scrape failed", "kind", apperrors.KindOf(err), "error", err)
		return nil, err
	}

	p := models.NewProduct(res.ASIN, res.Domain, res.Title, res.Image, res.Price, s.now())
	event, err := events.ProductTracked(p)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "failed to build event")
	}

	stored, created, err := s.products.InsertProduct(ctx, p, event)
	if err != nil {
		return nil, err
	}
	if !created {
		return &TrackResult{Product: stored}, nil
	}

	if err := s.jobs.Register(ctx, stored.ID); err != nil {
		logger.Error("failed to schedule price refresh", "product_id", stored.ID, "error", err)
	}
	logger.Info("product tracked",
		"product_id", stored.ID,
		"price", stored.CurrentPrice.String(),
		"has_image", stored.Image != nil)

	return &TrackResult{Product: stored, Created: true}, nil
}

// GetProduct loads a product with its price history.
func (s *Service) GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	return s.products.FindProduct(ctx, id)
}

// ListProducts returns every tracked product with its price history.
func (s *Service) ListProducts(ctx context.Context) ([]*models.Product, error) {
	return s.products.ListProducts(ctx)
}

// Subscribe asks for an email to email once the product's price is at or
// below target.
func (s *Service) Subscribe(ctx context.Context, productID uuid.UUID, email string, target decimal.Decimal, userID *uuid.UUID) (*models.PriceAlert, error) {
	if err := validateAlert(email, &target, false); err != nil {
		return nil, err
	}

	alert, err := s.alerts.CreateSubscription(ctx, &models.PriceAlert{
		ProductID:   productID,
		UserID:      userID,
		Email:       email,
		TargetPrice: target.Round(2),
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("price alert created",
		"product_id", productID,
		"alert_id", alert.ID,
		"target", alert.TargetPrice.String())
	return alert, nil
}

func validateAlert(email string, target *decimal.Decimal, optional bool) error {
	if optional && email == "" && target == nil {
		return nil
	}
	if email == "" || target == nil {
		return apperrors.New(apperrors.InvalidInput, "email and target price must be given together")
	}
	if !mail.ValidAddress(email) {
		return apperrors.New(apperrors.InvalidInput, fmt.Sprintf("invalid email %q", email))
	}
	if !target.IsPositive() {
		return apperrors.New(apperrors.InvalidInput, "target price must be positive")
	}
	return nil
}
