// Package api exposes product tracking over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/maltedev/price-tracker/internal/apperrors"
	"github.com/maltedev/price-tracker/internal/browser"
	"github.com/maltedev/price-tracker/internal/database"
	"github.com/maltedev/price-tracker/internal/models"
	"github.com/maltedev/price-tracker/internal/scheduler"
	"github.com/maltedev/price-tracker/internal/tracker"
)

// Tracker is the product service behind the handlers.
type Tracker interface {
	TrackProduct(ctx context.Context, req tracker.TrackRequest) (*tracker.TrackResult, error)
	GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error)
	ListProducts(ctx context.Context) ([]*models.Product, error)
	Subscribe(ctx context.Context, productID uuid.UUID, email string, target decimal.Decimal, userID *uuid.UUID) (*models.PriceAlert, error)
}

type BrowserState interface {
	State() browser.State
}

type OutboxStats interface {
	Stats(ctx context.Context) (database.OutboxStats, error)
}

type JobLister interface {
	Jobs() []scheduler.Job
}

// Backlog thresholds reported by /health.
const (
	pendingWarning   = 1000
	deadLetterFailed = 100
)

// Handlers serve the REST API.
type Handlers struct {
	tracker Tracker
	browser BrowserState
	outbox  OutboxStats
	jobs    JobLister
	logger  *slog.Logger
}

// NewHandlers creates the HTTP handlers.
func NewHandlers(t Tracker, b BrowserState, outbox OutboxStats, jobs JobLister, logger *slog.Logger) *Handlers {
	return &Handlers{
		tracker: t,
		browser: b,
		outbox:  outbox,
		jobs:    jobs,
		logger:  logger.With("component", "api"),
	}
}

// TrackRequest is the body of POST /api/v1/products. Email and target_price
// subscribe to a price alert and must be given together.
type TrackRequest struct {
	URL         string           `json:"url"`
	Email       string           `json:"email,omitempty"`
	TargetPrice *decimal.Decimal `json:"target_price,omitempty"`
	UserID      *uuid.UUID       `json:"user_id,omitempty"`
}

// TrackResponse is returned by POST /api/v1/products.
type TrackResponse struct {
	Product *models.Product    `json:"product"`
	Created bool               `json:"created"`
	Alert   *models.PriceAlert `json:"alert,omitempty"`
}

// TrackProduct starts tracking a product, or returns it when it is tracked
// already.
func (h *Handlers) TrackProduct(w http.ResponseWriter, r *http.Request) {
	var req TrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, apperrors.InvalidInput, "invalid request body")
		return
	}

	if req.URL == "" {
		h.respondError(w, http.StatusBadRequest, apperrors.InvalidURL, "url is required")
		return
	}

	res, err := h.tracker.TrackProduct(r.Context(), tracker.TrackRequest{
		URL:         req.URL,
		Email:       req.Email,
		TargetPrice: req.TargetPrice,
		UserID:      req.UserID,
	})
	if err != nil {
		h.respondAppError(w, err, "failed to track product", "url", req.URL)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	h.respondJSON(w, status, TrackResponse{Product: res.Product, Created: res.Created, Alert: res.Alert})
}

// GetProduct returns a product with its price history.
func (h *Handlers) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := h.productID(w, r)
	if !ok {
		return
	}

	p, err := h.tracker.GetProduct(r.Context(), id)
	if err != nil {
		h.respondAppError(w, err, "failed to load product", "product_id", id)
		return
	}

	h.respondJSON(w, http.StatusOK, p)
}

// ListProducts returns all tracked products.
func (h *Handlers) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.tracker.ListProducts(r.Context())
	if err != nil {
		h.respondAppError(w, err, "failed to list products")
		return
	}

	h.respondJSON(w, http.StatusOK, products)
}

// SubscribeRequest is the body of POST /api/v1/products/{productID}/alerts.
type SubscribeRequest struct {
	Email       string           `json:"email"`
	TargetPrice *decimal.Decimal `json:"target_price"`
	UserID      *uuid.UUID       `json:"user_id,omitempty"`
}

// Subscribe adds a price alert to a tracked product.
func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := h.productID(w, r)
	if !ok {
		return
	}

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, apperrors.InvalidInput, "invalid request body")
		return
	}
	if req.TargetPrice == nil {
		h.respondError(w, http.StatusBadRequest, apperrors.InvalidInput, "target_price is required")
		return
	}

	alert, err := h.tracker.Subscribe(r.Context(), id, req.Email, *req.TargetPrice, req.UserID)
	if err != nil {
		h.respondAppError(w, err, "failed to create alert", "product_id", id)
		return
	}

	h.respondJSON(w, http.StatusCreated, alert)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                `json:"status"`
	Message   string                `json:"message,omitempty"`
	Browser   browser.State         `json:"browser"`
	Outbox    *database.OutboxStats `json:"outbox,omitempty"`
	Scheduler SchedulerHealth       `json:"scheduler"`
}

type SchedulerHealth struct {
	Jobs    int `json:"jobs"`
	Running int `json:"running"`
}

// Health reports the browser session state, the outbox backlog and the
// number of scheduled jobs.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Browser: h.browser.State()}
	status := http.StatusOK

	for _, j := range h.jobs.Jobs() {
		resp.Scheduler.Jobs++
		if j.Running {
			resp.Scheduler.Running++
		}
	}

	if resp.Browser == browser.StateUnhealthy {
		resp.Status = "warning"
		resp.Message = "Browser session is unhealthy"
	}

	stats, err := h.outbox.Stats(r.Context())
	switch {
	case err != nil:
		h.logger.Error("failed to read outbox stats", "error", err)
		resp.Status = "error"
		resp.Message = "Database unavailable"
		status = http.StatusServiceUnavailable
	case stats.DeadLetter > deadLetterFailed:
		resp.Outbox = &stats
		resp.Status = "error"
		resp.Message = "High number of dead letter events"
		status = http.StatusServiceUnavailable
	case stats.Pending > pendingWarning:
		resp.Outbox = &stats
		resp.Status = "warning"
		resp.Message = "High number of pending outbox events"
	default:
		resp.Outbox = &stats
	}

	h.respondJSON(w, status, resp)
}

func (h *Handlers) productID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "productID"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, apperrors.InvalidInput, "invalid product id")
		return uuid.Nil, false
	}
	return id, true
}

// StatusFor maps an error kind to the HTTP status returned to the client.
func StatusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.InvalidURL, apperrors.InvalidInput:
		return http.StatusBadRequest
	case apperrors.NotFound:
		return http.StatusNotFound
	case apperrors.Unavailable, apperrors.PriceNotFound, apperrors.ParseError,
		apperrors.PriceParseError, apperrors.PageUnusable:
		return http.StatusUnprocessableEntity
	case apperrors.NavigationTimeout, apperrors.LaunchFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Helper methods
func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

type errorResponse struct {
	Error string         `json:"error"`
	Kind  apperrors.Kind `json:"kind"`
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, kind apperrors.Kind, message string) {
	h.respondJSON(w, status, errorResponse{Error: message, Kind: kind})
}

// respondAppError answers with the status of err's kind. Messages of
// server side failures are not passed to the client.
func (h *Handlers) respondAppError(w http.ResponseWriter, err error, msg string, attrs ...any) {
	kind := apperrors.KindOf(err)
	status := StatusFor(kind)

	message := err.Error()
	var tagged *apperrors.Error
	if errors.As(err, &tagged) && tagged.Message != "" {
		message = tagged.Message
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, append(attrs, "kind", kind, "error", err)...)
		if status == http.StatusInternalServerError {
			message = "internal error"
		}
	} else {
		h.logger.Info(msg, append(attrs, "kind", kind, "error", err)...)
	}

	h.respondError(w, status, kind, message)
}
