package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/maltedev/price-tracker/internal/apperrors"
	"github.com/maltedev/price-tracker/internal/models"
)

const foreignKeyViolation = "23503"

// CreateSubscription stores a price alert. A second subscription for the same
// product and email replaces the target price of the first one.
func (db *DB) CreateSubscription(ctx context.Context, a *models.PriceAlert) (*models.PriceAlert, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	err := db.pool.QueryRow(ctx, `
		INSERT INTO price_alerts (id, product_id, user_id, email, target_price)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ON CONSTRAINT price_alerts_subscriber_key DO UPDATE
			SET target_price = EXCLUDED.target_price,
			    user_id = COALESCE(EXCLUDED.user_id, price_alerts.user_id)
		RETURNING id, created_at`,
		a.ID, a.ProductID, a.UserID, a.Email, a.TargetPrice.String(),
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return nil, apperrors.New(apperrors.NotFound, fmt.Sprintf("product %s not found", a.ProductID))
		}
		return nil, apperrors.Wrap(err, apperrors.PersistenceFailure, "failed to create subscription")
	}

	return a, nil
}

// FindSubscriptionsForProduct returns the alerts of a product whose target is
// at or above minTarget, oldest first.
func (db *DB) FindSubscriptionsForProduct(ctx context.Context, productID uuid.UUID, minTarget decimal.Decimal) ([]*models.PriceAlert, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, product_id, user_id, email, target_price, created_at
		FROM price_alerts
		WHERE product_id = $1 AND target_price >= $2
		ORDER BY created_at ASC`, productID, minTarget.String())
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.PersistenceFailure, "failed to query subscriptions")
	}
	defer rows.Close()

	var alerts []*models.PriceAlert
	for rows.Next() {
		var (
			a      models.PriceAlert
			target string
		)
		if err := rows.Scan(&a.ID, &a.ProductID, &a.UserID, &a.Email, &target, &a.CreatedAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.PersistenceFailure, "failed to scan subscription")
		}
		if a.TargetPrice, err = decimal.NewFromString(target); err != nil {
			return nil, apperrors.Wrap(err, apperrors.PersistenceFailure, "invalid stored target price")
		}
		alerts = append(alerts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.PersistenceFailure, "error iterating subscriptions")
	}

	return alerts, nil
}

// DeleteSubscription removes an alert and reports whether this call removed
// it. Deleting an alert that is already gone is not an error. Callers that
// must act at most once per alert act only when it returns true.
func (db *DB) DeleteSubscription(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM price_alerts WHERE id = $1`, id)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.PersistenceFailure, "failed to delete subscription")
	}
	return tag.RowsAffected() == 1, nil
}
