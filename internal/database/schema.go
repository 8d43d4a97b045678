package database

import (
	"context"
	"fmt"
)

// Prices are stored as NUMERIC(12,2) and exchanged with pgx as text so that
// decimal values never pass through a float.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id            UUID PRIMARY KEY,
		asin          TEXT NOT NULL,
		domain        TEXT NOT NULL,
		url           TEXT NOT NULL,
		title         TEXT NOT NULL,
		image         TEXT,
		current_price NUMERIC(12,2) NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT products_site_key UNIQUE (asin, domain)
	)`,
	`CREATE TABLE IF NOT EXISTS price_history (
		id          BIGSERIAL PRIMARY KEY,
		product_id  UUID NOT NULL REFERENCES products(id) ON DELETE CASCADE,
		price       NUMERIC(12,2) NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_history_product
		ON price_history (product_id, recorded_at)`,
	`CREATE TABLE IF NOT EXISTS price_alerts (
		id           UUID PRIMARY KEY,
		product_id   UUID NOT NULL REFERENCES products(id) ON DELETE CASCADE,
		user_id      UUID,
		email        TEXT NOT NULL,
		target_price NUMERIC(12,2) NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT price_alerts_subscriber_key UNIQUE (product_id, email)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_alerts_target
		ON price_alerts (product_id, target_price)`,
	`CREATE TABLE IF NOT EXISTS outbox_event (
		id             UUID PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        JSONB NOT NULL,
		target_stream  TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'pending',
		retry_count    INT NOT NULL DEFAULT 0,
		error_message  TEXT,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at   TIMESTAMPTZ,
		next_retry_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_event_pending
		ON outbox_event (status, next_retry_at)`,
}

// Migrate creates the tables the tracker needs. It is safe to run on every
// start.
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", i, err)
		}
	}
	return nil
}
