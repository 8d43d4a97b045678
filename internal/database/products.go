package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/maltedev/price-tracker/internal/apperrors"
	"github.com/maltedev/price-tracker/internal/models"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const productColumns = `id, asin, domain, url, title, image, current_price, created_at, updated_at`

func scanProduct(row pgx.Row) (*models.Product, error) {
	var (
		p     models.Product
		price string
	)
	err := row.Scan(&p.ID, &p.ASIN, &p.Domain, &p.URL, &p.Title, &p.Image, &price, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.CurrentPrice, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("invalid stored price %q: %w", price, err)
	}
	return &p, nil
}

// FindProduct loads a product and its price history. A missing product is
// reported as apperrors.NotFound.
func (db *DB) FindProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	p, err := findProduct(ctx, db.pool, `WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperrors.New(apperrors.NotFound, fmt.Sprintf("product %s not found", id))
	}
	return p, nil
}

// FindProductBySite returns the product tracked for (asin, domain), or nil
// when it is not tracked yet.
func (db *DB) FindProductBySite(ctx context.Context, asin, domain string) (*models.Product, error) {
	return findProduct(ctx, db.pool, `WHERE asin = $1 AND domain = $2`, asin, domain)
}

func findProduct(ctx context.Context, q querier, where string, args ...any) (*models.Product, error) {
	p, err := scanProduct(q.QueryRow(ctx, `SELECT `+productColumns+` FROM products `+where, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.Wrap(err, apperrors.PersistenceFailure, "failed to load product")
	}

	history, err := loadHistory(ctx, q, p.ID)
	if err != nil {
		return nil, err
	}
	p.PriceHistory = history
	return p, nil
}

func loadHistory(ctx context.Context, q querier, productID uuid.UUID) ([]models.PricePoint, error) {
	rows, err := q.Query(ctx, `
		SELECT price, recorded_at
		FROM price_history
		WHERE product_id = $1
		ORDER BY recorded_at ASC, id ASC`, productID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.PersistenceFailure, "failed to load price history")
	}
	defer rows.Close()

	history := []models.PricePoint{}
	for rows.Next() {
		var (
			price string
			point models.PricePoint
		)
		if err := rows.Scan(&price, &point.Timestamp); err != nil {
			return nil, apperrors.Wrap(err, apperrors.PersistenceFailure, "failed to scan price history")
		}
		if point.Price, err = decimal.NewFromString(price); err != nil {
			return nil, apperrors.Wrap(err, apperrors.PersistenceFailure, "invalid stored price")
		}
		history = append(history, point)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.PersistenceFailure, "error iterating price history")
	}
	return history, nil
}

// ListProducts loads every tracked product with its history.
func (db *DB) ListProducts(ctx context.Context) ([]*models.Product, error) {
	ids, err := db.ListProductIDs(ctx)
	if err != nil {
		return nil, err
	}

	products := make([]*models.Product, 0, len(ids))
	for _, id := range ids {
		p, err := findProduct(ctx, db.pool, `WHERE id = $1`, id)
		if err != nil {
			return nil, err
		}
		// deleted between the two queries
		if p == nil {
			continue
		}
		products = append(products, p)
	}
	return products, nil
}

// ListProductIDs returns the ids of all tracked products, oldest first.
func (db *DB) ListProductIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx, `SELECT id FROM products ORDER BY created_at ASC`)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.PersistenceFailure, "failed to list products")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.PersistenceFailure, "failed to scan product ids")
	}
	return ids, nil
}

// InsertProduct stores a newly scraped product together with events. When
// another request already tracked the same (asin, domain), the stored product
// is returned instead, created is false and no event is queued.
func (db *DB) InsertProduct(ctx context.Context, p *models.Product, events ...*OutboxEvent) (stored *models.Product, created bool, err error) {
	err = db.Transaction(ctx, func(tx pgx.Tx) error {
		var id uuid.UUID
		err := tx.QueryRow(ctx, `
			INSERT INTO products (`+productColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT ON CONSTRAINT products_site_key DO NOTHING
			RETURNING id`,
			p.ID, p.ASIN, p.Domain, p.URL, p.Title, p.Image, p.CurrentPrice.String(), p.CreatedAt, p.UpdatedAt,
		).Scan(&id)

		if errors.Is(err, pgx.ErrNoRows) {
			stored, err = findProduct(ctx, tx, `WHERE asin = $1 AND domain = $2`, p.ASIN, p.Domain)
			if err != nil {
				return err
			}
			if stored == nil {
				return apperrors.New(apperrors.PersistenceFailure, "product conflict without a stored row")
			}
			return nil
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.PersistenceFailure, "failed to insert product")
		}

		if err := insertHistory(ctx, tx, p.ID, p.PriceHistory); err != nil {
			return err
		}
		for _, event := range events {
			if err := insertOutboxEvent(ctx, tx, event); err != nil {
				return apperrors.Wrap(err, apperrors.PersistenceFailure, "failed to queue event")
			}
		}
		stored, created = p, true
		return nil
	})
	if err != nil {
		return nil, false, tagPersistence(err)
	}
	return stored, created, nil
}

// SaveProduct writes the product's mutable fields and replaces its stored
// history with p.PriceHistory. events are added to the outbox in the same
// transaction.
func (db *DB) SaveProduct(ctx context.Context, p *models.Product, events ...*OutboxEvent) error {
	err := db.Transaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE products
			SET title = $2, image = $3, current_price = $4, updated_at = $5
			WHERE id = $1`,
			p.ID, p.Title, p.Image, p.CurrentPrice.String(), p.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.PersistenceFailure, "failed to update product")
		}
		if tag.RowsAffected() == 0 {
			return apperrors.New(apperrors.NotFound, fmt.Sprintf("product %s not found", p.ID))
		}

		if _, err := tx.Exec(ctx, `DELETE FROM price_history WHERE product_id = $1`, p.ID); err != nil {
			return apperrors.Wrap(err, apperrors.PersistenceFailure, "failed to clear price history")
		}
		if err := insertHistory(ctx, tx, p.ID, p.PriceHistory); err != nil {
			return err
		}

		for _, event := range events {
			if err := insertOutboxEvent(ctx, tx, event); err != nil {
				return apperrors.Wrap(err, apperrors.PersistenceFailure, "failed to queue event")
			}
		}
		return nil
	})
	return tagPersistence(err)
}

func insertHistory(ctx context.Context, tx pgx.Tx, productID uuid.UUID, history []models.PricePoint) error {
	if len(history) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, point := range history {
		batch.Queue(`INSERT INTO price_history (product_id, price, recorded_at) VALUES ($1, $2, $3)`,
			productID, point.Price.String(), point.Timestamp)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return apperrors.Wrap(err, apperrors.PersistenceFailure, "failed to insert price history")
	}
	return nil
}

// tagPersistence leaves tagged errors alone and marks everything else, such
// as begin or commit failures, as a persistence failure.
func tagPersistence(err error) error {
	if err == nil {
		return nil
	}
	var tagged *apperrors.Error
	if errors.As(err, &tagged) {
		return err
	}
	return apperrors.Wrap(err, apperrors.PersistenceFailure, "database transaction failed")
}
