package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"ticket-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres error codes the store translates
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"

	paymentIDConstraint = "orders_payment_id_key"
)

type Store struct {
	db *sqlx.DB
}

var (
	_ Repository = (*Store)(nil)
	_ Outbox     = (*Store)(nil)
)

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreFromDB wraps an existing connection pool
func NewStoreFromDB(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, used by readiness checks
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema files in lexical order
func (s *Store) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("failed to apply %s: %w", name, err)
		}
	}
	return nil
}

const soldQuantityQuery = `
	SELECT COALESCE(SUM(ol.quantity), 0)
	FROM order_lines ol
	JOIN orders o ON o.id = ol.order_id
	WHERE ol.inventory_id = $1 AND o.status IN ('reserved', 'paid')`

// AvailableCapacity returns total capacity minus reserved-or-paid demand.
// Advisory only: the reservation transaction recomputes it under lock.
func (s *Store) AvailableCapacity(ctx context.Context, inventoryID int64) (int, error) {
	var available int
	err := s.db.GetContext(ctx, &available, `
		SELECT i.total_capacity - COALESCE((
			SELECT SUM(ol.quantity)
			FROM order_lines ol
			JOIN orders o ON o.id = ol.order_id
			WHERE ol.inventory_id = i.id AND o.status IN ('reserved', 'paid')
		), 0)
		FROM inventory i
		WHERE i.id = $1`, inventoryID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("inventory %d: %w", inventoryID, models.ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return available, nil
}

// ListAvailability retrieves the per-category capacity view of an occurrence
func (s *Store) ListAvailability(ctx context.Context, occurrenceID int64) ([]models.Availability, error) {
	var rows []models.Availability
	err := s.db.SelectContext(ctx, &rows, `
		SELECT i.id AS inventory_id, i.category_id, c.slug AS category_slug, c.name AS category_name,
		       COALESCE(pc.unit_price, 0) AS unit_price, i.total_capacity,
		       COALESCE(pc.fomo_threshold, 0) AS fomo_threshold,
		       COALESCE((
		           SELECT SUM(ol.quantity)
		           FROM order_lines ol
		           JOIN orders o ON o.id = ol.order_id
		           WHERE ol.inventory_id = i.id AND o.status IN ('reserved', 'paid')
		       ), 0) AS sold
		FROM inventory i
		JOIN ticket_categories c ON c.id = i.category_id
		LEFT JOIN daily_price_configs pc ON pc.occurrence_id = i.occurrence_id AND pc.category_id = i.category_id
		WHERE i.occurrence_id = $1
		ORDER BY i.category_id`, occurrenceID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// AdjustStock upserts the daily price config and recomputes the cached total
// capacity in the same transaction, holding the inventory row lock so no
// reservation interleaves with the change.
func (s *Store) AdjustStock(ctx context.Context, cfg models.DailyPriceConfig) (*models.InventoryRecord, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// The no-op DO UPDATE takes the row lock for an existing record.
	var inventoryID int64
	err = tx.GetContext(ctx, &inventoryID, `
		INSERT INTO inventory (occurrence_id, category_id, total_capacity)
		VALUES ($1, $2, 0)
		ON CONFLICT (occurrence_id, category_id) DO UPDATE SET updated_at = inventory.updated_at
		RETURNING id`, cfg.OccurrenceID, cfg.CategoryID)
	if err != nil {
		return nil, translate(err)
	}

	var sold int
	if err := tx.GetContext(ctx, &sold, soldQuantityQuery, inventoryID); err != nil {
		return nil, fmt.Errorf("failed to sum reserved quantity: %w", err)
	}

	capacity := models.TotalCapacity(cfg.NominalStock, cfg.OverbookingPct)
	if capacity < sold {
		return nil, fmt.Errorf("%w: capacity=%d, reserved=%d", models.ErrCapacityBelowSold, capacity, sold)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO daily_price_configs (occurrence_id, category_id, nominal_stock, unit_price, fomo_threshold, overbooking_pct)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (occurrence_id, category_id) DO UPDATE SET
			nominal_stock = EXCLUDED.nominal_stock,
			unit_price = EXCLUDED.unit_price,
			fomo_threshold = EXCLUDED.fomo_threshold,
			overbooking_pct = EXCLUDED.overbooking_pct,
			updated_at = NOW()`,
		cfg.OccurrenceID, cfg.CategoryID, cfg.NominalStock, cfg.UnitPrice, cfg.FomoThreshold, cfg.OverbookingPct)
	if err != nil {
		return nil, translate(err)
	}

	var record models.InventoryRecord
	err = tx.GetContext(ctx, &record, `
		UPDATE inventory SET total_capacity = $1, updated_at = NOW()
		WHERE id = $2
		RETURNING id, occurrence_id, category_id, total_capacity, updated_at`, capacity, inventoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to update capacity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &record, nil
}

// translate maps driver errors onto model sentinels
func translate(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			if pqErr.Constraint == paymentIDConstraint {
				return fmt.Errorf("%s: %w", pqErr.Constraint, models.ErrPaymentConflict)
			}
		case pqForeignKeyViolation:
			return fmt.Errorf("%s: %w", pqErr.Constraint, models.ErrNotFound)
		}
	}
	return err
}
