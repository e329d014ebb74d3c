package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"replenishment-engine/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Catalog is the product and location reference data
type Catalog interface {
	GetProducts(ctx context.Context) ([]models.Product, error)
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
	GetActiveLocations(ctx context.Context) ([]models.LocationRef, error)
}

// StockReader reads stock rows and consumption history
type StockReader interface {
	ListStock(ctx context.Context) ([]models.LocationStock, error)
	GetCurrentStock(ctx context.Context, productID, locationID int64) (*models.LocationStock, error)
	GetConsumptionHistory(ctx context.Context, productID, locationID int64, since time.Time) ([]models.ConsumptionSample, error)
}

// Ledger applies decision stock mutations exactly once per decision id
type Ledger interface {
	ApplyMutation(ctx context.Context, m *models.Mutation) error
	RevertMutation(ctx context.Context, decisionID string) error
	GetMutation(ctx context.Context, decisionID string) (*models.Mutation, error)
}

// Movements applies inbound stock movement events
type Movements interface {
	ConsumeStock(ctx context.Context, productID, locationID int64, quantity int, at time.Time) (int, error)
	ReceiveStock(ctx context.Context, productID, locationID int64, quantity int) error
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// DecisionLog is the audit trail of decisions and run reports
type DecisionLog interface {
	SaveDecision(ctx context.Context, runID string, d *models.Decision) error
	GetDecision(ctx context.Context, id string) (*models.Decision, error)
	ListDecisions(ctx context.Context, runID string) ([]*models.Decision, error)
	SaveRunReport(ctx context.Context, r *models.RunReport) error
	GetLastRunReport(ctx context.Context) (*models.RunReport, error)
}

// Store is everything the engine needs from persistence
type Store interface {
	Catalog
	StockReader
	Ledger
	Movements
	DecisionLog
	Ping(ctx context.Context) error
	Close() error
}

//go:embed migrations/schema.sql
var schema string

// PostgresStore implements Store on postgres
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new database store
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
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

	return &PostgresStore{db: db}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates missing tables and indexes
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection
func (s *PostgresStore) GetDB() *sqlx.DB {
	return s.db
}

const productColumns = `id, sku, name, category, unit_cost, unit_price, supplier_id, lead_time_days, minimum_order_qty`

// GetProductByID retrieves a product by ID
func (s *PostgresStore) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT "+productColumns+" FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProducts retrieves all products
func (s *PostgresStore) GetProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := s.db.SelectContext(ctx, &products, "SELECT "+productColumns+" FROM products ORDER BY id")
	return products, err
}

// GetProductsByIDs retrieves multiple products by IDs
func (s *PostgresStore) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT "+productColumns+" FROM products WHERE id IN (?) ORDER BY id", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	err = s.db.SelectContext(ctx, &products, query, args...)
	return products, err
}

// GetActiveLocations retrieves all active stocking locations
func (s *PostgresStore) GetActiveLocations(ctx context.Context) ([]models.LocationRef, error) {
	var locations []models.LocationRef
	err := s.db.SelectContext(ctx, &locations,
		"SELECT id, name, region FROM locations WHERE active ORDER BY id")
	return locations, err
}

const stockColumns = `product_id, location_id, current_quantity, on_order_quantity, max_capacity, last_updated`

// ListStock retrieves every stock row
func (s *PostgresStore) ListStock(ctx context.Context) ([]models.LocationStock, error) {
	var rows []models.LocationStock
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+stockColumns+" FROM location_stock ORDER BY product_id, location_id")
	return rows, err
}

// GetCurrentStock retrieves the stock row of a product at a location
func (s *PostgresStore) GetCurrentStock(ctx context.Context, productID, locationID int64) (*models.LocationStock, error) {
	var stock models.LocationStock
	err := s.db.GetContext(ctx, &stock,
		"SELECT "+stockColumns+" FROM location_stock WHERE product_id = $1 AND location_id = $2",
		productID, locationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stock %d:%d: %w", productID, locationID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &stock, nil
}

// GetConsumptionHistory retrieves daily consumption since the given day
func (s *PostgresStore) GetConsumptionHistory(ctx context.Context, productID, locationID int64, since time.Time) ([]models.ConsumptionSample, error) {
	var samples []models.ConsumptionSample
	err := s.db.SelectContext(ctx, &samples, `
		SELECT product_id, location_id, sample_date, quantity_consumed
		FROM consumption_history
		WHERE product_id = $1 AND location_id = $2 AND sample_date >= $3
		ORDER BY sample_date`,
		productID, locationID, since)
	return samples, err
}

// IsEventProcessed checks if an event has been processed
func (s *PostgresStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *PostgresStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
