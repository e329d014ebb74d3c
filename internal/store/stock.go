package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"replenishment-engine/internal/models"

	"github.com/jmoiron/sqlx"
)

// CheckOnOrder validates adding quantity to a location's inbound balance
func CheckOnOrder(stock *models.LocationStock, quantity int) error {
	if quantity <= 0 {
		return models.PreconditionError("non-positive order quantity %d", quantity)
	}
	if room := stock.Headroom(); room >= 0 && quantity > room {
		return models.PreconditionError("location %d has room for %d, ordering %d", stock.LocationID, room, quantity)
	}
	return nil
}

// CheckTransfer validates moving quantity between two stock rows
func CheckTransfer(from, to *models.LocationStock, quantity int) error {
	if quantity <= 0 {
		return models.PreconditionError("non-positive transfer quantity %d", quantity)
	}
	if from.CurrentQuantity < quantity {
		return models.PreconditionError("location %d holds %d, transfer needs %d",
			from.LocationID, from.CurrentQuantity, quantity)
	}
	if room := to.Headroom(); room >= 0 && quantity > room {
		return models.PreconditionError("location %d has room for %d, transfer brings %d",
			to.LocationID, room, quantity)
	}
	return nil
}

// ApplyMutation records the ledger entry and applies the stock change in one transaction.
// Rows are locked FOR UPDATE in location order.
func (s *PostgresStore) ApplyMutation(ctx context.Context, m *models.Mutation) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if m.AppliedAt.IsZero() {
		m.AppliedAt = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO decision_mutations (decision_id, kind, product_id, from_location_id, to_location_id, quantity, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (decision_id) DO NOTHING`,
		m.DecisionID, m.Kind, m.ProductID, m.FromLocationID, m.ToLocationID, m.Quantity, m.AppliedAt)
	if err != nil {
		return fmt.Errorf("failed to record mutation: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("decision %s: %w", m.DecisionID, models.ErrAlreadyApplied)
	}

	switch m.Kind {
	case models.MutationOnOrder:
		stock, err := lockStock(ctx, tx, m.ProductID, m.ToLocationID)
		if err != nil {
			return err
		}
		if err := CheckOnOrder(stock, m.Quantity); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE location_stock SET on_order_quantity = on_order_quantity + $1, last_updated = NOW()
			WHERE product_id = $2 AND location_id = $3`,
			m.Quantity, m.ProductID, m.ToLocationID)
		if err != nil {
			return fmt.Errorf("failed to add on-order stock: %w", err)
		}

	case models.MutationTransfer:
		from, to, err := lockPair(ctx, tx, m.ProductID, m.FromLocationID, m.ToLocationID)
		if err != nil {
			return err
		}
		if err := CheckTransfer(from, to, m.Quantity); err != nil {
			return err
		}
		if err := moveStock(ctx, tx, m.ProductID, m.FromLocationID, m.ToLocationID, m.Quantity); err != nil {
			return err
		}

	case models.MutationNone:
	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}

	return tx.Commit()
}

// RevertMutation undoes a ledger entry (compensation when the outbound side fails)
func (s *PostgresStore) RevertMutation(ctx context.Context, decisionID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var m models.Mutation
	err = tx.GetContext(ctx, &m, `
		SELECT decision_id, kind, product_id, from_location_id, to_location_id, quantity, applied_at
		FROM decision_mutations WHERE decision_id = $1 FOR UPDATE`, decisionID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("mutation %s: %w", decisionID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock mutation: %w", err)
	}

	switch m.Kind {
	case models.MutationOnOrder:
		if _, err := lockStock(ctx, tx, m.ProductID, m.ToLocationID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE location_stock SET on_order_quantity = GREATEST(on_order_quantity - $1, 0), last_updated = NOW()
			WHERE product_id = $2 AND location_id = $3`,
			m.Quantity, m.ProductID, m.ToLocationID)
		if err != nil {
			return fmt.Errorf("failed to release on-order stock: %w", err)
		}
	case models.MutationTransfer:
		_, to, err := lockPair(ctx, tx, m.ProductID, m.FromLocationID, m.ToLocationID)
		if err != nil {
			return err
		}
		qty := m.Quantity
		if to.CurrentQuantity < qty {
			qty = to.CurrentQuantity
		}
		if err := moveStock(ctx, tx, m.ProductID, m.ToLocationID, m.FromLocationID, qty); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM decision_mutations WHERE decision_id = $1", decisionID); err != nil {
		return fmt.Errorf("failed to delete mutation: %w", err)
	}
	return tx.Commit()
}

// GetMutation retrieves the ledger entry of a decision
func (s *PostgresStore) GetMutation(ctx context.Context, decisionID string) (*models.Mutation, error) {
	var m models.Mutation
	err := s.db.GetContext(ctx, &m, `
		SELECT decision_id, kind, product_id, from_location_id, to_location_id, quantity, applied_at
		FROM decision_mutations WHERE decision_id = $1`, decisionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mutation %s: %w", decisionID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ConsumeStock records consumption and decrements on-hand stock, never below zero.
// It returns the quantity actually taken from stock.
func (s *PostgresStore) ConsumeStock(ctx context.Context, productID, locationID int64, quantity int, at time.Time) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stock, err := lockStock(ctx, tx, productID, locationID)
	if err != nil {
		return 0, err
	}
	applied := quantity
	if stock.CurrentQuantity < applied {
		applied = stock.CurrentQuantity
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE location_stock SET current_quantity = current_quantity - $1, last_updated = NOW()
		WHERE product_id = $2 AND location_id = $3`,
		applied, productID, locationID)
	if err != nil {
		return 0, fmt.Errorf("failed to consume stock: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO consumption_history (product_id, location_id, sample_date, quantity_consumed)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (product_id, location_id, sample_date)
		DO UPDATE SET quantity_consumed = consumption_history.quantity_consumed + EXCLUDED.quantity_consumed`,
		productID, locationID, at.UTC().Truncate(24*time.Hour), applied)
	if err != nil {
		return 0, fmt.Errorf("failed to record consumption: %w", err)
	}

	return applied, tx.Commit()
}

// ReceiveStock books an inbound delivery against the on-order balance
func (s *PostgresStore) ReceiveStock(ctx context.Context, productID, locationID int64, quantity int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE location_stock
		SET current_quantity = current_quantity + $1,
		    on_order_quantity = GREATEST(on_order_quantity - $1, 0),
		    last_updated = NOW()
		WHERE product_id = $2 AND location_id = $3`,
		quantity, productID, locationID)
	if err != nil {
		return fmt.Errorf("failed to receive stock: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("stock %d:%d: %w", productID, locationID, models.ErrNotFound)
	}
	return err
}

func lockStock(ctx context.Context, tx *sqlx.Tx, productID, locationID int64) (*models.LocationStock, error) {
	var stock models.LocationStock
	err := tx.GetContext(ctx, &stock,
		"SELECT "+stockColumns+" FROM location_stock WHERE product_id = $1 AND location_id = $2 FOR UPDATE",
		productID, locationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stock %d:%d: %w", productID, locationID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock stock: %w", err)
	}
	return &stock, nil
}

// lockPair locks both rows in location order so concurrent transfers cannot deadlock
func lockPair(ctx context.Context, tx *sqlx.Tx, productID, fromID, toID int64) (*models.LocationStock, *models.LocationStock, error) {
	var rows []models.LocationStock
	err := tx.SelectContext(ctx, &rows,
		"SELECT "+stockColumns+" FROM location_stock WHERE product_id = $1 AND location_id IN ($2, $3) ORDER BY location_id FOR UPDATE",
		productID, fromID, toID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock stock: %w", err)
	}

	var from, to *models.LocationStock
	for i := range rows {
		switch rows[i].LocationID {
		case fromID:
			from = &rows[i]
		case toID:
			to = &rows[i]
		}
	}
	if from == nil {
		return nil, nil, fmt.Errorf("stock %d:%d: %w", productID, fromID, models.ErrNotFound)
	}
	if to == nil {
		return nil, nil, fmt.Errorf("stock %d:%d: %w", productID, toID, models.ErrNotFound)
	}
	return from, to, nil
}

func moveStock(ctx context.Context, tx *sqlx.Tx, productID, fromID, toID int64, quantity int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE location_stock SET current_quantity = current_quantity - $1, last_updated = NOW()
		WHERE product_id = $2 AND location_id = $3`,
		quantity, productID, fromID)
	if err != nil {
		return fmt.Errorf("failed to debit stock: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE location_stock SET current_quantity = current_quantity + $1, last_updated = NOW()
		WHERE product_id = $2 AND location_id = $3`,
		quantity, productID, toID)
	if err != nil {
		return fmt.Errorf("failed to credit stock: %w", err)
	}
	return nil
}
