package execution

import (
	"context"
	"errors"
	"fmt"

	"replenishment-engine/internal/broker"
	"replenishment-engine/internal/models"
	"replenishment-engine/internal/util"

	"go.uber.org/zap"
)

// clip fits quantity into a location's headroom; -1 headroom means unbounded
func clip(quantity, headroom int) (int, bool) {
	if headroom >= 0 && quantity > headroom {
		return headroom, true
	}
	return quantity, false
}

// mutate applies the mutation built by plan while holding the row locks. Every attempt
// takes the locks afresh, so backoff sleeps never hold them. An attempt that finds the
// ledger entry of an earlier attempt returns it instead of applying again.
func (e *Engine) mutate(ctx context.Context, d *models.Decision, keys []models.StockKey, plan func(ctx context.Context) (*models.Mutation, error)) (*models.Mutation, error) {
	var applied *models.Mutation
	attempt := 0
	err := util.Retry(ctx, e.cfg.Retry, "ApplyMutation", func(ctx context.Context) error {
		attempt++
		unlock := e.locks.Lock(keys...)
		defer unlock()

		if attempt > 1 {
			m, err := e.store.GetMutation(ctx, d.ID)
			if err == nil {
				applied = m
				return nil
			}
			if !errors.Is(err, models.ErrNotFound) {
				return err
			}
		}

		m, err := plan(ctx)
		if err != nil {
			return permanent(err)
		}
		if err := e.store.ApplyMutation(ctx, m); err != nil {
			return permanent(err)
		}
		applied = m
		return nil
	})
	if err != nil {
		return nil, dependencyError("ApplyMutation", err)
	}
	return applied, nil
}

// stockRow reads a row under the caller's lock; a missing row fails the precondition
func (e *Engine) stockRow(ctx context.Context, productID, locationID int64) (*models.LocationStock, error) {
	stock, err := e.store.GetCurrentStock(ctx, productID, locationID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return nil, models.PreconditionError("no stock row for product %d at location %d", productID, locationID)
	case err != nil:
		return nil, &models.DependencyError{Op: "GetCurrentStock", Err: err}
	}
	return stock, nil
}

func (e *Engine) reorder(ctx context.Context, d *models.Decision, p models.ReorderPayload) (impact models.ExecutionImpact, err error) {
	ctx, span := util.StartSpan(ctx, "Engine.reorder")
	defer func() { util.EndSpan(span, err) }()

	key := models.StockKey{ProductID: d.ProductID, LocationID: p.LocationID}
	m, err := e.mutate(ctx, d, []models.StockKey{key}, func(ctx context.Context) (*models.Mutation, error) {
		stock, err := e.stockRow(ctx, d.ProductID, p.LocationID)
		if err != nil {
			return nil, err
		}
		qty, _ := clip(p.Quantity, stock.Headroom())
		if qty <= 0 {
			return nil, models.PreconditionError("location %d is at capacity %d", p.LocationID, stock.MaxCapacity)
		}
		return &models.Mutation{
			DecisionID:   d.ID,
			Kind:         models.MutationOnOrder,
			ProductID:    d.ProductID,
			ToLocationID: p.LocationID,
			Quantity:     qty,
		}, nil
	})
	if err != nil {
		return impact, err
	}
	qty, clipped := m.Quantity, m.Quantity < p.Quantity

	poID, err := e.emitter.EmitPurchaseOrder(ctx, d.ID, p.SupplierID, d.ProductID, p.LocationID, qty, d.Priority)
	if err != nil {
		e.compensate(ctx, d, key)
		return impact, fmt.Errorf("failed to emit purchase order: %w", err)
	}

	if clipped {
		e.logger.Warn("Reorder clipped to location capacity",
			zap.String("decision_id", d.ID),
			zap.Int("requested", p.Quantity),
			zap.Int("ordered", qty))
	}
	return models.ExecutionImpact{UnitsOrdered: qty, PurchaseOrderID: poID, Clipped: clipped}, nil
}

func (e *Engine) transfer(ctx context.Context, d *models.Decision, p models.TransferPayload) (impact models.ExecutionImpact, err error) {
	ctx, span := util.StartSpan(ctx, "Engine.transfer")
	defer func() { util.EndSpan(span, err) }()

	fromKey := models.StockKey{ProductID: d.ProductID, LocationID: p.FromLocationID}
	toKey := models.StockKey{ProductID: d.ProductID, LocationID: p.ToLocationID}
	m, err := e.mutate(ctx, d, []models.StockKey{fromKey, toKey}, func(ctx context.Context) (*models.Mutation, error) {
		from, err := e.stockRow(ctx, d.ProductID, p.FromLocationID)
		if err != nil {
			return nil, err
		}
		to, err := e.stockRow(ctx, d.ProductID, p.ToLocationID)
		if err != nil {
			return nil, err
		}

		if from.CurrentQuantity < p.Quantity {
			return nil, models.PreconditionError("source location %d holds %d, transfer needs %d",
				p.FromLocationID, from.CurrentQuantity, p.Quantity)
		}
		qty, _ := clip(p.Quantity, to.Headroom())
		if qty <= 0 {
			return nil, models.PreconditionError("destination location %d is at capacity %d", p.ToLocationID, to.MaxCapacity)
		}
		return &models.Mutation{
			DecisionID:     d.ID,
			Kind:           models.MutationTransfer,
			ProductID:      d.ProductID,
			FromLocationID: p.FromLocationID,
			ToLocationID:   p.ToLocationID,
			Quantity:       qty,
		}, nil
	})
	if err != nil {
		return impact, err
	}
	qty := m.Quantity

	if err = e.emitter.EmitTransferRecommendation(ctx, d.ID, p.FromLocationID, p.ToLocationID, d.ProductID, qty, d.Priority); err != nil {
		e.compensate(ctx, d, fromKey, toKey)
		return impact, fmt.Errorf("failed to emit transfer: %w", err)
	}
	return models.ExecutionImpact{UnitsMoved: qty, Clipped: qty < p.Quantity}, nil
}

func (e *Engine) mitigate(ctx context.Context, d *models.Decision, p models.RiskMitigationPayload) (impact models.ExecutionImpact, err error) {
	ctx, span := util.StartSpan(ctx, "Engine.mitigate")
	defer func() { util.EndSpan(span, err) }()

	_, err = e.mutate(ctx, d, nil, func(ctx context.Context) (*models.Mutation, error) {
		return &models.Mutation{
			DecisionID:   d.ID,
			Kind:         models.MutationNone,
			ProductID:    d.ProductID,
			ToLocationID: p.LocationID,
		}, nil
	})
	if err != nil {
		return impact, err
	}

	alertType := broker.AlertStockoutRisk
	if p.Action == models.MitigationExpedite {
		alertType = broker.AlertExpediteRequest
	}
	payload := map[string]interface{}{
		"decision_id":         d.ID,
		"product_id":          d.ProductID,
		"location_id":         p.LocationID,
		"days_until_stockout": p.DaysUntilStockout,
		"action":              string(p.Action),
		"rationale":           d.Rationale,
	}
	if err = e.emitter.EmitAlert(ctx, alertType, p.RiskLevel, payload); err != nil {
		e.compensate(ctx, d)
		return impact, fmt.Errorf("failed to emit alert: %w", err)
	}
	return models.ExecutionImpact{AlertRaised: true}, nil
}

// compensate reverts an applied mutation after its outbound side failed
func (e *Engine) compensate(ctx context.Context, d *models.Decision, keys ...models.StockKey) {
	unlock := e.locks.Lock(keys...)
	defer unlock()

	if err := e.store.RevertMutation(ctx, d.ID); err != nil {
		e.logger.Error("Failed to revert mutation",
			zap.String("decision_id", d.ID),
			zap.Error(err))
		return
	}
	e.logger.Warn("Reverted mutation after emit failure", zap.String("decision_id", d.ID))
}
