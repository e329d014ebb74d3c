package service

import (
	"context"
	"fmt"
	"time"

	"replenishment-engine/internal/models"
	"replenishment-engine/internal/store"
	"replenishment-engine/internal/util"

	"go.uber.org/zap"
)

// MovementService applies inbound consumption and receipt events to stock rows
type MovementService struct {
	store  store.Movements
	logger *zap.Logger
}

// NewMovementService creates a new movement service
func NewMovementService(movements store.Movements) *MovementService {
	return &MovementService{
		store:  movements,
		logger: util.GetLogger(),
	}
}

// HandleStockConsumed decrements on-hand stock and records the consumption sample
func (ms *MovementService) HandleStockConsumed(ctx context.Context, event *models.StockMovementEvent) error {
	ctx, span := util.StartSpan(ctx, "MovementService.HandleStockConsumed")
	defer span.End()

	return ms.once(ctx, event, func(ctx context.Context) error {
		at := event.OccurredAt
		if at.IsZero() {
			at = event.Timestamp
		}
		if at.IsZero() {
			at = time.Now().UTC()
		}

		applied, err := ms.store.ConsumeStock(ctx, event.ProductID, event.LocationID, event.Quantity, at)
		if err != nil {
			return fmt.Errorf("failed to consume stock: %w", err)
		}
		util.StockMovementsTotal.WithLabelValues("consumed").Inc()

		if applied < event.Quantity {
			util.StockMutationsFailed.WithLabelValues("consumption_shortfall").Inc()
			ms.logger.Warn("Consumption exceeded on-hand stock",
				zap.Int64("product_id", event.ProductID),
				zap.Int64("location_id", event.LocationID),
				zap.Int("requested", event.Quantity),
				zap.Int("applied", applied))
		}
		return nil
	})
}

// HandleStockReceived increments on-hand stock and reduces the on-order balance
func (ms *MovementService) HandleStockReceived(ctx context.Context, event *models.StockMovementEvent) error {
	ctx, span := util.StartSpan(ctx, "MovementService.HandleStockReceived")
	defer span.End()

	return ms.once(ctx, event, func(ctx context.Context) error {
		if err := ms.store.ReceiveStock(ctx, event.ProductID, event.LocationID, event.Quantity); err != nil {
			return fmt.Errorf("failed to receive stock: %w", err)
		}
		util.StockMovementsTotal.WithLabelValues("received").Inc()

		ms.logger.Info("Stock received",
			zap.Int64("product_id", event.ProductID),
			zap.Int64("location_id", event.LocationID),
			zap.Int("quantity", event.Quantity))
		return nil
	})
}

// once applies fn at most once per event id. Invalid events are marked processed and dropped.
func (ms *MovementService) once(ctx context.Context, event *models.StockMovementEvent, fn func(context.Context) error) error {
	processed, err := ms.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		ms.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	if event.Quantity <= 0 {
		util.StockMutationsFailed.WithLabelValues("invalid_movement").Inc()
		ms.logger.Warn("Dropping stock movement with non-positive quantity",
			zap.String("event_id", event.EventID),
			zap.String("type", event.EventType),
			zap.Int("quantity", event.Quantity))
	} else if err := fn(ctx); err != nil {
		return err
	}

	if err := ms.store.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		ms.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}
