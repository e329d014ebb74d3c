package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"replenishment-engine/internal/models"
	"replenishment-engine/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Alert types
const (
	AlertStockoutRisk    = "stockout_risk"
	AlertExpediteRequest = "expedite_request"
)

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// Emitter publishes replenishment outputs for external collaborators
type Emitter struct {
	publisher Publisher
}

// NewEmitter creates a new emitter
func NewEmitter(publisher Publisher) *Emitter {
	return &Emitter{publisher: publisher}
}

// EmitPurchaseOrder requests a purchase order and returns its id
func (e *Emitter) EmitPurchaseOrder(ctx context.Context, decisionID string, supplierID, productID, locationID int64, quantity int, priority models.Priority) (string, error) {
	event := &models.PurchaseOrderRequestedEvent{
		BaseEvent:       newBaseEvent(models.EventTypePurchaseOrderRequested),
		PurchaseOrderID: uuid.New().String(),
		SupplierID:      supplierID,
		ProductID:       productID,
		LocationID:      locationID,
		Quantity:        quantity,
		Priority:        priority,
		DecisionID:      decisionID,
	}
	key := fmt.Sprintf("product-%d", productID)
	if err := e.publisher.PublishEvent(ctx, key, event); err != nil {
		return "", err
	}
	return event.PurchaseOrderID, nil
}

// EmitTransferRecommendation publishes a stock transfer between locations
func (e *Emitter) EmitTransferRecommendation(ctx context.Context, decisionID string, fromLocationID, toLocationID, productID int64, quantity int, priority models.Priority) error {
	event := &models.TransferRecommendedEvent{
		BaseEvent:      newBaseEvent(models.EventTypeTransferRecommended),
		FromLocationID: fromLocationID,
		ToLocationID:   toLocationID,
		ProductID:      productID,
		Quantity:       quantity,
		Priority:       priority,
		DecisionID:     decisionID,
	}
	return e.publisher.PublishEvent(ctx, fmt.Sprintf("product-%d", productID), event)
}

// EmitDecisionOutcome publishes the final status of a decision
func (e *Emitter) EmitDecisionOutcome(ctx context.Context, d *models.Decision, impact models.ExecutionImpact) error {
	event := &models.DecisionOutcomeEvent{
		BaseEvent:  newBaseEvent(models.EventTypeDecisionOutcome),
		DecisionID: d.ID,
		Kind:       d.Kind(),
		Status:     d.Status,
		Impact:     impact,
		Error:      d.Error,
	}
	return e.publisher.PublishEvent(ctx, fmt.Sprintf("decision-%s", d.ID), event)
}

// EmitAlert forwards an alert to the notification sink
func (e *Emitter) EmitAlert(ctx context.Context, alertType string, severity models.RiskLevel, payload map[string]interface{}) error {
	event := &models.AlertEvent{
		BaseEvent: newBaseEvent(models.EventTypeAlert),
		AlertType: alertType,
		Severity:  severity,
		Payload:   payload,
	}
	return e.publisher.PublishEvent(ctx, fmt.Sprintf("alert-%s", alertType), event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onRunRequested  func(context.Context, *models.RunRequestedEvent) error
	onStockConsumed func(context.Context, *models.StockMovementEvent) error
	onStockReceived func(context.Context, *models.StockMovementEvent) error
	logger          *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnRunRequested registers a handler for RunRequested events
func (eh *EventHandler) OnRunRequested(handler func(context.Context, *models.RunRequestedEvent) error) {
	eh.onRunRequested = handler
}

// OnStockConsumed registers a handler for StockConsumed events
func (eh *EventHandler) OnStockConsumed(handler func(context.Context, *models.StockMovementEvent) error) {
	eh.onStockConsumed = handler
}

// OnStockReceived registers a handler for StockReceived events
func (eh *EventHandler) OnStockReceived(handler func(context.Context, *models.StockMovementEvent) error) {
	eh.onStockReceived = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeRunRequested:
		if eh.onRunRequested != nil {
			var event models.RunRequestedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal RunRequested event: %w", err)
			}
			return eh.onRunRequested(ctx, &event)
		}

	case models.EventTypeStockConsumed:
		if eh.onStockConsumed != nil {
			var event models.StockMovementEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal StockConsumed event: %w", err)
			}
			return eh.onStockConsumed(ctx, &event)
		}

	case models.EventTypeStockReceived:
		if eh.onStockReceived != nil {
			var event models.StockMovementEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal StockReceived event: %w", err)
			}
			return eh.onStockReceived(ctx, &event)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
