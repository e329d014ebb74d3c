package models

import "time"

// Event types
const (
	EventTypePurchaseOrderRequested = "PURCHASE_ORDER_REQUESTED"
	EventTypeTransferRecommended    = "TRANSFER_RECOMMENDED"
	EventTypeDecisionOutcome        = "DECISION_OUTCOME"
	EventTypeAlert                  = "ALERT"
	EventTypeRunRequested           = "RUN_REQUESTED"
	EventTypeStockConsumed          = "STOCK_CONSUMED"
	EventTypeStockReceived          = "STOCK_RECEIVED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PurchaseOrderRequestedEvent asks the purchase-order system to place an order
type PurchaseOrderRequestedEvent struct {
	BaseEvent
	PurchaseOrderID string   `json:"po_id"`
	SupplierID      int64    `json:"supplier_id"`
	ProductID       int64    `json:"product_id"`
	LocationID      int64    `json:"location_id"`
	Quantity        int      `json:"quantity"`
	Priority        Priority `json:"priority"`
	DecisionID      string   `json:"decision_id"`
}

// TransferRecommendedEvent tells the warehouse system to move stock
type TransferRecommendedEvent struct {
	BaseEvent
	FromLocationID int64    `json:"from_location_id"`
	ToLocationID   int64    `json:"to_location_id"`
	ProductID      int64    `json:"product_id"`
	Quantity       int      `json:"quantity"`
	Priority       Priority `json:"priority"`
	DecisionID     string   `json:"decision_id"`
}

// DecisionOutcomeEvent reports the final state of a decision for telemetry consumers
type DecisionOutcomeEvent struct {
	BaseEvent
	DecisionID string          `json:"decision_id"`
	Kind       DecisionKind    `json:"kind"`
	Status     DecisionStatus  `json:"status"`
	Impact     ExecutionImpact `json:"impact"`
	Error      string          `json:"error,omitempty"`
}

// AlertEvent is forwarded to the external notification sink
type AlertEvent struct {
	BaseEvent
	AlertType string                 `json:"alert_type"`
	Severity  RiskLevel              `json:"severity"`
	Payload   map[string]interface{} `json:"payload"`
}

// RunRequestedEvent triggers a replenishment run
type RunRequestedEvent struct {
	BaseEvent
	RequestedBy string `json:"requested_by"`
}

// StockMovementEvent is an external consumption or receipt
type StockMovementEvent struct {
	BaseEvent
	ProductID  int64     `json:"product_id"`
	LocationID int64     `json:"location_id"`
	Quantity   int       `json:"quantity"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ExecutionImpact describes what an executed decision changed
type ExecutionImpact struct {
	UnitsMoved      int    `json:"units_moved,omitempty"`
	UnitsOrdered    int    `json:"units_ordered,omitempty"`
	PurchaseOrderID string `json:"po_id,omitempty"`
	AlertRaised     bool   `json:"alert_raised,omitempty"`
	Clipped         bool   `json:"clipped,omitempty"`
}
