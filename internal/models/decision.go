package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DecisionKind is the closed set of decision types
type DecisionKind string

const (
	KindReorder        DecisionKind = "reorder"
	KindTransfer       DecisionKind = "transfer"
	KindRiskMitigation DecisionKind = "risk_mitigation"
)

// DecisionStatus is the lifecycle state of a decision
type DecisionStatus string

const (
	StatusProposed   DecisionStatus = "proposed"
	StatusQueued     DecisionStatus = "queued"
	StatusExecuting  DecisionStatus = "executing"
	StatusExecuted   DecisionStatus = "executed"
	StatusFailed     DecisionStatus = "failed"
	StatusSuperseded DecisionStatus = "superseded"
)

var transitions = map[DecisionStatus][]DecisionStatus{
	StatusProposed:  {StatusQueued, StatusSuperseded},
	StatusQueued:    {StatusExecuting, StatusSuperseded},
	StatusExecuting: {StatusExecuted, StatusFailed},
}

// Terminal reports whether no further transition is allowed
func (s DecisionStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusSuperseded
}

// Priority is the ordinal urgency of a decision
type Priority string

const (
	PriorityEmergency Priority = "emergency"
	PriorityCritical  Priority = "critical"
	PriorityHigh      Priority = "high"
	PriorityMedium    Priority = "medium"
	PriorityLow       Priority = "low"
)

// Impact is the estimated business impact of a decision
type Impact string

const (
	ImpactCritical Impact = "critical"
	ImpactHigh     Impact = "high"
	ImpactMedium   Impact = "medium"
	ImpactLow      Impact = "low"
)

// Effect is what a decision does to a single stock row
type Effect string

const (
	EffectReorder          Effect = "reorder"
	EffectEmergencyReorder Effect = "emergency_reorder"
	EffectTransferOut      Effect = "transfer_out"
	EffectTransferIn       Effect = "transfer_in"
	EffectRiskMitigation   Effect = "risk_mitigation"
)

// EffectTarget is one stock row touched by a decision
type EffectTarget struct {
	Key    StockKey
	Effect Effect
}

// DecisionPayload is implemented only by the payload types in this package
type DecisionPayload interface {
	Kind() DecisionKind
	Targets(productID int64) []EffectTarget
	Normalized() string
	isDecisionPayload()
}

// ReorderPayload asks the supplier for more stock at a location
type ReorderPayload struct {
	LocationID   int64   `json:"location_id"`
	SupplierID   int64   `json:"supplier_id"`
	Quantity     int     `json:"quantity"`
	Emergency    bool    `json:"emergency"`
	ReorderPoint float64 `json:"reorder_point"`
}

func (ReorderPayload) Kind() DecisionKind { return KindReorder }

func (p ReorderPayload) Targets(productID int64) []EffectTarget {
	effect := EffectReorder
	if p.Emergency {
		effect = EffectEmergencyReorder
	}
	return []EffectTarget{{Key: StockKey{ProductID: productID, LocationID: p.LocationID}, Effect: effect}}
}

func (p ReorderPayload) Normalized() string {
	return fmt.Sprintf("loc=%d|supplier=%d|qty=%d|emergency=%t", p.LocationID, p.SupplierID, p.Quantity, p.Emergency)
}

func (ReorderPayload) isDecisionPayload() {}

// TransferPayload moves stock from a surplus location to a deficit location
type TransferPayload struct {
	FromLocationID int64 `json:"from_location_id"`
	ToLocationID   int64 `json:"to_location_id"`
	Quantity       int   `json:"quantity"`
}

func (TransferPayload) Kind() DecisionKind { return KindTransfer }

func (p TransferPayload) Targets(productID int64) []EffectTarget {
	return []EffectTarget{
		{Key: StockKey{ProductID: productID, LocationID: p.FromLocationID}, Effect: EffectTransferOut},
		{Key: StockKey{ProductID: productID, LocationID: p.ToLocationID}, Effect: EffectTransferIn},
	}
}

func (p TransferPayload) Normalized() string {
	return fmt.Sprintf("from=%d|to=%d|qty=%d", p.FromLocationID, p.ToLocationID, p.Quantity)
}

func (TransferPayload) isDecisionPayload() {}

// MitigationAction is the concrete risk mitigation step
type MitigationAction string

const (
	// MitigationExpedite asks the supplier side to expedite inbound stock
	MitigationExpedite MitigationAction = "expedite"
	// MitigationAlert raises a stockout alert for manual handling
	MitigationAlert MitigationAction = "alert"
)

// RiskMitigationPayload raises an alert or expedite request for an at-risk location
type RiskMitigationPayload struct {
	LocationID        int64            `json:"location_id"`
	Action            MitigationAction `json:"action"`
	RiskLevel         RiskLevel        `json:"risk_level"`
	DaysUntilStockout int              `json:"days_until_stockout"`
}

func (RiskMitigationPayload) Kind() DecisionKind { return KindRiskMitigation }

func (p RiskMitigationPayload) Targets(productID int64) []EffectTarget {
	return []EffectTarget{{Key: StockKey{ProductID: productID, LocationID: p.LocationID}, Effect: EffectRiskMitigation}}
}

func (p RiskMitigationPayload) Normalized() string {
	return fmt.Sprintf("loc=%d|action=%s|risk=%s", p.LocationID, p.Action, p.RiskLevel)
}

func (RiskMitigationPayload) isDecisionPayload() {}

// DecodePayload restores a payload serialized as JSON under its kind
func DecodePayload(kind DecisionKind, raw []byte) (DecisionPayload, error) {
	var (
		payload DecisionPayload
		err     error
	)
	switch kind {
	case KindReorder:
		var p ReorderPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case KindTransfer:
		var p TransferPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case KindRiskMitigation:
		var p RiskMitigationPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	default:
		return nil, fmt.Errorf("unknown decision kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}
	return payload, nil
}

// Decision is a single proposed inventory action tracked through its lifecycle
type Decision struct {
	ID            string          `json:"id"`
	Source        string          `json:"source"`
	ProductID     int64           `json:"product_id"`
	Payload       DecisionPayload `json:"payload"`
	Priority      Priority        `json:"priority"`
	Confidence    float64         `json:"confidence"`
	Impact        Impact          `json:"estimated_impact"`
	ImpactValue   decimal.Decimal `json:"impact_value"`
	PriorityScore float64         `json:"priority_score"`
	Rationale     string          `json:"rationale"`
	Status        DecisionStatus  `json:"status"`
	RetryOf       string          `json:"retry_of,omitempty"`
	SupersededBy  string          `json:"superseded_by,omitempty"`
	Error         string          `json:"error,omitempty"`
	ScheduledAt   *time.Time      `json:"scheduled_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewDecision creates a proposed decision with a fresh id
func NewDecision(source string, productID int64, payload DecisionPayload, now time.Time) *Decision {
	return &Decision{
		ID:        uuid.New().String(),
		Source:    source,
		ProductID: productID,
		Payload:   payload,
		Status:    StatusProposed,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewRetryDecision proposes a fresh copy of a failed decision
func NewRetryDecision(failed *Decision, now time.Time) (*Decision, error) {
	if failed.Status != StatusFailed {
		return nil, fmt.Errorf("%w: retry of %s decision %s", ErrInvalidTransition, failed.Status, failed.ID)
	}
	d := NewDecision(failed.Source, failed.ProductID, failed.Payload, now)
	d.Priority = failed.Priority
	d.Confidence = failed.Confidence
	d.Impact = failed.Impact
	d.ImpactValue = failed.ImpactValue
	d.Rationale = failed.Rationale
	d.RetryOf = failed.ID
	return d, nil
}

// Kind returns the decision type carried by the payload
func (d *Decision) Kind() DecisionKind {
	if d.Payload == nil {
		return ""
	}
	return d.Payload.Kind()
}

// Targets returns the stock rows the decision touches
func (d *Decision) Targets() []EffectTarget {
	if d.Payload == nil {
		return nil
	}
	return d.Payload.Targets(d.ProductID)
}

// DedupKey identifies recommendations with identical source, type and payload
func (d *Decision) DedupKey() string {
	return fmt.Sprintf("%s|%s|%d|%s", d.Source, d.Kind(), d.ProductID, d.Payload.Normalized())
}

// Transition moves the decision to the next status
func (d *Decision) Transition(to DecisionStatus, now time.Time) error {
	for _, allowed := range transitions[d.Status] {
		if allowed == to {
			d.Status = to
			d.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s (decision %s)", ErrInvalidTransition, d.Status, to, d.ID)
}
