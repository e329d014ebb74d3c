package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Product represents catalog reference data for a product
type Product struct {
	ID              int64           `db:"id" json:"id"`
	SKU             string          `db:"sku" json:"sku"`
	Name            string          `db:"name" json:"name"`
	Category        string          `db:"category" json:"category"`
	UnitCost        decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	UnitPrice       decimal.Decimal `db:"unit_price" json:"unit_price"`
	SupplierID      int64           `db:"supplier_id" json:"supplier_id"`
	LeadTimeDays    int             `db:"lead_time_days" json:"lead_time_days"`
	MinimumOrderQty int             `db:"minimum_order_qty" json:"minimum_order_qty"`
}

// LocationRef identifies an active stocking location
type LocationRef struct {
	ID     int64  `db:"id" json:"id"`
	Name   string `db:"name" json:"name"`
	Region string `db:"region" json:"region"`
}

// LocationStock is the stock row for a product at a location
type LocationStock struct {
	ProductID       int64     `db:"product_id" json:"product_id"`
	LocationID      int64     `db:"location_id" json:"location_id"`
	CurrentQuantity int       `db:"current_quantity" json:"current_quantity"`
	OnOrderQuantity int       `db:"on_order_quantity" json:"on_order_quantity"`
	MaxCapacity     int       `db:"max_capacity" json:"max_capacity"`
	LastUpdated     time.Time `db:"last_updated" json:"last_updated"`
}

// Key returns the stock row key
func (s LocationStock) Key() StockKey {
	return StockKey{ProductID: s.ProductID, LocationID: s.LocationID}
}

// Headroom returns how many more units the location can accept.
// A zero MaxCapacity means unbounded and returns -1.
func (s LocationStock) Headroom() int {
	if s.MaxCapacity <= 0 {
		return -1
	}
	free := s.MaxCapacity - s.CurrentQuantity - s.OnOrderQuantity
	if free < 0 {
		return 0
	}
	return free
}

// ConsumptionSample is one day of consumption for a product at a location
type ConsumptionSample struct {
	ProductID  int64     `db:"product_id" json:"product_id"`
	LocationID int64     `db:"location_id" json:"location_id"`
	Date       time.Time `db:"sample_date" json:"date"`
	Quantity   float64   `db:"quantity_consumed" json:"quantity_consumed"`
}

// StockKey identifies a (product, location) stock row
type StockKey struct {
	ProductID  int64 `json:"product_id"`
	LocationID int64 `json:"location_id"`
}

func (k StockKey) String() string {
	return fmt.Sprintf("%d:%d", k.ProductID, k.LocationID)
}

// Less orders keys by product then location
func (k StockKey) Less(o StockKey) bool {
	if k.ProductID != o.ProductID {
		return k.ProductID < o.ProductID
	}
	return k.LocationID < o.LocationID
}

// RiskLevel classifies stockout urgency
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ParseRiskLevel parses a risk level name
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch RiskLevel(s) {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return RiskLevel(s), nil
	}
	return "", fmt.Errorf("unknown risk level %q", s)
}

// ProcessedEvent for idempotency of inbound events
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
