package replenishment

import (
	"math"
	"time"

	"replenishment-engine/internal/forecast"
	"replenishment-engine/internal/models"

	"github.com/shopspring/decimal"
)

// DefaultEOQ is used when the holding cost is not positive
const DefaultEOQ = 100

const daysPerYear = 365

// CostParams are the economic inputs shared by all products in a run
type CostParams struct {
	OrderCost       decimal.Decimal
	HoldingCostRate float64
}

// Plan is the derived replenishment plan for one (product, location)
type Plan struct {
	ProductID            int64          `json:"product_id"`
	LocationID           int64          `json:"location_id"`
	SafetyStock          float64        `json:"safety_stock"`
	ReorderPoint         float64        `json:"reorder_point"`
	EOQ                  int            `json:"eoq"`
	RecommendedQuantity  int            `json:"recommended_quantity"`
	RecommendedOrderDate *time.Time     `json:"recommended_order_date,omitempty"`
	LeadTimeDays         int            `json:"lead_time_days"`
	SupplierID           int64          `json:"supplier_id"`
	Guards               []models.Guard `json:"guards,omitempty"`
}

// BelowReorderPoint reports whether the given stock has crossed the reorder point
func (p *Plan) BelowReorderPoint(stock int) bool {
	return p.RecommendedOrderDate != nil && float64(stock) < p.ReorderPoint
}

// Calculator computes safety stock, reorder point and EOQ
type Calculator struct {
	costs           CostParams
	defaultLeadTime int
}

// NewCalculator creates a calculator
func NewCalculator(costs CostParams, defaultLeadTime int) *Calculator {
	if defaultLeadTime <= 0 {
		defaultLeadTime = 7
	}
	return &Calculator{costs: costs, defaultLeadTime: defaultLeadTime}
}

// Calculate derives the plan for one pair. stock is the position compared against the
// reorder point; now anchors the recommended order date.
func (c *Calculator) Calculate(fc *forecast.Forecast, product models.Product, stock int, now time.Time) *Plan {
	leadTime := product.LeadTimeDays
	if leadTime <= 0 {
		leadTime = c.defaultLeadTime
	}

	plan := &Plan{
		ProductID:    fc.ProductID,
		LocationID:   fc.LocationID,
		LeadTimeDays: leadTime,
		SupplierID:   product.SupplierID,
	}

	demand := fc.AverageDailyDemand
	lt := float64(leadTime)
	plan.SafetyStock = demand * lt * (1 + fc.Volatility)
	plan.ReorderPoint = demand*lt + plan.SafetyStock

	eoq, guard := EOQ(demand*daysPerYear, c.costs.OrderCost, product.UnitCost, c.costs.HoldingCostRate)
	if guard != "" {
		plan.Guards = append(plan.Guards, guard)
	}
	plan.EOQ = eoq
	plan.RecommendedQuantity = eoq
	if product.MinimumOrderQty > plan.RecommendedQuantity {
		plan.RecommendedQuantity = product.MinimumOrderQty
	}

	if demand <= 0 {
		plan.Guards = append(plan.Guards, models.GuardZeroDemand)
		return plan
	}

	days := math.Max(0, (float64(stock)-plan.ReorderPoint)/demand)
	orderDate := now.Add(time.Duration(days * float64(24*time.Hour)))
	plan.RecommendedOrderDate = &orderDate

	return plan
}

// EOQ returns ceil(sqrt(2·D·S/H)) with H = unitCost × holdingRate.
// A non-positive holding cost falls back to DefaultEOQ.
func EOQ(annualDemand float64, orderCost, unitCost decimal.Decimal, holdingRate float64) (int, models.Guard) {
	holding := unitCost.InexactFloat64() * holdingRate
	if holding <= 0 {
		return DefaultEOQ, models.GuardZeroHoldingCost
	}
	if annualDemand <= 0 {
		return 0, ""
	}
	q := math.Sqrt(2 * annualDemand * orderCost.InexactFloat64() / holding)
	return int(math.Ceil(q - 1e-9)), ""
}
