package replenishment

import (
	"context"
	"testing"
	"time"

	"replenishment-engine/internal/forecast"
	"replenishment-engine/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func testCalculator() *Calculator {
	return NewCalculator(CostParams{
		OrderCost:       decimal.NewFromInt(50),
		HoldingCostRate: 0.25,
	}, 7)
}

func testProduct() models.Product {
	return models.Product{
		ID:              1,
		UnitCost:        decimal.NewFromInt(10),
		UnitPrice:       decimal.NewFromInt(18),
		SupplierID:      77,
		LeadTimeDays:    7,
		MinimumOrderQty: 400,
	}
}

func TestCalculateReorderScenario(t *testing.T) {
	fc := &forecast.Forecast{ProductID: 1, LocationID: 2, AverageDailyDemand: 10, Volatility: 0.2, Confidence: 0.8}

	plan := testCalculator().Calculate(fc, testProduct(), 50, now)

	assert.InDelta(t, 84.0, plan.SafetyStock, 1e-9)
	assert.InDelta(t, 154.0, plan.ReorderPoint, 1e-9)
	assert.Equal(t, 383, plan.EOQ)
	assert.Equal(t, 400, plan.RecommendedQuantity)
	require.NotNil(t, plan.RecommendedOrderDate)
	assert.Equal(t, now, *plan.RecommendedOrderDate)
	assert.True(t, plan.BelowReorderPoint(50))
	assert.Equal(t, int64(77), plan.SupplierID)
	assert.Empty(t, plan.Guards)
}

func TestCalculateEOQAboveMinimum(t *testing.T) {
	fc := &forecast.Forecast{AverageDailyDemand: 10, Volatility: 0.2}
	product := testProduct()
	product.MinimumOrderQty = 50

	plan := testCalculator().Calculate(fc, product, 50, now)

	assert.Equal(t, 383, plan.RecommendedQuantity)
}

func TestCalculateFutureOrderDate(t *testing.T) {
	fc := &forecast.Forecast{AverageDailyDemand: 10, Volatility: 0}

	plan := testCalculator().Calculate(fc, testProduct(), 340, now)

	// ROP = 140; (340-140)/10 = 20 days
	require.NotNil(t, plan.RecommendedOrderDate)
	assert.Equal(t, now.AddDate(0, 0, 20), *plan.RecommendedOrderDate)
	assert.False(t, plan.BelowReorderPoint(340))
}

func TestCalculateZeroDemandGuard(t *testing.T) {
	fc := &forecast.Forecast{AverageDailyDemand: 0}

	plan := testCalculator().Calculate(fc, testProduct(), 10, now)

	assert.Nil(t, plan.RecommendedOrderDate)
	assert.Contains(t, plan.Guards, models.GuardZeroDemand)
	assert.False(t, plan.BelowReorderPoint(0))
}

func TestCalculateZeroHoldingCostFallback(t *testing.T) {
	fc := &forecast.Forecast{AverageDailyDemand: 10}
	product := testProduct()
	product.UnitCost = decimal.Zero
	product.MinimumOrderQty = 0

	plan := testCalculator().Calculate(fc, product, 10, now)

	assert.Equal(t, DefaultEOQ, plan.EOQ)
	assert.Equal(t, DefaultEOQ, plan.RecommendedQuantity)
	assert.Contains(t, plan.Guards, models.GuardZeroHoldingCost)
}

func TestCalculateDefaultLeadTime(t *testing.T) {
	fc := &forecast.Forecast{AverageDailyDemand: 2}
	product := testProduct()
	product.LeadTimeDays = 0

	plan := NewCalculator(CostParams{OrderCost: decimal.NewFromInt(50), HoldingCostRate: 0.25}, 5).Calculate(fc, product, 0, now)

	assert.Equal(t, 5, plan.LeadTimeDays)
	assert.InDelta(t, 20.0, plan.ReorderPoint, 1e-9)
}

func TestEOQMonotonic(t *testing.T) {
	orderCost := decimal.NewFromInt(75)
	unitCost := decimal.RequireFromString("3.40")

	prev := 0
	for demand := 0.0; demand <= 20000; demand += 137.5 {
		q, guard := EOQ(demand, orderCost, unitCost, 0.2)
		assert.Empty(t, guard)
		assert.GreaterOrEqual(t, q, prev, "annual demand %.1f", demand)
		prev = q
	}
}

func TestPlanDeterministic(t *testing.T) {
	f := forecast.NewForecaster(nil, 90, 30)
	samples := make([]models.ConsumptionSample, 90)
	for i := range samples {
		samples[i] = models.ConsumptionSample{
			Date:     now.AddDate(0, 0, i-90),
			Quantity: float64(5 + (i*11)%9),
		}
	}

	run := func() *Plan {
		fc := f.Forecast(context.Background(), 1, 2, samples, now)
		return testCalculator().Calculate(fc, testProduct(), 120, now)
	}

	assert.Equal(t, run(), run())
}
