package forecast

import (
	"math"
	"time"
)

const minSimulationConfidence = 0.5

// StockoutProjection is the result of walking stock against a predicted series
type StockoutProjection struct {
	DaysUntilStockout int       `json:"days_until_stockout"`
	StockoutDate      time.Time `json:"stockout_date"`
	BeyondHorizon     bool      `json:"beyond_horizon"`
	Confidence        float64   `json:"confidence"`
}

// SimulateStockout finds the first day the running balance reaches zero.
// An exhausted series reports len(series)+1, meaning beyond the horizon.
func SimulateStockout(currentQuantity int, series []int, start time.Time) StockoutProjection {
	start = truncateDay(start)
	p := StockoutProjection{Confidence: seriesConfidence(series)}

	if currentQuantity <= 0 {
		p.StockoutDate = start
		return p
	}

	balance := currentQuantity
	for i, consumed := range series {
		balance -= consumed
		if balance <= 0 {
			p.DaysUntilStockout = i + 1
			p.StockoutDate = start.AddDate(0, 0, p.DaysUntilStockout)
			return p
		}
	}

	p.DaysUntilStockout = len(series) + 1
	p.StockoutDate = start.AddDate(0, 0, p.DaysUntilStockout)
	p.BeyondHorizon = true
	return p
}

// seriesConfidence is 1 - coefficient of variation, floored at 0.5
func seriesConfidence(series []int) float64 {
	if len(series) == 0 {
		return minSimulationConfidence
	}
	vals := make([]float64, len(series))
	for i, v := range series {
		vals[i] = float64(v)
	}
	m := mean(vals)
	if m == 0 {
		return minSimulationConfidence
	}
	cv := math.Sqrt(variance(vals, m)) / m
	return math.Max(minSimulationConfidence, math.Min(1, 1-cv))
}
