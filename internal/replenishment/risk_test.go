package replenishment

import (
	"testing"

	"replenishment-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskLevelDefaultTable(t *testing.T) {
	rs := NewRiskScorer(DefaultRiskConfig())

	cases := []struct {
		days int
		want models.RiskLevel
	}{
		{0, models.RiskCritical},
		{1, models.RiskCritical},
		{2, models.RiskHigh},
		{3, models.RiskHigh},
		{5, models.RiskMedium},
		{7, models.RiskMedium},
		{8, models.RiskLow},
		{31, models.RiskLow},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, rs.Level(tc.days), "days=%d", tc.days)
	}
}

func TestRiskLevelOverride(t *testing.T) {
	thresholds, err := ParseThresholds("medium:14, critical:2,high:5")
	require.NoError(t, err)

	rs := NewRiskScorer(RiskConfig{Thresholds: thresholds})

	assert.Equal(t, models.RiskCritical, rs.Level(2))
	assert.Equal(t, models.RiskHigh, rs.Level(4))
	assert.Equal(t, models.RiskMedium, rs.Level(10))
	assert.Equal(t, models.RiskLow, rs.Level(15))
}

func TestParseThresholdsErrors(t *testing.T) {
	_, err := ParseThresholds("urgent:1")
	assert.Error(t, err)

	_, err = ParseThresholds("high")
	assert.Error(t, err)

	_, err = ParseThresholds("high:x")
	assert.Error(t, err)

	def, err := ParseThresholds("")
	require.NoError(t, err)
	assert.Equal(t, DefaultThresholds, def)
}

func TestRiskScoreStockout(t *testing.T) {
	rs := NewRiskScorer(DefaultRiskConfig())

	r := rs.Score(RiskInput{
		CurrentStock:       0,
		ReorderPoint:       154,
		DaysUntilStockout:  0,
		AverageDailyDemand: 10,
		Confidence:         1,
	})

	assert.Equal(t, 100.0, r.StockoutProbability)
	assert.Zero(t, r.OverstockProbability)
	assert.Equal(t, models.RiskCritical, r.Level)
}

func TestRiskScoreLowConfidenceDampens(t *testing.T) {
	rs := NewRiskScorer(DefaultRiskConfig())
	in := RiskInput{CurrentStock: 50, ReorderPoint: 154, DaysUntilStockout: 5, AverageDailyDemand: 10}

	in.Confidence = 1
	sure := rs.Score(in)
	in.Confidence = 0.1
	unsure := rs.Score(in)

	assert.Greater(t, sure.StockoutProbability, unsure.StockoutProbability)
	assert.Equal(t, models.RiskMedium, sure.Level)
}

func TestRiskScoreOverstock(t *testing.T) {
	rs := NewRiskScorer(DefaultRiskConfig())

	r := rs.Score(RiskInput{
		CurrentStock:       1300,
		ReorderPoint:       100,
		DaysUntilStockout:  31,
		AverageDailyDemand: 10,
		Confidence:         1,
	})
	assert.Equal(t, 100.0, r.OverstockProbability)
	assert.Zero(t, r.StockoutProbability)

	capped := rs.Score(RiskInput{
		CurrentStock:       90,
		MaxCapacity:        100,
		ReorderPoint:       10,
		DaysUntilStockout:  31,
		AverageDailyDemand: 10,
		Confidence:         1,
	})
	assert.InDelta(t, 50.0, capped.OverstockProbability, 1e-9)
}
