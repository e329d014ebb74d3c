package replenishment

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"replenishment-engine/internal/models"
)

// Threshold maps days-until-stockout at or below MaxDays to a level
type Threshold struct {
	MaxDays int
	Level   models.RiskLevel
}

// DefaultThresholds is the stockout table used when none is configured
var DefaultThresholds = []Threshold{
	{MaxDays: 1, Level: models.RiskCritical},
	{MaxDays: 3, Level: models.RiskHigh},
	{MaxDays: 7, Level: models.RiskMedium},
}

// ParseThresholds parses "critical:1,high:3,medium:7"
func ParseThresholds(s string) ([]Threshold, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultThresholds, nil
	}
	var out []Threshold
	for _, part := range strings.Split(s, ",") {
		name, days, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("invalid risk threshold %q", part)
		}
		level, err := models.ParseRiskLevel(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(strings.TrimSpace(days))
		if err != nil {
			return nil, fmt.Errorf("invalid risk threshold days %q: %w", days, err)
		}
		out = append(out, Threshold{MaxDays: n, Level: level})
	}
	return out, nil
}

// RiskConfig tunes the risk scorer
type RiskConfig struct {
	Thresholds       []Threshold
	UrgencyWindow    int
	OverstockDays    float64
	CapacityWarnFrac float64
}

// DefaultRiskConfig returns the default scorer tuning
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		Thresholds:       DefaultThresholds,
		UrgencyWindow:    14,
		OverstockDays:    60,
		CapacityWarnFrac: 0.8,
	}
}

// RiskInput gathers the numbers needed to score one pair
type RiskInput struct {
	CurrentStock       int
	MaxCapacity        int
	ReorderPoint       float64
	DaysUntilStockout  int
	AverageDailyDemand float64
	Confidence         float64
}

// Risk is the scored stockout/overstock exposure of a pair
type Risk struct {
	StockoutProbability  float64          `json:"stockout_probability"`
	OverstockProbability float64          `json:"overstock_probability"`
	Level                models.RiskLevel `json:"risk_level"`
}

// RiskScorer combines stock position and forecast confidence into a risk level
type RiskScorer struct {
	cfg RiskConfig
}

// NewRiskScorer creates a scorer. Thresholds are sorted ascending by days.
func NewRiskScorer(cfg RiskConfig) *RiskScorer {
	def := DefaultRiskConfig()
	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = def.Thresholds
	}
	if cfg.UrgencyWindow <= 0 {
		cfg.UrgencyWindow = def.UrgencyWindow
	}
	if cfg.OverstockDays <= 0 {
		cfg.OverstockDays = def.OverstockDays
	}
	if cfg.CapacityWarnFrac <= 0 || cfg.CapacityWarnFrac >= 1 {
		cfg.CapacityWarnFrac = def.CapacityWarnFrac
	}
	thresholds := append([]Threshold(nil), cfg.Thresholds...)
	sort.SliceStable(thresholds, func(i, j int) bool { return thresholds[i].MaxDays < thresholds[j].MaxDays })
	cfg.Thresholds = thresholds
	return &RiskScorer{cfg: cfg}
}

// Level maps days-until-stockout through the threshold table
func (rs *RiskScorer) Level(daysUntilStockout int) models.RiskLevel {
	for _, t := range rs.cfg.Thresholds {
		if daysUntilStockout <= t.MaxDays {
			return t.Level
		}
	}
	return models.RiskLow
}

// Score computes probabilities on a 0-100 scale and the risk level
func (rs *RiskScorer) Score(in RiskInput) Risk {
	certainty := 0.5 + 0.5*clamp01(in.Confidence)

	var deficit float64
	if in.ReorderPoint > 0 {
		deficit = clamp01((in.ReorderPoint - float64(in.CurrentStock)) / in.ReorderPoint)
	}
	urgency := clamp01(1 - float64(in.DaysUntilStockout-1)/float64(rs.cfg.UrgencyWindow))
	stockout := clamp01(0.6*deficit+0.4*urgency) * certainty

	var excess float64
	switch {
	case in.AverageDailyDemand > 0:
		cover := float64(in.CurrentStock) / in.AverageDailyDemand
		excess = clamp01((cover - rs.cfg.OverstockDays) / rs.cfg.OverstockDays)
	case in.CurrentStock > 0:
		excess = 1
	}
	if in.MaxCapacity > 0 {
		fill := float64(in.CurrentStock) / float64(in.MaxCapacity)
		excess = math.Max(excess, clamp01((fill-rs.cfg.CapacityWarnFrac)/(1-rs.cfg.CapacityWarnFrac)))
	}
	overstock := excess * certainty

	return Risk{
		StockoutProbability:  round2(100 * stockout),
		OverstockProbability: round2(100 * overstock),
		Level:                rs.Level(in.DaysUntilStockout),
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
