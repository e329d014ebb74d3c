package recommend

import (
	"fmt"
	"math"
	"sort"
	"time"

	"replenishment-engine/internal/forecast"
	"replenishment-engine/internal/models"
	"replenishment-engine/internal/replenishment"
	"replenishment-engine/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Decision sources
const (
	SourceTransferBalancer = "transfer_balancer"
	SourceReorderPlanner   = "reorder_planner"
	SourceRiskMonitor      = "risk_monitor"
)

// Assessment is everything computed upstream for one (product, location)
type Assessment struct {
	Product    models.Product
	Location   models.LocationRef
	Stock      models.LocationStock
	Forecast   *forecast.Forecast
	Projection forecast.StockoutProjection
	Plan       *replenishment.Plan
	Risk       replenishment.Risk
}

// Position is on-hand plus on-order stock
func (a *Assessment) Position() int {
	return a.Stock.CurrentQuantity + a.Stock.OnOrderQuantity
}

// Config tunes recommendation generation
type Config struct {
	MinTransferUnits     int
	MaxMatchesPerSurplus int
	SurplusWeeks         float64
	DeficitWeeks         float64
}

// DefaultConfig returns the default tuning
func DefaultConfig() Config {
	return Config{
		MinTransferUnits:     5,
		MaxMatchesPerSurplus: 3,
		SurplusWeeks:         2,
		DeficitWeeks:         0.5,
	}
}

// Generator turns assessments into proposed decisions
type Generator struct {
	cfg    Config
	logger *zap.Logger
}

// NewGenerator creates a generator
func NewGenerator(cfg Config) *Generator {
	def := DefaultConfig()
	if cfg.MinTransferUnits <= 0 {
		cfg.MinTransferUnits = def.MinTransferUnits
	}
	if cfg.MaxMatchesPerSurplus <= 0 {
		cfg.MaxMatchesPerSurplus = def.MaxMatchesPerSurplus
	}
	if cfg.SurplusWeeks <= 0 {
		cfg.SurplusWeeks = def.SurplusWeeks
	}
	if cfg.DeficitWeeks <= 0 {
		cfg.DeficitWeeks = def.DeficitWeeks
	}
	return &Generator{cfg: cfg, logger: util.GetLogger()}
}

// Generate produces transfer, reorder and risk-mitigation decisions for one product
// across all of its locations. Output order is deterministic.
func (g *Generator) Generate(assessments []Assessment, now time.Time) []*models.Decision {
	sorted := append([]Assessment(nil), assessments...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Location.ID < sorted[j].Location.ID
	})

	var decisions []*models.Decision
	decisions = append(decisions, g.transfers(sorted, now)...)

	for i := range sorted {
		a := &sorted[i]
		if !a.Forecast.Actionable() {
			g.logger.Debug("Skipping pair with non-actionable forecast",
				zap.Int64("product_id", a.Product.ID),
				zap.Int64("location_id", a.Location.ID),
				zap.Int("samples", a.Forecast.SampleCount))
			continue
		}

		reorder := g.reorder(a, now)
		if reorder != nil {
			decisions = append(decisions, reorder)
		}
		if m := g.mitigation(a, reorder != nil, now); m != nil {
			decisions = append(decisions, m)
		}
	}

	for _, d := range decisions {
		util.RecommendationsGeneratedTotal.WithLabelValues(string(d.Kind())).Inc()
	}
	return decisions
}

func (g *Generator) reorder(a *Assessment, now time.Time) *models.Decision {
	if a.Plan == nil || !a.Plan.BelowReorderPoint(a.Position()) || a.Plan.RecommendedQuantity <= 0 {
		return nil
	}

	emergency := a.Risk.Level == models.RiskCritical
	payload := models.ReorderPayload{
		LocationID:   a.Location.ID,
		SupplierID:   a.Plan.SupplierID,
		Quantity:     a.Plan.RecommendedQuantity,
		Emergency:    emergency,
		ReorderPoint: a.Plan.ReorderPoint,
	}

	d := models.NewDecision(SourceReorderPlanner, a.Product.ID, payload, now)
	d.Priority = reorderPriority(a.Risk.Level)
	d.Confidence = a.Forecast.Confidence
	d.Impact = impactFromRisk(a.Risk.Level)
	d.ImpactValue = a.Product.UnitCost.Mul(decimal.NewFromInt(int64(payload.Quantity)))
	d.Rationale = fmt.Sprintf(
		"stock position %d below reorder point %.1f (avg demand %.2f/day x lead time %dd + safety stock %.1f); "+
			"EOQ %d, supplier minimum %d, ordering %d; risk %s, stockout in %d days (p=%.0f%%)",
		a.Position(), a.Plan.ReorderPoint, a.Forecast.AverageDailyDemand, a.Plan.LeadTimeDays, a.Plan.SafetyStock,
		a.Plan.EOQ, a.Product.MinimumOrderQty, payload.Quantity, a.Risk.Level,
		a.Projection.DaysUntilStockout, a.Risk.StockoutProbability)
	return d
}

// mitigation fires for high/critical risk when replenishment cannot arrive before the stockout
func (g *Generator) mitigation(a *Assessment, reordering bool, now time.Time) *models.Decision {
	if a.Risk.Level != models.RiskHigh && a.Risk.Level != models.RiskCritical {
		return nil
	}
	leadTime := 0
	if a.Plan != nil {
		leadTime = a.Plan.LeadTimeDays
	}
	if reordering && a.Projection.DaysUntilStockout >= leadTime {
		return nil
	}

	action := models.MitigationAlert
	if reordering {
		action = models.MitigationExpedite
	}
	payload := models.RiskMitigationPayload{
		LocationID:        a.Location.ID,
		Action:            action,
		RiskLevel:         a.Risk.Level,
		DaysUntilStockout: a.Projection.DaysUntilStockout,
	}

	d := models.NewDecision(SourceRiskMonitor, a.Product.ID, payload, now)
	d.Priority = models.PriorityHigh
	if a.Risk.Level == models.RiskCritical {
		d.Priority = models.PriorityCritical
	}
	d.Confidence = a.Forecast.Confidence
	d.Impact = impactFromRisk(a.Risk.Level)
	shortDays := leadTime - a.Projection.DaysUntilStockout
	if shortDays < 0 {
		shortDays = 0
	}
	lost := a.Forecast.AverageDailyDemand * float64(shortDays)
	d.ImpactValue = a.Product.UnitPrice.Mul(decimal.NewFromFloat(math.Round(lost)))
	d.Rationale = fmt.Sprintf(
		"risk %s: stockout in %d days but lead time is %dd; about %.0f units of demand uncovered (p=%.0f%%), action %s",
		a.Risk.Level, a.Projection.DaysUntilStockout, leadTime, lost, a.Risk.StockoutProbability, action)
	return d
}

func reorderPriority(level models.RiskLevel) models.Priority {
	switch level {
	case models.RiskCritical:
		return models.PriorityEmergency
	case models.RiskHigh:
		return models.PriorityHigh
	case models.RiskMedium:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

func transferPriority(level models.RiskLevel) models.Priority {
	switch level {
	case models.RiskCritical:
		return models.PriorityCritical
	case models.RiskHigh:
		return models.PriorityHigh
	case models.RiskMedium:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

func impactFromRisk(level models.RiskLevel) models.Impact {
	switch level {
	case models.RiskCritical:
		return models.ImpactCritical
	case models.RiskHigh:
		return models.ImpactHigh
	case models.RiskMedium:
		return models.ImpactMedium
	default:
		return models.ImpactLow
	}
}
