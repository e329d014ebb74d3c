package recommend

import (
	"fmt"
	"math"
	"sort"
	"time"

	"replenishment-engine/internal/models"

	"github.com/shopspring/decimal"
)

// Balance classifies a location's stock against its weekly demand
type Balance string

const (
	BalanceSurplus  Balance = "surplus"
	BalanceDeficit  Balance = "deficit"
	BalanceBalanced Balance = "balanced"
)

// Classification is the balance of one location plus the transferable amount
type Classification struct {
	Balance Balance
	// Amount is the units available to give (surplus) or needed (deficit)
	Amount int
}

// Classify compares current stock with weekly demand.
// Surplus gives down to SurplusWeeks of cover; deficit asks up to one week of cover.
func (g *Generator) Classify(a *Assessment) Classification {
	weekly := a.Forecast.WeeklyDemand()
	stock := float64(a.Stock.CurrentQuantity)

	switch {
	case weekly <= 0 || !a.Forecast.Actionable():
		return Classification{Balance: BalanceBalanced}
	case stock > g.cfg.SurplusWeeks*weekly:
		return Classification{Balance: BalanceSurplus, Amount: int(math.Floor(stock - g.cfg.SurplusWeeks*weekly))}
	case stock < g.cfg.DeficitWeeks*weekly:
		return Classification{Balance: BalanceDeficit, Amount: int(math.Ceil(weekly - stock))}
	default:
		return Classification{Balance: BalanceBalanced}
	}
}

type balanceEntry struct {
	a         *Assessment
	remaining int
}

// transfers pairs surplus locations with deficit locations, preferring the same region.
// Each pair is emitted once, from the surplus side only.
func (g *Generator) transfers(assessments []Assessment, now time.Time) []*models.Decision {
	var surplus, deficit []*balanceEntry
	for i := range assessments {
		a := &assessments[i]
		c := g.Classify(a)
		switch c.Balance {
		case BalanceSurplus:
			surplus = append(surplus, &balanceEntry{a: a, remaining: c.Amount})
		case BalanceDeficit:
			deficit = append(deficit, &balanceEntry{a: a, remaining: c.Amount})
		}
	}
	if len(surplus) == 0 || len(deficit) == 0 {
		return nil
	}

	sort.SliceStable(surplus, func(i, j int) bool {
		if surplus[i].remaining != surplus[j].remaining {
			return surplus[i].remaining > surplus[j].remaining
		}
		return surplus[i].a.Location.ID < surplus[j].a.Location.ID
	})

	var out []*models.Decision
	for _, src := range surplus {
		candidates := make([]*balanceEntry, 0, len(deficit))
		for _, dst := range deficit {
			if dst.remaining > 0 {
				candidates = append(candidates, dst)
			}
		}
		region := src.a.Location.Region
		sort.SliceStable(candidates, func(i, j int) bool {
			ri := candidates[i].a.Location.Region == region
			rj := candidates[j].a.Location.Region == region
			if ri != rj {
				return ri
			}
			if candidates[i].remaining != candidates[j].remaining {
				return candidates[i].remaining > candidates[j].remaining
			}
			return candidates[i].a.Location.ID < candidates[j].a.Location.ID
		})
		if len(candidates) > g.cfg.MaxMatchesPerSurplus {
			candidates = candidates[:g.cfg.MaxMatchesPerSurplus]
		}

		for _, dst := range candidates {
			qty := src.remaining
			if dst.remaining < qty {
				qty = dst.remaining
			}
			if qty < g.cfg.MinTransferUnits {
				continue
			}
			out = append(out, g.transferDecision(src.a, dst.a, qty, now))
			src.remaining -= qty
			dst.remaining -= qty
		}
	}
	return out
}

func (g *Generator) transferDecision(src, dst *Assessment, qty int, now time.Time) *models.Decision {
	payload := models.TransferPayload{
		FromLocationID: src.Location.ID,
		ToLocationID:   dst.Location.ID,
		Quantity:       qty,
	}

	d := models.NewDecision(SourceTransferBalancer, src.Product.ID, payload, now)
	d.Priority = transferPriority(dst.Risk.Level)
	d.Confidence = math.Min(src.Forecast.Confidence, dst.Forecast.Confidence)
	d.Impact = impactFromRisk(dst.Risk.Level)
	d.ImpactValue = src.Product.UnitCost.Mul(decimal.NewFromInt(int64(qty)))

	sameRegion := "cross-region"
	if src.Location.Region == dst.Location.Region {
		sameRegion = "same region"
	}
	d.Rationale = fmt.Sprintf(
		"location %d holds %d units vs weekly demand %.1f (surplus); location %d holds %d vs weekly demand %.1f (deficit); "+
			"moving %d units %s, destination risk %s",
		src.Location.ID, src.Stock.CurrentQuantity, src.Forecast.WeeklyDemand(),
		dst.Location.ID, dst.Stock.CurrentQuantity, dst.Forecast.WeeklyDemand(),
		qty, sameRegion, dst.Risk.Level)
	return d
}
