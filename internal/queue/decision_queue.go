package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"replenishment-engine/internal/models"
	"replenishment-engine/internal/util"

	"go.uber.org/zap"
)

// DefaultMaxInFlight is the default number of concurrently executing decisions
const DefaultMaxInFlight = 10

// PriorityWeights is the ordinal table for decision priority
var PriorityWeights = map[models.Priority]float64{
	models.PriorityEmergency: 100,
	models.PriorityCritical:  90,
	models.PriorityHigh:      80,
	models.PriorityMedium:    60,
	models.PriorityLow:       40,
}

// ImpactWeights is the ordinal table for estimated impact
var ImpactWeights = map[models.Impact]float64{
	models.ImpactCritical: 100,
	models.ImpactHigh:     80,
	models.ImpactMedium:   60,
	models.ImpactLow:      40,
}

// ConflictPair is an unordered pair of mutually exclusive effects on one stock row
type ConflictPair struct {
	A, B models.Effect
}

// DefaultConflictPairs are the effects that must not coexist on the same (product, location)
var DefaultConflictPairs = []ConflictPair{
	{models.EffectTransferOut, models.EffectEmergencyReorder},
	{models.EffectTransferIn, models.EffectEmergencyReorder},
	{models.EffectTransferOut, models.EffectReorder},
	{models.EffectReorder, models.EffectEmergencyReorder},
}

// ParseConflictPairs parses "transfer_out:emergency_reorder,..."
func ParseConflictPairs(s string) ([]ConflictPair, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultConflictPairs, nil
	}
	var out []ConflictPair
	for _, part := range strings.Split(s, ",") {
		a, b, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok || a == "" || b == "" {
			return nil, fmt.Errorf("invalid conflict pair %q", part)
		}
		out = append(out, ConflictPair{A: models.Effect(strings.TrimSpace(a)), B: models.Effect(strings.TrimSpace(b))})
	}
	return out, nil
}

// PriorityScore = 0.4·priority_weight + 0.4·confidence(0-100) + 0.2·impact_weight
func PriorityScore(d *models.Decision) float64 {
	return 0.4*PriorityWeights[d.Priority] + 0.4*(d.Confidence*100) + 0.2*ImpactWeights[d.Impact]
}

// Conflict is a resolved pair of decisions on the same stock row
type Conflict struct {
	Key    models.StockKey
	Winner *models.Decision
	Loser  *models.Decision
}

// Plan is the totally ordered execution plan of one run
type Plan struct {
	// Ordered holds queued decisions in execution order
	Ordered     []*models.Decision
	Superseded  []*models.Decision
	Conflicts   []Conflict
	Duplicates  int
	MaxInFlight int
}

// Scheduled returns the decisions that got a slot at build time
func (p *Plan) Scheduled() []*models.Decision {
	var out []*models.Decision
	for _, d := range p.Ordered {
		if d.ScheduledAt != nil {
			out = append(out, d)
		}
	}
	return out
}

// DecisionQueue deduplicates, resolves conflicts and orders candidate decisions.
// Build must run single-threaded over the full candidate set of a run.
type DecisionQueue struct {
	exclusive   map[models.Effect]map[models.Effect]bool
	maxInFlight int
	logger      *zap.Logger
}

// NewDecisionQueue creates a queue with the given mutually exclusive pairs
func NewDecisionQueue(pairs []ConflictPair, maxInFlight int) *DecisionQueue {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	exclusive := make(map[models.Effect]map[models.Effect]bool)
	add := func(a, b models.Effect) {
		if exclusive[a] == nil {
			exclusive[a] = make(map[models.Effect]bool)
		}
		exclusive[a][b] = true
	}
	for _, p := range pairs {
		add(p.A, p.B)
		add(p.B, p.A)
	}
	return &DecisionQueue{
		exclusive:   exclusive,
		maxInFlight: maxInFlight,
		logger:      util.GetLogger(),
	}
}

// Exclusive reports whether two effects conflict on the same stock row
func (q *DecisionQueue) Exclusive(a, b models.Effect) bool {
	return q.exclusive[a][b]
}

// Build produces the execution plan. Input decisions must be proposed; they leave
// Build either queued (in Ordered) or superseded.
func (q *DecisionQueue) Build(ctx context.Context, candidates []*models.Decision, now time.Time) (plan *Plan, err error) {
	_, span := util.StartSpan(ctx, "DecisionQueue.Build")
	defer func() { util.EndSpan(span, err) }()

	return q.build(candidates, now)
}

func (q *DecisionQueue) build(candidates []*models.Decision, now time.Time) (*Plan, error) {
	plan := &Plan{MaxInFlight: q.maxInFlight}

	unique := make([]*models.Decision, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, d := range candidates {
		if d.Status != models.StatusProposed {
			return nil, fmt.Errorf("decision %s has status %s, expected %s", d.ID, d.Status, models.StatusProposed)
		}
		key := d.DedupKey()
		if seen[key] {
			plan.Duplicates++
			continue
		}
		seen[key] = true
		d.PriorityScore = PriorityScore(d)
		unique = append(unique, d)
	}

	accepted, conflicts := q.resolve(unique)
	plan.Conflicts = conflicts

	losers := make(map[string]*models.Decision, len(conflicts))
	for _, c := range conflicts {
		losers[c.Loser.ID] = c.Loser
	}

	if err := q.verify(accepted); err != nil {
		return nil, err
	}

	for _, d := range unique {
		if loser, ok := losers[d.ID]; ok {
			if err := loser.Transition(models.StatusSuperseded, now); err != nil {
				return nil, err
			}
			plan.Superseded = append(plan.Superseded, loser)
			util.DecisionsTotal.WithLabelValues(string(loser.Kind()), string(models.StatusSuperseded)).Inc()
		}
	}

	// stable: equal scores keep insertion order
	sort.SliceStable(accepted, func(i, j int) bool {
		return accepted[i].PriorityScore > accepted[j].PriorityScore
	})

	for i, d := range accepted {
		if err := d.Transition(models.StatusQueued, now); err != nil {
			return nil, err
		}
		if i < q.maxInFlight {
			at := now
			d.ScheduledAt = &at
		}
	}
	plan.Ordered = accepted

	util.ConflictsResolvedTotal.Add(float64(len(conflicts)))
	q.logger.Info("Decision queue built",
		zap.Int("candidates", len(candidates)),
		zap.Int("duplicates", plan.Duplicates),
		zap.Int("queued", len(plan.Ordered)),
		zap.Int("superseded", len(plan.Superseded)))

	return plan, nil
}

// resolve greedily accepts decisions in precedence order; a decision conflicting with an
// already accepted decision is superseded by it. Accepted decisions keep input order.
func (q *DecisionQueue) resolve(decisions []*models.Decision) ([]*models.Decision, []Conflict) {
	ranked := append([]*models.Decision(nil), decisions...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return precedes(ranked[i], ranked[j])
	})

	acceptedByKey := make(map[models.StockKey][]acceptedEffect)
	isAccepted := make(map[string]bool, len(decisions))
	var conflicts []Conflict

	for _, d := range ranked {
		var winner *models.Decision
		var at models.StockKey
		for _, target := range d.Targets() {
			for _, prior := range acceptedByKey[target.Key] {
				if q.Exclusive(target.Effect, prior.effect) {
					winner, at = prior.decision, target.Key
					break
				}
			}
			if winner != nil {
				break
			}
		}

		if winner != nil {
			d.SupersededBy = winner.ID
			conflicts = append(conflicts, Conflict{Key: at, Winner: winner, Loser: d})
			q.logger.Warn("Decision superseded by conflicting decision",
				zap.String("decision_id", d.ID),
				zap.String("winner_id", winner.ID),
				zap.String("stock_key", at.String()),
				zap.Float64("score", d.PriorityScore),
				zap.Float64("winner_score", winner.PriorityScore))
			continue
		}

		isAccepted[d.ID] = true
		for _, target := range d.Targets() {
			acceptedByKey[target.Key] = append(acceptedByKey[target.Key], acceptedEffect{decision: d, effect: target.Effect})
		}
	}

	accepted := make([]*models.Decision, 0, len(isAccepted))
	for _, d := range decisions {
		if isAccepted[d.ID] {
			accepted = append(accepted, d)
		}
	}
	return accepted, conflicts
}

type acceptedEffect struct {
	decision *models.Decision
	effect   models.Effect
}

// precedes orders by score, then confidence, then earliest creation, then id
func precedes(a, b *models.Decision) bool {
	if a.PriorityScore != b.PriorityScore {
		return a.PriorityScore > b.PriorityScore
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// verify fails loudly if two accepted decisions still conflict
func (q *DecisionQueue) verify(accepted []*models.Decision) error {
	byKey := make(map[models.StockKey][]acceptedEffect)
	for _, d := range accepted {
		for _, target := range d.Targets() {
			for _, other := range byKey[target.Key] {
				if other.decision.ID == d.ID {
					continue
				}
				if q.Exclusive(target.Effect, other.effect) {
					return fmt.Errorf("%w: decisions %s and %s on %s", models.ErrConflictUnresolved,
						other.decision.ID, d.ID, target.Key)
				}
			}
			byKey[target.Key] = append(byKey[target.Key], acceptedEffect{decision: d, effect: target.Effect})
		}
	}
	return nil
}
