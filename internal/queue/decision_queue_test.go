package queue

import (
	"context"
	"testing"
	"time"

	"replenishment-engine/internal/models"
	"replenishment-engine/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func decision(source string, payload models.DecisionPayload, p models.Priority, conf float64, impact models.Impact) *models.Decision {
	d := models.NewDecision(source, 1, payload, now)
	d.Priority = p
	d.Confidence = conf
	d.Impact = impact
	return d
}

func reorder(loc int64, qty int, emergency bool) models.ReorderPayload {
	return models.ReorderPayload{LocationID: loc, SupplierID: 9, Quantity: qty, Emergency: emergency}
}

func TestPriorityScore(t *testing.T) {
	transfer := decision("transfer_balancer", models.TransferPayload{FromLocationID: 1, ToLocationID: 2, Quantity: 10},
		models.PriorityMedium, 0.8, models.ImpactHigh)
	emergency := decision("reorder_planner", reorder(1, 400, true), models.PriorityEmergency, 0.625, models.ImpactCritical)

	assert.InDelta(t, 72.0, PriorityScore(transfer), 1e-9)
	assert.InDelta(t, 85.0, PriorityScore(emergency), 1e-9)
}

func TestBuildResolvesTransferOutAgainstEmergencyReorder(t *testing.T) {
	q := NewDecisionQueue(DefaultConflictPairs, 10)
	transfer := decision("transfer_balancer", models.TransferPayload{FromLocationID: 1, ToLocationID: 2, Quantity: 10},
		models.PriorityMedium, 0.8, models.ImpactHigh)
	emergency := decision("reorder_planner", reorder(1, 400, true), models.PriorityEmergency, 0.625, models.ImpactCritical)

	plan, err := q.Build(context.Background(), []*models.Decision{transfer, emergency}, now)
	require.NoError(t, err)

	require.Len(t, plan.Ordered, 1)
	assert.Equal(t, emergency.ID, plan.Ordered[0].ID)
	assert.Equal(t, models.StatusQueued, emergency.Status)
	require.NotNil(t, emergency.ScheduledAt)

	require.Len(t, plan.Superseded, 1)
	assert.Equal(t, models.StatusSuperseded, transfer.Status)
	assert.Equal(t, emergency.ID, transfer.SupersededBy)

	require.Len(t, plan.Conflicts, 1)
	assert.Equal(t, models.StockKey{ProductID: 1, LocationID: 1}, plan.Conflicts[0].Key)
}

func TestBuildDeduplicates(t *testing.T) {
	q := NewDecisionQueue(DefaultConflictPairs, 10)
	a := decision("reorder_planner", reorder(1, 400, false), models.PriorityHigh, 0.9, models.ImpactHigh)
	b := decision("reorder_planner", reorder(1, 400, false), models.PriorityHigh, 0.9, models.ImpactHigh)
	other := decision("reorder_planner", reorder(2, 400, false), models.PriorityHigh, 0.9, models.ImpactHigh)

	plan, err := q.Build(context.Background(), []*models.Decision{a, b, other}, now)
	require.NoError(t, err)

	assert.Equal(t, 1, plan.Duplicates)
	require.Len(t, plan.Ordered, 2)
	assert.Equal(t, a.ID, plan.Ordered[0].ID)
	assert.Equal(t, other.ID, plan.Ordered[1].ID)
	assert.Equal(t, models.StatusProposed, b.Status)
}

func TestBuildNonConflictingEffectsCoexist(t *testing.T) {
	q := NewDecisionQueue(DefaultConflictPairs, 10)
	r := decision("reorder_planner", reorder(1, 400, false), models.PriorityHigh, 0.9, models.ImpactHigh)
	m := decision("risk_monitor", models.RiskMitigationPayload{LocationID: 1, Action: models.MitigationExpedite, RiskLevel: models.RiskHigh},
		models.PriorityHigh, 0.9, models.ImpactHigh)
	in := decision("transfer_balancer", models.TransferPayload{FromLocationID: 3, ToLocationID: 1, Quantity: 10},
		models.PriorityLow, 0.5, models.ImpactLow)

	plan, err := q.Build(context.Background(), []*models.Decision{r, m, in}, now)
	require.NoError(t, err)

	assert.Len(t, plan.Ordered, 3)
	assert.Empty(t, plan.Superseded)
}

func TestBuildStableOrderingAndSlots(t *testing.T) {
	q := NewDecisionQueue(DefaultConflictPairs, 2)
	var in []*models.Decision
	for loc := int64(1); loc <= 4; loc++ {
		in = append(in, decision("reorder_planner", reorder(loc, 100, false), models.PriorityMedium, 0.5, models.ImpactMedium))
	}
	top := decision("reorder_planner", reorder(5, 100, false), models.PriorityCritical, 0.9, models.ImpactCritical)
	in = append(in, top)

	plan, err := q.Build(context.Background(), in, now)
	require.NoError(t, err)

	require.Len(t, plan.Ordered, 5)
	assert.Equal(t, top.ID, plan.Ordered[0].ID)
	for i, want := range in[:4] {
		assert.Equal(t, want.ID, plan.Ordered[i+1].ID)
	}

	assert.Len(t, plan.Scheduled(), 2)
	assert.NotNil(t, plan.Ordered[1].ScheduledAt)
	assert.Nil(t, plan.Ordered[2].ScheduledAt)
	for _, d := range plan.Ordered {
		assert.Equal(t, models.StatusQueued, d.Status)
	}
}

func TestResolutionIsDeterministic(t *testing.T) {
	build := func() []string {
		q := NewDecisionQueue(DefaultConflictPairs, 10)
		a := decision("reorder_planner", reorder(1, 100, false), models.PriorityHigh, 0.7, models.ImpactHigh)
		b := decision("reorder_planner", reorder(1, 300, true), models.PriorityHigh, 0.7, models.ImpactHigh)
		a.ID, b.ID = "b", "a"

		plan, err := q.Build(context.Background(), []*models.Decision{a, b}, now)
		require.NoError(t, err)
		var ids []string
		for _, d := range plan.Ordered {
			ids = append(ids, d.ID)
		}
		return ids
	}

	first := build()
	assert.Equal(t, []string{"a"}, first)
	assert.Equal(t, first, build())
}

func TestBuildIsIdempotentOnResolvedSet(t *testing.T) {
	q := NewDecisionQueue(DefaultConflictPairs, 10)
	transfer := decision("transfer_balancer", models.TransferPayload{FromLocationID: 1, ToLocationID: 2, Quantity: 10},
		models.PriorityMedium, 0.8, models.ImpactHigh)
	emergency := decision("reorder_planner", reorder(1, 400, true), models.PriorityEmergency, 0.625, models.ImpactCritical)

	plan, err := q.Build(context.Background(), []*models.Decision{transfer, emergency}, now)
	require.NoError(t, err)

	var again []*models.Decision
	for _, d := range plan.Ordered {
		dup := models.NewDecision(d.Source, d.ProductID, d.Payload, now)
		dup.Priority, dup.Confidence, dup.Impact = d.Priority, d.Confidence, d.Impact
		again = append(again, dup)
	}
	replan, err := q.Build(context.Background(), again, now)
	require.NoError(t, err)

	assert.Len(t, replan.Ordered, len(plan.Ordered))
	assert.Empty(t, replan.Superseded)
}

func TestBuildRejectsNonProposed(t *testing.T) {
	q := NewDecisionQueue(DefaultConflictPairs, 10)
	d := decision("reorder_planner", reorder(1, 100, false), models.PriorityHigh, 0.7, models.ImpactHigh)
	require.NoError(t, d.Transition(models.StatusQueued, now))

	_, err := q.Build(context.Background(), []*models.Decision{d}, now)
	assert.Error(t, err)
}

func TestVerifyDetectsUnresolvedConflict(t *testing.T) {
	q := NewDecisionQueue(DefaultConflictPairs, 10)
	a := decision("reorder_planner", reorder(1, 100, false), models.PriorityHigh, 0.7, models.ImpactHigh)
	b := decision("reorder_planner", reorder(1, 300, true), models.PriorityHigh, 0.7, models.ImpactHigh)

	err := q.verify([]*models.Decision{a, b})
	assert.ErrorIs(t, err, models.ErrConflictUnresolved)
}

func TestParseConflictPairs(t *testing.T) {
	pairs, err := ParseConflictPairs("transfer_out:reorder, transfer_in:emergency_reorder")
	require.NoError(t, err)
	assert.Equal(t, []ConflictPair{
		{models.EffectTransferOut, models.EffectReorder},
		{models.EffectTransferIn, models.EffectEmergencyReorder},
	}, pairs)

	q := NewDecisionQueue(pairs, 0)
	assert.True(t, q.Exclusive(models.EffectReorder, models.EffectTransferOut))
	assert.False(t, q.Exclusive(models.EffectReorder, models.EffectEmergencyReorder))

	_, err = ParseConflictPairs("transfer_out")
	assert.Error(t, err)

	def, err := ParseConflictPairs("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConflictPairs, def)
}

func TestBuildRecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	util.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)), "queue-test")
	q := NewDecisionQueue(DefaultConflictPairs, 10)

	_, err := q.Build(context.Background(), []*models.Decision{
		decision("reorder_planner", reorder(1, 100, false), models.PriorityHigh, 0.7, models.ImpactHigh),
	}, now)
	require.NoError(t, err)

	bad := decision("reorder_planner", reorder(2, 100, false), models.PriorityHigh, 0.7, models.ImpactHigh)
	require.NoError(t, bad.Transition(models.StatusQueued, now))
	_, err = q.Build(context.Background(), []*models.Decision{bad}, now)
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "DecisionQueue.Build", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}
