package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"replenishment-engine/internal/broker"
	"replenishment-engine/internal/models"
	"replenishment-engine/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type recordingEmitter struct {
	mu        sync.Mutex
	orders    []int
	transfers []int
	alerts    []string
	outcomes  []models.DecisionStatus
	failEmits bool
}

func (r *recordingEmitter) EmitPurchaseOrder(ctx context.Context, decisionID string, supplierID, productID, locationID int64, quantity int, priority models.Priority) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failEmits {
		return "", errors.New("broker down")
	}
	r.orders = append(r.orders, quantity)
	return "po-" + decisionID, nil
}

func (r *recordingEmitter) EmitTransferRecommendation(ctx context.Context, decisionID string, fromLocationID, toLocationID, productID int64, quantity int, priority models.Priority) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failEmits {
		return errors.New("broker down")
	}
	r.transfers = append(r.transfers, quantity)
	return nil
}

func (r *recordingEmitter) EmitDecisionOutcome(ctx context.Context, d *models.Decision, impact models.ExecutionImpact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, d.Status)
	return nil
}

func (r *recordingEmitter) EmitAlert(ctx context.Context, alertType string, severity models.RiskLevel, payload map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failEmits {
		return errors.New("broker down")
	}
	r.alerts = append(r.alerts, alertType)
	return nil
}

func queued(t *testing.T, payload models.DecisionPayload) *models.Decision {
	t.Helper()
	d := models.NewDecision("test", 1, payload, now)
	d.Priority = models.PriorityHigh
	require.NoError(t, d.Transition(models.StatusQueued, now))
	return d
}

func setup(rows ...models.LocationStock) (*Engine, *store.MemoryStore, *recordingEmitter) {
	st := store.NewMemoryStore()
	for _, r := range rows {
		st.PutStock(r)
	}
	em := &recordingEmitter{}
	return NewEngine(st, em, nil, Config{MaxInFlight: 4, Timeout: time.Second}), st, em
}

func current(t *testing.T, st *store.MemoryStore, loc int64) *models.LocationStock {
	t.Helper()
	s, err := st.GetCurrentStock(context.Background(), 1, loc)
	require.NoError(t, err)
	return s
}

func TestExecuteReorder(t *testing.T) {
	e, st, em := setup(models.LocationStock{ProductID: 1, LocationID: 1, CurrentQuantity: 50})
	d := queued(t, models.ReorderPayload{LocationID: 1, SupplierID: 7, Quantity: 400})

	res := e.Execute(context.Background(), "run-1", []*models.Decision{d})

	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, models.StatusExecuted, d.Status)
	assert.Equal(t, 400, res.Outcomes[0].Impact.UnitsOrdered)
	assert.Equal(t, "po-"+d.ID, res.Outcomes[0].Impact.PurchaseOrderID)
	assert.Equal(t, 400, current(t, st, 1).OnOrderQuantity)
	assert.Equal(t, []int{400}, em.orders)
	assert.Equal(t, []models.DecisionStatus{models.StatusExecuted}, em.outcomes)

	logged, err := st.GetDecision(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, logged.Status)
}

func TestExecuteIsIdempotentPerDecision(t *testing.T) {
	e, st, em := setup(models.LocationStock{ProductID: 1, LocationID: 1, CurrentQuantity: 50})
	d := queued(t, models.ReorderPayload{LocationID: 1, SupplierID: 7, Quantity: 100})

	e.Execute(context.Background(), "run-1", []*models.Decision{d})
	replay := e.Execute(context.Background(), "run-1", []*models.Decision{d})
	assert.Equal(t, 1, replay.Skipped)

	// same id re-queued, e.g. after a crash before the status was saved
	again := *d
	again.Status = models.StatusQueued
	res := e.Execute(context.Background(), "run-2", []*models.Decision{&again})

	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Executed)
	assert.Equal(t, models.StatusExecuted, again.Status)
	assert.Equal(t, 100, res.Outcomes[0].Impact.UnitsOrdered)
	assert.Equal(t, 100, current(t, st, 1).OnOrderQuantity)
	assert.Len(t, em.orders, 1)
}

func TestExecuteReorderClipsToCapacity(t *testing.T) {
	e, st, _ := setup(models.LocationStock{ProductID: 1, LocationID: 1, CurrentQuantity: 50, OnOrderQuantity: 10, MaxCapacity: 100})
	d := queued(t, models.ReorderPayload{LocationID: 1, Quantity: 400})

	res := e.Execute(context.Background(), "run-1", []*models.Decision{d})

	require.Equal(t, 1, res.Executed)
	assert.True(t, res.Outcomes[0].Impact.Clipped)
	assert.Equal(t, 40, res.Outcomes[0].Impact.UnitsOrdered)
	assert.Equal(t, 50, current(t, st, 1).OnOrderQuantity)
}

func TestExecuteReorderAtCapacityFails(t *testing.T) {
	e, _, _ := setup(models.LocationStock{ProductID: 1, LocationID: 1, CurrentQuantity: 100, MaxCapacity: 100})
	d := queued(t, models.ReorderPayload{LocationID: 1, Quantity: 400})

	res := e.Execute(context.Background(), "run-1", []*models.Decision{d})

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, models.StatusFailed, d.Status)
	assert.ErrorIs(t, res.Outcomes[0].Err, models.ErrPreconditionFailed)
	assert.NotEmpty(t, d.Error)
}

func TestTransferPreconditionFailureContinuesRun(t *testing.T) {
	e, st, em := setup(
		models.LocationStock{ProductID: 1, LocationID: 1, CurrentQuantity: 10},
		models.LocationStock{ProductID: 1, LocationID: 2, CurrentQuantity: 0},
		models.LocationStock{ProductID: 1, LocationID: 3, CurrentQuantity: 5},
	)
	tooBig := queued(t, models.TransferPayload{FromLocationID: 1, ToLocationID: 2, Quantity: 30})
	ok := queued(t, models.TransferPayload{FromLocationID: 3, ToLocationID: 2, Quantity: 5})

	res := e.Execute(context.Background(), "run-1", []*models.Decision{tooBig, ok})

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Executed)
	assert.ErrorIs(t, res.Outcomes[0].Err, models.ErrPreconditionFailed)
	assert.Equal(t, 10, current(t, st, 1).CurrentQuantity)
	assert.Equal(t, 5, current(t, st, 2).CurrentQuantity)
	assert.Equal(t, 0, current(t, st, 3).CurrentQuantity)
	assert.Equal(t, []int{5}, em.transfers)
}

func TestConcurrentTransfersKeepStockNonNegative(t *testing.T) {
	e, st, _ := setup(
		models.LocationStock{ProductID: 1, LocationID: 1, CurrentQuantity: 50},
		models.LocationStock{ProductID: 1, LocationID: 2},
		models.LocationStock{ProductID: 1, LocationID: 3},
	)
	var ds []*models.Decision
	for i := 0; i < 20; i++ {
		to := int64(2 + i%2)
		ds = append(ds, queued(t, models.TransferPayload{FromLocationID: 1, ToLocationID: to, Quantity: 7}))
	}

	res := e.Execute(context.Background(), "run-1", ds)

	assert.Equal(t, 7, res.Executed)
	assert.Equal(t, 13, res.Failed)
	assert.Equal(t, 1, current(t, st, 1).CurrentQuantity)
	assert.Equal(t, 49, current(t, st, 2).CurrentQuantity+current(t, st, 3).CurrentQuantity)
	assert.Zero(t, e.locks.Len())
}

func TestEmitFailureRevertsMutation(t *testing.T) {
	e, st, em := setup(
		models.LocationStock{ProductID: 1, LocationID: 1, CurrentQuantity: 50},
		models.LocationStock{ProductID: 1, LocationID: 2},
	)
	em.failEmits = true
	d := queued(t, models.TransferPayload{FromLocationID: 1, ToLocationID: 2, Quantity: 20})

	res := e.Execute(context.Background(), "run-1", []*models.Decision{d})

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 50, current(t, st, 1).CurrentQuantity)
	assert.Equal(t, 0, current(t, st, 2).CurrentQuantity)
	_, err := st.GetMutation(context.Background(), d.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestExecuteMitigationRaisesAlert(t *testing.T) {
	e, _, em := setup(models.LocationStock{ProductID: 1, LocationID: 1})
	alert := queued(t, models.RiskMitigationPayload{LocationID: 1, Action: models.MitigationAlert, RiskLevel: models.RiskCritical})
	expedite := queued(t, models.RiskMitigationPayload{LocationID: 1, Action: models.MitigationExpedite, RiskLevel: models.RiskHigh})

	res := e.Execute(context.Background(), "run-1", []*models.Decision{alert, expedite})

	assert.Equal(t, 2, res.Executed)
	assert.True(t, res.Outcomes[0].Impact.AlertRaised)
	assert.ElementsMatch(t, []string{broker.AlertStockoutRisk, broker.AlertExpediteRequest}, em.alerts)
}

func TestCancelledContextLeavesDecisionsQueued(t *testing.T) {
	e, st, _ := setup(models.LocationStock{ProductID: 1, LocationID: 1})
	d := queued(t, models.ReorderPayload{LocationID: 1, Quantity: 10})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.Execute(ctx, "run-1", []*models.Decision{d})

	assert.Equal(t, 1, res.Pending)
	assert.Equal(t, models.StatusQueued, d.Status)
	assert.Equal(t, 0, current(t, st, 1).OnOrderQuantity)
}

func TestExecuteRejectsProposed(t *testing.T) {
	e, _, _ := setup(models.LocationStock{ProductID: 1, LocationID: 1})
	d := models.NewDecision("test", 1, models.ReorderPayload{LocationID: 1, Quantity: 10}, now)

	res := e.Execute(context.Background(), "run-1", []*models.Decision{d})

	assert.ErrorIs(t, res.Outcomes[0].Err, models.ErrInvalidTransition)
	assert.Equal(t, models.StatusProposed, d.Status)
}

func TestKeyedMutexOrdersAndReleases(t *testing.T) {
	k := NewKeyedMutex()
	a := models.StockKey{ProductID: 1, LocationID: 1}
	b := models.StockKey{ProductID: 1, LocationID: 2}

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var unlock func()
			if i%2 == 0 {
				unlock = k.Lock(a, b)
			} else {
				unlock = k.Lock(b, a, b)
			}
			counter++
			unlock()
			unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Zero(t, k.Len())
}

func TestExecuteRetriesTransientStockRead(t *testing.T) {
	e, st, em := setup(models.LocationStock{ProductID: 1, LocationID: 1, CurrentQuantity: 50})
	st.FailReads(1, errors.New("connection reset"))
	d := queued(t, models.ReorderPayload{LocationID: 1, SupplierID: 7, Quantity: 400})

	res := e.Execute(context.Background(), "run-1", []*models.Decision{d})

	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, models.StatusExecuted, d.Status)
	assert.Equal(t, 400, current(t, st, 1).OnOrderQuantity)
	assert.Equal(t, []int{400}, em.orders)
}

func TestExecuteRetriesTransientWrite(t *testing.T) {
	e, st, em := setup(
		models.LocationStock{ProductID: 1, LocationID: 1, CurrentQuantity: 50},
		models.LocationStock{ProductID: 1, LocationID: 2},
	)
	st.FailWrites(2, errors.New("deadlock detected"))
	d := queued(t, models.TransferPayload{FromLocationID: 1, ToLocationID: 2, Quantity: 20})

	res := e.Execute(context.Background(), "run-1", []*models.Decision{d})

	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, 30, current(t, st, 1).CurrentQuantity)
	assert.Equal(t, 20, current(t, st, 2).CurrentQuantity)
	assert.Equal(t, []int{20}, em.transfers)
}

func TestExhaustedRetriesFailOnlyTheDecision(t *testing.T) {
	e, st, em := setup(
		models.LocationStock{ProductID: 1, LocationID: 1, CurrentQuantity: 50},
		models.LocationStock{ProductID: 1, LocationID: 2, CurrentQuantity: 50},
	)
	st.FailWrites(3, errors.New("connection refused"))
	down := queued(t, models.ReorderPayload{LocationID: 1, Quantity: 100})

	res := e.Execute(context.Background(), "run-1", []*models.Decision{down})
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, models.StatusFailed, down.Status)
	var dep *models.DependencyError
	require.ErrorAs(t, res.Outcomes[0].Err, &dep)
	assert.Equal(t, "ApplyMutation", dep.Op)
	assert.Empty(t, em.orders)

	next := queued(t, models.ReorderPayload{LocationID: 2, Quantity: 100})
	res = e.Execute(context.Background(), "run-1", []*models.Decision{next})
	assert.Equal(t, 1, res.Executed)
}

func TestMissingStockRowFailsWithoutRetry(t *testing.T) {
	e, _, _ := setup()
	d := queued(t, models.ReorderPayload{LocationID: 3, Quantity: 10})

	res := e.Execute(context.Background(), "run-1", []*models.Decision{d})

	assert.Equal(t, 1, res.Failed)
	assert.ErrorIs(t, res.Outcomes[0].Err, models.ErrPreconditionFailed)
}

// lostAck applies the first mutation but reports a failure, like a commit whose
// acknowledgement never arrives
type lostAck struct {
	*store.MemoryStore
	calls int
}

func (s *lostAck) ApplyMutation(ctx context.Context, m *models.Mutation) error {
	s.calls++
	if err := s.MemoryStore.ApplyMutation(ctx, m); err != nil {
		return err
	}
	if s.calls == 1 {
		return errors.New("connection reset")
	}
	return nil
}

func TestRetryAfterLostAckDoesNotApplyTwice(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.PutStock(models.LocationStock{ProductID: 1, LocationID: 1, CurrentQuantity: 50})
	st := &lostAck{MemoryStore: mem}
	em := &recordingEmitter{}
	e := NewEngine(st, em, nil, Config{MaxInFlight: 1, Timeout: time.Second})
	d := queued(t, models.ReorderPayload{LocationID: 1, Quantity: 100})

	res := e.Execute(context.Background(), "run-1", []*models.Decision{d})

	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, 1, st.calls)
	assert.Equal(t, 100, current(t, mem, 1).OnOrderQuantity)
	assert.Equal(t, []int{100}, em.orders)
}
