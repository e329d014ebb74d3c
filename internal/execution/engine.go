package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"replenishment-engine/internal/models"
	"replenishment-engine/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Store is the persistence the engine mutates
type Store interface {
	GetCurrentStock(ctx context.Context, productID, locationID int64) (*models.LocationStock, error)
	ApplyMutation(ctx context.Context, m *models.Mutation) error
	RevertMutation(ctx context.Context, decisionID string) error
	GetMutation(ctx context.Context, decisionID string) (*models.Mutation, error)
	SaveDecision(ctx context.Context, runID string, d *models.Decision) error
}

// Emitter publishes execution side effects to external collaborators
type Emitter interface {
	EmitPurchaseOrder(ctx context.Context, decisionID string, supplierID, productID, locationID int64, quantity int, priority models.Priority) (string, error)
	EmitTransferRecommendation(ctx context.Context, decisionID string, fromLocationID, toLocationID, productID int64, quantity int, priority models.Priority) error
	EmitDecisionOutcome(ctx context.Context, d *models.Decision, impact models.ExecutionImpact) error
	EmitAlert(ctx context.Context, alertType string, severity models.RiskLevel, payload map[string]interface{}) error
}

// Idempotency is an optional fast-path marker of executed decisions
type Idempotency interface {
	CheckIdempotencyKey(ctx context.Context, key string) (bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Config tunes execution
type Config struct {
	MaxInFlight    int
	Timeout        time.Duration
	IdempotencyTTL time.Duration
	// Retry bounds store retries inside one decision; all attempts share Timeout
	Retry util.RetryConfig
}

// Outcome is the result of one decision
type Outcome struct {
	DecisionID string
	Status     models.DecisionStatus
	Impact     models.ExecutionImpact
	// Skipped marks an idempotent replay of an already applied decision
	Skipped bool
	// Pending marks a decision not started before cancellation
	Pending bool
	Err     error
}

// Result aggregates the outcomes of one Execute call in input order
type Result struct {
	Outcomes []Outcome
	Executed int
	Failed   int
	Skipped  int
	Pending  int
}

// Engine dispatches queued decisions to type-specific executors
type Engine struct {
	store   Store
	emitter Emitter
	idem    Idempotency
	locks   *KeyedMutex
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
}

// NewEngine creates an execution engine; idem may be nil
func NewEngine(store Store, emitter Emitter, idem Idempotency, cfg Config) *Engine {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 7 * 24 * time.Hour
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry.Attempts = 3
	}
	if cfg.Retry.Backoff <= 0 {
		cfg.Retry.Backoff = 50 * time.Millisecond
	}
	return &Engine{
		store:   store,
		emitter: emitter,
		idem:    idem,
		locks:   NewKeyedMutex(),
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  util.GetLogger(),
	}
}

// Execute runs decisions with at most MaxInFlight in flight. Decisions not yet started
// when ctx is cancelled stay queued; started decisions always finish.
func (e *Engine) Execute(ctx context.Context, runID string, decisions []*models.Decision) *Result {
	ctx, span := util.StartSpan(ctx, "Engine.Execute")
	defer span.End()

	result := &Result{Outcomes: make([]Outcome, len(decisions))}

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxInFlight)
	for i, d := range decisions {
		i, d := i, d
		g.Go(func() error {
			result.Outcomes[i] = e.executeOne(ctx, runID, d)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range result.Outcomes {
		switch {
		case o.Pending:
			result.Pending++
		case o.Skipped:
			result.Skipped++
		case o.Status == models.StatusExecuted:
			result.Executed++
		case o.Status == models.StatusFailed:
			result.Failed++
		}
	}

	e.logger.Info("Execution finished",
		zap.String("run_id", runID),
		zap.Int("executed", result.Executed),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.Int("pending", result.Pending))
	return result
}

func (e *Engine) executeOne(ctx context.Context, runID string, d *models.Decision) Outcome {
	out := Outcome{DecisionID: d.ID, Status: d.Status}

	if d.Status.Terminal() {
		out.Skipped = true
		return out
	}
	if d.Status != models.StatusQueued {
		out.Err = fmt.Errorf("%w: cannot execute %s decision %s", models.ErrInvalidTransition, d.Status, d.ID)
		return out
	}
	if ctx.Err() != nil {
		out.Pending = true
		return out
	}

	// past this point the decision runs to completion regardless of ctx
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	now := e.now()
	if d.ScheduledAt == nil {
		d.ScheduledAt = &now
	}
	if err := d.Transition(models.StatusExecuting, now); err != nil {
		out.Err = err
		return out
	}
	e.save(execCtx, runID, d)

	impact, err := e.apply(execCtx, d)
	switch {
	case errors.Is(err, models.ErrAlreadyApplied):
		out.Skipped = true
		err = nil
	case err != nil:
		d.Error = err.Error()
		util.StockMutationsFailed.WithLabelValues(failureReason(err)).Inc()
	}

	final := models.StatusExecuted
	if err != nil {
		final = models.StatusFailed
	}
	if terr := d.Transition(final, e.now()); terr != nil {
		out.Err = terr
		return out
	}

	e.save(execCtx, runID, d)
	if !out.Skipped && e.idem != nil && final == models.StatusExecuted {
		if ierr := e.idem.SetIdempotencyKey(execCtx, idempotencyKey(d.ID), runID, e.cfg.IdempotencyTTL); ierr != nil {
			e.logger.Warn("Failed to set idempotency key", zap.String("decision_id", d.ID), zap.Error(ierr))
		}
	}
	if oerr := e.emitter.EmitDecisionOutcome(execCtx, d, impact); oerr != nil {
		e.logger.Warn("Failed to emit decision outcome", zap.String("decision_id", d.ID), zap.Error(oerr))
	}

	util.DecisionsTotal.WithLabelValues(string(d.Kind()), string(final)).Inc()
	util.DecisionExecutionLatency.WithLabelValues(string(d.Kind())).Observe(time.Since(start).Seconds())

	if err != nil {
		e.logger.Warn("Decision failed",
			zap.String("decision_id", d.ID),
			zap.String("kind", string(d.Kind())),
			zap.Int64("product_id", d.ProductID),
			zap.Error(err))
	} else {
		e.logger.Info("Decision executed",
			zap.String("decision_id", d.ID),
			zap.String("kind", string(d.Kind())),
			zap.Int64("product_id", d.ProductID),
			zap.Bool("replay", out.Skipped))
	}

	out.Status = d.Status
	out.Impact = impact
	out.Err = err
	return out
}

// apply checks both idempotency markers before dispatching
func (e *Engine) apply(ctx context.Context, d *models.Decision) (models.ExecutionImpact, error) {
	if e.idem != nil {
		seen, err := e.idem.CheckIdempotencyKey(ctx, idempotencyKey(d.ID))
		if err != nil {
			e.logger.Warn("Idempotency check failed, falling back to ledger", zap.String("decision_id", d.ID), zap.Error(err))
		} else if seen {
			return e.replayImpact(ctx, d), models.ErrAlreadyApplied
		}
	}

	m, err := e.ledgerEntry(ctx, d.ID)
	switch {
	case err == nil:
		return impactOf(m), models.ErrAlreadyApplied
	case !errors.Is(err, models.ErrNotFound):
		return models.ExecutionImpact{}, err
	}

	impact, err := e.dispatch(ctx, d)
	if errors.Is(err, models.ErrAlreadyApplied) {
		return e.replayImpact(ctx, d), err
	}
	return impact, err
}

// ledgerEntry looks up the decision's mutation with bounded retry
func (e *Engine) ledgerEntry(ctx context.Context, decisionID string) (*models.Mutation, error) {
	var m *models.Mutation
	err := util.Retry(ctx, e.cfg.Retry, "GetMutation", func(ctx context.Context) (err error) {
		m, err = e.store.GetMutation(ctx, decisionID)
		return permanent(err)
	})
	if err != nil {
		return nil, dependencyError("GetMutation", err)
	}
	return m, nil
}

func (e *Engine) dispatch(ctx context.Context, d *models.Decision) (models.ExecutionImpact, error) {
	switch p := d.Payload.(type) {
	case models.ReorderPayload:
		return e.reorder(ctx, d, p)
	case models.TransferPayload:
		return e.transfer(ctx, d, p)
	case models.RiskMitigationPayload:
		return e.mitigate(ctx, d, p)
	default:
		return models.ExecutionImpact{}, fmt.Errorf("unsupported decision payload %T", d.Payload)
	}
}

func (e *Engine) replayImpact(ctx context.Context, d *models.Decision) models.ExecutionImpact {
	m, err := e.ledgerEntry(ctx, d.ID)
	if err != nil {
		return models.ExecutionImpact{}
	}
	return impactOf(m)
}

func (e *Engine) save(ctx context.Context, runID string, d *models.Decision) {
	if err := e.store.SaveDecision(ctx, runID, d); err != nil {
		e.logger.Error("Failed to save decision", zap.String("decision_id", d.ID), zap.Error(err))
	}
}

func impactOf(m *models.Mutation) models.ExecutionImpact {
	switch m.Kind {
	case models.MutationOnOrder:
		return models.ExecutionImpact{UnitsOrdered: m.Quantity}
	case models.MutationTransfer:
		return models.ExecutionImpact{UnitsMoved: m.Quantity}
	default:
		return models.ExecutionImpact{}
	}
}

// permanent stops retrying errors that another attempt cannot fix
func permanent(err error) error {
	if errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrPreconditionFailed) ||
		errors.Is(err, models.ErrAlreadyApplied) {
		return util.Permanent(err)
	}
	return err
}

// dependencyError wraps an error left after retries unless it is already classified
func dependencyError(op string, err error) error {
	var dep *models.DependencyError
	if errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrPreconditionFailed) ||
		errors.Is(err, models.ErrAlreadyApplied) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &dep) {
		return err
	}
	return &models.DependencyError{Op: op, Err: err}
}

func idempotencyKey(decisionID string) string {
	return "decision:" + decisionID
}

func failureReason(err error) string {
	var dep *models.DependencyError
	switch {
	case errors.Is(err, models.ErrPreconditionFailed):
		return "precondition"
	case errors.As(err, &dep):
		return "dependency"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "other"
	}
}
