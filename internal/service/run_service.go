package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"replenishment-engine/internal/execution"
	"replenishment-engine/internal/forecast"
	"replenishment-engine/internal/models"
	"replenishment-engine/internal/queue"
	"replenishment-engine/internal/recommend"
	"replenishment-engine/internal/redisclient"
	"replenishment-engine/internal/replenishment"
	"replenishment-engine/internal/store"
	"replenishment-engine/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	runLockKey   = "lock:replenishment-run"
	runLockGrace = 2 * time.Minute
)

// RunStore is the persistence a run reads from and reports to
type RunStore interface {
	store.Catalog
	store.StockReader
	SaveDecision(ctx context.Context, runID string, d *models.Decision) error
	SaveRunReport(ctx context.Context, r *models.RunReport) error
	GetLastRunReport(ctx context.Context) (*models.RunReport, error)
}

// Executor runs a queued plan
type Executor interface {
	Execute(ctx context.Context, runID string, decisions []*models.Decision) *execution.Result
}

// RunLocker guards against overlapping runs across instances
type RunLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error)
}

// RunConfig tunes a run
type RunConfig struct {
	Workers     int
	ReadTimeout time.Duration
	Retry       util.RetryConfig
	// MaxDuration bounds a whole run; the run lock outlives it by runLockGrace
	MaxDuration time.Duration
}

// Pipeline holds the pure computation stages of a run
type Pipeline struct {
	Forecaster *forecast.Forecaster
	Calculator *replenishment.Calculator
	Scorer     *replenishment.RiskScorer
	Generator  *recommend.Generator
	Queue      *queue.DecisionQueue
}

// RunService orchestrates forecast, recommendation, queue build and execution for one run
type RunService struct {
	store    RunStore
	cache    redisclient.ForecastCache
	executor Executor
	locker   RunLocker
	pipeline Pipeline
	cfg      RunConfig
	now      func() time.Time
	running  atomic.Bool
	mu       sync.RWMutex
	last     *models.RunReport
	logger   *zap.Logger
}

// NewRunService creates a run service. cache and locker may be nil.
func NewRunService(st RunStore, cache redisclient.ForecastCache, executor Executor, locker RunLocker, pipeline Pipeline, cfg RunConfig) *RunService {
	if cache == nil {
		cache = redisclient.NewNoopForecastCache()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	cfg.Retry.AttemptTimeout = cfg.ReadTimeout
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 30 * time.Minute
	}
	return &RunService{
		store:    st,
		cache:    cache,
		executor: executor,
		locker:   locker,
		pipeline: pipeline,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   util.GetLogger(),
	}
}

// Run executes one full replenishment run. It returns a report unless an external
// dependency stays unreachable after retries, the queue is inconsistent, or another
// run is in progress.
func (s *RunService) Run(ctx context.Context, trigger models.RunTrigger) (*models.RunReport, error) {
	ctx, span := util.StartSpan(ctx, "RunService.Run")
	var err error
	defer func() { util.EndSpan(span, err) }()

	if !s.running.CompareAndSwap(false, true) {
		err = models.ErrRunInProgress
		return nil, err
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.MaxDuration)
	defer cancel()

	if s.locker != nil {
		unlock, ok, lerr := s.locker.TryLock(ctx, runLockKey, s.lockTTL())
		if lerr != nil {
			err = &models.DependencyError{Op: "TryLock", Err: lerr}
			return nil, err
		}
		if !ok {
			err = models.ErrRunInProgress
			return nil, err
		}
		defer func() {
			if uerr := unlock(context.WithoutCancel(ctx)); uerr != nil {
				s.logger.Warn("Failed to release run lock", zap.Error(uerr))
			}
		}()
	}

	start := time.Now()
	report, err := s.run(ctx, trigger)
	util.RunDuration.Observe(time.Since(start).Seconds())
	util.RunsTotal.WithLabelValues(runStatus(report, err)).Inc()
	if err != nil {
		s.logger.Error("Replenishment run aborted", zap.String("trigger", string(trigger)), zap.Error(err))
		return nil, err
	}
	return report, nil
}

// lockTTL covers the run deadline plus the started decisions and report save that
// finish after it
func (s *RunService) lockTTL() time.Duration {
	return s.cfg.MaxDuration + runLockGrace
}

func (s *RunService) run(ctx context.Context, trigger models.RunTrigger) (*models.RunReport, error) {
	now := s.now()
	report := &models.RunReport{
		RunID:     uuid.New().String(),
		Trigger:   trigger,
		StartedAt: now,
	}
	logger := s.logger.With(zap.String("run_id", report.RunID))
	logger.Info("Replenishment run started", zap.String("trigger", string(trigger)))

	inputs, err := s.loadInputs(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return s.finish(ctx, report, true), nil
		}
		return nil, err
	}

	assessments, err := s.assessAll(ctx, inputs, now)
	if err != nil {
		if ctx.Err() != nil {
			return s.finish(ctx, report, true), nil
		}
		return nil, err
	}
	report.PairsAssessed = len(assessments)
	for i := range assessments {
		if assessments[i].Forecast.InsufficientData {
			report.InsufficientDataPairs++
		}
	}

	candidates := s.generate(assessments, now)
	report.RecommendationsGenerated = len(candidates)
	for _, d := range candidates {
		s.saveDecision(ctx, report.RunID, d)
	}

	plan, err := s.pipeline.Queue.Build(ctx, candidates, now)
	if err != nil {
		return nil, fmt.Errorf("failed to build decision queue: %w", err)
	}
	report.Duplicates = plan.Duplicates
	report.DecisionsSuperseded = len(plan.Superseded)
	for _, d := range plan.Superseded {
		s.saveDecision(ctx, report.RunID, d)
	}
	for _, d := range plan.Ordered {
		s.saveDecision(ctx, report.RunID, d)
	}

	if ctx.Err() != nil {
		report.DecisionsPending = len(plan.Ordered)
		return s.finish(ctx, report, true), nil
	}

	result := s.executor.Execute(ctx, report.RunID, plan.Ordered)
	report.DecisionsExecuted = result.Executed
	report.DecisionsFailed = result.Failed
	report.DecisionsSkipped = result.Skipped
	report.DecisionsPending = result.Pending

	return s.finish(ctx, report, result.Pending > 0), nil
}

func (s *RunService) finish(ctx context.Context, report *models.RunReport, cancelled bool) *models.RunReport {
	report.FinishedAt = s.now()
	report.Cancelled = cancelled

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ReadTimeout)
	defer cancel()
	if err := s.store.SaveRunReport(saveCtx, report); err != nil {
		s.logger.Error("Failed to save run report", zap.String("run_id", report.RunID), zap.Error(err))
	}

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	s.logger.Info("Replenishment run finished",
		zap.String("run_id", report.RunID),
		zap.Int("pairs", report.PairsAssessed),
		zap.Int("recommendations", report.RecommendationsGenerated),
		zap.Int("executed", report.DecisionsExecuted),
		zap.Int("failed", report.DecisionsFailed),
		zap.Int("superseded", report.DecisionsSuperseded),
		zap.Int("pending", report.DecisionsPending),
		zap.Bool("cancelled", report.Cancelled))
	return report
}

// LastReport returns the most recent run report
func (s *RunService) LastReport(ctx context.Context) (*models.RunReport, error) {
	report, err := s.store.GetLastRunReport(ctx)
	if err == nil {
		return report, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last != nil {
		return s.last, nil
	}
	return nil, err
}

// Running reports whether a run is in progress in this process
func (s *RunService) Running() bool {
	return s.running.Load()
}

type runInputs struct {
	stock     []models.LocationStock
	products  map[int64]models.Product
	locations map[int64]models.LocationRef
}

func (s *RunService) loadInputs(ctx context.Context) (*runInputs, error) {
	var locations []models.LocationRef
	if err := s.read(ctx, "GetActiveLocations", func(ctx context.Context) (err error) {
		locations, err = s.store.GetActiveLocations(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	var rows []models.LocationStock
	if err := s.read(ctx, "ListStock", func(ctx context.Context) (err error) {
		rows, err = s.store.ListStock(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	in := &runInputs{
		products:  make(map[int64]models.Product),
		locations: make(map[int64]models.LocationRef, len(locations)),
	}
	for _, l := range locations {
		in.locations[l.ID] = l
	}

	var ids []int64
	seen := make(map[int64]bool)
	for _, r := range rows {
		if _, active := in.locations[r.LocationID]; !active {
			continue
		}
		in.stock = append(in.stock, r)
		if !seen[r.ProductID] {
			seen[r.ProductID] = true
			ids = append(ids, r.ProductID)
		}
	}

	var products []models.Product
	if err := s.read(ctx, "GetProductsByIDs", func(ctx context.Context) (err error) {
		products, err = s.store.GetProductsByIDs(ctx, ids)
		return err
	}); err != nil {
		return nil, err
	}
	for _, p := range products {
		in.products[p.ID] = p
	}
	return in, nil
}

// assessAll forecasts and scores every (product, active location) pair in parallel
func (s *RunService) assessAll(ctx context.Context, in *runInputs, now time.Time) ([]recommend.Assessment, error) {
	ctx, span := util.StartSpan(ctx, "RunService.assessAll")
	defer span.End()

	var rows []models.LocationStock
	for _, r := range in.stock {
		if _, ok := in.products[r.ProductID]; !ok {
			s.logger.Warn("Skipping stock row without catalog entry",
				zap.Int64("product_id", r.ProductID),
				zap.Int64("location_id", r.LocationID))
			continue
		}
		rows = append(rows, r)
	}

	out := make([]recommend.Assessment, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, r := range rows {
		i, r := i, r
		g.Go(func() error {
			a, err := s.assess(gctx, in.products[r.ProductID], in.locations[r.LocationID], r, now)
			if err != nil {
				return err
			}
			out[i] = *a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RunService) assess(ctx context.Context, product models.Product, loc models.LocationRef, stock models.LocationStock, now time.Time) (*recommend.Assessment, error) {
	fc, err := s.forecast(ctx, product.ID, loc.ID, now)
	if err != nil {
		return nil, err
	}

	a := &recommend.Assessment{
		Product:  product,
		Location: loc,
		Stock:    stock,
		Forecast: fc,
	}
	a.Projection = forecast.SimulateStockout(stock.CurrentQuantity, fc.PredictedSeries, now)
	a.Plan = s.pipeline.Calculator.Calculate(fc, product, a.Position(), now)
	a.Risk = s.pipeline.Scorer.Score(replenishment.RiskInput{
		CurrentStock:       stock.CurrentQuantity,
		MaxCapacity:        stock.MaxCapacity,
		ReorderPoint:       a.Plan.ReorderPoint,
		DaysUntilStockout:  a.Projection.DaysUntilStockout,
		AverageDailyDemand: fc.AverageDailyDemand,
		Confidence:         fc.Confidence,
	})

	s.logger.Debug("Pair assessed",
		zap.Int64("product_id", product.ID),
		zap.Int64("location_id", loc.ID),
		zap.Float64("avg_daily_demand", fc.AverageDailyDemand),
		zap.Float64("confidence", fc.Confidence),
		zap.Int("days_until_stockout", a.Projection.DaysUntilStockout),
		zap.String("risk", string(a.Risk.Level)))
	return a, nil
}

// forecast reads through the TTL cache; cache errors only cost a recomputation
func (s *RunService) forecast(ctx context.Context, productID, locationID int64, now time.Time) (*forecast.Forecast, error) {
	fc, hit, err := s.cache.GetForecast(ctx, productID, locationID, now)
	if err != nil {
		s.logger.Warn("Forecast cache read failed", zap.Int64("product_id", productID), zap.Error(err))
	}
	if hit {
		util.ForecastCacheHitsTotal.Inc()
		return fc, nil
	}

	var samples []models.ConsumptionSample
	since := s.pipeline.Forecaster.WindowStart(now)
	if err := s.read(ctx, "GetConsumptionHistory", func(ctx context.Context) (err error) {
		samples, err = s.store.GetConsumptionHistory(ctx, productID, locationID, since)
		return err
	}); err != nil {
		return nil, err
	}

	fc = s.pipeline.Forecaster.Forecast(ctx, productID, locationID, samples, now)
	util.ForecastsComputedTotal.Inc()
	if fc.InsufficientData {
		util.InsufficientDataTotal.Inc()
	}

	if err := s.cache.SetForecast(ctx, fc); err != nil {
		s.logger.Warn("Forecast cache write failed", zap.Int64("product_id", productID), zap.Error(err))
	}
	return fc, nil
}

// generate groups assessments per product and runs the generator in product order
func (s *RunService) generate(assessments []recommend.Assessment, now time.Time) []*models.Decision {
	byProduct := make(map[int64][]recommend.Assessment)
	var ids []int64
	for _, a := range assessments {
		if _, ok := byProduct[a.Product.ID]; !ok {
			ids = append(ids, a.Product.ID)
		}
		byProduct[a.Product.ID] = append(byProduct[a.Product.ID], a)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []*models.Decision
	for _, id := range ids {
		out = append(out, s.pipeline.Generator.Generate(byProduct[id], now)...)
	}
	return out
}

// PairReport is the on-demand view of one (product, location)
type PairReport struct {
	Product    models.Product              `json:"product"`
	Stock      models.LocationStock        `json:"stock"`
	Forecast   *forecast.Forecast          `json:"forecast"`
	Projection forecast.StockoutProjection `json:"projection"`
	Plan       *replenishment.Plan         `json:"plan"`
	Risk       replenishment.Risk          `json:"risk"`
}

// AssessPair forecasts and scores one pair without generating decisions
func (s *RunService) AssessPair(ctx context.Context, productID, locationID int64) (*PairReport, error) {
	ctx, span := util.StartSpan(ctx, "RunService.AssessPair")
	defer span.End()

	var product *models.Product
	if err := s.read(ctx, "GetProductByID", func(ctx context.Context) (err error) {
		product, err = s.store.GetProductByID(ctx, productID)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	var stock *models.LocationStock
	if err := s.read(ctx, "GetCurrentStock", func(ctx context.Context) (err error) {
		stock, err = s.store.GetCurrentStock(ctx, productID, locationID)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to get stock: %w", err)
	}

	a, err := s.assess(ctx, *product, models.LocationRef{ID: locationID}, *stock, s.now())
	if err != nil {
		return nil, err
	}
	return &PairReport{
		Product:    a.Product,
		Stock:      a.Stock,
		Forecast:   a.Forecast,
		Projection: a.Projection,
		Plan:       a.Plan,
		Risk:       a.Risk,
	}, nil
}

// read runs a store call with a timeout per attempt and bounded retry. Missing rows are
// returned as is.
func (s *RunService) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := util.Retry(ctx, s.cfg.Retry, op, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, models.ErrNotFound) {
			return util.Permanent(err)
		}
		return err
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrNotFound):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return &models.DependencyError{Op: op, Err: err}
}

func (s *RunService) saveDecision(ctx context.Context, runID string, d *models.Decision) {
	if err := s.store.SaveDecision(context.WithoutCancel(ctx), runID, d); err != nil {
		s.logger.Error("Failed to save decision", zap.String("decision_id", d.ID), zap.Error(err))
	}
}

func runStatus(report *models.RunReport, err error) string {
	var dep *models.DependencyError
	switch {
	case errors.As(err, &dep):
		return "aborted"
	case err != nil:
		return "failed"
	case report.Cancelled:
		return "cancelled"
	default:
		return "success"
	}
}
