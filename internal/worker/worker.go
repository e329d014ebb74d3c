package worker

import (
	"context"
	"errors"
	"time"

	"replenishment-engine/internal/broker"
	"replenishment-engine/internal/models"
	"replenishment-engine/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Runner starts replenishment runs
type Runner interface {
	Run(ctx context.Context, trigger models.RunTrigger) (*models.RunReport, error)
}

// MovementHandler applies stock movement events
type MovementHandler interface {
	HandleStockConsumed(ctx context.Context, event *models.StockMovementEvent) error
	HandleStockReceived(ctx context.Context, event *models.StockMovementEvent) error
}

// MessageSource is a consumer loop over a topic
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// RunWorker starts a run for every RUN_REQUESTED command
type RunWorker struct {
	consumer     MessageSource
	eventHandler *broker.EventHandler
	runner       Runner
	logger       *zap.Logger
}

// NewRunWorker creates a new run worker
func NewRunWorker(consumer MessageSource, runner Runner) *RunWorker {
	w := &RunWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		runner:       runner,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnRunRequested(w.handleRunRequested)
	return w
}

func (w *RunWorker) handleRunRequested(ctx context.Context, event *models.RunRequestedEvent) error {
	w.logger.Info("Run requested",
		zap.String("event_id", event.EventID),
		zap.String("requested_by", event.RequestedBy))

	_, err := w.runner.Run(ctx, models.TriggerEvent)
	if errors.Is(err, models.ErrRunInProgress) {
		w.logger.Info("Run already in progress, dropping request", zap.String("event_id", event.EventID))
		return nil
	}
	return err
}

// HandleMessage routes one message through the event handler
func (w *RunWorker) HandleMessage(ctx context.Context, msg kafka.Message) error {
	return w.eventHandler.HandleMessage(ctx, msg)
}

// Start starts the worker
func (w *RunWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting run worker")
	return w.consumer.StartConsuming(ctx, w.HandleMessage)
}

// Stop stops the worker
func (w *RunWorker) Stop() error {
	w.logger.Info("Stopping run worker")
	return w.consumer.Close()
}

// StockMovementWorker applies consumption and receipt events
type StockMovementWorker struct {
	consumer     MessageSource
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewStockMovementWorker creates a new stock movement worker
func NewStockMovementWorker(consumer MessageSource, movements MovementHandler) *StockMovementWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnStockConsumed(movements.HandleStockConsumed)
	eventHandler.OnStockReceived(movements.HandleStockReceived)

	return &StockMovementWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *StockMovementWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting stock movement worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *StockMovementWorker) Stop() error {
	w.logger.Info("Stopping stock movement worker")
	return w.consumer.Close()
}

// Scheduler triggers a run every interval. Each run is bounded by timeout.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewScheduler creates a scheduler; a zero timeout bounds each run by the interval
func NewScheduler(runner Runner, interval, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = interval
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		timeout:  timeout,
		logger:   util.GetLogger(),
	}
}

// Start blocks until ctx is done
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.Info("Run scheduler disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	s.logger.Info("Starting run scheduler", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Run scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	report, err := s.runner.Run(runCtx, models.TriggerSchedule)
	switch {
	case errors.Is(err, models.ErrRunInProgress):
		s.logger.Info("Skipping scheduled run, previous run still in progress")
	case err != nil:
		s.logger.Error("Scheduled run failed", zap.Error(err))
	default:
		s.logger.Info("Scheduled run completed",
			zap.String("run_id", report.RunID),
			zap.Int("executed", report.DecisionsExecuted))
	}
}
