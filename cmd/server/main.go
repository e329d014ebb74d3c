package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"replenishment-engine/config"
	"replenishment-engine/internal/api"
	"replenishment-engine/internal/broker"
	"replenishment-engine/internal/execution"
	"replenishment-engine/internal/forecast"
	"replenishment-engine/internal/queue"
	"replenishment-engine/internal/recommend"
	"replenishment-engine/internal/redisclient"
	"replenishment-engine/internal/replenishment"
	"replenishment-engine/internal/service"
	"replenishment-engine/internal/store"
	"replenishment-engine/internal/util"
	"replenishment-engine/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting replenishment engine",
		zap.String("env", cfg.Server.Env),
		zap.String("store", cfg.Database.Driver))

	tp, err := util.InitTracer("replenishment-engine", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := openStore(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer db.Close()

	// redis is optional: without it the forecast cache is a no-op and runs are only
	// serialized within this process
	var (
		cache  = redisclient.NewNoopForecastCache()
		locker service.RunLocker
		idem   execution.Idempotency
	)
	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Warn("Redis unavailable, continuing without cache and run lock", zap.Error(err))
	} else {
		defer redisClient.Close()
		cache = redisclient.NewForecastCache(redisClient, cfg.Redis.ForecastCacheTTL)
		locker = redisClient
		idem = redisClient
		logger.Info("Redis connected")
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	emitter := broker.NewEmitter(producer)

	pipeline, err := buildPipeline(cfg.Engine)
	if err != nil {
		logger.Fatal("Invalid engine configuration", zap.Error(err))
	}

	retry := util.RetryConfig{
		Attempts: cfg.Engine.RetryAttempts,
		Backoff:  cfg.Engine.RetryBackoff,
	}
	engine := execution.NewEngine(db, emitter, idem, execution.Config{
		MaxInFlight: cfg.Engine.MaxInFlight,
		Timeout:     cfg.Engine.ExternalTimeout,
		Retry:       retry,
	})
	runService := service.NewRunService(db, cache, engine, locker, pipeline, service.RunConfig{
		Workers:     cfg.Engine.WorkerCount,
		ReadTimeout: cfg.Engine.ExternalTimeout,
		Retry:       retry,
		MaxDuration: cfg.Engine.RunTimeout,
	})
	movementService := service.NewMovementService(db)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	runWorker := worker.NewRunWorker(
		broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicRunRequests, cfg.Kafka.ConsumerGroup),
		runService)
	go func() {
		if err := runWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Run worker error", zap.Error(err))
		}
	}()

	movementWorker := worker.NewStockMovementWorker(
		broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicMovements, cfg.Kafka.ConsumerGroup),
		movementService)
	go func() {
		if err := movementWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Stock movement worker error", zap.Error(err))
		}
	}()

	scheduler := worker.NewScheduler(runService, cfg.Engine.RunInterval, cfg.Engine.RunTimeout)
	go func() {
		if err := scheduler.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Scheduler error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(runService, db)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// cancelling stops the scheduler; an in-flight run finishes its started decisions
	workerCancel()
	if err := runWorker.Stop(); err != nil {
		logger.Error("Failed to stop run worker", zap.Error(err))
	}
	if err := movementWorker.Stop(); err != nil {
		logger.Error("Failed to stop stock movement worker", zap.Error(err))
	}

	logger.Info("Server exited")
}

func openStore(cfg config.DatabaseConfig) (store.Store, error) {
	if cfg.Driver == "memory" {
		return store.NewMemoryStore(), nil
	}
	pg, err := store.NewPostgresStore(cfg.URL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

func buildPipeline(cfg config.EngineConfig) (service.Pipeline, error) {
	seasonality := forecast.NewWeeklySeasonality()
	if len(cfg.WeeklySeasonality) == 7 {
		// configured Monday first, time.Weekday is Sunday first
		for i, v := range cfg.WeeklySeasonality {
			seasonality.Weekly[(i+1)%7] = v
		}
	}

	thresholds, err := replenishment.ParseThresholds(cfg.RiskThresholds)
	if err != nil {
		return service.Pipeline{}, err
	}
	pairs, err := queue.ParseConflictPairs(cfg.ConflictPairs)
	if err != nil {
		return service.Pipeline{}, err
	}

	risk := replenishment.DefaultRiskConfig()
	risk.Thresholds = thresholds
	risk.OverstockDays = cfg.OverstockDays

	return service.Pipeline{
		Forecaster: forecast.NewForecaster(seasonality, cfg.ForecastWindowDays, cfg.ForecastHorizonDays),
		Calculator: replenishment.NewCalculator(replenishment.CostParams{
			OrderCost:       cfg.OrderCost,
			HoldingCostRate: cfg.HoldingCostRate,
		}, cfg.DefaultLeadTimeDays),
		Scorer: replenishment.NewRiskScorer(risk),
		Generator: recommend.NewGenerator(recommend.Config{
			MinTransferUnits:     cfg.TransferMinUnits,
			MaxMatchesPerSurplus: cfg.TransferMaxMatches,
		}),
		Queue: queue.NewDecisionQueue(pairs, cfg.MaxInFlight),
	}, nil
}
