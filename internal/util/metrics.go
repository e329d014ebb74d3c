package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replenishment_runs_total",
		Help: "Total number of replenishment runs",
	}, []string{"status"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "replenishment_run_duration_seconds",
		Help:    "Duration of a full replenishment run",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	ForecastsComputedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forecasts_computed_total",
		Help: "Total number of demand forecasts computed",
	})

	ForecastCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forecast_cache_hits_total",
		Help: "Total number of forecasts served from cache",
	})

	InsufficientDataTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forecast_insufficient_data_total",
		Help: "Total number of (product, location) pairs without consumption samples",
	})

	RecommendationsGeneratedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recommendations_generated_total",
		Help: "Total number of proposed decisions",
	}, []string{"kind"})

	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decisions_total",
		Help: "Total number of decisions reaching a terminal status",
	}, []string{"kind", "status"})

	ConflictsResolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conflicts_resolved_total",
		Help: "Total number of decisions superseded by conflict resolution",
	})

	DecisionExecutionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "decision_execution_latency_seconds",
		Help:    "Latency of decision execution",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	StockMutationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_mutations_failed_total",
		Help: "Total number of rejected or failed stock mutations",
	}, []string{"reason"})

	StockMovementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_movements_total",
		Help: "Total number of consumed/received stock movement events applied",
	}, []string{"type"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
