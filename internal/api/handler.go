package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"replenishment-engine/internal/models"
	"replenishment-engine/internal/service"
	"replenishment-engine/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Runs is the run service surface exposed over HTTP
type Runs interface {
	Run(ctx context.Context, trigger models.RunTrigger) (*models.RunReport, error)
	LastReport(ctx context.Context) (*models.RunReport, error)
	AssessPair(ctx context.Context, productID, locationID int64) (*service.PairReport, error)
}

// Decisions reads the decision log
type Decisions interface {
	ListDecisions(ctx context.Context, runID string) ([]*models.Decision, error)
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	runs      Runs
	decisions Decisions
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(runs Runs, decisions Decisions) *Handler {
	return &Handler{
		runs:      runs,
		decisions: decisions,
		logger:    util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/runs", h.triggerRun)
		v1.GET("/runs/last", h.lastRun)
		v1.GET("/runs/:run_id/decisions", h.runDecisions)
		v1.GET("/forecasts/:product_id/:location_id", h.getForecast)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready once the store answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.decisions.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// triggerRun runs replenishment synchronously and returns the report
func (h *Handler) triggerRun(c *gin.Context) {
	report, err := h.runs.Run(c.Request.Context(), models.TriggerHTTP)
	if err != nil {
		var dep *models.DependencyError
		switch {
		case errors.Is(err, models.ErrRunInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": "Run already in progress"})
		case errors.As(err, &dep):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "Run aborted",
				"details": err.Error(),
			})
		default:
			h.logger.Error("Run failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "Run failed",
				"details": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, report)
}

// lastRun returns the most recent run report
func (h *Handler) lastRun(c *gin.Context) {
	report, err := h.runs.LastReport(c.Request.Context())
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No run report yet"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load run report",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, report)
}

// runDecisions returns the decision log of one run
func (h *Handler) runDecisions(c *gin.Context) {
	decisions, err := h.decisions.ListDecisions(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to list decisions",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":    c.Param("run_id"),
		"decisions": decisions,
	})
}

// getForecast returns forecast, projection, plan and risk for one pair
func (h *Handler) getForecast(c *gin.Context) {
	productID, err := strconv.ParseInt(c.Param("product_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid product ID"})
		return
	}
	locationID, err := strconv.ParseInt(c.Param("location_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid location ID"})
		return
	}

	report, err := h.runs.AssessPair(c.Request.Context(), productID, locationID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, models.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{
			"error":   "Failed to assess pair",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, report)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
