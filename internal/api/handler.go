// Package api exposes the workflow entry points over HTTP.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/kaljuvee/alpacacode/internal/metrics"
	"github.com/kaljuvee/alpacacode/internal/orchestrator"
	"github.com/kaljuvee/alpacacode/internal/store"
	"github.com/kaljuvee/alpacacode/internal/timespec"
	"github.com/kaljuvee/alpacacode/pkg/bus"
	"github.com/kaljuvee/alpacacode/pkg/workflow"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Workflow is the run lifecycle served by the API. Implemented by
// orchestrator.Engine.
type Workflow interface {
	Start(ctx context.Context, req workflow.StartRequest) (*workflow.Run, error)
	GetStatus(ctx context.Context, runID string) (*workflow.Run, error)
	Cancel(ctx context.Context, runID string) error
	Report(ctx context.Context, runID string) (*workflow.Report, error)
	ListRuns(ctx context.Context, sinceMs int64) ([]*workflow.Run, error)
}

// Handler handles HTTP requests.
type Handler struct {
	workflow Workflow
	store    store.Store
	bus      bus.Bus
	metrics  *metrics.Metrics
}

// NewHandler creates a new handler.
func NewHandler(wf Workflow, s store.Store, b bus.Bus, m *metrics.Metrics) *Handler {
	return &Handler{
		workflow: wf,
		store:    s,
		bus:      b,
		metrics:  m,
	}
}

// NewServer creates an echo server with every route registered.
func NewServer(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[INFO] API: %s %s -> %d (%s)", v.Method, v.URI, v.Status, v.Latency.Round(time.Millisecond))
			return nil
		},
	}))

	h.RegisterRoutes(e)
	return e
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/runs", h.StartRun)
	e.GET("/v1/runs", h.ListRuns)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.POST("/v1/runs/:run_id/cancel", h.CancelRun)
	e.GET("/v1/runs/:run_id/report", h.GetReport)

	e.GET("/healthz", h.Health)
	e.GET("/metrics", echo.WrapHandler(h.metrics.Handler()))
}

// StartRun starts a workflow run.
// POST /v1/runs
func (h *Handler) StartRun(c echo.Context) error {
	var req workflow.StartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	run, err := h.workflow.Start(c.Request().Context(), req)
	if err != nil {
		return h.errorResponse(c, "failed to start run", err)
	}
	return c.JSON(http.StatusAccepted, run)
}

// ListRuns lists runs, optionally only those started after ?since=.
// GET /v1/runs
func (h *Handler) ListRuns(c echo.Context) error {
	var sinceMs int64
	if since := c.QueryParam("since"); since != "" {
		ms, err := timespec.Parse(since)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		sinceMs = ms
	}

	runs, err := h.workflow.ListRuns(c.Request().Context(), sinceMs)
	if err != nil {
		return h.errorResponse(c, "failed to list runs", err)
	}
	if runs == nil {
		runs = []*workflow.Run{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun returns the status of a run.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.workflow.GetStatus(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return h.errorResponse(c, "failed to get run", err)
	}
	return c.JSON(http.StatusOK, run)
}

// CancelRun cancels a run.
// POST /v1/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	if err := h.workflow.Cancel(ctx, runID); err != nil {
		return h.errorResponse(c, "failed to cancel run", err)
	}
	run, err := h.workflow.GetStatus(ctx, runID)
	if err != nil {
		return h.errorResponse(c, "failed to get run", err)
	}
	return c.JSON(http.StatusOK, run)
}

// GetReport returns the report of a finished run.
// GET /v1/runs/:run_id/report
func (h *Handler) GetReport(c echo.Context) error {
	report, err := h.workflow.Report(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return h.errorResponse(c, "failed to get report", err)
	}
	return c.JSON(http.StatusOK, report)
}

// Health reports store reachability and the depth of every agent inbox.
// GET /healthz
func (h *Handler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		log.Printf("[WARN] API: health check failed: %v", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  "store unreachable",
		})
	}

	pending := make(map[string]int64, len(bus.Agents))
	for _, name := range bus.Agents {
		n, err := h.bus.Pending(ctx, name)
		if err != nil {
			log.Printf("[WARN] API: health check failed: %v", err)
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  "bus unreachable",
			})
		}
		pending[name] = n
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"pending": pending,
	})
}

// errorResponse maps workflow errors to HTTP status codes.
func (h *Handler) errorResponse(c echo.Context, msg string, err error) error {
	status := http.StatusInternalServerError
	switch {
	case store.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, workflow.ErrConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrRunFinished):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Printf("[ERROR] API: %s: %v", msg, err)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
