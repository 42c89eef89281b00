package api

import (
	"context"
	"time"

	domrepo "TWPull/internal/domain/repository"
	"TWPull/internal/service/metrics"
	"TWPull/internal/usecase"
	xhttp "TWPull/pkg/http"
	"TWPull/pkg/http/middleware"
	applogger "TWPull/pkg/logger"

	"github.com/labstack/echo/v4"
)

// Deps bundles the use cases served over HTTP.
type Deps struct {
	Store      domrepo.PriceStore
	Backfiller *usecase.Backfiller
	Coverage   *usecase.CoverageAnalyzer
	Detector   *usecase.Detector
	Repairer   *usecase.Repairer
	Returns    *usecase.ReturnsCalculator
	Dispatcher *usecase.Dispatcher
	Limiter    middleware.Allower
	Logger     *applogger.Logger
}

// PullHandler exposes backfill, coverage, anomaly and returns endpoints.
type PullHandler struct {
	deps    Deps
	timeout time.Duration
}

var _ xhttp.Handler = (*PullHandler)(nil)

// NewPullHandler builds the handler. Orchestration requests run under timeout
// (zero disables it).
func NewPullHandler(d Deps, timeout time.Duration) *PullHandler {
	metrics.Register()
	if d.Logger == nil {
		d.Logger = applogger.Nop()
	}
	return &PullHandler{deps: d, timeout: timeout}
}

func (h *PullHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)

	g := e.Group("/api")
	heavy := middleware.RateLimit(h.deps.Limiter, xhttp.ClientKey, func(c echo.Context) {
		metrics.APIRateLimited.WithLabelValues(c.Path()).Inc()
	})

	g.POST("/backfill", h.Backfill, instrument("backfill"), heavy)
	g.GET("/coverage/:symbol", h.Coverage, instrument("coverage"))
	g.GET("/anomalies", h.Anomalies, instrument("anomalies"))
	g.POST("/anomalies/fix", h.Fix, instrument("anomalies_fix"), heavy)
	g.GET("/anomalies/fix/stream", h.FixStream, instrument("anomalies_fix_stream"), heavy)
	g.GET("/anomalies/fix/ws", h.FixWS, instrument("anomalies_fix_ws"), heavy)
	g.POST("/returns", h.ComputeReturns, instrument("returns"), heavy)
	g.GET("/runs/:id", h.RunStatus, instrument("run_status"))
}

// runContext bounds a long-running request.
func (h *PullHandler) runContext(c echo.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(c.Request().Context())
	}
	return context.WithTimeout(c.Request().Context(), h.timeout)
}

// instrument records endpoint latency and error envelopes.
func instrument(endpoint string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			metrics.APILatency.WithLabelValues(endpoint, c.Request().Method).Observe(time.Since(start).Seconds())
			if err != nil || c.Response().Status >= 400 {
				metrics.APIErrors.WithLabelValues(endpoint).Inc()
			}
			return err
		}
	}
}

func (h *PullHandler) Health(c echo.Context) error {
	if h.deps.Store != nil {
		if err := h.deps.Store.Health(c.Request().Context()); err != nil {
			h.deps.Logger.Error("health check failed", applogger.Error(err))
			return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError("store unavailable").WithError(err))
		}
	}
	return xhttp.SuccessResponse(c, map[string]string{"status": "ok"})
}
