package api

import (
	"errors"
	"strconv"
	"strings"

	"TWPull/internal/domain/models"
	"TWPull/internal/usecase"
	xhttp "TWPull/pkg/http"
	applogger "TWPull/pkg/logger"
	"TWPull/pkg/queue"

	"github.com/labstack/echo/v4"
)

// Backfill runs (or queues with ?async=true) a backfill for the requested symbols.
func (h *PullHandler) Backfill(c echo.Context) error {
	req := &models.BackfillRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	params, err := h.deps.Backfiller.Params(*req)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()))
	}

	if async(c) {
		runID, err := h.deps.Dispatcher.EnqueueBackfill(c.Request().Context(), *req)
		if err != nil {
			return h.enqueueError(c, err)
		}
		return xhttp.AcceptedResponse(c, xhttp.AcceptedRun{RunID: runID, Queued: true})
	}

	ctx, cancel := h.runContext(c)
	defer cancel()
	rep, err := h.deps.Backfiller.RunBatches(ctx, params)
	if err != nil {
		h.deps.Logger.Error("backfill failed", applogger.Strings("symbols", params.Symbols), applogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("backfill failed").WithError(err))
	}
	return xhttp.SuccessResponse(c, rep)
}

// Coverage reports per-year counts and the ranges an incremental run would fetch.
func (h *PullHandler) Coverage(c echo.Context) error {
	symbol := strings.TrimSpace(c.Param("symbol"))
	if symbol == "" {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("symbol is required"))
	}
	rep, err := h.deps.Coverage.Analyze(c.Request().Context(), symbol)
	if err != nil {
		h.deps.Logger.Error("coverage failed", applogger.String("symbol", symbol), applogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("coverage failed").WithError(err))
	}
	return xhttp.SuccessResponse(c, rep)
}

// ComputeReturns recomputes daily returns; an empty symbol list means every stored symbol.
func (h *PullHandler) ComputeReturns(c echo.Context) error {
	req := &models.ReturnsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	ctx, cancel := h.runContext(c)
	defer cancel()
	rep, err := h.deps.Returns.Run(ctx, req.Symbols)
	if err != nil {
		h.deps.Logger.Error("returns failed", applogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("returns failed").WithError(err))
	}
	return xhttp.SuccessResponse(c, rep)
}

// RunStatus reports the queue state of an async run.
func (h *PullHandler) RunStatus(c echo.Context) error {
	st, err := h.deps.Dispatcher.Status(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, queue.ErrUnknownJob):
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError("run not found"))
	case err != nil:
		return h.enqueueError(c, err)
	}
	return xhttp.SuccessResponse(c, st)
}

func async(c echo.Context) bool {
	v, err := strconv.ParseBool(c.QueryParam("async"))
	return err == nil && v
}

func (h *PullHandler) enqueueError(c echo.Context, err error) error {
	if errors.Is(err, usecase.ErrQueueDisabled) {
		return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError(err.Error()))
	}
	h.deps.Logger.Error("enqueue failed", applogger.Error(err))
	return xhttp.AppErrorResponse(c, xhttp.InternalError("enqueue failed").WithError(err))
}
