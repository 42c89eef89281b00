package api

import (
	"fmt"
	"strconv"

	"TWPull/internal/domain/models"
	"TWPull/internal/usecase"
	xhttp "TWPull/pkg/http"
	applogger "TWPull/pkg/logger"

	"github.com/labstack/echo/v4"
)

// Anomalies lists day-over-day close jumps above the threshold.
func (h *PullHandler) Anomalies(c echo.Context) error {
	req := &models.AnomalyDetectRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	filter, err := usecase.SeriesFilter(req.Symbol, req.Start, req.End)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()))
	}
	rep, err := h.deps.Detector.Detect(c.Request().Context(), filter, req.Threshold)
	if err != nil {
		h.deps.Logger.Error("anomaly detect failed", applogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("anomaly detection failed").WithError(err))
	}
	return xhttp.SuccessResponse(c, rep)
}

// Fix repairs flagged anomalies inline, or queues the run with ?async=true.
func (h *PullHandler) Fix(c echo.Context) error {
	req := &models.AnomalyFixRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	params, err := h.deps.Repairer.Params(*req)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()))
	}

	if async(c) {
		runID, err := h.deps.Dispatcher.EnqueueRepair(c.Request().Context(), *req)
		if err != nil {
			return h.enqueueError(c, err)
		}
		return xhttp.AcceptedResponse(c, xhttp.AcceptedRun{RunID: runID, Queued: true})
	}

	ctx, cancel := h.runContext(c)
	defer cancel()
	rep, err := h.deps.Repairer.Repair(ctx, params)
	if err != nil {
		h.deps.Logger.Error("anomaly fix failed", applogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("anomaly fix failed").WithError(err))
	}
	return xhttp.SuccessResponse(c, rep)
}

// fixQuery reads a fix request from the query string. The streaming routes
// are GETs, and optional numbers must stay nil when absent.
func fixQuery(c echo.Context) (models.AnomalyFixRequest, error) {
	req := models.AnomalyFixRequest{
		Symbol:      c.QueryParam("symbol"),
		Start:       c.QueryParam("start"),
		End:         c.QueryParam("end"),
		RuleVersion: c.QueryParam("ruleVersion"),
	}
	if v := c.QueryParam("threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return req, fmt.Errorf("threshold: %w", err)
		}
		req.Threshold = f
	}
	if v := c.QueryParam("refetchOnly"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, fmt.Errorf("refetchOnly: %w", err)
		}
		req.RefetchOnly = &b
	}
	if v := c.QueryParam("refetchPaddingDays"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, fmt.Errorf("refetchPaddingDays: %w", err)
		}
		req.RefetchPaddingDays = &n
	}
	if v := c.QueryParam("refetchValidationThreshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return req, fmt.Errorf("refetchValidationThreshold: %w", err)
		}
		req.RefetchValidationThreshold = &f
	}
	return req, nil
}

// streamParams resolves the query of a streaming fix request.
func (h *PullHandler) streamParams(c echo.Context) (usecase.RepairParams, interface{}) {
	req, err := fixQuery(c)
	if err != nil {
		return usecase.RepairParams{}, []*xhttp.AppError{xhttp.BadRequestError(err.Error())}
	}
	if verr := xhttp.ValidateRequest(c.Request().Context(), &req); verr != nil {
		return usecase.RepairParams{}, verr
	}
	params, err := h.deps.Repairer.Params(req)
	if err != nil {
		return params, []*xhttp.AppError{xhttp.BadRequestError(err.Error())}
	}
	return params, nil
}
