package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentloop/domain"
	"github.com/xiaot623/agentloop/internal/service"
)

// StartRun accepts a user input for a session and starts the loop.
// POST /v1/sessions/:session_id/runs
func (h *Handler) StartRun(c echo.Context) error {
	sessionID := c.Param("session_id")

	var req domain.StartRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	run, err := h.service.StartRun(c.Request().Context(), sessionID, req)
	if err != nil {
		if errors.Is(err, domain.ErrValidationFailed) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		if errors.Is(err, service.ErrRunInProgress) {
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		}
		log.Printf("ERROR: failed to start run: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to start run"})
	}

	return c.JSON(http.StatusAccepted, domain.StartRunResponse{
		RunID:     run.RunID,
		SessionID: run.SessionID,
		State:     run.State,
	})
}

// GetRun returns the current state of a run.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	runID := c.Param("run_id")

	run, err := h.service.GetRun(c.Request().Context(), runID)
	if err != nil {
		log.Printf("ERROR: failed to get run: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get run"})
	}
	if run == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}
	return c.JSON(http.StatusOK, run)
}

// CancelRun requests a stop for a live run. Cancelling a finished run returns
// its recorded state unchanged.
// POST /v1/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	runID := c.Param("run_id")

	run, err := h.service.CancelRun(c.Request().Context(), runID)
	if err != nil {
		log.Printf("ERROR: failed to cancel run: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to cancel run"})
	}
	if run == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}
	return c.JSON(http.StatusOK, run)
}
