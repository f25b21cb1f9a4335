package api

import (
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentloop/domain"
)

// DecideConfirmation records a human decision on a pending confirmation.
// Repeat decisions return the recorded state unchanged.
// POST /v1/confirmations/:confirmation_id
func (h *Handler) DecideConfirmation(c echo.Context) error {
	ctx := c.Request().Context()
	confirmationID := c.Param("confirmation_id")

	var req domain.ConfirmRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	conf, err := h.service.Confirm(ctx, confirmationID, req)
	if err != nil {
		log.Printf("ERROR: failed to decide confirmation: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to decide confirmation"})
	}
	if conf == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "confirmation not found"})
	}

	resp := domain.ConfirmResponse{
		ConfirmationID: conf.ConfirmationID,
		Status:         conf.Status,
		ToolCallID:     conf.ToolCallID,
	}
	if toolCall, err := h.service.GetToolCall(ctx, conf.ToolCallID); err == nil && toolCall != nil {
		resp.ToolCallStatus = toolCall.Status
	}
	return c.JSON(http.StatusOK, resp)
}

// GetConfirmation returns a confirmation record.
// GET /v1/confirmations/:confirmation_id
func (h *Handler) GetConfirmation(c echo.Context) error {
	confirmationID := c.Param("confirmation_id")

	conf, err := h.service.GetConfirmation(c.Request().Context(), confirmationID)
	if err != nil {
		log.Printf("ERROR: failed to get confirmation: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get confirmation"})
	}
	if conf == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "confirmation not found"})
	}
	return c.JSON(http.StatusOK, conf)
}
