package api

import (
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
)

// GetSessionMemory returns the working-memory snapshot for a session.
// Reading never disturbs loop-internal counters.
// GET /v1/sessions/:session_id/memory
func (h *Handler) GetSessionMemory(c echo.Context) error {
	sessionID := c.Param("session_id")

	snapshot, err := h.service.GetMemory(c.Request().Context(), sessionID)
	if err != nil {
		log.Printf("ERROR: failed to get memory: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get memory"})
	}
	if snapshot == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	return c.JSON(http.StatusOK, snapshot)
}
