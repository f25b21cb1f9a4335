package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentloop/domain"
)

// ListTools returns the registered capabilities with their schemas and risk
// levels.
// GET /v1/tools
func (h *Handler) ListTools(c echo.Context) error {
	return c.JSON(http.StatusOK, domain.ListToolsResponse{
		Tools: h.service.ListTools(),
	})
}
