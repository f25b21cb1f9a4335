// Package api provides the HTTP handlers for the agent runtime.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentloop/config"
	"github.com/xiaot623/agentloop/internal/hub"
	"github.com/xiaot623/agentloop/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	hub     *hub.Hub
	ws      *hub.Server
	config  *config.Config
}

// NewHandler creates a new handler.
func NewHandler(svc *service.Service, connectionHub *hub.Hub, ws *hub.Server, config *config.Config) *Handler {
	return &Handler{
		service: svc,
		hub:     connectionHub,
		ws:      ws,
		config:  config,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Runs
	e.POST("/v1/sessions/:session_id/runs", h.StartRun)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.POST("/v1/runs/:run_id/cancel", h.CancelRun)

	// Event stream
	e.GET("/v1/sessions/:session_id/events", h.GetSessionEvents)
	e.GET("/v1/sessions/:session_id/events/stream", h.StreamSessionEvents)

	// Confirmations
	e.POST("/v1/confirmations/:confirmation_id", h.DecideConfirmation)
	e.GET("/v1/confirmations/:confirmation_id", h.GetConfirmation)

	// Working memory and capabilities
	e.GET("/v1/sessions/:session_id/memory", h.GetSessionMemory)
	e.GET("/v1/tools", h.ListTools)

	if h.ws != nil {
		e.GET("/ws", h.ws.HandleWebSocket)
	}

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	resp := map[string]interface{}{
		"status":  "healthy",
		"version": "0.1.0",
	}
	if h.hub != nil {
		resp["connections"] = h.hub.ConnectionCount()
		resp["sessions"] = h.hub.SessionCount()
	}
	return c.JSON(http.StatusOK, resp)
}
