package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentloop/domain"
)

// streamPollInterval is how often the SSE handler checks for new events.
const streamPollInterval = 100 * time.Millisecond

// GetSessionEvents returns events for a session ordered by sequence number.
// GET /v1/sessions/:session_id/events?after_seq=0&types=thinking,content&limit=100
func (h *Handler) GetSessionEvents(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID := c.Param("session_id")

	afterSeq, _ := strconv.ParseInt(c.QueryParam("after_seq"), 10, 64)
	var types []string
	if typesStr := c.QueryParam("types"); typesStr != "" {
		types = strings.Split(typesStr, ",")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = 100
	}

	events, err := h.service.GetEvents(ctx, sessionID, afterSeq, types, limit)
	if err != nil {
		log.Printf("ERROR: failed to get events: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get events"})
	}

	lastSeq := afterSeq
	if len(events) > 0 {
		lastSeq = events[len(events)-1].Seq
	}
	return c.JSON(http.StatusOK, domain.ListEventsResponse{
		Events:  events,
		LastSeq: lastSeq,
	})
}

// StreamSessionEvents streams session events as SSE. Persisted events after
// after_seq are delivered first, then the live tail; the stream closes once a
// done event has been sent.
// GET /v1/sessions/:session_id/events/stream?after_seq=0
func (h *Handler) StreamSessionEvents(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID := c.Param("session_id")
	afterSeq, _ := strconv.ParseInt(c.QueryParam("after_seq"), 10, 64)

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
	}

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		events, err := h.service.GetEvents(ctx, sessionID, afterSeq, nil, 256)
		if err != nil {
			log.Printf("ERROR: failed to poll events for stream: %v", err)
			return nil
		}

		for i := range events {
			data, err := json.Marshal(&events[i])
			if err != nil {
				log.Printf("ERROR: failed to marshal event %s: %v", events[i].EventID, err)
				continue
			}
			if _, err := fmt.Fprintf(c.Response().Writer, "data: %s\n\n", data); err != nil {
				return nil
			}
			afterSeq = events[i].Seq

			if events[i].Type == domain.EventTypeDone {
				fmt.Fprintf(c.Response().Writer, "data: [DONE]\n\n")
				flusher.Flush()
				return nil
			}
		}
		if len(events) > 0 {
			flusher.Flush()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
