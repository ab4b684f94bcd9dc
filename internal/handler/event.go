package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/web-casa/dockerops/internal/event"
)

// EventHandler serves recently published events.
type EventHandler struct {
	recorder *event.Recorder
}

func NewEventHandler(recorder *event.Recorder) *EventHandler {
	return &EventHandler{recorder: recorder}
}

// List returns the newest events first, optionally filtered by type.
func (h *EventHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > event.DefaultCapacity {
		limit = 50
	}

	events := h.recorder.Recent(0)
	if typ := c.Query("type"); typ != "" {
		filtered := events[:0]
		for _, ev := range events {
			if ev.Type == typ {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	if len(events) > limit {
		events = events[:limit]
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"total":  len(events),
	})
}
