package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"chatloop.dev/dispatch/internal/http/dto"
	"chatloop.dev/dispatch/internal/model"
	"chatloop.dev/dispatch/internal/service"
)

type EventHandler struct {
	processor  service.ResponseProcessor
	selfSource string
}

func NewEventHandler(processor service.ResponseProcessor, selfSource string) *EventHandler {
	return &EventHandler{
		processor:  processor,
		selfSource: selfSource,
	}
}

// Ingest receives a CloudEvent from the broker. Self-originated events are
// dropped to prevent feedback loops; duplicates resolve to a no-op skip.
func (h *EventHandler) Ingest(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.IngestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid event envelope", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Source == h.selfSource {
		slog.DebugContext(ctx, "self-originated event dropped", "event_id", req.ID)
		c.JSON(http.StatusAccepted, dto.IngestEventResponse{
			Status:  "dropped",
			Reason:  "self-originated",
			EventID: req.ID,
		})
		return
	}

	outcome, err := h.processor.Process(ctx, &model.CloudEvent{
		ID:          req.ID,
		Type:        req.Type,
		Source:      req.Source,
		SpecVersion: req.SpecVersion,
		Time:        req.Time,
		Data:        req.Data,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to process event", "event_id", req.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process event"})
		return
	}

	c.JSON(http.StatusOK, dto.IngestEventResponse{
		Status:  outcome.Status,
		Reason:  outcome.Reason,
		EventID: req.ID,
	})
}
