package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"chatloop.dev/dispatch/internal/http/dto"
	"chatloop.dev/dispatch/internal/model"
	"chatloop.dev/dispatch/internal/service"
	"chatloop.dev/dispatch/internal/store"
)

type RequestHandler struct {
	orchestrator service.RequestOrchestrator
}

func NewRequestHandler(orchestrator service.RequestOrchestrator) *RequestHandler {
	return &RequestHandler{orchestrator: orchestrator}
}

// Create accepts a user request and, unless async, blocks for the result.
func (h *RequestHandler) Create(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.CreateRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.orchestrator.Handle(ctx, service.RequestParams{
		UserID:      req.UserID,
		ChannelType: model.ChannelType(req.ChannelType),
		AgentID:     req.AgentID,
		Content:     req.Content,
		Timeout:     time.Duration(req.TimeoutMs) * time.Millisecond,
		Async:       req.Async,
	})
	if err != nil {
		slog.ErrorContext(ctx, "request handling failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to handle request"})
		return
	}

	status := http.StatusOK
	switch result.Status {
	case service.StatusAccepted:
		status = http.StatusAccepted
	case service.StatusTimeout:
		status = http.StatusGatewayTimeout
	}

	c.JSON(status, dto.RequestResponse{
		Status:           result.Status,
		RequestID:        result.RequestID,
		SessionID:        result.SessionID,
		Content:          result.Content,
		Error:            result.Error,
		ProcessingTimeMs: result.ProcessingTimeMs,
	})
}

// Get returns the durable record for a request, including late results that
// arrived after a caller-side timeout.
func (h *RequestHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	requestID := c.Param("id")

	log, err := h.orchestrator.Lookup(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
			return
		}
		slog.ErrorContext(ctx, "request lookup failed", "request_id", requestID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up request"})
		return
	}

	c.JSON(http.StatusOK, dto.RequestLogResponse{
		RequestID:        log.RequestID,
		SessionID:        log.SessionID,
		ResponseContent:  log.ResponseContent,
		AgentID:          log.AgentID,
		ProcessingTimeMs: log.ProcessingTimeMs,
		ErrorMessage:     log.ErrorMessage,
		CompletedAt:      log.CompletedAt,
		CreatedAt:        log.CreatedAt,
	})
}
