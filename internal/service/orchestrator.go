package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"chatloop.dev/dispatch/common/logger"
	"chatloop.dev/dispatch/internal/bridge"
	"chatloop.dev/dispatch/internal/comms"
	"chatloop.dev/dispatch/internal/model"
	"chatloop.dev/dispatch/internal/store"
)

// Request status vocabulary surfaced to callers.
const (
	StatusAccepted  = "accepted"  // queued; async caller should poll
	StatusCompleted = "completed" // synchronous result attached
	StatusSkipped   = "skipped"   // duplicate, no-op
	StatusTimeout   = "timeout"   // caller-visible deadline exceeded
	StatusError     = "error"     // malformed input or unrecoverable failure
)

type RequestParams struct {
	UserID      string
	ChannelType model.ChannelType
	AgentID     string
	Content     string
	Timeout     time.Duration // zero uses the configured default
	Async       bool          // accept without waiting for the result
}

type RequestResult struct {
	Status           string
	RequestID        string
	SessionID        string
	Content          string
	Error            *string
	ProcessingTimeMs int64
}

// RequestOrchestrator accepts a caller's request, binds it to a session,
// hands it to the communication strategy, and (for synchronous callers)
// awaits the result through the response bridge.
type RequestOrchestrator interface {
	Handle(ctx context.Context, params RequestParams) (*RequestResult, error)
	// Lookup reads the durable record for a request, e.g. to retrieve a late
	// result after a timeout.
	Lookup(ctx context.Context, requestID string) (*model.RequestLog, error)
}

type requestOrchestrator struct {
	sessions SessionService
	store    store.SessionStore
	logs     store.RequestLogStore
	strategy comms.Strategy
	bridge   *bridge.ResponseBridge
}

func NewRequestOrchestrator(
	sessions SessionService,
	sessionStore store.SessionStore,
	logs store.RequestLogStore,
	strategy comms.Strategy,
	b *bridge.ResponseBridge,
) RequestOrchestrator {
	return &requestOrchestrator{
		sessions: sessions,
		store:    sessionStore,
		logs:     logs,
		strategy: strategy,
		bridge:   b,
	}
}

func (o *requestOrchestrator) Handle(ctx context.Context, params RequestParams) (*RequestResult, error) {
	if params.UserID == "" || params.ChannelType == "" || params.Content == "" {
		return nil, fmt.Errorf("user_id, channel_type, and content are required")
	}

	session, err := o.sessions.GetOrCreate(ctx, params.UserID, params.ChannelType, params.AgentID)
	if err != nil {
		return nil, fmt.Errorf("resolving session: %w", err)
	}

	requestID := uuid.NewString()
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		RequestID: &requestID,
		SessionID: &session.ID,
		Component: "dispatch.orchestrator",
	})

	if _, err := o.logs.Create(ctx, requestID, session.ID); err != nil {
		return nil, fmt.Errorf("creating request log: %w", err)
	}

	if err := o.store.IncrementRequestCount(ctx, session.ID); err != nil {
		// The counter is best-effort bookkeeping; the request proceeds.
		slog.WarnContext(ctx, "failed to bump session request count", "error", err)
	}

	// Register before sending so a same-process response cannot race the wait.
	o.bridge.Register(requestID)

	agentID := params.AgentID
	if agentID == "" && session.CurrentAgentID != nil {
		agentID = *session.CurrentAgentID
	}

	if err := o.strategy.Send(ctx, &model.AgentRequestData{
		RequestID: requestID,
		SessionID: session.ID,
		UserID:    params.UserID,
		AgentID:   agentID,
		Content:   params.Content,
	}); err != nil {
		o.bridge.Release(requestID)
		msg := err.Error()
		return &RequestResult{
			Status:    StatusError,
			RequestID: requestID,
			SessionID: session.ID,
			Error:     &msg,
		}, nil
	}

	if params.Async {
		o.bridge.Release(requestID)
		return &RequestResult{
			Status:    StatusAccepted,
			RequestID: requestID,
			SessionID: session.ID,
		}, nil
	}

	res, err := o.bridge.Await(ctx, requestID, params.Timeout)
	if err != nil {
		if errors.Is(err, bridge.ErrTimeout) {
			// Only the wait is cancelled; the pipeline keeps running and the
			// result remains retrievable via Lookup.
			return &RequestResult{
				Status:    StatusTimeout,
				RequestID: requestID,
				SessionID: session.ID,
			}, nil
		}
		return nil, err
	}

	result := &RequestResult{
		Status:           StatusCompleted,
		RequestID:        requestID,
		SessionID:        session.ID,
		Content:          res.Content,
		Error:            res.Error,
		ProcessingTimeMs: res.ProcessingTimeMs,
	}
	if res.Error != nil {
		result.Status = StatusError
	}
	return result, nil
}

func (o *requestOrchestrator) Lookup(ctx context.Context, requestID string) (*model.RequestLog, error) {
	return o.logs.GetByRequestID(ctx, requestID)
}
