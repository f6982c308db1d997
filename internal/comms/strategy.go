// Package comms selects how an agent request reaches its processor: published
// onto the event bus for an external processor, or invoked directly
// in-process. Both modes complete through the same durable request log, so
// waiting callers cannot tell them apart.
package comms

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"chatloop.dev/dispatch/common/logger"
	"chatloop.dev/dispatch/internal/agent"
	"chatloop.dev/dispatch/internal/bridge"
	"chatloop.dev/dispatch/internal/bus"
	"chatloop.dev/dispatch/internal/model"
	"chatloop.dev/dispatch/internal/store"
)

// Strategy accepts an agent request for asynchronous processing. A nil error
// means accepted, not completed; results arrive through the response bridge
// or the durable request log.
type Strategy interface {
	Send(ctx context.Context, req *model.AgentRequestData) error
}

type eventStrategy struct {
	publisher bus.Publisher
	source    string
}

// NewEventStrategy publishes request CloudEvents to the broker and relies on
// an external processor to publish the matching response event.
func NewEventStrategy(publisher bus.Publisher, source string) Strategy {
	return &eventStrategy{publisher: publisher, source: source}
}

func (s *eventStrategy) Send(ctx context.Context, req *model.AgentRequestData) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal agent request: %w", err)
	}

	event := &model.CloudEvent{
		ID:          uuid.NewString(),
		Type:        model.EventTypeAgentRequest,
		Source:      s.source,
		SpecVersion: model.SpecVersion,
		Time:        time.Now().UTC(),
		Data:        data,
	}

	if err := s.publisher.Publish(ctx, event); err != nil {
		return fmt.Errorf("publishing agent request: %w", err)
	}

	slog.InfoContext(ctx, "agent request published",
		"event_id", event.ID, "request_id", req.RequestID, "agent_id", req.AgentID)
	return nil
}

type directStrategy struct {
	invoker agent.Invoker
	logs    store.RequestLogStore
	bridge  *bridge.ResponseBridge
}

// NewDirectStrategy invokes the agent in-process. The invocation runs
// detached from the caller's context: a caller-side timeout cancels only the
// wait, never the in-flight work, and the result is durably stored either way.
func NewDirectStrategy(invoker agent.Invoker, logs store.RequestLogStore, b *bridge.ResponseBridge) Strategy {
	return &directStrategy{invoker: invoker, logs: logs, bridge: b}
}

func (s *directStrategy) Send(ctx context.Context, req *model.AgentRequestData) error {
	bgCtx := logger.WithLogFields(context.WithoutCancel(ctx), logger.LogFields{
		RequestID: &req.RequestID,
		SessionID: &req.SessionID,
		Component: "dispatch.comms.direct",
	})

	go s.process(bgCtx, req)
	return nil
}

func (s *directStrategy) process(ctx context.Context, req *model.AgentRequestData) {
	start := time.Now()
	content, err := s.invoker.Invoke(ctx, req.AgentID, req.Content)
	elapsed := time.Since(start).Milliseconds()

	res := store.CompletionResult{
		Content:          content,
		AgentID:          &req.AgentID,
		ProcessingTimeMs: elapsed,
	}
	var errMsg *string
	if err != nil {
		msg := err.Error()
		errMsg = &msg
		res.Error = errMsg
		res.Content = ""
		slog.ErrorContext(ctx, "direct agent invocation failed", "error", err)
	}

	// Durable store first: it is the correctness baseline for any waiter.
	if storeErr := s.logs.Complete(ctx, req.RequestID, res); storeErr != nil {
		slog.ErrorContext(ctx, "failed to store direct result", "error", storeErr)
	}

	s.bridge.Resolve(req.RequestID, &bridge.Result{
		RequestID:        req.RequestID,
		Content:          res.Content,
		AgentID:          &req.AgentID,
		ProcessingTimeMs: elapsed,
		Error:            errMsg,
	})
}
