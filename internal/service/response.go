package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"chatloop.dev/dispatch/common/logger"
	"chatloop.dev/dispatch/internal/bridge"
	"chatloop.dev/dispatch/internal/model"
	"chatloop.dev/dispatch/internal/queue"
	"chatloop.dev/dispatch/internal/store"
)

// EventOutcome is the receiver-side disposition of an inbound event.
type EventOutcome struct {
	Status string // "processed", "skipped", or "dropped"
	Reason string
}

// ResponseProcessor consumes inbound agent-response events. The claim store
// makes redelivery and fan-out safe: for N replicas receiving the same event,
// exactly one executes the business effect, the rest report a no-op skip.
type ResponseProcessor interface {
	Process(ctx context.Context, event *model.CloudEvent) (*EventOutcome, error)
}

type responseProcessor struct {
	claims     store.ProcessedEventStore
	sessions   SessionService
	txRunner   TxRunner
	bridge     *bridge.ResponseBridge
	deliveries queue.Producer // optional, nil disables channel delivery
	ownerID    string
}

func NewResponseProcessor(
	claims store.ProcessedEventStore,
	sessions SessionService,
	txRunner TxRunner,
	b *bridge.ResponseBridge,
	deliveries queue.Producer,
	ownerID string,
) ResponseProcessor {
	return &responseProcessor{
		claims:     claims,
		sessions:   sessions,
		txRunner:   txRunner,
		bridge:     b,
		deliveries: deliveries,
		ownerID:    ownerID,
	}
}

func (p *responseProcessor) Process(ctx context.Context, event *model.CloudEvent) (*EventOutcome, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		EventID:   &event.ID,
		Component: "dispatch.response",
	})

	if event.Type != model.EventTypeAgentResponse {
		// Claiming would burn a dedupe row on an event this processor can
		// never handle.
		slog.DebugContext(ctx, "ignoring event of unhandled type", "event_type", event.Type)
		return &EventOutcome{Status: "skipped", Reason: "unsupported event type"}, nil
	}

	claimed, err := p.claims.TryClaim(ctx, event.ID, event.Type, event.Source, p.ownerID)
	if err != nil {
		return nil, fmt.Errorf("claiming event: %w", err)
	}
	if !claimed {
		// Another replica owns this event. A duplicate is a success no-op,
		// never an error.
		slog.DebugContext(ctx, "duplicate event skipped")
		skipped := model.ProcessingResultSkipped
		_ = p.claims.RecordResult(ctx, event.ID, p.ownerID, store.ProcessingResult{Result: skipped})
		return &EventOutcome{Status: "skipped", Reason: "duplicate"}, nil
	}

	var data model.AgentResponseData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		msg := fmt.Sprintf("malformed response payload: %v", err)
		p.recordResult(ctx, event.ID, nil, nil, model.ProcessingResultError, &msg)
		return nil, fmt.Errorf("decoding response event: %w", err)
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		RequestID: &data.RequestID,
		SessionID: &data.SessionID,
	})

	completion := store.CompletionResult{
		Content:          data.Content,
		ProcessingTimeMs: data.ProcessingTimeMs,
		Error:            data.Error,
	}
	if data.AgentID != "" {
		completion.AgentID = &data.AgentID
	}

	// The durable completion and the claim audit commit together.
	if err := p.txRunner.WithTx(ctx, func(stores StoreProvider) error {
		if err := stores.RequestLogs().Complete(ctx, data.RequestID, completion); err != nil {
			return fmt.Errorf("completing request log: %w", err)
		}

		result := model.ProcessingResultSuccess
		if data.Error != nil {
			result = model.ProcessingResultError
		}
		return stores.ProcessedEvents().RecordResult(ctx, event.ID, p.ownerID, store.ProcessingResult{
			RequestID: &data.RequestID,
			SessionID: &data.SessionID,
			Result:    result,
			Error:     data.Error,
		})
	}); err != nil {
		return nil, err
	}

	// Session bookkeeping rides the optimistic-lock path; a conflict just
	// means a concurrent writer won and we retry against the fresh version.
	session, err := p.sessions.UpdateWithRetry(ctx, data.SessionID, func(s *model.Session) model.SessionUpdate {
		upd := model.SessionUpdate{}
		if data.AgentID != "" {
			agentID := data.AgentID
			upd.CurrentAgentID = &agentID
		}
		sessionCtx := s.Context
		if sessionCtx == nil {
			sessionCtx = map[string]any{}
		}
		sessionCtx["last_request_id"] = data.RequestID
		upd.Context = sessionCtx
		return upd
	})
	if err != nil {
		// The response is already durable; session metadata lag is tolerable.
		slog.WarnContext(ctx, "session update failed after response", "error", err)
	}

	// Hand the response to the channel integration. Best effort: the durable
	// record already exists and pollers will find it regardless.
	if p.deliveries != nil && session != nil && data.Error == nil {
		if err := p.deliveries.Enqueue(ctx, model.DeliveryRequest{
			RequestID:   data.RequestID,
			SessionID:   session.ID,
			ChannelType: session.ChannelType,
			Recipient:   session.UserID,
			Content:     data.Content,
		}); err != nil {
			slog.WarnContext(ctx, "failed to enqueue delivery", "error", err)
		}
	}

	// Fast path: resolve a waiter on this process. If the waiter lives on
	// another replica its polling loop finds the durable record instead.
	if p.bridge.Resolve(data.RequestID, &bridge.Result{
		RequestID:        data.RequestID,
		Content:          data.Content,
		AgentID:          completion.AgentID,
		ProcessingTimeMs: data.ProcessingTimeMs,
		Error:            data.Error,
	}) {
		slog.DebugContext(ctx, "resolved local waiter")
	}

	slog.InfoContext(ctx, "response event processed", "agent_id", data.AgentID)
	return &EventOutcome{Status: "processed"}, nil
}

func (p *responseProcessor) recordResult(ctx context.Context, eventID string, requestID, sessionID *string, result string, errMsg *string) {
	if err := p.claims.RecordResult(ctx, eventID, p.ownerID, store.ProcessingResult{
		RequestID: requestID,
		SessionID: sessionID,
		Result:    result,
		Error:     errMsg,
	}); err != nil {
		slog.WarnContext(ctx, "failed to record processing result", "error", err)
	}
}
