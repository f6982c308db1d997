package store

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"chatloop.dev/dispatch/common/id"
	"chatloop.dev/dispatch/core/db"
	"chatloop.dev/dispatch/internal/model"
)

type processedEventStore struct {
	q db.Querier
}

func newProcessedEventStore(q db.Querier) ProcessedEventStore {
	return &processedEventStore{q: q}
}

func (s *processedEventStore) TryClaim(ctx context.Context, eventID, eventType, source, owner string) (bool, error) {
	_, err := s.q.Exec(ctx, `
		INSERT INTO processed_events (id, event_id, event_type, event_source, processed_by)
		VALUES ($1, $2, $3, $4, $5)`,
		id.New(), eventID, eventType, source, owner)
	if err != nil {
		if IsUniqueViolation(err) {
			// Another replica already claimed this event.
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *processedEventStore) RecordResult(ctx context.Context, eventID, owner string, res ProcessingResult) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE processed_events
		SET request_id = $3,
		    session_id = $4,
		    processing_result = $5,
		    error_message = $6,
		    processed_at = now()
		WHERE event_id = $1 AND processed_by = $2`,
		eventID, owner, res.RequestID, res.SessionID, res.Result, res.Error)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Claim belongs to another owner; re-delivery raced the claim.
		slog.DebugContext(ctx, "processing record skipped, claim held elsewhere",
			"event_id", eventID, "owner", owner)
	}
	return nil
}

func (s *processedEventStore) GetByEventID(ctx context.Context, eventID string) (*model.ProcessedEvent, error) {
	row := s.q.QueryRow(ctx, `
		SELECT id, event_id, event_type, event_source, request_id, session_id,
		       processed_by, processing_result, error_message, created_at, processed_at
		FROM processed_events
		WHERE event_id = $1`,
		eventID)

	var pe model.ProcessedEvent
	err := row.Scan(&pe.ID, &pe.EventID, &pe.EventType, &pe.EventSource, &pe.RequestID,
		&pe.SessionID, &pe.ProcessedBy, &pe.Result, &pe.Error, &pe.CreatedAt, &pe.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &pe, nil
}
