package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"chatloop.dev/dispatch/common/id"
	"chatloop.dev/dispatch/core/db"
	"chatloop.dev/dispatch/internal/model"
)

type requestLogStore struct {
	q db.Querier
}

func newRequestLogStore(q db.Querier) RequestLogStore {
	return &requestLogStore{q: q}
}

func (s *requestLogStore) Create(ctx context.Context, requestID, sessionID string) (*model.RequestLog, error) {
	row := s.q.QueryRow(ctx, `
		INSERT INTO request_logs (id, request_id, session_id)
		VALUES ($1, $2, $3)
		RETURNING id, request_id, session_id, response_content, agent_id,
		          processing_time_ms, error_message, completed_at, created_at`,
		id.New(), requestID, sessionID)

	return scanRequestLog(row)
}

func (s *requestLogStore) GetByRequestID(ctx context.Context, requestID string) (*model.RequestLog, error) {
	row := s.q.QueryRow(ctx, `
		SELECT id, request_id, session_id, response_content, agent_id,
		       processing_time_ms, error_message, completed_at, created_at
		FROM request_logs
		WHERE request_id = $1`,
		requestID)

	log, err := scanRequestLog(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return log, nil
}

func (s *requestLogStore) Complete(ctx context.Context, requestID string, res CompletionResult) error {
	// First completion wins; a late duplicate leaves the stored result intact.
	_, err := s.q.Exec(ctx, `
		UPDATE request_logs
		SET response_content = $2,
		    agent_id = $3,
		    processing_time_ms = $4,
		    error_message = $5,
		    completed_at = now()
		WHERE request_id = $1 AND completed_at IS NULL`,
		requestID, res.Content, res.AgentID, res.ProcessingTimeMs, res.Error)
	return err
}

func scanRequestLog(row pgx.Row) (*model.RequestLog, error) {
	var log model.RequestLog
	err := row.Scan(&log.ID, &log.RequestID, &log.SessionID, &log.ResponseContent,
		&log.AgentID, &log.ProcessingTimeMs, &log.ErrorMessage, &log.CompletedAt, &log.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &log, nil
}
