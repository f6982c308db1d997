package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"chatloop.dev/dispatch/core/db"
	"chatloop.dev/dispatch/internal/model"
)

type sessionStore struct {
	q db.Querier
}

func newSessionStore(q db.Querier) SessionStore {
	return &sessionStore{q: q}
}

const sessionColumns = `session_id, user_id, channel_type, status, current_agent_id,
	version, total_requests, last_request_at, context, created_at, updated_at`

func (s *sessionStore) Create(ctx context.Context, session *model.Session) error {
	contextJSON, err := marshalContext(session.Context)
	if err != nil {
		return err
	}

	row := s.q.QueryRow(ctx, `
		INSERT INTO sessions (session_id, user_id, channel_type, status, current_agent_id, version, context)
		VALUES ($1, $2, $3, $4, $5, 1, $6)
		RETURNING version, total_requests, created_at, updated_at`,
		session.ID, session.UserID, session.ChannelType, session.Status, session.CurrentAgentID, contextJSON)

	return row.Scan(&session.Version, &session.TotalRequests, &session.CreatedAt, &session.UpdatedAt)
}

func (s *sessionStore) GetByID(ctx context.Context, id string, forUpdate bool) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = $1`
	if forUpdate {
		// Non-blocking row lock: a concurrently locked row reads as absent
		// rather than stalling the caller.
		query += ` FOR UPDATE SKIP LOCKED`
	}

	return scanSession(s.q.QueryRow(ctx, query, id))
}

func (s *sessionStore) GetActive(ctx context.Context, userID string, channel model.ChannelType) (*model.Session, error) {
	return scanSession(s.q.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE user_id = $1 AND channel_type = $2 AND status = 'ACTIVE'`,
		userID, channel))
}

func (s *sessionStore) Update(ctx context.Context, id string, upd model.SessionUpdate, expectedVersion *int64) (*model.Session, error) {
	set := "version = version + 1, updated_at = now()"
	args := []any{id}

	if upd.Status != nil {
		args = append(args, *upd.Status)
		set += fmt.Sprintf(", status = $%d", len(args))
	}
	if upd.CurrentAgentID != nil {
		args = append(args, *upd.CurrentAgentID)
		set += fmt.Sprintf(", current_agent_id = $%d", len(args))
	}
	if upd.Context != nil {
		contextJSON, err := marshalContext(upd.Context)
		if err != nil {
			return nil, err
		}
		args = append(args, contextJSON)
		set += fmt.Sprintf(", context = $%d", len(args))
	}

	where := "session_id = $1"
	if expectedVersion != nil {
		args = append(args, *expectedVersion)
		where += fmt.Sprintf(" AND version = $%d", len(args))
	}

	query := fmt.Sprintf(`UPDATE sessions SET %s WHERE %s RETURNING %s`, set, where, sessionColumns)

	session, err := scanSession(s.q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, ErrNotFound) && expectedVersion != nil {
			// Zero rows under a conditional update: the row moved on. Other
			// fields are untouched; the caller must re-read and retry.
			return nil, ErrVersionConflict
		}
		return nil, err
	}
	return session, nil
}

func (s *sessionStore) IncrementRequestCount(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE sessions
		SET total_requests = total_requests + 1, last_request_at = now()
		WHERE session_id = $1`,
		id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sessionStore) ExpireIfIdle(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	// Idleness is re-checked inside the update: IncrementRequestCount bumps
	// last_request_at without touching version, so a version guard alone would
	// let the expiry race an in-flight request.
	tag, err := s.q.Exec(ctx, `
		UPDATE sessions
		SET status = 'EXPIRED', version = version + 1, updated_at = now()
		WHERE session_id = $1
		  AND status = 'ACTIVE'
		  AND COALESCE(last_request_at, created_at) < $2`,
		id, cutoff)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *sessionStore) ListIdleActive(ctx context.Context, cutoff time.Time, limit int32) ([]model.Session, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE status = 'ACTIVE'
		  AND COALESCE(last_request_at, created_at) < $1
		ORDER BY last_request_at ASC NULLS FIRST
		LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		session, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func scanSession(row pgx.Row) (*model.Session, error) {
	session, err := scanSessionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

func scanSessionRow(row pgx.Row) (*model.Session, error) {
	var (
		session     model.Session
		contextJSON []byte
	)
	err := row.Scan(&session.ID, &session.UserID, &session.ChannelType, &session.Status,
		&session.CurrentAgentID, &session.Version, &session.TotalRequests,
		&session.LastRequestAt, &contextJSON, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &session.Context); err != nil {
			return nil, fmt.Errorf("unmarshal session context: %w", err)
		}
	}
	return &session, nil
}

func marshalContext(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal session context: %w", err)
	}
	return data, nil
}
