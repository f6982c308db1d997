package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"chatloop.dev/dispatch/common/logger"
	"chatloop.dev/dispatch/internal/model"
	"chatloop.dev/dispatch/internal/store"
)

// SessionService layers convergence and optimistic-retry policy over the raw
// session store.
type SessionService interface {
	// GetOrCreate returns the active session for (user, channel), creating one
	// when absent. Concurrent creates for the same pair converge to a single
	// session regardless of request order; all callers get the same ID.
	GetOrCreate(ctx context.Context, userID string, channel model.ChannelType, agentID string) (*model.Session, error)

	// UpdateWithRetry applies mutate under optimistic concurrency: read,
	// compute the update, write conditioned on the read version, and retry on
	// conflict with a fresh read, up to a bound.
	UpdateWithRetry(ctx context.Context, sessionID string, mutate func(*model.Session) model.SessionUpdate) (*model.Session, error)

	// Deactivate retires a session to INACTIVE (explicit reset or
	// "start new session").
	Deactivate(ctx context.Context, sessionID string) error
}

const (
	createMaxAttempts = 3
	updateMaxAttempts = 5
	createBaseDelay   = 50 * time.Millisecond
)

var ErrSessionNotFound = errors.New("session not found")

type sessionService struct {
	sessions store.SessionStore
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewSessionService(sessions store.SessionStore) SessionService {
	return &sessionService{
		sessions: sessions,
		sleep:    sleepCtx,
	}
}

func (s *sessionService) GetOrCreate(ctx context.Context, userID string, channel model.ChannelType, agentID string) (*model.Session, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		UserID:    &userID,
		Channel:   (*string)(&channel),
		Component: "dispatch.session",
	})

	var lastErr error
	for attempt := 0; attempt < createMaxAttempts; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, createBaseDelay<<uint(attempt-1)); err != nil {
				return nil, err
			}
		}

		existing, err := s.sessions.GetActive(ctx, userID, channel)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("looking up active session: %w", err)
		}

		session := &model.Session{
			ID:          uuid.NewString(),
			UserID:      userID,
			ChannelType: channel,
			Status:      model.SessionStatusActive,
		}
		if agentID != "" {
			session.CurrentAgentID = &agentID
		}

		err = s.sessions.Create(ctx, session)
		if err == nil {
			slog.InfoContext(ctx, "session created", "session_id", session.ID)
			return session, nil
		}

		if store.IsUniqueViolation(err) {
			// Another replica created the active session between our lookup
			// and insert. Re-query and converge on it.
			slog.DebugContext(ctx, "session create raced, converging", "attempt", attempt+1)
			lastErr = err
			continue
		}
		return nil, fmt.Errorf("creating session: %w", err)
	}

	// One final read: the winning row must exist by now.
	existing, err := s.sessions.GetActive(ctx, userID, channel)
	if err == nil {
		return existing, nil
	}
	return nil, fmt.Errorf("session create did not converge: %w", lastErr)
}

func (s *sessionService) UpdateWithRetry(ctx context.Context, sessionID string, mutate func(*model.Session) model.SessionUpdate) (*model.Session, error) {
	for attempt := 0; attempt < updateMaxAttempts; attempt++ {
		session, err := s.sessions.GetByID(ctx, sessionID, false)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrSessionNotFound
			}
			return nil, fmt.Errorf("reading session: %w", err)
		}

		upd := mutate(session)
		expected := session.Version

		updated, err := s.sessions.Update(ctx, sessionID, upd, &expected)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("updating session: %w", err)
		}

		// Lost the race: re-read and retry against the fresh version.
		slog.DebugContext(ctx, "session version conflict, retrying",
			"session_id", sessionID, "attempt", attempt+1)
		if err := s.sleep(ctx, createBaseDelay<<uint(attempt)); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("session update exhausted retries: %w", store.ErrVersionConflict)
}

func (s *sessionService) Deactivate(ctx context.Context, sessionID string) error {
	status := model.SessionStatusInactive
	_, err := s.sessions.Update(ctx, sessionID, model.SessionUpdate{Status: &status}, nil)
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
