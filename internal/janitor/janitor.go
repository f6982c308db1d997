package janitor

import (
	"context"
	"log/slog"
	"time"

	"chatloop.dev/dispatch/common/logger"
	"chatloop.dev/dispatch/internal/store"
)

type Config struct {
	// IdleTimeout is how long an active session may sit without requests
	// before it is expired.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	BatchSize     int32
}

// Janitor expires idle active sessions. It is meant to run on exactly one
// replica at a time, under a leader election lease; the idleness re-check
// inside each expiry makes a brief overlap during failover harmless.
type Janitor struct {
	sessions store.SessionStore
	cfg      Config
}

func New(sessions store.SessionStore, cfg Config) *Janitor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Janitor{sessions: sessions, cfg: cfg}
}

// Run sweeps on an interval until ctx is cancelled. Matches the task shape
// the elector expects, so losing the lease cancels the loop.
func (j *Janitor) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "dispatch.janitor",
	})

	ticker := time.NewTicker(j.cfg.SweepInterval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "session janitor started",
		"idle_timeout", j.cfg.IdleTimeout,
		"sweep_interval", j.cfg.SweepInterval)

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "session janitor stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := j.SweepOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "sweep error", "error", err)
			}
		}
	}
}

// SweepOnce expires every active session idle past the cutoff. Each expiry
// re-checks idleness inside the update itself, so a session that took a
// request between the listing and the update survives the sweep.
func (j *Janitor) SweepOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-j.cfg.IdleTimeout)

	idle, err := j.sessions.ListIdleActive(ctx, cutoff, j.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(idle) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "expiring idle sessions", "count", len(idle))

	for _, session := range idle {
		expired, err := j.sessions.ExpireIfIdle(ctx, session.ID, cutoff)
		switch {
		case err != nil:
			slog.ErrorContext(ctx, "failed to expire session",
				"session_id", session.ID, "error", err)
		case expired:
			slog.InfoContext(ctx, "session expired",
				"session_id", session.ID,
				"user_id", session.UserID)
		default:
			// The session saw activity since the listing. Leave it alone.
			slog.DebugContext(ctx, "session changed during sweep, skipping",
				"session_id", session.ID)
		}
	}

	return nil
}
