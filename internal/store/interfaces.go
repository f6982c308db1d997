package store

import (
	"context"
	"time"

	"chatloop.dev/dispatch/internal/model"
)

// ProcessedEventStore is the claim store guaranteeing at-most-one processing
// of each inbound event across replicas.
type ProcessedEventStore interface {
	// TryClaim atomically claims event processing. Returns true when this
	// caller won the claim; false (with nil error) when another replica
	// already holds it.
	TryClaim(ctx context.Context, eventID, eventType, source, owner string) (bool, error)

	// RecordResult records the processing outcome on the claimed row. A write
	// that no longer matches the claim (re-delivery racing with the claim) is
	// ignored; it never fails the caller.
	RecordResult(ctx context.Context, eventID, owner string, res ProcessingResult) error

	GetByEventID(ctx context.Context, eventID string) (*model.ProcessedEvent, error)
}

// ProcessingResult is the outcome recorded after event processing completes.
type ProcessingResult struct {
	RequestID *string
	SessionID *string
	Result    string
	Error     *string
}

// SessionStore defines raw session persistence. Convergence retry for
// concurrent creates lives in the session service, not here.
type SessionStore interface {
	Create(ctx context.Context, session *model.Session) error
	GetByID(ctx context.Context, id string, forUpdate bool) (*model.Session, error)
	GetActive(ctx context.Context, userID string, channel model.ChannelType) (*model.Session, error)
	// Update applies the non-nil fields and increments version. With a non-nil
	// expectedVersion the update is conditional; a stale version returns
	// ErrVersionConflict and leaves the row untouched.
	Update(ctx context.Context, id string, upd model.SessionUpdate, expectedVersion *int64) (*model.Session, error)
	// IncrementRequestCount is a pure atomic counter bump, independent of the
	// optimistic-lock path. It does not change version.
	IncrementRequestCount(ctx context.Context, id string) error
	ListIdleActive(ctx context.Context, cutoff time.Time, limit int32) ([]model.Session, error)
	// ExpireIfIdle marks the session EXPIRED only if it is still ACTIVE and
	// has seen no request since cutoff, checked atomically in the update.
	// Returns whether the row changed.
	ExpireIfIdle(ctx context.Context, id string, cutoff time.Time) (bool, error)
}

// RequestLogStore persists the durable request/response record.
type RequestLogStore interface {
	Create(ctx context.Context, requestID, sessionID string) (*model.RequestLog, error)
	GetByRequestID(ctx context.Context, requestID string) (*model.RequestLog, error)
	// Complete records the final result. First completion wins; a second
	// completion for the same request is a no-op.
	Complete(ctx context.Context, requestID string, res CompletionResult) error
}

// CompletionResult carries the final payload written to a request log.
type CompletionResult struct {
	Content          string
	AgentID          *string
	ProcessingTimeMs int64
	Error            *string
}
