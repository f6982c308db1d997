// Package election implements leader election over Postgres advisory locks.
// The lock is bound to the holding connection: a crashed or partitioned leader
// loses its connection and the lock with it, so failover requires no explicit
// lease table.
package election

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatloop.dev/dispatch/common/logger"
	"chatloop.dev/dispatch/core/config"
)

// LockConn is a checked-out connection holding (or attempting) the advisory
// lock. Satisfied by *pgxpool.Conn.
type LockConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Release()
}

// ConnPool hands out dedicated connections for lock acquisition.
type ConnPool interface {
	Acquire(ctx context.Context) (LockConn, error)
}

type poolAdapter struct {
	pool *pgxpool.Pool
}

func (a poolAdapter) Acquire(ctx context.Context) (LockConn, error) {
	return a.pool.Acquire(ctx)
}

// LockKey hashes a resource name into the signed 64-bit key space used by
// pg_advisory_lock. All replicas compute the same key without coordination.
func LockKey(resource string) int64 {
	h := fnv.New64a()
	h.Write([]byte(resource))
	return int64(h.Sum64())
}

type Elector struct {
	pool    ConnPool
	cfg     config.ElectionConfig
	ownerID string
}

func New(pool *pgxpool.Pool, cfg config.ElectionConfig, ownerID string) *Elector {
	return NewWithConnPool(poolAdapter{pool: pool}, cfg, ownerID)
}

// NewWithConnPool builds an elector over any ConnPool implementation.
func NewWithConnPool(pool ConnPool, cfg config.ElectionConfig, ownerID string) *Elector {
	return &Elector{pool: pool, cfg: cfg, ownerID: ownerID}
}

// TryAcquire attempts a non-blocking advisory lock on the resource. It returns
// a nil lease when the lock is held elsewhere. On success the acquiring
// connection stays checked out for the lifetime of the lease.
func (e *Elector) TryAcquire(ctx context.Context, resource string) (*Lease, error) {
	key := LockKey(resource)

	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, fmt.Errorf("advisory lock attempt: %w", err)
	}

	if !acquired {
		conn.Release()
		return nil, nil
	}

	slog.InfoContext(ctx, "leadership acquired",
		"resource", resource, "lock_key", key, "owner", e.ownerID)

	return &Lease{
		conn:     conn,
		key:      key,
		resource: resource,
		ownerID:  e.ownerID,
		expiry:   time.Now().Add(e.cfg.LeaseDuration),
		duration: e.cfg.LeaseDuration,
	}, nil
}

// Run drives the Candidate/Leader loop for the process lifetime. While leader,
// task runs with a context that is cancelled the moment leadership is lost.
// Non-leaders retry acquisition every RetryInterval.
func (e *Elector) Run(ctx context.Context, resource string, task func(ctx context.Context)) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "dispatch.election",
	})

	for {
		lease, err := e.TryAcquire(ctx, resource)
		if err != nil {
			slog.WarnContext(ctx, "election attempt failed", "resource", resource, "error", err)
		}

		if lease == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.RetryInterval):
			}
			continue
		}

		e.lead(ctx, lease, task)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Leadership lost: re-enter candidacy.
	}
}

// lead runs the task and the renewal loop until leadership is lost or the
// parent context ends. The lease is released on every exit path.
func (e *Elector) lead(ctx context.Context, lease *Lease, task func(ctx context.Context)) {
	defer lease.Release(context.WithoutCancel(ctx))

	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		task(leaderCtx)
	}()

	ticker := time.NewTicker(e.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cancel()
			<-done
			return
		case <-done:
			// Task returned on its own; step down so another replica can lead.
			return
		case <-ticker.C:
			if !lease.Renew(ctx) {
				slog.WarnContext(ctx, "lease renewal failed, stepping down",
					"resource", lease.resource, "owner", lease.ownerID)
				cancel()
				<-done
				return
			}
		}
	}
}

// Lease is a held advisory lock. Release is idempotent and runs on every exit
// path; never rely on garbage collection to free a cluster-wide lock.
type Lease struct {
	conn     LockConn
	key      int64
	resource string
	ownerID  string
	duration time.Duration

	mu       sync.Mutex
	expiry   time.Time
	released bool
}

// Renew confirms the lock is still held by this connection and extends the
// in-memory lease expiry. On any failure the lease is released and false is
// returned, signaling the caller to re-enter candidacy.
func (l *Lease) Renew(ctx context.Context) bool {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return false
	}
	l.mu.Unlock()

	// The advisory lock lives and dies with this connection. pg_locks is
	// consulted rather than connection liveness alone so a server-side
	// force-unlock is also detected.
	var held bool
	err := l.conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory'
			  AND pid = pg_backend_pid()
			  AND ((classid::bigint << 32) | objid::bigint) = $1::bigint
		)`, l.key).Scan(&held)
	if err != nil || !held {
		if err != nil {
			slog.WarnContext(ctx, "lease liveness check failed",
				"resource", l.resource, "error", err)
		}
		l.Release(context.WithoutCancel(ctx))
		return false
	}

	l.mu.Lock()
	l.expiry = time.Now().Add(l.duration)
	l.mu.Unlock()
	return true
}

// Expiry returns the current in-memory lease deadline.
func (l *Lease) Expiry() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiry
}

// Release unlocks and returns the connection to the pool. Safe to call more
// than once.
func (l *Lease) Release(ctx context.Context) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()

	// Best effort: if the connection already died, the server released the
	// lock when the backend went away.
	if _, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
		slog.DebugContext(ctx, "advisory unlock failed, connection likely dead",
			"resource", l.resource, "error", err)
	}
	l.conn.Release()

	slog.InfoContext(ctx, "leadership released", "resource", l.resource, "owner", l.ownerID)
}
