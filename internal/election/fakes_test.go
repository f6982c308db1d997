package election_test

import (
	"context"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"chatloop.dev/dispatch/internal/election"
)

// fakeLockTable emulates server-side advisory lock state shared by every
// connection of every replica.
type fakeLockTable struct {
	mu   sync.Mutex
	held map[int64]*fakeLockConn
}

func newFakeLockTable() *fakeLockTable {
	return &fakeLockTable{held: make(map[int64]*fakeLockConn)}
}

func (t *fakeLockTable) tryLock(key int64, conn *fakeLockConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, taken := t.held[key]; taken {
		return false
	}
	t.held[key] = conn
	return true
}

func (t *fakeLockTable) holds(key int64, conn *fakeLockConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held[key] == conn
}

func (t *fakeLockTable) unlock(key int64, conn *fakeLockConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.held[key] == conn {
		delete(t.held, key)
	}
}

// forceDrop emulates the server releasing the lock out from under its holder
// (backend killed, admin pg_advisory_unlock, failover).
func (t *fakeLockTable) forceDrop(key int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, key)
}

type fakeLockConn struct {
	table *fakeLockTable

	mu       sync.Mutex
	released bool
	locks    []int64
}

type fakeRow struct {
	value bool
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if b, ok := dest[0].(*bool); ok {
		*b = r.value
	}
	return nil
}

func (c *fakeLockConn) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	key, _ := args[0].(int64)
	switch {
	case strings.Contains(sql, "pg_try_advisory_lock"):
		acquired := c.table.tryLock(key, c)
		if acquired {
			c.mu.Lock()
			c.locks = append(c.locks, key)
			c.mu.Unlock()
		}
		return fakeRow{value: acquired}
	case strings.Contains(sql, "pg_locks"):
		return fakeRow{value: c.table.holds(key, c)}
	default:
		return fakeRow{err: pgx.ErrNoRows}
	}
}

func (c *fakeLockConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if strings.Contains(sql, "pg_advisory_unlock") {
		key, _ := args[0].(int64)
		c.table.unlock(key, c)
	}
	return pgconn.CommandTag{}, nil
}

// Release returns the connection to the pool. Like a real backend going away,
// it drops every lock the connection still holds.
func (c *fakeLockConn) Release() {
	c.mu.Lock()
	locks := c.locks
	c.locks = nil
	c.released = true
	c.mu.Unlock()

	for _, key := range locks {
		c.table.unlock(key, c)
	}
}

type fakeConnPool struct {
	table *fakeLockTable

	mu       sync.Mutex
	acquired []*fakeLockConn
	err      error
}

func newFakeConnPool(table *fakeLockTable) *fakeConnPool {
	return &fakeConnPool{table: table}
}

func (p *fakeConnPool) Acquire(_ context.Context) (election.LockConn, error) {
	if p.err != nil {
		return nil, p.err
	}
	conn := &fakeLockConn{table: p.table}
	p.mu.Lock()
	p.acquired = append(p.acquired, conn)
	p.mu.Unlock()
	return conn, nil
}
