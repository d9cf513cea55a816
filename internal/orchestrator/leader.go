package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/justnews/fabric/internal/store"
)

// Elector is the advisory-lock mechanism replicas use to pick the single
// orchestrator leader. TryAcquire is called every leader-loop tick; the
// holder keeps leadership by re-acquiring before its claim lapses.
type Elector interface {
	// TryAcquire attempts to take (or keep) the leader lock, recording
	// holder and its advertised address for follower hints.
	TryAcquire(ctx context.Context, holder, addr string) (bool, error)
	// Release gives the lock up cleanly.
	Release(ctx context.Context, holder string) error
	// LeaderHint returns the current leader's advertised address.
	LeaderHint(ctx context.Context) (string, error)
}

const createLeaderTable = `
CREATE TABLE IF NOT EXISTS orchestrator_leader_lock (
	name        TEXT PRIMARY KEY,
	holder      TEXT NOT NULL,
	addr        TEXT NOT NULL DEFAULT '',
	acquired_at TEXT NOT NULL,
	expires_at  TEXT NOT NULL
)`

// NewElector picks the election mechanism for the store dialect:
// PostgreSQL uses a session advisory lock, SQLite a named lock row with
// TTL takeover. Both record the holder's address for follower hints.
func NewElector(db *store.DB, lockName string, ttl time.Duration) (Elector, error) {
	if lockName == "" {
		lockName = "orchestrator_leader"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	if _, err := db.Exec(createLeaderTable); err != nil {
		return nil, fmt.Errorf("create leader lock table: %w", err)
	}

	if db.Dialect() == store.DialectPostgres {
		return &advisoryElector{db: db, lockName: lockName, lockKey: lockKey(lockName)}, nil
	}
	return &tableElector{db: db, lockName: lockName, ttl: ttl}, nil
}

// lockKey hashes the lock name into the bigint keyspace advisory locks
// use.
func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// ---------------------------------------------------------------------------
// PostgreSQL: session advisory lock
// ---------------------------------------------------------------------------

// advisoryElector holds pg_try_advisory_lock on a pinned session. The lock
// lives exactly as long as the session, so a crashed leader frees it
// without any TTL bookkeeping.
type advisoryElector struct {
	db       *store.DB
	lockName string
	lockKey  int64

	conn *sql.Conn
	held bool
}

func (e *advisoryElector) TryAcquire(ctx context.Context, holder, addr string) (bool, error) {
	if e.held && e.conn != nil {
		// The session keeps the lock; just refresh the hint row.
		e.recordHint(ctx, holder, addr)
		return true, nil
	}

	if e.conn == nil {
		conn, err := e.db.DB.Conn(ctx)
		if err != nil {
			return false, fmt.Errorf("leader lock session: %w", err)
		}
		e.conn = conn
	}

	var got bool
	err := e.conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, e.lockKey).Scan(&got)
	if err != nil {
		_ = e.conn.Close()
		e.conn = nil
		e.held = false
		return false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	e.held = got
	if got {
		e.recordHint(ctx, holder, addr)
	}
	return got, nil
}

func (e *advisoryElector) recordHint(ctx context.Context, holder, addr string) {
	now := store.FormatTime(time.Now())
	_, _ = e.db.Exec(`INSERT INTO orchestrator_leader_lock (name, holder, addr, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, addr = excluded.addr, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at`,
		e.lockName, holder, addr, now, now)
}

func (e *advisoryElector) Release(ctx context.Context, holder string) error {
	if e.conn != nil {
		if e.held {
			_, _ = e.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, e.lockKey)
		}
		_ = e.conn.Close()
		e.conn = nil
	}
	e.held = false
	_, _ = e.db.Exec(`DELETE FROM orchestrator_leader_lock WHERE name = ? AND holder = ?`, e.lockName, holder)
	return nil
}

func (e *advisoryElector) LeaderHint(ctx context.Context) (string, error) {
	return readHint(e.db, e.lockName)
}

// ---------------------------------------------------------------------------
// SQLite: named lock row with TTL takeover
// ---------------------------------------------------------------------------

// tableElector implements the lock as a single named row. A holder keeps
// leadership by refreshing expires_at each tick; anyone may take over a
// row whose TTL has lapsed.
type tableElector struct {
	db       *store.DB
	lockName string
	ttl      time.Duration
}

func (e *tableElector) TryAcquire(ctx context.Context, holder, addr string) (bool, error) {
	now := time.Now().UTC()
	_, err := e.db.Exec(`INSERT INTO orchestrator_leader_lock (name, holder, addr, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, addr = excluded.addr, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
		WHERE orchestrator_leader_lock.holder = excluded.holder OR orchestrator_leader_lock.expires_at <= excluded.acquired_at`,
		e.lockName, holder, addr,
		store.FormatTime(now),
		store.FormatTime(now.Add(e.ttl)),
	)
	if err != nil {
		return false, fmt.Errorf("leader lock upsert: %w", err)
	}

	var currentHolder string
	err = e.db.QueryRow(`SELECT holder FROM orchestrator_leader_lock WHERE name = ?`, e.lockName).Scan(&currentHolder)
	if err != nil {
		return false, fmt.Errorf("leader lock read: %w", err)
	}
	return currentHolder == holder, nil
}

func (e *tableElector) Release(ctx context.Context, holder string) error {
	_, err := e.db.Exec(`DELETE FROM orchestrator_leader_lock WHERE name = ? AND holder = ?`, e.lockName, holder)
	return err
}

func (e *tableElector) LeaderHint(ctx context.Context) (string, error) {
	return readHint(e.db, e.lockName)
}

func readHint(db *store.DB, lockName string) (string, error) {
	var addr string
	err := db.QueryRow(`SELECT addr FROM orchestrator_leader_lock WHERE name = ?`, lockName).Scan(&addr)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return addr, nil
}
