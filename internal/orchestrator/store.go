package orchestrator

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/justnews/fabric/internal/store"
)

var migrations = []store.Migration{
	{
		Version:     1,
		Description: "lease, pool and job tables",
		Up: func(tx *store.Tx) error {
			stmts := []string{
				`CREATE TABLE IF NOT EXISTS orchestrator_leases (
					token          TEXT PRIMARY KEY,
					agent_name     TEXT NOT NULL,
					gpu_index      INTEGER NOT NULL,
					mode           TEXT NOT NULL,
					created_at     TEXT NOT NULL,
					expires_at     TEXT NOT NULL,
					last_heartbeat TEXT NOT NULL,
					metadata       TEXT NOT NULL DEFAULT '{}'
				)`,
				`CREATE TABLE IF NOT EXISTS worker_pools (
					pool_id         TEXT PRIMARY KEY,
					agent_name      TEXT NOT NULL,
					model_id        TEXT NOT NULL,
					adapter         TEXT NOT NULL DEFAULT '',
					desired_workers INTEGER NOT NULL,
					spawned_workers INTEGER NOT NULL DEFAULT 0,
					started_at      TEXT NOT NULL,
					last_heartbeat  TEXT NOT NULL,
					status          TEXT NOT NULL,
					hold_seconds    INTEGER NOT NULL DEFAULT 0,
					metadata        TEXT NOT NULL DEFAULT '{}'
				)`,
				`CREATE TABLE IF NOT EXISTS orchestrator_jobs (
					job_id     TEXT PRIMARY KEY,
					type       TEXT NOT NULL,
					payload    TEXT NOT NULL DEFAULT '{}',
					status     TEXT NOT NULL,
					owner_pool TEXT NOT NULL DEFAULT '',
					attempts   INTEGER NOT NULL DEFAULT 0,
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL,
					last_error TEXT NOT NULL DEFAULT '',
					result     TEXT
				)`,
				`CREATE INDEX IF NOT EXISTS idx_leases_expires ON orchestrator_leases(expires_at)`,
				`CREATE INDEX IF NOT EXISTS idx_leases_agent_gpu ON orchestrator_leases(agent_name, gpu_index)`,
				`CREATE INDEX IF NOT EXISTS idx_pools_model ON worker_pools(model_id, adapter)`,
				`CREATE INDEX IF NOT EXISTS idx_pools_status ON worker_pools(status)`,
				`CREATE INDEX IF NOT EXISTS idx_jobs_type_status ON orchestrator_jobs(type, status)`,
				`CREATE INDEX IF NOT EXISTS idx_jobs_updated ON orchestrator_jobs(updated_at)`,
			}
			for _, s := range stmts {
				if _, err := tx.Exec(s); err != nil {
					return err
				}
			}
			return nil
		},
		Down: func(tx *store.Tx) error {
			for _, s := range []string{
				`DROP TABLE IF EXISTS orchestrator_jobs`,
				`DROP TABLE IF EXISTS worker_pools`,
				`DROP TABLE IF EXISTS orchestrator_leases`,
			} {
				if _, err := tx.Exec(s); err != nil {
					return err
				}
			}
			return nil
		},
	},
}

// Migrations returns the orchestrator schema migration runner, used both by
// NewStore and the operator migrate command.
func Migrations() *store.Runner {
	return store.NewRunner("orchestrator", migrations)
}

// Store persists leases, worker pools and jobs. The rows are the source of
// truth for everything the orchestrator promises to survive a restart.
type Store struct {
	db *store.DB
}

// NewStore applies pending migrations and returns a store over db.
func NewStore(db *store.DB) (*Store, error) {
	if err := Migrations().Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate orchestrator schema: %w", err)
	}
	return &Store{db: db}, nil
}

// ---------------------------------------------------------------------------
// Leases
// ---------------------------------------------------------------------------

// InsertLease durably records a new lease. The caller must not hand the
// token out before this returns.
func (s *Store) InsertLease(l Lease) error {
	meta, err := encodeMeta(l.Metadata)
	if err != nil {
		return fmt.Errorf("encode lease metadata: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO orchestrator_leases (token, agent_name, gpu_index, mode, created_at, expires_at, last_heartbeat, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.Token,
		l.AgentName,
		l.GPUIndex,
		l.Mode,
		store.FormatTime(l.CreatedAt),
		store.FormatTime(l.ExpiresAt),
		store.FormatTime(l.LastHeartbeat),
		meta,
	)
	if err != nil {
		return fmt.Errorf("insert lease: %w", err)
	}
	return nil
}

// GetLease returns one lease by token.
func (s *Store) GetLease(token string) (*Lease, error) {
	row := s.db.QueryRow(`SELECT token, agent_name, gpu_index, mode, created_at, expires_at, last_heartbeat, metadata
		FROM orchestrator_leases WHERE token = ?`, token)
	return scanLease(row)
}

// ExtendLease records a heartbeat: new expiry and heartbeat timestamp.
func (s *Store) ExtendLease(token string, expiresAt, heartbeatAt time.Time) error {
	res, err := s.db.Exec(`UPDATE orchestrator_leases SET expires_at = ?, last_heartbeat = ? WHERE token = ?`,
		store.FormatTime(expiresAt),
		store.FormatTime(heartbeatAt),
		token,
	)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteLease removes a lease row. Reports whether a row existed.
func (s *Store) DeleteLease(token string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM orchestrator_leases WHERE token = ?`, token)
	if err != nil {
		return false, fmt.Errorf("delete lease: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// ListLeases returns all leases ordered by creation time.
func (s *Store) ListLeases() ([]Lease, error) {
	rows, err := s.db.Query(`SELECT token, agent_name, gpu_index, mode, created_at, expires_at, last_heartbeat, metadata
		FROM orchestrator_leases ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Lease, 0)
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			continue
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// ExpiredLeases returns leases whose expiry is at or before cutoff.
func (s *Store) ExpiredLeases(cutoff time.Time) ([]Lease, error) {
	rows, err := s.db.Query(`SELECT token, agent_name, gpu_index, mode, created_at, expires_at, last_heartbeat, metadata
		FROM orchestrator_leases WHERE expires_at <= ?`, store.FormatTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Lease, 0)
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			continue
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// LeaseFor returns the lease held by agent on gpuIndex, if any.
func (s *Store) LeaseFor(agent string, gpuIndex int) (*Lease, error) {
	row := s.db.QueryRow(`SELECT token, agent_name, gpu_index, mode, created_at, expires_at, last_heartbeat, metadata
		FROM orchestrator_leases WHERE agent_name = ? AND gpu_index = ? LIMIT 1`, agent, gpuIndex)
	return scanLease(row)
}

// LeasesOnGPU returns all leases recorded against one device index.
func (s *Store) LeasesOnGPU(gpuIndex int) ([]Lease, error) {
	rows, err := s.db.Query(`SELECT token, agent_name, gpu_index, mode, created_at, expires_at, last_heartbeat, metadata
		FROM orchestrator_leases WHERE gpu_index = ?`, gpuIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Lease, 0)
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			continue
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// LeasesByAgent returns the leases currently held by one agent.
func (s *Store) LeasesByAgent(agent string) ([]Lease, error) {
	rows, err := s.db.Query(`SELECT token, agent_name, gpu_index, mode, created_at, expires_at, last_heartbeat, metadata
		FROM orchestrator_leases WHERE agent_name = ? ORDER BY created_at`, agent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Lease, 0)
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			continue
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Worker pools
// ---------------------------------------------------------------------------

// InsertPool records a new pool row.
func (s *Store) InsertPool(p Pool) error {
	meta, err := encodeMeta(p.Metadata)
	if err != nil {
		return fmt.Errorf("encode pool metadata: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO worker_pools (pool_id, agent_name, model_id, adapter, desired_workers, spawned_workers, started_at, last_heartbeat, status, hold_seconds, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PoolID,
		p.AgentName,
		p.ModelID,
		p.Adapter,
		p.DesiredWorkers,
		p.SpawnedWorkers,
		store.FormatTime(p.StartedAt),
		store.FormatTime(p.LastHeartbeat),
		p.Status,
		p.HoldSeconds,
		meta,
	)
	if err != nil {
		return fmt.Errorf("insert pool: %w", err)
	}
	return nil
}

// GetPool returns one pool by id.
func (s *Store) GetPool(poolID string) (*Pool, error) {
	row := s.db.QueryRow(`SELECT pool_id, agent_name, model_id, adapter, desired_workers, spawned_workers, started_at, last_heartbeat, status, hold_seconds, metadata
		FROM worker_pools WHERE pool_id = ?`, poolID)
	return scanPool(row)
}

// SetPoolStatus moves a pool to status.
func (s *Store) SetPoolStatus(poolID, status string) error {
	res, err := s.db.Exec(`UPDATE worker_pools SET status = ? WHERE pool_id = ?`, status, poolID)
	if err != nil {
		return fmt.Errorf("set pool status: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// TouchPool records a pool heartbeat and the current worker count.
func (s *Store) TouchPool(poolID string, heartbeatAt time.Time, spawnedWorkers int) error {
	res, err := s.db.Exec(`UPDATE worker_pools SET last_heartbeat = ?, spawned_workers = ? WHERE pool_id = ?`,
		store.FormatTime(heartbeatAt), spawnedWorkers, poolID)
	if err != nil {
		return fmt.Errorf("touch pool: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListPools returns all pools ordered by start time.
func (s *Store) ListPools() ([]Pool, error) {
	return s.queryPools(`SELECT pool_id, agent_name, model_id, adapter, desired_workers, spawned_workers, started_at, last_heartbeat, status, hold_seconds, metadata
		FROM worker_pools ORDER BY started_at`)
}

// PoolsByTuple returns the pools bound to one (model, adapter) tuple.
func (s *Store) PoolsByTuple(modelID, adapter string) ([]Pool, error) {
	return s.queryPools(`SELECT pool_id, agent_name, model_id, adapter, desired_workers, spawned_workers, started_at, last_heartbeat, status, hold_seconds, metadata
		FROM worker_pools WHERE model_id = ? AND adapter = ? ORDER BY started_at`, modelID, adapter)
}

// PoolsByAgent returns the pools owned by one agent.
func (s *Store) PoolsByAgent(agent string) ([]Pool, error) {
	return s.queryPools(`SELECT pool_id, agent_name, model_id, adapter, desired_workers, spawned_workers, started_at, last_heartbeat, status, hold_seconds, metadata
		FROM worker_pools WHERE agent_name = ? ORDER BY started_at`, agent)
}

func (s *Store) queryPools(query string, args ...any) ([]Pool, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Pool, 0)
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			continue
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

// InsertJob durably records a new job before any stream publish happens.
func (s *Store) InsertJob(j Job) error {
	payload := string(j.Payload)
	if strings.TrimSpace(payload) == "" {
		payload = "{}"
	}
	_, err := s.db.Exec(`INSERT INTO orchestrator_jobs (job_id, type, payload, status, owner_pool, attempts, created_at, updated_at, last_error, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.JobID,
		j.Type,
		payload,
		j.Status,
		j.OwnerPool,
		j.Attempts,
		store.FormatTime(j.CreatedAt),
		store.FormatTime(j.UpdatedAt),
		j.LastError,
		store.NullableString(string(j.Result)),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns one job by id.
func (s *Store) GetJob(jobID string) (*Job, error) {
	row := s.db.QueryRow(`SELECT job_id, type, payload, status, owner_pool, attempts, created_at, updated_at, last_error, result
		FROM orchestrator_jobs WHERE job_id = ?`, jobID)
	return scanJob(row)
}

// CountActive counts jobs of jobType that have not reached a terminal
// status. This is the pending depth the submit ceiling is enforced on.
func (s *Store) CountActive(jobType string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM orchestrator_jobs
		WHERE type = ? AND status IN (?, ?, ?)`, jobType, JobPending, JobClaimed, JobRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

// ActiveJobTypes returns the distinct types with non-terminal jobs.
func (s *Store) ActiveJobTypes() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT type FROM orchestrator_jobs
		WHERE status IN (?, ?, ?) ORDER BY type`, JobPending, JobClaimed, JobRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// StalePendingJobs returns pending jobs untouched since cutoff. These are
// rows whose stream publish was lost; the reclaimer republishes them.
func (s *Store) StalePendingJobs(cutoff time.Time) ([]Job, error) {
	rows, err := s.db.Query(`SELECT job_id, type, payload, status, owner_pool, attempts, created_at, updated_at, last_error, result
		FROM orchestrator_jobs WHERE status = ? AND updated_at <= ?`,
		JobPending, store.FormatTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			continue
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ClaimJob assigns a job to a pool and moves it to claimed.
func (s *Store) ClaimJob(jobID, poolID string) error {
	res, err := s.db.Exec(`UPDATE orchestrator_jobs SET status = ?, owner_pool = ?, updated_at = ? WHERE job_id = ?`,
		JobClaimed, poolID, store.FormatTime(time.Now()), jobID)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// BumpAttempts increments a job's attempt counter and returns the new
// count. Attempts only ever grow.
func (s *Store) BumpAttempts(jobID string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var attempts int
	if err := tx.QueryRow(`SELECT attempts FROM orchestrator_jobs WHERE job_id = ?`, jobID).Scan(&attempts); err != nil {
		return 0, err
	}
	attempts++
	if _, err := tx.Exec(`UPDATE orchestrator_jobs SET attempts = ?, updated_at = ? WHERE job_id = ?`,
		attempts, store.FormatTime(time.Now()), jobID); err != nil {
		return 0, fmt.Errorf("bump attempts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return attempts, nil
}

// ReassignJob hands a stale job to a new owning pool.
func (s *Store) ReassignJob(jobID, poolID string) error {
	res, err := s.db.Exec(`UPDATE orchestrator_jobs SET owner_pool = ?, status = ?, updated_at = ? WHERE job_id = ?`,
		poolID, JobClaimed, store.FormatTime(time.Now()), jobID)
	if err != nil {
		return fmt.Errorf("reassign job: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkJobDead moves a job to the terminal dead status.
func (s *Store) MarkJobDead(jobID, lastError string) error {
	res, err := s.db.Exec(`UPDATE orchestrator_jobs SET status = ?, last_error = ?, updated_at = ? WHERE job_id = ?`,
		JobDead, lastError, store.FormatTime(time.Now()), jobID)
	if err != nil {
		return fmt.Errorf("mark job dead: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CompleteJob finalizes a job with a terminal status, an optional result
// document and an optional error description.
func (s *Store) CompleteJob(jobID, status string, result json.RawMessage, lastError string) error {
	if status != JobSucceeded && status != JobFailed {
		return fmt.Errorf("complete job: status %q is not terminal", status)
	}
	res, err := s.db.Exec(`UPDATE orchestrator_jobs SET status = ?, result = ?, last_error = ?, updated_at = ? WHERE job_id = ?`,
		status,
		store.NullableString(string(result)),
		lastError,
		store.FormatTime(time.Now()),
		jobID,
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkJobRunning moves a claimed job to running.
func (s *Store) MarkJobRunning(jobID string) error {
	res, err := s.db.Exec(`UPDATE orchestrator_jobs SET status = ?, updated_at = ? WHERE job_id = ?`,
		JobRunning, store.FormatTime(time.Now()), jobID)
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// TouchJob refreshes a job's updated_at, used after a republish so the row
// is not immediately re-detected as stale.
func (s *Store) TouchJob(jobID string) error {
	_, err := s.db.Exec(`UPDATE orchestrator_jobs SET updated_at = ? WHERE job_id = ?`,
		store.FormatTime(time.Now()), jobID)
	return err
}

// LastJobActivity returns the newest updated_at across all jobs a pool has
// ever owned. The second return is false when the pool never owned a job.
func (s *Store) LastJobActivity(poolID string) (time.Time, bool, error) {
	var latest sql.NullString
	err := s.db.QueryRow(`SELECT MAX(updated_at) FROM orchestrator_jobs WHERE owner_pool = ?`, poolID).Scan(&latest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last job activity: %w", err)
	}
	if !latest.Valid || latest.String == "" {
		return time.Time{}, false, nil
	}
	ts, err := store.ParseTime(latest.String)
	if err != nil {
		return time.Time{}, false, nil
	}
	return ts, true, nil
}

// JobsByOwner returns non-terminal jobs owned by one pool.
func (s *Store) JobsByOwner(poolID string) ([]Job, error) {
	rows, err := s.db.Query(`SELECT job_id, type, payload, status, owner_pool, attempts, created_at, updated_at, last_error, result
		FROM orchestrator_jobs WHERE owner_pool = ? AND status IN (?, ?)`,
		poolID, JobClaimed, JobRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			continue
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Scan helpers
// ---------------------------------------------------------------------------

func scanLease(sc store.Scanner) (*Lease, error) {
	var (
		l                            Lease
		createdAt, expiresAt, lastHB string
		meta                         string
	)
	if err := sc.Scan(
		&l.Token,
		&l.AgentName,
		&l.GPUIndex,
		&l.Mode,
		&createdAt,
		&expiresAt,
		&lastHB,
		&meta,
	); err != nil {
		return nil, err
	}
	l.CreatedAt, _ = store.ParseTime(createdAt)
	l.ExpiresAt, _ = store.ParseTime(expiresAt)
	l.LastHeartbeat, _ = store.ParseTime(lastHB)
	l.Metadata = decodeMeta(meta)
	return &l, nil
}

func scanPool(sc store.Scanner) (*Pool, error) {
	var (
		p                 Pool
		startedAt, lastHB string
		meta              string
	)
	if err := sc.Scan(
		&p.PoolID,
		&p.AgentName,
		&p.ModelID,
		&p.Adapter,
		&p.DesiredWorkers,
		&p.SpawnedWorkers,
		&startedAt,
		&lastHB,
		&p.Status,
		&p.HoldSeconds,
		&meta,
	); err != nil {
		return nil, err
	}
	p.StartedAt, _ = store.ParseTime(startedAt)
	p.LastHeartbeat, _ = store.ParseTime(lastHB)
	p.Metadata = decodeMeta(meta)
	return &p, nil
}

func scanJob(sc store.Scanner) (*Job, error) {
	var (
		j                    Job
		payload              string
		createdAt, updatedAt string
		result               sql.NullString
	)
	if err := sc.Scan(
		&j.JobID,
		&j.Type,
		&payload,
		&j.Status,
		&j.OwnerPool,
		&j.Attempts,
		&createdAt,
		&updatedAt,
		&j.LastError,
		&result,
	); err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	j.CreatedAt, _ = store.ParseTime(createdAt)
	j.UpdatedAt, _ = store.ParseTime(updatedAt)
	if result.Valid && result.String != "" {
		j.Result = json.RawMessage(result.String)
	}
	return &j, nil
}

func encodeMeta(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMeta(s string) map[string]string {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
