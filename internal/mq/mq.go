// Package mq is the durable job queue ("mother queue"). Jobs live in a
// single SQLite table; delivery is at-least-once with time-bounded leases
// and bounded retry. Expired leases are not reclaimed automatically — a job
// whose worker died stays running until ReclaimExpired is invoked
// explicitly, because automatic reclamation risks double-executing
// non-idempotent handlers.
package mq

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Job statuses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusDead    = "dead"
)

const (
	DefaultPriority    = 100
	DefaultMaxAttempts = 5
	DefaultLeaseSecs   = 120
	maxErrorLen        = 4000
)

// isoMillis is the wire format for all queue timestamps; lexicographic
// comparison matches chronological order.
const isoMillis = "2006-01-02T15:04:05.000Z"

func nowISO() string {
	return time.Now().UTC().Format(isoMillis)
}

func isoAfter(seconds int) string {
	return time.Now().UTC().Add(time.Duration(seconds) * time.Second).Format(isoMillis)
}

// Job is one queued unit of work.
type Job struct {
	ID          string
	Queue       string
	Name        string
	PayloadJSON json.RawMessage
	Status      string
	Priority    int
	RunAfter    string
	Attempts    int
	MaxAttempts int
	LockedBy    sql.NullString
	LockedUntil sql.NullString
	CreatedAt   string
	UpdatedAt   string
	LastError   sql.NullString
}

// Queue wraps the jobs database.
type Queue struct {
	db *sql.DB
}

// Queue connections ask for immediate transactions so LeaseOne's
// read-then-claim holds the write lock from the first statement.
const dsnParams = "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate"

// Open opens or creates the queue database and ensures its schema.
func Open(path string) (*Queue, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	q := &Queue{db: db}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate jobs: %w", err)
	}
	return q, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// DB exposes the underlying handle for tests and the jobs view.
func (q *Queue) DB() *sql.DB {
	return q.db
}

func (q *Queue) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id           TEXT PRIMARY KEY,
			queue        TEXT NOT NULL,
			name         TEXT NOT NULL,
			payload_json TEXT NOT NULL,

			status       TEXT NOT NULL DEFAULT 'queued',
			priority     INTEGER NOT NULL DEFAULT 100,
			run_after    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),

			attempts     INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,

			locked_by    TEXT,
			locked_until TEXT,

			created_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),

			last_error   TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_pick ON jobs(queue, status, run_after, priority)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_locked ON jobs(status, locked_until)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_updated ON jobs(updated_at)`,
	}
	for _, s := range stmts {
		if _, err := q.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueOptions override the enqueue defaults. Zero values mean defaults.
type EnqueueOptions struct {
	Priority    int
	RunAfter    string // isoMillis; empty means now
	MaxAttempts int
	ID          string // empty means a fresh uuid4
}

func newID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Enqueue inserts a single queued job and returns its id.
func (q *Queue) Enqueue(queue, name string, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	id := opts.ID
	if id == "" {
		id = newID()
	}
	priority := opts.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	runAfter := opts.RunAfter
	if runAfter == "" {
		runAfter = nowISO()
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	ts := nowISO()
	_, err := q.db.Exec(`
		INSERT INTO jobs
			(id, queue, name, payload_json, status, priority, run_after, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?, ?, ?, ?)`,
		id, queue, name, string(payload), priority, runAfter, maxAttempts, ts, ts)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// LeaseOne claims the earliest eligible job on the queue: lowest priority
// number first, oldest creation first. Returns nil when nothing is runnable.
// The claim happens inside an immediate transaction so two workers cannot
// lease the same row.
func (q *Queue) LeaseOne(queue string, leaseSeconds int) (*Job, error) {
	if leaseSeconds <= 0 {
		leaseSeconds = DefaultLeaseSecs
	}
	hostname, _ := os.Hostname()
	worker := fmt.Sprintf("%s:%d", hostname, os.Getpid())
	ts := nowISO()
	lockUntil := isoAfter(leaseSeconds)

	// The connection's _txlock=immediate makes this BEGIN IMMEDIATE: the
	// write lock is held from the first statement, so the pick and the
	// claim are one atomic step under SQLite's single-writer model.
	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("lease begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id, queue, name, payload_json, status, priority, run_after,
		       attempts, max_attempts, locked_by, locked_until,
		       created_at, updated_at, last_error
		FROM jobs
		WHERE queue = ? AND status = 'queued' AND run_after <= ?
		ORDER BY priority ASC, created_at ASC
		LIMIT 1`, queue, ts)

	var j Job
	var payload string
	err = row.Scan(&j.ID, &j.Queue, &j.Name, &payload, &j.Status, &j.Priority,
		&j.RunAfter, &j.Attempts, &j.MaxAttempts, &j.LockedBy, &j.LockedUntil,
		&j.CreatedAt, &j.UpdatedAt, &j.LastError)
	if err == sql.ErrNoRows {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, fmt.Errorf("lease select: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE jobs
		SET status='running', locked_by=?, locked_until=?, attempts=attempts+1, updated_at=?
		WHERE id=?`, worker, lockUntil, ts, j.ID); err != nil {
		return nil, fmt.Errorf("lease claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("lease commit: %w", err)
	}

	j.Status = StatusRunning
	j.Attempts++
	j.LockedBy = sql.NullString{String: worker, Valid: true}
	j.LockedUntil = sql.NullString{String: lockUntil, Valid: true}
	j.PayloadJSON = json.RawMessage(payload)
	return &j, nil
}

// Ack marks a job done and clears its lock fields and last error.
func (q *Queue) Ack(id string) error {
	_, err := q.db.Exec(`
		UPDATE jobs
		SET status='done', locked_by=NULL, locked_until=NULL, last_error=NULL, updated_at=?
		WHERE id=?`, nowISO(), id)
	return err
}

// Fail records a failed attempt. The job is re-queued with run_after pushed
// out by retryDelaySeconds, or marked dead once attempts reach max_attempts.
func (q *Queue) Fail(id, errMsg string, retryDelaySeconds int) error {
	if retryDelaySeconds <= 0 {
		retryDelaySeconds = 60
	}
	if len(errMsg) > maxErrorLen {
		errMsg = errMsg[:maxErrorLen]
	}

	var attempts, maxAttempts int
	err := q.db.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id=?`, id).
		Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	ts := nowISO()
	if attempts >= maxAttempts {
		_, err = q.db.Exec(`
			UPDATE jobs
			SET status='dead', locked_by=NULL, locked_until=NULL, last_error=?, updated_at=?
			WHERE id=?`, errMsg, ts, id)
		return err
	}
	_, err = q.db.Exec(`
		UPDATE jobs
		SET status='queued', locked_by=NULL, locked_until=NULL, last_error=?, run_after=?, updated_at=?
		WHERE id=?`, errMsg, isoAfter(retryDelaySeconds), ts, id)
	return err
}

// ReclaimExpired re-queues running jobs whose lease has lapsed. Only invoked
// when a worker opts in; see the package comment for the tradeoff.
func (q *Queue) ReclaimExpired(queue string) (int, error) {
	res, err := q.db.Exec(`
		UPDATE jobs
		SET status='queued', locked_by=NULL, locked_until=NULL, updated_at=?
		WHERE queue=? AND status='running' AND locked_until IS NOT NULL AND locked_until < ?`,
		nowISO(), queue, nowISO())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
