// Package heartbeat maintains the job_runs table: one row per job name
// recording the most recent run. The notes UI reads this table to show
// pipeline liveness, so every tracked job must write a terminal upsert even
// on fatal paths.
package heartbeat

import (
	"database/sql"
	"time"
)

// maxMessage matches the UI's display column.
const maxMessage = 900

func now() string {
	return time.Now().Format("2006-01-02 15:04:05")
}

// Ensure creates the job_runs table if it does not exist.
func Ensure(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS job_runs (
		job TEXT PRIMARY KEY,
		last_start TEXT,
		last_ok TEXT,
		last_status TEXT,
		last_message TEXT,
		last_duration_ms INTEGER
	)`)
	return err
}

// Start marks a job running and clears its last duration.
func Start(db *sql.DB, job, message string) error {
	_, err := db.Exec(`
		INSERT INTO job_runs(job, last_start, last_status, last_message, last_duration_ms)
		VALUES(?, ?, 'running', ?, NULL)
		ON CONFLICT(job) DO UPDATE SET
			last_start=excluded.last_start,
			last_status='running',
			last_message=excluded.last_message,
			last_duration_ms=NULL`,
		job, now(), truncate(message))
	return err
}

// Finish records a terminal status. ok=true also bumps last_ok.
func Finish(db *sql.DB, job string, ok bool, duration time.Duration, message string) error {
	ms := duration.Milliseconds()
	if ok {
		_, err := db.Exec(`
			INSERT INTO job_runs(job, last_ok, last_status, last_message, last_duration_ms)
			VALUES(?, ?, 'ok', ?, ?)
			ON CONFLICT(job) DO UPDATE SET
				last_ok=excluded.last_ok,
				last_status='ok',
				last_message=excluded.last_message,
				last_duration_ms=excluded.last_duration_ms`,
			job, now(), truncate(message), ms)
		return err
	}
	_, err := db.Exec(`
		INSERT INTO job_runs(job, last_status, last_message, last_duration_ms)
		VALUES(?, 'error', ?, ?)
		ON CONFLICT(job) DO UPDATE SET
			last_status='error',
			last_message=excluded.last_message,
			last_duration_ms=excluded.last_duration_ms`,
		job, truncate(message), ms)
	return err
}

// Run is the most recent execution of a job, as shown in the jobs view.
type Run struct {
	Job            string
	LastStart      string
	LastOK         string
	LastStatus     string
	LastMessage    string
	LastDurationMS sql.NullInt64
}

// List returns all job rows ordered by name.
func List(db *sql.DB) ([]Run, error) {
	rows, err := db.Query(`
		SELECT job, COALESCE(last_start,''), COALESCE(last_ok,''),
		       COALESCE(last_status,''), COALESCE(last_message,''), last_duration_ms
		FROM job_runs ORDER BY job`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.Job, &r.LastStart, &r.LastOK, &r.LastStatus, &r.LastMessage, &r.LastDurationMS); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func truncate(s string) string {
	if len(s) > maxMessage {
		return s[:maxMessage]
	}
	return s
}
