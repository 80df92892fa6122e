// Package pipeline implements the five incremental stages that move shell
// history from raw files to classified, searched, summarized, and tagged
// knowledge: ingest, classify, queue-search, search-summarize, and
// note-metadata, plus the sequential orchestrator that drives them.
//
// Every stage follows the same discipline: take a per-stage file lock (a
// busy lock is a silent success so overlapping cron firings no-op), write a
// job_runs heartbeat at start and finish, process rows in deterministic
// order, and record per-row failures without aborting the batch. Progress
// cursors (the ingest watermark, command_ai status, the note-metadata
// source hash) make every stage safe to re-run.
package pipeline

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/samekhi/histkb/internal/config"
	"github.com/samekhi/histkb/internal/heartbeat"
	"github.com/samekhi/histkb/internal/lock"
)

// Env carries the resolved configuration and logger into each stage.
type Env struct {
	Cfg *config.Config
	Log *zap.SugaredLogger
}

func now() string {
	return time.Now().Format("2006-01-02 15:04:05")
}

// finishBestEffort writes the terminal heartbeat, swallowing errors: a
// stage that already failed must not be masked by a heartbeat write error.
func finishBestEffort(db *sql.DB, job string, ok bool, started time.Time, message string) {
	if db == nil {
		return
	}
	_ = heartbeat.Finish(db, job, ok, time.Since(started), message)
}

// acquireStageLock takes the stage lock. The bool result is false on a busy
// lock, which callers treat as a clean no-op exit.
func (e *Env) acquireStageLock(name string) (*lock.Handle, bool, error) {
	h, err := lock.Acquire(e.Cfg.LockPath(name))
	if err == lock.ErrBusy {
		e.Log.Infow("lock_busy", "lock", name)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return h, true, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...<truncated>"
}
