package pipeline

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/samekhi/histkb/internal/heartbeat"
	"github.com/samekhi/histkb/internal/search"
	"github.com/samekhi/histkb/internal/store"
)

// QueueSearchOptions control one dispatch run.
type QueueSearchOptions struct {
	Batch int           // default 5
	Sleep time.Duration // pause after each dispatched query, default 1s
}

// QueueSearch enrolls classified-but-unknown commands into command_search
// and dispatches pending queries to the search API. The API itself caches
// result snapshots; this stage only advances per-command dispatch state.
// Soft failures (no results yet, no URLs) keep the row pending so a later
// run retries it; hard failures mark it error, and errored rows are picked
// up again on later runs.
func (e *Env) QueueSearch(opts QueueSearchOptions) error {
	if opts.Batch <= 0 {
		opts.Batch = 5
	}
	if opts.Sleep <= 0 {
		opts.Sleep = time.Second
	}

	const jobName = "queue_bash_searches"
	started := time.Now()

	hb, err := store.Open(e.Cfg.HumanDBPath())
	if err != nil {
		return fmt.Errorf("open heartbeat db: %w", err)
	}
	defer hb.Close()
	if err := heartbeat.Ensure(hb); err != nil {
		return fmt.Errorf("ensure job_runs: %w", err)
	}
	if err := heartbeat.Start(hb, jobName, ""); err != nil {
		return fmt.Errorf("heartbeat start: %w", err)
	}

	h, got, err := e.acquireStageLock(jobName)
	if err != nil {
		finishBestEffort(hb, jobName, false, started, err.Error())
		return err
	}
	if !got {
		finishBestEffort(hb, jobName, true, started, "lock_busy")
		return nil
	}
	defer h.Release()

	db, err := store.Open(e.Cfg.KBDBPath())
	if err != nil {
		finishBestEffort(hb, jobName, false, started, err.Error())
		return fmt.Errorf("open kb db: %w", err)
	}
	defer db.Close()
	if err := store.EnsureKB(db); err != nil {
		finishBestEffort(hb, jobName, false, started, err.Error())
		return fmt.Errorf("ensure kb schema: %w", err)
	}

	if err := seedCommandSearch(db); err != nil {
		finishBestEffort(hb, jobName, false, started, err.Error())
		return err
	}

	batch, err := fetchSearchBatch(db, opts.Batch)
	if err != nil {
		finishBestEffort(hb, jobName, false, started, err.Error())
		return err
	}
	if len(batch) == 0 {
		e.Log.Infow("noop", "pending", 0)
		finishBestEffort(hb, jobName, true, started, "noop pending=0")
		return nil
	}

	client := search.NewClient(e.Cfg.SearchAPIBase)
	e.Log.Infow("start", "pending", len(batch), "batch", opts.Batch, "base", e.Cfg.SearchAPIBase)

	processed, sent, soft, errors := 0, 0, 0, 0
	for _, row := range batch {
		processed++
		res, err := client.Query(row.Query)
		switch {
		case err != nil:
			errors++
			if markErr := markSearchError(db, row.CmdID, err.Error()); markErr != nil {
				finishBestEffort(hb, jobName, false, started, markErr.Error())
				return markErr
			}
			e.Log.Errorw("error", "cmd_id", row.CmdID, "query", row.Query, "err", truncate(err.Error(), 500))
		case res.Outcome == search.SoftRetry:
			soft++
			if markErr := markSearchSoftRetry(db, row.CmdID, res.Reason); markErr != nil {
				finishBestEffort(hb, jobName, false, started, markErr.Error())
				return markErr
			}
			e.Log.Infow("soft_retry", "cmd_id", row.CmdID, "query", row.Query, "reason", res.Reason)
			time.Sleep(opts.Sleep)
		default:
			sent++
			if markErr := markSearchSent(db, row.CmdID); markErr != nil {
				finishBestEffort(hb, jobName, false, started, markErr.Error())
				return markErr
			}
			e.Log.Infow("sent", "cmd_id", row.CmdID, "query", row.Query, "urls", len(res.TopURLs))
			time.Sleep(opts.Sleep)
		}
	}

	eligible, err := countPendingSearches(db)
	if err != nil {
		eligible = -1
	}

	msg := fmt.Sprintf("processed=%d sent=%d soft_retry=%d errors=%d eligible_left=%d",
		processed, sent, soft, errors, eligible)
	e.Log.Infow("finish", "processed", processed, "sent", sent, "soft_retry", soft, "errors", errors, "eligible_left", eligible)
	finishBestEffort(hb, jobName, errors == 0, started, msg)
	return nil
}

type searchRow struct {
	CmdID int64
	Query string
}

// seedCommandSearch enrolls every classified command with a usable query.
// Enrollment is insert-only; existing rows keep their dispatch state.
func seedCommandSearch(db *sql.DB) error {
	_, err := db.Exec(`
		INSERT OR IGNORE INTO command_search(cmd_id, status)
		SELECT a.cmd_id, 'pending'
		FROM command_ai a
		WHERE a.status='done' AND a.known=1
		  AND a.search_query IS NOT NULL AND TRIM(a.search_query) != ''`)
	return err
}

// fetchSearchBatch returns retryable rows (pending and previously errored),
// never-tried first, then oldest last attempt first.
func fetchSearchBatch(db *sql.DB, limit int) ([]searchRow, error) {
	rows, err := db.Query(`
		SELECT s.cmd_id, a.search_query
		FROM command_search s
		JOIN command_ai a ON a.cmd_id = s.cmd_id
		WHERE s.status IN ('pending','error')
		  AND a.search_query IS NOT NULL AND TRIM(a.search_query) != ''
		ORDER BY COALESCE(s.last_at,'') ASC, s.cmd_id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []searchRow
	for rows.Next() {
		var r searchRow
		if err := rows.Scan(&r.CmdID, &r.Query); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func countPendingSearches(db *sql.DB) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM command_search WHERE status IN ('pending','error')`).Scan(&n)
	return n, err
}

func markSearchSent(db *sql.DB, cmdID int64) error {
	_, err := db.Exec(
		`UPDATE command_search SET status='sent', last_at=?, last_error=NULL WHERE cmd_id=?`,
		now(), cmdID)
	return err
}

// markSearchSoftRetry resets status to pending so a row that previously
// hard-errored returns to the retryable state once the backend responds.
func markSearchSoftRetry(db *sql.DB, cmdID int64, reason string) error {
	_, err := db.Exec(
		`UPDATE command_search SET status='pending', last_at=?, last_error=? WHERE cmd_id=?`,
		now(), truncate(reason, 500), cmdID)
	return err
}

func markSearchError(db *sql.DB, cmdID int64, errText string) error {
	_, err := db.Exec(
		`UPDATE command_search SET status='error', last_at=?, last_error=? WHERE cmd_id=?`,
		now(), truncate(errText, 500), cmdID)
	return err
}
