package pipeline

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/samekhi/histkb/internal/config"
	"github.com/samekhi/histkb/internal/heartbeat"
	"github.com/samekhi/histkb/internal/store"
)

// IngestOptions control a single ingest run.
type IngestOptions struct {
	// ImportAll re-reads the whole file regardless of the saved watermark.
	ImportAll bool
	// HistoryPath overrides the per-user default path. Used by tests.
	HistoryPath string
}

// Ingest reads one user's shell history incrementally and upserts new
// commands into the knowledge base. The per-(host,path) watermark is an
// (inode, last_line) pair: a changed inode or a shrunken file resets the
// read to line 1, so rotation and truncation are treated as fresh files.
// The watermark is only advanced after the batch commits, giving
// at-least-once ingestion.
func (e *Env) Ingest(user string, opts IngestOptions) error {
	host, _ := os.Hostname()
	jobName := "ingest_bash_history_to_kb:" + user
	started := time.Now()

	stateDB, err := store.Open(e.Cfg.HumanDBPath())
	if err != nil {
		return fmt.Errorf("open state db: %w", err)
	}
	defer stateDB.Close()
	if err := store.EnsureHuman(stateDB); err != nil {
		return fmt.Errorf("ensure state schema: %w", err)
	}

	mode := "new"
	if opts.ImportAll {
		mode = "all"
	}
	if err := heartbeat.Start(stateDB, jobName, fmt.Sprintf("host=%s import_mode=%s", host, mode)); err != nil {
		return fmt.Errorf("heartbeat start: %w", err)
	}

	h, got, err := e.acquireStageLock("ingest_bash_kb_" + user)
	if err != nil {
		finishBestEffort(stateDB, jobName, false, started, err.Error())
		return err
	}
	if !got {
		finishBestEffort(stateDB, jobName, true, started, "lock_busy")
		return nil
	}
	defer h.Release()

	hist := opts.HistoryPath
	if hist == "" {
		hist = config.HistoryPath(user)
	}
	if _, err := os.Stat(hist); err != nil {
		msg := "no_history_file path=" + hist
		e.Log.Infow("noop", "reason", "no_history_file", "path", hist)
		finishBestEffort(stateDB, jobName, true, started, msg)
		return nil
	}

	// Decoding tolerates invalid bytes; history files are UTF-8-ish at best.
	raw, err := os.ReadFile(hist)
	if err != nil {
		finishBestEffort(stateDB, jobName, false, started, err.Error())
		return fmt.Errorf("read history: %w", err)
	}
	lines := splitLines(string(raw))

	inode := inodeOf(hist)
	lineCount := len(lines)
	oldInode, lastLine, err := loadHistoryState(stateDB, host, hist)
	if err != nil {
		finishBestEffort(stateDB, jobName, false, started, err.Error())
		return fmt.Errorf("load state: %w", err)
	}

	startLine := 1
	if !opts.ImportAll && oldInode != "" && oldInode == inode && lineCount >= lastLine {
		startLine = lastLine + 1
	}

	e.Log.Infow("state",
		"host", host, "path", hist, "inode", inode, "old_inode", oldInode,
		"last_line", lastLine, "start_line", startLine, "total_lines", lineCount)

	if startLine > lineCount {
		if err := saveHistoryState(stateDB, host, hist, inode, lineCount); err != nil {
			finishBestEffort(stateDB, jobName, false, started, err.Error())
			return err
		}
		e.Log.Infow("noop", "reason", "start_line_past_eof")
		finishBestEffort(stateDB, jobName, true, started, "noop start_line_past_eof")
		return nil
	}

	var newLines []string
	for _, s := range lines[startLine-1:] {
		t := strings.TrimSpace(s)
		if t == "" || strings.HasPrefix(t, "#") {
			continue
		}
		newLines = append(newLines, s)
	}
	if len(newLines) == 0 {
		if err := saveHistoryState(stateDB, host, hist, inode, lineCount); err != nil {
			finishBestEffort(stateDB, jobName, false, started, err.Error())
			return err
		}
		e.Log.Infow("noop", "reason", "no_new_lines")
		finishBestEffort(stateDB, jobName, true, started, "noop no_new_lines")
		return nil
	}

	kb, err := store.Open(e.Cfg.KBDBPath())
	if err != nil {
		finishBestEffort(stateDB, jobName, false, started, err.Error())
		return fmt.Errorf("open kb db: %w", err)
	}
	defer kb.Close()
	if err := store.EnsureKB(kb); err != nil {
		finishBestEffort(stateDB, jobName, false, started, err.Error())
		return fmt.Errorf("ensure kb schema: %w", err)
	}

	processed, parsed, queued, err := ingestBatch(kb, newLines)
	if err != nil {
		finishBestEffort(stateDB, jobName, false, started, err.Error())
		return err
	}

	if err := saveHistoryState(stateDB, host, hist, inode, lineCount); err != nil {
		finishBestEffort(stateDB, jobName, false, started, err.Error())
		return err
	}

	msg := fmt.Sprintf("done processed_lines=%d parsed_commands=%d queued_enrich=%d", processed, parsed, queued)
	e.Log.Infow("done", "user", user, "processed_lines", processed, "parsed_commands", parsed, "queued_enrich", queued)
	finishBestEffort(stateDB, jobName, true, started, msg)
	return nil
}

// ingestBatch writes the whole batch in one transaction so a crash cannot
// leave the watermark ahead of the rows.
func ingestBatch(kb *sql.DB, lines []string) (processed, parsed, queued int, err error) {
	tx, err := kb.Begin()
	if err != nil {
		return 0, 0, 0, err
	}
	defer tx.Rollback()

	for _, full := range lines {
		processed++
		base := BaseCommand(full)
		if base == "" {
			continue
		}
		parsed++
		if err := upsertCommand(tx, full, base); err != nil {
			return 0, 0, 0, fmt.Errorf("upsert %q: %w", truncate(full, 120), err)
		}
		added, err := queueEnrich(tx, "base", base, 50)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("enrich %q: %w", base, err)
		}
		if added {
			queued++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, 0, err
	}
	return processed, parsed, queued, nil
}

func upsertCommand(tx *sql.Tx, fullCmd, baseCmd string) error {
	ts := now()
	if _, err := tx.Exec(`
		INSERT INTO commands(full_cmd, base_cmd, first_seen, last_seen, seen_count)
		VALUES(?,?,?,?,1)
		ON CONFLICT(full_cmd) DO UPDATE SET
			last_seen=excluded.last_seen,
			seen_count=commands.seen_count+1`,
		fullCmd, baseCmd, ts, ts); err != nil {
		return err
	}

	var cmdID int64
	if err := tx.QueryRow(`SELECT id FROM commands WHERE full_cmd=? LIMIT 1`, fullCmd).Scan(&cmdID); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO command_ai(cmd_id, status, updated_at) VALUES(?, 'pending', datetime('now'))`,
		cmdID); err != nil {
		return err
	}

	_, err := tx.Exec(`
		INSERT INTO base_commands(base_cmd, first_seen, last_seen, seen_count)
		VALUES(?,?,?,1)
		ON CONFLICT(base_cmd) DO UPDATE SET
			last_seen=excluded.last_seen,
			seen_count=base_commands.seen_count+1`,
		baseCmd, ts, ts)
	return err
}

func queueEnrich(tx *sql.Tx, kind, ref string, priority int) (bool, error) {
	res, err := tx.Exec(`
		INSERT INTO enrich_queue(kind, ref, status, priority, attempts, created_at, updated_at)
		VALUES(?,?, 'pending', ?, 0, datetime('now'), datetime('now'))
		ON CONFLICT(kind, ref) DO NOTHING`,
		kind, ref, priority)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func loadHistoryState(db *sql.DB, host, path string) (inode string, lastLine int, err error) {
	err = db.QueryRow(
		`SELECT COALESCE(inode,''), COALESCE(last_line,0) FROM history_state WHERE host=? AND path=? LIMIT 1`,
		host, path,
	).Scan(&inode, &lastLine)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	return inode, lastLine, err
}

func saveHistoryState(db *sql.DB, host, path, inode string, lastLine int) error {
	_, err := db.Exec(`
		INSERT INTO history_state(host, path, inode, last_line, updated_at)
		VALUES(?,?,?,?,?)
		ON CONFLICT(host, path) DO UPDATE SET
			inode=excluded.inode,
			last_line=excluded.last_line,
			updated_at=excluded.updated_at`,
		host, path, inode, lastLine, now())
	return err
}

// splitLines matches history-file line semantics: a trailing newline does
// not produce a final empty line, and an empty file has zero lines.
func splitLines(content string) []string {
	content = strings.TrimRight(content, "\n")
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

func inodeOf(path string) string {
	fi, err := os.Stat(path)
	if err != nil {
		return ""
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return strconv.FormatUint(st.Ino, 10)
	}
	return ""
}
