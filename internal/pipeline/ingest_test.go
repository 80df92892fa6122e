package pipeline

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/samekhi/histkb/internal/config"
	"github.com/samekhi/histkb/internal/logging"
	"github.com/samekhi/histkb/internal/store"
)

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	return &Env{
		Cfg: &config.Config{
			PrivateRoot:   t.TempDir(),
			Users:         []string{"tester"},
			OllamaURL:     "http://127.0.0.1:1",
			OllamaModel:   "test-model",
			SearchAPIBase: "http://127.0.0.1:1/v1/search/?q=",
		},
		Log: logging.Nop(),
	}
}

func openDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func queryInt(t *testing.T, db *sql.DB, q string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRow(q, args...).Scan(&n); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return n
}

func writeHistory(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write history: %v", err)
	}
}

func TestIngestFreshFile(t *testing.T) {
	env := newTestEnv(t)
	hist := filepath.Join(t.TempDir(), "bash_history")
	writeHistory(t, hist, "ls -la\n# comment\nsudo systemctl restart nginx\n")

	if err := env.Ingest("tester", IngestOptions{HistoryPath: hist}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	kb := openDB(t, env.Cfg.KBDBPath())
	if n := queryInt(t, kb, `SELECT COUNT(*) FROM commands`); n != 2 {
		t.Fatalf("commands = %d, want 2", n)
	}
	if n := queryInt(t, kb, `SELECT COUNT(*) FROM command_ai WHERE status='pending'`); n != 2 {
		t.Fatalf("pending command_ai = %d, want 2", n)
	}
	if n := queryInt(t, kb, `SELECT COUNT(*) FROM base_commands WHERE base_cmd='systemctl'`); n != 1 {
		t.Fatalf("systemctl base_commands = %d, want 1", n)
	}
	if n := queryInt(t, kb, `SELECT COUNT(*) FROM enrich_queue WHERE kind='base'`); n != 2 {
		t.Fatalf("enrich_queue = %d, want 2", n)
	}

	human := openDB(t, env.Cfg.HumanDBPath())
	if n := queryInt(t, human, `SELECT last_line FROM history_state`); n != 3 {
		t.Fatalf("watermark last_line = %d, want 3", n)
	}
}

func TestIngestRerunIsNoop(t *testing.T) {
	env := newTestEnv(t)
	hist := filepath.Join(t.TempDir(), "bash_history")
	writeHistory(t, hist, "ls -la\ngit status\n")

	for i := 0; i < 2; i++ {
		if err := env.Ingest("tester", IngestOptions{HistoryPath: hist}); err != nil {
			t.Fatalf("ingest run %d: %v", i, err)
		}
	}

	kb := openDB(t, env.Cfg.KBDBPath())
	if n := queryInt(t, kb, `SELECT COUNT(*) FROM commands`); n != 2 {
		t.Fatalf("commands = %d, want 2", n)
	}
	if n := queryInt(t, kb, `SELECT seen_count FROM commands WHERE full_cmd='ls -la'`); n != 1 {
		t.Fatalf("seen_count = %d, want 1 (re-run must not re-read old lines)", n)
	}
}

func TestIngestAppendOnlyReadsNewLines(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	hist := filepath.Join(dir, "bash_history")
	writeHistory(t, hist, "ls -la\n")

	if err := env.Ingest("tester", IngestOptions{HistoryPath: hist}); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	// Append without replacing the file so the inode is stable.
	f, err := os.OpenFile(hist, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	if _, err := f.WriteString("ls -la\ndf -h\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	if err := env.Ingest("tester", IngestOptions{HistoryPath: hist}); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	kb := openDB(t, env.Cfg.KBDBPath())
	if n := queryInt(t, kb, `SELECT COUNT(*) FROM commands`); n != 2 {
		t.Fatalf("commands = %d, want 2", n)
	}
	if n := queryInt(t, kb, `SELECT seen_count FROM commands WHERE full_cmd='ls -la'`); n != 2 {
		t.Fatalf("seen_count = %d, want 2 (appended duplicate bumps count)", n)
	}

	human := openDB(t, env.Cfg.HumanDBPath())
	if n := queryInt(t, human, `SELECT last_line FROM history_state`); n != 3 {
		t.Fatalf("watermark last_line = %d, want 3", n)
	}
}

func TestIngestShrunkenFileRestartsFromTop(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	hist := filepath.Join(dir, "bash_history")
	writeHistory(t, hist, "ls -la\ngit status\ndf -h\n")

	if err := env.Ingest("tester", IngestOptions{HistoryPath: hist}); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	// Truncate in place so the inode survives but the line count drops.
	f, err := os.OpenFile(hist, os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if _, err := f.WriteString("uptime\n"); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	f.Close()

	if err := env.Ingest("tester", IngestOptions{HistoryPath: hist}); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	kb := openDB(t, env.Cfg.KBDBPath())
	if n := queryInt(t, kb, `SELECT COUNT(*) FROM commands WHERE full_cmd='uptime'`); n != 1 {
		t.Fatalf("uptime commands = %d, want 1", n)
	}
	human := openDB(t, env.Cfg.HumanDBPath())
	if n := queryInt(t, human, `SELECT last_line FROM history_state`); n != 1 {
		t.Fatalf("watermark last_line = %d, want 1", n)
	}
}

func TestIngestImportAllRereads(t *testing.T) {
	env := newTestEnv(t)
	hist := filepath.Join(t.TempDir(), "bash_history")
	writeHistory(t, hist, "ls -la\n")

	if err := env.Ingest("tester", IngestOptions{HistoryPath: hist}); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if err := env.Ingest("tester", IngestOptions{HistoryPath: hist, ImportAll: true}); err != nil {
		t.Fatalf("import-all ingest: %v", err)
	}

	kb := openDB(t, env.Cfg.KBDBPath())
	if n := queryInt(t, kb, `SELECT seen_count FROM commands WHERE full_cmd='ls -la'`); n != 2 {
		t.Fatalf("seen_count = %d, want 2 after import all", n)
	}
}

func TestIngestMissingFileIsNoop(t *testing.T) {
	env := newTestEnv(t)
	hist := filepath.Join(t.TempDir(), "nope")
	if err := env.Ingest("tester", IngestOptions{HistoryPath: hist}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	human := openDB(t, env.Cfg.HumanDBPath())
	var status string
	if err := human.QueryRow(
		`SELECT last_status FROM job_runs WHERE job='ingest_bash_history_to_kb:tester'`,
	).Scan(&status); err != nil {
		t.Fatalf("job_runs: %v", err)
	}
	if status != "ok" {
		t.Fatalf("last_status = %q, want ok", status)
	}
}
