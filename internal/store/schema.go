package store

import "database/sql"

// EnsureKB creates the bash knowledge base tables: observed commands, their
// AI classification, the search enrollment gate, and the enrichment backlog.
func EnsureKB(db *sql.DB) error {
	return execAll(db, []string{
		`CREATE TABLE IF NOT EXISTS commands (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			full_cmd TEXT NOT NULL UNIQUE,
			base_cmd TEXT NOT NULL,
			first_seen TEXT DEFAULT (datetime('now')),
			last_seen  TEXT DEFAULT (datetime('now')),
			seen_count INTEGER DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_base_cmd ON commands(base_cmd)`,

		`CREATE TABLE IF NOT EXISTS command_ai (
			cmd_id INTEGER PRIMARY KEY,
			status TEXT DEFAULT 'pending',
			model TEXT,
			prompt_version TEXT,
			result_json TEXT,
			summary TEXT,
			search_query TEXT,
			known INTEGER DEFAULT 0,
			updated_at TEXT DEFAULT (datetime('now')),
			last_error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_command_ai_status ON command_ai(status, updated_at)`,

		`CREATE TABLE IF NOT EXISTS command_search (
			cmd_id INTEGER PRIMARY KEY,
			status TEXT DEFAULT 'pending',
			last_at TEXT,
			last_error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_command_search_status ON command_search(status, last_at)`,

		`CREATE TABLE IF NOT EXISTS base_commands (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			base_cmd TEXT NOT NULL UNIQUE,
			first_seen TEXT DEFAULT (datetime('now')),
			last_seen  TEXT DEFAULT (datetime('now')),
			seen_count INTEGER DEFAULT 1
		)`,

		`CREATE TABLE IF NOT EXISTS enrich_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			ref TEXT NOT NULL,
			status TEXT DEFAULT 'pending',
			priority INTEGER DEFAULT 100,
			attempts INTEGER DEFAULT 0,
			last_error TEXT,
			created_at TEXT DEFAULT (datetime('now')),
			updated_at TEXT DEFAULT (datetime('now')),
			UNIQUE(kind, ref)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_status_priority ON enrich_queue(status, priority, created_at)`,
	})
}

// EnsureHuman creates the human notes tables plus the ingest watermark and
// heartbeat tables that live alongside them. The notes table has grown
// columns over time (node, path, version, ts); they are added here when a
// pre-extension database is opened.
func EnsureHuman(db *sql.DB) error {
	if err := execAll(db, []string{
		`CREATE TABLE IF NOT EXISTS notes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			notes_type TEXT NOT NULL,
			topic TEXT,
			node TEXT,
			path TEXT,
			version TEXT,
			ts TEXT,
			note TEXT NOT NULL,
			parent_id INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_parent ON notes(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_created ON notes(created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS history_state (
			host TEXT NOT NULL,
			path TEXT NOT NULL,
			inode TEXT,
			last_line INTEGER DEFAULT 0,
			updated_at TEXT,
			PRIMARY KEY (host, path)
		)`,

		`CREATE TABLE IF NOT EXISTS job_runs (
			job TEXT PRIMARY KEY,
			last_start TEXT,
			last_ok TEXT,
			last_status TEXT,
			last_message TEXT,
			last_duration_ms INTEGER
		)`,
	}); err != nil {
		return err
	}

	for _, col := range []string{"node", "path", "version", "ts"} {
		if err := EnsureColumn(db, "notes", col, "TEXT"); err != nil {
			return err
		}
	}
	return nil
}

// EnsureSearchCache creates the search snapshot table. ai_notes and top_urls
// arrived after the initial deployment, so both are added when absent.
func EnsureSearchCache(db *sql.DB) error {
	if err := execAll(db, []string{
		`CREATE TABLE IF NOT EXISTS search_cache_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key_hash CHAR(64) NOT NULL,
			q TEXT,
			body MEDIUMTEXT NOT NULL,
			top_urls TEXT,
			ai_notes TEXT,
			cached_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_search_cache_history_key_time
			ON search_cache_history(key_hash, cached_at)`,
	}); err != nil {
		return err
	}

	if err := EnsureColumn(db, "search_cache_history", "ai_notes", "TEXT"); err != nil {
		return err
	}
	return EnsureColumn(db, "search_cache_history", "top_urls", "TEXT")
}

// EnsureAIMeta creates the per-note metadata table. (note_id, source_hash)
// is the idempotency key: any edit to a note's identifying fields produces a
// new hash and therefore a fresh row.
func EnsureAIMeta(db *sql.DB) error {
	return execAll(db, []string{
		`CREATE TABLE IF NOT EXISTS ai_note_meta (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			note_id INTEGER NOT NULL,
			parent_id INTEGER DEFAULT 0,
			notes_type TEXT,
			topic TEXT,
			source_hash TEXT NOT NULL,
			model_name TEXT NOT NULL,
			meta_json TEXT NOT NULL,
			summary TEXT,
			tags_csv TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(note_id, source_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_note_id ON ai_note_meta(note_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_topic ON ai_note_meta(topic)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_notes_type ON ai_note_meta(notes_type)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_updated ON ai_note_meta(updated_at)`,
	})
}
