package pipeline

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samekhi/histkb/internal/heartbeat"
	"github.com/samekhi/histkb/internal/ollama"
	"github.com/samekhi/histkb/internal/store"
	"github.com/samekhi/histkb/internal/template"
)

// NoteMetaOptions control one metadata extraction run.
type NoteMetaOptions struct {
	// HumanDB and MetaDB override the configured paths. Used by tests.
	HumanDB string
	MetaDB  string

	Limit     int           // default 500
	Timeout   time.Duration // default 180s
	Sleep     time.Duration // pause between model calls
	SinceID   int64         // start after this note id, overrides the backtrack window
	Backtrack int           // re-examine this many ids before the high-water mark, default 200
	DryRun    bool
}

// NoteMeta is the validated metadata for one note version.
type NoteMeta struct {
	DocKind     string   `json:"doc_kind"`
	Summary     string   `json:"summary"`
	Tags        []string `json:"tags"`
	Entities    []string `json:"entities"`
	Commands    []string `json:"commands"`
	CmdFamilies []string `json:"cmd_families"`
	Sensitivity string   `json:"sensitivity"`
}

type noteRow struct {
	ID        int64
	NotesType string
	Topic     string
	Note      string
	ParentID  int64
	UpdatedAt string
}

// NoteMetaRun extracts structured metadata for notes. The idempotency key is
// (note_id, source_hash) where the hash covers the note's identifying
// fields, so an edited note gets a fresh metadata row while unchanged notes
// are skipped on re-runs. The backtrack window re-examines recent ids to
// catch late edits without rescanning the whole table.
func (e *Env) NoteMetaRun(opts NoteMetaOptions) error {
	if opts.Limit <= 0 {
		opts.Limit = 500
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 180 * time.Second
	}
	if opts.Backtrack <= 0 {
		opts.Backtrack = 200
	}
	if opts.HumanDB == "" {
		opts.HumanDB = e.Cfg.HumanDBPath()
	}
	if opts.MetaDB == "" {
		opts.MetaDB = e.Cfg.AIMetaDBPath()
	}

	const jobName = "ai_notes"
	started := time.Now()

	human, err := store.Open(opts.HumanDB)
	if err != nil {
		return fmt.Errorf("open human db: %w", err)
	}
	defer human.Close()
	if err := store.EnsureHuman(human); err != nil {
		return fmt.Errorf("ensure human schema: %w", err)
	}
	if err := heartbeat.Start(human, jobName, fmt.Sprintf("limit=%d since_id=%d backtrack=%d", opts.Limit, opts.SinceID, opts.Backtrack)); err != nil {
		return fmt.Errorf("heartbeat start: %w", err)
	}

	h, got, err := e.acquireStageLock(jobName)
	if err != nil {
		finishBestEffort(human, jobName, false, started, err.Error())
		return err
	}
	if !got {
		finishBestEffort(human, jobName, true, started, "lock_busy")
		return nil
	}
	defer h.Release()

	meta, err := store.Open(opts.MetaDB)
	if err != nil {
		finishBestEffort(human, jobName, false, started, err.Error())
		return fmt.Errorf("open meta db: %w", err)
	}
	defer meta.Close()
	if err := store.EnsureAIMeta(meta); err != nil {
		finishBestEffort(human, jobName, false, started, err.Error())
		return fmt.Errorf("ensure meta schema: %w", err)
	}

	startFrom := opts.SinceID
	if startFrom <= 0 {
		high, err := highestProcessedNote(meta)
		if err != nil {
			finishBestEffort(human, jobName, false, started, err.Error())
			return err
		}
		startFrom = high - int64(opts.Backtrack)
		if startFrom < 0 {
			startFrom = 0
		}
	}

	notes, err := fetchNotesAfter(human, startFrom, opts.Limit)
	if err != nil {
		finishBestEffort(human, jobName, false, started, err.Error())
		return err
	}
	if len(notes) == 0 {
		e.Log.Infow("noop", "pending", 0, "start_from", startFrom)
		finishBestEffort(human, jobName, true, started, "noop pending=0")
		return nil
	}

	client := ollama.NewClient(e.Cfg.OllamaURL, opts.Timeout)
	templateName := os.Getenv("AI_TEMPLATE_NOTES_METADATA")
	if templateName == "" {
		templateName = "Notes Metadata"
	}

	e.Log.Infow("start", "candidates", len(notes), "start_from", startFrom,
		"model", e.Cfg.OllamaModel, "dry_run", opts.DryRun)

	processed, extracted, skipped, errors := 0, 0, 0, 0
	for _, n := range notes {
		processed++
		hash := noteSourceHash(n)

		exists, err := metaRowExists(meta, n.ID, hash)
		if err != nil {
			finishBestEffort(human, jobName, false, started, err.Error())
			return err
		}
		if exists {
			skipped++
			continue
		}

		if opts.DryRun {
			e.Log.Infow("would_extract", "note_id", n.ID, "topic", n.Topic, "source_hash", hash[:12])
			continue
		}

		m, err := e.extractNoteMeta(client, templateName, n)
		if err != nil {
			errors++
			e.Log.Errorw("error", "note_id", n.ID, "topic", n.Topic, "err", truncate(err.Error(), 500))
			continue
		}

		if err := upsertNoteMeta(meta, n, hash, e.Cfg.OllamaModel, m); err != nil {
			finishBestEffort(human, jobName, false, started, err.Error())
			return err
		}
		extracted++
		e.Log.Infow("extracted", "note_id", n.ID, "doc_kind", m.DocKind, "tags", len(m.Tags))

		if opts.Sleep > 0 {
			time.Sleep(opts.Sleep)
		}
	}

	msg := fmt.Sprintf("processed=%d extracted=%d skipped=%d errors=%d",
		processed, extracted, skipped, errors)
	e.Log.Infow("finish", "processed", processed, "extracted", extracted, "skipped", skipped, "errors", errors)
	finishBestEffort(human, jobName, errors == 0, started, msg)
	return nil
}

// noteSourceHash covers the fields whose change should invalidate existing
// metadata. Order matters; it is part of the stored-hash contract.
func noteSourceHash(n noteRow) string {
	h := sha256.Sum256([]byte(n.NotesType + "\n" + n.Topic + "\n" + n.UpdatedAt + "\n" + n.Note))
	return hex.EncodeToString(h[:])
}

const noteMetaDefaultSystem = `You extract structured metadata from sysadmin notes.
Return ONLY valid JSON (no markdown, no extra text).
Schema:
{
  "doc_kind": string,
  "summary": string,
  "tags": [string,...],
  "entities": [string,...],
  "commands": [string,...],
  "cmd_families": [string,...],
  "sensitivity": "normal"|"sensitive"
}
doc_kind is a short label like howto, incident, config, search_summary, other.
sensitivity is "sensitive" when the note contains credentials, keys, or
internal hostnames that must not leave the box.`

func noteMetaDefaultUser(n noteRow) string {
	return fmt.Sprintf("notes_type: %s\ntopic: %s\nupdated_at: %s\n\n%s",
		n.NotesType, n.Topic, n.UpdatedAt, ollama.Truncate(n.Note, 12000))
}

func (e *Env) extractNoteMeta(client *ollama.Client, templateName string, n noteRow) (*NoteMeta, error) {
	bindings := map[string]any{
		"notes_type": n.NotesType,
		"topic":      n.Topic,
		"note":       ollama.Truncate(n.Note, 12000),
		"updated_at": n.UpdatedAt,
	}
	p, ok := template.Compile(e.Cfg.TemplateDBPath(), templateName, bindings)
	system, user, options := template.Merge(p, ok, noteMetaDefaultSystem, noteMetaDefaultUser(n))

	raw, err := client.Chat(e.Cfg.OllamaModel, system, user, options)
	if err != nil {
		return nil, err
	}
	obj, err := ollama.ParseObject(raw)
	if err != nil {
		return nil, fmt.Errorf("json_decode_error: %v", err)
	}
	return normalizeNoteMeta(obj), nil
}

// normalizeNoteMeta coerces loose model output into the stored shape.
func normalizeNoteMeta(obj map[string]any) *NoteMeta {
	m := &NoteMeta{
		DocKind:     strings.TrimSpace(asString(obj["doc_kind"])),
		Summary:     strings.TrimSpace(asString(obj["summary"])),
		Tags:        asStringList(obj["tags"]),
		Entities:    asStringList(obj["entities"]),
		Commands:    asStringList(obj["commands"]),
		CmdFamilies: asStringList(obj["cmd_families"]),
		Sensitivity: strings.ToLower(strings.TrimSpace(asString(obj["sensitivity"]))),
	}
	if m.DocKind == "" {
		m.DocKind = "other"
	}
	switch m.Sensitivity {
	case "normal", "sensitive":
	default:
		m.Sensitivity = "normal"
	}
	return m
}

func highestProcessedNote(db *sql.DB) (int64, error) {
	var high sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(note_id) FROM ai_note_meta`).Scan(&high); err != nil {
		return 0, err
	}
	return high.Int64, nil
}

// fetchNotesAfter returns up to limit of the newest notes above startFrom,
// reordered oldest first so processing advances the watermark monotonically.
func fetchNotesAfter(db *sql.DB, startFrom int64, limit int) ([]noteRow, error) {
	rows, err := db.Query(`
		SELECT id, COALESCE(notes_type,''), COALESCE(topic,''), COALESCE(note,''),
		       COALESCE(parent_id,0), COALESCE(updated_at,'')
		FROM notes
		WHERE id > ?
		ORDER BY id DESC
		LIMIT ?`, startFrom, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []noteRow
	for rows.Next() {
		var n noteRow
		if err := rows.Scan(&n.ID, &n.NotesType, &n.Topic, &n.Note, &n.ParentID, &n.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func metaRowExists(db *sql.DB, noteID int64, hash string) (bool, error) {
	var n int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM ai_note_meta WHERE note_id=? AND source_hash=?`,
		noteID, hash,
	).Scan(&n)
	return n > 0, err
}

func upsertNoteMeta(db *sql.DB, n noteRow, hash, model string, m *NoteMeta) error {
	metaJSON, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO ai_note_meta(note_id, parent_id, notes_type, topic, source_hash,
			model_name, meta_json, summary, tags_csv, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(note_id, source_hash) DO UPDATE SET
			model_name=excluded.model_name,
			meta_json=excluded.meta_json,
			summary=excluded.summary,
			tags_csv=excluded.tags_csv,
			updated_at=excluded.updated_at`,
		n.ID, n.ParentID, n.NotesType, n.Topic, hash,
		model, string(metaJSON), m.Summary, strings.Join(m.Tags, ","),
		now(), now())
	return err
}
