package pipeline

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/samekhi/histkb/internal/heartbeat"
	"github.com/samekhi/histkb/internal/ollama"
	"github.com/samekhi/histkb/internal/store"
)

const classifyPromptVersion = "bash_cmd_v1"

// ClassifyOptions control a classification run.
type ClassifyOptions struct {
	Batch   int           // default 20
	Timeout time.Duration // default 60s
}

// Classification is the validated shape of the model's answer.
type Classification struct {
	FullCmd     string   `json:"full_cmd"`
	BaseCmd     string   `json:"base_cmd"`
	Known       bool     `json:"known"`
	Intent      string   `json:"intent"`
	Keywords    []string `json:"keywords"`
	SearchQuery *string  `json:"search_query"`
	Notes       string   `json:"notes"`
}

type pendingCommand struct {
	ID      int64
	FullCmd string
	BaseCmd string
}

// Classify sends pending commands to the local model and stores the strict
// JSON verdict. Rows that fail stay eligible (status error) for the next
// run; the stage has no retry loop of its own.
func (e *Env) Classify(opts ClassifyOptions) error {
	if opts.Batch <= 0 {
		opts.Batch = 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	const jobName = "classify_bash_commands"
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

	pending, err := fetchPendingCommands(db, opts.Batch)
	if err != nil {
		finishBestEffort(hb, jobName, false, started, err.Error())
		return err
	}
	if len(pending) == 0 {
		e.Log.Infow("noop", "pending", 0)
		finishBestEffort(hb, jobName, true, started, "noop pending=0")
		return nil
	}

	client := ollama.NewClient(e.Cfg.OllamaURL, opts.Timeout)
	e.Log.Infow("start", "pending", len(pending), "batch", opts.Batch, "model", e.Cfg.OllamaModel)

	processed, done, errors := 0, 0, 0
	for _, p := range pending {
		processed++
		if err := markWorking(db, p.ID); err != nil {
			finishBestEffort(hb, jobName, false, started, err.Error())
			return err
		}

		payload, err := e.classifyOne(client, p)
		if err != nil {
			errors++
			if markErr := markClassifyError(db, p.ID, err.Error()); markErr != nil {
				finishBestEffort(hb, jobName, false, started, markErr.Error())
				return markErr
			}
			e.Log.Errorw("error",
				"cmd_id", p.ID,
				"base_cmd", truncate(p.BaseCmd, 200),
				"full_cmd", truncate(p.FullCmd, 500),
				"err", truncate(err.Error(), 500))
			continue
		}

		if err := markClassifyDone(db, p.ID, e.Cfg.OllamaModel, payload); err != nil {
			finishBestEffort(hb, jobName, false, started, err.Error())
			return err
		}
		done++
		e.Log.Infow("done", "cmd_id", p.ID, "known", payload.Known, "base_cmd", payload.BaseCmd)
	}

	msg := fmt.Sprintf("processed=%d done=%d errors=%d", processed, done, errors)
	e.Log.Infow("finish", "processed", processed, "done", done, "errors", errors)
	finishBestEffort(hb, jobName, errors == 0, started, msg)
	return nil
}

func (e *Env) classifyOne(client *ollama.Client, p pendingCommand) (*Classification, error) {
	raw, err := client.Generate(e.Cfg.OllamaModel, classifyPrompt(p.FullCmd, p.BaseCmd))
	if err != nil {
		return nil, err
	}
	obj, err := ollama.ParseObject(raw)
	if err != nil {
		return nil, fmt.Errorf("json_decode_error: %v (full_cmd=%s base_cmd_guess=%s)",
			err, p.FullCmd, p.BaseCmd)
	}
	return validateClassification(p.FullCmd, p.BaseCmd, obj), nil
}

func classifyPrompt(fullCmd, baseCmd string) string {
	return `You are a bash command classifier.

Return ONLY valid JSON (no markdown, no extra text).
Schema:
{
  "base_cmd": string,
  "known": boolean,
  "intent": string,
  "keywords": [string,...],
  "search_query": string|null,
  "notes": string
}

Rules:
- base_cmd should be the first real command (skip leading 'sudo' and env assignments).
- If you are not confident, set known=false and search_query=null.
- search_query should be a good web query to learn what the command does.

Command:
full_cmd: ` + fullCmd + `
base_cmd_guess: ` + baseCmd + `
`
}

// validateClassification forces required keys and types, and applies the
// two normalization rules: known=false never searches, and an empty
// base_cmd falls back to the ingest-derived guess.
func validateClassification(fullCmd, baseCmd string, obj map[string]any) *Classification {
	out := &Classification{
		FullCmd:  fullCmd,
		Known:    asBool(obj["known"]),
		Intent:   strings.TrimSpace(asString(obj["intent"])),
		Keywords: asStringList(obj["keywords"]),
		Notes:    strings.TrimSpace(asString(obj["notes"])),
	}
	out.BaseCmd = strings.TrimSpace(asString(obj["base_cmd"]))
	if out.BaseCmd == "" {
		out.BaseCmd = baseCmd
	}
	if out.BaseCmd == "" {
		if toks := strings.Fields(fullCmd); len(toks) > 0 {
			out.BaseCmd = toks[0]
		}
	}
	if out.Intent == "" {
		out.Intent = "unknown"
	}
	if s, ok := obj["search_query"].(string); ok {
		out.SearchQuery = &s
	}

	if !out.Known {
		out.SearchQuery = nil
		out.Keywords = []string{}
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asStringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// fetchPendingCommands first guarantees a command_ai row for every command,
// then returns the oldest pending/error rows up to limit.
func fetchPendingCommands(db *sql.DB, limit int) ([]pendingCommand, error) {
	if _, err := db.Exec(`
		INSERT OR IGNORE INTO command_ai(cmd_id, status, updated_at)
		SELECT id, 'pending', datetime('now') FROM commands`); err != nil {
		return nil, err
	}

	rows, err := db.Query(`
		SELECT c.id, c.full_cmd, c.base_cmd
		FROM commands c
		JOIN command_ai a ON a.cmd_id = c.id
		WHERE a.status IN ('pending','error')
		ORDER BY a.updated_at ASC, c.id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pendingCommand
	for rows.Next() {
		var p pendingCommand
		if err := rows.Scan(&p.ID, &p.FullCmd, &p.BaseCmd); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func markWorking(db *sql.DB, cmdID int64) error {
	_, err := db.Exec(`
		UPDATE command_ai SET status='working', updated_at=?, last_error=NULL WHERE cmd_id=?`,
		now(), cmdID)
	return err
}

func markClassifyDone(db *sql.DB, cmdID int64, model string, c *Classification) error {
	resultJSON, err := json.Marshal(c)
	if err != nil {
		return err
	}
	var searchQuery any
	if c.SearchQuery != nil {
		searchQuery = *c.SearchQuery
	}
	known := 0
	if c.Known {
		known = 1
	}
	_, err = db.Exec(`
		UPDATE command_ai
		SET status='done', model=?, prompt_version=?, result_json=?,
		    summary=?, search_query=?, known=?, updated_at=?, last_error=NULL
		WHERE cmd_id=?`,
		model, classifyPromptVersion, string(resultJSON),
		c.Intent, searchQuery, known, now(), cmdID)
	return err
}

func markClassifyError(db *sql.DB, cmdID int64, errText string) error {
	_, err := db.Exec(`
		UPDATE command_ai SET status='error', updated_at=?, last_error=? WHERE cmd_id=?`,
		now(), truncate(errText, 500), cmdID)
	return err
}
