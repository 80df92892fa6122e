package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mdombrov-33/go-promptguard/detector"

	"github.com/samekhi/histkb/internal/heartbeat"
	"github.com/samekhi/histkb/internal/ollama"
	"github.com/samekhi/histkb/internal/store"
	"github.com/samekhi/histkb/internal/template"
)

// summGuard screens cached page bodies before they reach the model. Search
// snapshots are fetched from the open web, so treat them as hostile input:
// pattern and statistical detectors only, no LLM judge, to keep the scan
// cheap per row.
var summGuard = detector.New(
	detector.WithThreshold(0.6),
	detector.WithAllDetectors(),
	detector.WithMaxInputLength(16000),
)

const filteredBodyPlaceholder = "[content filtered for security]"

// alreadySummarized backfills ai_notes on rows whose note already exists,
// so the row stops matching the pending filter without re-summarizing.
const alreadySummarized = "(already summarized into human_notes.db)"

// SearchSummOptions control one summarization run.
type SearchSummOptions struct {
	// SearchDB and HumanDB override the configured paths. Used by tests.
	SearchDB string
	HumanDB  string

	Limit   int           // default 500
	Timeout time.Duration // default 180s
	Sleep   time.Duration // pause between model calls
	SinceID int64         // only rows with id > SinceID
	DryRun  bool
}

type cacheRow struct {
	ID       int64
	Query    string
	Body     string
	TopURLs  string
	CachedAt string
}

// SearchSumm turns unsummarized search cache snapshots into ai_generated
// notes. The "search_cache_id: <id>" marker line at the top of each note is
// the idempotency key: a row whose marker note already exists is skipped
// and backfilled instead of re-summarized.
func (e *Env) SearchSumm(opts SearchSummOptions) error {
	if opts.Limit <= 0 {
		opts.Limit = 500
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 180 * time.Second
	}
	if opts.SearchDB == "" {
		opts.SearchDB = e.Cfg.SearchCacheDBPath()
	}
	if opts.HumanDB == "" {
		opts.HumanDB = e.Cfg.HumanDBPath()
	}

	const jobName = "ai_search_summ"
	started := time.Now()

	human, err := store.Open(opts.HumanDB)
	if err != nil {
		return fmt.Errorf("open human db: %w", err)
	}
	defer human.Close()
	if err := store.EnsureHuman(human); err != nil {
		return fmt.Errorf("ensure human schema: %w", err)
	}
	if err := heartbeat.Start(human, jobName, fmt.Sprintf("limit=%d since_id=%d dry_run=%v", opts.Limit, opts.SinceID, opts.DryRun)); err != nil {
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

	cache, err := store.Open(opts.SearchDB)
	if err != nil {
		finishBestEffort(human, jobName, false, started, err.Error())
		return fmt.Errorf("open search cache db: %w", err)
	}
	defer cache.Close()
	if err := store.EnsureSearchCache(cache); err != nil {
		finishBestEffort(human, jobName, false, started, err.Error())
		return fmt.Errorf("ensure search cache schema: %w", err)
	}

	pending, err := fetchUnsummarized(cache, opts.SinceID, opts.Limit)
	if err != nil {
		finishBestEffort(human, jobName, false, started, err.Error())
		return err
	}
	if len(pending) == 0 {
		e.Log.Infow("noop", "pending", 0)
		finishBestEffort(human, jobName, true, started, "noop pending=0")
		return nil
	}

	client := ollama.NewClient(e.Cfg.OllamaURL, opts.Timeout)
	templateName := os.Getenv("AI_TEMPLATE_SEARCH_SUMMARY")
	if templateName == "" {
		templateName = "Search Summary"
	}

	e.Log.Infow("start", "pending", len(pending), "model", e.Cfg.OllamaModel, "dry_run", opts.DryRun)

	processed, summarized, skipped, filtered, errors := 0, 0, 0, 0, 0
	for _, row := range pending {
		processed++
		marker := fmt.Sprintf("search_cache_id: %d", row.ID)

		exists, err := markerNoteExists(human, marker)
		if err != nil {
			finishBestEffort(human, jobName, false, started, err.Error())
			return err
		}
		if exists {
			skipped++
			if !opts.DryRun {
				if err := setAINotes(cache, row.ID, alreadySummarized); err != nil {
					finishBestEffort(human, jobName, false, started, err.Error())
					return err
				}
			}
			e.Log.Infow("skip_existing", "cache_id", row.ID)
			continue
		}

		body := row.Body
		if res := summGuard.Detect(context.Background(), body); !res.Safe {
			filtered++
			body = filteredBodyPlaceholder
			e.Log.Warnw("body_filtered", "cache_id", row.ID, "query", row.Query)
		}

		if opts.DryRun {
			e.Log.Infow("would_summarize", "cache_id", row.ID, "query", row.Query, "body_len", len(body))
			continue
		}

		summary, err := e.summarizeOne(client, templateName, row, body)
		if err != nil {
			errors++
			e.Log.Errorw("error", "cache_id", row.ID, "query", row.Query, "err", truncate(err.Error(), 500))
			continue
		}

		noteText := buildSummaryNote(row, marker, summary)
		topic := "search: (no query)"
		if strings.TrimSpace(row.Query) != "" {
			topic = "search: " + strings.TrimSpace(row.Query)
		}
		if err := insertAINote(human, topic, noteText); err != nil {
			finishBestEffort(human, jobName, false, started, err.Error())
			return err
		}
		if err := setAINotes(cache, row.ID, summary); err != nil {
			finishBestEffort(human, jobName, false, started, err.Error())
			return err
		}
		summarized++
		e.Log.Infow("summarized", "cache_id", row.ID, "topic", topic)

		if opts.Sleep > 0 {
			time.Sleep(opts.Sleep)
		}
	}

	msg := fmt.Sprintf("processed=%d summarized=%d skipped=%d filtered=%d errors=%d",
		processed, summarized, skipped, filtered, errors)
	e.Log.Infow("finish", "processed", processed, "summarized", summarized,
		"skipped", skipped, "filtered", filtered, "errors", errors)
	finishBestEffort(human, jobName, errors == 0, started, msg)
	return nil
}

const summDefaultSystem = `You are a concise technical summarizer. You read a cached web search
result page and produce a short factual summary a sysadmin can skim later.
Plain text only, no markdown headings.`

func summDefaultUser(query, body string) string {
	return fmt.Sprintf(`Search query: %s

Cached page content:
%s

Summarize the useful technical content in 3-8 sentences. Mention concrete
commands, flags, versions, or pitfalls when present. If the content is
empty or useless, say so in one sentence.`, query, ollama.Truncate(body, 12000))
}

func (e *Env) summarizeOne(client *ollama.Client, templateName string, row cacheRow, body string) (string, error) {
	bindings := map[string]any{
		"query":     row.Query,
		"body":      ollama.Truncate(body, 12000),
		"cached_at": row.CachedAt,
	}
	p, ok := template.Compile(e.Cfg.TemplateDBPath(), templateName, bindings)
	system, user, options := template.Merge(p, ok, summDefaultSystem, summDefaultUser(row.Query, body))

	out, err := client.Chat(e.Cfg.OllamaModel, system, user, options)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("empty summary")
	}
	return out, nil
}

// buildSummaryNote produces the note body. The marker line must stay first;
// later runs match on it.
func buildSummaryNote(row cacheRow, marker, summary string) string {
	var b strings.Builder
	b.WriteString(marker + "\n")
	b.WriteString("cached_at: " + row.CachedAt + "\n")
	b.WriteString("query: " + row.Query + "\n")
	if urls := parseTopURLs(row.TopURLs); len(urls) > 0 {
		b.WriteString("top_urls:\n")
		if len(urls) > 10 {
			urls = urls[:10]
		}
		for _, u := range urls {
			b.WriteString("  - " + u + "\n")
		}
	}
	b.WriteString("\n" + summary + "\n")
	return b.String()
}

// parseTopURLs accepts both storage shapes seen in the wild: a JSON array
// or newline-separated text.
func parseTopURLs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list
	}
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func fetchUnsummarized(db *sql.DB, sinceID int64, limit int) ([]cacheRow, error) {
	rows, err := db.Query(`
		SELECT id, COALESCE(q,''), COALESCE(body,''), COALESCE(top_urls,''), COALESCE(cached_at,'')
		FROM search_cache_history
		WHERE (ai_notes IS NULL OR TRIM(ai_notes)='') AND id > ?
		ORDER BY id ASC
		LIMIT ?`, sinceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []cacheRow
	for rows.Next() {
		var r cacheRow
		if err := rows.Scan(&r.ID, &r.Query, &r.Body, &r.TopURLs, &r.CachedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// markerNoteExists matches the marker anywhere in any note, so a manually
// filed note also suppresses re-summarization. The newline (or end of note)
// after the marker keeps id 1 from matching id 10 and up.
func markerNoteExists(db *sql.DB, marker string) (bool, error) {
	var n int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM notes WHERE note LIKE ? OR note LIKE ?`,
		"%"+marker+"\n%", "%"+marker,
	).Scan(&n)
	return n > 0, err
}

func insertAINote(db *sql.DB, topic, note string) error {
	_, err := db.Exec(`
		INSERT INTO notes(notes_type, topic, note, parent_id, created_at, updated_at)
		VALUES('ai_generated', ?, ?, 0, ?, ?)`,
		topic, note, now(), now())
	return err
}

func setAINotes(db *sql.DB, id int64, text string) error {
	_, err := db.Exec(`UPDATE search_cache_history SET ai_notes=? WHERE id=?`, text, id)
	return err
}
