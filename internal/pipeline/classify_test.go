package pipeline

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/samekhi/histkb/internal/store"
)

// fakeGenerate serves /api/generate, choosing the reply by which command
// appears in the prompt.
func fakeGenerate(t *testing.T, replies map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		for needle, reply := range replies {
			if strings.Contains(req.Prompt, needle) {
				json.NewEncoder(w).Encode(map[string]string{"response": reply})
				return
			}
		}
		json.NewEncoder(w).Encode(map[string]string{"response": `{"known": true, "intent": "fallback"}`})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func seedCommand(t *testing.T, kb *sql.DB, fullCmd, baseCmd string) int64 {
	t.Helper()
	res, err := kb.Exec(
		`INSERT INTO commands(full_cmd, base_cmd, first_seen, last_seen) VALUES(?,?,datetime('now'),datetime('now'))`,
		fullCmd, baseCmd)
	if err != nil {
		t.Fatalf("seed command: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

func TestClassifyStoresVerdict(t *testing.T) {
	env := newTestEnv(t)
	srv := fakeGenerate(t, map[string]string{
		"rsync -avz": `{"base_cmd": "rsync", "known": true, "intent": "sync files",
			"keywords": ["rsync", "backup"], "search_query": null, "notes": ""}`,
	})
	env.Cfg.OllamaURL = srv.URL

	kb := openDB(t, env.Cfg.KBDBPath())
	if err := store.EnsureKB(kb); err != nil {
		t.Fatalf("ensure kb: %v", err)
	}
	id := seedCommand(t, kb, "rsync -avz /src /dst", "rsync")

	if err := env.Classify(ClassifyOptions{}); err != nil {
		t.Fatalf("classify: %v", err)
	}

	var status, summary, promptVersion string
	var known int
	var searchQuery sql.NullString
	err := kb.QueryRow(
		`SELECT status, summary, prompt_version, known, search_query FROM command_ai WHERE cmd_id=?`, id,
	).Scan(&status, &summary, &promptVersion, &known, &searchQuery)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != "done" || summary != "sync files" || promptVersion != classifyPromptVersion || known != 1 {
		t.Fatalf("row: status=%q summary=%q version=%q known=%d", status, summary, promptVersion, known)
	}
	if searchQuery.Valid {
		t.Fatalf("search_query = %q, want NULL", searchQuery.String)
	}
}

func TestClassifyUnknownForcesNoSearchOnFalse(t *testing.T) {
	env := newTestEnv(t)
	// The model contradicts itself: known=false but keywords and a query.
	srv := fakeGenerate(t, map[string]string{
		"mystery-tool": `{"base_cmd": "", "known": false, "intent": "unclear",
			"keywords": ["weird"], "search_query": "what is mystery-tool", "notes": ""}`,
	})
	env.Cfg.OllamaURL = srv.URL

	kb := openDB(t, env.Cfg.KBDBPath())
	if err := store.EnsureKB(kb); err != nil {
		t.Fatalf("ensure kb: %v", err)
	}
	id := seedCommand(t, kb, "mystery-tool --frob", "mystery-tool")

	if err := env.Classify(ClassifyOptions{}); err != nil {
		t.Fatalf("classify: %v", err)
	}

	var resultJSON string
	var known int
	var searchQuery sql.NullString
	err := kb.QueryRow(
		`SELECT result_json, known, search_query FROM command_ai WHERE cmd_id=?`, id,
	).Scan(&resultJSON, &known, &searchQuery)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if known != 0 || searchQuery.Valid {
		t.Fatalf("known=%d search_query=%v, want 0 and NULL", known, searchQuery)
	}

	var c Classification
	if err := json.Unmarshal([]byte(resultJSON), &c); err != nil {
		t.Fatalf("result_json: %v", err)
	}
	if len(c.Keywords) != 0 {
		t.Fatalf("keywords = %v, want empty for unknown command", c.Keywords)
	}
	if c.BaseCmd != "mystery-tool" {
		t.Fatalf("base_cmd = %q, want fallback to ingest guess", c.BaseCmd)
	}
}

func TestClassifyBadJSONMarksError(t *testing.T) {
	env := newTestEnv(t)
	srv := fakeGenerate(t, map[string]string{
		"brokencmd": "I cannot answer in JSON, sorry.",
	})
	env.Cfg.OllamaURL = srv.URL

	kb := openDB(t, env.Cfg.KBDBPath())
	if err := store.EnsureKB(kb); err != nil {
		t.Fatalf("ensure kb: %v", err)
	}
	id := seedCommand(t, kb, "brokencmd --x", "brokencmd")

	if err := env.Classify(ClassifyOptions{}); err != nil {
		t.Fatalf("classify: %v", err)
	}

	var status string
	var lastError sql.NullString
	err := kb.QueryRow(`SELECT status, last_error FROM command_ai WHERE cmd_id=?`, id).
		Scan(&status, &lastError)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != "error" {
		t.Fatalf("status = %q, want error", status)
	}
	if !lastError.Valid || !strings.HasPrefix(lastError.String, "json_decode_error:") {
		t.Fatalf("last_error = %v", lastError)
	}

	// Errored rows stay eligible for the next run.
	pending, err := fetchPendingCommands(kb, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("pending = %+v, want the errored row", pending)
	}
}

func TestClassifyNoopWhenNothingPending(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Classify(ClassifyOptions{}); err != nil {
		t.Fatalf("classify: %v", err)
	}
	human := openDB(t, env.Cfg.HumanDBPath())
	var msg string
	if err := human.QueryRow(
		`SELECT last_message FROM job_runs WHERE job='classify_bash_commands'`,
	).Scan(&msg); err != nil {
		t.Fatalf("job_runs: %v", err)
	}
	if msg != "noop pending=0" {
		t.Fatalf("message = %q", msg)
	}
}
