package template

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestRender(t *testing.T) {
	bindings := map[string]any{
		"query": "what is rsync",
		"meta":  map[string]any{"cached_at": "2026-08-01"},
		"count": 3,
	}
	cases := []struct {
		in   string
		want string
	}{
		{"q={{query}}", "q=what is rsync"},
		{"at {{ meta.cached_at }}", "at 2026-08-01"},
		{"n={{count}}", "n=3"},
		{"missing=[{{nope}}]", "missing=[]"},
		{"deep=[{{meta.nope.deeper}}]", "deep=[]"},
		{"no placeholders", "no placeholders"},
	}
	for _, c := range cases {
		if got := Render(c.in, bindings); got != c.want {
			t.Errorf("Render(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func seedTemplateDB(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ai_header.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE ai_templates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		template_type TEXT NOT NULL,
		content TEXT NOT NULL
	)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if content != "" {
		if _, err := db.Exec(
			`INSERT INTO ai_templates(name, template_type, content) VALUES('Search Summary', 'payload', ?)`,
			content); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	return path
}

func TestCompileRendersPayload(t *testing.T) {
	path := seedTemplateDB(t, `{"system": "be brief", "user": "summarize: {{query}}", "options": {"temperature": 0.1}}`)

	p, ok := Compile(path, "Search Summary", map[string]any{"query": "rsync flags"})
	if !ok {
		t.Fatal("expected template to compile")
	}
	if p.System != "be brief" || p.User != "summarize: rsync flags" {
		t.Fatalf("payload = %+v", p)
	}
	if p.Options["temperature"] != 0.1 {
		t.Fatalf("options = %v", p.Options)
	}
}

func TestCompileMissingDatabase(t *testing.T) {
	if _, ok := Compile(filepath.Join(t.TempDir(), "absent.db"), "Search Summary", nil); ok {
		t.Fatal("missing database must not compile")
	}
}

func TestCompileMissingName(t *testing.T) {
	path := seedTemplateDB(t, "")
	if _, ok := Compile(path, "No Such Template", nil); ok {
		t.Fatal("missing template must not compile")
	}
}

func TestCompileBadJSONFallsBack(t *testing.T) {
	path := seedTemplateDB(t, "this is not a json payload")
	if _, ok := Compile(path, "Search Summary", nil); ok {
		t.Fatal("unparseable template must not compile")
	}
}

func TestMerge(t *testing.T) {
	system, user, options := Merge(Payload{}, false, "default sys", "default user")
	if system != "default sys" || user != "default user" || len(options) != 0 {
		t.Fatalf("fallback merge: %q %q %v", system, user, options)
	}

	p := Payload{System: "custom sys", Options: map[string]any{"temperature": 0.5}}
	system, user, options = Merge(p, true, "default sys", "default user")
	if system != "custom sys" {
		t.Fatalf("system = %q", system)
	}
	if user != "default user" {
		t.Fatalf("empty template user must keep default, got %q", user)
	}
	if options["temperature"] != 0.5 {
		t.Fatalf("options = %v", options)
	}
}
