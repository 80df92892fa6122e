// Package template loads optional named prompt templates from the shared
// ai_header.db. A template's content is a JSON payload whose string fields
// may contain {{dotted.key}} placeholders resolved against a bindings map.
// Template absence — missing database, missing table, missing name — is
// never fatal: callers fall back to their hard-coded prompts.
package template

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Payload is what a compiled template may override.
type Payload struct {
	System  string
	User    string
	Options map[string]any
	Stream  bool
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// Render substitutes {{dotted.key}} placeholders from bindings. Unknown
// keys render as empty strings.
func Render(text string, bindings map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		return toText(lookup(bindings, key))
	})
}

func lookup(bindings map[string]any, key string) any {
	var cur any = bindings
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[part]
		if !ok {
			return ""
		}
	}
	return cur
}

func toText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return fmt.Sprintf("%v", t)
	case int, int64, float64:
		return fmt.Sprintf("%v", t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

// Compile loads the named payload template from dbPath, renders its fields
// against bindings, and returns the payload. ok=false means no usable
// template was found; that is the fallback signal, not an error.
func Compile(dbPath, name string, bindings map[string]any) (Payload, bool) {
	var p Payload

	if _, err := os.Stat(dbPath); err != nil {
		return p, false
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return p, false
	}
	defer db.Close()

	var content string
	err = db.QueryRow(
		`SELECT content FROM ai_templates WHERE name=? AND template_type='payload' LIMIT 1`,
		name,
	).Scan(&content)
	if err != nil {
		return p, false
	}

	rendered := Render(content, bindings)
	var raw struct {
		System  string         `json:"system"`
		User    string         `json:"user"`
		Options map[string]any `json:"options"`
		Stream  bool           `json:"stream"`
	}
	if err := json.Unmarshal([]byte(rendered), &raw); err != nil {
		return p, false
	}
	p.System = raw.System
	p.User = raw.User
	p.Options = raw.Options
	p.Stream = raw.Stream
	return p, true
}

// Merge overlays a compiled payload onto defaults. Empty template fields
// keep the default.
func Merge(p Payload, ok bool, defaultSystem, defaultUser string) (system, user string, options map[string]any) {
	system, user = defaultSystem, defaultUser
	options = map[string]any{}
	if !ok {
		return system, user, options
	}
	if strings.TrimSpace(p.System) != "" {
		system = p.System
	}
	if strings.TrimSpace(p.User) != "" {
		user = p.User
	}
	if p.Options != nil {
		options = p.Options
	}
	return system, user, options
}
