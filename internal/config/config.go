// Package config resolves histkb settings from layered sources.
// Resolution order (last wins): built-in defaults, histkb.toml,
// notes_default.json, the app_settings table in the human notes DB,
// then environment variables.
package config

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	_ "github.com/mattn/go-sqlite3"
)

// Setting keys shared with the notes UI.
const (
	KeyOllamaURL  = "ai.ollama.url"
	KeyModel      = "ai.ollama.model"
	KeySearchAPI  = "search.api.base"
)

// Built-in defaults. LAN addresses, matching the notes UI defaults.
const (
	DefaultOllamaURL     = "http://192.168.0.142:11434"
	DefaultModel         = "gpt-oss:latest"
	DefaultSearchAPIBase = "http://192.168.0.142/v1/search/?q="
	DefaultPrivateRoot   = "/web/private"
	DefaultScriptsDir    = "/web/private/mcp/scripts"
)

// DefaultUsers are the accounts whose shell history is ingested when no
// explicit user list is configured.
var DefaultUsers = []string{"samekhi", "root"}

// Config is the fully resolved runtime configuration.
type Config struct {
	PrivateRoot string
	Users       []string
	ScriptsDir  string

	OllamaURL     string
	OllamaModel   string
	SearchAPIBase string
}

// fileConfig is the shape of the optional <private_root>/histkb.toml.
type fileConfig struct {
	PrivateRoot string   `toml:"private_root"`
	Users       []string `toml:"users"`
	ScriptsDir  string   `toml:"scripts_dir"`

	AI struct {
		OllamaURL string `toml:"ollama_url"`
		Model     string `toml:"model"`
	} `toml:"ai"`
	Search struct {
		APIBase string `toml:"api_base"`
	} `toml:"search"`
}

// PrivateRoot returns the private data root without resolving the full config.
func PrivateRoot() string {
	if v := strings.TrimSpace(os.Getenv("PRIVATE_ROOT")); v != "" {
		return v
	}
	return DefaultPrivateRoot
}

// Load resolves the full configuration. Missing overlay files and a missing
// app_settings table are not errors; the previous layer's values stand.
func Load() *Config {
	cfg := &Config{
		PrivateRoot:   PrivateRoot(),
		Users:         append([]string(nil), DefaultUsers...),
		ScriptsDir:    DefaultScriptsDir,
		OllamaURL:     DefaultOllamaURL,
		OllamaModel:   DefaultModel,
		SearchAPIBase: DefaultSearchAPIBase,
	}

	cfg.applyTOML(filepath.Join(cfg.PrivateRoot, "histkb.toml"))
	cfg.applyJSON(defaultJSONPath(cfg.PrivateRoot))
	cfg.applyDB(cfg.HumanDBPath())
	cfg.applyEnv()

	return cfg
}

func defaultJSONPath(privateRoot string) string {
	if v := strings.TrimSpace(os.Getenv("NOTES_DEFAULT_JSON")); v != "" {
		return v
	}
	return filepath.Join(privateRoot, "notes_default.json")
}

func (c *Config) applyTOML(path string) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return
	}
	if v := strings.TrimSpace(fc.PrivateRoot); v != "" && os.Getenv("PRIVATE_ROOT") == "" {
		c.PrivateRoot = v
	}
	if len(fc.Users) > 0 {
		c.Users = fc.Users
	}
	if v := strings.TrimSpace(fc.ScriptsDir); v != "" {
		c.ScriptsDir = v
	}
	if v := strings.TrimSpace(fc.AI.OllamaURL); v != "" {
		c.OllamaURL = v
	}
	if v := strings.TrimSpace(fc.AI.Model); v != "" {
		c.OllamaModel = v
	}
	if v := strings.TrimSpace(fc.Search.APIBase); v != "" {
		c.SearchAPIBase = v
	}
}

func (c *Config) applyJSON(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return
	}
	if v, ok := m[KeyOllamaURL].(string); ok && strings.TrimSpace(v) != "" {
		c.OllamaURL = strings.TrimSpace(v)
	}
	if v, ok := m[KeyModel].(string); ok && strings.TrimSpace(v) != "" {
		c.OllamaModel = strings.TrimSpace(v)
	}
	if v, ok := m[KeySearchAPI].(string); ok && strings.TrimSpace(v) != "" {
		c.SearchAPIBase = strings.TrimSpace(v)
	}
}

// applyDB reads the app_settings table the notes UI writes. The table may not
// exist yet; that is not an error.
func (c *Config) applyDB(dbPath string) {
	if _, err := os.Stat(dbPath); err != nil {
		return
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return
	}
	defer db.Close()

	rows, err := db.Query(
		`SELECT key, value FROM app_settings WHERE key IN (?, ?, ?)`,
		KeyOllamaURL, KeyModel, KeySearchAPI,
	)
	if err != nil {
		return
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		switch k {
		case KeyOllamaURL:
			c.OllamaURL = v
		case KeyModel:
			c.OllamaModel = v
		case KeySearchAPI:
			c.SearchAPIBase = v
		}
	}
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("OLLAMA_URL")); v != "" {
		c.OllamaURL = v
	}
	if v := strings.TrimSpace(os.Getenv("OLLAMA_MODEL")); v != "" {
		c.OllamaModel = v
	}
	if v := strings.TrimSpace(os.Getenv("SEARCH_API_BASE")); v != "" {
		c.SearchAPIBase = v
	}
}
