package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Database files under <private_root>/db/memory. These paths are shared with
// the notes UI; the table schemas are the interface.
func (c *Config) KBDBPath() string {
	return filepath.Join(c.PrivateRoot, "db", "memory", "bash_history.db")
}

func (c *Config) HumanDBPath() string {
	return filepath.Join(c.PrivateRoot, "db", "memory", "human_notes.db")
}

func (c *Config) SearchCacheDBPath() string {
	return filepath.Join(c.PrivateRoot, "db", "memory", "search_cache.db")
}

func (c *Config) AIMetaDBPath() string {
	return filepath.Join(c.PrivateRoot, "db", "memory", "notes_ai_metadata.db")
}

// QueueDBPath honors MOTHER_QUEUE_DB so workers and enqueuers can share a
// queue outside the default private root.
func (c *Config) QueueDBPath() string {
	if v := strings.TrimSpace(os.Getenv("MOTHER_QUEUE_DB")); v != "" {
		return v
	}
	return filepath.Join(c.PrivateRoot, "db", "memory", "mother_queue.db")
}

// TemplateDBPath is the optional prompt template store.
func (c *Config) TemplateDBPath() string {
	return filepath.Join(c.PrivateRoot, "db", "memory", "ai_header.db")
}

func (c *Config) LockPath(name string) string {
	return filepath.Join(c.PrivateRoot, "locks", name+".lock")
}

func (c *Config) LogDir() string {
	return filepath.Join(c.PrivateRoot, "logs")
}

// HistoryPath resolves a user's shell history file.
func HistoryPath(user string) string {
	if user == "root" {
		return "/root/.bash_history"
	}
	return filepath.Join("/home", user, ".bash_history")
}
