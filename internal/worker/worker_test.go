package worker

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/samekhi/histkb/internal/config"
	"github.com/samekhi/histkb/internal/logging"
	"github.com/samekhi/histkb/internal/mq"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	t.Setenv("MOTHER_QUEUE_DB", filepath.Join(root, "queue.db"))
	return &config.Config{
		PrivateRoot: root,
		Users:       []string{"tester"},
		ScriptsDir:  filepath.Join(root, "scripts"),
	}
}

func newTestWorker(t *testing.T, cfg *config.Config) *Worker {
	t.Helper()
	return New(cfg, logging.Nop(), Options{
		Queue:   "default",
		Sleep:   10 * time.Millisecond,
		MaxIdle: 200 * time.Millisecond,
		PIDPath: filepath.Join(cfg.PrivateRoot, "worker.pid"),
	})
}

func openQueue(t *testing.T, cfg *config.Config) *mq.Queue {
	t.Helper()
	q, err := mq.Open(cfg.QueueDBPath())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func waitStatus(t *testing.T, q *mq.Queue, id, want string) {
	t.Helper()
	var status string
	if err := q.DB().QueryRow(`SELECT status FROM jobs WHERE id=?`, id).Scan(&status); err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != want {
		t.Fatalf("status = %q, want %q", status, want)
	}
}

func TestWorkerRunsNoopAndExitsIdle(t *testing.T) {
	cfg := newTestConfig(t)
	q := openQueue(t, cfg)
	id, err := q.Enqueue("default", "noop", nil, mq.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := newTestWorker(t, cfg)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitStatus(t, q, id, mq.StatusDone)
}

func TestWorkerUnknownJobGoesDead(t *testing.T) {
	cfg := newTestConfig(t)
	q := openQueue(t, cfg)
	id, err := q.Enqueue("default", "does_not_exist", nil, mq.EnqueueOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := newTestWorker(t, cfg)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitStatus(t, q, id, mq.StatusDead)

	var lastError string
	if err := q.DB().QueryRow(`SELECT last_error FROM jobs WHERE id=?`, id).Scan(&lastError); err != nil {
		t.Fatalf("last_error: %v", err)
	}
	if lastError == "" {
		t.Fatal("dead job must carry an error message")
	}
}

func TestWorkerRunsShellScript(t *testing.T) {
	cfg := newTestConfig(t)
	if err := os.MkdirAll(cfg.ScriptsDir, 0o755); err != nil {
		t.Fatalf("mkdir scripts: %v", err)
	}
	out := filepath.Join(cfg.PrivateRoot, "script_ran")
	script := "#!/bin/bash\necho \"$1\" > " + out + "\n"
	if err := os.WriteFile(filepath.Join(cfg.ScriptsDir, "touch_file.sh"), []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	q := openQueue(t, cfg)
	id, err := q.Enqueue("default", "touch_file", []byte(`{"k":"v"}`), mq.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := newTestWorker(t, cfg)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitStatus(t, q, id, mq.StatusDone)

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("script output: %v", err)
	}
	if string(data) != "{\"k\":\"v\"}\n" {
		t.Fatalf("script saw payload %q", data)
	}
}

func TestWorkerIngestRejectsUnknownUser(t *testing.T) {
	cfg := newTestConfig(t)
	q := openQueue(t, cfg)
	id, err := q.Enqueue("default", "ingest_bash_history", []byte(`{"user":"mallory"}`), mq.EnqueueOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := newTestWorker(t, cfg)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitStatus(t, q, id, mq.StatusDead)
}

func TestWorkerSecondInstanceExits(t *testing.T) {
	cfg := newTestConfig(t)
	pidPath := filepath.Join(cfg.PrivateRoot, "worker.pid")
	// A live holder: our own PID.
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatalf("seed pid: %v", err)
	}

	q := openQueue(t, cfg)
	id, err := q.Enqueue("default", "noop", nil, mq.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := newTestWorker(t, cfg)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	// The job must be untouched: the second worker exited without leasing.
	waitStatus(t, q, id, mq.StatusQueued)
}
