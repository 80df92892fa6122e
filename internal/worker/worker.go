// Package worker runs the queue consumer loop: lease a job, dispatch it to
// a handler, ack or fail. Built-in job names run in-process; anything else
// is dispatched to an executable script in the scripts directory, which is
// how new job types get added without touching this binary.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/samekhi/histkb/internal/config"
	"github.com/samekhi/histkb/internal/lock"
	"github.com/samekhi/histkb/internal/mq"
	"github.com/samekhi/histkb/internal/pipeline"
)

// Options control a worker run.
type Options struct {
	Queue string
	// Sleep between empty polls. Default 2s.
	Sleep time.Duration
	// MaxIdle makes the worker exit after this long without leasing a job,
	// so cron can restart it fresh. Default 5m; zero keeps the default,
	// negative disables.
	MaxIdle time.Duration
	// LeaseSecs is the visibility timeout granted per lease.
	LeaseSecs int
	// ReclaimExpired re-queues lapsed leases at the top of every poll.
	// Off by default: it can double-run a job whose worker is merely slow.
	ReclaimExpired bool
	// PIDPath overrides the default /tmp/mq_worker_<queue>.pid. Used by tests.
	PIDPath string
}

// Worker consumes one queue until idle timeout or context cancellation.
type Worker struct {
	cfg  *config.Config
	log  *zap.SugaredLogger
	env  *pipeline.Env
	opts Options
}

func New(cfg *config.Config, log *zap.SugaredLogger, opts Options) *Worker {
	if opts.Sleep <= 0 {
		opts.Sleep = 2 * time.Second
	}
	if opts.MaxIdle == 0 {
		opts.MaxIdle = 5 * time.Minute
	}
	if opts.LeaseSecs <= 0 {
		opts.LeaseSecs = mq.DefaultLeaseSecs
	}
	if opts.PIDPath == "" {
		opts.PIDPath = filepath.Join(os.TempDir(), "mq_worker_"+opts.Queue+".pid")
	}
	return &Worker{
		cfg:  cfg,
		log:  log,
		env:  &pipeline.Env{Cfg: cfg, Log: log},
		opts: opts,
	}
}

// Run polls the queue until the context ends or the idle timeout fires.
// A second worker on the same queue exits silently; cron is expected to
// fire this more often than strictly needed.
func (w *Worker) Run(ctx context.Context) error {
	if err := lock.AcquirePID(w.opts.PIDPath); err == lock.ErrBusy {
		w.log.Infow("worker_already_running", "queue", w.opts.Queue, "pid_file", w.opts.PIDPath)
		return nil
	} else if err != nil {
		return fmt.Errorf("pid file: %w", err)
	}
	defer lock.ReleasePID(w.opts.PIDPath)

	q, err := mq.Open(w.cfg.QueueDBPath())
	if err != nil {
		return err
	}
	defer q.Close()

	w.log.Infow("worker_start", "queue", w.opts.Queue, "sleep", w.opts.Sleep.String(),
		"max_idle", w.opts.MaxIdle.String(), "reclaim_expired", w.opts.ReclaimExpired)

	lastJob := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			w.log.Infow("worker_stop", "reason", "context")
			return nil
		}

		if w.opts.ReclaimExpired {
			if n, err := q.ReclaimExpired(w.opts.Queue); err != nil {
				w.log.Errorw("reclaim_failed", "err", err)
			} else if n > 0 {
				w.log.Infow("reclaimed", "jobs", n)
			}
		}

		job, err := q.LeaseOne(w.opts.Queue, w.opts.LeaseSecs)
		if err != nil {
			w.log.Errorw("lease_failed", "err", err)
			sleepCtx(ctx, w.opts.Sleep)
			continue
		}
		if job == nil {
			if w.opts.MaxIdle > 0 && time.Since(lastJob) > w.opts.MaxIdle {
				w.log.Infow("worker_stop", "reason", "idle", "idle", time.Since(lastJob).String())
				return nil
			}
			sleepCtx(ctx, w.opts.Sleep)
			continue
		}
		lastJob = time.Now()

		w.log.Infow("job_start", "id", job.ID, "name", job.Name, "attempt", job.Attempts, "max_attempts", job.MaxAttempts)
		runErr := w.dispatch(ctx, job)
		if runErr != nil {
			w.log.Errorw("job_failed", "id", job.ID, "name", job.Name, "err", runErr)
			if err := q.Fail(job.ID, runErr.Error(), 60); err != nil {
				w.log.Errorw("fail_mark_failed", "id", job.ID, "err", err)
			}
			continue
		}
		if err := q.Ack(job.ID); err != nil {
			w.log.Errorw("ack_failed", "id", job.ID, "err", err)
			continue
		}
		w.log.Infow("job_done", "id", job.ID, "name", job.Name)
	}
}

// dispatch routes one job to its handler, converting panics into failures
// so a bad handler cannot kill the loop.
func (w *Worker) dispatch(ctx context.Context, job *mq.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	switch job.Name {
	case "noop":
		return nil
	case "ingest_bash_history":
		return w.runIngest(job)
	default:
		return w.runScript(ctx, job)
	}
}

func (w *Worker) runIngest(job *mq.Job) error {
	var payload struct {
		User string `json:"user"`
	}
	if err := json.Unmarshal(job.PayloadJSON, &payload); err != nil {
		return fmt.Errorf("bad payload: %w", err)
	}
	if payload.User == "" {
		return fmt.Errorf("bad payload: missing user")
	}
	allowed := false
	for _, u := range w.cfg.Users {
		if u == payload.User {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("user %q not in configured users", payload.User)
	}
	return w.env.Ingest(payload.User, pipeline.IngestOptions{})
}

// runScript executes <scripts_dir>/<name>.py (python3) or .sh (bash) with
// the raw payload JSON as the single argument.
func (w *Worker) runScript(ctx context.Context, job *mq.Job) error {
	base := filepath.Join(w.cfg.ScriptsDir, job.Name)

	var cmd *exec.Cmd
	switch {
	case fileExists(base + ".py"):
		cmd = exec.CommandContext(ctx, "python3", base+".py", string(job.PayloadJSON))
	case fileExists(base + ".sh"):
		cmd = exec.CommandContext(ctx, "bash", base+".sh", string(job.PayloadJSON))
	default:
		return fmt.Errorf("unknown job name %q: no handler and no script at %s.{py,sh}", job.Name, base)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("script %s: %w output=%s", job.Name, err, truncate(string(out), 2000))
	}
	if len(out) > 0 {
		w.log.Infow("script_output", "name", job.Name, "output", truncate(string(out), 2000))
	}
	return nil
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...<truncated>"
}
