package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/samekhi/histkb/internal/heartbeat"
	"github.com/samekhi/histkb/internal/store"
)

// RunOptions control one full pipeline pass.
type RunOptions struct {
	DryRun           bool
	KeepGoing        bool
	SkipAISearchSumm bool
	SkipAINotes      bool
}

type planStep struct {
	name string
	run  func() error
}

// RunAll drives the stages in dependency order: ingest every configured
// user, classify, dispatch searches, then the two AI note stages. Each
// stage still takes its own lock and heartbeat; the orchestrator adds an
// outer lock so only one full pass runs at a time, and a heartbeat row
// summarizing the pass.
func (e *Env) RunAll(opts RunOptions) error {
	const jobName = "process_bash_history"
	started := time.Now()

	hb, err := store.Open(e.Cfg.HumanDBPath())
	if err != nil {
		return fmt.Errorf("open heartbeat db: %w", err)
	}
	defer hb.Close()
	if err := store.EnsureHuman(hb); err != nil {
		return fmt.Errorf("ensure heartbeat schema: %w", err)
	}
	if err := heartbeat.Start(hb, jobName, fmt.Sprintf("users=%s dry_run=%v", strings.Join(e.Cfg.Users, ","), opts.DryRun)); err != nil {
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

	var plan []planStep
	for _, user := range e.Cfg.Users {
		u := user
		plan = append(plan, planStep{
			name: "ingest:" + u,
			run:  func() error { return e.Ingest(u, IngestOptions{}) },
		})
	}
	plan = append(plan,
		planStep{"classify", func() error { return e.Classify(ClassifyOptions{}) }},
		planStep{"queue_search", func() error { return e.QueueSearch(QueueSearchOptions{}) }},
	)
	if !opts.SkipAISearchSumm {
		plan = append(plan, planStep{"ai_search_summ", func() error { return e.SearchSumm(SearchSummOptions{}) }})
	}
	if !opts.SkipAINotes {
		plan = append(plan, planStep{"ai_notes", func() error { return e.NoteMetaRun(NoteMetaOptions{}) }})
	}

	if opts.DryRun {
		names := make([]string, len(plan))
		for i, s := range plan {
			names[i] = s.name
		}
		e.Log.Infow("plan", "steps", strings.Join(names, " -> "))
		finishBestEffort(hb, jobName, true, started, "dry_run plan="+strings.Join(names, ","))
		return nil
	}

	var failed []string
	for _, step := range plan {
		e.Log.Infow("step_start", "step", step.name)
		if err := step.run(); err != nil {
			failed = append(failed, step.name)
			e.Log.Errorw("step_failed", "step", step.name, "err", err)
			if !opts.KeepGoing {
				msg := fmt.Sprintf("failed at %s: %s", step.name, truncate(err.Error(), 500))
				finishBestEffort(hb, jobName, false, started, msg)
				return fmt.Errorf("%s: %w", step.name, err)
			}
			continue
		}
		e.Log.Infow("step_done", "step", step.name)
	}

	if len(failed) > 0 {
		msg := fmt.Sprintf("completed with failures: %s", strings.Join(failed, ","))
		finishBestEffort(hb, jobName, false, started, msg)
		return fmt.Errorf("stages failed: %s", strings.Join(failed, ","))
	}
	finishBestEffort(hb, jobName, true, started, fmt.Sprintf("done steps=%d", len(plan)))
	return nil
}
