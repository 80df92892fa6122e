package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/samekhi/histkb/internal/config"
	"github.com/samekhi/histkb/internal/pipeline"
)

func watchCmd() *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch history files and ingest on change",
		Long: "Watches every configured user's history file and runs an incremental\n" +
			"ingest shortly after it changes. The parent directory is watched, not\n" +
			"the file, so shells that rewrite the whole file are still seen.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env := newEnv("watch_bash_history")
			defer env.Log.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, env, debounce)
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", 5*time.Second, "Quiet period after a change before ingesting")
	return cmd
}

func runWatch(ctx context.Context, env *pipeline.Env, debounce time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Map the watched history path back to its user.
	userByPath := map[string]string{}
	for _, user := range env.Cfg.Users {
		path := config.HistoryPath(user)
		userByPath[path] = user
		if err := w.Add(filepath.Dir(path)); err != nil {
			env.Log.Warnw("watch_add_failed", "dir", filepath.Dir(path), "err", err)
			continue
		}
		env.Log.Infow("watching", "user", user, "path", path)
	}

	// One timer per user so bursts of writes collapse into one ingest.
	timers := map[string]*time.Timer{}
	fire := make(chan string, 16)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			env.Log.Infow("watch_stop")
			return nil
		case user := <-fire:
			if err := env.Ingest(user, pipeline.IngestOptions{}); err != nil {
				env.Log.Errorw("ingest_failed", "user", user, "err", err)
			}
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			user, watched := userByPath[ev.Name]
			if !watched || !ev.Op.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if t, ok := timers[user]; ok {
				t.Reset(debounce)
				continue
			}
			u := user
			timers[user] = time.AfterFunc(debounce, func() { fire <- u })
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			env.Log.Errorw("watch_error", "err", err)
		}
	}
}
