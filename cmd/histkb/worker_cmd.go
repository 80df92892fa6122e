package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/samekhi/histkb/internal/worker"
)

func workerCmd() *cobra.Command {
	var (
		maxIdle        time.Duration
		leaseSecs      int
		reclaimExpired bool
	)
	cmd := &cobra.Command{
		Use:   "worker <queue> [sleep_seconds]",
		Short: "Run the mother queue worker",
		Long: "Consumes jobs from the named queue until the idle timeout fires. A\n" +
			"second worker on the same queue exits immediately, so this is safe to\n" +
			"fire from cron every minute.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sleep := 2 * time.Second
			if len(args) == 2 {
				secs, err := strconv.Atoi(args[1])
				if err != nil || secs <= 0 {
					return fmt.Errorf("sleep_seconds must be a positive integer, got %q", args[1])
				}
				sleep = time.Duration(secs) * time.Second
			}

			env := newEnv("mq_worker_" + args[0])
			defer env.Log.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			w := worker.New(env.Cfg, env.Log, worker.Options{
				Queue:          args[0],
				Sleep:          sleep,
				MaxIdle:        maxIdle,
				LeaseSecs:      leaseSecs,
				ReclaimExpired: reclaimExpired,
			})
			return w.Run(ctx)
		},
	}
	cmd.Flags().DurationVar(&maxIdle, "max-idle", 5*time.Minute, "Exit after this long without a job")
	cmd.Flags().IntVar(&leaseSecs, "lease", 120, "Lease seconds granted per job")
	cmd.Flags().BoolVar(&reclaimExpired, "reclaim-expired", false, "Re-queue jobs whose lease has lapsed (may double-run slow jobs)")
	return cmd
}
