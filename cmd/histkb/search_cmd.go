package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/samekhi/histkb/internal/pipeline"
)

func queueSearchCmd() *cobra.Command {
	var (
		batch int
		sleep time.Duration
	)
	cmd := &cobra.Command{
		Use:   "queue-search",
		Short: "Dispatch pending search queries to the search API",
		Long: "Enrolls classified commands that carry a search query and sends pending\n" +
			"queries to the search API, which caches result snapshots on its side.\n" +
			"Backends with no results yet are retried on later runs.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env := newEnv("queue_bash_searches")
			defer env.Log.Sync()
			return env.QueueSearch(pipeline.QueueSearchOptions{Batch: batch, Sleep: sleep})
		},
	}
	cmd.Flags().IntVar(&batch, "batch", envInt("BASH_SEARCH_BATCH", 5), "Queries per run")
	cmd.Flags().DurationVar(&sleep, "sleep", time.Duration(envInt("BASH_SEARCH_SLEEP", 1))*time.Second, "Pause between dispatched queries")
	return cmd
}
