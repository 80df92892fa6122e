package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/samekhi/histkb/internal/pipeline"
)

func searchSummCmd() *cobra.Command {
	var opts pipeline.SearchSummOptions
	var sinceID int64
	cmd := &cobra.Command{
		Use:   "search-summ",
		Short: "Summarize cached search results into notes",
		Long: "Reads unsummarized rows from the search cache, summarizes each with the\n" +
			"local model, and files the summary as an ai_generated note. The\n" +
			"search_cache_id marker in each note makes re-runs idempotent.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.SinceID = sinceID
			env := newEnv("ai_search_summ")
			defer env.Log.Sync()
			return env.SearchSumm(opts)
		},
	}
	cmd.Flags().StringVar(&opts.SearchDB, "search-db", "", "Search cache database path (default from config)")
	cmd.Flags().StringVar(&opts.HumanDB, "human-db", "", "Human notes database path (default from config)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 500, "Max rows per run")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 180*time.Second, "Per-request model timeout")
	cmd.Flags().DurationVar(&opts.Sleep, "sleep", 0, "Pause between model calls")
	cmd.Flags().Int64Var(&sinceID, "since-id", 0, "Only process cache rows with id greater than this")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Report what would be summarized without writing")
	return cmd
}
