package main

import (
	"github.com/spf13/cobra"

	"github.com/samekhi/histkb/internal/pipeline"
)

func runCmd() *cobra.Command {
	var opts pipeline.RunOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the whole pipeline once",
		Long: "Runs every stage in order: ingest each configured user, classify,\n" +
			"dispatch searches, summarize search results, extract note metadata.\n" +
			"Each stage still takes its own lock; a busy stage is skipped silently.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env := newEnv("process_bash_history")
			defer env.Log.Sync()
			return env.RunAll(opts)
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Print the stage plan without running it")
	cmd.Flags().BoolVar(&opts.KeepGoing, "keep-going", false, "Continue past a failed stage")
	cmd.Flags().BoolVar(&opts.SkipAISearchSumm, "skip-ai-search-summ", false, "Skip the search summarization stage")
	cmd.Flags().BoolVar(&opts.SkipAINotes, "skip-ai-notes", false, "Skip the note metadata stage")
	return cmd
}
