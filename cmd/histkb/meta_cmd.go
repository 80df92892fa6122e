package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/samekhi/histkb/internal/pipeline"
)

func noteMetaCmd() *cobra.Command {
	var opts pipeline.NoteMetaOptions
	var sinceID int64
	cmd := &cobra.Command{
		Use:   "note-meta",
		Short: "Extract structured metadata from notes",
		Long: "Extracts tags, entities, commands, and sensitivity for notes above the\n" +
			"metadata high-water mark. Edited notes get a new source hash and are\n" +
			"re-extracted; unchanged notes are skipped.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.SinceID = sinceID
			env := newEnv("ai_notes")
			defer env.Log.Sync()
			return env.NoteMetaRun(opts)
		},
	}
	cmd.Flags().StringVar(&opts.HumanDB, "human-db", "", "Human notes database path (default from config)")
	cmd.Flags().StringVar(&opts.MetaDB, "meta-db", "", "Metadata database path (default from config)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 500, "Max notes per run")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 180*time.Second, "Per-request model timeout")
	cmd.Flags().DurationVar(&opts.Sleep, "sleep", 0, "Pause between model calls")
	cmd.Flags().Int64Var(&sinceID, "since-id", 0, "Start after this note id (overrides the backtrack window)")
	cmd.Flags().IntVar(&opts.Backtrack, "backtrack", 200, "Re-examine this many ids before the high-water mark")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Report what would be extracted without writing")
	return cmd
}
