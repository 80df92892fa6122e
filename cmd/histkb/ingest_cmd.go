package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/samekhi/histkb/internal/pipeline"
)

func ingestCmd() *cobra.Command {
	var (
		importMode string
		allUsers   bool
	)
	cmd := &cobra.Command{
		Use:   "ingest [username]",
		Short: "Ingest a user's shell history into the knowledge base",
		Long: "Reads ~/.bash_history incrementally (tracked by inode and line number)\n" +
			"and upserts new commands. With --all every configured user is ingested.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if importMode != "new" && importMode != "all" {
				return fmt.Errorf("--import must be 'new' or 'all', got %q", importMode)
			}
			opts := pipeline.IngestOptions{ImportAll: importMode == "all"}

			env := newEnv("ingest_bash_kb")
			defer env.Log.Sync()

			if allUsers {
				if len(args) > 0 {
					return fmt.Errorf("--all and an explicit username are mutually exclusive")
				}
				for _, user := range env.Cfg.Users {
					if err := env.Ingest(user, opts); err != nil {
						return err
					}
				}
				return nil
			}

			if len(args) != 1 {
				return fmt.Errorf("username required (or pass --all)")
			}
			return env.Ingest(args[0], opts)
		},
	}
	cmd.Flags().StringVar(&importMode, "import", "new", "Import mode: 'new' (from watermark) or 'all' (whole file)")
	cmd.Flags().BoolVar(&allUsers, "all", false, "Ingest every configured user")
	return cmd
}
