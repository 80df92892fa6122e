package main

import (
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/samekhi/histkb/internal/pipeline"
)

func classifyCmd() *cobra.Command {
	var (
		batch   int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify pending commands with the local model",
		Long: "Sends pending and previously-errored commands to Ollama for strict-JSON\n" +
			"classification: base command, intent, keywords, and a search query for\n" +
			"unknown commands.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env := newEnv("classify_bash_commands")
			defer env.Log.Sync()
			return env.Classify(pipeline.ClassifyOptions{Batch: batch, Timeout: timeout})
		},
	}
	cmd.Flags().IntVar(&batch, "batch", envInt("BASH_AI_BATCH", 20), "Commands per run")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "Per-request model timeout")
	return cmd
}

// envInt reads an integer environment override, used for cron tuning
// without editing crontabs.
func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
