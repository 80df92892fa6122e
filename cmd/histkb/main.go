// Package main is the entrypoint for the histkb CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/samekhi/histkb/internal/config"
	"github.com/samekhi/histkb/internal/logging"
	"github.com/samekhi/histkb/internal/pipeline"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "histkb",
		Short: "Shell history knowledge pipeline",
		Long: "histkb ingests shell history into a SQLite knowledge base, classifies\n" +
			"commands with a local model, dispatches web searches for unknown ones,\n" +
			"and summarizes the results into notes. It also runs the mother queue\n" +
			"worker that executes queued jobs.",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	root.AddCommand(ingestCmd())
	root.AddCommand(classifyCmd())
	root.AddCommand(queueSearchCmd())
	root.AddCommand(searchSummCmd())
	root.AddCommand(noteMetaCmd())
	root.AddCommand(runCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(enqueueCmd())
	root.AddCommand(jobsCmd())
	root.AddCommand(watchCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newEnv loads the resolved configuration and a logger named after the
// invoking command, giving each stage its own rotated log file.
func newEnv(logName string) *pipeline.Env {
	cfg := config.Load()
	return &pipeline.Env{
		Cfg: cfg,
		Log: logging.New(cfg.LogDir(), logName),
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the histkb version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("histkb %s\n", Version)
		},
	}
}
