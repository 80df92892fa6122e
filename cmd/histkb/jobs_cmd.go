package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/samekhi/histkb/internal/config"
	"github.com/samekhi/histkb/internal/heartbeat"
	"github.com/samekhi/histkb/internal/mq"
	"github.com/samekhi/histkb/internal/store"
)

func jobsCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Show pipeline job status",
		Long:  "Shows the last run of every tracked job plus queue depth per status.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobs(jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func runJobs(jsonOut bool) error {
	cfg := config.Load()

	db, err := store.Open(cfg.HumanDBPath())
	if err != nil {
		return err
	}
	defer db.Close()
	if err := heartbeat.Ensure(db); err != nil {
		return err
	}
	runs, err := heartbeat.List(db)
	if err != nil {
		return fmt.Errorf("query job_runs: %w", err)
	}

	counts, err := queueCounts(cfg.QueueDBPath())
	if err != nil {
		return err
	}

	if jsonOut {
		out := struct {
			Runs  []heartbeat.Run `json:"runs"`
			Queue map[string]int  `json:"queue"`
		}{runs, counts}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if len(runs) == 0 {
		fmt.Println("No jobs have run yet.")
	} else {
		fmt.Printf("%-36s %-7s %-19s %8s  %s\n", "JOB", "STATUS", "LAST START", "MS", "MESSAGE")
		for _, r := range runs {
			ms := "-"
			if r.LastDurationMS.Valid {
				ms = fmt.Sprintf("%d", r.LastDurationMS.Int64)
			}
			msg := r.LastMessage
			if len(msg) > 60 {
				msg = msg[:60] + "..."
			}
			fmt.Printf("%-36s %-7s %-19s %8s  %s\n", r.Job, r.LastStatus, r.LastStart, ms, msg)
		}
	}

	fmt.Println()
	fmt.Printf("queue: queued=%d running=%d done=%d dead=%d\n",
		counts[mq.StatusQueued], counts[mq.StatusRunning], counts[mq.StatusDone], counts[mq.StatusDead])
	return nil
}

func queueCounts(path string) (map[string]int, error) {
	counts := map[string]int{}
	if _, err := os.Stat(path); err != nil {
		return counts, nil
	}
	q, err := mq.Open(path)
	if err != nil {
		return nil, err
	}
	defer q.Close()

	rows, err := q.DB().Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
