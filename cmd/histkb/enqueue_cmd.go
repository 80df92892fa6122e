package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/samekhi/histkb/internal/config"
	"github.com/samekhi/histkb/internal/mq"
)

func enqueueCmd() *cobra.Command {
	var (
		queue       string
		payload     string
		priority    int
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "enqueue <name>",
		Short: "Enqueue a job on the mother queue",
		Long: "Inserts one queued job. The payload must be a JSON object; it is passed\n" +
			"to the handler (or script) verbatim.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := json.RawMessage(payload)
			var probe map[string]any
			if err := json.Unmarshal(raw, &probe); err != nil {
				return fmt.Errorf("--payload must be a JSON object: %w", err)
			}

			cfg := config.Load()
			q, err := mq.Open(cfg.QueueDBPath())
			if err != nil {
				return err
			}
			defer q.Close()

			id, err := q.Enqueue(queue, args[0], raw, mq.EnqueueOptions{
				Priority:    priority,
				MaxAttempts: maxAttempts,
			})
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "default", "Queue name")
	cmd.Flags().StringVar(&payload, "payload", "{}", "Payload JSON object")
	cmd.Flags().IntVar(&priority, "priority", mq.DefaultPriority, "Priority (lower runs first)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", mq.DefaultMaxAttempts, "Attempts before the job is marked dead")
	return cmd
}
