package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shopstack/possync/internal/models"
)

// NewQueueCommand creates the queue inspection and repair commands.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the durable write queue",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueRetryCommand(rootOpts))
	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued records",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := buildClientStack(rootOpts, false)
			if err != nil {
				return err
			}
			defer stack.Close()

			records, err := stack.queue.List(models.RecordStatus(status))
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Printf("no %s records\n", status)
				return nil
			}

			for _, rec := range records {
				line := fmt.Sprintf("%s  %-16s  attempts=%d  %s",
					rec.IdempotencyKey, rec.EntityType, rec.AttemptCount,
					time.Unix(rec.CreatedAt, 0).Format(time.RFC3339))
				if rec.LastError != "" {
					line += "  error=" + rec.LastError
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "pending", "record status to list (pending|in_flight|failed)")
	return cmd
}

func newQueueRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <idempotency-key>",
		Short: "Re-queue a permanently failed record after manual correction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := buildClientStack(rootOpts, false)
			if err != nil {
				return err
			}
			defer stack.Close()

			key := models.UUID(args[0])
			if err := stack.queue.RetryFailed(key); err != nil {
				return err
			}
			fmt.Printf("record %s re-queued\n", key)
			return nil
		},
	}
}
