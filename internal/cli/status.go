package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shopstack/possync/internal/models"
)

// NewStatusCommand creates the local sync status command. It reads the
// device's own database, so it works offline and without a running daemon.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var logLimit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show local sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := buildClientStack(rootOpts, false)
			if err != nil {
				return err
			}
			defer stack.Close()

			pending, err := stack.queue.PendingCount()
			if err != nil {
				return err
			}
			failed, err := stack.queue.List(models.RecordStatusFailed)
			if err != nil {
				return err
			}
			checkpoint, err := stack.repo.GetCheckpoint()
			if err != nil {
				return err
			}

			fmt.Printf("device:      %s\n", stack.cfg.DeviceID)
			fmt.Printf("pending:     %d record(s)\n", pending)
			fmt.Printf("failed:      %d record(s)\n", len(failed))
			fmt.Printf("checkpoint:  %d\n", checkpoint)

			logs, err := stack.repo.ListSyncLogs(logLimit)
			if err != nil {
				return err
			}
			if len(logs) > 0 {
				fmt.Println("\nrecent activity:")
				for _, l := range logs {
					fmt.Printf("  %s  %-16s  %-10s  %s %s\n",
						l.Time().Format(time.RFC3339), l.EntityType, l.Status,
						l.Direction, l.EntityID)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&logLimit, "log", 10, "number of recent sync log rows to show")
	return cmd
}
