package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewSyncCommand creates the one-shot sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one push-then-pull cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := buildClientStack(rootOpts, true)
			if err != nil {
				return err
			}
			defer stack.Close()

			if _, err := stack.queue.Recover(); err != nil {
				return err
			}

			if !stack.client.Health(cmd.Context()) {
				return fmt.Errorf("authority at %s is unreachable", stack.cfg.ServerURL)
			}
			stack.monitor.Observe(true)
			if err := waitReachable(stack, stack.cfg.SettleDelay+2*time.Second); err != nil {
				return err
			}

			res, err := stack.orch.SyncOnce(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("pushed %d record(s), %d failed\n", res.Push.Synced, res.Push.Failed)
			fmt.Printf("pulled %d product(s), %d stock level(s), checkpoint %d\n",
				res.Pull.Products, res.Pull.StockLevels, res.Pull.Checkpoint)
			return nil
		},
	}
}

// waitReachable blocks until the monitor settles or the deadline passes.
func waitReachable(stack *clientStack, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for !stack.monitor.IsReachable() {
		if time.Now().After(deadline) {
			return fmt.Errorf("connectivity did not settle within %s", timeout)
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}
