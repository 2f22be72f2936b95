package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewRunCommand creates the client daemon command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon on a till",
		Long: `Run starts the device-side engine: the durable queue is recovered, the
connectivity monitor begins probing the authority, and sync cycles run on
reachability changes and the configured interval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := buildClientStack(rootOpts, true)
			if err != nil {
				return err
			}
			defer stack.Close()

			// Records stranded in flight by a crash go back to pending.
			if _, err := stack.queue.Recover(); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			stack.monitor.Start(ctx)
			stack.orch.Start(ctx)

			stack.logger.Info("possync daemon started",
				zap.String("device_id", stack.cfg.DeviceID),
				zap.String("server_url", stack.cfg.ServerURL))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			stack.logger.Info("shutting down")
			cancel()
			stack.orch.Stop()
			stack.monitor.Stop()
			return nil
		},
	}
}
