package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shopstack/possync/internal/recorder"
)

// NewRecordCommand creates the command that records one business action.
// Online it confirms against the authority directly; otherwise the action is
// saved locally and delivered by the next sync cycle.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "record <entity-type> <payload-json>",
		Short: "Record a business action, confirming online or queueing offline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityType, payload := args[0], json.RawMessage(args[1])
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON")
			}

			stack, err := buildClientStack(rootOpts, true)
			if err != nil {
				return err
			}
			defer stack.Close()

			// Prime the monitor with one probe so a reachable authority gets
			// the direct-delivery path instead of an unnecessary queue hop.
			if stack.client.Health(cmd.Context()) {
				stack.monitor.Observe(true)
				waitReachable(stack, stack.cfg.SettleDelay+2*time.Second)
			}

			outcome, err := stack.recorder.Record(cmd.Context(), entityType, payload)
			if err != nil {
				return err
			}
			switch outcome {
			case recorder.OutcomeConfirmed:
				fmt.Println("confirmed by authority")
			case recorder.OutcomeQueued:
				fmt.Println("saved locally, will sync")
				if _, err := stack.orch.SyncOnce(cmd.Context()); err != nil {
					stack.logger.Warn("immediate sync attempt failed; record stays queued")
				}
			}
			return nil
		},
	}
}
