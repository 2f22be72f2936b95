// Package cli wires the possync commands: the client daemon, the local
// authority server, and the operator tools for the queue.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shopstack/possync/internal/config"
	"github.com/shopstack/possync/internal/logging"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	ConfigPath string
	DeviceID   string
	DataDir    string
	ServerURL  string
}

// NewRootCommand creates the possync root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "possync",
		Short: "Offline-first POS synchronization engine",
		Long: `possync keeps point-of-sale devices working through network outages.
Writes queue locally and drain to the authority when connectivity returns;
catalog and stock state pull back incrementally from a change feed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.DeviceID, "device-id", "", "override the configured device ID")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "override the configured data directory")
	cmd.PersistentFlags().StringVar(&opts.ServerURL, "server", "", "override the configured authority URL")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRecordCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))

	return cmd
}

// loadConfig resolves the effective configuration from file and flags.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if opts.DeviceID != "" {
		cfg.DeviceID = opts.DeviceID
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if opts.ServerURL != "" {
		cfg.ServerURL = opts.ServerURL
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
