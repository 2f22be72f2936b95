package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shopstack/possync/internal/authority"
	"github.com/shopstack/possync/internal/db"
	"github.com/shopstack/possync/internal/transfer"
)

// NewServeCommand creates the local authority server command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authority server",
		Long: `Serve runs the authority: idempotent record ingestion, the change feed
devices pull from, and the transfer reconciliation endpoints.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			database, err := db.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer database.Close()
			if err := db.NewMigrator(database.DB).Up(); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			repo := db.NewRepository(database.DB)
			defer repo.Close()

			machine := transfer.NewMachine(database.DB, cfg.DiscrepancyTolerance, logger)
			svc := authority.NewService(database.DB, repo, machine, logger)
			server := authority.NewServer(svc, logger)

			logger.Info("authority listening",
				zap.String("addr", addr),
				zap.Float64("discrepancy_tolerance", cfg.DiscrepancyTolerance))
			return http.ListenAndServe(addr, server.Handler())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8473", "listen address")
	return cmd
}
