package cli

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/shopstack/possync/internal/config"
	"github.com/shopstack/possync/internal/connectivity"
	"github.com/shopstack/possync/internal/db"
	"github.com/shopstack/possync/internal/orchestrator"
	"github.com/shopstack/possync/internal/pull"
	"github.com/shopstack/possync/internal/push"
	"github.com/shopstack/possync/internal/queue"
	"github.com/shopstack/possync/internal/recorder"
	"github.com/shopstack/possync/internal/transport"
)

// clientStack is the assembled device-side engine.
type clientStack struct {
	cfg      *config.Config
	logger   *zap.Logger
	database *db.DB
	repo     *db.Repository
	queue    *queue.Queue
	client   *transport.Client
	catalog  *pull.Catalog
	monitor  *connectivity.Monitor
	orch     *orchestrator.Orchestrator
	recorder *recorder.Recorder
}

// buildClientStack opens the local database, migrates it, and wires the
// queue, pipelines, monitor and orchestrator together.
func buildClientStack(opts *RootOptions, needServer bool) (*clientStack, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device_id is required (set it in the config file or with --device-id)")
	}
	if needServer && cfg.ServerURL == "" {
		return nil, fmt.Errorf("server_url is required (set it in the config file or with --server)")
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := db.NewMigrator(database.DB).Up(); err != nil {
		database.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	repo := db.NewRepository(database.DB)
	q := queue.New(repo, cfg.DeviceID, logger)
	client := transport.NewClient(cfg.ServerURL, cfg.AuthToken, cfg.RequestTimeout, logger)
	catalog := pull.NewCatalog(cfg.CacheTTL)
	monitor := connectivity.NewMonitor(client.Health, cfg.ProbeInterval, cfg.SettleDelay, logger)

	orch := orchestrator.New(
		push.New(q, client, cfg.DeviceID, cfg.MaxBatchSize, logger),
		pull.New(client, repo, catalog, cfg.DeviceID, logger),
		q, repo, monitor, cfg.SyncInterval, logger,
	)

	return &clientStack{
		cfg:      cfg,
		logger:   logger,
		database: database,
		repo:     repo,
		queue:    q,
		client:   client,
		catalog:  catalog,
		monitor:  monitor,
		orch:     orch,
		recorder: recorder.New(q, client, monitor, orch, logger),
	}, nil
}

func (s *clientStack) Close() {
	s.repo.Close()
	s.database.Close()
	s.logger.Sync()
}
