package pull

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shopstack/possync/internal/db"
	apperrors "github.com/shopstack/possync/internal/errors"
	"github.com/shopstack/possync/internal/models"
)

// Puller is the slice of the transport client the pipeline needs.
type Puller interface {
	Pull(ctx context.Context, since models.Checkpoint) (*models.ChangeSet, error)
}

// Result summarizes one pull run.
type Result struct {
	Products    int
	StockLevels int
	Checkpoint  models.Checkpoint
}

// Pipeline fetches authority changes past the local checkpoint and applies
// them. The checkpoint advances only after the whole change set is applied,
// so an interrupted run repeats the same pull next cycle; applying a change
// set is idempotent, so the repeat is harmless.
type Pipeline struct {
	client   Puller
	repo     *db.Repository
	catalog  *Catalog
	deviceID string
	logger   *zap.Logger
}

// New creates a pull Pipeline.
func New(client Puller, repo *db.Repository, catalog *Catalog, deviceID string, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		client:   client,
		repo:     repo,
		catalog:  catalog,
		deviceID: deviceID,
		logger:   logger,
	}
}

// Run performs one pull cycle.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	since, err := p.repo.GetCheckpoint()
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.ErrDatabase, "failed to read checkpoint", err)
	}

	cs, err := p.client.Pull(ctx, since)
	if err != nil {
		return Result{}, err
	}

	if err := p.apply(cs); err != nil {
		return Result{}, err
	}

	// Local state now reflects everything up to cs.Checkpoint. The SQL guard
	// keeps a stale response from ever moving the marker backwards.
	if err := p.repo.AdvanceCheckpoint(cs.Checkpoint); err != nil {
		return Result{}, apperrors.Wrap(apperrors.ErrDatabase, "failed to advance checkpoint", err)
	}

	res := Result{
		Products:    len(cs.Products),
		StockLevels: len(cs.StockLevels),
		Checkpoint:  cs.Checkpoint,
	}
	if !cs.Empty() {
		p.logger.Info("pull applied",
			zap.Int("products", res.Products),
			zap.Int("stock_levels", res.StockLevels),
			zap.Int64("checkpoint", int64(res.Checkpoint)))
	}
	return res, nil
}

// apply merges the change set. Remote state wins unconditionally: these
// entities are authority-owned and never edited locally, so there is nothing
// to reconcile.
func (p *Pipeline) apply(cs *models.ChangeSet) error {
	now := time.Now().Unix()

	for _, product := range cs.Products {
		if err := p.repo.UpsertProduct(&product); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to store product "+product.ID, err)
		}
		p.catalog.SetProduct(product)
		p.logApplied("product", product.ID, now)
	}

	for _, stock := range cs.StockLevels {
		p.catalog.SetStock(stock)
		p.logApplied("stock_level", stockKey(stock.ProductID, stock.Location), now)
	}
	return nil
}

// logApplied records the audit row. Logging is advisory; a failure here must
// not fail the pull.
func (p *Pipeline) logApplied(entityType, entityID string, now int64) {
	err := p.repo.CreateSyncLog(&models.SyncLog{
		DeviceID:   p.deviceID,
		Direction:  models.DirectionServerToDevice,
		EntityType: entityType,
		EntityID:   entityID,
		Status:     "success",
		CreatedAt:  now,
	})
	if err != nil {
		p.logger.Warn("failed to write sync log entry",
			zap.String("entity_id", entityID), zap.Error(err))
	}
}
