// Package push drains the durable queue to the authority. Records leave in
// creation order and at most one request is in flight at a time, so the
// authority observes each device's writes in the order the device made them.
package push

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/shopstack/possync/internal/errors"
	"github.com/shopstack/possync/internal/models"
	"github.com/shopstack/possync/internal/queue"
	"github.com/shopstack/possync/internal/transport"
)

// Submitter is the slice of the transport client the pipeline needs.
type Submitter interface {
	Submit(ctx context.Context, rec *models.PendingRecord) (transport.SubmitStatus, error)
	SyncBatch(ctx context.Context, deviceID string, recs []*models.PendingRecord) ([]transport.BatchResult, error)
}

// Result summarizes one push run.
type Result struct {
	Synced  int
	Failed  int
	Aborted bool
}

// Pipeline pushes pending records to the authority.
type Pipeline struct {
	queue     *queue.Queue
	client    Submitter
	deviceID  string
	batchSize int
	logger    *zap.Logger
}

// New creates a push Pipeline. batchSize > 1 groups records into batch
// requests; 1 or less submits records individually. Ordering is preserved
// either way.
func New(q *queue.Queue, client Submitter, deviceID string, batchSize int, logger *zap.Logger) *Pipeline {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Pipeline{
		queue:     q,
		client:    client,
		deviceID:  deviceID,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run pushes every pending record. A permanent rejection parks that record as
// failed and processing continues; a transient failure returns the record to
// pending and aborts the rest of the run, since later records would hit the
// same unavailable authority.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	pending, err := p.queue.List(models.RecordStatusPending)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.ErrDatabase, "failed to list pending records", err)
	}
	if len(pending) == 0 {
		return Result{}, nil
	}

	p.logger.Info("push run starting", zap.Int("pending", len(pending)))

	var res Result
	for start := 0; start < len(pending); start += p.batchSize {
		if err := ctx.Err(); err != nil {
			res.Aborted = true
			return res, apperrors.Wrap(apperrors.ErrSyncFailed, "push cancelled", err)
		}

		end := start + p.batchSize
		if end > len(pending) {
			end = len(pending)
		}

		aborted, err := p.pushChunk(ctx, pending[start:end], &res)
		if aborted {
			res.Aborted = true
			return res, err
		}
	}

	p.logger.Info("push run complete",
		zap.Int("synced", res.Synced), zap.Int("failed", res.Failed))
	return res, nil
}

func (p *Pipeline) pushChunk(ctx context.Context, chunk []*models.PendingRecord, res *Result) (bool, error) {
	for _, rec := range chunk {
		if err := p.queue.MarkInFlight(rec.IdempotencyKey); err != nil {
			return true, err
		}
	}

	if len(chunk) == 1 {
		return p.submitOne(ctx, chunk[0], res)
	}
	return p.submitBatch(ctx, chunk, res)
}

func (p *Pipeline) submitOne(ctx context.Context, rec *models.PendingRecord, res *Result) (bool, error) {
	status, err := p.client.Submit(ctx, rec)
	if err != nil {
		return p.classifyFailure(rec, err, res)
	}
	return p.applyVerdict(rec, status, "", res)
}

func (p *Pipeline) submitBatch(ctx context.Context, chunk []*models.PendingRecord, res *Result) (bool, error) {
	results, err := p.client.SyncBatch(ctx, p.deviceID, chunk)
	if err != nil {
		if apperrors.IsPermanent(err) {
			// The authority rejected the batch envelope itself; the same
			// bytes will never succeed, so the chunk parks as failed for the
			// operator instead of retrying every cycle forever.
			for _, rec := range chunk {
				if qerr := p.queue.MarkFailed(rec.IdempotencyKey, err.Error()); qerr != nil {
					return true, qerr
				}
				res.Failed++
			}
			p.logger.Warn("batch rejected by authority",
				zap.Int("records", len(chunk)), zap.Error(err))
			return false, nil
		}

		// Whole-call transient failure: nothing in the chunk was confirmed,
		// so every record goes back to pending. Redelivery is safe via the
		// keys.
		for _, rec := range chunk {
			if rerr := p.queue.MarkRetry(rec.IdempotencyKey, err.Error()); rerr != nil {
				return true, rerr
			}
		}
		if apperrors.IsTransient(err) {
			return true, err
		}
		return true, apperrors.Wrap(apperrors.ErrSyncFailed, "batch submission failed", err)
	}

	byKey := make(map[models.UUID]transport.BatchResult, len(results))
	for _, r := range results {
		byKey[r.IdempotencyKey] = r
	}

	for _, rec := range chunk {
		verdict, ok := byKey[rec.IdempotencyKey]
		if !ok {
			// The authority did not acknowledge this record; treat as
			// undelivered and retry next cycle.
			if err := p.queue.MarkRetry(rec.IdempotencyKey, "missing from batch response"); err != nil {
				return true, err
			}
			continue
		}
		if aborted, err := p.applyVerdict(rec, verdict.Status, verdict.Error, res); aborted {
			return true, err
		}
	}
	return false, nil
}

// applyVerdict maps an authority verdict onto the record's queue state.
// "exists" collapses into success: the payload is already durable remotely
// and delivering it again would double-apply nothing.
func (p *Pipeline) applyVerdict(rec *models.PendingRecord, status transport.SubmitStatus, detail string, res *Result) (bool, error) {
	switch status {
	case transport.StatusAccepted, transport.StatusExists:
		if err := p.queue.MarkSynced(rec.IdempotencyKey); err != nil {
			return true, err
		}
		res.Synced++
		return false, nil
	case transport.StatusRejected:
		if err := p.queue.MarkFailed(rec.IdempotencyKey, detail); err != nil {
			return true, err
		}
		res.Failed++
		return false, nil
	default:
		return true, apperrors.New(apperrors.ErrInternal,
			"unknown submit status "+string(status))
	}
}

func (p *Pipeline) classifyFailure(rec *models.PendingRecord, err error, res *Result) (bool, error) {
	if apperrors.IsPermanent(err) {
		if qerr := p.queue.MarkFailed(rec.IdempotencyKey, err.Error()); qerr != nil {
			return true, qerr
		}
		res.Failed++
		p.logger.Warn("record rejected by authority",
			zap.String("idempotency_key", rec.IdempotencyKey.String()),
			zap.Error(err))
		return false, nil
	}

	// Transient (or unclassified) failure: the record may or may not have
	// landed, so it stays queued and the run stops here.
	if qerr := p.queue.MarkRetry(rec.IdempotencyKey, err.Error()); qerr != nil {
		return true, qerr
	}
	p.logger.Warn("push aborted on transient failure",
		zap.String("idempotency_key", rec.IdempotencyKey.String()),
		zap.Error(err))
	return true, err
}
