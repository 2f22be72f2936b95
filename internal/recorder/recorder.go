// Package recorder is the entry point POS callers use to record a business
// action. When the authority is reachable the record is delivered directly
// and confirmed before this returns, never touching durable storage; when it
// is not, or the direct attempt fails transiently, the record lands in the
// durable queue under the same idempotency key and a sync cycle is scheduled.
// Callers only ever see confirmed or queued.
package recorder

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/shopstack/possync/internal/connectivity"
	apperrors "github.com/shopstack/possync/internal/errors"
	"github.com/shopstack/possync/internal/models"
	"github.com/shopstack/possync/internal/queue"
	"github.com/shopstack/possync/internal/transport"
)

// Outcome is what the caller learns about a recorded action.
type Outcome string

const (
	// OutcomeConfirmed means the authority durably applied the record.
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeQueued means the record is durable locally and will sync.
	OutcomeQueued Outcome = "queued"
)

// Submitter is the slice of the transport client the recorder needs.
type Submitter interface {
	Submit(ctx context.Context, rec *models.PendingRecord) (transport.SubmitStatus, error)
}

// Trigger schedules a sync cycle; satisfied by the orchestrator.
type Trigger interface {
	TriggerSync()
}

// Recorder routes each business action either straight to the authority or
// into the durable queue.
type Recorder struct {
	queue   *queue.Queue
	client  Submitter
	monitor *connectivity.Monitor
	trigger Trigger
	logger  *zap.Logger
}

// New creates a Recorder.
func New(q *queue.Queue, client Submitter, monitor *connectivity.Monitor,
	trigger Trigger, logger *zap.Logger) *Recorder {
	return &Recorder{
		queue:   q,
		client:  client,
		monitor: monitor,
		trigger: trigger,
		logger:  logger,
	}
}

// Record captures one business action. The idempotency key is assigned before
// the direct attempt, so if that attempt lands but its response is lost, the
// queued copy replays to exists rather than double-applying. A permanent
// rejection on the direct path surfaces to the caller immediately and nothing
// is queued.
func (r *Recorder) Record(ctx context.Context, entityType string, payload json.RawMessage) (Outcome, error) {
	rec := r.queue.NewRecord(entityType, payload)

	if r.monitor.IsReachable() {
		_, err := r.client.Submit(ctx, rec)
		if err == nil {
			r.logger.Info("record confirmed online",
				zap.String("idempotency_key", rec.IdempotencyKey.String()),
				zap.String("entity_type", entityType))
			return OutcomeConfirmed, nil
		}
		if apperrors.IsPermanent(err) {
			return "", err
		}
		r.logger.Info("direct delivery failed, queueing record",
			zap.String("idempotency_key", rec.IdempotencyKey.String()),
			zap.Error(err))
	}

	if err := r.queue.EnqueueRecord(rec); err != nil {
		return "", err
	}
	r.trigger.TriggerSync()
	return OutcomeQueued, nil
}
