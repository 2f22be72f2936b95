// Package queue provides the durable outbound write queue. Records survive
// process restarts; the idempotency key assigned at enqueue time is the sole
// deduplication key the authority uses to detect retried delivery.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shopstack/possync/internal/db"
	apperrors "github.com/shopstack/possync/internal/errors"
	"github.com/shopstack/possync/internal/models"
	"github.com/shopstack/possync/internal/uuid"
)

// Queue manages pending outbound records backed by the local database.
// The caller (enqueue) and the push pipeline (status updates, removal) are
// the only mutators; every mutation is a single atomic statement, so no
// global lock across records is needed.
type Queue struct {
	repo     *db.Repository
	deviceID string
	logger   *zap.Logger
}

// New creates a Queue over the given repository.
func New(repo *db.Repository, deviceID string, logger *zap.Logger) *Queue {
	return &Queue{
		repo:     repo,
		deviceID: deviceID,
		logger:   logger,
	}
}

// NewRecord builds, without persisting, a record carrying a fresh idempotency
// key. Direct-delivery callers use it so that a failed online attempt can be
// queued under the key that may already be on the wire.
func (q *Queue) NewRecord(entityType string, payload json.RawMessage) *models.PendingRecord {
	return &models.PendingRecord{
		IdempotencyKey: models.UUID(uuid.New()),
		EntityType:     entityType,
		Payload:        payload,
		Status:         models.RecordStatusPending,
		DeviceID:       q.deviceID,
		CreatedAt:      time.Now().Unix(),
	}
}

// Enqueue creates and persists a record with a fresh idempotency key. The
// record is durable before this returns: a crash after return must not lose
// it.
func (q *Queue) Enqueue(entityType string, payload json.RawMessage) (*models.PendingRecord, error) {
	rec := q.NewRecord(entityType, payload)
	if err := q.EnqueueRecord(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// EnqueueRecord persists a record built with NewRecord.
func (q *Queue) EnqueueRecord(rec *models.PendingRecord) error {
	if err := q.repo.CreatePendingRecord(rec); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to enqueue record", err)
	}

	q.logger.Info("record enqueued",
		zap.String("idempotency_key", rec.IdempotencyKey.String()),
		zap.String("entity_type", rec.EntityType))
	return nil
}

// List returns records with the given status, oldest first.
func (q *Queue) List(status models.RecordStatus) ([]*models.PendingRecord, error) {
	return q.repo.ListPendingRecords(status)
}

// Get retrieves a single record by idempotency key.
func (q *Queue) Get(key models.UUID) (*models.PendingRecord, error) {
	return q.repo.GetPendingRecord(key)
}

// Update transitions a record to a new status. Illegal transitions are
// rejected; the write itself is one atomic statement.
func (q *Queue) Update(key models.UUID, status models.RecordStatus, lastError string) error {
	current, err := q.repo.GetPendingRecord(key)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("record %s", key), err)
	}
	if !current.Status.CanTransitionTo(status) {
		return apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("illegal transition %s -> %s for record %s", current.Status, status, key))
	}
	return q.repo.UpdatePendingRecord(key, status, lastError, false)
}

// MarkInFlight claims a pending record for delivery.
func (q *Queue) MarkInFlight(key models.UUID) error {
	return q.Update(key, models.RecordStatusInFlight, "")
}

// MarkSynced records confirmed delivery by removing the record. The removal
// is a single statement: there is no intermediate synced row that a crash
// could strand for Recover to miss.
func (q *Queue) MarkSynced(key models.UUID) error {
	current, err := q.repo.GetPendingRecord(key)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("record %s", key), err)
	}
	if !current.Status.CanTransitionTo(models.RecordStatusSynced) {
		return apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("illegal transition %s -> synced for record %s", current.Status, key))
	}
	if err := q.repo.DeletePendingRecord(key); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to remove synced record", err)
	}
	q.logger.Info("record synced", zap.String("idempotency_key", key.String()))
	return nil
}

// MarkFailed records a permanent rejection. The record is retained
// indefinitely for operator inspection and never auto-retried.
func (q *Queue) MarkFailed(key models.UUID, reason string) error {
	if err := q.Update(key, models.RecordStatusFailed, reason); err != nil {
		return err
	}
	q.logger.Warn("record permanently rejected",
		zap.String("idempotency_key", key.String()),
		zap.String("reason", reason))
	return nil
}

// MarkRetry returns an in-flight record to pending after a transient failure
// and increments its attempt count.
func (q *Queue) MarkRetry(key models.UUID, reason string) error {
	current, err := q.repo.GetPendingRecord(key)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("record %s", key), err)
	}
	if !current.Status.CanTransitionTo(models.RecordStatusPending) {
		return apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("illegal transition %s -> pending for record %s", current.Status, key))
	}
	return q.repo.UpdatePendingRecord(key, models.RecordStatusPending, reason, true)
}

// RetryFailed is the operator override that resets a permanently failed
// record to pending after manual correction.
func (q *Queue) RetryFailed(key models.UUID) error {
	current, err := q.repo.GetPendingRecord(key)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("record %s", key), err)
	}
	if current.Status != models.RecordStatusFailed {
		return apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("record %s is %s, only failed records can be retried", key, current.Status))
	}
	if err := q.repo.UpdatePendingRecord(key, models.RecordStatusPending, "", false); err != nil {
		return err
	}
	q.logger.Info("failed record re-queued by operator", zap.String("idempotency_key", key.String()))
	return nil
}

// PendingCount returns the number of records awaiting delivery. Observable
// for UI purposes; not part of the sync contract.
func (q *Queue) PendingCount() (int, error) {
	return q.repo.CountPendingRecords(models.RecordStatusPending)
}

// Recover returns any records left in_flight by a crashed process to
// pending. Redelivery is safe because of the idempotency key.
func (q *Queue) Recover() (int64, error) {
	n, err := q.repo.RearmInFlightRecords()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to recover in-flight records", err)
	}
	if n > 0 {
		q.logger.Info("recovered in-flight records after restart", zap.Int64("count", n))
	}
	return n, nil
}
