package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shopstack/possync/internal/db"
	apperrors "github.com/shopstack/possync/internal/errors"
	"github.com/shopstack/possync/internal/models"
)

func setupQueue(t *testing.T) *Queue {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.NewMigrator(database.DB).Up())

	repo := db.NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })
	return New(repo, "till-1", zap.NewNop())
}

func TestEnqueue(t *testing.T) {
	q := setupQueue(t)

	rec, err := q.Enqueue("sale", json.RawMessage(`{"total":1500}`))
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.NotEmpty(t, rec.IdempotencyKey)
	assert.Equal(t, models.RecordStatusPending, rec.Status)
	assert.Equal(t, "till-1", rec.DeviceID)
	assert.Zero(t, rec.AttemptCount)

	// Record is durable: a fresh read sees it.
	got, err := q.Get(rec.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, rec.IdempotencyKey, got.IdempotencyKey)
}

func TestEnqueue_uniqueKeys(t *testing.T) {
	q := setupQueue(t)

	a, err := q.Enqueue("sale", json.RawMessage(`{}`))
	require.NoError(t, err)
	b, err := q.Enqueue("sale", json.RawMessage(`{}`))
	require.NoError(t, err)

	assert.NotEqual(t, a.IdempotencyKey, b.IdempotencyKey)
}

func TestMarkSynced_removesRecord(t *testing.T) {
	q := setupQueue(t)

	rec, err := q.Enqueue("sale", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, q.MarkInFlight(rec.IdempotencyKey))
	require.NoError(t, q.MarkSynced(rec.IdempotencyKey))

	_, err = q.Get(rec.IdempotencyKey)
	require.Error(t, err)

	count, err := q.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, count)

	// Removal is the terminal write; no synced row is ever left behind for
	// Recover to trip over.
	synced, err := q.List(models.RecordStatusSynced)
	require.NoError(t, err)
	assert.Empty(t, synced)
}

func TestEnqueueRecord_keepsPrebuiltKey(t *testing.T) {
	q := setupQueue(t)

	rec := q.NewRecord("sale", json.RawMessage(`{"total":900}`))
	require.NotEmpty(t, rec.IdempotencyKey)

	// The record is not durable until explicitly enqueued.
	_, err := q.Get(rec.IdempotencyKey)
	require.Error(t, err)

	require.NoError(t, q.EnqueueRecord(rec))
	got, err := q.Get(rec.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, rec.IdempotencyKey, got.IdempotencyKey)
	assert.Equal(t, models.RecordStatusPending, got.Status)
	assert.Equal(t, "till-1", got.DeviceID)
}

func TestMarkFailed_retainsRecord(t *testing.T) {
	q := setupQueue(t)

	rec, err := q.Enqueue("sale", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, q.MarkInFlight(rec.IdempotencyKey))
	require.NoError(t, q.MarkFailed(rec.IdempotencyKey, "invalid product reference"))

	got, err := q.Get(rec.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusFailed, got.Status)
	assert.Equal(t, "invalid product reference", got.LastError)

	failed, err := q.List(models.RecordStatusFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestMarkRetry_incrementsAttempts(t *testing.T) {
	q := setupQueue(t)

	rec, err := q.Enqueue("sale", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, q.MarkInFlight(rec.IdempotencyKey))
	require.NoError(t, q.MarkRetry(rec.IdempotencyKey, "server unavailable"))

	got, err := q.Get(rec.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "server unavailable", got.LastError)

	// Second attempt cycle.
	require.NoError(t, q.MarkInFlight(rec.IdempotencyKey))
	require.NoError(t, q.MarkRetry(rec.IdempotencyKey, "timeout"))
	got, _ = q.Get(rec.IdempotencyKey)
	assert.Equal(t, 2, got.AttemptCount)
}

func TestUpdate_rejectsIllegalTransitions(t *testing.T) {
	q := setupQueue(t)

	rec, err := q.Enqueue("sale", json.RawMessage(`{}`))
	require.NoError(t, err)

	// pending -> synced skips in_flight.
	err = q.Update(rec.IdempotencyKey, models.RecordStatusSynced, "")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	// failed is terminal for the normal lifecycle.
	require.NoError(t, q.MarkInFlight(rec.IdempotencyKey))
	require.NoError(t, q.MarkFailed(rec.IdempotencyKey, "bad payload"))
	err = q.Update(rec.IdempotencyKey, models.RecordStatusInFlight, "")
	require.Error(t, err)
}

func TestRetryFailed(t *testing.T) {
	q := setupQueue(t)

	rec, err := q.Enqueue("sale", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, q.MarkInFlight(rec.IdempotencyKey))
	require.NoError(t, q.MarkFailed(rec.IdempotencyKey, "bad payload"))

	require.NoError(t, q.RetryFailed(rec.IdempotencyKey))

	got, err := q.Get(rec.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusPending, got.Status)

	// Only failed records can be reset this way.
	err = q.RetryFailed(rec.IdempotencyKey)
	require.Error(t, err)
}

func TestRecover(t *testing.T) {
	q := setupQueue(t)

	a, _ := q.Enqueue("sale", json.RawMessage(`{}`))
	b, _ := q.Enqueue("sale", json.RawMessage(`{}`))
	require.NoError(t, q.MarkInFlight(a.IdempotencyKey))

	n, err := q.Recover()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, _ := q.Get(a.IdempotencyKey)
	assert.Equal(t, models.RecordStatusPending, got.Status)
	got, _ = q.Get(b.IdempotencyKey)
	assert.Equal(t, models.RecordStatusPending, got.Status)
}

func TestPendingCount(t *testing.T) {
	q := setupQueue(t)

	count, err := q.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, count)

	q.Enqueue("sale", json.RawMessage(`{}`))
	q.Enqueue("transfer_send", json.RawMessage(`{}`))

	count, err = q.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
