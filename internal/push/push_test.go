package push

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shopstack/possync/internal/db"
	apperrors "github.com/shopstack/possync/internal/errors"
	"github.com/shopstack/possync/internal/models"
	"github.com/shopstack/possync/internal/queue"
	"github.com/shopstack/possync/internal/transport"
)

// fakeAuthority scripts per-key verdicts and records submission order.
// batchErr, when set, fails whole batch calls before any record is seen.
type fakeAuthority struct {
	verdicts map[models.UUID]func() (transport.SubmitStatus, error)
	order    []models.UUID
	batchErr error
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{verdicts: make(map[models.UUID]func() (transport.SubmitStatus, error))}
}

func (f *fakeAuthority) accept(key models.UUID) {
	f.verdicts[key] = func() (transport.SubmitStatus, error) { return transport.StatusAccepted, nil }
}

func (f *fakeAuthority) fail(key models.UUID, err error) {
	f.verdicts[key] = func() (transport.SubmitStatus, error) { return "", err }
}

func (f *fakeAuthority) Submit(_ context.Context, rec *models.PendingRecord) (transport.SubmitStatus, error) {
	f.order = append(f.order, rec.IdempotencyKey)
	v, ok := f.verdicts[rec.IdempotencyKey]
	if !ok {
		return transport.StatusAccepted, nil
	}
	return v()
}

func (f *fakeAuthority) SyncBatch(ctx context.Context, _ string, recs []*models.PendingRecord) ([]transport.BatchResult, error) {
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	results := make([]transport.BatchResult, 0, len(recs))
	for _, rec := range recs {
		status, err := f.Submit(ctx, rec)
		if err != nil {
			if apperrors.IsTransient(err) {
				return nil, err
			}
			results = append(results, transport.BatchResult{
				IdempotencyKey: rec.IdempotencyKey,
				Status:         transport.StatusRejected,
				Error:          err.Error(),
			})
			continue
		}
		results = append(results, transport.BatchResult{IdempotencyKey: rec.IdempotencyKey, Status: status})
	}
	return results, nil
}

func setupPipeline(t *testing.T, auth *fakeAuthority, batchSize int) (*Pipeline, *queue.Queue) {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.NewMigrator(database.DB).Up())

	repo := db.NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })

	q := queue.New(repo, "till-1", zap.NewNop())
	return New(q, auth, "till-1", batchSize, zap.NewNop()), q
}

func enqueue(t *testing.T, q *queue.Queue, n int) []models.UUID {
	t.Helper()
	keys := make([]models.UUID, 0, n)
	for i := 0; i < n; i++ {
		rec, err := q.Enqueue("sale", json.RawMessage(`{}`))
		require.NoError(t, err)
		keys = append(keys, rec.IdempotencyKey)
	}
	return keys
}

func TestRun_emptyQueue(t *testing.T) {
	p, _ := setupPipeline(t, newFakeAuthority(), 1)
	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Synced)
}

func TestRun_drainsOldestFirst(t *testing.T) {
	auth := newFakeAuthority()
	p, q := setupPipeline(t, auth, 1)
	keys := enqueue(t, q, 3)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Synced)
	assert.Equal(t, keys, auth.order)

	count, _ := q.PendingCount()
	assert.Zero(t, count)
}

func TestRun_existsCountsAsSynced(t *testing.T) {
	auth := newFakeAuthority()
	p, q := setupPipeline(t, auth, 1)
	keys := enqueue(t, q, 1)
	auth.verdicts[keys[0]] = func() (transport.SubmitStatus, error) {
		return transport.StatusExists, nil
	}

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)

	_, err = q.Get(keys[0])
	assert.Error(t, err, "replayed record should still be removed")
}

func TestRun_permanentRejectionContinues(t *testing.T) {
	auth := newFakeAuthority()
	p, q := setupPipeline(t, auth, 1)
	keys := enqueue(t, q, 3)
	auth.fail(keys[1], apperrors.New(apperrors.ErrPermanent, "unknown product"))

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.Aborted)

	// The rejected record is parked, not retried.
	got, err := q.Get(keys[1])
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusFailed, got.Status)
	assert.Contains(t, got.LastError, "unknown product")
}

func TestRun_transientFailureAborts(t *testing.T) {
	auth := newFakeAuthority()
	p, q := setupPipeline(t, auth, 1)
	keys := enqueue(t, q, 3)
	auth.fail(keys[1], apperrors.New(apperrors.ErrTransient, "authority unavailable"))

	res, err := p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	assert.True(t, res.Aborted)
	assert.Equal(t, 1, res.Synced)

	// Failed record back to pending with the attempt counted.
	got, err := q.Get(keys[1])
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)

	// The record behind it was never attempted.
	got, err = q.Get(keys[2])
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusPending, got.Status)
	assert.Zero(t, got.AttemptCount)
	assert.Len(t, auth.order, 2)
}

func TestRun_retrySucceedsNextCycle(t *testing.T) {
	auth := newFakeAuthority()
	p, q := setupPipeline(t, auth, 1)
	keys := enqueue(t, q, 1)
	auth.fail(keys[0], apperrors.New(apperrors.ErrTransient, "timeout"))

	_, err := p.Run(context.Background())
	require.Error(t, err)

	auth.accept(keys[0])
	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
}

func TestRun_batchMode(t *testing.T) {
	auth := newFakeAuthority()
	p, q := setupPipeline(t, auth, 2)
	keys := enqueue(t, q, 5)
	auth.fail(keys[2], apperrors.New(apperrors.ErrPermanent, "bad payload"))

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Synced)
	assert.Equal(t, 1, res.Failed)

	got, err := q.Get(keys[2])
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusFailed, got.Status)
}

func TestRun_batchPermanentFailureParksChunk(t *testing.T) {
	auth := newFakeAuthority()
	auth.batchErr = apperrors.New(apperrors.ErrPermanent, "request rejected (HTTP 400)")
	p, q := setupPipeline(t, auth, 3)
	keys := enqueue(t, q, 3)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Aborted)
	assert.Equal(t, 3, res.Failed)

	// The chunk parks for the operator instead of retrying forever.
	for _, key := range keys {
		got, err := q.Get(key)
		require.NoError(t, err)
		assert.Equal(t, models.RecordStatusFailed, got.Status)
		assert.Contains(t, got.LastError, "HTTP 400")
	}

	// The next cycle finds nothing left to push.
	res, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Synced)
	assert.Zero(t, res.Failed)
}

func TestRun_batchTransientRearmsWholeChunk(t *testing.T) {
	auth := newFakeAuthority()
	p, q := setupPipeline(t, auth, 3)
	keys := enqueue(t, q, 3)
	auth.fail(keys[0], apperrors.New(apperrors.ErrTransient, "connection reset"))

	res, err := p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, res.Aborted)

	for _, key := range keys {
		got, err := q.Get(key)
		require.NoError(t, err)
		assert.Equal(t, models.RecordStatusPending, got.Status)
	}
}
