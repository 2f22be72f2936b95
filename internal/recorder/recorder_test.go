package recorder

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shopstack/possync/internal/connectivity"
	"github.com/shopstack/possync/internal/db"
	apperrors "github.com/shopstack/possync/internal/errors"
	"github.com/shopstack/possync/internal/models"
	"github.com/shopstack/possync/internal/queue"
	"github.com/shopstack/possync/internal/transport"
)

// fakeSubmitter scripts the direct-delivery outcome and records every
// attempted key.
type fakeSubmitter struct {
	attempts []models.UUID
	status   transport.SubmitStatus
	err      error
}

func (f *fakeSubmitter) Submit(_ context.Context, rec *models.PendingRecord) (transport.SubmitStatus, error) {
	f.attempts = append(f.attempts, rec.IdempotencyKey)
	if f.err != nil {
		return "", f.err
	}
	return f.status, nil
}

type fakeTrigger struct{ calls int }

func (f *fakeTrigger) TriggerSync() { f.calls++ }

func setupRecorder(t *testing.T, sub *fakeSubmitter) (*Recorder, *queue.Queue, *fakeTrigger, *connectivity.Monitor) {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.NewMigrator(database.DB).Up())

	repo := db.NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })

	q := queue.New(repo, "till-1", zap.NewNop())
	monitor := connectivity.NewMonitor(
		func(context.Context) bool { return false }, time.Minute, 0, zap.NewNop())
	trigger := &fakeTrigger{}
	return New(q, sub, monitor, trigger, zap.NewNop()), q, trigger, monitor
}

func goOnline(t *testing.T, m *connectivity.Monitor) {
	t.Helper()
	m.Observe(true)
	require.Eventually(t, m.IsReachable, time.Second, 5*time.Millisecond)
}

func TestRecord_onlineConfirms(t *testing.T) {
	sub := &fakeSubmitter{status: transport.StatusAccepted}
	r, q, trigger, monitor := setupRecorder(t, sub)
	goOnline(t, monitor)

	outcome, err := r.Record(context.Background(), "sale", json.RawMessage(`{"total":1500}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, outcome)
	assert.Len(t, sub.attempts, 1)

	// A confirmed record never reaches durable storage.
	count, err := q.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, trigger.calls)
}

func TestRecord_onlineReplayConfirms(t *testing.T) {
	sub := &fakeSubmitter{status: transport.StatusExists}
	r, _, _, monitor := setupRecorder(t, sub)
	goOnline(t, monitor)

	outcome, err := r.Record(context.Background(), "sale", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, outcome)
}

func TestRecord_offlineQueuesWithoutAttempt(t *testing.T) {
	sub := &fakeSubmitter{status: transport.StatusAccepted}
	r, q, trigger, _ := setupRecorder(t, sub)

	outcome, err := r.Record(context.Background(), "sale", json.RawMessage(`{"total":900}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)
	assert.Empty(t, sub.attempts, "no direct attempt while unreachable")
	assert.Equal(t, 1, trigger.calls)

	pending, err := q.List(models.RecordStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "sale", pending[0].EntityType)
}

func TestRecord_transientFailureQueuesSameKey(t *testing.T) {
	sub := &fakeSubmitter{err: apperrors.New(apperrors.ErrTransient, "connection reset")}
	r, q, trigger, monitor := setupRecorder(t, sub)
	goOnline(t, monitor)

	outcome, err := r.Record(context.Background(), "sale", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)
	assert.Equal(t, 1, trigger.calls)

	// The queued record carries the key the wire already saw, so if the
	// attempt actually landed, the retry resolves to exists.
	require.Len(t, sub.attempts, 1)
	pending, err := q.List(models.RecordStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, sub.attempts[0], pending[0].IdempotencyKey)
}

func TestRecord_permanentRejectionSurfaces(t *testing.T) {
	sub := &fakeSubmitter{err: apperrors.New(apperrors.ErrPermanent, "unknown product")}
	r, q, trigger, monitor := setupRecorder(t, sub)
	goOnline(t, monitor)

	_, err := r.Record(context.Background(), "sale", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsPermanent(err))

	// Garbage is not queued for a retry that cannot succeed.
	count, qerr := q.PendingCount()
	require.NoError(t, qerr)
	assert.Zero(t, count)
	assert.Zero(t, trigger.calls)
}
