package transfer

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shopstack/possync/internal/db"
	apperrors "github.com/shopstack/possync/internal/errors"
	"github.com/shopstack/possync/internal/models"
)

func setupMachine(t *testing.T, tolerance float64) *Machine {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.NewMigrator(database.DB).Up())
	return NewMachine(database.DB, tolerance, zap.NewNop())
}

func seedStock(t *testing.T, m *Machine, productID, location string, qty int64) {
	t.Helper()
	_, err := m.db.Exec(`
		INSERT INTO stock_levels (product_id, location, quantity, updated_at)
		VALUES (?, ?, ?, ?)`, productID, location, qty, time.Now().Unix())
	require.NoError(t, err)
}

// sentTransfer creates and sends the two-line transfer used throughout:
// ProductA sent=10, ProductB sent=5, warehouse to shop.
func sentTransfer(t *testing.T, m *Machine) *models.Transfer {
	t.Helper()
	seedStock(t, m, "prodA", "warehouse", 100)
	seedStock(t, m, "prodB", "warehouse", 100)

	tr, err := m.Create("warehouse", "shop", "", []LineInput{
		{ProductID: "prodA", Quantity: 10},
		{ProductID: "prodB", Quantity: 5},
	})
	require.NoError(t, err)
	tr, err = m.Send(tr.ID)
	require.NoError(t, err)
	return tr
}

func stockAtOrFail(t *testing.T, m *Machine, productID, location string) int64 {
	t.Helper()
	qty, err := m.StockAt(productID, location)
	require.NoError(t, err)
	return qty
}

func TestCreate(t *testing.T) {
	m := setupMachine(t, 0)

	tr, err := m.Create("warehouse", "shop", "weekly restock", []LineInput{
		{ProductID: "prodA", Quantity: 10},
	})
	require.NoError(t, err)

	assert.Equal(t, models.TransferStatusDraft, tr.Status)
	assert.Equal(t, "TRF000001", tr.TransferNumber)
	require.Len(t, tr.Lines, 1)
	assert.Equal(t, int64(10), tr.Lines[0].QuantitySent)

	// Numbers are sequential.
	second, err := m.Create("warehouse", "shop", "", []LineInput{{ProductID: "prodB", Quantity: 1}})
	require.NoError(t, err)
	assert.Equal(t, "TRF000002", second.TransferNumber)
}

func TestCreate_validation(t *testing.T) {
	m := setupMachine(t, 0)

	cases := []struct {
		name   string
		source string
		dest   string
		lines  []LineInput
	}{
		{"same locations", "shop", "shop", []LineInput{{ProductID: "p", Quantity: 1}}},
		{"no lines", "warehouse", "shop", nil},
		{"zero quantity", "warehouse", "shop", []LineInput{{ProductID: "p", Quantity: 0}}},
		{"duplicate product", "warehouse", "shop", []LineInput{
			{ProductID: "p", Quantity: 1}, {ProductID: "p", Quantity: 2},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Create(tc.source, tc.dest, "", tc.lines)
			require.Error(t, err)
			assert.Equal(t, apperrors.ErrValidation, apperrors.Code(err))
		})
	}
}

func TestUpdateDraft(t *testing.T) {
	m := setupMachine(t, 0)
	tr, err := m.Create("warehouse", "shop", "", []LineInput{{ProductID: "prodA", Quantity: 10}})
	require.NoError(t, err)

	tr, err = m.UpdateDraft(tr.ID, []LineInput{
		{ProductID: "prodA", Quantity: 4},
		{ProductID: "prodB", Quantity: 2},
	})
	require.NoError(t, err)
	require.Len(t, tr.Lines, 2)
	assert.Equal(t, int64(4), tr.Lines[0].QuantitySent)
}

func TestUpdateDraft_afterSendConflicts(t *testing.T) {
	m := setupMachine(t, 0)
	tr := sentTransfer(t, m)

	_, err := m.UpdateDraft(tr.ID, []LineInput{{ProductID: "prodA", Quantity: 1}})
	require.Error(t, err)
	assert.True(t, apperrors.IsStateConflict(err))
}

func TestSend_debitsSourceStock(t *testing.T) {
	m := setupMachine(t, 0)
	tr := sentTransfer(t, m)

	assert.Equal(t, models.TransferStatusSent, tr.Status)
	assert.NotZero(t, tr.SentAt)

	// Source loses exactly the sent sum; destination gains nothing yet.
	assert.Equal(t, int64(90), stockAtOrFail(t, m, "prodA", "warehouse"))
	assert.Equal(t, int64(95), stockAtOrFail(t, m, "prodB", "warehouse"))
	assert.Equal(t, int64(0), stockAtOrFail(t, m, "prodA", "shop"))

	var entries int
	require.NoError(t, m.db.QueryRow(`
		SELECT COUNT(*) FROM inventory_ledger
		WHERE reference_id = ? AND entry_type = ?`, tr.ID, models.LedgerTransferOut).Scan(&entries))
	assert.Equal(t, 2, entries)
}

func TestSend_insufficientStock(t *testing.T) {
	m := setupMachine(t, 0)
	seedStock(t, m, "prodA", "warehouse", 3)

	tr, err := m.Create("warehouse", "shop", "", []LineInput{{ProductID: "prodA", Quantity: 10}})
	require.NoError(t, err)

	_, err = m.Send(tr.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrInsufficientStock, apperrors.Code(err))

	// Nothing moved.
	got, _ := m.Get(tr.ID)
	assert.Equal(t, models.TransferStatusDraft, got.Status)
	assert.Equal(t, int64(3), stockAtOrFail(t, m, "prodA", "warehouse"))
}

func TestSend_twiceConflicts(t *testing.T) {
	m := setupMachine(t, 0)
	tr := sentTransfer(t, m)

	_, err := m.Send(tr.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsStateConflict(err))
}

func TestSend_hookFailureRollsBack(t *testing.T) {
	m := setupMachine(t, 0)
	seedStock(t, m, "prodA", "warehouse", 100)
	tr, err := m.Create("warehouse", "shop", "", []LineInput{{ProductID: "prodA", Quantity: 10}})
	require.NoError(t, err)

	_, err = m.Send(tr.ID, func(tx *sql.Tx) error {
		return errors.New("bookkeeping failed")
	})
	require.Error(t, err)

	// Hook failure rolls the whole transition back: still a draft, stock untouched.
	got, err := m.Get(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransferStatusDraft, got.Status)
	assert.Equal(t, int64(100), stockAtOrFail(t, m, "prodA", "warehouse"))

	// A clean retry still goes through.
	_, err = m.Send(tr.ID)
	require.NoError(t, err)
}

func TestReceive_hookFailureRollsBack(t *testing.T) {
	m := setupMachine(t, 0)
	tr := sentTransfer(t, m)

	_, err := m.Receive(tr.ID, []ReceiptLine{
		{ProductID: "prodA", Quantity: 10},
		{ProductID: "prodB", Quantity: 5},
	}, func(tx *sql.Tx) error {
		return errors.New("bookkeeping failed")
	})
	require.Error(t, err)

	got, err := m.Get(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransferStatusSent, got.Status)
	assert.Zero(t, stockAtOrFail(t, m, "prodA", "shop"))
}

func TestReceive_allMatch(t *testing.T) {
	m := setupMachine(t, 0)
	tr := sentTransfer(t, m)

	got, err := m.Receive(tr.ID, []ReceiptLine{
		{ProductID: "prodA", Quantity: 10},
		{ProductID: "prodB", Quantity: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TransferStatusReceived, got.Status)
	assert.NotZero(t, got.ReceivedAt)

	assert.Equal(t, int64(10), stockAtOrFail(t, m, "prodA", "shop"))
	assert.Equal(t, int64(5), stockAtOrFail(t, m, "prodB", "shop"))
}

func TestReceive_underReceivedIsPartial(t *testing.T) {
	m := setupMachine(t, 0)
	tr := sentTransfer(t, m)

	got, err := m.Receive(tr.ID, []ReceiptLine{
		{ProductID: "prodA", Quantity: 8},
		{ProductID: "prodB", Quantity: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TransferStatusPartial, got.Status)
	assert.Equal(t, int64(2), got.Lines[0].Discrepancy())

	// Destination is credited with what arrived, not what was sent. The two
	// missing units are on neither book until resolution.
	assert.Equal(t, int64(8), stockAtOrFail(t, m, "prodA", "shop"))
	assert.Equal(t, int64(90), stockAtOrFail(t, m, "prodA", "warehouse"))
}

func TestReceive_overReceivedIsDisputed(t *testing.T) {
	m := setupMachine(t, 0)
	tr := sentTransfer(t, m)

	got, err := m.Receive(tr.ID, []ReceiptLine{
		{ProductID: "prodA", Quantity: 10},
		{ProductID: "prodB", Quantity: 7},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TransferStatusDisputed, got.Status)

	// Credited with the counted quantities even while disputed.
	assert.Equal(t, int64(10), stockAtOrFail(t, m, "prodA", "shop"))
	assert.Equal(t, int64(7), stockAtOrFail(t, m, "prodB", "shop"))
}

func TestReceive_mixedIsDisputed(t *testing.T) {
	m := setupMachine(t, 0)
	tr := sentTransfer(t, m)

	got, err := m.Receive(tr.ID, []ReceiptLine{
		{ProductID: "prodA", Quantity: 8},
		{ProductID: "prodB", Quantity: 7},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TransferStatusDisputed, got.Status)
}

func TestReceive_toleranceBand(t *testing.T) {
	// A shortfall of up to 25% of the sent quantity is tolerated.
	m := setupMachine(t, 0.25)
	tr := sentTransfer(t, m)

	got, err := m.Receive(tr.ID, []ReceiptLine{
		{ProductID: "prodA", Quantity: 8}, // short 2 of 10 = 20%, inside band
		{ProductID: "prodB", Quantity: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TransferStatusReceived, got.Status)
}

func TestReceive_toleranceNeverCoversOverReceipt(t *testing.T) {
	m := setupMachine(t, 0.5)
	tr := sentTransfer(t, m)

	got, err := m.Receive(tr.ID, []ReceiptLine{
		{ProductID: "prodA", Quantity: 11},
		{ProductID: "prodB", Quantity: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TransferStatusDisputed, got.Status)
}

func TestReceive_onDraftConflicts(t *testing.T) {
	m := setupMachine(t, 0)
	tr, err := m.Create("warehouse", "shop", "", []LineInput{{ProductID: "prodA", Quantity: 1}})
	require.NoError(t, err)

	_, err = m.Receive(tr.ID, []ReceiptLine{{ProductID: "prodA", Quantity: 1}})
	require.Error(t, err)
	assert.True(t, apperrors.IsStateConflict(err))
}

func TestReceive_twiceConflicts(t *testing.T) {
	m := setupMachine(t, 0)
	tr := sentTransfer(t, m)

	receipts := []ReceiptLine{
		{ProductID: "prodA", Quantity: 10},
		{ProductID: "prodB", Quantity: 5},
	}
	_, err := m.Receive(tr.ID, receipts)
	require.NoError(t, err)

	// The second count must lose, and stock must not double.
	_, err = m.Receive(tr.ID, receipts)
	require.Error(t, err)
	assert.True(t, apperrors.IsStateConflict(err))
	assert.Equal(t, int64(10), stockAtOrFail(t, m, "prodA", "shop"))
}

func TestReceive_incompleteCount(t *testing.T) {
	m := setupMachine(t, 0)
	tr := sentTransfer(t, m)

	_, err := m.Receive(tr.ID, []ReceiptLine{{ProductID: "prodA", Quantity: 10}})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrValidation, apperrors.Code(err))
}

func TestResolve(t *testing.T) {
	m := setupMachine(t, 0)
	tr := sentTransfer(t, m)
	_, err := m.Receive(tr.ID, []ReceiptLine{
		{ProductID: "prodA", Quantity: 8},
		{ProductID: "prodB", Quantity: 5},
	})
	require.NoError(t, err)

	// Investigation found the two units still at the warehouse.
	got, err := m.Resolve(tr.ID, "left on the loading dock", []Resolution{
		{ProductID: "prodA", SourceRestock: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TransferStatusClosed, got.Status)
	assert.Equal(t, "left on the loading dock", got.ResolutionNotes)
	assert.NotZero(t, got.ClosedAt)

	assert.Equal(t, int64(92), stockAtOrFail(t, m, "prodA", "warehouse"))
	assert.Equal(t, int64(8), stockAtOrFail(t, m, "prodA", "shop"))

	var adjustments int
	require.NoError(t, m.db.QueryRow(`
		SELECT COUNT(*) FROM inventory_ledger
		WHERE reference_id = ? AND entry_type = ?`, tr.ID, models.LedgerAdjustment).Scan(&adjustments))
	assert.Equal(t, 1, adjustments)
}

func TestResolve_requiresNotes(t *testing.T) {
	m := setupMachine(t, 0)
	tr := sentTransfer(t, m)
	_, err := m.Receive(tr.ID, []ReceiptLine{
		{ProductID: "prodA", Quantity: 8},
		{ProductID: "prodB", Quantity: 5},
	})
	require.NoError(t, err)

	_, err = m.Resolve(tr.ID, "", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrValidation, apperrors.Code(err))
}

func TestResolve_onCleanReceiptConflicts(t *testing.T) {
	m := setupMachine(t, 0)
	tr := sentTransfer(t, m)
	_, err := m.Receive(tr.ID, []ReceiptLine{
		{ProductID: "prodA", Quantity: 10},
		{ProductID: "prodB", Quantity: 5},
	})
	require.NoError(t, err)

	_, err = m.Resolve(tr.ID, "nothing to resolve", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsStateConflict(err))
}

func TestCancel_draft(t *testing.T) {
	m := setupMachine(t, 0)
	tr, err := m.Create("warehouse", "shop", "", []LineInput{{ProductID: "prodA", Quantity: 1}})
	require.NoError(t, err)

	got, err := m.Cancel(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransferStatusCancelled, got.Status)
}

func TestCancel_sentRestocksSource(t *testing.T) {
	m := setupMachine(t, 0)
	tr := sentTransfer(t, m)
	require.Equal(t, int64(90), stockAtOrFail(t, m, "prodA", "warehouse"))

	got, err := m.Cancel(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransferStatusCancelled, got.Status)
	assert.Equal(t, int64(100), stockAtOrFail(t, m, "prodA", "warehouse"))
	assert.Equal(t, int64(100), stockAtOrFail(t, m, "prodB", "warehouse"))
}

func TestCancel_afterReceiptConflicts(t *testing.T) {
	m := setupMachine(t, 0)
	tr := sentTransfer(t, m)
	_, err := m.Receive(tr.ID, []ReceiptLine{
		{ProductID: "prodA", Quantity: 8},
		{ProductID: "prodB", Quantity: 5},
	})
	require.NoError(t, err)

	_, err = m.Cancel(tr.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsStateConflict(err))
}

func TestGet_notFound(t *testing.T) {
	m := setupMachine(t, 0)
	_, err := m.Get("nope")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrTransferNotFound, apperrors.Code(err))
}

func TestList(t *testing.T) {
	m := setupMachine(t, 0)
	sentTransfer(t, m)
	_, err := m.Create("warehouse", "shop", "", []LineInput{{ProductID: "prodC", Quantity: 1}})
	require.NoError(t, err)

	all, err := m.List("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	drafts, err := m.List(models.TransferStatusDraft)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, models.TransferStatusDraft, drafts[0].Status)
}
