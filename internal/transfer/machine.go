// Package transfer implements the authority-side lifecycle of cross-location
// stock movements. Every transition runs in one database transaction with a
// status-guarded update, so of two racing callers exactly one wins and the
// other gets a state conflict instead of a silent double apply.
package transfer

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/shopstack/possync/internal/errors"
	"github.com/shopstack/possync/internal/models"
	"github.com/shopstack/possync/internal/uuid"
)

// LineInput is one product quantity when creating or editing a draft.
type LineInput struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// ReceiptLine is the counted quantity for one product at receive time.
type ReceiptLine struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// Resolution is the agreed stock correction for one discrepant line.
// SourceRestock returns goods that never left the source; DestAdjust corrects
// the destination count after investigation. Both may be zero for a pure
// write-off.
type Resolution struct {
	ProductID     string `json:"product_id"`
	SourceRestock int64  `json:"source_restock"`
	DestAdjust    int64  `json:"dest_adjust"`
}

// TxHook runs inside a transition's transaction, before commit. Hook failure
// rolls the whole transition back. The authority uses this to record the
// idempotency key atomically with the transition it covers.
type TxHook func(tx *sql.Tx) error

// Machine owns transfer state transitions and their stock side effects.
// tolerance is the fraction of quantity_sent by which a shortfall is
// tolerated before a line counts as discrepant; zero means exact match only.
// Over-receipt is never tolerated.
type Machine struct {
	db        *sql.DB
	tolerance float64
	logger    *zap.Logger
}

// NewMachine creates a Machine over the authority database.
func NewMachine(db *sql.DB, tolerance float64, logger *zap.Logger) *Machine {
	return &Machine{db: db, tolerance: tolerance, logger: logger}
}

// Create opens a new transfer in draft. Lines stay editable until Send.
func (m *Machine) Create(source, dest, notes string, lines []LineInput) (*models.Transfer, error) {
	if source == "" || dest == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "source and destination locations are required")
	}
	if source == dest {
		return nil, apperrors.New(apperrors.ErrValidation, "source and destination must differ")
	}
	if err := validateLines(lines); err != nil {
		return nil, err
	}

	tx, err := m.db.Begin()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	number, err := nextTransferNumber(tx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to allocate transfer number", err)
	}

	t := &models.Transfer{
		ID:             models.UUID(uuid.New()),
		TransferNumber: number,
		SourceLocation: source,
		DestLocation:   dest,
		Status:         models.TransferStatusDraft,
		Notes:          notes,
		CreatedAt:      time.Now().Unix(),
	}

	if _, err := tx.Exec(`
		INSERT INTO transfers (id, transfer_number, source_location, dest_location, status, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TransferNumber, t.SourceLocation, t.DestLocation, t.Status, t.Notes, t.CreatedAt); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to create transfer", err)
	}

	t.Lines, err = insertLines(tx, t.ID, lines)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit transfer", err)
	}

	m.logger.Info("transfer created",
		zap.String("transfer_id", t.ID.String()),
		zap.String("transfer_number", t.TransferNumber),
		zap.String("source", source), zap.String("dest", dest))
	return t, nil
}

// UpdateDraft replaces the line set of a draft transfer.
func (m *Machine) UpdateDraft(id models.UUID, lines []LineInput) (*models.Transfer, error) {
	if err := validateLines(lines); err != nil {
		return nil, err
	}

	tx, err := m.db.Begin()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := m.guardStatus(tx, id, "edit", models.TransferStatusDraft); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`DELETE FROM transfer_lines WHERE transfer_id = ?`, id); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to clear draft lines", err)
	}
	if _, err := insertLines(tx, id, lines); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit draft update", err)
	}
	return m.Get(id)
}

// Send moves a draft to sent. All quantity_sent values freeze here, and the
// sent quantity leaves source stock immediately: goods on a van belong to
// neither shelf.
func (m *Machine) Send(id models.UUID, hooks ...TxHook) (*models.Transfer, error) {
	tx, err := m.db.Begin()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	t, err := getTransferTx(tx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TransferStatusDraft {
		return nil, stateConflict(id, "send", t.Status)
	}
	if len(t.Lines) == 0 {
		return nil, apperrors.New(apperrors.ErrValidation, "cannot send a transfer with no lines")
	}

	for _, line := range t.Lines {
		available, err := stockAt(tx, line.ProductID, t.SourceLocation)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read stock", err)
		}
		if available < line.QuantitySent {
			return nil, apperrors.New(apperrors.ErrInsufficientStock,
				fmt.Sprintf("product %s has %d at %s, transfer needs %d",
					line.ProductID, available, t.SourceLocation, line.QuantitySent))
		}
	}

	now := time.Now().Unix()
	res, err := tx.Exec(`
		UPDATE transfers SET status = ?, sent_at = ?
		WHERE id = ? AND status = ?`,
		models.TransferStatusSent, now, id, models.TransferStatusDraft)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to mark transfer sent", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, stateConflict(id, "send", t.Status)
	}

	for _, line := range t.Lines {
		if err := moveStock(tx, line.ProductID, t.SourceLocation, -line.QuantitySent,
			models.LedgerTransferOut, id, "", now); err != nil {
			return nil, err
		}
	}

	for _, hook := range hooks {
		if err := hook(tx); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit send", err)
	}

	m.logger.Info("transfer sent",
		zap.String("transfer_id", id.String()),
		zap.String("transfer_number", t.TransferNumber))
	return m.Get(id)
}

// Receive records counted quantities, exactly once, and settles the aggregate
// status. Destination stock is credited with what was counted, never with
// what was sent; any gap stays off both books until Resolve explains it.
func (m *Machine) Receive(id models.UUID, receipts []ReceiptLine, hooks ...TxHook) (*models.Transfer, error) {
	tx, err := m.db.Begin()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	t, err := getTransferTx(tx, id)
	if err != nil {
		return nil, err
	}
	if !t.Status.Receivable() {
		return nil, stateConflict(id, "receive", t.Status)
	}

	counted, err := matchReceipts(t.Lines, receipts)
	if err != nil {
		return nil, err
	}

	status := m.classify(t.Lines, counted)
	now := time.Now().Unix()

	// The guarded update is the serialization point: a second concurrent
	// receive finds zero rows and loses.
	res, err := tx.Exec(`
		UPDATE transfers SET status = ?, received_at = ?
		WHERE id = ? AND status = ?`,
		status, now, id, models.TransferStatusSent)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to mark transfer received", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, stateConflict(id, "receive", t.Status)
	}

	for _, line := range t.Lines {
		received := counted[line.ProductID]
		if _, err := tx.Exec(`
			UPDATE transfer_lines SET quantity_received = ?
			WHERE id = ?`, received, line.ID); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to record received quantity", err)
		}
		if received > 0 {
			if err := moveStock(tx, line.ProductID, t.DestLocation, received,
				models.LedgerTransferIn, id, "", now); err != nil {
				return nil, err
			}
		}
	}

	for _, hook := range hooks {
		if err := hook(tx); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit receive", err)
	}

	m.logger.Info("transfer received",
		zap.String("transfer_id", id.String()),
		zap.String("status", string(status)))
	return m.Get(id)
}

// Resolve closes a partial or disputed transfer with notes and the agreed
// stock corrections. Corrections post as explicit ledger adjustments; stock
// never changes silently.
func (m *Machine) Resolve(id models.UUID, notes string, resolutions []Resolution) (*models.Transfer, error) {
	if notes == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "resolution notes are required")
	}

	tx, err := m.db.Begin()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	t, err := getTransferTx(tx, id)
	if err != nil {
		return nil, err
	}
	if !t.Status.Resolvable() {
		return nil, stateConflict(id, "resolve", t.Status)
	}

	byProduct := make(map[string]bool, len(t.Lines))
	for _, line := range t.Lines {
		byProduct[line.ProductID] = true
	}
	for _, r := range resolutions {
		if !byProduct[r.ProductID] {
			return nil, apperrors.New(apperrors.ErrValidation,
				fmt.Sprintf("product %s is not on transfer %s", r.ProductID, t.TransferNumber))
		}
	}

	now := time.Now().Unix()
	res, err := tx.Exec(`
		UPDATE transfers SET status = ?, resolution_notes = ?, closed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		models.TransferStatusClosed, notes, now, id,
		models.TransferStatusPartial, models.TransferStatusDisputed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to close transfer", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, stateConflict(id, "resolve", t.Status)
	}

	for _, r := range resolutions {
		if r.SourceRestock != 0 {
			if err := moveStock(tx, r.ProductID, t.SourceLocation, r.SourceRestock,
				models.LedgerAdjustment, id, notes, now); err != nil {
				return nil, err
			}
		}
		if r.DestAdjust != 0 {
			if err := moveStock(tx, r.ProductID, t.DestLocation, r.DestAdjust,
				models.LedgerAdjustment, id, notes, now); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit resolution", err)
	}

	m.logger.Info("transfer resolved", zap.String("transfer_id", id.String()))
	return m.Get(id)
}

// Cancel voids a transfer before any receipt. Cancelling after Send returns
// the sent quantities to source stock.
func (m *Machine) Cancel(id models.UUID) (*models.Transfer, error) {
	tx, err := m.db.Begin()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	t, err := getTransferTx(tx, id)
	if err != nil {
		return nil, err
	}
	if !t.Status.Cancellable() {
		return nil, stateConflict(id, "cancel", t.Status)
	}

	now := time.Now().Unix()
	res, err := tx.Exec(`
		UPDATE transfers SET status = ?, closed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		models.TransferStatusCancelled, now, id,
		models.TransferStatusDraft, models.TransferStatusSent)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to cancel transfer", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, stateConflict(id, "cancel", t.Status)
	}

	if t.Status == models.TransferStatusSent {
		for _, line := range t.Lines {
			if err := moveStock(tx, line.ProductID, t.SourceLocation, line.QuantitySent,
				models.LedgerAdjustment, id, "transfer cancelled", now); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit cancel", err)
	}

	m.logger.Info("transfer cancelled", zap.String("transfer_id", id.String()))
	return m.Get(id)
}

// Get loads a transfer with its lines.
func (m *Machine) Get(id models.UUID) (*models.Transfer, error) {
	tx, err := m.db.Begin()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()
	return getTransferTx(tx, id)
}

// List returns transfers newest first, optionally filtered by status.
func (m *Machine) List(status models.TransferStatus) ([]*models.Transfer, error) {
	query := `
	SELECT id, transfer_number, source_location, dest_location, status, notes,
	       resolution_notes, created_at, sent_at, received_at, closed_at
	FROM transfers`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, transfer_number DESC`

	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list transfers", err)
	}
	defer rows.Close()

	var transfers []*models.Transfer
	for rows.Next() {
		var t models.Transfer
		if err := rows.Scan(&t.ID, &t.TransferNumber, &t.SourceLocation, &t.DestLocation,
			&t.Status, &t.Notes, &t.ResolutionNotes,
			&t.CreatedAt, &t.SentAt, &t.ReceivedAt, &t.ClosedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan transfer", err)
		}
		transfers = append(transfers, &t)
	}
	return transfers, rows.Err()
}

// StockAt returns the current stock level for a product at a location.
func (m *Machine) StockAt(productID, location string) (int64, error) {
	tx, err := m.db.Begin()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()
	return stockAt(tx, productID, location)
}

// classify settles the aggregate receipt status. Any over-receipt disputes
// the whole transfer; an untolerated shortfall makes it partial; otherwise
// everything arrived.
func (m *Machine) classify(lines []models.TransferLine, counted map[string]int64) models.TransferStatus {
	anyOver := false
	anyShort := false
	for _, line := range lines {
		received := counted[line.ProductID]
		switch {
		case received > line.QuantitySent:
			anyOver = true
		case received < line.QuantitySent:
			shortfall := line.QuantitySent - received
			if float64(shortfall) > m.tolerance*float64(line.QuantitySent) {
				anyShort = true
			}
		}
	}
	switch {
	case anyOver:
		return models.TransferStatusDisputed
	case anyShort:
		return models.TransferStatusPartial
	default:
		return models.TransferStatusReceived
	}
}

// matchReceipts validates that receipts cover every line exactly once.
func matchReceipts(lines []models.TransferLine, receipts []ReceiptLine) (map[string]int64, error) {
	counted := make(map[string]int64, len(receipts))
	for _, r := range receipts {
		if r.Quantity < 0 {
			return nil, apperrors.New(apperrors.ErrValidation,
				fmt.Sprintf("negative received quantity for product %s", r.ProductID))
		}
		if _, dup := counted[r.ProductID]; dup {
			return nil, apperrors.New(apperrors.ErrValidation,
				fmt.Sprintf("duplicate receipt line for product %s", r.ProductID))
		}
		counted[r.ProductID] = r.Quantity
	}

	byProduct := make(map[string]bool, len(lines))
	for _, line := range lines {
		byProduct[line.ProductID] = true
		if _, ok := counted[line.ProductID]; !ok {
			return nil, apperrors.New(apperrors.ErrValidation,
				fmt.Sprintf("missing receipt for product %s", line.ProductID))
		}
	}
	for productID := range counted {
		if !byProduct[productID] {
			return nil, apperrors.New(apperrors.ErrValidation,
				fmt.Sprintf("product %s is not on this transfer", productID))
		}
	}
	return counted, nil
}

func validateLines(lines []LineInput) error {
	if len(lines) == 0 {
		return apperrors.New(apperrors.ErrValidation, "a transfer needs at least one line")
	}
	seen := make(map[string]bool, len(lines))
	for _, line := range lines {
		if line.ProductID == "" {
			return apperrors.New(apperrors.ErrValidation, "line product is required")
		}
		if line.Quantity <= 0 {
			return apperrors.New(apperrors.ErrValidation,
				fmt.Sprintf("quantity for product %s must be positive", line.ProductID))
		}
		if seen[line.ProductID] {
			return apperrors.New(apperrors.ErrValidation,
				fmt.Sprintf("product %s appears on multiple lines", line.ProductID))
		}
		seen[line.ProductID] = true
	}
	return nil
}

func insertLines(tx *sql.Tx, transferID models.UUID, lines []LineInput) ([]models.TransferLine, error) {
	out := make([]models.TransferLine, 0, len(lines))
	for i, line := range lines {
		l := models.TransferLine{
			ID:           models.UUID(uuid.New()),
			TransferID:   transferID,
			ProductID:    line.ProductID,
			QuantitySent: line.Quantity,
			Position:     i,
		}
		if _, err := tx.Exec(`
			INSERT INTO transfer_lines (id, transfer_id, product_id, quantity_sent, quantity_received, position)
			VALUES (?, ?, ?, ?, 0, ?)`,
			l.ID, l.TransferID, l.ProductID, l.QuantitySent, l.Position); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to insert transfer line", err)
		}
		out = append(out, l)
	}
	return out, nil
}

func getTransferTx(tx *sql.Tx, id models.UUID) (*models.Transfer, error) {
	var t models.Transfer
	err := tx.QueryRow(`
		SELECT id, transfer_number, source_location, dest_location, status, notes,
		       resolution_notes, created_at, sent_at, received_at, closed_at
		FROM transfers WHERE id = ?`, id).Scan(
		&t.ID, &t.TransferNumber, &t.SourceLocation, &t.DestLocation,
		&t.Status, &t.Notes, &t.ResolutionNotes,
		&t.CreatedAt, &t.SentAt, &t.ReceivedAt, &t.ClosedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrTransferNotFound, fmt.Sprintf("transfer %s not found", id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load transfer", err)
	}

	rows, err := tx.Query(`
		SELECT id, transfer_id, product_id, quantity_sent, quantity_received, position
		FROM transfer_lines WHERE transfer_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load transfer lines", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l models.TransferLine
		if err := rows.Scan(&l.ID, &l.TransferID, &l.ProductID,
			&l.QuantitySent, &l.QuantityReceived, &l.Position); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan transfer line", err)
		}
		t.Lines = append(t.Lines, l)
	}
	return &t, rows.Err()
}

// guardStatus verifies the transfer is in the expected status.
func (m *Machine) guardStatus(tx *sql.Tx, id models.UUID, op string, want models.TransferStatus) error {
	var status models.TransferStatus
	err := tx.QueryRow(`SELECT status FROM transfers WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return apperrors.New(apperrors.ErrTransferNotFound, fmt.Sprintf("transfer %s not found", id))
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to load transfer status", err)
	}
	if status != want {
		return stateConflict(id, op, status)
	}
	return nil
}

func stateConflict(id models.UUID, op string, status models.TransferStatus) error {
	return apperrors.New(apperrors.ErrStateConflict,
		fmt.Sprintf("cannot %s transfer %s in status %s", op, id, status))
}

// moveStock applies a signed stock delta and records the matching ledger
// entry in the same transaction.
func moveStock(tx *sql.Tx, productID, location string, delta int64,
	entryType models.LedgerEntryType, transferID models.UUID, notes string, now int64) error {
	if _, err := tx.Exec(`
		INSERT INTO stock_levels (product_id, location, quantity, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(product_id, location) DO UPDATE SET
			quantity = quantity + excluded.quantity,
			updated_at = excluded.updated_at`,
		productID, location, delta, now); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update stock level", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO inventory_ledger (id, product_id, location, entry_type, quantity, reference_type, reference_id, notes, created_at)
		VALUES (?, ?, ?, ?, ?, 'transfer', ?, ?, ?)`,
		models.UUID(uuid.New()), productID, location, entryType, delta, transferID, notes, now); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to write ledger entry", err)
	}
	return nil
}

func stockAt(tx *sql.Tx, productID, location string) (int64, error) {
	var qty int64
	err := tx.QueryRow(`
		SELECT quantity FROM stock_levels WHERE product_id = ? AND location = ?`,
		productID, location).Scan(&qty)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return qty, err
}

func nextTransferNumber(tx *sql.Tx) (string, error) {
	var count int64
	if err := tx.QueryRow(`SELECT COUNT(*) FROM transfers`).Scan(&count); err != nil {
		return "", err
	}
	return fmt.Sprintf("TRF%06d", count+1), nil
}
