// Package db provides CRUD repository operations for possync data models.
package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/shopstack/possync/internal/models"
	"github.com/shopstack/possync/internal/uuid"
)

// Repository provides CRUD operations for all models.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// PendingRecord Operations
// =====================================================

// CreatePendingRecord persists a new queue record. The INSERT commits before
// this returns, so a crash after return cannot lose the record.
func (r *Repository) CreatePendingRecord(rec *models.PendingRecord) error {
	query := `
	INSERT INTO pending_records (idempotency_key, entity_type, payload, status,
		attempt_count, last_error, device_id, created_at, last_attempt_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, rec.IdempotencyKey, rec.EntityType, string(rec.Payload),
		rec.Status, rec.AttemptCount, rec.LastError, rec.DeviceID,
		rec.CreatedAt, rec.LastAttemptAt)
	return err
}

// GetPendingRecord retrieves a queue record by idempotency key.
func (r *Repository) GetPendingRecord(key models.UUID) (*models.PendingRecord, error) {
	query := `
	SELECT idempotency_key, entity_type, payload, status, attempt_count,
		   last_error, device_id, created_at, last_attempt_at
	FROM pending_records WHERE idempotency_key = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanPendingRecord(stmt.QueryRow(key))
}

// ListPendingRecords returns records with the given status in creation order
// (oldest first). Ordering matters: the push pipeline processes oldest-first
// to bound staleness.
func (r *Repository) ListPendingRecords(status models.RecordStatus) ([]*models.PendingRecord, error) {
	query := `
	SELECT idempotency_key, entity_type, payload, status, attempt_count,
		   last_error, device_id, created_at, last_attempt_at
	FROM pending_records WHERE status = ?
	ORDER BY created_at ASC, idempotency_key ASC
	`
	rows, err := r.db.Query(query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.PendingRecord
	for rows.Next() {
		rec, err := scanPendingRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdatePendingRecord atomically updates a record's status, error text and
// attempt bookkeeping in a single statement; no partial update is ever
// visible.
func (r *Repository) UpdatePendingRecord(key models.UUID, status models.RecordStatus, lastError string, incrementAttempt bool) error {
	inc := 0
	if incrementAttempt {
		inc = 1
	}
	query := `
	UPDATE pending_records
	SET status = ?, last_error = ?, attempt_count = attempt_count + ?, last_attempt_at = ?
	WHERE idempotency_key = ?
	`
	res, err := r.db.Exec(query, status, lastError, inc, time.Now().Unix(), key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeletePendingRecord removes a record. Only synced records may be removed;
// the status guard is part of the statement so the check and the delete are
// one atomic operation.
func (r *Repository) DeletePendingRecord(key models.UUID) error {
	res, err := r.db.Exec(
		`DELETE FROM pending_records WHERE idempotency_key = ? AND status = 'synced'`, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("record %s is not synced or does not exist", key)
	}
	return nil
}

// CountPendingRecords returns the number of records with the given status.
func (r *Repository) CountPendingRecords(status models.RecordStatus) (int, error) {
	stmt, err := r.PrepareStmt(`SELECT COUNT(*) FROM pending_records WHERE status = ?`)
	if err != nil {
		return 0, err
	}
	var count int
	err = stmt.QueryRow(status).Scan(&count)
	return count, err
}

// RearmInFlightRecords returns any in_flight records to pending. Called at
// startup: a record left in_flight means the process died mid-push, and the
// idempotency key makes redelivery safe.
func (r *Repository) RearmInFlightRecords() (int64, error) {
	res, err := r.db.Exec(
		`UPDATE pending_records SET status = 'pending' WHERE status = 'in_flight'`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPendingRecord(row rowScanner) (*models.PendingRecord, error) {
	var rec models.PendingRecord
	var payload string
	err := row.Scan(&rec.IdempotencyKey, &rec.EntityType, &payload, &rec.Status,
		&rec.AttemptCount, &rec.LastError, &rec.DeviceID, &rec.CreatedAt, &rec.LastAttemptAt)
	if err != nil {
		return nil, err
	}
	rec.Payload = []byte(payload)
	return &rec, nil
}

// =====================================================
// Checkpoint Operations
// =====================================================

// GetCheckpoint returns the last change-feed position fully applied locally.
func (r *Repository) GetCheckpoint() (models.Checkpoint, error) {
	stmt, err := r.PrepareStmt(`SELECT position FROM sync_checkpoint WHERE id = 1`)
	if err != nil {
		return 0, err
	}
	var pos int64
	if err := stmt.QueryRow().Scan(&pos); err != nil {
		return 0, err
	}
	return models.Checkpoint(pos), nil
}

// AdvanceCheckpoint moves the checkpoint forward. The position guard is in
// the statement itself, so the checkpoint can never move backward no matter
// how calls interleave.
func (r *Repository) AdvanceCheckpoint(pos models.Checkpoint) error {
	_, err := r.db.Exec(
		`UPDATE sync_checkpoint SET position = ?, updated_at = ? WHERE id = 1 AND position <= ?`,
		int64(pos), time.Now().Unix(), int64(pos))
	return err
}

// =====================================================
// SyncLog Operations
// =====================================================

// CreateSyncLog appends a synchronization history row.
func (r *Repository) CreateSyncLog(l *models.SyncLog) error {
	if l.ID == "" {
		l.ID = models.UUID(uuid.New())
	}
	if l.CreatedAt == 0 {
		l.CreatedAt = time.Now().Unix()
	}
	query := `
	INSERT INTO sync_log (id, device_id, direction, entity_type, entity_id, status, error, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, l.ID, l.DeviceID, l.Direction, l.EntityType,
		l.EntityID, l.Status, l.Error, l.CreatedAt)
	return err
}

// ListSyncLogs returns the most recent history rows, newest first.
func (r *Repository) ListSyncLogs(limit int) ([]*models.SyncLog, error) {
	query := `
	SELECT id, device_id, direction, entity_type, entity_id, status, error, created_at
	FROM sync_log ORDER BY created_at DESC, id DESC LIMIT ?
	`
	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*models.SyncLog
	for rows.Next() {
		var l models.SyncLog
		if err := rows.Scan(&l.ID, &l.DeviceID, &l.Direction, &l.EntityType,
			&l.EntityID, &l.Status, &l.Error, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// =====================================================
// Product Operations (authority side)
// =====================================================

// UpsertProduct creates or replaces a catalog entry and bumps its updated_at.
func (r *Repository) UpsertProduct(p *models.Product) error {
	if p.UpdatedAt == 0 {
		p.UpdatedAt = time.Now().Unix()
	}
	query := `
	INSERT INTO products (id, name, sku, unit_price, is_active, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name, sku = excluded.sku, unit_price = excluded.unit_price,
		is_active = excluded.is_active, updated_at = excluded.updated_at
	`
	_, err := r.db.Exec(query, p.ID, p.Name, p.SKU, p.UnitPrice, p.IsActive, p.UpdatedAt)
	return err
}

// GetProduct retrieves a catalog entry by ID.
func (r *Repository) GetProduct(id string) (*models.Product, error) {
	stmt, err := r.PrepareStmt(
		`SELECT id, name, sku, unit_price, is_active, updated_at FROM products WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	var p models.Product
	err = stmt.QueryRow(id).Scan(&p.ID, &p.Name, &p.SKU, &p.UnitPrice, &p.IsActive, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// =====================================================
// Stock Operations (authority side)
// =====================================================

// GetStockLevel returns the quantity of a product at a location. A missing
// row reads as zero stock.
func (r *Repository) GetStockLevel(productID, location string) (*models.StockLevel, error) {
	stmt, err := r.PrepareStmt(
		`SELECT product_id, location, quantity, updated_at FROM stock_levels
		 WHERE product_id = ? AND location = ?`)
	if err != nil {
		return nil, err
	}
	var s models.StockLevel
	err = stmt.QueryRow(productID, location).Scan(&s.ProductID, &s.Location, &s.Quantity, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return &models.StockLevel{ProductID: productID, Location: location}, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// =====================================================
// Change Feed Operations (authority side)
// =====================================================

// LatestFeedPosition returns the newest change-feed position.
func (r *Repository) LatestFeedPosition() (models.Checkpoint, error) {
	var pos sql.NullInt64
	err := r.db.QueryRow(`SELECT MAX(position) FROM change_feed`).Scan(&pos)
	if err != nil {
		return 0, err
	}
	return models.Checkpoint(pos.Int64), nil
}

// feedRef is one change-feed row: a pointer to an entity that changed.
type feedRef struct {
	EntityType string
	EntityID   string
}

// changesSince collects the distinct entities touched after the given
// position, along with the latest position covered.
func (r *Repository) changesSince(since models.Checkpoint) ([]feedRef, models.Checkpoint, error) {
	rows, err := r.db.Query(
		`SELECT position, entity_type, entity_id FROM change_feed WHERE position > ? ORDER BY position ASC`,
		int64(since))
	if err != nil {
		return nil, since, err
	}
	defer rows.Close()

	seen := make(map[feedRef]bool)
	var refs []feedRef
	latest := since
	for rows.Next() {
		var pos int64
		var ref feedRef
		if err := rows.Scan(&pos, &ref.EntityType, &ref.EntityID); err != nil {
			return nil, since, err
		}
		if models.Checkpoint(pos) > latest {
			latest = models.Checkpoint(pos)
		}
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	return refs, latest, rows.Err()
}

// BuildChangeSet materializes the entities referenced by the feed since the
// given position into a ChangeSet the pull endpoint can return.
func (r *Repository) BuildChangeSet(since models.Checkpoint) (*models.ChangeSet, error) {
	refs, latest, err := r.changesSince(since)
	if err != nil {
		return nil, err
	}

	cs := &models.ChangeSet{Checkpoint: latest}
	for _, ref := range refs {
		switch ref.EntityType {
		case "product":
			p, err := r.GetProduct(ref.EntityID)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return nil, err
			}
			cs.Products = append(cs.Products, *p)
		case "stock_level":
			// entity_id is "product_id@location"
			productID, location, ok := splitStockRef(ref.EntityID)
			if !ok {
				continue
			}
			s, err := r.GetStockLevel(productID, location)
			if err != nil {
				return nil, err
			}
			cs.StockLevels = append(cs.StockLevels, *s)
		}
	}
	return cs, nil
}

func splitStockRef(ref string) (productID, location string, ok bool) {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '@' {
			return ref[:i], ref[i+1:], true
		}
	}
	return "", "", false
}

// =====================================================
// Committed Record Operations (authority side)
// =====================================================

// GetCommittedRecord looks up a previously committed idempotency key.
// Returns sql.ErrNoRows when the key has never been seen.
func (r *Repository) GetCommittedRecord(key models.UUID) (*models.PendingRecord, error) {
	stmt, err := r.PrepareStmt(
		`SELECT idempotency_key, entity_type, payload, device_id, committed_at
		 FROM committed_records WHERE idempotency_key = ?`)
	if err != nil {
		return nil, err
	}
	var rec models.PendingRecord
	var payload string
	err = stmt.QueryRow(key).Scan(&rec.IdempotencyKey, &rec.EntityType, &payload,
		&rec.DeviceID, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.Payload = []byte(payload)
	rec.Status = models.RecordStatusSynced
	return &rec, nil
}
