// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// migrationStep pairs a version with its SQL. Migrations are compiled in so a
// deployed till has no migration directory to lose.
type migrationStep struct {
	version     int
	description string
	sql         string
}

// migrations is the ordered schema history. Append only; never edit an
// applied step (the checksum check will refuse to run).
var migrations = []migrationStep{
	{
		version:     1,
		description: "client_sync_state",
		sql: `
		CREATE TABLE IF NOT EXISTS pending_records (
			idempotency_key TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK(status IN ('pending','in_flight','synced','failed')),
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			device_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			last_attempt_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_pending_records_status
			ON pending_records(status, created_at);

		CREATE TABLE IF NOT EXISTS sync_checkpoint (
			id INTEGER PRIMARY KEY CHECK(id = 1),
			position INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);
		INSERT OR IGNORE INTO sync_checkpoint (id, position, updated_at)
			VALUES (1, 0, 0);

		CREATE TABLE IF NOT EXISTS sync_log (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sync_log_created
			ON sync_log(created_at);
		`,
	},
	{
		version:     2,
		description: "transfers_and_inventory",
		sql: `
		CREATE TABLE IF NOT EXISTS transfers (
			id TEXT PRIMARY KEY,
			transfer_number TEXT NOT NULL UNIQUE,
			source_location TEXT NOT NULL,
			dest_location TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'draft'
				CHECK(status IN ('draft','sent','received','partial','disputed','closed','cancelled')),
			notes TEXT NOT NULL DEFAULT '',
			resolution_notes TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			sent_at INTEGER NOT NULL DEFAULT 0,
			received_at INTEGER NOT NULL DEFAULT 0,
			closed_at INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS transfer_lines (
			id TEXT PRIMARY KEY,
			transfer_id TEXT NOT NULL REFERENCES transfers(id),
			product_id TEXT NOT NULL,
			quantity_sent INTEGER NOT NULL DEFAULT 0,
			quantity_received INTEGER NOT NULL DEFAULT 0,
			position INTEGER NOT NULL DEFAULT 0,
			UNIQUE(transfer_id, product_id)
		);
		CREATE INDEX IF NOT EXISTS idx_transfer_lines_transfer
			ON transfer_lines(transfer_id, position);

		CREATE TABLE IF NOT EXISTS stock_levels (
			product_id TEXT NOT NULL,
			location TEXT NOT NULL,
			quantity INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (product_id, location)
		);

		CREATE TABLE IF NOT EXISTS inventory_ledger (
			id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL,
			location TEXT NOT NULL,
			entry_type TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			reference_type TEXT NOT NULL DEFAULT '',
			reference_id TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_product_location
			ON inventory_ledger(product_id, location);
		`,
	},
	{
		version:     3,
		description: "authority_feed_and_records",
		sql: `
		CREATE TABLE IF NOT EXISTS committed_records (
			idempotency_key TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			committed_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS change_feed (
			position INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			sku TEXT NOT NULL DEFAULT '',
			unit_price INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			updated_at INTEGER NOT NULL
		);
		`,
	},
}

// Migrator handles database schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		applied = append(applied, mig)
	}
	return applied, rows.Err()
}

// Up applies all pending migrations. An applied migration whose SQL no longer
// matches the recorded checksum is an error, not a re-run.
func (m *Migrator) Up() error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	appliedByVersion := make(map[int]Migration)
	for _, mig := range applied {
		appliedByVersion[mig.Version] = mig
	}

	for _, step := range migrations {
		if prev, ok := appliedByVersion[step.version]; ok {
			if prev.Checksum != checksum(step.sql) {
				return fmt.Errorf("migration V%d was modified after being applied", step.version)
			}
			continue
		}
		if err := m.apply(step); err != nil {
			return fmt.Errorf("failed to apply migration V%d: %w", step.version, err)
		}
	}

	return nil
}

// apply runs a single migration step inside a transaction.
func (m *Migrator) apply(step migrationStep) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(step.sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, step.version, time.Now().Unix(), step.description, checksum(step.sql)); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

func checksum(sqlText string) string {
	hash := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(hash[:])
}
