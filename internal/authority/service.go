// Package authority is the server side of the sync contract: idempotent
// record ingestion, the incremental change feed, and the transfer lifecycle.
// The same implementation backs the local serve mode and the in-process
// authority used by tests.
package authority

import (
	"database/sql"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/shopstack/possync/internal/uuid"

	"github.com/shopstack/possync/internal/db"
	apperrors "github.com/shopstack/possync/internal/errors"
	"github.com/shopstack/possync/internal/models"
	"github.com/shopstack/possync/internal/transfer"
	"github.com/shopstack/possync/internal/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Verdict is the authority's decision on one submitted record.
type Verdict struct {
	Status transport.SubmitStatus
	Reason string
}

// SalePayload is the payload of a "sale" record.
type SalePayload struct {
	Location string     `json:"location"`
	Total    int64      `json:"total"`
	Lines    []SaleLine `json:"lines"`
}

// SaleLine is one product quantity within a sale.
type SaleLine struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// transferSendPayload drives a transfer send through the sync contract.
type transferSendPayload struct {
	TransferID models.UUID `json:"transfer_id"`
}

// transferReceivePayload drives a transfer receive through the sync contract.
type transferReceivePayload struct {
	TransferID models.UUID            `json:"transfer_id"`
	Lines      []transfer.ReceiptLine `json:"lines"`
}

// Service applies submitted records exactly once per idempotency key and
// feeds every resulting entity change into the change feed the pull endpoint
// serves from.
type Service struct {
	db        *sql.DB
	repo      *db.Repository
	transfers *transfer.Machine
	logger    *zap.Logger
}

// NewService creates a Service over the authority database.
func NewService(database *sql.DB, repo *db.Repository, transfers *transfer.Machine, logger *zap.Logger) *Service {
	return &Service{db: database, repo: repo, transfers: transfers, logger: logger}
}

// Transfers exposes the transfer machine for the HTTP layer and the CLI.
func (s *Service) Transfers() *transfer.Machine {
	return s.transfers
}

// Submit applies one record. A key seen before short-circuits to exists
// without touching state; that is what makes wire-level at-least-once
// delivery effectively exactly-once.
func (s *Service) Submit(req transport.SubmitRequest) (Verdict, error) {
	if req.IdempotencyKey == "" {
		return s.reject(req, "idempotency key is required"), nil
	}
	if err := uuid.Validate(req.IdempotencyKey.String()); err != nil {
		return s.reject(req, "invalid idempotency key: "+err.Error()), nil
	}

	if _, err := s.repo.GetCommittedRecord(req.IdempotencyKey); err == nil {
		return Verdict{Status: transport.StatusExists}, nil
	} else if err != sql.ErrNoRows {
		return Verdict{}, apperrors.Wrap(apperrors.ErrDatabase, "failed to check idempotency key", err)
	}

	var applyErr error
	switch req.EntityType {
	case "sale":
		applyErr = s.applySale(req)
	case "transfer_send":
		applyErr = s.applyTransferSend(req)
	case "transfer_receive":
		applyErr = s.applyTransferReceive(req)
	default:
		return s.reject(req, "unknown entity type "+req.EntityType), nil
	}

	if applyErr != nil {
		if apperrors.IsPermanent(applyErr) || apperrors.IsStateConflict(applyErr) ||
			apperrors.Is(applyErr, apperrors.ErrInsufficientStock) ||
			apperrors.Is(applyErr, apperrors.ErrTransferNotFound) {
			return s.reject(req, applyErr.Error()), nil
		}
		return Verdict{}, applyErr
	}

	s.logSubmit(req, "success", "")
	return Verdict{Status: transport.StatusAccepted}, nil
}

// SyncBatch applies records in order, one verdict each. A single bad record
// never fails the batch call.
func (s *Service) SyncBatch(reqs []transport.SubmitRequest) ([]transport.BatchResult, error) {
	results := make([]transport.BatchResult, 0, len(reqs))
	for _, req := range reqs {
		verdict, err := s.Submit(req)
		if err != nil {
			return nil, err
		}
		results = append(results, transport.BatchResult{
			IdempotencyKey: req.IdempotencyKey,
			Status:         verdict.Status,
			Error:          verdict.Reason,
		})
	}
	return results, nil
}

// Pull materializes every change recorded after the given position.
func (s *Service) Pull(since models.Checkpoint) (*models.ChangeSet, error) {
	cs, err := s.repo.BuildChangeSet(since)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to build change set", err)
	}
	return cs, nil
}

// PutProduct upserts a catalog entry and announces it on the feed.
func (s *Service) PutProduct(p *models.Product) error {
	if err := s.repo.UpsertProduct(p); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to store product", err)
	}
	return s.recordChange("product", p.ID)
}

// AnnounceStock publishes the current stock level of a product at a location
// on the change feed.
func (s *Service) AnnounceStock(productID, location string) error {
	return s.recordChange("stock_level", stockRef(productID, location))
}

// applySale commits the sale, deducts stock and publishes the touched stock
// levels, all in one transaction. The committed-record insert doubles as the
// idempotency lock: a concurrent duplicate hits the primary key and nothing
// else happens.
func (s *Service) applySale(req transport.SubmitRequest) error {
	var sale SalePayload
	if err := json.Unmarshal(req.Payload, &sale); err != nil {
		return apperrors.Wrap(apperrors.ErrPermanent, "malformed sale payload", err)
	}
	if sale.Location == "" {
		return apperrors.New(apperrors.ErrPermanent, "sale location is required")
	}
	for _, line := range sale.Lines {
		if line.ProductID == "" || line.Quantity <= 0 {
			return apperrors.New(apperrors.ErrPermanent, "sale lines need a product and a positive quantity")
		}
		if _, err := s.repo.GetProduct(line.ProductID); err == sql.ErrNoRows {
			return apperrors.New(apperrors.ErrPermanent, "unknown product "+line.ProductID)
		} else if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to check product", err)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	if _, err := tx.Exec(`
		INSERT INTO committed_records (idempotency_key, entity_type, payload, device_id, committed_at)
		VALUES (?, ?, ?, ?, ?)`,
		req.IdempotencyKey, req.EntityType, string(req.Payload), req.DeviceID, now); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to commit record", err)
	}

	for _, line := range sale.Lines {
		if _, err := tx.Exec(`
			INSERT INTO stock_levels (product_id, location, quantity, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(product_id, location) DO UPDATE SET
				quantity = quantity + excluded.quantity,
				updated_at = excluded.updated_at`,
			line.ProductID, sale.Location, -line.Quantity, now); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to deduct stock", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO inventory_ledger (id, product_id, location, entry_type, quantity, reference_type, reference_id, created_at)
			VALUES (?, ?, ?, ?, ?, 'sale', ?, ?)`,
			models.UUID(uuid.New()), line.ProductID, sale.Location, models.LedgerSale,
			-line.Quantity, req.IdempotencyKey, now); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to write ledger entry", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO change_feed (entity_type, entity_id, created_at) VALUES (?, ?, ?)`,
			"stock_level", stockRef(line.ProductID, sale.Location), now); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to record feed entry", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to commit sale", err)
	}

	s.logger.Info("sale committed",
		zap.String("idempotency_key", req.IdempotencyKey.String()),
		zap.String("device_id", req.DeviceID))
	return nil
}

func (s *Service) applyTransferSend(req transport.SubmitRequest) error {
	var payload transferSendPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return apperrors.Wrap(apperrors.ErrPermanent, "malformed transfer_send payload", err)
	}

	t, err := s.transfers.Send(payload.TransferID, s.commitKey(req))
	if err != nil {
		return err
	}

	for _, line := range t.Lines {
		if err := s.AnnounceStock(line.ProductID, t.SourceLocation); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) applyTransferReceive(req transport.SubmitRequest) error {
	var payload transferReceivePayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return apperrors.Wrap(apperrors.ErrPermanent, "malformed transfer_receive payload", err)
	}

	t, err := s.transfers.Receive(payload.TransferID, payload.Lines, s.commitKey(req))
	if err != nil {
		return err
	}

	for _, line := range t.Lines {
		if err := s.AnnounceStock(line.ProductID, t.DestLocation); err != nil {
			return err
		}
	}
	return nil
}

// commitKey records the idempotency key inside the same transaction as the
// transfer transition. If the two were separate a crash between them would
// leave the transition applied with no key on record, and the client's retry
// would then hit a state conflict instead of exists.
func (s *Service) commitKey(req transport.SubmitRequest) transfer.TxHook {
	return func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT OR IGNORE INTO committed_records (idempotency_key, entity_type, payload, device_id, committed_at)
			VALUES (?, ?, ?, ?, ?)`,
			req.IdempotencyKey, req.EntityType, string(req.Payload), req.DeviceID, time.Now().Unix())
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to record idempotency key", err)
		}
		return nil
	}
}

func (s *Service) recordChange(entityType, entityID string) error {
	_, err := s.db.Exec(`
		INSERT INTO change_feed (entity_type, entity_id, created_at) VALUES (?, ?, ?)`,
		entityType, entityID, time.Now().Unix())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to record feed entry", err)
	}
	return nil
}

func (s *Service) reject(req transport.SubmitRequest, reason string) Verdict {
	s.logSubmit(req, "failed", reason)
	s.logger.Warn("record rejected",
		zap.String("idempotency_key", req.IdempotencyKey.String()),
		zap.String("entity_type", req.EntityType),
		zap.String("reason", reason))
	return Verdict{Status: transport.StatusRejected, Reason: reason}
}

// logSubmit writes the audit row; advisory only.
func (s *Service) logSubmit(req transport.SubmitRequest, status, detail string) {
	err := s.repo.CreateSyncLog(&models.SyncLog{
		DeviceID:   req.DeviceID,
		Direction:  models.DirectionDeviceToServer,
		EntityType: req.EntityType,
		EntityID:   req.IdempotencyKey.String(),
		Status:     status,
		Error:      detail,
	})
	if err != nil {
		s.logger.Warn("failed to write sync log entry", zap.Error(err))
	}
}

func stockRef(productID, location string) string {
	return fmt.Sprintf("%s@%s", productID, location)
}
