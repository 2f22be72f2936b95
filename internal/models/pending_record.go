package models

import (
	"encoding/json"
	"time"
)

// RecordStatus is the lifecycle status of a queued outbound record.
type RecordStatus string

const (
	RecordStatusPending  RecordStatus = "pending"
	RecordStatusInFlight RecordStatus = "in_flight"
	RecordStatusSynced   RecordStatus = "synced"
	RecordStatusFailed   RecordStatus = "failed"
)

// CanTransitionTo reports whether a status transition is legal.
// Legal transitions: pending→in_flight, in_flight→{synced, failed, pending}.
func (s RecordStatus) CanTransitionTo(next RecordStatus) bool {
	switch s {
	case RecordStatusPending:
		return next == RecordStatusInFlight
	case RecordStatusInFlight:
		return next == RecordStatusSynced || next == RecordStatusFailed || next == RecordStatusPending
	default:
		// synced and failed are terminal
		return false
	}
}

// PendingRecord is one outbound business event awaiting confirmation by the
// authority. The idempotency key is assigned once at creation and is the sole
// deduplication key the authority uses to detect retried delivery.
type PendingRecord struct {
	IdempotencyKey UUID            `db:"idempotency_key" json:"idempotency_key"`
	EntityType     string          `db:"entity_type" json:"entity_type"` // sale, transfer_send, transfer_receive, ...
	Payload        json.RawMessage `db:"payload" json:"payload"`
	Status         RecordStatus    `db:"status" json:"status"`
	AttemptCount   int             `db:"attempt_count" json:"attempt_count"`
	LastError      string          `db:"last_error" json:"last_error,omitempty"`
	DeviceID       string          `db:"device_id" json:"device_id"`
	CreatedAt      int64           `db:"created_at" json:"created_at"`
	LastAttemptAt  int64           `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
}

// TableName returns the table name for PendingRecord.
func (PendingRecord) TableName() string {
	return "pending_records"
}

// CreatedTime returns CreatedAt as time.Time.
func (r *PendingRecord) CreatedTime() time.Time {
	return time.Unix(r.CreatedAt, 0)
}
