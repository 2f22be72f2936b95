package models

import "time"

// SyncDirection indicates which way a logged sync operation travelled.
type SyncDirection string

const (
	DirectionDeviceToServer SyncDirection = "device_to_server"
	DirectionServerToDevice SyncDirection = "server_to_device"
)

// SyncLog is one row of synchronization history, kept for operator
// inspection on both the client and the authority.
type SyncLog struct {
	ID         UUID          `db:"id" json:"id"`
	DeviceID   string        `db:"device_id" json:"device_id"`
	Direction  SyncDirection `db:"direction" json:"direction"`
	EntityType string        `db:"entity_type" json:"entity_type"`
	EntityID   string        `db:"entity_id" json:"entity_id"`
	Status     string        `db:"status" json:"status"` // success, failed, conflict
	Error      string        `db:"error" json:"error,omitempty"`
	CreatedAt  int64         `db:"created_at" json:"created_at"`
}

// TableName returns the table name for SyncLog.
func (SyncLog) TableName() string {
	return "sync_log"
}

// Time returns CreatedAt as time.Time.
func (l *SyncLog) Time() time.Time {
	return time.Unix(l.CreatedAt, 0)
}
