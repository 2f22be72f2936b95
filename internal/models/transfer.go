package models

// TransferStatus is the lifecycle status of a cross-location stock movement.
type TransferStatus string

const (
	TransferStatusDraft     TransferStatus = "draft"
	TransferStatusSent      TransferStatus = "sent"
	TransferStatusReceived  TransferStatus = "received"
	TransferStatusPartial   TransferStatus = "partial"
	TransferStatusDisputed  TransferStatus = "disputed"
	TransferStatusClosed    TransferStatus = "closed"
	TransferStatusCancelled TransferStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TransferStatus) Terminal() bool {
	return s == TransferStatusClosed || s == TransferStatusCancelled
}

// Receivable reports whether a receive event is legal in this status.
func (s TransferStatus) Receivable() bool {
	return s == TransferStatusSent
}

// Resolvable reports whether a resolve event is legal in this status.
func (s TransferStatus) Resolvable() bool {
	return s == TransferStatusPartial || s == TransferStatusDisputed
}

// Cancellable reports whether the transfer may still be cancelled. Receipt of
// any kind forecloses cancellation.
func (s TransferStatus) Cancellable() bool {
	return s == TransferStatusDraft || s == TransferStatusSent
}

// Transfer is a recorded movement of stock between two locations. A transfer
// is never physically deleted; cancellation is a terminal status preserving
// the audit trail.
type Transfer struct {
	ID              UUID           `db:"id" json:"id"`
	TransferNumber  string         `db:"transfer_number" json:"transfer_number"`
	SourceLocation  string         `db:"source_location" json:"source_location"`
	DestLocation    string         `db:"dest_location" json:"dest_location"`
	Status          TransferStatus `db:"status" json:"status"`
	Notes           string         `db:"notes" json:"notes,omitempty"`
	ResolutionNotes string         `db:"resolution_notes" json:"resolution_notes,omitempty"`
	CreatedAt       int64          `db:"created_at" json:"created_at"`
	SentAt          int64          `db:"sent_at" json:"sent_at,omitempty"`
	ReceivedAt      int64          `db:"received_at" json:"received_at,omitempty"`
	ClosedAt        int64          `db:"closed_at" json:"closed_at,omitempty"`

	Lines []TransferLine `db:"-" json:"lines"`
}

// TableName returns the table name for Transfer.
func (Transfer) TableName() string {
	return "transfers"
}

// TransferLine is a single product quantity within a transfer.
// QuantitySent is frozen at the send transition; QuantityReceived is written
// exactly once, at receive.
type TransferLine struct {
	ID               UUID   `db:"id" json:"id"`
	TransferID       UUID   `db:"transfer_id" json:"transfer_id"`
	ProductID        string `db:"product_id" json:"product_id"`
	QuantitySent     int64  `db:"quantity_sent" json:"quantity_sent"`
	QuantityReceived int64  `db:"quantity_received" json:"quantity_received"`
	Position         int    `db:"position" json:"position"`
}

// TableName returns the table name for TransferLine.
func (TransferLine) TableName() string {
	return "transfer_lines"
}

// Discrepancy returns sent minus received for this line.
func (l *TransferLine) Discrepancy() int64 {
	return l.QuantitySent - l.QuantityReceived
}
