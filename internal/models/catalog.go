package models

// Product is a catalog entry projected into the local read cache by the pull
// pipeline. The authority owns the record; local copies are never edited.
type Product struct {
	ID        string `db:"id" json:"id"`
	Name      string `db:"name" json:"name"`
	SKU       string `db:"sku" json:"sku"`
	UnitPrice int64  `db:"unit_price" json:"unit_price"` // minor currency units
	IsActive  bool   `db:"is_active" json:"is_active"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Product.
func (Product) TableName() string {
	return "products"
}

// StockLevel is the quantity of one product at one location.
type StockLevel struct {
	ProductID string `db:"product_id" json:"product_id"`
	Location  string `db:"location" json:"location"`
	Quantity  int64  `db:"quantity" json:"quantity"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for StockLevel.
func (StockLevel) TableName() string {
	return "stock_levels"
}

// LedgerEntryType classifies an inventory ledger movement.
type LedgerEntryType string

const (
	LedgerTransferOut LedgerEntryType = "TRANSFER_OUT"
	LedgerTransferIn  LedgerEntryType = "TRANSFER_IN"
	LedgerAdjustment  LedgerEntryType = "ADJUSTMENT"
	LedgerSale        LedgerEntryType = "SALE"
)

// LedgerEntry is one append-only inventory movement. Every stock change is
// recorded here; stock levels are the running sum of entries per product and
// location.
type LedgerEntry struct {
	ID            UUID            `db:"id" json:"id"`
	ProductID     string          `db:"product_id" json:"product_id"`
	Location      string          `db:"location" json:"location"`
	EntryType     LedgerEntryType `db:"entry_type" json:"entry_type"`
	Quantity      int64           `db:"quantity" json:"quantity"` // signed: negative = deduction
	ReferenceType string          `db:"reference_type" json:"reference_type,omitempty"`
	ReferenceID   string          `db:"reference_id" json:"reference_id,omitempty"`
	Notes         string          `db:"notes" json:"notes,omitempty"`
	CreatedAt     int64           `db:"created_at" json:"created_at"`
}

// TableName returns the table name for LedgerEntry.
func (LedgerEntry) TableName() string {
	return "inventory_ledger"
}
