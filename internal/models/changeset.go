package models

// Checkpoint is the single monotonically-increasing marker for how much of
// the authority's change feed has been fully applied locally. Zero means
// "from the beginning."
type Checkpoint int64

// ChangeSet is a server-origin batch of entity changes plus the new checkpoint
// value. It is ephemeral: merged into local read caches, never persisted.
type ChangeSet struct {
	Products    []Product    `json:"products"`
	StockLevels []StockLevel `json:"stock_levels"`
	Checkpoint  Checkpoint   `json:"checkpoint"`
}

// Empty reports whether the change set carries no entity changes.
func (c *ChangeSet) Empty() bool {
	return len(c.Products) == 0 && len(c.StockLevels) == 0
}
