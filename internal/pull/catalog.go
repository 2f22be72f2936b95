// Package pull applies authority-origin changes to the device's local read
// caches and advances the sync checkpoint.
package pull

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/shopstack/possync/internal/models"
)

// Catalog is the in-memory projection of authority-owned reference data.
// The authority is the source of truth; entries here are replaced wholesale
// on every pull, never edited locally.
type Catalog struct {
	products *gocache.Cache
	stock    *gocache.Cache
}

// NewCatalog creates a Catalog. ttl bounds how long an entry is served
// without a refreshing pull; zero or negative means entries never expire.
func NewCatalog(ttl time.Duration) *Catalog {
	expiration := ttl
	cleanup := 2 * ttl
	if ttl <= 0 {
		expiration = gocache.NoExpiration
		cleanup = 0
	}
	return &Catalog{
		products: gocache.New(expiration, cleanup),
		stock:    gocache.New(expiration, cleanup),
	}
}

// SetProduct stores or replaces a product projection.
func (c *Catalog) SetProduct(p models.Product) {
	c.products.Set(p.ID, p, gocache.DefaultExpiration)
}

// Product returns the cached product, if present.
func (c *Catalog) Product(id string) (models.Product, bool) {
	v, ok := c.products.Get(id)
	if !ok {
		return models.Product{}, false
	}
	return v.(models.Product), true
}

// SetStock stores or replaces a stock-level projection.
func (c *Catalog) SetStock(s models.StockLevel) {
	c.stock.Set(stockKey(s.ProductID, s.Location), s, gocache.DefaultExpiration)
}

// Stock returns the cached stock level for a product at a location.
func (c *Catalog) Stock(productID, location string) (models.StockLevel, bool) {
	v, ok := c.stock.Get(stockKey(productID, location))
	if !ok {
		return models.StockLevel{}, false
	}
	return v.(models.StockLevel), true
}

// ProductCount returns the number of cached products.
func (c *Catalog) ProductCount() int {
	return c.products.ItemCount()
}

func stockKey(productID, location string) string {
	return productID + "@" + location
}
