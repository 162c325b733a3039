package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist or has
// been delisted.
var ErrNotFound = errors.New("product not found")

// Product represents a listed second-hand item. Stock and Version are a
// snapshot taken at read time; the inventory ledger owns the authoritative
// values.
type Product struct {
	ID       int64
	SellerID int64
	Name     string
	Price    decimal.Decimal
	Stock    int
	Version  int
}

// Catalog defines read access to the product listing. The full catalog
// service (listing, search, images) lives outside this core; order
// placement only needs the lookup.
type Catalog interface {
	GetByID(ctx context.Context, id int64) (*Product, error)
}
