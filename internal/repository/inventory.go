package repository

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xchange/order-core/internal/domain/inventory"
)

const (
	getStockSQL = `SELECT stock, version FROM products
	WHERE id = $1 AND NOT deleted`

	// Conditional decrement: applies only when the version still matches
	// the caller's read and enough stock remains. The stock predicate is
	// redundant with the version match but keeps the non-negative
	// invariant enforced in the statement itself.
	reserveStockSQL = `UPDATE products
	SET stock = stock - $2, version = version + 1, updated_at = now()
	WHERE id = $1 AND version = $3 AND stock >= $2 AND NOT deleted
	RETURNING stock`

	releaseStockSQL = `UPDATE products
	SET stock = stock + $2, updated_at = now()
	WHERE id = $1 AND NOT deleted
	RETURNING stock`
)

var _ inventory.Ledger = (*LedgerRepository)(nil)

// LedgerRepository implements inventory.Ledger on the products table using
// optimistic version checks. No row or advisory locks are taken.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository returns a LedgerRepository that uses the given pool.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// Get returns the versioned stock entry for the product.
func (r *LedgerRepository) Get(ctx context.Context, productID int64) (inventory.Entry, error) {
	e := inventory.Entry{ProductID: productID}
	err := r.pool.QueryRow(ctx, getStockSQL, productID).Scan(&e.Stock, &e.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inventory.Entry{}, inventory.ErrNotFound
		}
		return inventory.Entry{}, errors.Wrapf(err, "get stock of product %d", productID)
	}
	return e, nil
}

// Reserve performs one optimistic decrement attempt: read, floor-check,
// then write conditional on the read version.
func (r *LedgerRepository) Reserve(ctx context.Context, productID int64, quantity int) (int, error) {
	e, err := r.Get(ctx, productID)
	if err != nil {
		return 0, err
	}
	if e.Stock < quantity {
		return 0, inventory.ErrInsufficientStock
	}

	var newStock int
	err = r.pool.QueryRow(ctx, reserveStockSQL, productID, quantity, e.Version).Scan(&newStock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// A concurrent writer advanced the version (or consumed the
			// remaining stock) between our read and the write.
			return 0, inventory.ErrConflict
		}
		return 0, errors.Wrapf(err, "reserve stock of product %d", productID)
	}
	return newStock, nil
}

// Release unconditionally adds quantity back. No version match: increments
// commute and cannot push stock negative.
func (r *LedgerRepository) Release(ctx context.Context, productID int64, quantity int) (int, error) {
	var newStock int
	err := r.pool.QueryRow(ctx, releaseStockSQL, productID, quantity).Scan(&newStock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, inventory.ErrNotFound
		}
		return 0, errors.Wrapf(err, "release stock of product %d", productID)
	}
	return newStock, nil
}

// ListStock returns stock entries for all live products. The cache
// reconciler sweeps over it.
func (r *LedgerRepository) ListStock(ctx context.Context) ([]inventory.Entry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, stock, version FROM products WHERE NOT deleted ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list stock entries")
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (inventory.Entry, error) {
		var e inventory.Entry
		err := row.Scan(&e.ProductID, &e.Stock, &e.Version)
		return e, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "list stock entries")
	}
	return entries, nil
}
