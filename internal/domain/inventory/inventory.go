// Package inventory defines the contracts for the authoritative stock
// ledger and the stock-changed notification sink.
package inventory

import (
	"context"

	"github.com/go-faster/errors"
)

// Sentinel errors for ledger operations.
var (
	// ErrInsufficientStock means the requested quantity exceeds the stock
	// available at the instant of the conditional write.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrNotFound means no stock entry exists for the product.
	ErrNotFound = errors.New("stock entry not found")

	// ErrConflict means a concurrent writer advanced the stock version
	// between read and conditional write. The caller may retry.
	ErrConflict = errors.New("stock version conflict")
)

// Entry is a versioned stock snapshot for one product.
type Entry struct {
	ProductID int64
	Stock     int
	Version   int
}

// Ledger is the authoritative stock store with optimistic conditional
// updates.
type Ledger interface {
	// Get returns the current stock entry for the product.
	Get(ctx context.Context, productID int64) (Entry, error)

	// Reserve performs a single optimistic decrement attempt: read stock
	// and version, fail with ErrInsufficientStock if stock < quantity,
	// otherwise decrement conditionally on the read version. A lost race
	// returns ErrConflict; retry policy belongs to the caller. On success
	// it returns the post-decrement stock.
	Reserve(ctx context.Context, productID int64, quantity int) (newStock int, err error)

	// Release unconditionally increments stock by quantity. Increments are
	// commutative and cannot violate the non-negative invariant, so no
	// version match is required. On success it returns the post-increment
	// stock.
	Release(ctx context.Context, productID int64, quantity int) (newStock int, err error)
}

// ErrNotCached means the fast-path cache has no entry for the product.
// The caller falls through to the ledger-only path.
var ErrNotCached = errors.New("stock not cached")

// FastPath is the cache-side mirror of the ledger supporting a single
// atomic decrement-with-floor-check, used as a cheap gate on high-QPS
// placement paths. It is advisory: the ledger remains authoritative.
type FastPath interface {
	// Deduct atomically decrements the cached stock iff enough remains.
	// Returns ErrNotCached when no entry exists and ErrInsufficientStock
	// when the floor check fails.
	Deduct(ctx context.Context, productID int64, quantity int) (newStock int, err error)

	// Restore adds quantity back after a downstream failure or rollback.
	Restore(ctx context.Context, productID int64, quantity int) (newStock int, err error)
}

// StockChange is emitted after every confirmed ledger mutation so that
// downstream consumers (search index synchronization) can converge.
type StockChange struct {
	ProductID int64
	NewStock  int
}

// Sink receives stock-changed notifications. Delivery is at-least-once and
// may be delayed; consumers must tolerate eventual consistency.
type Sink interface {
	StockChanged(ctx context.Context, change StockChange)
}

// NopSink discards notifications. Used when no broker is configured and in
// tests that do not assert on events.
type NopSink struct{}

func (NopSink) StockChanged(context.Context, StockChange) {}
