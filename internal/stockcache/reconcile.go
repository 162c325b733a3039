package stockcache

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xchange/order-core/internal/domain/inventory"
)

// StockLister exposes the full set of live ledger entries for the sweep.
type StockLister interface {
	ListStock(ctx context.Context) ([]inventory.Entry, error)
}

// Reconciler periodically sweeps the ledger and repairs the cache: missing
// entries are preloaded and divergent entries are overwritten, the ledger
// always winning. Divergence is expected in small windows (fast-path
// deductions that lost their ledger reservation, restores on products that
// were never cached); the sweep bounds how long it can persist.
type Reconciler struct {
	ledger StockLister
	cache  *Cache
	lg     *zap.Logger
}

// NewReconciler creates a Reconciler over the given ledger and cache.
func NewReconciler(ledger StockLister, cache *Cache, lg *zap.Logger) *Reconciler {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Reconciler{ledger: ledger, cache: cache, lg: lg}
}

// Run sweeps once immediately and then every interval until ctx is
// cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if fixed, err := r.Reconcile(ctx); err != nil {
			r.lg.Error("stock reconcile sweep failed", zap.Error(err))
		} else if fixed > 0 {
			r.lg.Info("stock reconcile sweep repaired entries", zap.Int("fixed", fixed))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Reconcile runs a single sweep and returns how many cache entries were
// repaired.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	entries, err := r.ledger.ListStock(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list ledger stock")
	}

	fixed := 0
	for _, e := range entries {
		cached, err := r.cache.Get(ctx, e.ProductID)
		switch {
		case errors.Is(err, inventory.ErrNotCached):
			// Cache miss: preheat from the ledger.
		case err != nil:
			return fixed, err
		case cached == e.Stock:
			continue
		default:
			r.lg.Warn("stock cache diverged from ledger",
				zap.Int64("product_id", e.ProductID),
				zap.Int("ledger", e.Stock), zap.Int("cached", cached))
		}

		if err := r.cache.Preload(ctx, e.ProductID, e.Stock); err != nil {
			return fixed, err
		}
		fixed++
	}
	return fixed, nil
}
