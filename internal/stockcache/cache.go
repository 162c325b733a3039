// Package stockcache implements the fast-path stock mirror on Redis. The
// check-and-decrement runs as a single Lua script so the floor check and
// the decrement are atomic; the relational ledger stays authoritative and
// a periodic reconciler repairs drift.
package stockcache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xchange/order-core/internal/domain/inventory"
)

// Key layout, shared with the preload path of the catalog collaborator.
const (
	keyStock = "stock:product:%d"
)

// Script results for the missing-key and floor-check failures.
const (
	resultNotCached    = -1
	resultInsufficient = -2
)

// deductScript decrements the cached stock iff enough remains. GET and
// DECRBY execute atomically within the script.
var deductScript = redis.NewScript(`
local stock = redis.call('GET', KEYS[1])
if not stock then return -1 end
stock = tonumber(stock)
local deduct = tonumber(ARGV[1])
if stock < deduct then return -2 end
return redis.call('DECRBY', KEYS[1], deduct)
`)

// restoreScript increments the cached stock only when the key exists. A
// plain INCRBY would create a missing key with the restored quantity as the
// absolute stock value, poisoning the floor check until the next reconcile.
var restoreScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
return redis.call('INCRBY', KEYS[1], ARGV[1])
`)

// Client is the subset of *redis.Client the cache needs. Narrowed for
// testability.
type Client interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

var _ inventory.FastPath = (*Cache)(nil)

// Cache mirrors per-product stock counts in Redis.
type Cache struct {
	rdb Client
}

// New returns a Cache backed by the given Redis client.
func New(rdb Client) *Cache {
	return &Cache{rdb: rdb}
}

// Deduct atomically decrements the cached stock with a floor check and
// returns the post-decrement value.
func (c *Cache) Deduct(ctx context.Context, productID int64, quantity int) (int, error) {
	res, err := deductScript.Run(ctx, c.rdb, []string{stockKey(productID)}, quantity).Int64()
	if err != nil {
		return 0, errors.Wrapf(err, "deduct stock of product %d", productID)
	}
	switch res {
	case resultNotCached:
		return 0, inventory.ErrNotCached
	case resultInsufficient:
		return 0, inventory.ErrInsufficientStock
	}
	return int(res), nil
}

// Restore adds quantity back to the cached stock. A missing key returns
// inventory.ErrNotCached untouched; Preload or the reconciler seeds it from
// the ledger.
func (c *Cache) Restore(ctx context.Context, productID int64, quantity int) (int, error) {
	res, err := restoreScript.Run(ctx, c.rdb, []string{stockKey(productID)}, quantity).Int64()
	if err != nil {
		return 0, errors.Wrapf(err, "restore stock of product %d", productID)
	}
	if res == resultNotCached {
		return 0, inventory.ErrNotCached
	}
	return int(res), nil
}

// Preload overwrites the cached stock with the ledger value. Called when a
// product is listed and by the reconciler when cache and ledger diverge.
func (c *Cache) Preload(ctx context.Context, productID int64, stock int) error {
	err := c.rdb.Set(ctx, stockKey(productID), strconv.Itoa(stock), 0).Err()
	if err != nil {
		return errors.Wrapf(err, "preload stock of product %d", productID)
	}
	return nil
}

// Get returns the cached stock or inventory.ErrNotCached.
func (c *Cache) Get(ctx context.Context, productID int64) (int, error) {
	s, err := c.rdb.Get(ctx, stockKey(productID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, inventory.ErrNotCached
		}
		return 0, errors.Wrapf(err, "get cached stock of product %d", productID)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parse cached stock of product %d", productID)
	}
	return n, nil
}

func stockKey(productID int64) string {
	return fmt.Sprintf(keyStock, productID)
}
