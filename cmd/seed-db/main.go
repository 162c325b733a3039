package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/xchange/order-core/internal/repository"
	"github.com/xchange/order-core/internal/stockcache"
)

type productJSON struct {
	ID       int64           `json:"id"`
	SellerID int64           `json:"seller_id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Stock    int             `json:"stock"`
}

func main() {
	var (
		databaseURL  string
		redisAddr    string
		productsFile string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&redisAddr, "redis-addr", "", "Redis address to preload the stock cache (or REDIS_ADDR env)")
	flag.StringVar(&productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if redisAddr == "" {
		redisAddr = os.Getenv("REDIS_ADDR")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, redisAddr, productsFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, redisAddr, productsFile string) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	products, err := seedProducts(ctx, pool, productsFile)
	if err != nil {
		return errors.Wrap(err, "seed products")
	}

	if redisAddr != "" {
		if err := preloadStockCache(ctx, redisAddr, products); err != nil {
			return errors.Wrap(err, "preload stock cache")
		}
	}

	return nil
}

const upsertProductSQL = `
INSERT INTO products (id, seller_id, name, price, stock)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
    seller_id = EXCLUDED.seller_id,
    name = EXCLUDED.name,
    price = EXCLUDED.price,
    stock = EXCLUDED.stock,
    version = products.version + 1,
    updated_at = now()`

func seedProducts(ctx context.Context, pool *pgxpool.Pool, productsFile string) ([]productJSON, error) {
	slog.Info("reading products file", slog.String("path", productsFile))

	data, err := os.ReadFile(productsFile)
	if err != nil {
		return nil, errors.Wrap(err, "read products file")
	}

	var products []productJSON
	if err := json.Unmarshal(data, &products); err != nil {
		return nil, errors.Wrap(err, "parse products JSON")
	}

	slog.Info("upserting products", slog.Int("count", len(products)))

	for _, p := range products {
		if _, err := pool.Exec(ctx, upsertProductSQL, p.ID, p.SellerID, p.Name, p.Price, p.Stock); err != nil {
			return nil, errors.Wrapf(err, "upsert product %d", p.ID)
		}

		slog.Info("upserted product", slog.Int64("id", p.ID), slog.String("name", p.Name))
	}

	// The sequence must stay ahead of explicitly seeded IDs.
	if _, err := pool.Exec(ctx, `SELECT setval('products_id_seq', (SELECT COALESCE(MAX(id), 1) FROM products))`); err != nil {
		return nil, errors.Wrap(err, "advance products sequence")
	}

	return products, nil
}

func preloadStockCache(ctx context.Context, redisAddr string, products []productJSON) error {
	slog.Info("preloading stock cache", slog.String("addr", redisAddr))

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer func() { _ = rdb.Close() }()

	cache := stockcache.New(rdb)
	for _, p := range products {
		if err := cache.Preload(ctx, p.ID, p.Stock); err != nil {
			return errors.Wrapf(err, "preload product %d", p.ID)
		}
	}

	return nil
}
