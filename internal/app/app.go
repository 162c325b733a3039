// Package app wires the order lifecycle core together: PostgreSQL pool and
// migrations, the Redis stock cache, the Kafka notification sink, the
// payment-timeout scheduler, and the health probe server.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xchange/order-core/internal/domain/inventory"
	"github.com/xchange/order-core/internal/domain/order"
	"github.com/xchange/order-core/internal/notify"
	"github.com/xchange/order-core/internal/repository"
	"github.com/xchange/order-core/internal/scheduler"
	"github.com/xchange/order-core/internal/stockcache"
	"github.com/xchange/order-core/pkg/health"
)

// Run creates all dependencies, starts the background loops, and handles
// graceful shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("health_addr", cfg.HealthAddr))

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Repositories.
	orderRepo := repository.NewOrderRepository(pool)
	ledgerRepo := repository.NewLedgerRepository(pool)
	catalogRepo := repository.NewCatalogRepository(pool)

	g, ctx := errgroup.WithContext(ctx)

	// Redis fast-path stock cache, optional.
	var (
		fastPath   inventory.FastPath
		reconciler *stockcache.Reconciler
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()

		healthSvc.AddReadinessCheck("redis", 5*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})

		cache := stockcache.New(rdb)
		fastPath = cache
		reconciler = stockcache.NewReconciler(ledgerRepo, cache, lg.Named("reconcile"))
		g.Go(func() error {
			return reconciler.Run(ctx, cfg.Reconcile.Interval)
		})
	}

	// Kafka notification sink, optional.
	var sink inventory.Sink = inventory.NopSink{}
	if len(cfg.KafkaBrokers) > 0 {
		ks := notify.NewKafkaSink(cfg.KafkaBrokers, notify.TopicStockChanged, cfg.ServiceName, 256, lg.Named("notify"))
		sink = ks
		g.Go(func() error {
			return ks.Run(ctx)
		})
	}

	// Order service and payment-timeout scheduler. The scheduler calls back
	// into the service, so it is created first against a late-bound handle.
	var svc *order.Service
	sched := scheduler.New(orderRepo, func(ctx context.Context, orderID int64) {
		svc.HandlePaymentTimeout(ctx, orderID)
	}, lg.Named("scheduler"))

	svc = order.NewService(catalogRepo, ledgerRepo, orderRepo, order.Options{
		Sink:          sink,
		FastPath:      fastPath,
		Scheduler:     sched,
		Meter:         m.MeterProvider().Meter("order-core"),
		Logger:        lg.Named("orders"),
		PaymentWindow: cfg.Orders.PaymentWindow,
	})

	g.Go(func() error {
		return sched.Run(ctx, cfg.Orders.SweepInterval, cfg.Orders.SweepBatch)
	})

	// Health probe server.
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		Addr:              cfg.HealthAddr,
		Handler:           mux,
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	g.Go(func() error {
		lg.Info("Health server listening", zap.String("addr", cfg.HealthAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "health server")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Health server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
