package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (XCHANGE_ prefix), flags, or YAML config files.
type Config struct {
	DatabaseURL  string   `usage:"PostgreSQL connection URL (XCHANGE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	RedisAddr    string   `default:"" usage:"Redis address for the fast-path stock cache; empty disables it" flag:"redis-addr"`
	KafkaBrokers []string `usage:"Kafka brokers for stock-changed events; empty disables publishing" flag:"kafka-brokers"`
	HealthAddr   string   `default:"0.0.0.0:8081" usage:"Health probe listen address" flag:"health-addr"`
	ServiceName  string   `default:"order-core" usage:"Producer name stamped on published events" flag:"service-name"`

	Orders    OrdersConfig
	Reconcile ReconcileConfig
	Graceful  GracefulConfig
}

// OrdersConfig controls the order lifecycle core.
type OrdersConfig struct {
	PaymentWindow time.Duration `default:"30m" usage:"Payment deadline measured from order placement" flag:"payment-window"`
	SweepInterval time.Duration `default:"30s" usage:"Interval of the expired-order rehydration sweep" flag:"sweep-interval"`
	SweepBatch    int           `default:"100" usage:"Max expired orders handled per sweep" flag:"sweep-batch"`
}

// ReconcileConfig controls the cache/ledger reconciliation job.
type ReconcileConfig struct {
	Interval time.Duration `default:"5m" usage:"Interval of the stock cache reconciliation sweep" flag:"reconcile-interval"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"5s" usage:"Delay after readiness flip before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files, and applies platform defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "XCHANGE",
		Files:     []string{"config.yaml", "/etc/xchange/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set XCHANGE_DATABASE_URL or DATABASE_URL")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables that
// use standard names like DATABASE_URL to the XCHANGE_-prefixed
// configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if c.RedisAddr == "" {
		if v := os.Getenv("REDIS_ADDR"); v != "" {
			c.RedisAddr = v
		}
	}
}
