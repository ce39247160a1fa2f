package app

import (
	"os"
	"slices"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Order lock backends.
const (
	LockMemory   = "memory"
	LockPostgres = "postgres"
	LockRedis    = "redis"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (BILLING_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (BILLING_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Storage     string `default:"postgres" usage:"Storage backend: postgres or memory"`
	Lock        string `default:"" usage:"Order lock backend: memory, postgres or redis; defaults to the storage backend"`
	Redis       RedisConfig
	Gateway     GatewayConfig
	Payments    PaymentsConfig
	Orders      OrdersConfig
	Receipts    ReceiptsConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// RedisConfig configures the optional Redis used for order locks and
// idempotency keys.
type RedisConfig struct {
	Addr     string        `default:"" usage:"Redis address host:port (BILLING_REDIS_ADDR or REDIS_URL)"`
	Password string        `default:"" usage:"Redis password"`
	DB       int           `default:"0" usage:"Redis database number"`
	LockTTL  time.Duration `default:"30s" usage:"Expiry of an order lock held in Redis" flag:"redis-lock-ttl"`
}

// GatewayConfig configures the HTTP card and wallet processor. Without a URL
// only cash payments are accepted.
type GatewayConfig struct {
	URL    string `default:"" usage:"Payment gateway base URL" flag:"gateway-url"`
	APIKey string `default:"" usage:"Payment gateway API key" flag:"gateway-api-key"`
}

// PaymentsConfig tunes payment processing.
type PaymentsConfig struct {
	Timeout        time.Duration `default:"10s" usage:"Default processor call timeout" flag:"payment-timeout"`
	IdempotencyTTL time.Duration `default:"24h" usage:"How long client idempotency keys are remembered" flag:"idempotency-ttl"`
}

// OrdersConfig tunes order creation.
type OrdersConfig struct {
	AllowEmpty bool `default:"false" usage:"Accept orders without line items" flag:"allow-empty-orders"`
}

// ReceiptsConfig tunes receipt listing.
type ReceiptsConfig struct {
	PerPage int `default:"20" usage:"Receipts per page when perPage is omitted" flag:"receipts-per-page"`
}

// RateLimitConfig controls the per-client token bucket rate limiter.
type RateLimitConfig struct {
	Max               int           `default:"100" usage:"Burst size per client"`
	Window            time.Duration `default:"1m"  usage:"Time to refill an empty bucket"`
	TrustForwardedFor bool          `default:"false" usage:"Key clients by X-Forwarded-For" flag:"trust-forwarded-for"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from flags, environment variables and YAML
// config files, applies platform defaults and validates the result.
func LoadConfig() (*Config, error) {
	return loadConfig(aconfig.Config{
		Files: []string{"config.yaml", "/etc/billing/config.yaml"},
	})
}

func loadConfig(acfg aconfig.Config) (*Config, error) {
	acfg.EnvPrefix = "BILLING"
	acfg.FileDecoders = map[string]aconfig.FileDecoder{
		".yaml": aconfigyaml.New(),
	}

	var cfg Config
	if err := aconfig.LoaderFor(&cfg, acfg).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if err := cfg.applyPlatformDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables
// (DATABASE_URL, REDIS_URL, PORT) onto the configuration.
func (c *Config) applyPlatformDefaults() error {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
	if u := os.Getenv("REDIS_URL"); u != "" && c.Redis.Addr == "" {
		opts, err := goredis.ParseURL(u)
		if err != nil {
			return errors.Wrap(err, "parse REDIS_URL")
		}
		c.Redis.Addr = opts.Addr
		c.Redis.Password = opts.Password
		c.Redis.DB = opts.DB
	}
	if c.Lock == "" {
		c.Lock = c.Storage
	}
	return nil
}

// Validate checks that the selected backends can be built together.
func (c *Config) Validate() error {
	if !slices.Contains([]string{StoragePostgres, StorageMemory}, c.Storage) {
		return errors.Errorf("unknown storage backend %q", c.Storage)
	}
	if !slices.Contains([]string{LockMemory, LockPostgres, LockRedis}, c.Lock) {
		return errors.Errorf("unknown lock backend %q", c.Lock)
	}
	if c.Storage == StoragePostgres && c.DatabaseURL == "" {
		return errors.New("database URL is required: set BILLING_DATABASE_URL or DATABASE_URL")
	}
	if c.Lock == LockPostgres && c.Storage != StoragePostgres {
		return errors.New("postgres lock backend requires postgres storage")
	}
	if c.Lock == LockRedis {
		if c.Redis.Addr == "" {
			return errors.New("redis lock backend requires BILLING_REDIS_ADDR or REDIS_URL")
		}
		// A lock that expires mid-capture would let a second attempt in.
		if c.Redis.LockTTL <= c.Payments.Timeout {
			return errors.Errorf("redis lock TTL %s must exceed payment timeout %s", c.Redis.LockTTL, c.Payments.Timeout)
		}
	}
	if c.Payments.Timeout <= 0 {
		return errors.New("payment timeout must be positive")
	}
	return nil
}
