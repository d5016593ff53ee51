package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBSource   string
	Env        string
	HTTP       HTTPConfig
	Redis      RedisConfig
	Logging    LoggingConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Worker     WorkerConfig
	Settlement SettlementConfig
	Reconcile  ReconcileConfig
}

type HTTPConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	MainStream string
	DLQStream  string
}

type LoggingConfig struct {
	Level         string
	Format        string // text|json
	IncludeCaller bool
}

// AuthConfig holds the shared HMAC secret. An empty secret disables signature checks.
type AuthConfig struct {
	HMACSecret string
}

type RateLimitConfig struct {
	Backend  string // local|redis
	Requests int
	Window   time.Duration
}

type WorkerConfig struct {
	ID           string
	PollInterval time.Duration
	BatchSize    int64
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MetricsPort  string
}

type SettlementConfig struct {
	Timeout     time.Duration
	Latency     time.Duration
	SuccessRate float64
}

// ReconcileConfig drives the orphan sweep. A zero Interval disables the periodic run.
type ReconcileConfig struct {
	Interval time.Duration
	Grace    time.Duration
}

const (
	defaultPort            = "8080"
	defaultEnv             = "development"
	defaultRedisAddr       = "localhost:6379"
	defaultMainStream      = "transactions.main"
	defaultDLQStream       = "transactions.dlq"
	defaultRateLimitBurst  = 10
	defaultRateLimitWindow = time.Minute
	defaultPollInterval    = 3 * time.Second
	defaultBatchSize       = 100
	defaultMaxAttempts     = 3
	defaultBackoffBase     = 2 * time.Second
	defaultBackoffMax      = 30 * time.Second
	defaultSettleTimeout   = 5 * time.Second
	defaultSettleLatency   = 600 * time.Millisecond
	defaultSuccessRate     = 0.8
)

// Load reads configuration from the environment, after applying an optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	cfg := &Config{
		DBSource: dbSource,
		Env:      valueOrDefault("ENVIRONMENT", defaultEnv),
		HTTP: HTTPConfig{
			Port: valueOrDefault("SERVER_PORT", defaultPort),
		},
		Redis: RedisConfig{
			Addr:       valueOrDefault("REDIS_ADDR", defaultRedisAddr),
			Password:   os.Getenv("REDIS_PASSWORD"),
			MainStream: valueOrDefault("STREAM_MAIN", defaultMainStream),
			DLQStream:  valueOrDefault("STREAM_DLQ", defaultDLQStream),
		},
		Logging: LoggingConfig{
			Level:         valueOrDefault("LOG_LEVEL", "info"),
			Format:        valueOrDefault("LOG_FORMAT", "text"),
			IncludeCaller: parseBoolWithDefault("LOG_INCLUDE_CALLER", false),
		},
		Auth: AuthConfig{
			HMACSecret: os.Getenv("HMAC_SECRET"),
		},
		RateLimit: RateLimitConfig{
			Backend: valueOrDefault("RATE_LIMIT_BACKEND", "local"),
		},
		Worker: WorkerConfig{
			ID:          valueOrDefault("WORKER_ID", "worker-1"),
			MetricsPort: valueOrDefault("WORKER_METRICS_PORT", "9090"),
		},
	}

	var err error
	if cfg.Redis.DB, err = parseInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RateLimit.Requests, err = parseInt("RATE_LIMIT_REQUESTS", defaultRateLimitBurst); err != nil {
		return nil, err
	}
	if cfg.Worker.MaxAttempts, err = parseInt("WORKER_MAX_ATTEMPTS", defaultMaxAttempts); err != nil {
		return nil, err
	}
	batch, err := parseInt("WORKER_BATCH_SIZE", defaultBatchSize)
	if err != nil {
		return nil, err
	}
	cfg.Worker.BatchSize = int64(batch)

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"SERVER_READ_TIMEOUT", 10 * time.Second, &cfg.HTTP.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT", 15 * time.Second, &cfg.HTTP.WriteTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT", 10 * time.Second, &cfg.HTTP.ShutdownTimeout},
		{"RATE_LIMIT_WINDOW", defaultRateLimitWindow, &cfg.RateLimit.Window},
		{"WORKER_POLL_INTERVAL", defaultPollInterval, &cfg.Worker.PollInterval},
		{"WORKER_BACKOFF_BASE", defaultBackoffBase, &cfg.Worker.BackoffBase},
		{"WORKER_BACKOFF_MAX", defaultBackoffMax, &cfg.Worker.BackoffMax},
		{"SETTLEMENT_TIMEOUT", defaultSettleTimeout, &cfg.Settlement.Timeout},
		{"SETTLEMENT_LATENCY", defaultSettleLatency, &cfg.Settlement.Latency},
		{"RECONCILE_INTERVAL", time.Minute, &cfg.Reconcile.Interval},
		{"RECONCILE_GRACE", 2 * time.Minute, &cfg.Reconcile.Grace},
	}
	for _, d := range durations {
		if *d.dst, err = parseDuration(d.key, d.fallback); err != nil {
			return nil, err
		}
	}

	cfg.Settlement.SuccessRate = defaultSuccessRate
	if v := os.Getenv("SETTLEMENT_SUCCESS_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil || rate < 0 || rate > 1 {
			return nil, fmt.Errorf("invalid SETTLEMENT_SUCCESS_RATE %q: must be within [0,1]", v)
		}
		cfg.Settlement.SuccessRate = rate
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RateLimit.Backend != "local" && c.RateLimit.Backend != "redis" {
		return fmt.Errorf("invalid RATE_LIMIT_BACKEND %q: want local or redis", c.RateLimit.Backend)
	}
	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive")
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("WORKER_MAX_ATTEMPTS must be positive")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("WORKER_POLL_INTERVAL must be positive")
	}
	if c.Worker.BackoffBase <= 0 {
		return fmt.Errorf("WORKER_BACKOFF_BASE must be positive")
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("WORKER_BATCH_SIZE must be positive")
	}
	if c.Worker.BackoffMax < c.Worker.BackoffBase {
		return fmt.Errorf("WORKER_BACKOFF_MAX (%s) is below WORKER_BACKOFF_BASE (%s)", c.Worker.BackoffMax, c.Worker.BackoffBase)
	}
	return nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parseInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return n, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
