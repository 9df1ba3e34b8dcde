// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Queue     QueueConfig
	Bulk      BulkConfig
	Providers ProvidersConfig
	Quota     QuotaConfig
	Log       LogConfig
}

type LogConfig struct {
	Level string
	JSON  bool
}

type ServerConfig struct {
	Address string
}

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

type StoreConfig struct {
	Backend     string
	PostgresURL string
	// TenantSeedFile is a JSON array of tenants loaded into the memory backend.
	TenantSeedFile string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type RateLimitConfig struct {
	Window time.Duration
}

type QueueConfig struct {
	Workers             int
	MaxAttempts         int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	PollInterval        time.Duration
	Lease               time.Duration
	Retention           time.Duration
	MaintenanceInterval time.Duration
}

type BulkConfig struct {
	BatchSize   int
	BatchDelay  time.Duration
	Concurrency int
}

type ProvidersConfig struct {
	Default       string
	RatePerSecond int
	Twilio        TwilioConfig
	// GatewayURL enables the generic HTTP gateway adapter when set.
	GatewayURL string
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string
	// StatusCallback is where Twilio posts delivery reports, normally
	// <public base>/webhooks/twilio. Empty leaves it to the account settings.
	StatusCallback string
}

func (t TwilioConfig) Enabled() bool {
	return t.AccountSID != "" && t.AuthToken != ""
}

type QuotaConfig struct {
	DailyResetCron   string
	MonthlyResetCron string
	Location         *time.Location
}

// LoadAll reads every setting and reports all problems at once.
func LoadAll() (*Config, error) {
	var errs []error
	intVar := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	boolVar := func(key string, def bool) bool {
		v, err := getEnvBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	seconds := func(key string, def int) time.Duration { return time.Duration(intVar(key, def)) * time.Second }
	millis := func(key string, def int) time.Duration { return time.Duration(intVar(key, def)) * time.Millisecond }

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Store: StoreConfig{
			Backend:        strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
			PostgresURL:    os.Getenv("POSTGRES_URL"),
			TenantSeedFile: os.Getenv("TENANT_SEED_FILE"),
		},
		RateLimit: RateLimitConfig{
			Window: seconds("RATE_LIMIT_WINDOW_SECONDS", 900),
		},
		Queue: QueueConfig{
			Workers:             intVar("QUEUE_WORKERS", 4),
			MaxAttempts:         intVar("QUEUE_MAX_ATTEMPTS", 3),
			BackoffBase:         millis("QUEUE_BACKOFF_BASE_MS", 1000),
			BackoffMax:          millis("QUEUE_BACKOFF_MAX_MS", 60000),
			PollInterval:        millis("QUEUE_POLL_INTERVAL_MS", 500),
			Lease:               seconds("QUEUE_LEASE_SECONDS", 60),
			Retention:           time.Duration(intVar("QUEUE_RETENTION_HOURS", 24)) * time.Hour,
			MaintenanceInterval: seconds("QUEUE_MAINTENANCE_SECONDS", 30),
		},
		Bulk: BulkConfig{
			BatchSize:   intVar("BULK_BATCH_SIZE", 100),
			BatchDelay:  millis("BULK_BATCH_DELAY_MS", 1000),
			Concurrency: intVar("BULK_CONCURRENCY", 5),
		},
		Providers: ProvidersConfig{
			Default:       getEnv("PROVIDER_DEFAULT", "mock"),
			RatePerSecond: intVar("PROVIDER_RATE_PER_SECOND", 0),
			Twilio: TwilioConfig{
				AccountSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
				AuthToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
				From:           os.Getenv("TWILIO_FROM"),
				BaseURL:        getEnv("TWILIO_BASE_URL", "https://api.twilio.com"),
				StatusCallback: os.Getenv("TWILIO_STATUS_CALLBACK_URL"),
			},
			GatewayURL: os.Getenv("WEBHOOK_PROVIDER_URL"),
		},
		Quota: QuotaConfig{
			DailyResetCron:   getEnv("QUOTA_DAILY_RESET_CRON", "0 0 * * *"),
			MonthlyResetCron: getEnv("QUOTA_MONTHLY_RESET_CRON", "0 0 1 * *"),
		},
	}

	cfg.Redis = loadRedisConfig(intVar)
	cfg.Log = LogConfig{
		Level: strings.ToLower(getEnv("LOG_LEVEL", "info")),
		JSON:  boolVar("LOG_JSON", false),
	}

	tz := getEnv("QUOTA_RESET_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid QUOTA_RESET_TIMEZONE %q: %w", tz, err))
		loc = time.UTC
	}
	cfg.Quota.Location = loc

	errs = append(errs, validate(cfg)...)
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig(intVar func(string, int) int) RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       intVar("REDIS_DB", 0),
		TTL:      time.Duration(intVar("REDIS_TTL_SECONDS", 86400)) * time.Second,
	}
}

func validate(cfg *Config) []error {
	var errs []error
	positive := func(key string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}

	switch cfg.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if _, err := requireEnv("POSTGRES_URL"); err != nil {
			errs = append(errs, fmt.Errorf("%w (STORE_BACKEND=postgres)", err))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendMemory, BackendPostgres, cfg.Store.Backend))
	}

	positive("RATE_LIMIT_WINDOW_SECONDS", int64(cfg.RateLimit.Window))
	positive("QUEUE_WORKERS", int64(cfg.Queue.Workers))
	positive("QUEUE_MAX_ATTEMPTS", int64(cfg.Queue.MaxAttempts))
	positive("QUEUE_BACKOFF_BASE_MS", int64(cfg.Queue.BackoffBase))
	positive("QUEUE_POLL_INTERVAL_MS", int64(cfg.Queue.PollInterval))
	positive("QUEUE_LEASE_SECONDS", int64(cfg.Queue.Lease))
	positive("QUEUE_MAINTENANCE_SECONDS", int64(cfg.Queue.MaintenanceInterval))
	positive("BULK_BATCH_SIZE", int64(cfg.Bulk.BatchSize))
	positive("BULK_CONCURRENCY", int64(cfg.Bulk.Concurrency))

	if cfg.Queue.BackoffMax < cfg.Queue.BackoffBase {
		errs = append(errs, errors.New("QUEUE_BACKOFF_MAX_MS must be >= QUEUE_BACKOFF_BASE_MS"))
	}
	if cfg.Queue.Retention < 0 {
		errs = append(errs, errors.New("QUEUE_RETENTION_HOURS must be >= 0"))
	}
	if cfg.Bulk.BatchDelay < 0 {
		errs = append(errs, errors.New("BULK_BATCH_DELAY_MS must be >= 0"))
	}
	if cfg.Providers.RatePerSecond < 0 {
		errs = append(errs, errors.New("PROVIDER_RATE_PER_SECOND must be >= 0"))
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", cfg.Log.Level))
	}
	if cfg.Bulk.BatchSize > 1000 {
		errs = append(errs, errors.New("BULK_BATCH_SIZE must be <= 1000"))
	}
	return errs
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid bool for env %s: %s", key, v)
	}
	return b, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
