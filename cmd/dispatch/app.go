package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/sms-dispatch/internal/cache"
	"github.com/LeventeLantos/sms-dispatch/internal/config"
	"github.com/LeventeLantos/sms-dispatch/internal/model"
	"github.com/LeventeLantos/sms-dispatch/internal/provider"
	"github.com/LeventeLantos/sms-dispatch/internal/queue"
	"github.com/LeventeLantos/sms-dispatch/internal/quota"
	"github.com/LeventeLantos/sms-dispatch/internal/ratelimit"
	"github.com/LeventeLantos/sms-dispatch/internal/repo"
	"github.com/LeventeLantos/sms-dispatch/internal/service"
)

// stores groups the repositories of one backend.
type stores struct {
	db       *sql.DB
	tenants  repo.TenantRepository
	messages repo.MessageRepository
	bulkJobs repo.BulkJobRepository
	jobs     queue.Store
}

func (s *stores) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func openStores(ctx context.Context, cfg config.StoreConfig) (*stores, error) {
	seed, err := loadTenantSeed(cfg.TenantSeedFile)
	if err != nil {
		return nil, err
	}

	if cfg.Backend != config.BackendPostgres {
		return &stores{
			tenants:  repo.NewMemoryTenants(seed...),
			messages: repo.NewMemoryMessages(),
			bulkJobs: repo.NewMemoryBulkJobs(),
			jobs:     queue.NewMemoryStore(),
		}, nil
	}

	db, err := repo.OpenPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &stores{
		db:       db,
		tenants:  repo.NewPostgresTenantRepo(db),
		messages: repo.NewPostgresMessageRepo(db),
		bulkJobs: repo.NewPostgresBulkJobRepo(db),
		jobs:     queue.NewPostgresStore(db),
	}
	// seeding a durable store only adds or updates tenant settings
	if cfg.TenantSeedFile != "" {
		for _, t := range seed {
			if err := s.tenants.Upsert(ctx, t); err != nil {
				s.Close()
				return nil, fmt.Errorf("seed tenant %s: %w", t.ID, err)
			}
		}
	}
	return s, nil
}

// loadTenantSeed reads a JSON array of tenants. Without a file a single demo
// tenant on the mock provider is returned.
func loadTenantSeed(path string) ([]model.Tenant, error) {
	if path == "" {
		now := time.Now().UTC()
		return []model.Tenant{{
			ID:   "demo",
			Name: "Demo tenant",
			Plan: model.PlanBasic,
			Quotas: model.Quotas{
				DailyLimit:      1000,
				MonthlyLimit:    10000,
				RateLimit:       100,
				BulkSizeLimit:   1000,
				ProviderOptions: []string{"mock"},
			},
			Usage:     model.Usage{LastDailyReset: now, LastMonthlyReset: now},
			CreatedAt: now,
			UpdatedAt: now,
		}}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenant seed: %w", err)
	}
	var tenants []model.Tenant
	if err := json.Unmarshal(raw, &tenants); err != nil {
		return nil, fmt.Errorf("parse tenant seed %s: %w", path, err)
	}
	for i, t := range tenants {
		if t.ID == "" {
			return nil, fmt.Errorf("tenant seed %s: entry %d has no id", path, i)
		}
	}
	return tenants, nil
}

func buildRegistry(cfg config.ProvidersConfig) (*provider.Registry, error) {
	reg := provider.NewRegistry(cfg.Default, provider.Settings{
		RatePerSecond: float64(cfg.RatePerSecond),
	})

	if err := reg.Register("mock", provider.NewMock("mock")); err != nil {
		return nil, err
	}
	if cfg.Twilio.Enabled() {
		tw := provider.NewTwilio(provider.TwilioConfig{
			AccountSID:     cfg.Twilio.AccountSID,
			AuthToken:      cfg.Twilio.AuthToken,
			From:           cfg.Twilio.From,
			BaseURL:        cfg.Twilio.BaseURL,
			StatusCallback: cfg.Twilio.StatusCallback,
		})
		if err := reg.Register("twilio", tw); err != nil {
			return nil, err
		}
	}
	if cfg.GatewayURL != "" {
		if err := reg.Register("webhook", provider.NewHTTPGateway("webhook", cfg.GatewayURL, 0)); err != nil {
			return nil, err
		}
	}

	if _, err := reg.Get(cfg.Default); err != nil {
		return nil, fmt.Errorf("PROVIDER_DEFAULT: %w", err)
	}
	return reg, nil
}

// app is the fully wired dispatch engine and everything it owns.
type app struct {
	cfg      *config.Config
	stores   *stores
	rdb      *redis.Client
	registry *provider.Registry
	limiter  ratelimit.Limiter
	quota    *quota.Manager
	sms      *queue.Queue
	bulk     *queue.Queue
	engine   *service.Engine
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	st, err := openStores(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, stores: st}

	reg, err := buildRegistry(cfg.Providers)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.registry = reg

	var msgCache cache.MessageCache = cache.Nop{}
	a.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimit.Window)
	if cfg.Redis.Enabled {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.limiter = ratelimit.NewRedisLimiter(a.rdb, cfg.RateLimit.Window)
		msgCache = cache.NewRedisCache(a.rdb, cfg.Redis.TTL)
	}

	qcfg := queue.Config{
		Workers:     cfg.Queue.Workers,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff: queue.Backoff{
			Base:   cfg.Queue.BackoffBase,
			Max:    cfg.Queue.BackoffMax,
			Jitter: 0.1,
		},
		PollInterval: cfg.Queue.PollInterval,
		Lease:        cfg.Queue.Lease,
	}
	a.sms = queue.New(service.QueueSMS, st.jobs, qcfg)
	// a bulk batch fans out internally, so fewer batch workers are needed
	bcfg := qcfg
	bcfg.Workers = max(1, cfg.Queue.Workers/2)
	a.bulk = queue.New(service.QueueBulk, st.jobs, bcfg)

	a.quota = quota.NewManager(st.tenants)
	a.engine = service.NewEngine(service.Deps{
		Tenants:   st.tenants,
		Messages:  st.messages,
		BulkJobs:  st.bulkJobs,
		Quota:     a.quota,
		Limiter:   a.limiter,
		Providers: reg,
		Cache:     msgCache,
		SMSQueue:  a.sms,
		BulkQueue: a.bulk,
	}, service.BulkConfig{
		BatchSize:   cfg.Bulk.BatchSize,
		BatchDelay:  cfg.Bulk.BatchDelay,
		Concurrency: cfg.Bulk.Concurrency,
	})

	slog.Info("dispatch engine wired",
		"store", cfg.Store.Backend,
		"redis", cfg.Redis.Enabled,
		"providers", reg.Names(),
		"default_provider", reg.Default(),
	)
	return a, nil
}

func (a *app) Close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	a.stores.Close()
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.Level))

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.JSON {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}
