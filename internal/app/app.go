// Package app wires configuration, storage, upstream clients and the pool into one
// runnable unit shared by the daemon and the admin CLI.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/credential-pool/internal/adapter"
	"github.com/credential-pool/internal/config"
	"github.com/credential-pool/internal/logging"
	"github.com/credential-pool/internal/pool"
	"github.com/credential-pool/internal/ratelimit"
	"github.com/credential-pool/internal/service"
	"github.com/credential-pool/internal/storage"
)

// App holds the wired components. Postgres, Redis and Events are nil when not configured.
type App struct {
	Config   *config.Config
	Logger   *logging.Logger
	Pool     *pool.Pool
	Service  *service.AdminService
	Store    service.CredentialStore
	Postgres *storage.PostgresDB
	Redis    *storage.RedisCache
	Events   *storage.RedisEventStream
}

// New connects storage, builds the pool and restores persisted records
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("component", "app")

	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := a.connect(); err != nil {
		return nil, err
	}

	kinds, err := cfg.Pool.CountedKinds()
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.Upstream.Timeout}
	breakers := adapter.NewBreakers()
	exchanger := adapter.NewTokenExchanger(&cfg.Upstream, httpClient, breakers)
	usage := adapter.NewUsageClient(&cfg.Upstream, httpClient, breakers)
	if err := a.applyBudget(exchanger, usage); err != nil {
		return nil, err
	}

	p, err := pool.NewPool(&pool.Config{
		Policy: pool.FailurePolicy{
			Threshold:    uint32(cfg.Pool.DisableThreshold), // #nosec G115 - validated positive
			CountedKinds: kinds,
		},
		RefreshMargin:  cfg.Pool.RefreshMargin,
		RefreshTimeout: cfg.Pool.RefreshTimeout,
		DefaultRegion:  cfg.Upstream.Region,
		Exchanger:      exchanger,
		Events:         a.eventSink(),
		Logger:         logging.GetGlobalLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	a.Pool = p

	records, err := a.Store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	if err := p.Load(records); err != nil {
		return nil, fmt.Errorf("failed to restore credentials: %w", err)
	}

	var balances service.BalanceCache
	if a.Redis != nil {
		balances = storage.NewBalanceCache(a.Redis)
	}
	a.Service = service.NewAdminService(
		p,
		a.Store,
		usage,
		balances,
		&service.AdminConfig{
			WriteThrough: cfg.Store.WriteThrough,
			BalanceTTL:   cfg.Cache.BalanceTTL,
		},
	)

	status := p.Snapshot()
	logger.WithFields(map[string]interface{}{
		"backend":   cfg.Store.Backend,
		"total":     status.Total,
		"available": status.Available,
	}).Info("credential pool ready")

	ok = true
	return a, nil
}

// connect opens the store backend. Redis is required for the redis backend and the
// redis event sink; otherwise it is optional and only backs the balance cache.
func (a *App) connect() error {
	cfg := a.Config
	needRedis := cfg.Store.Backend == config.StoreBackendRedis || cfg.Events.Sink == "redis"

	redisCache, err := storage.NewRedisCache(&cfg.Database.Redis)
	switch {
	case err == nil:
		a.Redis = redisCache
	case needRedis:
		return fmt.Errorf("failed to connect to Redis: %w", err)
	default:
		a.Logger.WithError(err).Warn("Redis unavailable, balance cache disabled")
	}

	switch cfg.Store.Backend {
	case config.StoreBackendPostgres:
		db, err := storage.NewPostgresDB(&cfg.Database.Postgres)
		if err != nil {
			return fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		a.Postgres = db
		a.Store = storage.NewCredentialRepository(db)
	case config.StoreBackendRedis:
		a.Store = storage.NewRedisCredentialStore(a.Redis)
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if cfg.Events.Sink == "redis" {
		a.Events = storage.NewRedisEventStream(a.Redis, cfg.Events.StreamKey, cfg.Events.MaxLen)
	}
	return nil
}

// applyBudget puts token refresh and usage calls under the shared Redis call budget.
// Refresh draws from the reserved pool.
func (a *App) applyBudget(exchanger *adapter.TokenExchanger, usage *adapter.UsageClient) error {
	budgetCfg := ratelimit.LoadFromEnv()
	if !budgetCfg.Enabled {
		return nil
	}
	if a.Redis == nil {
		a.Logger.Warn("upstream budget enabled but Redis is unavailable, continuing without it")
		return nil
	}

	tracker, err := ratelimit.NewBudgetTracker(&ratelimit.BudgetTrackerConfig{
		Redis:          a.Redis.Client(),
		KeyPrefix:      a.Redis.Key("budget"),
		TotalBudget:    budgetCfg.TotalBudget,
		ReservedBudget: budgetCfg.ReservedBudget,
		WindowSize:     budgetCfg.WindowSize(),
	})
	if err != nil {
		return fmt.Errorf("failed to create upstream budget: %w", err)
	}

	exchanger.SetLimiter(tracker.Limiter(ratelimit.PriorityHigh))
	usage.SetLimiter(tracker.Limiter(ratelimit.PriorityLow))
	a.Logger.WithField("budget", budgetCfg.String()).Info("upstream call budget enabled")
	return nil
}

func (a *App) eventSink() pool.EventSink {
	switch a.Config.Events.Sink {
	case "none":
		return pool.NopSink{}
	case "redis":
		return pool.MultiSink{pool.NewLogSink(logging.GetGlobalLogger()), a.Events}
	default:
		return pool.NewLogSink(logging.GetGlobalLogger())
	}
}

// Close releases every connection
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.WithError(err).Warn("error closing Redis")
		}
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
}
