package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clientbook/internal/clients"
	"github.com/sells-group/clientbook/internal/config"
	"github.com/sells-group/clientbook/internal/dedupe"
	"github.com/sells-group/clientbook/internal/importer"
	"github.com/sells-group/clientbook/internal/ledger"
	"github.com/sells-group/clientbook/internal/resilience"
	"github.com/sells-group/clientbook/internal/store"
)

// pinger is implemented by both store backends.
type pinger interface {
	Ping(ctx context.Context) error
}

// appEnv is the wired import pipeline shared by the commands.
type appEnv struct {
	Store        store.Store
	Ledger       *ledger.Ledger
	Clients      *clients.Service
	Duplicates   *dedupe.Checker
	Orchestrator *importer.Orchestrator

	redis *redis.Client
}

func tablesFromConfig(t config.TablesConfig) store.Tables {
	return store.Tables{
		Clients:       t.Clients,
		ReviewEntries: t.ReviewEntries,
		ImportJobs:    t.ImportJobs,
		Branches:      t.Branches,
	}.WithDefaults()
}

func initStore(ctx context.Context) (store.Store, error) {
	tables := tablesFromConfig(cfg.Tables)
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "clientbook.db"
		}
		return store.NewSQLite(dsn, tables)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, tables, &store.PoolConfig{MaxConns: cfg.Store.MaxConns})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initRedis(ctx context.Context) (*redis.Client, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrapf(err, "redis: ping %s", cfg.Redis.Addr)
	}
	return rdb, nil
}

// initEnv opens the store, migrates it and builds the pipeline on top.
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	retry := resilience.FromSettings(cfg.Import.RetryAttempts, cfg.Import.RetryBackoffMs)
	ledgerOpts := []ledger.Option{ledger.WithRetry(retry)}

	rdb, err := initRedis(ctx)
	if err != nil {
		// The cache is optional; jobs are always read from the store on a miss.
		zap.L().Warn("job cache disabled", zap.Error(err))
	}
	if rdb != nil {
		ttl := time.Duration(cfg.Redis.TTLHours) * time.Hour
		ledgerOpts = append(ledgerOpts, ledger.WithCache(ledger.NewRedisCache(rdb, cfg.Redis.Prefix, ttl)))
	}

	dupes := dedupe.New(st)
	svc := clients.NewService(st, clients.WithRetry(retry))
	led := ledger.New(st, ledgerOpts...)
	classifier := importer.NewClassifier(st, dupes, time.Now)

	return &appEnv{
		Store:        st,
		Ledger:       led,
		Clients:      svc,
		Duplicates:   dupes,
		Orchestrator: importer.NewOrchestrator(classifier, svc, led, cfg.Import.ProgressInterval),
		redis:        rdb,
	}, nil
}

func (e *appEnv) ping(ctx context.Context) error {
	if p, ok := e.Store.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (e *appEnv) Close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}
