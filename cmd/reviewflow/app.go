package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/reviewflow/internal/capability"
	"github.com/pitabwire/reviewflow/internal/config"
	"github.com/pitabwire/reviewflow/internal/definition"
	"github.com/pitabwire/reviewflow/internal/idempotency"
	"github.com/pitabwire/reviewflow/internal/observability"
	"github.com/pitabwire/reviewflow/internal/workflow"
)

// application holds the wired components shared by the serve and reconcile
// commands.
type application struct {
	cfg         *config.Config
	logger      *zap.Logger
	metrics     *observability.Metrics
	registry    *definition.Registry
	resolver    *capability.Resolver
	store       workflow.InstanceStore
	redis       *redis.Client
	idempotency idempotency.Store
	manager     *workflow.Manager

	closers []func()
}

// buildApp loads definitions and policy, opens the configured store and
// wires the manager. metrics may be nil.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) (*application, error) {
	a := &application{cfg: cfg, logger: logger, metrics: metrics}

	defs, err := definition.LoadValidated(cfg.Definitions.Directories)
	if err != nil {
		return nil, fmt.Errorf("definitions: %w", err)
	}
	a.registry = definition.NewRegistry(defs)
	metrics.SetDefinitionsLoaded(a.registry.Len())

	if id := cfg.Definitions.DefaultWorkflow; id != "" {
		if _, ok := a.registry.GetWorkflow(id); !ok {
			return nil, fmt.Errorf("definitions: default workflow %q is not loaded", id)
		}
	}

	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Policy.File, cfg.Policy.AdminRoles...)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	a.resolver = capability.NewResolver(evaluator, cfg.Policy.CacheTTL)

	store, name, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = workflow.NewInstrumentedStore(store, name, metrics)

	if err := a.openRedis(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if a.redis != nil && cfg.Cache.Enabled {
		a.store = workflow.NewCachedInstanceStore(a.store, a.redis, cfg.Cache.TTL, logger,
			workflow.WithCacheBreaker(cfg.Cache.FailureThreshold, cfg.Cache.Cooldown))
		logger.Info("instance cache enabled", zap.Duration("ttl", cfg.Cache.TTL))
	}

	if cfg.Idempotency.Enabled {
		if a.redis != nil {
			a.idempotency = idempotency.NewRedisStore(a.redis)
		} else {
			logger.Warn("redis address not set, using in-memory idempotency store")
			a.idempotency = idempotency.NewMemoryStore()
		}
	}

	a.manager = workflow.NewManager(a.registry, a.store, a.resolver,
		workflow.WithDefaultWorkflow(cfg.Definitions.DefaultWorkflow),
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
	)
	return a, nil
}

// openStore returns the configured InstanceStore and its metrics label.
func (a *application) openStore(ctx context.Context) (workflow.InstanceStore, string, error) {
	cfg := a.cfg.Store
	switch cfg.Driver {
	case config.DriverMemory:
		a.logger.Info("using in-memory instance store")
		return workflow.NewMemoryInstanceStore(), config.DriverMemory, nil

	case config.DriverSQLite:
		db, err := workflow.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, "", fmt.Errorf("instance store: %w", err)
		}
		a.closers = append(a.closers, func() { db.Close() })
		store, err := workflow.NewSQLiteInstanceStore(ctx, db)
		if err != nil {
			return nil, "", fmt.Errorf("instance store: migrate: %w", err)
		}
		a.logger.Info("using sqlite instance store", zap.String("path", cfg.SQLitePath))
		return store, config.DriverSQLite, nil

	case config.DriverPostgres:
		dsn := cfg.DSN()
		if dsn == "" {
			return nil, "", fmt.Errorf("instance store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, "", fmt.Errorf("instance store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, "", fmt.Errorf("instance store: connect: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return nil, "", fmt.Errorf("instance store: ping: %w", err)
		}
		store := workflow.NewPgInstanceStore(pool)
		if err := store.Migrate(ctx); err != nil {
			return nil, "", fmt.Errorf("instance store: migrate: %w", err)
		}
		a.logger.Info("using postgres instance store")
		return store, config.DriverPostgres, nil

	default:
		return nil, "", fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// openRedis connects to Redis when the cache or idempotency needs it and an
// address is configured.
func (a *application) openRedis(ctx context.Context) error {
	if !a.cfg.Cache.Enabled && !a.cfg.Idempotency.Enabled {
		return nil
	}
	addr := a.cfg.Cache.RedisAddr()
	if addr == "" {
		if a.cfg.Cache.Enabled {
			a.logger.Warn("redis address not set, instance cache disabled",
				zap.String("env", a.cfg.Cache.RedisAddrEnv))
		}
		return nil
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: a.cfg.Cache.DB})
	a.closers = append(a.closers, func() { client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	a.redis = client
	return nil
}

// Reload re-reads definitions and the capability policy. On failure the
// previous definitions stay in effect.
func (a *application) Reload(_ context.Context) error {
	if err := a.registry.Reload(a.cfg.Definitions.Directories); err != nil {
		a.metrics.RecordDefinitionReload("error")
		return err
	}
	if err := a.resolver.Sync(); err != nil {
		a.metrics.RecordDefinitionReload("error")
		return fmt.Errorf("policy: %w", err)
	}
	a.metrics.RecordDefinitionReload("ok")
	a.metrics.SetDefinitionsLoaded(a.registry.Len())
	return nil
}

func (a *application) readiness() observability.ReadinessChecks {
	checks := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return a.registry.Len() > 0 },
		Store:             observability.PingFunc(a.store.Ping),
	}
	if a.redis != nil {
		checks.Redis = observability.PingFunc(func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})
	}
	return checks
}

// Close releases connections in reverse order of opening.
func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
