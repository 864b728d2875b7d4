package main

import (
	"context"
	"database/sql"

	"orderflow/cmd/server/config"
	ordersdb "orderflow/internal/db/orders"
	"orderflow/internal/idempotency"
	"orderflow/internal/orders"
	"orderflow/internal/orders/saga"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var openOrdersDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// backends are the durable pieces behind the saga. Without DATABASE_URL and
// REDIS_URL everything lives in memory.
type backends struct {
	sagas  saga.Store[saga.OrderSagaData]
	ledger idempotency.Ledger
	orders orders.OrderRepository
}

func buildBackends(ctx context.Context, logger *zap.Logger, dbCfg config.DatabaseConfig, ledgerCfg config.LedgerConfig) (backends, func(), error) {
	b := backends{
		sagas:  saga.NewMemoryStore[saga.OrderSagaData](),
		ledger: idempotency.NewMemoryLedger(),
		orders: orders.NewMemoryOrderRepository(),
	}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if dbCfg.URL != "" {
		db, err := openOrdersDB("pgx", dbCfg.URL)
		if err != nil {
			return b, nil, err
		}
		closers = append(closers, func() {
			if err := db.Close(); err != nil {
				logger.Warn("close orders db", zap.Error(err))
			}
		})

		setupCtx := ctx
		if dbCfg.SetupTimeout > 0 {
			var cancel context.CancelFunc
			setupCtx, cancel = context.WithTimeout(ctx, dbCfg.SetupTimeout)
			defer cancel()
		}
		sagas, err := ordersdb.NewSagaStoreWithSchema(setupCtx, db)
		if err != nil {
			cleanup()
			return b, nil, err
		}
		requests, err := ordersdb.NewRequestStoreWithSchema(setupCtx, db)
		if err != nil {
			cleanup()
			return b, nil, err
		}
		statuses, err := ordersdb.NewOrderStoreWithSchema(setupCtx, db)
		if err != nil {
			cleanup()
			return b, nil, err
		}
		b.sagas, b.ledger, b.orders = sagas, requests, statuses
		logger.Info("using postgres saga store")
	}

	if config.RedisEnabled() {
		cfg, err := config.LoadRedis()
		if err != nil {
			cleanup()
			return b, nil, err
		}
		client, err := newRedisClient(ctx, cfg)
		if err != nil {
			cleanup()
			return b, nil, err
		}
		closers = append(closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("close redis", zap.Error(err))
			}
		})
		b.ledger = idempotency.NewRedisLedger(client, cfg.KeyPrefix, ledgerCfg.TTL)
		logger.Info("using redis request ledger", zap.String("prefix", cfg.KeyPrefix))
	}

	return b, cleanup, nil
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
