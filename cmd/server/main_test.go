package main

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"orderflow/cmd/server/config"
	ordersdb "orderflow/internal/db/orders"
	"orderflow/internal/idempotency"
	"orderflow/internal/observability"
	"orderflow/internal/orders"
	"orderflow/internal/orders/saga"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap/zaptest"
)

func TestBuildBackends_DefaultsToMemory(t *testing.T) {
	t.Setenv("REDIS_URL", "")

	b, cleanup, err := buildBackends(context.Background(), zaptest.NewLogger(t), config.DatabaseConfig{}, config.LedgerConfig{TTL: time.Hour})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer cleanup()

	if _, ok := b.sagas.(*saga.MemoryStore[saga.OrderSagaData]); !ok {
		t.Fatalf("expected memory saga store, got %T", b.sagas)
	}
	if _, ok := b.ledger.(*idempotency.MemoryLedger); !ok {
		t.Fatalf("expected memory ledger, got %T", b.ledger)
	}
	if _, ok := b.orders.(*orders.MemoryOrderRepository); !ok {
		t.Fatalf("expected memory order repository, got %T", b.orders)
	}
}

func TestBuildBackends_PostgresCreatesSchema(t *testing.T) {
	t.Setenv("REDIS_URL", "")

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS order_sagas").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS order_saga_steps").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS processed_requests").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS order_statuses").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	prev := openOrdersDB
	openOrdersDB = func(driver, dsn string) (*sql.DB, error) {
		if driver != "pgx" || dsn != "postgres://orders" {
			t.Fatalf("unexpected open(%q, %q)", driver, dsn)
		}
		return db, nil
	}
	t.Cleanup(func() { openOrdersDB = prev })

	b, cleanup, err := buildBackends(context.Background(), zaptest.NewLogger(t),
		config.DatabaseConfig{URL: "postgres://orders", SetupTimeout: time.Second},
		config.LedgerConfig{TTL: time.Hour},
	)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := b.sagas.(*ordersdb.SagaStore); !ok {
		t.Fatalf("expected postgres saga store, got %T", b.sagas)
	}
	if _, ok := b.ledger.(*ordersdb.RequestStore); !ok {
		t.Fatalf("expected postgres ledger, got %T", b.ledger)
	}
	if _, ok := b.orders.(*ordersdb.OrderStore); !ok {
		t.Fatalf("expected postgres order store, got %T", b.orders)
	}

	cleanup()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBuildBackends_SchemaFailureClosesDB(t *testing.T) {
	t.Setenv("REDIS_URL", "")

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS order_sagas").WillReturnError(errors.New("permission denied"))
	mock.ExpectClose()

	prev := openOrdersDB
	openOrdersDB = func(driver, dsn string) (*sql.DB, error) { return db, nil }
	t.Cleanup(func() { openOrdersDB = prev })

	if _, _, err := buildBackends(context.Background(), zaptest.NewLogger(t), config.DatabaseConfig{URL: "postgres://orders"}, config.LedgerConfig{}); err == nil {
		t.Fatalf("expected schema error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBuildBackends_RedisLedger(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_URL", "redis://"+mr.Addr())
	t.Setenv("REDIS_HEALTHCHECK_TIMEOUT", "1s")

	b, cleanup, err := buildBackends(context.Background(), zaptest.NewLogger(t), config.DatabaseConfig{}, config.LedgerConfig{TTL: time.Hour})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer cleanup()

	if _, ok := b.ledger.(*idempotency.RedisLedger); !ok {
		t.Fatalf("expected redis ledger, got %T", b.ledger)
	}
	if _, ok := b.sagas.(*saga.MemoryStore[saga.OrderSagaData]); !ok {
		t.Fatalf("expected memory saga store, got %T", b.sagas)
	}
}

func TestBuildBackends_RedisRequiresHealthcheckTimeout(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_URL", "redis://"+mr.Addr())
	t.Setenv("REDIS_HEALTHCHECK_TIMEOUT", "")

	if _, _, err := buildBackends(context.Background(), zaptest.NewLogger(t), config.DatabaseConfig{}, config.LedgerConfig{}); err == nil {
		t.Fatalf("expected error without REDIS_HEALTHCHECK_TIMEOUT")
	}
}

func TestNewRedisClient_AppliesOverrides(t *testing.T) {
	mr := miniredis.RunT(t)
	pool := 3
	dial := 250 * time.Millisecond

	client, err := newRedisClient(context.Background(), config.RedisConfig{
		URL:                "redis://" + mr.Addr() + "/0",
		PoolSize:           &pool,
		DialTimeout:        &dial,
		HealthcheckTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer client.Close()

	if client.Options().PoolSize != 3 || client.Options().DialTimeout != dial {
		t.Fatalf("overrides not applied: %+v", client.Options())
	}
}

func TestNewRedisClient_PingFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := newRedisClient(context.Background(), config.RedisConfig{URL: "redis://" + addr, HealthcheckTimeout: 200 * time.Millisecond}); err == nil {
		t.Fatalf("expected ping failure")
	}
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	if _, err := newRedisClient(context.Background(), config.RedisConfig{URL: "http://not-redis"}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestBuildClients_NoopWithoutURLs(t *testing.T) {
	prev := loadReliability
	loadReliability = func() (orders.ReliabilityConfig, error) {
		t.Fatalf("reliability config must not be read without services")
		return orders.ReliabilityConfig{}, nil
	}
	t.Cleanup(func() { loadReliability = prev })

	catalog, payment, err := buildClients(config.ServicesConfig{}, observability.NewMetrics(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := catalog.(*orders.NoopCatalogClient); !ok {
		t.Fatalf("expected noop catalog, got %T", catalog)
	}
	if _, ok := payment.(*orders.NoopPaymentClient); !ok {
		t.Fatalf("expected noop payment, got %T", payment)
	}
}

func TestBuildClients_WrapsConfiguredServices(t *testing.T) {
	prev := loadReliability
	loadReliability = func() (orders.ReliabilityConfig, error) {
		return orders.ReliabilityConfig{RetryMaxAttempts: 2, BreakerMaxFailures: 3, BreakerResetTimeout: time.Second}, nil
	}
	t.Cleanup(func() { loadReliability = prev })

	catalog, payment, err := buildClients(config.ServicesConfig{CatalogURL: "http://catalog", HTTPTimeout: time.Second}, nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := catalog.(*orders.ReliableCatalogClient); !ok {
		t.Fatalf("expected reliable catalog, got %T", catalog)
	}
	if _, ok := payment.(*orders.NoopPaymentClient); !ok {
		t.Fatalf("expected noop payment, got %T", payment)
	}
}

func TestBuildClients_ReliabilityError(t *testing.T) {
	prev := loadReliability
	loadReliability = func() (orders.ReliabilityConfig, error) {
		return orders.ReliabilityConfig{}, errors.New("ORDER_RETRY_MAX_ATTEMPTS is required")
	}
	t.Cleanup(func() { loadReliability = prev })

	if _, _, err := buildClients(config.ServicesConfig{PaymentURL: "http://payment"}, nil, zaptest.NewLogger(t)); err == nil {
		t.Fatalf("expected reliability error")
	}
}
