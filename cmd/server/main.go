package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orderflow/cmd/server/config"
	grpcadapter "orderflow/internal/adapters/grpc"
	"orderflow/internal/idempotency"
	"orderflow/internal/messaging"
	"orderflow/internal/observability"
	"orderflow/internal/orders"
	"orderflow/internal/realtime"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const shutdownTimeout = 5 * time.Second

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := config.LoadApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := newLogger(app)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, app, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func newLogger(app config.AppConfig) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if app.LogDev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", app.ServiceName)), nil
}

func run(ctx context.Context, app config.AppConfig, logger *zap.Logger) error {
	tracingCfg, err := config.LoadTracing()
	if err != nil {
		return err
	}
	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Endpoint:    tracingCfg.Endpoint,
		ServiceName: app.ServiceName,
		Insecure:    tracingCfg.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("shutdown tracing", zap.Error(err))
		}
	}()

	metrics := observability.NewMetrics()

	dbCfg, err := config.LoadDatabase()
	if err != nil {
		return err
	}
	ledgerCfg, err := config.LoadLedger()
	if err != nil {
		return err
	}
	stores, cleanup, err := buildBackends(ctx, logger, dbCfg, ledgerCfg)
	if err != nil {
		return err
	}
	defer cleanup()

	servicesCfg, err := config.LoadServices()
	if err != nil {
		return err
	}
	if err := ledgerCfg.CoversHandler(servicesCfg.HTTPTimeout); err != nil {
		return err
	}
	catalog, payment, err := buildClients(servicesCfg, metrics, logger)
	if err != nil {
		return err
	}

	kafkaCfg, err := config.LoadKafka()
	if err != nil {
		return err
	}
	var (
		writer messaging.Writer
		sinks  []orders.OrderCompletedPublisher
	)
	if kafkaCfg.Enabled() && (kafkaCfg.OrderCompletedTopic != "" || kafkaCfg.DeadLetterTopic != "") {
		w := messaging.NewWriter(kafkaCfg.Brokers)
		defer func() {
			if err := w.Close(); err != nil {
				logger.Warn("close kafka writer", zap.Error(err))
			}
		}()
		writer = w
		if kafkaCfg.OrderCompletedTopic != "" {
			sinks = append(sinks, messaging.NewProducer(w, kafkaCfg.OrderCompletedTopic))
		}
	}

	hub := realtime.NewHub(logger)
	events := orders.NewFanoutPublisher(orders.NewOrderCompletedHandler(stores.orders, logger), hub, logger, sinks...)
	orch := orders.NewOrderProcessSaga(stores.sagas, catalog, payment, events,
		orders.WithSagaLogger(logger),
		orders.WithSagaObserver(metrics),
		orders.WithOrderRepository(stores.orders),
	)
	gate := idempotency.NewGate(stores.ledger,
		idempotency.WithWait(ledgerCfg.WaitTimeout, ledgerCfg.PollInterval),
		idempotency.WithObserver(metrics.GateOutcome),
		idempotency.WithLogger(logger),
	)
	handlers := orders.NewCommandHandlers(gate, orch)

	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	obsCfg, err := config.LoadObservability()
	if err != nil {
		return err
	}

	var limiter rateLimiter
	if l := newIngressLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst); l != nil {
		limiter = l
	}
	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, metrics, logger)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(limiter, metrics, logger)),
	)
	grpcadapter.RegisterOrderServiceServer(server, grpcadapter.NewOrderServer(handlers, orch))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	setServing(healthServer, healthpb.HealthCheckResponse_SERVING)

	if app.Env != "production" {
		reflection.Register(server)
		logger.Info("gRPC reflection enabled", zap.String("env", app.Env))
	}

	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}

	obsSrv := &http.Server{
		Addr:              obsCfg.Addr,
		Handler:           observabilityHandler(metrics, hub),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc server listening", zap.String("addr", grpcCfg.Addr))
		return server.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("observability server listening", zap.String("addr", obsCfg.Addr))
		if err := obsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if kafkaCfg.Enabled() {
		consumer, reader := buildConsumer(kafkaCfg, orch, writer, metrics, logger)
		g.Go(func() error {
			defer func() {
				if err := reader.Close(); err != nil {
					logger.Warn("close kafka reader", zap.Error(err))
				}
			}()
			return consumer.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		setServing(healthServer, healthpb.HealthCheckResponse_NOT_SERVING)
		metrics.MarkShutdown(metrics.Snapshot().InFlight)
		server.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := obsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown observability server", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

// observabilityHandler serves metrics, health and the /ws order feed, with a
// server span per request.
func observabilityHandler(metrics *observability.Metrics, feed http.Handler, opts ...otelhttp.Option) http.Handler {
	mux := observability.NewMux(metrics)
	mux.Handle("/ws", feed)
	return otelhttp.NewHandler(mux, "observability", opts...)
}

func buildConsumer(cfg config.KafkaConfig, events messaging.SagaEvents, writer messaging.Writer, metrics *observability.Metrics, logger *zap.Logger) (*messaging.Consumer, messaging.Reader) {
	reader := messaging.NewReader(cfg.Brokers, cfg.GroupID, cfg.StockCheckedTopic, cfg.OrderPaidTopic)
	opts := []messaging.ConsumerOption{
		messaging.WithRecorder(metrics),
		messaging.WithConsumerLogger(logger),
	}
	consumerCfg := messaging.ConsumerConfig{
		StockCheckedTopic: cfg.StockCheckedTopic,
		OrderPaidTopic:    cfg.OrderPaidTopic,
		Retry: orders.RetryPolicy{
			MaxAttempts: cfg.HandlerMaxAttempts,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
	}
	if writer != nil && cfg.DeadLetterTopic != "" {
		consumerCfg.DeadLetterTopic = cfg.DeadLetterTopic
		opts = append(opts, messaging.WithDeadLetterWriter(writer))
	}
	logger.Info("kafka consumer configured",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group_id", cfg.GroupID),
		zap.String("dead_letter_topic", consumerCfg.DeadLetterTopic),
	)
	return messaging.NewConsumer(reader, events, consumerCfg, opts...), reader
}

func setServing(hs *health.Server, status healthpb.HealthCheckResponse_ServingStatus) {
	hs.SetServingStatus(grpcadapter.ServiceName, status)
	hs.SetServingStatus("", status)
}
