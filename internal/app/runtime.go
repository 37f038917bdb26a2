// Package app wires configuration into running processes: the API server,
// the outbox worker and the event consumer.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"example.com/commlifecycle/internal/catalog"
	"example.com/commlifecycle/internal/config"
	"example.com/commlifecycle/internal/dedup"
	"example.com/commlifecycle/internal/lifecycle"
	"example.com/commlifecycle/internal/messaging"
	"example.com/commlifecycle/internal/outbox"
	"example.com/commlifecycle/internal/storage"
	"example.com/commlifecycle/internal/storage/memory"
	"example.com/commlifecycle/internal/storage/postgres"
	"example.com/commlifecycle/internal/storage/sqlite"
	"example.com/commlifecycle/internal/subscriber"
	transporthttp "example.com/commlifecycle/internal/transport/http"
)

const serviceName = "commlifecycle"

// NewLogger returns the JSON process logger. Unknown levels fall back to info.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})).With("service", serviceName)
	slog.SetDefault(logger)
	return logger
}

// OpenStore opens the configured store. PostgreSQL migrations and the SQLite
// schema are applied on open.
func OpenStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMaxConn)
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("postgres migrations: %w", err)
		}
		return postgres.NewStore(db), nil
	case "sqlite":
		return sqlite.Open(ctx, cfg.SQLitePath)
	default:
		return memory.New(), nil
	}
}

// NewPublisher selects the broker publisher.
func NewPublisher(cfg config.Config, log *slog.Logger) (messaging.Publisher, error) {
	switch cfg.Broker {
	case "amqp":
		return messaging.NewAMQPPublisher(amqpConfig(cfg), log), nil
	case "kafka":
		return messaging.NewKafkaPublisher(messaging.KafkaConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaTopic,
			WriteTimeout: cfg.PublishTimeout,
		})
	default:
		return messaging.NewLoggingPublisher(log), nil
	}
}

// NewConsumer selects the broker consumer. The log broker has nothing to read.
func NewConsumer(cfg config.Config, log *slog.Logger) (messaging.Consumer, error) {
	switch cfg.Broker {
	case "amqp":
		return messaging.NewAMQPConsumer(amqpConfig(cfg), log), nil
	case "kafka":
		return messaging.NewKafkaConsumer(messaging.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroup,
		}, log)
	default:
		return nil, fmt.Errorf("broker %q cannot be consumed; use amqp or kafka", cfg.Broker)
	}
}

func amqpConfig(cfg config.Config) messaging.AMQPConfig {
	return messaging.AMQPConfig{
		URL:         cfg.AMQPURL,
		Exchange:    cfg.AMQPExchange,
		Queue:       cfg.AMQPQueue,
		RoutingKey:  cfg.AMQPRoutingKey,
		MaxAttempts: cfg.PublishMaxAttempts,
		Prefetch:    cfg.ConsumerPrefetch,
	}
}

// Runtime holds the process-wide resources shared by every command.
type Runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	store    storage.Store
	metrics  *prometheus.Registry
	registry *catalog.Registry
	catalog  *catalog.Service
}

func NewRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry := catalog.NewRegistry(store)
	logger.InfoContext(ctx, "store opened", "store_driver", cfg.StoreDriver, "broker", cfg.Broker, "event_delivery", cfg.EventDelivery)
	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		metrics:  reg,
		registry: registry,
		catalog:  catalog.NewService(store, registry, logger),
	}, nil
}

func (r *Runtime) Close() error { return r.store.Close() }

// Seed loads the catalog seed file into an empty store and refreshes the
// in-process catalog either way.
func (r *Runtime) Seed(ctx context.Context) (int, error) {
	types, err := catalog.LoadSeed(r.cfg.CatalogSeedPath)
	if err != nil {
		return 0, err
	}
	return r.catalog.Seed(ctx, types)
}

func (r *Runtime) newDispatcher(pub messaging.Publisher) *outbox.Dispatcher {
	return outbox.NewDispatcher(r.store, pub, outbox.Config{
		PollInterval: r.cfg.OutboxPoll,
		BatchSize:    r.cfg.OutboxBatchSize,
	}, r.logger, r.metrics)
}

// RunAPI serves HTTP and gRPC health until a signal arrives. In outbox
// delivery the dispatcher runs in the same process.
func (r *Runtime) RunAPI(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := r.Seed(ctx); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	pub, err := NewPublisher(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	defer pub.Close()

	opts := []lifecycle.Option{
		lifecycle.WithLogger(r.logger),
		lifecycle.WithMetrics(lifecycle.NewMetrics(r.metrics)),
	}
	var dispatcher *outbox.Dispatcher
	if r.cfg.EventDelivery == string(lifecycle.DeliveryOutbox) {
		dispatcher = r.newDispatcher(pub)
		opts = append(opts, lifecycle.WithOutboxNotifier(dispatcher.Notify))
	}
	engine := lifecycle.NewEngine(r.store, lifecycle.NewValidator(r.registry), pub, lifecycle.Config{
		Delivery:       lifecycle.DeliveryMode(r.cfg.EventDelivery),
		PublishTimeout: r.cfg.PublishTimeout,
	}, opts...)

	deps := &transporthttp.ServerDeps{
		Engine:       engine,
		Store:        r.store,
		Catalog:      r.catalog,
		Ready:        r.store.Ping,
		Metrics:      promhttp.HandlerFor(r.metrics, promhttp.HandlerOpts{Registry: r.metrics}),
		MaxBodyBytes: r.cfg.MaxBodyBytes,
		Log:          r.logger,
	}
	httpServer := &http.Server{
		Addr:              ":" + r.cfg.Port,
		Handler:           deps.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	lis, err := net.Listen("tcp", ":"+r.cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	errCh := make(chan error, 3)
	go func() {
		r.logger.InfoContext(ctx, "http listening", "port", r.cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		r.logger.InfoContext(ctx, "grpc health listening", "port", r.cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	dispatcherDone := make(chan struct{})
	if dispatcher != nil {
		go func() {
			defer close(dispatcherDone)
			if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("outbox dispatcher: %w", err)
			}
		}()
	} else {
		close(dispatcherDone)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		r.logger.ErrorContext(ctx, "runtime failure", "error", runErr)
		stop()
	}

	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.WarnContext(shutdownCtx, "http shutdown", "error", err)
	}
	grpcServer.GracefulStop()
	<-dispatcherDone
	r.logger.InfoContext(shutdownCtx, "api stopped")
	return runErr
}

// RunWorker drains the outbox until a signal arrives.
func (r *Runtime) RunWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pub, err := NewPublisher(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	defer pub.Close()

	r.logger.InfoContext(ctx, "outbox worker started", "poll_interval", r.cfg.OutboxPoll, "batch_size", r.cfg.OutboxBatchSize)
	if err := r.newDispatcher(pub).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// RunConsumer reads status events, drops duplicates and logs the rest. It
// needs no store.
func RunConsumer(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumer, err := NewConsumer(cfg, logger)
	if err != nil {
		return err
	}
	var closers []io.Closer
	closers = append(closers, consumer)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	var guard dedup.Guard = dedup.NewMemoryGuard(cfg.DedupTTL)
	if cfg.RedisURL != "" {
		client, err := dedup.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("redis ping: %w", err)
		}
		closers = append(closers, client)
		guard = dedup.NewRedisGuard(client, cfg.DedupTTL)
	}

	sub := subscriber.New(guard, subscriber.LogSink(logger), logger, nil)
	logger.InfoContext(ctx, "consumer starting", "broker", cfg.Broker, "shared_dedup", cfg.RedisURL != "")
	return consumer.Consume(ctx, sub.Handle)
}
