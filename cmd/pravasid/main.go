// Package main is the entry point for the pravasi workflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/pravasi/internal/compliance"
	"github.com/pitabwire/pravasi/internal/config"
	"github.com/pitabwire/pravasi/internal/definition"
	"github.com/pitabwire/pravasi/internal/notify"
	"github.com/pitabwire/pravasi/internal/observability"
	"github.com/pitabwire/pravasi/internal/transition"
	"github.com/pitabwire/pravasi/internal/transport"
	"github.com/pitabwire/pravasi/internal/workflow"
	"github.com/pitabwire/pravasi/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load definitions, validate, build registry.
	files, err := loadDefinitions(cfg.Definitions.Directories, logger)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	registry := definition.NewRegistry(files)
	metrics.SetMachinesLoaded(float64(registry.Len()))

	// Step 5: Initialize the entity store.
	store, storeCloser, err := buildEntityStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("entity store initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Initialize the idempotency store (optional).
	idempotencyStore, idempotencyCloser := buildIdempotencyStore(cfg.Idempotency, logger)

	// Step 7: Build the notification dispatcher.
	dispatcher, notifyHealth, notifyCloser, err := buildDispatcher(cfg.Notifications, metrics, logger)
	if err != nil {
		logger.Error("notification dispatcher initialization failed", zap.Error(err))
		return 1
	}

	// Step 8: Build the orchestrator and service.
	orchestrator := workflow.NewOrchestrator(registry,
		workflow.WithDispatcher(dispatcher),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger),
	)
	svcOpts := []workflow.ServiceOption{
		workflow.WithServiceMetrics(metrics),
		workflow.WithServiceLogger(logger),
	}
	if idempotencyStore != nil {
		svcOpts = append(svcOpts, workflow.WithIdempotencyStore(idempotencyStore, cfg.Idempotency.Store.DefaultTTL))
	}
	service := workflow.NewService(orchestrator, store, svcOpts...)

	// Step 9: Build HTTP router.
	readinessChecks := observability.ReadinessChecks{
		Definitions:   registry,
		Notifications: notifyHealth,
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		readinessChecks.EntityStore = hc
	}
	if hc, ok := idempotencyStore.(observability.HealthChecker); ok {
		readinessChecks.IdempotencyStore = hc
	}

	evaluator := compliance.NewEvaluator(registry)
	router := transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Registry:  registry,
		Validator: transition.NewValidator(registry),
		Evaluator: evaluator,
		Service:   service,
		Logger:    logger,
		Metrics:   metrics,
		Readiness: readinessChecks,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Compliance.SweepEnabled {
		sweeper := compliance.NewSweeper(evaluator, service,
			compliance.WithAlerter(notify.NewAlertNotifier(dispatcher, registry)),
			compliance.WithMetrics(metrics),
			compliance.WithLogger(logger),
			compliance.WithConcurrency(cfg.Compliance.SweepConcurrency),
		)
		go sweeper.Run(bgCtx, cfg.Compliance.SweepInterval, func() time.Time { return time.Now().UTC() })
	}
	if cfg.Definitions.ReloadInterval > 0 {
		go runDefinitionReloader(bgCtx, cfg.Definitions, registry, metrics, logger)
	}

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("machines", registry.Len()),
		zap.String("definitions_checksum", registry.Checksum()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel background tasks.
	bgCancel()

	// Close stores and clients.
	for _, closer := range []func(){storeCloser, idempotencyCloser, notifyCloser} {
		if closer != nil {
			closer()
		}
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// loadDefinitions reads and validates every definition file. All
// validation errors are logged before failing.
func loadDefinitions(dirs []string, logger *zap.Logger) ([]model.DefinitionFile, error) {
	files, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		return nil, err
	}
	verrs := definition.NewValidator().Validate(files)
	if len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		return nil, fmt.Errorf("definition validation failed with %d errors", len(verrs))
	}
	return files, nil
}

// buildEntityStore creates the entity store based on config.
func buildEntityStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory entity store")
		return workflow.NewMemoryStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("entity store: %s environment variable not set", cfg.DSNEnv)
		}
		pool, err := workflow.OpenPool(ctx, dsn, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("entity store: %w", err)
		}
		store := workflow.NewPgStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("entity store: %w", err)
		}
		logger.Info("using postgres entity store")
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported entity store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (workflow.IdempotencyStore, func()) {
	if !cfg.Enabled {
		return nil, nil
	}

	switch cfg.Store.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: os.Getenv(cfg.Store.AddrEnv),
			DB:   cfg.Store.DB,
		})
		logger.Info("using redis idempotency store")
		return workflow.NewRedisIdempotencyStore(client), func() { _ = client.Close() }
	default:
		logger.Info("using in-memory idempotency store")
		return workflow.NewMemoryIdempotencyStore(), nil
	}
}

// buildDispatcher creates the notification dispatcher behind a circuit
// breaker. The health checker is nil for the log dispatcher.
func buildDispatcher(cfg config.NotificationsConfig, metrics *observability.Metrics, logger *zap.Logger) (notify.Dispatcher, observability.HealthChecker, func(), error) {
	breaker := notify.NewCircuitBreaker(
		cfg.CircuitBreaker.FailureThreshold,
		cfg.CircuitBreaker.SuccessThreshold,
		cfg.CircuitBreaker.Timeout,
	)

	switch cfg.Driver {
	case "log", "":
		logger.Info("logging transition notifications")
		return notify.NewBreakerDispatcher("log", notify.NewLogDispatcher(logger), breaker, metrics), nil, nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: os.Getenv(cfg.AddrEnv),
			DB:   cfg.DB,
		})
		stream := notify.NewRedisDispatcher(client, cfg.Stream, cfg.MaxLen)
		logger.Info("publishing transition notifications to redis", zap.String("stream", cfg.Stream))
		return notify.NewBreakerDispatcher("redis", stream, breaker, metrics), stream, func() { _ = client.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported notifications driver: %q", cfg.Driver)
	}
}

// runDefinitionReloader periodically re-reads the definition directories and
// swaps the registry when the content changed. Invalid definitions are
// logged and the previous snapshot is kept.
func runDefinitionReloader(ctx context.Context, cfg config.DefinitionsConfig, registry *definition.Registry, metrics *observability.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.ReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			files, err := loadDefinitions(cfg.Directories, logger)
			if err != nil {
				metrics.RecordDefinitionReload("error")
				logger.Warn("definition reload failed, keeping previous definitions", zap.Error(err))
				continue
			}
			next := definition.NewRegistry(files)
			if next.Checksum() == registry.Checksum() {
				metrics.RecordDefinitionReload("unchanged")
				continue
			}
			registry.Replace(files)
			metrics.RecordDefinitionReload("ok")
			metrics.SetMachinesLoaded(float64(registry.Len()))
			logger.Info("definitions reloaded",
				zap.Int("machines", registry.Len()),
				zap.String("checksum", registry.Checksum()),
			)
		}
	}
}
