package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/expgrid/dispatchd/internal/application/lifecycle"
	"github.com/expgrid/dispatchd/internal/application/locks"
	"github.com/expgrid/dispatchd/internal/application/queue"
	"github.com/expgrid/dispatchd/internal/application/reconciler"
	"github.com/expgrid/dispatchd/internal/config"
	"github.com/expgrid/dispatchd/pkg/adapters/codec"
	eventsmemory "github.com/expgrid/dispatchd/pkg/adapters/events/memory"
	eventsredis "github.com/expgrid/dispatchd/pkg/adapters/events/redis"
	"github.com/expgrid/dispatchd/pkg/adapters/metrics/prometheus"
	"github.com/expgrid/dispatchd/pkg/adapters/storage"
	storagememory "github.com/expgrid/dispatchd/pkg/adapters/storage/memory"
	storagepostgres "github.com/expgrid/dispatchd/pkg/adapters/storage/postgres"
	storageredis "github.com/expgrid/dispatchd/pkg/adapters/storage/redis"
	"github.com/expgrid/dispatchd/pkg/api/grpc"
	"github.com/expgrid/dispatchd/pkg/api/http"
	"github.com/expgrid/dispatchd/pkg/api/websocket"
	"github.com/expgrid/dispatchd/pkg/ports"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting dispatcher",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	ctx := context.Background()

	// Redis client is shared by the redis storage and event backends
	var redisClient *goredis.Client
	if cfg.StorageBackend == "redis" || cfg.EventBackend == "redis" {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	metricsCollector := prometheus.NewCollector()

	// Storage backend
	var store ports.TaskStore
	switch cfg.StorageBackend {
	case "memory":
		store = storagememory.NewStore()
	case "redis":
		store = storageredis.NewTaskStore(redisClient, logger)
	case "postgres":
		db, err := storagepostgres.Open(ctx, storagepostgres.Config{
			URL:             cfg.Postgres.URL,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			logger.Fatal("failed to connect to Postgres", zap.Error(err))
		}
		defer db.Close()

		pgStore := storagepostgres.NewTaskStore(db, logger)
		if err := pgStore.Migrate(ctx); err != nil {
			logger.Fatal("failed to apply Postgres schema", zap.Error(err))
		}
		store = pgStore
	}
	store = storage.Instrument(store, metricsCollector)
	logger.Info("storage backend ready", zap.String("backend", cfg.StorageBackend))

	// Event bus backend
	var eventBus ports.EventBus
	switch cfg.EventBackend {
	case "memory":
		eventBus = eventsmemory.NewEventBus()
	case "redis":
		eventBus = eventsredis.NewStreamsEventBus(
			redisClient,
			"dispatchd-consumers",
			fmt.Sprintf("dispatchd-%d", os.Getpid()),
			logger,
		)
	}

	// Core application components
	lockRegistry := locks.NewRegistry()
	taskQueue := queue.New()

	controller := lifecycle.NewController(
		store,
		eventBus,
		metricsCollector,
		codec.NewIdentity(),
		lockRegistry,
		taskQueue,
		logger,
		lifecycle.Config{
			MaxUpdateAttempts:    cfg.Dispatcher.MaxUpdateAttempts,
			DefaultTaskTimeout:   cfg.Timeouts.DefaultTaskTimeout,
			TimeoutHardCeiling:   cfg.Timeouts.TimeoutHardCeiling,
			ReconcileGraceWindow: cfg.Timeouts.ReconcileGraceWindow,
			ReportQueueSize:      cfg.Dispatcher.ReportQueueSize,
			ReportWorkers:        cfg.Dispatcher.ReportWorkers,
		},
	)

	reconcileService := reconciler.NewService(controller, cfg.Timeouts.ReconcileInterval, logger)
	reconcileService.Start()

	// API servers
	httpServer := http.NewServer(&http.Config{
		Port:       cfg.HTTPPort,
		Controller: controller,
		Logger:     logger,
	})

	wsHandler := websocket.NewHandler(eventBus, logger)
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:       cfg.GRPCPort,
		Controller: controller,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("dispatcher started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.String("storage_backend", cfg.StorageBackend),
		zap.String("event_backend", cfg.EventBackend))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	reconcileService.Stop()

	if err := controller.Shutdown(shutdownCtx); err != nil {
		logger.Error("lifecycle controller shutdown error", zap.Error(err))
	}

	if err := eventBus.Close(); err != nil {
		logger.Error("event bus close error", zap.Error(err))
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Redis close error", zap.Error(err))
		}
	}

	logger.Info("dispatcher shut down complete")
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
