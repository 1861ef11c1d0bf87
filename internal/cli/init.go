// Package cli provides common CLI initialization utilities.
// This package consolidates the bootstrap shared by cmd/budgetmirror,
// cmd/budgetmirror-worker and cmd/budgetmirror-mcp.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"budgetmirror/internal/backend"
	"budgetmirror/internal/cache"
	"budgetmirror/internal/config"
	"budgetmirror/internal/log"
	"budgetmirror/internal/report"
	"budgetmirror/internal/services"
	"budgetmirror/internal/storage"
	"budgetmirror/internal/worker"
)

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// SetupLogger initializes structured logging at the LOG_LEVEL level and
// sets it as the default logger. Unknown levels fall back to info.
func SetupLogger(level string) *log.Logger {
	lvl, err := log.ParseLevel(level)
	logger := log.New(log.Config{
		Level:     lvl,
		Component: log.ComponentApp,
		Handler:   slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}),
	})
	log.SetDefault(logger)
	if err != nil {
		logger.Warn("Falling back to info logging", log.FieldError, err)
	}
	return logger
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig(logger *log.Logger) *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}
	return cfg
}

// Core is the object graph every process shares: the mirror store, the
// remote source, the sync coordinator behind a single-flight worker and
// the cached report service.
type Core struct {
	Store       *storage.Store
	Coordinator *services.Coordinator
	Worker      *worker.SyncWorker
	Reports     *report.Service
	Caches      *cache.Manager

	closeSource backend.CleanupFunc
}

// NewCore opens the store, builds the configured remote source and wires
// report cache invalidation to sync commits. publisher may be nil.
func NewCore(ctx context.Context, cfg *config.Config, publisher worker.CompletionPublisher) (*Core, error) {
	store, err := storage.Open(ctx, cfg.SQLiteDBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sourceCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	source, err := backend.NewFactory(slog.Default()).CreateSource(ctx, sourceCfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create remote source: %w", err)
	}

	reports := report.NewService(store, report.ServiceConfig{
		CacheSize: cfg.ReportCacheSize,
		CacheTTL:  cfg.ReportCacheTTL,
	})
	coordinator := services.NewCoordinator(store, source.Source)
	coordinator.OnCommit(reports.Invalidate)

	caches := cache.NewManager()
	for _, c := range reports.Caches() {
		caches.Register(c)
	}

	return &Core{
		Store:       store,
		Coordinator: coordinator,
		Worker:      worker.NewSyncWorker(coordinator, publisher),
		Reports:     reports,
		Caches:      caches,
		closeSource: source.Cleanup,
	}, nil
}

// Close releases the remote source, the cache cleanup loop and the store.
func (c *Core) Close() {
	c.Caches.Stop()
	if c.closeSource != nil {
		if err := c.closeSource(); err != nil {
			slog.Warn("Failed to close remote source", log.FieldError, err)
		}
	}
	if err := c.Store.Close(); err != nil {
		slog.Warn("Failed to close store", log.FieldError, err)
	}
}

// GracefulShutdown returns a context cancelled on SIGINT or SIGTERM. The
// cleanup function runs once, bounded by timeout, before cancellation.
func GracefulShutdown(logger *log.Logger, timeout time.Duration, cleanup func(ctx context.Context)) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received", "signal", sig.String())
		case <-ctx.Done():
			return
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()

		if cleanup != nil {
			cleanup(shutdownCtx)
		}
		cancel()
	}()

	return ctx, cancel
}
