package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"budgetmirror/internal/amqp"
	"budgetmirror/internal/cli"
	"budgetmirror/internal/export/sheets"
	apphttp "budgetmirror/internal/http"
	"budgetmirror/internal/log"
	"budgetmirror/internal/services"
	"budgetmirror/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	cli.LoadEnvFile()

	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	cfg := cli.LoadAndValidateConfig(logger)

	logger.Info("Starting budgetmirror", "port", cfg.Port, "remote_source", cfg.RemoteSource)

	ctx := context.Background()

	// Completion events are optional; a broker outage must not keep the
	// API from starting.
	var publisher worker.CompletionPublisher
	if cfg.AMQPEnabled() {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("AMQP unavailable, sync completions will not be published", log.FieldError, err)
		} else {
			defer amqpClient.Close()
			publisher = amqpClient
		}
	}

	app, err := cli.NewCore(ctx, cfg, publisher)
	if err != nil {
		logger.Error("Failed to initialize", log.FieldError, err)
		os.Exit(1)
	}
	defer app.Close()

	var exporter apphttp.Exporter
	if cfg.ExportEnabled() {
		sheetsExporter, err := sheets.New(ctx, sheets.Config{
			SpreadsheetID:   cfg.GoogleSpreadsheetID,
			SheetName:       cfg.GoogleSheetName,
			CredentialsJSON: cfg.GoogleServiceAccountJSON,
			CredentialsFile: cfg.GoogleServiceAccountFile,
		}, app.Reports)
		if err != nil {
			logger.Error("Failed to initialize Google Sheets export", log.FieldError, err)
			os.Exit(1)
		}
		exporter = sheetsExporter
		logger.Info("Google Sheets export enabled", "spreadsheet_id", cfg.GoogleSpreadsheetID)
	}

	processor := services.NewSyncProcessor(app.Worker, services.SyncProcessorConfig{
		PollInterval:  cfg.SyncInterval,
		RetryInterval: time.Minute,
		MaxRetries:    3,
	})

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Options{
		Reports:   app.Reports,
		Sync:      app.Worker,
		Exporter:  exporter,
		Processor: processor,
		Logger:    logger.WithComponent(log.ComponentHTTP),
	})

	app.Caches.StartCleanup(5 * time.Minute)

	runCtx, cancel := cli.GracefulShutdown(logger, 30*time.Second, func(shutdownCtx context.Context) {
		if err := processor.Stop(shutdownCtx); err != nil {
			logger.Error("Sync processor shutdown error", log.FieldError, err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
	})
	defer cancel()

	if err := processor.Start(runCtx); err != nil {
		logger.Error("Failed to start sync processor", log.FieldError, err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
		cancel()
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}
