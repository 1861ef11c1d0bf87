package main

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"budgetmirror/internal/amqp"
	"budgetmirror/internal/cli"
	"budgetmirror/internal/log"
)

func main() {
	cli.LoadEnvFile()

	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	cfg := cli.LoadAndValidateConfig(logger)

	if !cfg.AMQPEnabled() {
		logger.Error("AMQP_URL is required for the sync worker")
		os.Exit(1)
	}

	logger.Info("Starting budgetmirror sync worker",
		"exchange", cfg.AMQPExchange,
		"queue", cfg.AMQPQueue,
		"remote_source", cfg.RemoteSource,
	)

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to connect to AMQP", log.FieldError, err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	app, err := cli.NewCore(context.Background(), cfg, amqpClient)
	if err != nil {
		logger.Error("Failed to initialize", log.FieldError, err)
		os.Exit(1)
	}
	defer app.Close()

	app.Caches.StartCleanup(5 * time.Minute)

	ctx, cancel := cli.GracefulShutdown(logger, 30*time.Second, nil)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return amqpClient.Consume(gctx, amqp.Handlers{
			SyncRequest: app.Worker.HandleSyncRequest,
			AuthState:   app.Worker.HandleAuthState,
		})
	})

	logger.Info("Sync worker started, waiting for messages")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Sync worker stopped with error", log.FieldError, err)
		cancel()
		os.Exit(1)
	}
	logger.Info("Sync worker stopped gracefully")
}
