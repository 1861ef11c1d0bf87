package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"budgetmirror/internal/cli"
	"budgetmirror/internal/config"
	"budgetmirror/internal/log"
	"budgetmirror/internal/mcpserver"
)

var version = "dev"

func main() {
	cli.LoadEnvFile()

	// stdout belongs to the stdio transport, so logs go to stderr.
	level, _ := log.ParseLevel(os.Getenv("LOG_LEVEL"))
	logger := log.New(log.Config{
		Level:     level,
		Component: log.ComponentMCP,
		Handler:   slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	})
	log.SetDefault(logger)

	cfg := cli.LoadAndValidateConfig(logger)

	app, err := cli.NewCore(context.Background(), cfg, nil)
	if err != nil {
		logger.Error("Failed to initialize", log.FieldError, err)
		os.Exit(1)
	}
	defer app.Close()

	server := mcpserver.New(app.Reports, app.Worker, version)

	switch cfg.MCPTransport {
	case config.TransportHTTP:
		err = serveHTTP(logger, ":"+cfg.Port, server)
	default:
		logger.Info("Serving MCP over stdio", "version", version)
		ctx, cancel := cli.GracefulShutdown(logger, 5*time.Second, nil)
		defer cancel()
		err = server.Run(ctx, &mcp.StdioTransport{})
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	}

	if err != nil {
		logger.Error("MCP server stopped with error", log.FieldError, err)
		app.Close()
		os.Exit(1)
	}
	logger.Info("MCP server stopped")
}

func serveHTTP(logger *log.Logger, addr string, server *mcp.Server) error {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil)

	srv := &http.Server{
		Addr:              addr,
		Handler:           log.Middleware(logger.WithComponent(log.ComponentHTTP))(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := cli.GracefulShutdown(logger, 10*time.Second, func(shutdownCtx context.Context) {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("MCP HTTP shutdown error", log.FieldError, err)
		}
	})
	defer cancel()

	logger.Info("Serving MCP over streamable HTTP", "addr", addr, "version", version)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}
