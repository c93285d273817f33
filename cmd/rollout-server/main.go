// Package main is the batch-transform container entry point. It serves
// GET /ping and POST /invocations on PORT and runs one rollout at a time.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM);
// an in-flight rollout is interrupted at its next step boundary.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cascade/internal/app"
	"cascade/internal/config"
	"cascade/internal/observability"
	"cascade/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(secretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := observability.NewLogger(os.Stdout, cfg.LogLevel)
	logger.Info("rollout server starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"stages", len(cfg.Rollout.Stages),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("wiring dependencies: %w", err)
	}
	defer a.Close()

	srv, err := server.New(serverConfig(a, logger))
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	return serve(ctx, srv.Handler(), cfg, logger)
}

// secretProvider returns nil in local mode, where _SSM_PARAM pointers are
// never resolved.
func secretProvider() config.SecretProvider {
	if env := os.Getenv("APP_ENV"); env == "" || env == "local" {
		return nil
	}
	return config.NewSSMProvider(os.Getenv("AWS_REGION"))
}

// serverConfig leaves optional fields as untyped nil so the server can
// tell them apart.
func serverConfig(a *app.App, logger *slog.Logger) server.Config {
	sc := server.Config{
		Executor: a.Service,
		Probes:   a.Probes,
		Logger:   logger,
	}
	if a.Runs != nil {
		sc.Runs = a.Runs
	}
	if a.Registry != nil {
		sc.Gatherer = a.Registry
	}
	if a.Prometheus != nil {
		sc.InProgress = a.Prometheus
	}
	return sc
}

func serve(ctx context.Context, handler http.Handler, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: an invocation lasts as long as its rollout.
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server stopped cleanly")
	return nil
}
