// Package main is the queue-driven rollout worker. It long-polls
// ROLLOUT_QUEUE_URL and executes requests one at a time until SIGTERM.
// With the prometheus backend it also serves GET /metrics on PORT.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cascade/internal/app"
	"cascade/internal/config"
	"cascade/internal/observability"
	"cascade/internal/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var provider config.SecretProvider
	if env := os.Getenv("APP_ENV"); env != "" && env != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.Queue.URL == "" {
		return errors.New("ROLLOUT_QUEUE_URL is required for the worker")
	}

	workerID := uuid.NewString()
	logger := observability.NewLogger(os.Stdout, cfg.LogLevel).With("worker_id", workerID)
	logger.Info("rollout worker starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"queue_url", cfg.Queue.URL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("wiring dependencies: %w", err)
	}
	defer a.Close()

	if a.Registry != nil {
		metricsSrv := newMetricsServer(":"+cfg.Server.Port, a.Registry)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer shutdown(metricsSrv, logger)
	}

	client := sqs.NewFromConfig(a.AWS, func(o *sqs.Options) {
		if ep := cfg.Storage.EndpointURL; ep != "" {
			o.BaseEndpoint = aws.String(ep)
		}
	})
	consumer := queue.NewConsumer(queue.ConsumerConfig{
		Client:            client,
		QueueURL:          cfg.Queue.URL,
		WaitTime:          cfg.Queue.WaitTime,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		Executor:          a.Service,
		Logger:            logger,
	})
	return consumer.Run(ctx)
}

func newMetricsServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	return &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
}

func shutdown(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}
}
