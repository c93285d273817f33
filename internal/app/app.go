// Package app assembles the rollout service graph from configuration. The
// server, worker and runner binaries share it so they wire identically.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"cascade/internal/config"
	"cascade/internal/db"
	"cascade/internal/observability"
	"cascade/internal/rollout"
	"cascade/internal/runtime"
	"cascade/internal/server"
	"cascade/internal/service"
	"cascade/internal/sink"
	"cascade/internal/stage"
	"cascade/internal/storage"
)

// App holds the wired dependencies of one process.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	AWS     aws.Config
	Store   storage.Store
	Service *service.Service
	Metrics observability.Metrics

	// Set only for the prometheus backend.
	Prometheus *observability.PrometheusMetrics
	Registry   *prometheus.Registry

	// Nil when DATABASE_URL is unset.
	Runs *db.RunRepository

	Probes []server.HealthProbe

	pool *pgxpool.Pool
}

// New wires an App. Scratch and model directories are created if missing;
// with a database configured the ledger schema is applied.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	for _, dir := range []string{cfg.Storage.ScratchDir, cfg.Storage.ModelDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Storage.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	a.AWS = awsCfg

	a.buildMetrics()

	var ledger service.Ledger = db.NopLedger{}
	if cfg.Database.Enabled() {
		if err := a.connectDB(ctx); err != nil {
			return nil, err
		}
		a.Runs = db.NewRunRepository(a.pool)
		ledger = a.Runs
	}

	store := storage.NewRouter(storage.NewS3Store(a.newS3Client(), logger), storage.FileStore{})
	a.Store = store

	rt := a.buildRuntime()

	stepSink := service.NewRecordingSink(sink.New(sink.Config{
		Store:      store,
		ScratchDir: cfg.Storage.ScratchDir,
		Metrics:    a.Metrics,
		Logger:     logger,
	}), ledger, logger)

	controller := rollout.NewController(rollout.Config{
		Runtime:    rt,
		Sink:       stepSink,
		Models:     stage.NewFetcher(store, cfg.Storage.ModelDir, logger),
		Frequency:  cfg.Rollout.Frequency,
		OutputName: cfg.Rollout.OutputName,
		Clock:      clockwork.NewRealClock(),
		Metrics:    a.Metrics,
		Logger:     logger,
	})

	a.Service = service.New(service.Config{
		Store:      store,
		Runner:     controller,
		Ledger:     ledger,
		Stages:     cfg.Rollout.Schedule(),
		ScratchDir: cfg.Storage.ScratchDir,
		Logger:     logger,
	})
	return a, nil
}

func (a *App) buildMetrics() {
	switch a.Config.Observability.MetricsBackend {
	case "prometheus":
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.Prometheus = observability.NewPrometheusMetrics(a.Registry)
		a.Metrics = a.Prometheus
	case "cloudwatch":
		client := cloudwatch.NewFromConfig(a.AWS, func(o *cloudwatch.Options) {
			if ep := a.Config.Storage.EndpointURL; ep != "" {
				o.BaseEndpoint = aws.String(ep)
			}
		})
		a.Metrics = observability.NewCloudWatchMetrics(client, a.Config.Observability.MetricNamespace, a.Logger)
	default:
		a.Metrics = observability.Nop{}
	}
}

func (a *App) newS3Client() *s3.Client {
	return s3.NewFromConfig(a.AWS, func(o *s3.Options) {
		if ep := a.Config.Storage.EndpointURL; ep != "" {
			o.BaseEndpoint = aws.String(ep)
			o.UsePathStyle = true
		}
	})
}

func (a *App) connectDB(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(a.Config.Database.URL.Unmask())
	if err != nil {
		return fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	poolCfg.MaxConns = a.Config.Database.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("pinging database: %w", err)
	}
	if err := db.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return err
	}
	a.pool = pool
	a.Probes = append(a.Probes, server.ProbeFunc{ProbeName: "database", Fn: pool.Ping})
	return nil
}

func (a *App) buildRuntime() runtime.Runtime {
	rc := a.Config.Runtime
	if rc.Echo {
		a.Logger.Warn("using echo runtime; model files are not executed")
		return &runtime.EchoRuntime{OutputName: a.Config.Rollout.OutputName, Logger: a.Logger}
	}
	base := runtime.NewBaseClient(&http.Client{Timeout: rc.Timeout}, "inference-runtime", runtime.NoRetry(), rc.UserAgent)
	rt := runtime.NewHTTPRuntime(base, runtime.HTTPRuntimeConfig{
		BaseURL: rc.URL,
		APIKey:  rc.APIKey,
		Logger:  a.Logger,
	})
	a.Probes = append(a.Probes, server.ProbeFunc{ProbeName: "runtime", Fn: rt.Ping})
	return rt
}

// Close releases the database pool.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
