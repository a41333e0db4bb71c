// Package app wires the durable runtime, the CMS data layer, the
// Kubernetes driver, and the three workflow authorings into a runnable
// process, analogous to the teacher's own internal/app.Run.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/affandar/toygres/internal/config"
	"github.com/affandar/toygres/internal/httpserver"
	"github.com/affandar/toygres/internal/platform"
	"github.com/affandar/toygres/internal/telemetry"
	"github.com/affandar/toygres/pkg/cms"
	"github.com/affandar/toygres/pkg/durable"
	"github.com/affandar/toygres/pkg/k8sdriver"
	"github.com/affandar/toygres/pkg/workflows"
)

// Run reads config, connects to infrastructure, and starts the selected mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting toygres", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	if cfg.OTLPEndpoint == "" {
		logger.Info("tracing disabled (OTEL_EXPORTER_OTLP_ENDPOINT not set)")
	} else {
		logger.Info("tracing endpoint configured but no tracer is wired (out of scope for this core)", "endpoint", cfg.OTLPEndpoint)
	}

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	switch cfg.Mode {
	case "migrate":
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	case "worker":
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)
		return runWorker(ctx, cfg, logger, pool, rdb, metricsReg)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	// Durable runtime.
	registry := durable.NewRegistry()
	history := durable.NewPostgresHistoryStore(pool)
	queue := durable.NewPostgresWorkQueue(pool).WithNotifier(rdb)
	timerStore := durable.NewPostgresTimerStore(pool)
	instances := durable.NewPostgresInstanceStore(pool)

	orchestrator := durable.NewOrchestrator(history, queue, timerStore, instances, registry)
	activityExecutor := durable.NewActivityExecutor(queue, history, registry, logger, cfg.ActivityAttemptCeiling)

	// CMS.
	store := cms.NewStore(pool)
	cms.RegisterActivities(registry, store)

	// Kubernetes driver.
	driver, err := k8sdriver.NewInClusterOrKubeconfigDriver(cfg.Kubeconfig, cfg.DNSZone)
	if err != nil {
		return fmt.Errorf("building kubernetes driver: %w", err)
	}
	k8sdriver.RegisterActivities(registry, driver)

	// Workflow authorings.
	workflows.RegisterWorkflows(registry)

	leaseFor := time.Duration(cfg.TurnLeaseMs) * time.Millisecond
	pollInterval := 2 * time.Second
	dispatcher := durable.NewDispatcher(queue, orchestrator, activityExecutor, logger,
		cfg.WorkerCount, cfg.ActivityWorkerCount, leaseFor, pollInterval, rdb)

	timerSweeper := durable.NewTimerSweeper(timerStore, history, queue, logger, time.Second)
	driftScanner := cms.NewDriftScanner(store, driver, logger,
		time.Duration(cfg.HealthMonitorIntervalMs)*time.Millisecond)

	srv := httpserver.NewServer(logger, pool, rdb, metricsReg, cfg.MetricsPath)
	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error {
		timerSweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		driftScanner.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("ambient server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("ambient http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	logger.Info("worker started", "turn_workers", cfg.WorkerCount, "activity_workers", cfg.ActivityWorkerCount)
	return g.Wait()
}
