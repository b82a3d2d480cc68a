// Command analytics starts the analytics service.
//
// It consumes search and index events from the analytics queue, aggregates
// them per tenant in memory, snapshots the aggregates to PostgreSQL and
// serves each tenant its own figures at GET /api/v1/analytics.
//
// Usage:
//
//	go run ./cmd/analytics [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/itamittech/documentsearch/internal/analytics"
	"github.com/itamittech/documentsearch/internal/analytics/aggregator"
	"github.com/itamittech/documentsearch/internal/auth/apikey"
	"github.com/itamittech/documentsearch/internal/gateway/router"
	"github.com/itamittech/documentsearch/internal/tenant"
	"github.com/itamittech/documentsearch/pkg/broker"
	"github.com/itamittech/documentsearch/pkg/config"
	"github.com/itamittech/documentsearch/pkg/health"
	"github.com/itamittech/documentsearch/pkg/logger"
	"github.com/itamittech/documentsearch/pkg/metrics"
	"github.com/itamittech/documentsearch/pkg/postgres"
)

const consumerGroupSuffix = "-analytics"

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting analytics service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, "analytics")
		defer shutdownMetrics(context.Background())
	}

	db, err := postgres.Connect(ctx, cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	snapshots := aggregator.NewStore(db)
	if err := snapshots.Migrate(ctx); err != nil {
		slog.Error("failed to migrate analytics_snapshots table", "error", err)
		os.Exit(1)
	}

	agg := analytics.NewAggregator()
	b, err := broker.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to open broker", "error", err)
		os.Exit(1)
	}
	events, err := b.Consumer(broker.AnalyticsQueue, broker.ConsumerOptions{
		Workers: 1,
		Group:   cfg.Kafka.ConsumerGroup + consumerGroupSuffix,
	}, analytics.HandleEvent(agg))
	if err != nil {
		slog.Error("failed to create analytics consumer", "error", err)
		os.Exit(1)
	}
	defer events.Close()

	go func() {
		if err := events.Start(ctx); err != nil {
			slog.Error("analytics consumer error", "error", err)
		}
	}()
	if cfg.Analytics.SnapshotInterval > 0 {
		snapshots.StartPeriodicSave(ctx, agg, cfg.Analytics.SnapshotInterval)
	}

	checker := health.NewChecker("analytics")
	checker.Register("postgres", health.PingCheck(db.Ping))
	checker.Register("broker", health.PingCheck(b.Ping))

	mux := http.NewServeMux()
	analytics.NewHandler(agg, snapshots).Register(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	admission := router.ServiceConfig{
		Resolver:    tenant.NewResolver(cfg.Admission.AllowedPrefixes),
		ExemptPaths: cfg.Admission.ExemptPaths,
		Timeout:     cfg.Server.RequestTimeout,
		Metrics:     m,
	}
	if cfg.Admission.VerifyKeys {
		admission.Verifier = apikey.NewRegistry(db)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router.NewService(mux, admission),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("analytics service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("analytics service stopped")
}
