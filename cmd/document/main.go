// Command document starts the document service.
//
// It accepts tenant documents over HTTP, persists them to PostgreSQL and
// publishes index and delete messages to the configured broker. A reconciler
// re-publishes documents stuck in Pending.
//
// Usage:
//
//	go run ./cmd/document [-config configs/development.yaml]
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

	"github.com/itamittech/documentsearch/internal/auth/apikey"
	"github.com/itamittech/documentsearch/internal/auth/ratelimit"
	"github.com/itamittech/documentsearch/internal/gateway/router"
	"github.com/itamittech/documentsearch/internal/ingestion/handler"
	"github.com/itamittech/documentsearch/internal/ingestion/ingestor"
	"github.com/itamittech/documentsearch/internal/ingestion/reconciler"
	"github.com/itamittech/documentsearch/internal/ingestion/store"
	"github.com/itamittech/documentsearch/internal/messaging"
	"github.com/itamittech/documentsearch/internal/tenant"
	"github.com/itamittech/documentsearch/pkg/broker"
	"github.com/itamittech/documentsearch/pkg/config"
	"github.com/itamittech/documentsearch/pkg/health"
	"github.com/itamittech/documentsearch/pkg/logger"
	"github.com/itamittech/documentsearch/pkg/metrics"
	"github.com/itamittech/documentsearch/pkg/postgres"
	pkgredis "github.com/itamittech/documentsearch/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting document service", "port", cfg.Server.Port, "broker", cfg.Broker.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, "document")
		defer shutdownMetrics(context.Background())
	}

	db, err := postgres.Connect(ctx, cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	docs := store.New(db)
	if err := docs.Migrate(ctx); err != nil {
		slog.Error("failed to migrate documents table", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to postgres")

	// The counter store is optional: admission fails open without it.
	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable at startup, admission will fail open", "error", err)
	} else {
		defer redisClient.Close()
	}

	b, err := broker.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to open broker", "error", err)
		os.Exit(1)
	}
	indexPub, err := b.Publisher(broker.IndexQueue)
	if err != nil {
		slog.Error("failed to create index publisher", "error", err)
		os.Exit(1)
	}
	deletePub, err := b.Publisher(broker.DeleteQueue)
	if err != nil {
		slog.Error("failed to create delete publisher", "error", err)
		os.Exit(1)
	}
	publisher := messaging.NewPublisher(indexPub, deletePub, m)
	defer publisher.Close()

	svc := ingestor.New(docs, publisher, m, cfg.Search.MaxPageSize)

	if cfg.Reconciler.Enabled {
		go reconciler.New(docs, publisher, cfg.Reconciler, m).Run(ctx)
		slog.Info("reconciler started", "interval", cfg.Reconciler.Interval, "stale_after", cfg.Reconciler.StaleAfter)
	}

	checker := health.NewChecker("document")
	checker.Register("postgres", health.PingCheck(db.Ping))
	checker.Register("broker", health.PingCheck(b.Ping))
	if redisClient != nil {
		checker.RegisterOptional("redis", health.PingCheck(redisClient.Ping))
	}

	mux := http.NewServeMux()
	handler.New(svc).Register(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	admission := router.ServiceConfig{
		Resolver:    tenant.NewResolver(cfg.Admission.AllowedPrefixes),
		ExemptPaths: cfg.Admission.ExemptPaths,
		Timeout:     cfg.Server.RequestTimeout,
		Metrics:     m,
	}
	if cfg.Admission.VerifyKeys {
		registry := apikey.NewRegistry(db)
		if err := db.Migrate(ctx, apikey.Schema); err != nil {
			slog.Error("failed to migrate api_keys table", "error", err)
			os.Exit(1)
		}
		admission.Verifier = registry
	}
	if redisClient != nil {
		admission.Limiter = ratelimit.New(redisClient, ratelimit.Config{
			Limit:   cfg.Admission.LimitPerMinute,
			TTL:     cfg.Admission.WindowTTL,
			Timeout: cfg.Admission.CounterTimeout,
		})
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

	slog.Info("document service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("document service stopped")
}
