// Command indexer starts an index node.
//
// It consumes index and delete messages into per-tenant bleve indexes and
// serves tenant search over the same indexes, with a two-tier result cache
// in front. Search events are published to the analytics queue.
//
// Usage:
//
//	go run ./cmd/indexer [-config configs/development.yaml]
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

	"golang.org/x/sync/errgroup"

	"github.com/itamittech/documentsearch/internal/analytics"
	"github.com/itamittech/documentsearch/internal/auth/apikey"
	"github.com/itamittech/documentsearch/internal/auth/ratelimit"
	"github.com/itamittech/documentsearch/internal/gateway/router"
	"github.com/itamittech/documentsearch/internal/indexer/consumer"
	"github.com/itamittech/documentsearch/internal/indexer/index"
	"github.com/itamittech/documentsearch/internal/ingestion/store"
	"github.com/itamittech/documentsearch/internal/searcher/cache"
	"github.com/itamittech/documentsearch/internal/searcher/executor"
	searchhandler "github.com/itamittech/documentsearch/internal/searcher/handler"
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
	slog.Info("starting index node",
		"port", cfg.Server.Port,
		"data_dir", cfg.Index.DataDir,
		"shards", cfg.Index.Shards,
		"broker", cfg.Broker.Driver,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, "indexer")
		defer shutdownMetrics(context.Background())
	}

	indexes, err := index.NewManager(cfg.Index, m)
	if err != nil {
		slog.Error("failed to open index manager", "error", err)
		os.Exit(1)
	}
	defer indexes.Close()
	m.SetTenantIndexes(len(indexes.Tenants()))

	db, err := postgres.Connect(ctx, cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	docs := store.New(db)

	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable at startup, shared cache and admission disabled", "error", err)
	} else {
		defer redisClient.Close()
	}

	b, err := broker.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to open broker", "error", err)
		os.Exit(1)
	}

	var tracker *analytics.Collector
	if cfg.Analytics.Enabled {
		analyticsPub, err := b.Publisher(broker.AnalyticsQueue)
		if err != nil {
			slog.Error("failed to create analytics publisher", "error", err)
			os.Exit(1)
		}
		defer analyticsPub.Close()
		tracker = analytics.NewCollector(analyticsPub, cfg.Analytics.BufferSize)
		tracker.Start(ctx)
		defer tracker.Close()
	}

	worker := consumer.New(indexes, docs, m)
	if tracker != nil {
		worker.WithTracker(tracker)
	}
	indexConsumer, err := b.Consumer(broker.IndexQueue, broker.ConsumerOptions{
		Workers:      cfg.Consumer.IndexConcurrency,
		OnDeadLetter: worker.OnDeadLetter,
	}, worker.HandleIndex)
	if err != nil {
		slog.Error("failed to create index consumer", "error", err)
		os.Exit(1)
	}
	deleteConsumer, err := b.Consumer(broker.DeleteQueue, broker.ConsumerOptions{
		Workers:      cfg.Consumer.DeleteConcurrency,
		OnDeadLetter: worker.OnDeadLetter,
	}, worker.HandleDelete)
	if err != nil {
		slog.Error("failed to create delete consumer", "error", err)
		os.Exit(1)
	}
	defer broker.CloseAll(indexConsumer, deleteConsumer)

	var queryCache *cache.QueryCache
	if cfg.Search.CacheEnabled {
		var shared cache.Store
		if redisClient != nil {
			shared = redisClient
		}
		queryCache = cache.New(shared, cfg.Search, m)
		slog.Info("search cache enabled", "size", cfg.Search.CacheSize, "ttl", cfg.Search.CacheTTL, "shared", shared != nil)
	}

	var searchTracker searchhandler.Tracker
	if tracker != nil {
		searchTracker = tracker
	}
	exec := executor.New(indexes, cfg.Search, m)
	search := searchhandler.New(exec, queryCache, searchTracker, cfg.Search.DefaultPageSize, m)

	checker := health.NewChecker("indexer")
	checker.Register("postgres", health.PingCheck(db.Ping))
	checker.Register("broker", health.PingCheck(b.Ping))
	checker.Register("index_dir", func(ctx context.Context) health.ComponentHealth {
		if cfg.Index.DataDir == "" {
			return health.ComponentHealth{Status: health.StatusUp, Message: "memory only"}
		}
		if _, err := os.Stat(cfg.Index.DataDir); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d tenant indexes", len(indexes.Tenants()))}
	})
	if redisClient != nil {
		checker.RegisterOptional("redis", health.PingCheck(redisClient.Ping))
	}

	mux := http.NewServeMux()
	search.Register(mux)
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

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("consuming index queue", "workers", cfg.Consumer.IndexConcurrency)
		return indexConsumer.Start(gctx)
	})
	g.Go(func() error {
		slog.Info("consuming delete queue", "workers", cfg.Consumer.DeleteConcurrency)
		return deleteConsumer.Start(gctx)
	})
	g.Go(func() error {
		slog.Info("index node listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down index node")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("index node failed", "error", err)
		os.Exit(1)
	}
	slog.Info("index node stopped")
}
