// Command gateway starts the API gateway.
//
// The gateway is the single entry point for tenants. It assigns request ids,
// answers CORS preflights, rejects malformed or disallowed credentials, and
// forwards everything else to the document service, the index node or the
// analytics service. Admission is left to those services.
//
// Usage:
//
//	go run ./cmd/gateway [-config configs/development.yaml]
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

	gwhandler "github.com/itamittech/documentsearch/internal/gateway/handler"
	"github.com/itamittech/documentsearch/internal/gateway/router"
	"github.com/itamittech/documentsearch/internal/tenant"
	"github.com/itamittech/documentsearch/pkg/config"
	"github.com/itamittech/documentsearch/pkg/health"
	"github.com/itamittech/documentsearch/pkg/logger"
	"github.com/itamittech/documentsearch/pkg/metrics"
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
	slog.Info("starting gateway service",
		"port", cfg.Gateway.Port,
		"document_url", cfg.Gateway.DocumentURL,
		"search_url", cfg.Gateway.SearchURL,
		"analytics_url", cfg.Gateway.AnalyticsURL,
	)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, "gateway")
		defer shutdownMetrics(context.Background())
	}

	h, err := gwhandler.New(gwhandler.Config{
		DocumentURL:  cfg.Gateway.DocumentURL,
		SearchURL:    cfg.Gateway.SearchURL,
		AnalyticsURL: cfg.Gateway.AnalyticsURL,
	})
	if err != nil {
		slog.Error("invalid gateway configuration", "error", err)
		os.Exit(1)
	}
	checker := health.NewChecker("gateway")
	h.RegisterHealth(checker)

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler: router.NewEdge(h, checker, router.EdgeConfig{
			Resolver:    tenant.NewResolver(cfg.Admission.AllowedPrefixes),
			CORSOrigins: cfg.Gateway.CORSOrigins,
			ExemptPaths: cfg.Admission.ExemptPaths,
			Metrics:     m,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("gateway service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("gateway service stopped")
}
