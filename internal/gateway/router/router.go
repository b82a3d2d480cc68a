// Package router assembles the middleware chains: the gateway edge chain and
// the admission chain every tenant-facing service runs behind.
package router

import (
	"net/http"
	"time"

	"github.com/itamittech/documentsearch/internal/auth/ratelimit"
	gwhandler "github.com/itamittech/documentsearch/internal/gateway/handler"
	gwmw "github.com/itamittech/documentsearch/internal/gateway/middleware"
	"github.com/itamittech/documentsearch/internal/tenant"
	"github.com/itamittech/documentsearch/pkg/health"
	"github.com/itamittech/documentsearch/pkg/metrics"
	pkgmw "github.com/itamittech/documentsearch/pkg/middleware"
)

// EdgeConfig configures the gateway.
type EdgeConfig struct {
	Resolver    *tenant.Resolver
	CORSOrigins []string
	ExemptPaths []string
	Metrics     *metrics.Metrics
}

// NewEdge builds the gateway handler.
//
// Middleware chain (outermost first):
//
//	RequestID → Metrics → CORS → Tenant (format and prefix only) → proxy
//
// The gateway never counts requests against a tenant's budget; the services
// behind it do.
func NewEdge(h *gwhandler.Handler, checker *health.Checker, cfg EdgeConfig) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())
	h.Register(mux)

	return pkgmw.Chain(mux,
		pkgmw.RequestID,
		pkgmw.Metrics(cfg.Metrics),
		gwmw.CORS(gwmw.DefaultCORSConfig(cfg.CORSOrigins)),
		gwmw.Tenant(gwmw.TenantConfig{Resolver: cfg.Resolver, ExemptPaths: cfg.ExemptPaths}),
	)
}

// ServiceConfig configures the admission chain of a tenant-facing service.
type ServiceConfig struct {
	Resolver *tenant.Resolver
	// Verifier enables the key registry check when set.
	Verifier gwmw.KeyVerifier
	// Limiter is optional; without it every resolved tenant is admitted.
	Limiter     *ratelimit.Limiter
	ExemptPaths []string
	Timeout     time.Duration
	Metrics     *metrics.Metrics
}

// NewService wraps mux in the admission chain.
//
// Middleware chain (outermost first):
//
//	RequestID → Metrics → Timeout → Tenant → Admission → mux
func NewService(mux http.Handler, cfg ServiceConfig) http.Handler {
	mws := []func(http.Handler) http.Handler{
		pkgmw.RequestID,
		pkgmw.Metrics(cfg.Metrics),
	}
	if cfg.Timeout > 0 {
		mws = append(mws, pkgmw.Timeout(cfg.Timeout))
	}
	mws = append(mws, gwmw.Tenant(gwmw.TenantConfig{
		Resolver:    cfg.Resolver,
		Verifier:    cfg.Verifier,
		ExemptPaths: cfg.ExemptPaths,
	}))
	if cfg.Limiter != nil {
		mws = append(mws, gwmw.Admission(cfg.Limiter, cfg.Metrics))
	}
	return pkgmw.Chain(mux, mws...)
}
