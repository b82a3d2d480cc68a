// Package handler implements the gateway's reverse proxies to the document
// service, the index node and the analytics service.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/itamittech/documentsearch/pkg/api"
	apperrors "github.com/itamittech/documentsearch/pkg/errors"
	"github.com/itamittech/documentsearch/pkg/health"
	"github.com/itamittech/documentsearch/pkg/logger"
	pkgmw "github.com/itamittech/documentsearch/pkg/middleware"
)

// Config holds the URLs of the upstream services.
type Config struct {
	DocumentURL  string
	SearchURL    string
	AnalyticsURL string
}

type upstream struct {
	name   string
	target *url.URL
	proxy  *httputil.ReverseProxy
}

// Handler forwards tenant requests upstream. Credentials travel unchanged;
// every upstream resolves and admits the tenant itself.
type Handler struct {
	document  *upstream
	search    *upstream
	analytics *upstream
	client    *http.Client
	logger    *slog.Logger
}

func New(cfg Config) (*Handler, error) {
	h := &Handler{
		client: &http.Client{Timeout: 2 * time.Second},
		logger: slog.Default().With("component", "gateway-handler"),
	}
	var err error
	if h.document, err = h.newUpstream("document", cfg.DocumentURL); err != nil {
		return nil, err
	}
	if h.search, err = h.newUpstream("search", cfg.SearchURL); err != nil {
		return nil, err
	}
	if h.analytics, err = h.newUpstream("analytics", cfg.AnalyticsURL); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handler) newUpstream(name, raw string) (*upstream, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid %s upstream url %q", name, raw)
	}
	proxy := httputil.NewSingleHostReverseProxy(u)
	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		director(r)
		if id := logger.RequestID(r.Context()); id != "" {
			r.Header.Set(pkgmw.RequestIDHeader, id)
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.FromContext(r.Context()).Error("upstream request failed",
			"upstream", name,
			"path", r.URL.Path,
			"error", err,
		)
		api.WriteError(w, r, apperrors.New(apperrors.ErrInternal, http.StatusBadGateway, name+" service unavailable"))
	}
	return &upstream{name: name, target: u, proxy: proxy}, nil
}

// Register mounts the proxied routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/api/v1/documents", h.document.proxy)
	mux.Handle("/api/v1/documents/", h.document.proxy)
	mux.Handle("/api/v1/search", h.search.proxy)
	mux.Handle("/api/v1/search/", h.search.proxy)
	mux.Handle("/api/v1/analytics", h.analytics.proxy)
}

// RegisterHealth adds a liveness probe for every upstream to c. Analytics
// being down only degrades the gateway.
func (h *Handler) RegisterHealth(c *health.Checker) {
	c.Register(h.document.name, health.PingCheck(h.probe(h.document)))
	c.Register(h.search.name, health.PingCheck(h.probe(h.search)))
	c.RegisterOptional(h.analytics.name, health.PingCheck(h.probe(h.analytics)))
}

func (h *Handler) probe(u *upstream) func(ctx context.Context) error {
	live := u.target.JoinPath("/health/live").String()
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, live, nil)
		if err != nil {
			return err
		}
		resp, err := h.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s returned %d", u.name, resp.StatusCode)
		}
		return nil
	}
}
