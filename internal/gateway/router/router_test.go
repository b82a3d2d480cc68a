package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itamittech/documentsearch/internal/auth/ratelimit"
	gwhandler "github.com/itamittech/documentsearch/internal/gateway/handler"
	"github.com/itamittech/documentsearch/internal/tenant"
	"github.com/itamittech/documentsearch/pkg/api"
	"github.com/itamittech/documentsearch/pkg/config"
	"github.com/itamittech/documentsearch/pkg/health"
	pkgmw "github.com/itamittech/documentsearch/pkg/middleware"
	"github.com/itamittech/documentsearch/pkg/redis"
)

var (
	resolver = tenant.NewResolver([]string{"sk_live_", "sk_test_"})
	exempt   = []string{"/health", "/metrics"}
)

// upstreamEcho reports which service answered and what it received.
func upstreamEcho(name string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, "", map[string]string{
			"service":    name,
			"path":       r.URL.Path,
			"query":      r.URL.RawQuery,
			"api_key":    r.Header.Get("X-API-Key"),
			"request_id": r.Header.Get(pkgmw.RequestIDHeader),
		})
	}))
}

func newEdge(t *testing.T, cfg gwhandler.Config) http.Handler {
	t.Helper()
	h, err := gwhandler.New(cfg)
	require.NoError(t, err)
	checker := health.NewChecker("gateway")
	h.RegisterHealth(checker)
	return NewEdge(h, checker, EdgeConfig{Resolver: resolver, ExemptPaths: exempt})
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) api.Response {
	t.Helper()
	var resp api.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestEdgeRoutesToUpstreams(t *testing.T) {
	docs, search, stats := upstreamEcho("document"), upstreamEcho("search"), upstreamEcho("analytics")
	defer docs.Close()
	defer search.Close()
	defer stats.Close()
	edge := newEdge(t, gwhandler.Config{DocumentURL: docs.URL, SearchURL: search.URL, AnalyticsURL: stats.URL})

	for path, want := range map[string]string{
		"/api/v1/documents":          "document",
		"/api/v1/documents/abc":      "document",
		"/api/v1/search?q=x":         "search",
		"/api/v1/search/cache/stats": "search",
		"/api/v1/analytics":          "analytics",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-API-Key", "sk_live_acme_secret")
		req.Header.Set(pkgmw.RequestIDHeader, "req-123")
		rec := httptest.NewRecorder()
		edge.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, path)
		data := decode(t, rec).Data.(map[string]any)
		assert.Equal(t, want, data["service"], path)
		assert.Equal(t, "sk_live_acme_secret", data["api_key"], "credential forwarded unchanged")
		assert.Equal(t, "req-123", data["request_id"])
		assert.Equal(t, "req-123", rec.Header().Get(pkgmw.RequestIDHeader))
	}
}

func TestEdgeRejectsBadCredentialsLocally(t *testing.T) {
	hits := 0
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer up.Close()
	edge := newEdge(t, gwhandler.Config{DocumentURL: up.URL, SearchURL: up.URL, AnalyticsURL: up.URL})

	for _, key := range []string{"", "garbage", "pk_live_acme_x", "sk_live_bad.tenant_x"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/search?q=x", nil)
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		rec := httptest.NewRecorder()
		edge.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, key)
	}
	assert.Zero(t, hits)
}

func TestEdgeUpstreamDown(t *testing.T) {
	up := httptest.NewServer(http.NotFoundHandler())
	dead := up.URL
	up.Close()
	edge := newEdge(t, gwhandler.Config{DocumentURL: dead, SearchURL: dead, AnalyticsURL: dead})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
	req.Header.Set("X-API-Key", "sk_live_acme_x")
	rec := httptest.NewRecorder()
	edge.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.False(t, decode(t, rec).Success)

	rec = httptest.NewRecorder()
	edge.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "health needs no credential")
}

func TestInvalidUpstreamURL(t *testing.T) {
	_, err := gwhandler.New(gwhandler.Config{DocumentURL: "not a url"})
	assert.Error(t, err)
}

func TestServiceChainResolvesAndAdmits(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{Addr: mr.Addr(), PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/whoami", func(w http.ResponseWriter, r *http.Request) {
		id, _ := tenant.FromContext(r.Context())
		api.WriteJSON(w, http.StatusOK, "", map[string]string{"tenant_id": id})
	})
	h := NewService(mux, ServiceConfig{
		Resolver:    resolver,
		Limiter:     ratelimit.New(client, ratelimit.Config{Limit: 1, Timeout: time.Second}),
		ExemptPaths: exempt,
		Timeout:     time.Second,
	})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
		req.Header.Set("Authorization", "Bearer sk_test_acme_x")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := send()
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", decode(t, rec).Data.(map[string]any)["tenant_id"])
	assert.NotEmpty(t, rec.Header().Get(pkgmw.RequestIDHeader))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
