package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itamittech/documentsearch/internal/analytics"
	"github.com/itamittech/documentsearch/internal/document"
	"github.com/itamittech/documentsearch/internal/indexer/index"
	"github.com/itamittech/documentsearch/internal/searcher/cache"
	"github.com/itamittech/documentsearch/internal/searcher/executor"
	"github.com/itamittech/documentsearch/internal/tenant"
	"github.com/itamittech/documentsearch/pkg/api"
	"github.com/itamittech/documentsearch/pkg/config"
)

var searchCfg = config.SearchConfig{
	DefaultPageSize:  10,
	MaxPageSize:      100,
	Timeout:          5 * time.Second,
	CacheSize:        64,
	CacheTTL:         time.Minute,
	BreakerFailures:  5,
	BreakerResetTime: time.Minute,
}

type sink struct {
	mu     sync.Mutex
	events []analytics.SearchEvent
}

func (s *sink) Track(event any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := event.(analytics.SearchEvent); ok {
		s.events = append(s.events, e)
	}
}

type fixture struct {
	mux    *http.ServeMux
	cache  *cache.QueryCache
	events *sink
}

func setup(t *testing.T, withCache bool) *fixture {
	t.Helper()
	m, err := index.NewManager(config.IndexConfig{Shards: 2}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	ctx := context.Background()
	require.NoError(t, m.Upsert(ctx, document.New("acme", "Quarterly report", "revenue grew in the third quarter", map[string]any{"dept": "finance"}, time.Now())))
	require.NoError(t, m.Upsert(ctx, document.New("globex", "Quarterly report", "globex secrets", nil, time.Now())))

	f := &fixture{mux: http.NewServeMux(), events: &sink{}}
	if withCache {
		f.cache = cache.New(nil, searchCfg, nil)
	}
	New(executor.New(m, searchCfg, nil), f.cache, f.events, searchCfg.DefaultPageSize, nil).Register(f.mux)
	return f
}

func (f *fixture) do(t *testing.T, method, target, tenantID string) (*httptest.ResponseRecorder, api.Response) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if tenantID != "" {
		req = req.WithContext(tenant.WithID(req.Context(), tenantID))
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	var resp api.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestSearchReturnsTenantResults(t *testing.T) {
	f := setup(t, true)
	rec, resp := f.do(t, http.MethodGet, "/api/v1/search?q=report", "acme")

	require.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]any)
	assert.EqualValues(t, 1, data["total_hits"])
	assert.EqualValues(t, 1, data["page"])
	assert.EqualValues(t, 10, data["page_size"])
	results := data["results"].([]any)
	require.Len(t, results, 1)
	hit := results[0].(map[string]any)
	assert.Equal(t, "Quarterly report", hit["title"])
	assert.Equal(t, map[string]any{"dept": "finance"}, hit["metadata"])
	assert.NotEmpty(t, hit["highlights"])
	assert.NotContains(t, rec.Body.String(), "globex secrets")
}

func TestSearchEmitsEventsWithCacheOutcome(t *testing.T) {
	f := setup(t, true)
	f.do(t, http.MethodGet, "/api/v1/search?q=report", "acme")
	f.do(t, http.MethodGet, "/api/v1/search?q=report", "acme")
	f.do(t, http.MethodGet, "/api/v1/search?q=nothing", "acme")

	require.Len(t, f.events.events, 3)
	first, second, third := f.events.events[0], f.events.events[1], f.events.events[2]
	assert.Equal(t, "acme", first.TenantID)
	assert.Equal(t, "report", first.Query)
	assert.Equal(t, uint64(1), first.TotalHits)
	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, analytics.EventCacheHit, second.Type)
	assert.Zero(t, third.TotalHits)
}

func TestSearchWithoutCache(t *testing.T) {
	f := setup(t, false)
	rec, _ := f.do(t, http.MethodGet, "/api/v1/search?q=report&highlight=false&fuzzy=true", "acme")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp := f.do(t, http.MethodGet, "/api/v1/search/cache/stats", "acme")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "disabled", resp.Data.(map[string]any)["status"])

	rec, _ = f.do(t, http.MethodDelete, "/api/v1/search/cache", "acme")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSearchRejectsBadRequests(t *testing.T) {
	f := setup(t, true)
	for name, target := range map[string]string{
		"blank query":     "/api/v1/search?q=%20%20",
		"missing query":   "/api/v1/search",
		"page zero":       "/api/v1/search?q=report&page=0",
		"page not number": "/api/v1/search?q=report&page=two",
		"size too large":  "/api/v1/search?q=report&size=101",
		"bad fuzzy flag":  "/api/v1/search?q=report&fuzzy=maybe",
	} {
		t.Run(name, func(t *testing.T) {
			rec, resp := f.do(t, http.MethodGet, target, "acme")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
		})
	}
	assert.Empty(t, f.events.events)
}

func TestSearchRequiresTenant(t *testing.T) {
	f := setup(t, true)
	rec, _ := f.do(t, http.MethodGet, "/api/v1/search?q=report", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCacheInvalidateIsTenantScoped(t *testing.T) {
	f := setup(t, true)
	f.do(t, http.MethodGet, "/api/v1/search?q=report", "acme")
	f.do(t, http.MethodGet, "/api/v1/search?q=report", "globex")

	rec, resp := f.do(t, http.MethodDelete, "/api/v1/search/cache", "acme")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, resp.Data.(map[string]any)["keys_deleted"])

	f.do(t, http.MethodGet, "/api/v1/search?q=report", "globex")
	last := f.events.events[len(f.events.events)-1]
	assert.Equal(t, "globex", last.TenantID)
	assert.True(t, last.CacheHit, "other tenants keep their cached pages")

	_, resp = f.do(t, http.MethodGet, "/api/v1/search/cache/stats", "acme")
	stats := resp.Data.(map[string]any)
	assert.EqualValues(t, 0, stats["local_hits"], "globex hits are not reported to acme")
	assert.EqualValues(t, 1, stats["misses"])
	assert.EqualValues(t, 0, stats["local_size"])

	_, resp = f.do(t, http.MethodGet, "/api/v1/search/cache/stats", "globex")
	stats = resp.Data.(map[string]any)
	assert.EqualValues(t, 1, stats["local_hits"])
	assert.EqualValues(t, 1, stats["misses"])
	assert.EqualValues(t, 1, stats["local_size"])
}
