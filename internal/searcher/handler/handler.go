package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/itamittech/documentsearch/internal/analytics"
	"github.com/itamittech/documentsearch/internal/searcher/cache"
	"github.com/itamittech/documentsearch/internal/searcher/executor"
	"github.com/itamittech/documentsearch/internal/searcher/parser"
	"github.com/itamittech/documentsearch/internal/tenant"
	"github.com/itamittech/documentsearch/pkg/api"
	apperrors "github.com/itamittech/documentsearch/pkg/errors"
	"github.com/itamittech/documentsearch/pkg/logger"
	"github.com/itamittech/documentsearch/pkg/metrics"
)

type SearchExecutor interface {
	Validate(q executor.Query) error
	Execute(ctx context.Context, q executor.Query) (*executor.SearchResult, error)
}

// Tracker receives analytics events.
type Tracker interface {
	Track(event any)
}

type Handler struct {
	executor    SearchExecutor
	cache       *cache.QueryCache
	tracker     Tracker
	defaultSize int
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// New creates a Handler. cache and tracker may be nil.
func New(exec SearchExecutor, queryCache *cache.QueryCache, tracker Tracker, defaultSize int, m *metrics.Metrics) *Handler {
	return &Handler{
		executor:    exec,
		cache:       queryCache,
		tracker:     tracker,
		defaultSize: defaultSize,
		metrics:     m,
		logger:      slog.Default().With("component", "search-handler"),
	}
}

// Register mounts the search routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/search", h.Search)
	mux.HandleFunc("GET /api/v1/search/cache/stats", h.CacheStats)
	mux.HandleFunc("DELETE /api/v1/search/cache", h.CacheInvalidate)
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	tenantID, err := tenant.MustFromContext(ctx)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	q, err := h.parseQuery(r, tenantID)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	if err := h.executor.Validate(q); err != nil {
		api.WriteError(w, r, err)
		return
	}

	var result *executor.SearchResult
	outcome := cache.Miss
	if h.cache != nil {
		result, outcome, err = h.cache.GetOrCompute(ctx, q, func() (*executor.SearchResult, error) {
			return h.executor.Execute(ctx, q)
		})
	} else {
		result, err = h.executor.Execute(ctx, q)
	}
	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		if status >= http.StatusInternalServerError {
			log.Error("search execution failed", "query", q.Text, "error", err, "status_code", status)
		}
		h.metrics.Search("error", string(outcome), time.Since(start).Seconds(), 0)
		api.WriteError(w, r, err)
		return
	}

	latency := time.Since(start)
	resultType := "hit"
	if result.TotalHits == 0 {
		resultType = "zero"
	}
	h.metrics.Search(resultType, string(outcome), latency.Seconds(), len(result.Results))
	log.Info("search completed",
		"query", q.Text,
		"total_hits", result.TotalHits,
		"returned", len(result.Results),
		"cache", outcome,
		"latency_ms", latency.Milliseconds(),
	)

	if h.tracker != nil {
		eventType := analytics.EventCacheMiss
		if outcome.Hit() {
			eventType = analytics.EventCacheHit
		}
		h.tracker.Track(analytics.SearchEvent{
			Type:      eventType,
			TenantID:  tenantID,
			Query:     q.Text,
			Terms:     parser.Parse(q.Text).Terms,
			TotalHits: result.TotalHits,
			Returned:  len(result.Results),
			LatencyMs: latency.Milliseconds(),
			CacheHit:  outcome.Hit(),
			Fuzzy:     q.Fuzzy,
			Timestamp: time.Now().UTC(),
			RequestID: logger.RequestID(ctx),
		})
	}

	api.WriteJSON(w, http.StatusOK, "", result)
}

func (h *Handler) parseQuery(r *http.Request, tenantID string) (executor.Query, error) {
	params := r.URL.Query()
	q := executor.Query{
		TenantID:  tenantID,
		Text:      params.Get("q"),
		Page:      1,
		Size:      h.defaultSize,
		Highlight: true,
	}
	fields := make(map[string]string)
	if v := params.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fields["page"] = "must be an integer"
		}
		q.Page = n
	}
	if v := params.Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fields["size"] = "must be an integer"
		}
		q.Size = n
	}
	if v := params.Get("fuzzy"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			fields["fuzzy"] = "must be true or false"
		}
		q.Fuzzy = b
	}
	if v := params.Get("highlight"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			fields["highlight"] = "must be true or false"
		}
		q.Highlight = b
	}
	if len(fields) > 0 {
		return q, &apperrors.ValidationError{Fields: fields}
	}
	return q, nil
}

// CacheStats reports the calling tenant's cache counters.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		api.WriteJSON(w, http.StatusOK, "caching is disabled", map[string]string{"status": "disabled"})
		return
	}
	tenantID, err := tenant.MustFromContext(r.Context())
	if err != nil {
		api.WriteError(w, r, err)
		return
	}

	stats := h.cache.Stats(tenantID)
	hits := stats.LocalHits + stats.SharedHits
	total := hits + stats.Misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	api.WriteJSON(w, http.StatusOK, "", map[string]any{
		"local_hits":  stats.LocalHits,
		"shared_hits": stats.SharedHits,
		"misses":      stats.Misses,
		"total":       total,
		"hit_rate":    strconv.FormatFloat(hitRate, 'f', 1, 64) + "%",
		"local_size":  stats.LocalSize,
	})
}

// CacheInvalidate drops the calling tenant's cached pages.
func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		api.WriteError(w, r, apperrors.New(apperrors.ErrIndexUnavailable, http.StatusServiceUnavailable, "caching is disabled"))
		return
	}
	tenantID, err := tenant.MustFromContext(r.Context())
	if err != nil {
		api.WriteError(w, r, err)
		return
	}

	deleted, err := h.cache.InvalidateTenant(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("cache invalidation failed", "tenant_id", tenantID, "error", err)
		api.WriteError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, "Cache invalidated", map[string]any{
		"status":       "invalidated",
		"keys_deleted": deleted,
	})
}
