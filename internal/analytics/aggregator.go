package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/itamittech/documentsearch/pkg/logger"
	"github.com/itamittech/documentsearch/pkg/queue"
)

const (
	maxLatencySamples = 10000
	topQueryCount     = 10
)

type AggregatedStats struct {
	TenantID          string       `json:"tenant_id"`
	TotalSearches     int64        `json:"total_searches"`
	TotalDocIndexed   int64        `json:"total_docs_indexed"`
	TotalDocDeleted   int64        `json:"total_docs_deleted"`
	CacheHits         int64        `json:"cache_hits"`
	CacheMisses       int64        `json:"cache_misses"`
	ZeroResultCount   int64        `json:"zero_result_count"`
	AvgLatencyMs      float64      `json:"avg_latency_ms"`
	P50LatencyMs      int64        `json:"p50_latency_ms"`
	P95LatencyMs      int64        `json:"p95_latency_ms"`
	P99LatencyMs      int64        `json:"p99_latency_ms"`
	TopQueries        []QueryCount `json:"top_queries"`
	ZeroResultQueries []QueryCount `json:"zero_result_queries"`
	QueriesPerMinute  float64      `json:"queries_per_minute"`
	Since             time.Time    `json:"since"`
}

type QueryCount struct {
	Query string `json:"query"`
	Count int64  `json:"count"`
}

// tenantStats accumulates one tenant's events. Latencies keep the most recent
// maxLatencySamples values in a ring.
type tenantStats struct {
	searches          int64
	docIndexed        int64
	docDeleted        int64
	cacheHits         int64
	cacheMisses       int64
	zeroResults       int64
	latencies         []int64
	next              int
	queryCounts       map[string]int64
	zeroResultQueries map[string]int64
	since             time.Time
}

func newTenantStats(since time.Time) *tenantStats {
	return &tenantStats{
		latencies:         make([]int64, 0, 64),
		queryCounts:       make(map[string]int64),
		zeroResultQueries: make(map[string]int64),
		since:             since,
	}
}

func (t *tenantStats) addLatency(ms int64) {
	if len(t.latencies) < maxLatencySamples {
		t.latencies = append(t.latencies, ms)
		return
	}
	t.latencies[t.next] = ms
	t.next = (t.next + 1) % maxLatencySamples
}

// Aggregator keeps running statistics per tenant. No tenant's figures are
// ever folded into another's.
type Aggregator struct {
	mu      sync.RWMutex
	tenants map[string]*tenantStats
	now     func() time.Time
	logger  *slog.Logger
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		tenants: make(map[string]*tenantStats),
		now:     time.Now,
		logger:  slog.Default().With("component", "analytics-aggregator"),
	}
}

// HandleEvent returns the queue handler feeding agg. Undecodable events are
// logged and acknowledged, since redelivering them cannot help.
func HandleEvent(agg *Aggregator) queue.Handler {
	return func(ctx context.Context, d queue.Delivery) error {
		event, err := decode(d.Body)
		if err != nil {
			logger.FromContext(ctx).Warn("dropping analytics event",
				"message_id", d.ID,
				"error", err,
			)
			return nil
		}
		agg.Record(event)
		return nil
	}
}

// Record folds event into its tenant's statistics.
func (a *Aggregator) Record(event Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tenantID := event.TenantKey()
	t, ok := a.tenants[tenantID]
	if !ok {
		t = newTenantStats(a.now())
		a.tenants[tenantID] = t
		a.logger.Debug("tracking new tenant", "tenant_id", tenantID)
	}

	switch e := event.(type) {
	case SearchEvent:
		t.searches++
		if e.CacheHit {
			t.cacheHits++
		} else {
			t.cacheMisses++
		}
		t.addLatency(e.LatencyMs)
		t.queryCounts[e.Query]++
		if e.TotalHits == 0 {
			t.zeroResults++
			t.zeroResultQueries[e.Query]++
		}
	case IndexEvent:
		if e.Type == EventDeleteDoc {
			t.docDeleted++
		} else {
			t.docIndexed++
		}
	}
}

// Stats returns tenantID's statistics and whether any event was seen for it.
func (a *Aggregator) Stats(tenantID string) (AggregatedStats, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	t, ok := a.tenants[tenantID]
	if !ok {
		return AggregatedStats{TenantID: tenantID, TopQueries: []QueryCount{}, ZeroResultQueries: []QueryCount{}}, false
	}

	stats := AggregatedStats{
		TenantID:        tenantID,
		TotalSearches:   t.searches,
		TotalDocIndexed: t.docIndexed,
		TotalDocDeleted: t.docDeleted,
		CacheHits:       t.cacheHits,
		CacheMisses:     t.cacheMisses,
		ZeroResultCount: t.zeroResults,
		Since:           t.since,
	}
	if len(t.latencies) > 0 {
		sorted := make([]int64, len(t.latencies))
		copy(sorted, t.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}
	stats.TopQueries = topN(t.queryCounts, topQueryCount)
	stats.ZeroResultQueries = topN(t.zeroResultQueries, topQueryCount)
	if elapsed := a.now().Sub(t.since).Minutes(); elapsed > 0 {
		stats.QueriesPerMinute = float64(stats.TotalSearches) / elapsed
	}
	return stats, true
}

// Tenants lists every tenant with recorded events, sorted.
func (a *Aggregator) Tenants() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.tenants))
	for id := range a.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func topN(counts map[string]int64, n int) []QueryCount {
	result := make([]QueryCount, 0, len(counts))
	for query, count := range counts {
		result = append(result, QueryCount{Query: query, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Query < result[j].Query
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
