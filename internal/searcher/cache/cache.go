// Package cache is the two-tier search result cache: a TTL-bounded LRU in
// process backed by Redis shared across index nodes. Entries expire by TTL
// only; writes to an index do not invalidate them.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/itamittech/documentsearch/internal/searcher/executor"
	"github.com/itamittech/documentsearch/internal/searcher/parser"
	"github.com/itamittech/documentsearch/pkg/config"
	"github.com/itamittech/documentsearch/pkg/metrics"
	pkgredis "github.com/itamittech/documentsearch/pkg/redis"
)

const keyPrefix = "search:"

// Outcome says where a result came from.
type Outcome string

const (
	HitLocal  Outcome = "hit_local"
	HitShared Outcome = "hit_shared"
	Miss      Outcome = "miss"
)

// Hit reports whether o was served from either tier.
func (o Outcome) Hit() bool {
	return o == HitLocal || o == HitShared
}

// Store is the shared tier.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

// Stats are one tenant's counters.
type Stats struct {
	LocalHits  int64 `json:"local_hits"`
	SharedHits int64 `json:"shared_hits"`
	Misses     int64 `json:"misses"`
	LocalSize  int   `json:"local_size"`
}

type QueryCache struct {
	local   *expirable.LRU[string, *executor.SearchResult]
	shared  Store
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger

	counters sync.Map // tenant id -> *counters
}

type counters struct {
	localHits  atomic.Int64
	sharedHits atomic.Int64
	misses     atomic.Int64
}

func (c *QueryCache) countersFor(tenantID string) *counters {
	if v, ok := c.counters.Load(tenantID); ok {
		return v.(*counters)
	}
	v, _ := c.counters.LoadOrStore(tenantID, &counters{})
	return v.(*counters)
}

// New creates a QueryCache. A nil shared store leaves only the local tier.
func New(shared Store, cfg config.SearchConfig, m *metrics.Metrics) *QueryCache {
	size := cfg.CacheSize
	if size < 1 {
		size = 1000
	}
	return &QueryCache{
		local:   expirable.NewLRU[string, *executor.SearchResult](size, nil, cfg.CacheTTL),
		shared:  shared,
		ttl:     cfg.CacheTTL,
		metrics: m,
		logger:  slog.Default().With("component", "query-cache"),
	}
}

// Get looks q up in the local tier, then the shared one. A shared hit is
// copied into the local tier. The returned result echoes q's own text, not
// that of the request which filled the entry.
func (c *QueryCache) Get(ctx context.Context, q executor.Query) (*executor.SearchResult, Outcome) {
	key := Key(q)
	cnt := c.countersFor(q.TenantID)
	if result, ok := c.local.Get(key); ok {
		cnt.localHits.Add(1)
		c.metrics.CacheHit("local")
		return withQuery(result, q), HitLocal
	}
	if c.shared != nil {
		if result, ok := c.getShared(ctx, key); ok {
			c.local.Add(key, result)
			cnt.sharedHits.Add(1)
			c.metrics.CacheHit("shared")
			return withQuery(result, q), HitShared
		}
	}
	cnt.misses.Add(1)
	c.metrics.CacheMiss()
	return nil, Miss
}

func (c *QueryCache) getShared(ctx context.Context, key string) (*executor.SearchResult, bool) {
	data, err := c.shared.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		return nil, false
	}
	var result executor.SearchResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		return nil, false
	}
	return &result, true
}

// Set stores result for q in both tiers.
func (c *QueryCache) Set(ctx context.Context, q executor.Query, result *executor.SearchResult) {
	key := Key(q)
	c.local.Add(key, result)
	if c.shared == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.shared.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached result for q or computes it once, however
// many callers ask for the same key concurrently.
func (c *QueryCache) GetOrCompute(
	ctx context.Context,
	q executor.Query,
	computeFn func() (*executor.SearchResult, error),
) (*executor.SearchResult, Outcome, error) {
	if result, outcome := c.Get(ctx, q); outcome.Hit() {
		return result, outcome, nil
	}
	val, err, _ := c.group.Do(Key(q), func() (interface{}, error) {
		result, err := computeFn()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, q, result)
		return result, nil
	})
	if err != nil {
		return nil, Miss, err
	}
	return withQuery(val.(*executor.SearchResult), q), Miss, nil
}

// withQuery returns a shallow copy of result carrying q's text. Cached
// results are shared between callers and never mutated.
func withQuery(result *executor.SearchResult, q executor.Query) *executor.SearchResult {
	if result.Query == q.Text {
		return result
	}
	out := *result
	out.Query = q.Text
	return &out
}

// InvalidateTenant drops every cached page of tenantID from both tiers.
func (c *QueryCache) InvalidateTenant(ctx context.Context, tenantID string) (int64, error) {
	prefix := TenantPrefix(tenantID)
	var deleted int64
	for _, key := range c.local.Keys() {
		if strings.HasPrefix(key, prefix) && c.local.Remove(key) {
			deleted++
		}
	}
	if c.shared != nil {
		n, err := c.shared.FlushByPattern(ctx, prefix+"*")
		if err != nil {
			return deleted, fmt.Errorf("invalidating cache: %w", err)
		}
		deleted += n
	}
	c.logger.Info("cache invalidate", "tenant_id", tenantID, "keys_deleted", deleted)
	return deleted, nil
}

// Stats returns tenantID's counters and how many of its pages the local
// tier holds.
func (c *QueryCache) Stats(tenantID string) Stats {
	cnt := c.countersFor(tenantID)
	prefix := TenantPrefix(tenantID)
	size := 0
	for _, key := range c.local.Keys() {
		if strings.HasPrefix(key, prefix) {
			size++
		}
	}
	return Stats{
		LocalHits:  cnt.localHits.Load(),
		SharedHits: cnt.sharedHits.Load(),
		Misses:     cnt.misses.Load(),
		LocalSize:  size,
	}
}

// TenantPrefix is the key prefix shared by all of tenantID's entries.
func TenantPrefix(tenantID string) string {
	return keyPrefix + tenantID + ":"
}

// Key identifies q's result page. Queries that parse to the same plan share
// a key.
func Key(q executor.Query) string {
	raw := fmt.Sprintf("%s|page=%d|size=%d|fuzzy=%t|highlight=%t",
		normalizeQuery(q.Text), q.Page, q.Size, q.Fuzzy, q.Highlight)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%x", TenantPrefix(q.TenantID), hash[:16])
}

func normalizeQuery(query string) string {
	plan := parser.Parse(query)
	terms := append([]string(nil), plan.Terms...)
	excludes := append([]string(nil), plan.ExcludeTerms...)
	sort.Strings(terms)
	sort.Strings(excludes)
	parts := []string{plan.Type.String(), strings.Join(terms, ",")}
	if len(excludes) > 0 {
		parts = append(parts, "NOT:"+strings.Join(excludes, ","))
	}
	return strings.Join(parts, "|")
}
