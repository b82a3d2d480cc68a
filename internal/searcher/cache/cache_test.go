package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itamittech/documentsearch/internal/searcher/executor"
	"github.com/itamittech/documentsearch/pkg/config"
	pkgredis "github.com/itamittech/documentsearch/pkg/redis"
)

func newCache(t *testing.T) (*QueryCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := pkgredis.NewClient(config.RedisConfig{Addr: mr.Addr(), PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return New(client, config.SearchConfig{CacheSize: 16, CacheTTL: time.Minute}, nil), mr
}

func query(tenant, text string) executor.Query {
	return executor.Query{TenantID: tenant, Text: text, Page: 1, Size: 10, Highlight: true}
}

func TestKeyIsTenantScoped(t *testing.T) {
	a := Key(query("acme", "report"))
	b := Key(query("globex", "report"))
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "search:acme:")
}

func TestKeyNormalizesEquivalentQueries(t *testing.T) {
	assert.Equal(t, Key(query("acme", "Kafka go")), Key(query("acme", "go kafka")))
	assert.NotEqual(t, Key(query("acme", "go AND kafka")), Key(query("acme", "go kafka")))

	fuzzy := query("acme", "go")
	fuzzy.Fuzzy = true
	assert.NotEqual(t, Key(query("acme", "go")), Key(fuzzy))

	page2 := query("acme", "go")
	page2.Page = 2
	assert.NotEqual(t, Key(query("acme", "go")), Key(page2))
}

func TestGetOrComputeTiers(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	q := query("acme", "report")
	calls := 0
	compute := func() (*executor.SearchResult, error) {
		calls++
		return &executor.SearchResult{Query: "report", TotalHits: 3}, nil
	}

	res, outcome, err := c.GetOrCompute(ctx, q, compute)
	require.NoError(t, err)
	assert.Equal(t, Miss, outcome)
	assert.Equal(t, uint64(3), res.TotalHits)

	_, outcome, err = c.GetOrCompute(ctx, q, compute)
	require.NoError(t, err)
	assert.Equal(t, HitLocal, outcome)
	assert.Equal(t, 1, calls)

	c.local.Purge()
	res, outcome, err = c.GetOrCompute(ctx, q, compute)
	require.NoError(t, err)
	assert.Equal(t, HitShared, outcome)
	assert.Equal(t, uint64(3), res.TotalHits)
	assert.Equal(t, 1, calls)

	stats := c.Stats("acme")
	assert.Equal(t, int64(1), stats.LocalHits)
	assert.Equal(t, int64(1), stats.SharedHits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.LocalSize)
	assert.Equal(t, Stats{}, c.Stats("globex"))
}

func TestHitEchoesCallersQueryText(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	compute := func() (*executor.SearchResult, error) {
		return &executor.SearchResult{Query: "Foo", TotalHits: 1}, nil
	}

	first, _, err := c.GetOrCompute(ctx, query("acme", "Foo"), compute)
	require.NoError(t, err)
	assert.Equal(t, "Foo", first.Query)

	again, outcome, err := c.GetOrCompute(ctx, query("acme", "foo!"), compute)
	require.NoError(t, err)
	assert.Equal(t, HitLocal, outcome)
	assert.Equal(t, "foo!", again.Query)
	assert.Equal(t, "Foo", first.Query, "cached entry is not modified")
}

func TestComputeErrorIsNotCached(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	q := query("acme", "report")

	_, _, err := c.GetOrCompute(ctx, q, func() (*executor.SearchResult, error) {
		return nil, errors.New("index down")
	})
	require.Error(t, err)

	_, outcome := c.Get(ctx, q)
	assert.Equal(t, Miss, outcome)
}

func TestConcurrentMissesComputeOnce(t *testing.T) {
	c, _ := newCache(t)
	var calls atomic.Int32
	release := make(chan struct{})
	compute := func() (*executor.SearchResult, error) {
		calls.Add(1)
		<-release
		return &executor.SearchResult{}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.GetOrCompute(context.Background(), query("acme", "hot"), compute)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvalidateTenantLeavesOthers(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()
	c.Set(ctx, query("acme", "one"), &executor.SearchResult{})
	c.Set(ctx, query("acme", "two"), &executor.SearchResult{})
	c.Set(ctx, query("globex", "one"), &executor.SearchResult{})

	n, err := c.InvalidateTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n, "two local and two shared entries")

	_, outcome := c.Get(ctx, query("acme", "one"))
	assert.Equal(t, Miss, outcome)
	_, outcome = c.Get(ctx, query("globex", "one"))
	assert.Equal(t, HitLocal, outcome)
	assert.True(t, mr.Exists(Key(query("globex", "one"))))
}

func TestLocalOnlyWithoutStore(t *testing.T) {
	c := New(nil, config.SearchConfig{CacheSize: 4, CacheTTL: time.Minute}, nil)
	ctx := context.Background()
	c.Set(ctx, query("acme", "x"), &executor.SearchResult{TotalHits: 1})

	res, outcome := c.Get(ctx, query("acme", "x"))
	assert.Equal(t, HitLocal, outcome)
	assert.Equal(t, uint64(1), res.TotalHits)

	n, err := c.InvalidateTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
