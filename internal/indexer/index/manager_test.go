package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itamittech/documentsearch/internal/document"
	"github.com/itamittech/documentsearch/pkg/config"
	apperrors "github.com/itamittech/documentsearch/pkg/errors"
)

func newManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m, err := NewManager(config.IndexConfig{
		DataDir:         dir,
		Shards:          3,
		Replicas:        2,
		RefreshInterval: 5 * time.Second,
		BatchSize:       2,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func count(t *testing.T, m *Manager, tenantID, text string) uint64 {
	t.Helper()
	r, ok, err := m.Lookup(context.Background(), tenantID)
	require.NoError(t, err)
	if !ok {
		return 0
	}
	q := bleve.NewMatchQuery(text)
	res, err := r.Searcher().Search(bleve.NewSearchRequest(q))
	require.NoError(t, err)
	return res.Total
}

func TestIndexName(t *testing.T) {
	assert.Equal(t, "docs_tenant_acme", IndexName("acme"))
}

func TestUpsertCreatesIndexLazily(t *testing.T) {
	m := newManager(t, "")
	ctx := context.Background()
	assert.False(t, m.Exists("acme"))

	doc := document.New("acme", "Quarterly report", "revenue grew", map[string]any{"dept": "finance"}, time.Now())
	require.NoError(t, m.Upsert(ctx, doc))

	assert.True(t, m.Exists("acme"))
	assert.Equal(t, uint64(1), count(t, m, "acme", "revenue"))
	n, err := m.DocCount(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestUpsertIsIdempotent(t *testing.T) {
	m := newManager(t, "")
	ctx := context.Background()
	doc := document.New("acme", "Title", "first version", nil, time.Now())

	require.NoError(t, m.Upsert(ctx, doc))
	doc.Content = "second version"
	require.NoError(t, m.Upsert(ctx, doc))

	n, err := m.DocCount(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
	assert.Equal(t, uint64(0), count(t, m, "acme", "first"))
	assert.Equal(t, uint64(1), count(t, m, "acme", "second"))
}

func TestTenantsAreIsolated(t *testing.T) {
	m := newManager(t, "")
	ctx := context.Background()
	require.NoError(t, m.Upsert(ctx, document.New("acme", "shared word", "alpha", nil, time.Now())))
	require.NoError(t, m.Upsert(ctx, document.New("globex", "shared word", "beta", nil, time.Now())))

	assert.Equal(t, uint64(1), count(t, m, "acme", "shared"))
	assert.Equal(t, uint64(0), count(t, m, "acme", "beta"))
	assert.Equal(t, []string{"acme", "globex"}, m.Tenants())
}

func TestRemove(t *testing.T) {
	m := newManager(t, "")
	ctx := context.Background()
	doc := document.New("acme", "Title", "removable", nil, time.Now())
	require.NoError(t, m.Upsert(ctx, doc))

	require.NoError(t, m.Remove(ctx, "acme", doc.ID))
	assert.Equal(t, uint64(0), count(t, m, "acme", "removable"))

	require.NoError(t, m.Remove(ctx, "acme", doc.ID), "second removal is a no-op")
	require.NoError(t, m.Remove(ctx, "nobody", doc.ID), "tenant without an index")
	assert.False(t, m.Exists("nobody"))
}

func TestBulkUpsertRecordsPerItemFailures(t *testing.T) {
	m := newManager(t, "")
	ctx := context.Background()
	docs := []*document.Document{
		document.New("acme", "one", "bulk", nil, time.Now()),
		document.New("acme", "two", "bulk", nil, time.Now()),
		document.New("globex", "three", "bulk", nil, time.Now()),
		document.New("acme", "four", "bulk", nil, time.Now()),
		document.New("acme", "five", "bulk", nil, time.Now()),
	}

	res, err := m.BulkUpsert(ctx, "acme", docs)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Indexed)
	require.Len(t, res.Failed, 1)
	assert.ErrorIs(t, res.Failed[docs[2].ID], apperrors.ErrMalformedMessage)
	assert.Equal(t, uint64(4), count(t, m, "acme", "bulk"))
}

func TestEnsureIndexRejectsInvalidTenant(t *testing.T) {
	m := newManager(t, "")
	_, err := m.EnsureIndex(context.Background(), "../etc")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestIndexesPersistAcrossManagers(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewManager(config.IndexConfig{DataDir: dir, Shards: 2, Replicas: 1, RefreshInterval: time.Second}, nil)
	require.NoError(t, err)
	doc := document.New("acme", "Persisted", "durable content", nil, time.Now())
	require.NoError(t, first.Upsert(ctx, doc))
	require.NoError(t, first.Close())

	_, err = os.Stat(filepath.Join(dir, "docs_tenant_acme", manifestFile))
	require.NoError(t, err)

	second := newManager(t, dir)
	assert.True(t, second.Exists("acme"))
	assert.Equal(t, uint64(1), count(t, second, "acme", "durable"))

	r, ok, err := second.Lookup(ctx, "acme")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, r.NumShards(), "shard count comes from the manifest")
}

func TestDecodeSource(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	doc := document.New("acme", "T", "C", nil, at)
	entry, err := NewEntry(doc, at)
	require.NoError(t, err)

	src, err := DecodeSource(entry.Source)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, src.DocumentID)
	assert.Equal(t, map[string]any{}, src.Metadata)
	assert.True(t, at.Equal(src.IndexedAt))

	_, err = DecodeSource(42)
	assert.Error(t, err)
}
