package store

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itamittech/documentsearch/internal/document"
	apperrors "github.com/itamittech/documentsearch/pkg/errors"
	"github.com/itamittech/documentsearch/pkg/postgres"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	db := postgres.SkipIfUnavailable(t)
	s := New(db)
	require.NoError(t, s.Migrate(context.Background()))
	tenantID := "store-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	t.Cleanup(func() {
		db.DB.Exec(`DELETE FROM documents WHERE tenant_id LIKE $1`, tenantID+"%")
	})
	return s, tenantID
}

func TestSaveAndFindScopedByTenant(t *testing.T) {
	s, tenantID := newStore(t)
	ctx := context.Background()
	doc := document.New(tenantID, "Title", "Content", map[string]any{"k": "v"}, time.Now().UTC().Truncate(time.Microsecond))
	require.NoError(t, s.Save(ctx, doc))

	got, err := s.FindByIDAndTenant(ctx, doc.ID, tenantID)
	require.NoError(t, err)
	assert.Equal(t, doc.Title, got.Title)
	assert.Equal(t, doc.Content, got.Content)
	assert.Equal(t, "v", got.Metadata["k"])
	assert.Equal(t, document.StatusPending, got.Status)

	_, err = s.FindByIDAndTenant(ctx, doc.ID, tenantID+"-other")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	got, err = s.FindByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, tenantID, got.TenantID)
}

func TestFindPageByTenant(t *testing.T) {
	s, tenantID := newStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save(ctx, document.New(tenantID, "T", "C", nil, base.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, s.Save(ctx, document.New(tenantID+"-other", "T", "C", nil, base)))

	docs, total, err := s.FindPageByTenant(ctx, tenantID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, docs, 2)

	docs, _, err = s.FindPageByTenant(ctx, tenantID, 2, 2)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestUpdateStatusNeverResurrectsDeleted(t *testing.T) {
	s, tenantID := newStore(t)
	ctx := context.Background()
	doc := document.New(tenantID, "T", "C", nil, time.Now().UTC())
	require.NoError(t, s.Save(ctx, doc))

	now := time.Now().UTC()
	require.NoError(t, s.UpdateStatus(ctx, doc.ID, document.StatusIndexed, &now))
	got, err := s.FindByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, document.StatusIndexed, got.Status)
	assert.NotNil(t, got.IndexedAt)

	require.NoError(t, s.UpdateStatus(ctx, doc.ID, document.StatusDeleted, nil))
	err = s.UpdateStatus(ctx, doc.ID, document.StatusIndexing, nil)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	got, err = s.FindByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, document.StatusDeleted, got.Status)
}

func TestTouchPendingOnlyTouchesPending(t *testing.T) {
	s, tenantID := newStore(t)
	ctx := context.Background()
	pending := document.New(tenantID, "T", "C", nil, time.Now().UTC().Add(-time.Hour))
	indexed := document.New(tenantID, "T", "C", nil, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, s.Save(ctx, pending))
	require.NoError(t, s.Save(ctx, indexed))
	now := time.Now().UTC()
	require.NoError(t, s.UpdateStatus(ctx, indexed.ID, document.StatusIndexed, &now))

	ok, err := s.TouchPending(ctx, pending.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TouchPending(ctx, indexed.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	got, err := s.FindByID(ctx, indexed.ID)
	require.NoError(t, err)
	assert.Equal(t, document.StatusIndexed, got.Status)
}

func TestListStale(t *testing.T) {
	s, tenantID := newStore(t)
	ctx := context.Background()
	old := document.New(tenantID, "T", "C", nil, time.Now().UTC().Add(-time.Hour))
	fresh := document.New(tenantID, "T", "C", nil, time.Now().UTC())
	require.NoError(t, s.Save(ctx, old))
	require.NoError(t, s.Save(ctx, fresh))

	stale, err := s.ListStale(ctx, document.StatusPending, time.Now().Add(-time.Minute), 100)
	require.NoError(t, err)
	var ids []string
	for _, d := range stale {
		ids = append(ids, d.ID)
	}
	assert.Contains(t, ids, old.ID)
	assert.NotContains(t, ids, fresh.ID)
}
