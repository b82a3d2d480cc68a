package shard

import (
	"fmt"
	"testing"

	"github.com/blevesearch/bleve/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteIsStable(t *testing.T) {
	r, err := Open("", 4, bleve.NewIndexMapping())
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("doc-%d", i)
		s := r.ShardFor(id)
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, 4)
		assert.Equal(t, s, r.ShardFor(id))
	}
}

func TestSearcherSpansShards(t *testing.T) {
	r, err := Open(t.TempDir(), 3, bleve.NewIndexMapping())
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("doc-%d", i)
		require.NoError(t, r.Route(id).Index(id, map[string]any{"body": "common"}))
	}
	n, err := r.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(30), n)

	res, err := r.Searcher().Search(bleve.NewSearchRequest(bleve.NewMatchQuery("common")))
	require.NoError(t, err)
	assert.Equal(t, uint64(30), res.Total)
}

func TestReopenExistingShards(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, 2, bleve.NewIndexMapping())
	require.NoError(t, err)
	require.NoError(t, r.Route("a").Index("a", map[string]any{"body": "kept"}))
	require.NoError(t, r.Close())

	r, err = Open(dir, 2, bleve.NewIndexMapping())
	require.NoError(t, err)
	defer r.Close()
	n, err := r.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestOpenRejectsZeroShards(t *testing.T) {
	_, err := Open("", 0, bleve.NewIndexMapping())
	assert.Error(t, err)
}
