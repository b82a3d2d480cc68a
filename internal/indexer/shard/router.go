// Package shard provides hash-based shard routing for one tenant index. Each
// shard is an independent bleve index in its own sub-directory; writes are
// routed by document id and searches go through an alias over all shards.
package shard

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
)

// Router maps document ids to the shard that owns them.
type Router struct {
	shards []bleve.Index
	alias  bleve.IndexAlias
	dir    string
	logger *slog.Logger
}

// Open opens numShards shards under dir, creating missing ones with m. An
// empty dir keeps every shard in memory.
func Open(dir string, numShards int, m mapping.IndexMapping) (*Router, error) {
	if numShards < 1 {
		return nil, fmt.Errorf("shard count must be positive, got %d", numShards)
	}
	r := &Router{
		shards: make([]bleve.Index, 0, numShards),
		dir:    dir,
		logger: slog.Default().With("component", "shard-router"),
	}
	for i := 0; i < numShards; i++ {
		idx, err := openShard(shardPath(dir, i), m)
		if err != nil {
			r.closeAll()
			return nil, fmt.Errorf("opening shard %d: %w", i, err)
		}
		r.shards = append(r.shards, idx)
	}
	r.alias = bleve.NewIndexAlias(r.shards...)
	r.logger.Debug("shards ready", "dir", dir, "num_shards", numShards)
	return r, nil
}

// openShard creates the shard, or opens it when it already exists. Another
// writer creating the same shard first counts as success.
func openShard(path string, m mapping.IndexMapping) (bleve.Index, error) {
	if path == "" {
		return bleve.NewMemOnly(m)
	}
	idx, err := bleve.New(path, m)
	if errors.Is(err, bleve.ErrorIndexPathExists) {
		return bleve.Open(path)
	}
	return idx, err
}

func shardPath(dir string, i int) string {
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, fmt.Sprintf("shard-%d", i))
}

// ShardFor returns the shard number owning docID.
func (r *Router) ShardFor(docID string) int {
	h := fnv.New32a()
	h.Write([]byte(docID))
	return int(h.Sum32() % uint32(len(r.shards)))
}

// Route returns the shard owning docID.
func (r *Router) Route(docID string) bleve.Index {
	return r.shards[r.ShardFor(docID)]
}

// Shard returns shard i.
func (r *Router) Shard(i int) bleve.Index {
	return r.shards[i]
}

// NumShards returns the number of shards.
func (r *Router) NumShards() int {
	return len(r.shards)
}

// Searcher returns an alias that searches every shard at once.
func (r *Router) Searcher() bleve.IndexAlias {
	return r.alias
}

// DocCount sums the document counts of all shards.
func (r *Router) DocCount() (uint64, error) {
	var total uint64
	for i, idx := range r.shards {
		n, err := idx.DocCount()
		if err != nil {
			return 0, fmt.Errorf("counting shard %d: %w", i, err)
		}
		total += n
	}
	return total, nil
}

// Close closes every shard.
func (r *Router) Close() error {
	return r.closeAll()
}

// closeAll closes every shard, returning the first error encountered.
func (r *Router) closeAll() error {
	var firstErr error
	for i, idx := range r.shards {
		if err := idx.Close(); err != nil {
			r.logger.Error("close failed", "shard_id", i, "dir", r.dir, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
