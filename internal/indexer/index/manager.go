package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/itamittech/documentsearch/internal/document"
	"github.com/itamittech/documentsearch/internal/indexer/shard"
	"github.com/itamittech/documentsearch/internal/tenant"
	"github.com/itamittech/documentsearch/pkg/config"
	apperrors "github.com/itamittech/documentsearch/pkg/errors"
	"github.com/itamittech/documentsearch/pkg/logger"
	"github.com/itamittech/documentsearch/pkg/metrics"
)

const manifestFile = "manifest.json"

// Manifest records the settings a tenant index was created with.
type Manifest struct {
	Name            string    `json:"name"`
	TenantID        string    `json:"tenant_id"`
	Shards          int       `json:"shards"`
	Replicas        int       `json:"replicas"`
	RefreshInterval string    `json:"refresh_interval"`
	CreatedAt       time.Time `json:"created_at"`
}

// BulkResult summarises a bulk upsert. Failed maps document id to the error
// that kept it out of the index.
type BulkResult struct {
	Indexed int
	Failed  map[string]error
}

// Manager owns the open tenant indexes of this process.
type Manager struct {
	cfg     config.IndexConfig
	mapping mapping.IndexMapping
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.RWMutex
	open map[string]*shard.Router
}

// NewManager prepares the data directory and loads the index mapping. An empty
// DataDir keeps every tenant index in memory.
func NewManager(cfg config.IndexConfig, m *metrics.Metrics) (*Manager, error) {
	if cfg.Shards < 1 {
		cfg.Shards = 1
	}
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating index data directory: %w", err)
		}
	}
	im, err := NewMapping()
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:     cfg,
		mapping: im,
		metrics: m,
		logger:  slog.Default().With("component", "index-manager"),
		now:     time.Now,
		open:    make(map[string]*shard.Router),
	}, nil
}

func (m *Manager) dir(tenantID string) string {
	if m.cfg.DataDir == "" {
		return ""
	}
	return filepath.Join(m.cfg.DataDir, IndexName(tenantID))
}

// Exists reports whether tenantID has an index, open or on disk.
func (m *Manager) Exists(tenantID string) bool {
	m.mu.RLock()
	_, ok := m.open[tenantID]
	m.mu.RUnlock()
	if ok || m.cfg.DataDir == "" {
		return ok
	}
	_, err := os.Stat(filepath.Join(m.dir(tenantID), manifestFile))
	return err == nil
}

// EnsureIndex returns the index of tenantID, creating it with the configured
// settings when it does not exist yet.
func (m *Manager) EnsureIndex(ctx context.Context, tenantID string) (*shard.Router, error) {
	if !tenant.ValidID(tenantID) {
		return nil, apperrors.Newf(apperrors.ErrValidation, http.StatusBadRequest, "invalid tenant id %q", tenantID)
	}
	if r, ok := m.cached(tenantID); ok {
		return r, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.open[tenantID]; ok {
		return r, nil
	}

	mf, err := m.readManifest(tenantID)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		mf, err = m.writeManifest(tenantID)
		if err != nil {
			return nil, fmt.Errorf("%w: creating %s: %v", apperrors.ErrIndexUnavailable, IndexName(tenantID), err)
		}
		logger.FromContext(ctx).Info("tenant index created",
			"index", mf.Name,
			"shards", mf.Shards,
			"replicas", mf.Replicas,
			"refresh_interval", mf.RefreshInterval,
		)
	default:
		return nil, fmt.Errorf("%w: reading manifest of %s: %v", apperrors.ErrIndexUnavailable, IndexName(tenantID), err)
	}

	r, err := shard.Open(m.dir(tenantID), mf.Shards, m.mapping)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", apperrors.ErrIndexUnavailable, IndexName(tenantID), err)
	}
	m.open[tenantID] = r
	m.metrics.SetTenantIndexes(len(m.open))
	return r, nil
}

// Lookup returns the index of tenantID without creating it. The boolean is
// false when the tenant has never had a document indexed.
func (m *Manager) Lookup(ctx context.Context, tenantID string) (*shard.Router, bool, error) {
	if r, ok := m.cached(tenantID); ok {
		return r, true, nil
	}
	if !tenant.ValidID(tenantID) || !m.Exists(tenantID) {
		return nil, false, nil
	}
	r, err := m.EnsureIndex(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// Searcher returns an alias over the shards of the tenant's index. The boolean
// is false when the tenant has no index.
func (m *Manager) Searcher(ctx context.Context, tenantID string) (bleve.Index, bool, error) {
	r, ok, err := m.Lookup(ctx, tenantID)
	if err != nil || !ok {
		return nil, false, err
	}
	return r.Searcher(), true, nil
}

func (m *Manager) cached(tenantID string) (*shard.Router, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.open[tenantID]
	return r, ok
}

func (m *Manager) readManifest(tenantID string) (*Manifest, error) {
	if m.cfg.DataDir == "" {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(filepath.Join(m.dir(tenantID), manifestFile))
	if err != nil {
		return nil, err
	}
	var mf Manifest
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if mf.Shards < 1 {
		return nil, fmt.Errorf("manifest has %d shards", mf.Shards)
	}
	return &mf, nil
}

func (m *Manager) writeManifest(tenantID string) (*Manifest, error) {
	mf := &Manifest{
		Name:            IndexName(tenantID),
		TenantID:        tenantID,
		Shards:          m.cfg.Shards,
		Replicas:        m.cfg.Replicas,
		RefreshInterval: m.cfg.RefreshInterval.String(),
		CreatedAt:       m.now().UTC(),
	}
	if m.cfg.DataDir == "" {
		return mf, nil
	}
	dir := m.dir(tenantID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return nil, err
	}
	tmp := filepath.Join(dir, manifestFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, filepath.Join(dir, manifestFile)); err != nil {
		return nil, err
	}
	return mf, nil
}

// Upsert writes doc into its tenant's index, replacing any earlier version
// with the same id.
func (m *Manager) Upsert(ctx context.Context, doc *document.Document) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("%w: document without id", apperrors.ErrMalformedMessage)
	}
	r, err := m.EnsureIndex(ctx, doc.TenantID)
	if err != nil {
		m.metrics.IndexOp("upsert", "error")
		return err
	}
	entry, err := NewEntry(doc, m.now().UTC())
	if err != nil {
		m.metrics.IndexOp("upsert", "error")
		return err
	}
	if err := r.Route(doc.ID).Index(doc.ID, entry); err != nil {
		m.metrics.IndexOp("upsert", "error")
		return fmt.Errorf("%w: indexing %s: %v", apperrors.ErrIndexUnavailable, doc.ID, err)
	}
	m.metrics.IndexOp("upsert", "ok")
	logger.FromContext(ctx).Debug("document indexed",
		"document_id", doc.ID,
		"index", IndexName(doc.TenantID),
		"shard_id", r.ShardFor(doc.ID),
	)
	return nil
}

// BulkUpsert indexes docs for one tenant, one batch per shard. A document that
// fails is recorded in the result and logged; it is not retried.
func (m *Manager) BulkUpsert(ctx context.Context, tenantID string, docs []*document.Document) (*BulkResult, error) {
	res := &BulkResult{Failed: make(map[string]error)}
	if len(docs) == 0 {
		return res, nil
	}
	r, err := m.EnsureIndex(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)
	at := m.now().UTC()

	batchSize := m.cfg.BatchSize
	if batchSize < 1 {
		batchSize = len(docs)
	}
	for start := 0; start < len(docs); start += batchSize {
		end := min(start+batchSize, len(docs))
		batches := make(map[int][]*Entry)
		for _, doc := range docs[start:end] {
			if doc.TenantID != tenantID {
				res.Failed[doc.ID] = fmt.Errorf("%w: document belongs to tenant %s", apperrors.ErrMalformedMessage, doc.TenantID)
				continue
			}
			entry, err := NewEntry(doc, at)
			if err != nil {
				res.Failed[doc.ID] = err
				continue
			}
			s := r.ShardFor(doc.ID)
			batches[s] = append(batches[s], entry)
		}
		for s, entries := range batches {
			idx := r.Shard(s)
			b := idx.NewBatch()
			for _, e := range entries {
				if err := b.Index(e.DocumentID, e); err != nil {
					res.Failed[e.DocumentID] = err
				}
			}
			if err := idx.Batch(b); err != nil {
				for _, e := range entries {
					if _, failed := res.Failed[e.DocumentID]; !failed {
						res.Failed[e.DocumentID] = err
					}
				}
				continue
			}
			for _, e := range entries {
				if _, failed := res.Failed[e.DocumentID]; !failed {
					res.Indexed++
				}
			}
		}
	}

	for id, err := range res.Failed {
		log.Error("bulk item failed", "document_id", id, "index", IndexName(tenantID), "error", err)
		m.metrics.IndexOp("bulk", "error")
	}
	if res.Indexed > 0 {
		m.metrics.IndexOp("bulk", "ok")
	}
	log.Info("bulk indexing completed", "index", IndexName(tenantID), "indexed", res.Indexed, "failed", len(res.Failed))
	return res, nil
}

// Remove deletes docID from the tenant's index. Removing a document that was
// never indexed, or from a tenant without an index, succeeds.
func (m *Manager) Remove(ctx context.Context, tenantID, docID string) error {
	r, ok, err := m.Lookup(ctx, tenantID)
	if err != nil {
		m.metrics.IndexOp("remove", "error")
		return err
	}
	if !ok {
		m.metrics.IndexOp("remove", "noop")
		return nil
	}
	if err := r.Route(docID).Delete(docID); err != nil {
		m.metrics.IndexOp("remove", "error")
		return fmt.Errorf("%w: removing %s: %v", apperrors.ErrIndexUnavailable, docID, err)
	}
	m.metrics.IndexOp("remove", "ok")
	logger.FromContext(ctx).Debug("document removed", "document_id", docID, "index", IndexName(tenantID))
	return nil
}

// DocCount returns the number of documents in the tenant's index, zero when
// it has none.
func (m *Manager) DocCount(ctx context.Context, tenantID string) (uint64, error) {
	r, ok, err := m.Lookup(ctx, tenantID)
	if err != nil || !ok {
		return 0, err
	}
	return r.DocCount()
}

// Tenants lists tenants with an index, open or on disk.
func (m *Manager) Tenants() []string {
	seen := make(map[string]bool)
	m.mu.RLock()
	for id := range m.open {
		seen[id] = true
	}
	m.mu.RUnlock()

	if m.cfg.DataDir != "" {
		entries, err := os.ReadDir(m.cfg.DataDir)
		if err != nil {
			m.logger.Warn("listing index directory failed", "dir", m.cfg.DataDir, "error", err)
		}
		for _, e := range entries {
			if e.IsDir() && strings.HasPrefix(e.Name(), NamePrefix) {
				seen[strings.TrimPrefix(e.Name(), NamePrefix)] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close closes every open tenant index.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for id, r := range m.open {
		if err := r.Close(); err != nil {
			m.logger.Error("closing index failed", "index", IndexName(id), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		delete(m.open, id)
	}
	m.metrics.SetTenantIndexes(0)
	m.logger.Info("index manager closed")
	return firstErr
}
