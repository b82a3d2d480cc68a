// Package reconciler re-publishes index messages for documents that stayed
// Pending longer than expected, typically because publishing failed after
// the record was saved.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/itamittech/documentsearch/internal/document"
	"github.com/itamittech/documentsearch/pkg/config"
	"github.com/itamittech/documentsearch/pkg/metrics"
)

// Store lists and touches stale records.
type Store interface {
	ListStale(ctx context.Context, status document.Status, before time.Time, limit int) ([]*document.Document, error)
	TouchPending(ctx context.Context, id string) (bool, error)
}

// Publisher republishes index messages.
type Publisher interface {
	PublishIndex(ctx context.Context, doc *document.Document) (string, error)
}

// Reconciler periodically sweeps Pending documents.
type Reconciler struct {
	store     Store
	publisher Publisher
	cfg       config.ReconcilerConfig
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Reconciler.
func New(store Store, publisher Publisher, cfg config.ReconcilerConfig, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		metrics:   m,
		now:       time.Now,
		logger:    slog.Default().With("component", "reconciler"),
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.logger.Info("reconciler started", "interval", r.cfg.Interval, "stale_after", r.cfg.StaleAfter)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("reconcile sweep failed", "error", err)
			}
		}
	}
}

// Sweep republishes one batch of stale Pending documents and returns how
// many were republished. Republished records that are still Pending are
// touched so the next sweep waits another StaleAfter before retrying them;
// records the index node already picked up keep their status.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.StaleAfter)
	docs, err := r.store.ListStale(ctx, document.StatusPending, cutoff, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	republished := 0
	for _, doc := range docs {
		if _, err := r.publisher.PublishIndex(ctx, doc); err != nil {
			r.logger.Warn("republish failed, broker still unavailable", "document_id", doc.ID, "tenant_id", doc.TenantID, "error", err)
			break
		}
		touched, err := r.store.TouchPending(ctx, doc.ID)
		if err != nil {
			r.logger.Warn("failed to touch reconciled document", "document_id", doc.ID, "error", err)
		} else if !touched {
			r.logger.Debug("document left pending before touch", "document_id", doc.ID)
		}
		republished++
	}
	if republished > 0 {
		r.metrics.Reconciled(republished)
		r.logger.Info("republished stale documents", "count", republished, "stale", len(docs))
	}
	return republished, nil
}
