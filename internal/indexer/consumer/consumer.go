// Package consumer turns index and delete messages into tenant index writes
// and tracks the resulting document status in the relational store.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/itamittech/documentsearch/internal/analytics"
	"github.com/itamittech/documentsearch/internal/document"
	"github.com/itamittech/documentsearch/internal/messaging"
	"github.com/itamittech/documentsearch/internal/tenant"
	apperrors "github.com/itamittech/documentsearch/pkg/errors"
	"github.com/itamittech/documentsearch/pkg/logger"
	"github.com/itamittech/documentsearch/pkg/metrics"
	"github.com/itamittech/documentsearch/pkg/queue"
	"github.com/itamittech/documentsearch/pkg/tracing"
)

// Index is the write side of the tenant index lifecycle.
type Index interface {
	Upsert(ctx context.Context, doc *document.Document) error
	Remove(ctx context.Context, tenantID, documentID string) error
}

// StatusStore reads and updates document records regardless of tenant.
type StatusStore interface {
	FindByID(ctx context.Context, id string) (*document.Document, error)
	UpdateStatus(ctx context.Context, id string, status document.Status, indexedAt *time.Time) error
}

// Tracker receives analytics events for applied messages.
type Tracker interface {
	Track(event any)
}

// Worker handles messages from both queues. A nil store disables status
// tracking; messages are then applied to the index unconditionally.
type Worker struct {
	index   Index
	store   StatusStore
	tracker Tracker
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func New(index Index, store StatusStore, m *metrics.Metrics) *Worker {
	return &Worker{
		index:   index,
		store:   store,
		metrics: m,
		logger:  slog.Default().With("component", "indexing-worker"),
		now:     time.Now,
	}
}

// WithTracker reports every applied write to t.
func (w *Worker) WithTracker(t Tracker) *Worker {
	w.tracker = t
	return w
}

// HandleIndex is the queue.Handler for the index queue.
func (w *Worker) HandleIndex(ctx context.Context, d queue.Delivery) error {
	return w.handle(ctx, d, messaging.OpIndex)
}

// HandleDelete is the queue.Handler for the delete queue.
func (w *Worker) HandleDelete(ctx context.Context, d queue.Delivery) error {
	return w.handle(ctx, d, messaging.OpDelete)
}

// handle decodes one delivery and applies it. Malformed bodies fail so the
// broker redelivers and eventually dead-letters them. A valid message on the
// wrong queue is dropped.
func (w *Worker) handle(ctx context.Context, d queue.Delivery, want messaging.Operation) error {
	msg, err := messaging.Decode(d.Body)
	if err != nil {
		w.logger.Error("malformed message",
			"queue", d.Queue,
			"delivery_id", d.ID,
			"attempt", d.Attempt,
			"error", err,
		)
		w.metrics.Consumed(string(want), "malformed")
		return err
	}

	meta := msg.Meta()
	ctx = tenant.WithID(ctx, meta.TenantID)
	ctx = logger.WithAttrs(ctx,
		"message_id", meta.MessageID,
		"document_id", meta.DocumentID,
		"attempt", d.Attempt,
	)
	log := logger.FromContext(ctx)

	if msg.Operation() != want {
		log.Warn("dropping message for another queue", "operation", msg.Operation(), "queue", d.Queue)
		w.metrics.Consumed(string(msg.Operation()), "dropped")
		return nil
	}

	start := w.now()
	ctx, span := tracing.Start(ctx, "indexer."+string(want), meta.MessageID)
	span.SetAttr("tenant_id", meta.TenantID)
	span.SetAttr("document_id", meta.DocumentID)

	var result string
	switch m := msg.(type) {
	case *messaging.IndexRequest:
		result, err = w.applyIndex(ctx, m)
	case *messaging.DeleteRequest:
		result, err = w.applyDelete(ctx, m)
	default:
		err = fmt.Errorf("%w: unhandled message type %T", apperrors.ErrMalformedMessage, msg)
	}
	span.Finish(err)

	if err != nil {
		log.Error("message handling failed", "operation", want, "error", err)
		w.metrics.Consumed(string(want), "error")
		return err
	}
	w.metrics.Consumed(string(want), result)
	if result == "ok" && w.tracker != nil {
		eventType := analytics.EventIndexDoc
		if want == messaging.OpDelete {
			eventType = analytics.EventDeleteDoc
		}
		w.tracker.Track(analytics.IndexEvent{
			Type:       eventType,
			TenantID:   meta.TenantID,
			DocumentID: meta.DocumentID,
			LatencyMs:  w.now().Sub(start).Milliseconds(),
			Timestamp:  w.now().UTC(),
		})
	}
	return nil
}

func (w *Worker) applyIndex(ctx context.Context, m *messaging.IndexRequest) (string, error) {
	log := logger.FromContext(ctx)
	id := m.Document.ID

	if w.store != nil {
		rec, err := w.store.FindByID(ctx, id)
		if errors.Is(err, apperrors.ErrNotFound) {
			log.Warn("skipping index for unknown document")
			return "skipped", nil
		}
		if err != nil {
			return "", fmt.Errorf("loading document %s: %w", id, err)
		}
		if rec.TenantID != m.TenantID {
			return "", fmt.Errorf("%w: document %s belongs to another tenant", apperrors.ErrMalformedMessage, id)
		}
		if rec.Status == document.StatusDeleted {
			log.Info("skipping index for deleted document")
			return "skipped", nil
		}
		if err := w.store.UpdateStatus(ctx, id, document.StatusIndexing, nil); err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				log.Info("document deleted before indexing started")
				return "skipped", nil
			}
			return "", fmt.Errorf("marking %s indexing: %w", id, err)
		}
	}

	if err := w.index.Upsert(ctx, &m.Document); err != nil {
		return "", err
	}

	if w.store != nil {
		at := w.now().UTC()
		err := w.store.UpdateStatus(ctx, id, document.StatusIndexed, &at)
		if errors.Is(err, apperrors.ErrNotFound) {
			// Deleted while indexing: the delete may already have been
			// applied, so undo the write.
			log.Info("document deleted during indexing, removing entry")
			return "skipped", w.index.Remove(ctx, m.TenantID, id)
		}
		if err != nil {
			return "", fmt.Errorf("marking %s indexed: %w", id, err)
		}
	}
	log.Info("document indexed", "title_length", len(m.Document.Title))
	return "ok", nil
}

func (w *Worker) applyDelete(ctx context.Context, m *messaging.DeleteRequest) (string, error) {
	if err := w.index.Remove(ctx, m.TenantID, m.DocumentID); err != nil {
		return "", err
	}
	logger.FromContext(ctx).Info("document removed from index")
	return "ok", nil
}

// OnDeadLetter marks the record of a dead-lettered index message as failed.
func (w *Worker) OnDeadLetter(ctx context.Context, d queue.Delivery, cause error) {
	w.metrics.DeadLettered(d.Queue)
	log := w.logger.With("queue", d.Queue, "delivery_id", d.ID, "attempt", d.Attempt, "cause", cause)

	msg, err := messaging.Decode(d.Body)
	if err != nil {
		log.Error("malformed message dead-lettered")
		return
	}
	meta := msg.Meta()
	log = log.With("tenant_id", meta.TenantID, "document_id", meta.DocumentID, "message_id", meta.MessageID)
	if msg.Operation() != messaging.OpIndex || w.store == nil {
		log.Warn("message dead-lettered", "operation", msg.Operation())
		return
	}
	if err := w.store.UpdateStatus(ctx, meta.DocumentID, document.StatusFailed, nil); err != nil {
		log.Error("marking document failed", "error", err)
		return
	}
	log.Warn("indexing abandoned, document marked failed")
}
