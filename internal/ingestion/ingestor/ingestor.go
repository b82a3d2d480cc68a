// Package ingestor persists tenant documents and hands them to the indexing
// pipeline. The record store is authoritative: a document is saved before
// its message is published, and a failed publish leaves the record Pending
// for the reconciler to pick up.
package ingestor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/itamittech/documentsearch/internal/document"
	"github.com/itamittech/documentsearch/internal/ingestion"
	"github.com/itamittech/documentsearch/internal/ingestion/validator"
	"github.com/itamittech/documentsearch/internal/tenant"
	apperrors "github.com/itamittech/documentsearch/pkg/errors"
	"github.com/itamittech/documentsearch/pkg/logger"
	"github.com/itamittech/documentsearch/pkg/metrics"
)

// Repository is the subset of the document store the ingestor needs.
type Repository interface {
	Save(ctx context.Context, doc *document.Document) error
	FindByIDAndTenant(ctx context.Context, id, tenantID string) (*document.Document, error)
	FindPageByTenant(ctx context.Context, tenantID string, page, size int) ([]*document.Document, int64, error)
	UpdateStatus(ctx context.Context, id string, status document.Status, indexedAt *time.Time) error
}

// MessagePublisher emits index and delete messages.
type MessagePublisher interface {
	PublishIndex(ctx context.Context, doc *document.Document) (string, error)
	PublishDelete(ctx context.Context, tenantID, documentID string) (string, error)
}

// Ingestor implements the document service operations for the tenant bound
// to each call's context.
type Ingestor struct {
	repo      Repository
	publisher MessagePublisher
	metrics   *metrics.Metrics
	maxSize   int
	now       func() time.Time
	logger    *slog.Logger
}

// New creates an Ingestor. maxPageSize caps List page sizes.
func New(repo Repository, publisher MessagePublisher, m *metrics.Metrics, maxPageSize int) *Ingestor {
	if maxPageSize <= 0 {
		maxPageSize = 100
	}
	return &Ingestor{
		repo:      repo,
		publisher: publisher,
		metrics:   m,
		maxSize:   maxPageSize,
		now:       time.Now,
		logger:    slog.Default().With("component", "ingestor"),
	}
}

// Create validates req, persists a Pending document for the context's
// tenant and publishes its index message. When publishing fails the
// persisted document is still returned together with an error wrapping
// ErrPublishFailure.
func (i *Ingestor) Create(ctx context.Context, req *ingestion.CreateRequest) (*document.Document, error) {
	tenantID, err := tenant.MustFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateCreateRequest(req); err != nil {
		i.metrics.DocumentOp("create", "invalid")
		return nil, err
	}
	log := logger.FromContext(ctx).With("component", "ingestor")

	doc := document.New(tenantID, req.Title, req.Content, req.Metadata, i.now().UTC())
	if err := i.repo.Save(ctx, doc); err != nil {
		i.metrics.DocumentOp("create", "error")
		return nil, fmt.Errorf("persisting document: %w", err)
	}

	messageID, err := i.publisher.PublishIndex(ctx, doc)
	if err != nil {
		i.metrics.DocumentOp("create", "publish_failed")
		log.Error("document persisted but index message not published, left pending",
			"document_id", doc.ID,
			"error", err,
		)
		return doc, err
	}

	i.metrics.DocumentOp("create", "ok")
	log.Info("document created", "document_id", doc.ID, "message_id", messageID, "content_hash", doc.ContentHash)
	return doc, nil
}

// Get returns a document owned by the context's tenant.
func (i *Ingestor) Get(ctx context.Context, id string) (*document.Document, error) {
	tenantID, err := tenant.MustFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if !document.ValidID(id) {
		return nil, apperrors.New(apperrors.ErrValidation, 400, "document id must be a UUID")
	}
	return i.repo.FindByIDAndTenant(ctx, id, tenantID)
}

// List returns one 0-based page of the tenant's documents.
func (i *Ingestor) List(ctx context.Context, page, size int) (*ingestion.Page, error) {
	tenantID, err := tenant.MustFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = 10
	}
	if size > i.maxSize {
		size = i.maxSize
	}
	docs, total, err := i.repo.FindPageByTenant(ctx, tenantID, page, size)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	return ingestion.NewPage(docs, page, size, total), nil
}

// Delete marks a tenant's document Deleted and publishes its delete
// message. The record itself is kept.
func (i *Ingestor) Delete(ctx context.Context, id string) error {
	tenantID, err := tenant.MustFromContext(ctx)
	if err != nil {
		return err
	}
	if !document.ValidID(id) {
		return apperrors.New(apperrors.ErrValidation, 400, "document id must be a UUID")
	}
	if _, err := i.repo.FindByIDAndTenant(ctx, id, tenantID); err != nil {
		return err
	}
	if err := i.repo.UpdateStatus(ctx, id, document.StatusDeleted, nil); err != nil {
		i.metrics.DocumentOp("delete", "error")
		return fmt.Errorf("marking document deleted: %w", err)
	}

	log := logger.FromContext(ctx).With("component", "ingestor")
	messageID, err := i.publisher.PublishDelete(ctx, tenantID, id)
	if err != nil {
		i.metrics.DocumentOp("delete", "publish_failed")
		log.Error("document marked deleted but delete message not published", "document_id", id, "error", err)
		return err
	}
	i.metrics.DocumentOp("delete", "ok")
	log.Info("document marked for deletion", "document_id", id, "message_id", messageID)
	return nil
}
