// Package store persists document records in PostgreSQL. Every read that
// serves a client is scoped by tenant; FindByID and UpdateStatus are the
// cross-tenant paths used by the index node and the reconciler.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/itamittech/documentsearch/internal/document"
	apperrors "github.com/itamittech/documentsearch/pkg/errors"
	"github.com/itamittech/documentsearch/pkg/postgres"
)

// Schema creates the documents table and its indexes.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		document_id     UUID PRIMARY KEY,
		tenant_id       VARCHAR(100) NOT NULL,
		title           VARCHAR(500) NOT NULL,
		content         TEXT NOT NULL,
		metadata        JSONB,
		status          VARCHAR(50) NOT NULL,
		file_size_bytes BIGINT NOT NULL DEFAULT 0,
		content_hash    CHAR(64) NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL,
		indexed_at      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_tenant_created ON documents (tenant_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_status ON documents (status, updated_at)`,
}

const columns = `document_id, tenant_id, title, content, metadata, status,
	file_size_bytes, content_hash, created_at, updated_at, indexed_at`

// Store is the PostgreSQL document repository.
type Store struct {
	db  *postgres.Client
	now func() time.Time
}

// New creates a Store.
func New(db *postgres.Client) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.Migrate(ctx, Schema...)
}

// Save inserts doc or overwrites the record with the same id.
func (s *Store) Save(ctx context.Context, doc *document.Document) error {
	meta, err := marshalMetadata(doc.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.DB.ExecContext(ctx,
		`INSERT INTO documents (`+columns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (document_id) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			status = EXCLUDED.status,
			file_size_bytes = EXCLUDED.file_size_bytes,
			content_hash = EXCLUDED.content_hash,
			updated_at = EXCLUDED.updated_at,
			indexed_at = EXCLUDED.indexed_at
		 WHERE documents.tenant_id = EXCLUDED.tenant_id`,
		doc.ID, doc.TenantID, doc.Title, doc.Content, meta, string(doc.Status),
		doc.FileSizeBytes, doc.ContentHash, doc.CreatedAt, doc.UpdatedAt, nullTime(doc.IndexedAt),
	)
	if err != nil {
		return fmt.Errorf("saving document %s: %w", doc.ID, err)
	}
	return nil
}

// FindByIDAndTenant loads a document owned by tenantID, or ErrNotFound.
func (s *Store) FindByIDAndTenant(ctx context.Context, id, tenantID string) (*document.Document, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`SELECT `+columns+` FROM documents WHERE document_id = $1 AND tenant_id = $2`, id, tenantID)
	return scanOne(row, id)
}

// FindByID loads a document regardless of tenant, or ErrNotFound.
func (s *Store) FindByID(ctx context.Context, id string) (*document.Document, error) {
	row := s.db.DB.QueryRowContext(ctx, `SELECT `+columns+` FROM documents WHERE document_id = $1`, id)
	return scanOne(row, id)
}

// FindPageByTenant returns one 0-based page of tenantID's documents, newest
// first, and the tenant's total document count.
func (s *Store) FindPageByTenant(ctx context.Context, tenantID string, page, size int) ([]*document.Document, int64, error) {
	var docs []*document.Document
	var total int64
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM documents WHERE tenant_id = $1`, tenantID).Scan(&total); err != nil {
			return fmt.Errorf("counting documents: %w", err)
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT `+columns+` FROM documents WHERE tenant_id = $1
			 ORDER BY created_at DESC, document_id LIMIT $2 OFFSET $3`,
			tenantID, size, page*size)
		if err != nil {
			return fmt.Errorf("listing documents: %w", err)
		}
		defer rows.Close()
		docs, err = scanAll(rows)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

// UpdateStatus sets the status of a document. A Deleted record only accepts
// Deleted, so a late indexing update cannot resurrect it. indexedAt is
// recorded when non-nil. It returns ErrNotFound when no row changed.
func (s *Store) UpdateStatus(ctx context.Context, id string, status document.Status, indexedAt *time.Time) error {
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE documents
		 SET status = $2, updated_at = $3, indexed_at = COALESCE($4, indexed_at)
		 WHERE document_id = $1 AND (status <> 'DELETED' OR $2 = 'DELETED')`,
		id, string(status), s.now().UTC(), nullTime(indexedAt),
	)
	if err != nil {
		return fmt.Errorf("updating status of %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: document %s", apperrors.ErrNotFound, id)
	}
	return nil
}

// TouchPending bumps updated_at of a record that is still Pending and reports
// whether it was. A record the index node already moved on is left alone.
func (s *Store) TouchPending(ctx context.Context, id string) (bool, error) {
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE documents SET updated_at = $2
		 WHERE document_id = $1 AND status = 'PENDING'`,
		id, s.now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("touching %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListStale returns up to limit documents still in status whose last update
// is older than before, oldest first.
func (s *Store) ListStale(ctx context.Context, status document.Status, before time.Time, limit int) ([]*document.Document, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT `+columns+` FROM documents
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at LIMIT $3`,
		string(status), before, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale documents: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row scanner, id string) (*document.Document, error) {
	doc, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s", apperrors.ErrNotFound, id)
	}
	return doc, err
}

func scanAll(rows *sql.Rows) ([]*document.Document, error) {
	var docs []*document.Document
	for rows.Next() {
		doc, err := scan(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func scan(row scanner) (*document.Document, error) {
	var doc document.Document
	var meta []byte
	var status string
	var indexedAt sql.NullTime
	err := row.Scan(&doc.ID, &doc.TenantID, &doc.Title, &doc.Content, &meta, &status,
		&doc.FileSizeBytes, &doc.ContentHash, &doc.CreatedAt, &doc.UpdatedAt, &indexedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning document row: %w", err)
	}
	doc.Status = document.Status(status)
	if indexedAt.Valid {
		t := indexedAt.Time
		doc.IndexedAt = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of %s: %w", doc.ID, err)
		}
	}
	return &doc, nil
}

func marshalMetadata(meta map[string]any) (any, error) {
	if meta == nil {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return string(b), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
