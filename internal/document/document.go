// Package document defines the authoritative document record shared by the
// document service, the message envelope and the index node.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a document record.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusIndexing Status = "INDEXING"
	StatusIndexed  Status = "INDEXED"
	StatusFailed   Status = "FAILED"
	StatusDeleted  Status = "DELETED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusIndexing, StatusIndexed, StatusFailed, StatusDeleted:
		return true
	}
	return false
}

// Document is the system-of-record entry for one tenant document.
type Document struct {
	ID            string         `json:"document_id"`
	TenantID      string         `json:"tenant_id"`
	Title         string         `json:"title"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Status        Status         `json:"status"`
	ContentHash   string         `json:"content_hash"`
	FileSizeBytes int64          `json:"file_size_bytes"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	IndexedAt     *time.Time     `json:"indexed_at,omitempty"`
}

// New builds a Pending document owned by tenantID with a fresh id and the
// content digest filled in.
func New(tenantID, title, content string, metadata map[string]any, now time.Time) *Document {
	return &Document{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Title:         title,
		Content:       content,
		Metadata:      metadata,
		Status:        StatusPending,
		ContentHash:   ContentHash(content),
		FileSizeBytes: int64(len(content)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// ContentHash returns the hex SHA-256 digest of the UTF-8 bytes of content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ValidID reports whether id is a well-formed document id.
func ValidID(id string) bool {
	return uuid.Validate(id) == nil
}
