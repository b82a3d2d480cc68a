// Package ingestion defines the request and response types of the document
// service HTTP API.
package ingestion

import "github.com/itamittech/documentsearch/internal/document"

// CreateRequest is the JSON body accepted by POST /api/v1/documents. Any
// tenant_id sent by the client is ignored.
type CreateRequest struct {
	Title    string         `json:"title"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CreateResponse is returned once a document is persisted and queued.
type CreateResponse struct {
	DocumentID string          `json:"document_id"`
	Status     document.Status `json:"status"`
	Message    string          `json:"message"`
}

// DeleteResponse is returned once a deletion is queued.
type DeleteResponse struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// Page is one page of a tenant's documents. Page numbers start at 0.
type Page struct {
	Documents     []*document.Document `json:"documents"`
	Page          int                  `json:"page"`
	Size          int                  `json:"size"`
	TotalElements int64                `json:"total_elements"`
	TotalPages    int                  `json:"total_pages"`
}

// NewPage assembles a Page and derives its page count.
func NewPage(docs []*document.Document, page, size int, total int64) *Page {
	if docs == nil {
		docs = []*document.Document{}
	}
	pages := 0
	if size > 0 {
		pages = int((total + int64(size) - 1) / int64(size))
	}
	return &Page{Documents: docs, Page: page, Size: size, TotalElements: total, TotalPages: pages}
}
