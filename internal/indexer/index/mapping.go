// Package index manages per-tenant bleve search indexes: naming, mapping,
// lazy creation, idempotent upserts and removals.
package index

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search/highlight"
	"github.com/blevesearch/bleve/v2/search/highlight/format/html"
	simplefragmenter "github.com/blevesearch/bleve/v2/search/highlight/fragmenter/simple"
	simplehighlighter "github.com/blevesearch/bleve/v2/search/highlight/highlighter/simple"

	"github.com/itamittech/documentsearch/internal/document"
)

// NamePrefix is prepended to a tenant id to name its index.
const NamePrefix = "docs_tenant_"

// HighlightStyle is the registered highlighter search requests use.
const HighlightStyle = "docsearch_mark"

// FragmentSize is the highlighted fragment length in characters.
const FragmentSize = 150

// Field names in the index.
const (
	FieldDocumentID = "document_id"
	FieldTenantID   = "tenant_id"
	FieldTitle      = "title"
	FieldContent    = "content"
	FieldMetadata   = "metadata"
	FieldIndexedAt  = "indexed_at"
	FieldSource     = "source"
)

func init() {
	registry.RegisterHighlighter(HighlightStyle, func(map[string]interface{}, *registry.Cache) (highlight.Highlighter, error) {
		return simplehighlighter.NewHighlighter(
			simplefragmenter.NewFragmenter(FragmentSize),
			html.NewFragmentFormatter("<mark>", "</mark>"),
			simplehighlighter.DefaultSeparator,
		), nil
	})
}

// IndexName returns the index name for tenantID.
func IndexName(tenantID string) string {
	return NamePrefix + tenantID
}

// NewMapping builds the fixed mapping every tenant index is created with:
// keyword identifiers, analyzed and stored title/content, dynamic metadata,
// a datetime indexed_at and an unindexed JSON source.
func NewMapping() (mapping.IndexMapping, error) {
	keyword := bleve.NewKeywordFieldMapping()
	keyword.IncludeInAll = false

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	text.Store = true
	text.IncludeTermVectors = true

	indexedAt := bleve.NewDateTimeFieldMapping()
	indexedAt.IncludeInAll = false

	source := bleve.NewTextFieldMapping()
	source.Index = false
	source.Store = true
	source.IncludeInAll = false
	source.IncludeTermVectors = false

	doc := bleve.NewDocumentStaticMapping()
	doc.AddFieldMappingsAt(FieldDocumentID, keyword)
	doc.AddFieldMappingsAt(FieldTenantID, keyword)
	doc.AddFieldMappingsAt(FieldTitle, text)
	doc.AddFieldMappingsAt(FieldContent, text)
	doc.AddFieldMappingsAt(FieldIndexedAt, indexedAt)
	doc.AddFieldMappingsAt(FieldSource, source)
	doc.AddSubDocumentMapping(FieldMetadata, bleve.NewDocumentMapping())

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = standard.Name
	im.StoreDynamic = false
	if err := im.Validate(); err != nil {
		return nil, fmt.Errorf("validating index mapping: %w", err)
	}
	return im, nil
}

// Entry is the flattened form of a document written to a tenant index.
type Entry struct {
	DocumentID string         `json:"document_id"`
	TenantID   string         `json:"tenant_id"`
	Title      string         `json:"title"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata"`
	IndexedAt  time.Time      `json:"indexed_at"`
	Source     string         `json:"source"`
}

// Source is the stored copy of an entry returned with search hits.
type Source struct {
	DocumentID string         `json:"document_id"`
	Title      string         `json:"title"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata"`
	IndexedAt  time.Time      `json:"indexed_at"`
}

// NewEntry flattens doc for indexing at time at.
func NewEntry(doc *document.Document, at time.Time) (*Entry, error) {
	meta := doc.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	src, err := json.Marshal(Source{
		DocumentID: doc.ID,
		Title:      doc.Title,
		Content:    doc.Content,
		Metadata:   meta,
		IndexedAt:  at,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding source of %s: %w", doc.ID, err)
	}
	return &Entry{
		DocumentID: doc.ID,
		TenantID:   doc.TenantID,
		Title:      doc.Title,
		Content:    doc.Content,
		Metadata:   meta,
		IndexedAt:  at,
		Source:     string(src),
	}, nil
}

// DecodeSource parses the stored source of a search hit.
func DecodeSource(raw any) (*Source, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("stored source has type %T", raw)
	}
	var src Source
	if err := json.Unmarshal([]byte(s), &src); err != nil {
		return nil, fmt.Errorf("decoding stored source: %w", err)
	}
	return &src, nil
}
