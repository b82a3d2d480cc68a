// Package executor runs tenant-scoped full-text queries against the tenant's
// bleve index and shapes the hits into search results.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/itamittech/documentsearch/internal/indexer/index"
	"github.com/itamittech/documentsearch/internal/searcher/parser"
	"github.com/itamittech/documentsearch/pkg/config"
	apperrors "github.com/itamittech/documentsearch/pkg/errors"
	"github.com/itamittech/documentsearch/pkg/logger"
	"github.com/itamittech/documentsearch/pkg/metrics"
	"github.com/itamittech/documentsearch/pkg/resilience"
	"github.com/itamittech/documentsearch/pkg/tracing"
)

const (
	// SnippetLength is the number of content characters kept in a snippet.
	SnippetLength = 200
	// TruncationMarker ends snippets of longer content.
	TruncationMarker = "..."

	titleBoost    = 2.0
	fuzzyDistance = 2
)

// Query is one tenant's search request.
type Query struct {
	TenantID  string
	Text      string
	Page      int
	Size      int
	Fuzzy     bool
	Highlight bool
}

type Hit struct {
	DocumentID string         `json:"document_id"`
	Title      string         `json:"title"`
	Snippet    string         `json:"snippet"`
	Score      float64        `json:"score"`
	Metadata   map[string]any `json:"metadata"`
	Highlights []string       `json:"highlights"`
}

type SearchResult struct {
	Query     string `json:"query"`
	TotalHits uint64 `json:"total_hits"`
	Page      int    `json:"page"`
	PageSize  int    `json:"page_size"`
	TookMs    int64  `json:"took_ms"`
	Results   []Hit  `json:"results"`
}

// Indexes resolves a tenant to the index its queries run against.
type Indexes interface {
	Searcher(ctx context.Context, tenantID string) (bleve.Index, bool, error)
}

type Executor struct {
	indexes Indexes
	breaker *resilience.CircuitBreaker
	timeout time.Duration
	maxSize int
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(indexes Indexes, cfg config.SearchConfig, m *metrics.Metrics) *Executor {
	return &Executor{
		indexes: indexes,
		breaker: resilience.NewCircuitBreaker("search", resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.BreakerFailures,
			ResetTimeout:     cfg.BreakerResetTime,
			IsFailure: func(err error) bool {
				return !errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, _, to resilience.State) {
				m.BreakerState(name, int(to))
			},
		}),
		timeout: cfg.Timeout,
		maxSize: cfg.MaxPageSize,
		metrics: m,
		logger:  slog.Default().With("component", "query-executor"),
	}
}

// Validate checks q against the query limits.
func (e *Executor) Validate(q Query) error {
	fields := make(map[string]string)
	if strings.TrimSpace(q.Text) == "" {
		fields["q"] = "query must not be blank"
	}
	if q.Page < 1 {
		fields["page"] = "must be at least 1"
	}
	if q.Size < 1 || q.Size > e.maxSize {
		fields["size"] = fmt.Sprintf("must be between 1 and %d", e.maxSize)
	}
	if len(fields) > 0 {
		return &apperrors.ValidationError{Fields: fields}
	}
	return nil
}

// Execute runs q against the tenant's index. A tenant without an index gets
// an empty result. Engine failures, including an open breaker, wrap
// ErrIndexUnavailable.
func (e *Executor) Execute(ctx context.Context, q Query) (*SearchResult, error) {
	if err := e.Validate(q); err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, span := tracing.Start(ctx, "search.execute", logger.RequestID(ctx))
	span.SetAttr("tenant_id", q.TenantID)

	result := &SearchResult{
		Query:    q.Text,
		Page:     q.Page,
		PageSize: q.Size,
		Results:  []Hit{},
	}
	plan := parser.Parse(q.Text)
	if plan.Empty() {
		result.TookMs = time.Since(start).Milliseconds()
		span.Finish(nil)
		return result, nil
	}

	idx, ok, err := e.indexes.Searcher(ctx, q.TenantID)
	if err != nil {
		span.Finish(err)
		return nil, err
	}
	if !ok {
		result.TookMs = time.Since(start).Milliseconds()
		span.Finish(nil)
		return result, nil
	}

	req := bleve.NewSearchRequestOptions(BuildQuery(plan, q.TenantID, q.Fuzzy), q.Size, (q.Page-1)*q.Size, false)
	req.Fields = []string{index.FieldSource}
	if q.Highlight {
		req.Highlight = bleve.NewHighlightWithStyle(index.HighlightStyle)
		req.Highlight.AddField(index.FieldTitle)
		req.Highlight.AddField(index.FieldContent)
	}

	var res *bleve.SearchResult
	err = e.breaker.Execute(func() error {
		sctx := ctx
		if e.timeout > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(ctx, e.timeout)
			defer cancel()
		}
		var serr error
		res, serr = idx.SearchInContext(sctx, req)
		return serr
	})
	if err != nil {
		span.Finish(err)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, apperrors.New(apperrors.ErrIndexUnavailable, http.StatusServiceUnavailable, "search is temporarily unavailable")
		}
		return nil, fmt.Errorf("%w: searching %s: %v", apperrors.ErrIndexUnavailable, index.IndexName(q.TenantID), err)
	}

	result.TotalHits = res.Total
	for _, dm := range res.Hits {
		result.Results = append(result.Results, e.toHit(ctx, dm))
	}
	result.TookMs = time.Since(start).Milliseconds()
	span.SetAttr("total_hits", res.Total)
	span.Finish(nil)

	logger.FromContext(ctx).Info("query executed",
		"query", q.Text,
		"terms", plan.Terms,
		"type", plan.Type.String(),
		"fuzzy", q.Fuzzy,
		"total_hits", result.TotalHits,
		"returned", len(result.Results),
		"took_ms", result.TookMs,
	)
	return result, nil
}

func (e *Executor) toHit(ctx context.Context, dm *search.DocumentMatch) Hit {
	hit := Hit{
		DocumentID: dm.ID,
		Score:      dm.Score,
		Metadata:   map[string]any{},
		Highlights: []string{},
	}
	if src, err := index.DecodeSource(dm.Fields[index.FieldSource]); err != nil {
		logger.FromContext(ctx).Warn("hit without usable source", "document_id", dm.ID, "error", err)
	} else {
		hit.Title = src.Title
		hit.Snippet = Snippet(src.Content)
		if src.Metadata != nil {
			hit.Metadata = src.Metadata
		}
	}
	for _, field := range []string{index.FieldTitle, index.FieldContent} {
		hit.Highlights = append(hit.Highlights, dm.Fragments[field]...)
	}
	return hit
}

// BuildQuery compiles plan into a bleve query restricted to tenantID. Each
// term matches title (boosted) or content.
func BuildQuery(plan *parser.QueryPlan, tenantID string, fuzzy bool) query.Query {
	terms := make([]query.Query, 0, len(plan.Terms))
	for _, t := range plan.Terms {
		terms = append(terms, termQuery(t, Fuzziness(t, fuzzy)))
	}
	var matched query.Query
	if plan.Type == parser.QueryAND {
		matched = bleve.NewConjunctionQuery(terms...)
	} else {
		matched = bleve.NewDisjunctionQuery(terms...)
	}

	owner := bleve.NewTermQuery(tenantID)
	owner.SetField(index.FieldTenantID)

	q := bleve.NewBooleanQuery()
	q.AddMust(owner, matched)
	for _, t := range plan.ExcludeTerms {
		q.AddMustNot(termQuery(t, 0))
	}
	return q
}

func termQuery(term string, fuzziness int) query.Query {
	title := bleve.NewMatchQuery(term)
	title.SetField(index.FieldTitle)
	title.SetBoost(titleBoost)
	title.SetFuzziness(fuzziness)

	content := bleve.NewMatchQuery(term)
	content.SetField(index.FieldContent)
	content.SetFuzziness(fuzziness)

	return bleve.NewDisjunctionQuery(title, content)
}

// Fuzziness is the edit distance allowed for term. Fuzzy queries allow two
// edits; otherwise the distance grows with term length: none up to two
// characters, one up to five and two beyond.
func Fuzziness(term string, fuzzy bool) int {
	if fuzzy {
		return fuzzyDistance
	}
	switch n := utf8.RuneCountInString(term); {
	case n <= 2:
		return 0
	case n <= 5:
		return 1
	default:
		return 2
	}
}

// Snippet returns the first SnippetLength characters of content, followed by
// TruncationMarker when content is longer.
func Snippet(content string) string {
	if utf8.RuneCountInString(content) <= SnippetLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:SnippetLength]) + TruncationMarker
}
