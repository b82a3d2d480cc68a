package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/itamittech/documentsearch/internal/document"
	"github.com/itamittech/documentsearch/internal/indexer/index"
	"github.com/itamittech/documentsearch/internal/searcher/parser"
	"github.com/itamittech/documentsearch/pkg/config"
)

// BenchmarkQueryParse measures query parsing latency for queries of varying
// complexity.
func BenchmarkQueryParse(b *testing.B) {
	queries := []struct {
		name  string
		query string
	}{
		{"simple", "quarterly report"},
		{"boolean_and", "invoice AND overdue AND customer"},
		{"boolean_or", "contract OR agreement OR policy"},
		{"with_not", "report NOT draft"},
		{"long", "quarterly report revenue growth customer contract renewal budget forecast"},
	}

	for _, q := range queries {
		b.Run(q.name, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_ = parser.Parse(q.query)
			}
		})
	}
}

// BenchmarkExecute measures end-to-end search latency over in-memory
// indexes of different sizes, exact and fuzzy.
func BenchmarkExecute(b *testing.B) {
	words := []string{"report", "invoice", "contract", "budget", "roadmap", "policy", "review", "incident"}

	for _, numDocs := range []int{100, 1000} {
		m, err := index.NewManager(config.IndexConfig{Shards: 3}, nil)
		if err != nil {
			b.Fatal(err)
		}
		ctx := context.Background()
		docs := make([]*document.Document, 0, numDocs)
		for i := 0; i < numDocs; i++ {
			w := words[i%len(words)]
			docs = append(docs, document.New("bench",
				fmt.Sprintf("%s %d", w, i),
				fmt.Sprintf("the %s for quarter %d mentions %s", w, i%4, words[(i+3)%len(words)]),
				nil, time.Now()))
		}
		if _, err := m.BulkUpsert(ctx, "bench", docs); err != nil {
			b.Fatal(err)
		}
		exec := New(m, config.SearchConfig{
			DefaultPageSize:  10,
			MaxPageSize:      100,
			Timeout:          5 * time.Second,
			BreakerFailures:  1000,
			BreakerResetTime: time.Minute,
		}, nil)

		for _, fuzzy := range []bool{false, true} {
			b.Run(fmt.Sprintf("docs_%d/fuzzy_%t", numDocs, fuzzy), func(b *testing.B) {
				q := Query{TenantID: "bench", Text: "reprot budget", Page: 1, Size: 10, Fuzzy: fuzzy, Highlight: true}
				b.ReportAllocs()
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					if _, err := exec.Execute(ctx, q); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
		m.Close()
	}
}
