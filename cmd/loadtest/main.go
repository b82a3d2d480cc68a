// Command loadtest drives a mix of searches and document writes through the
// gateway on behalf of several tenants and reports latency, status codes and
// per-tenant throttling.
//
// Usage:
//
//	go run ./cmd/loadtest -keys sk_test_acme_x,sk_test_globex_y [-write-ratio 10]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/itamittech/documentsearch/internal/ingestion"
	"github.com/itamittech/documentsearch/internal/tenant"
)

type Config struct {
	BaseURL     string
	Concurrency int
	Duration    time.Duration
	WriteRatio  int
	Fuzzy       bool
	Keys        []string
	Queries     []string
}

type tenantStats struct {
	requests  atomic.Int64
	throttled atomic.Int64
	writes    atomic.Int64
}

type Stats struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
	latencies     []time.Duration
	latenciesMu   sync.Mutex
	statusCodes   map[int]*atomic.Int64
	statusCodesMu sync.Mutex
	tenants       map[string]*tenantStats
}

func NewStats(tenants []string) *Stats {
	s := &Stats{
		latencies:   make([]time.Duration, 0, 100000),
		statusCodes: make(map[int]*atomic.Int64),
		tenants:     make(map[string]*tenantStats, len(tenants)),
	}
	for _, id := range tenants {
		s.tenants[id] = &tenantStats{}
	}
	return s
}

func (s *Stats) RecordRequest(tenantID string, write bool, duration time.Duration, statusCode int, err error) {
	s.totalRequests.Add(1)
	ts := s.tenants[tenantID]
	ts.requests.Add(1)
	if write {
		ts.writes.Add(1)
	}

	if err != nil {
		s.errorCount.Add(1)
		return
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		s.successCount.Add(1)
	case statusCode == http.StatusTooManyRequests:
		ts.throttled.Add(1)
		s.errorCount.Add(1)
	default:
		s.errorCount.Add(1)
	}

	s.latenciesMu.Lock()
	s.latencies = append(s.latencies, duration)
	s.latenciesMu.Unlock()

	s.statusCodesMu.Lock()
	if _, ok := s.statusCodes[statusCode]; !ok {
		s.statusCodes[statusCode] = &atomic.Int64{}
	}
	s.statusCodes[statusCode].Add(1)
	s.statusCodesMu.Unlock()
}

type credential struct {
	key      string
	tenantID string
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the gateway")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	keys := flag.String("keys", "", "comma-separated tenant API keys")
	writeRatio := flag.Int("write-ratio", 10, "percentage of requests that ingest a document")
	fuzzy := flag.Bool("fuzzy", false, "send fuzzy searches")
	flag.Parse()

	cfg := Config{
		BaseURL:     strings.TrimRight(*baseURL, "/"),
		Concurrency: *concurrency,
		Duration:    *duration,
		WriteRatio:  *writeRatio,
		Fuzzy:       *fuzzy,
		Keys:        splitKeys(*keys),
		Queries: []string{
			"quarterly report",
			"invoice overdue",
			"onboarding checklist",
			"incident postmortem",
			"release notes",
			"security review",
			"customer contract",
			"roadmap planning",
			"travel policy",
			"budget forecast",
		},
	}

	creds, err := resolveKeys(cfg.Keys)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -keys: %v\n", err)
		os.Exit(1)
	}
	if cfg.WriteRatio < 0 || cfg.WriteRatio > 100 {
		fmt.Fprintln(os.Stderr, "-write-ratio must be between 0 and 100")
		os.Exit(1)
	}

	fmt.Println("=== Document Search Load Test ===")
	fmt.Printf("Target:      %s\n", cfg.BaseURL)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Printf("Tenants:     %d\n", len(creds))
	fmt.Printf("Writes:      %d%%\n", cfg.WriteRatio)
	fmt.Println()

	stats := runLoadTest(cfg, creds)
	printReport(stats, cfg.Duration)
}

func splitKeys(raw string) []string {
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func resolveKeys(keys []string) ([]credential, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one key is required")
	}
	out := make([]credential, 0, len(keys))
	for _, k := range keys {
		c, err := tenant.ParseCredential(k)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", k, err)
		}
		out = append(out, credential{key: k, tenantID: c.TenantID})
	}
	return out, nil
}

func runLoadTest(cfg Config, creds []credential) *Stats {
	ids := make([]string, 0, len(creds))
	for _, c := range creds {
		ids = append(ids, c.tenantID)
	}
	stats := NewStats(ids)
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	fmt.Print("Running")

	for w := 0; w < cfg.Concurrency; w++ {
		g.Go(func() error {
			cred := creds[w%len(creds)]
			seq := w
			for ctx.Err() == nil {
				seq++
				write := rand.IntN(100) < cfg.WriteRatio

				var req *http.Request
				if write {
					req = newIngestRequest(ctx, cfg, cred, seq)
				} else {
					req = newSearchRequest(ctx, cfg, cred, cfg.Queries[seq%len(cfg.Queries)])
				}

				start := time.Now()
				resp, err := client.Do(req)
				elapsed := time.Since(start)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					stats.RecordRequest(cred.tenantID, write, elapsed, 0, err)
					continue
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()

				stats.RecordRequest(cred.tenantID, write, elapsed, resp.StatusCode, nil)
			}
			return nil
		})
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	g.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

func newSearchRequest(ctx context.Context, cfg Config, cred credential, query string) *http.Request {
	q := url.Values{}
	q.Set("q", query)
	q.Set("size", "10")
	if cfg.Fuzzy {
		q.Set("fuzzy", "true")
	}
	req := mustNewRequest(ctx, http.MethodGet, cfg.BaseURL+"/api/v1/search?"+q.Encode(), nil)
	req.Header.Set("X-API-Key", cred.key)
	return req
}

func newIngestRequest(ctx context.Context, cfg Config, cred credential, seq int) *http.Request {
	body, _ := json.Marshal(ingestion.CreateRequest{
		Title:    fmt.Sprintf("loadtest document %d", seq),
		Content:  cfg.Queries[seq%len(cfg.Queries)] + " generated by the load test",
		Metadata: map[string]any{"source": "loadtest"},
	})
	req := mustNewRequest(ctx, http.MethodPost, cfg.BaseURL+"/api/v1/documents", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", cred.key)
	return req
}

func mustNewRequest(ctx context.Context, method, rawURL string, body io.Reader) *http.Request {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		panic(fmt.Sprintf("creating request: %v", err))
	}
	return req
}

func printReport(stats *Stats, duration time.Duration) {
	total := stats.totalRequests.Load()
	success := stats.successCount.Load()
	errors := stats.errorCount.Load()

	fmt.Println("=== Results ===")
	fmt.Printf("Total Requests:  %d\n", total)
	fmt.Printf("Successful:      %d\n", success)
	fmt.Printf("Errors:          %d\n", errors)

	if total > 0 {
		errorRate := float64(errors) / float64(total) * 100
		fmt.Printf("Error Rate:      %.2f%%\n", errorRate)
		rps := float64(total) / duration.Seconds()
		fmt.Printf("Requests/sec:    %.2f\n", rps)
	}

	stats.latenciesMu.Lock()
	latencies := make([]time.Duration, len(stats.latencies))
	copy(latencies, stats.latencies)
	stats.latenciesMu.Unlock()

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool {
			return latencies[i] < latencies[j]
		})

		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))

		fmt.Println()
		fmt.Println("=== Latency ===")
		fmt.Printf("Min:    %s\n", latencies[0])
		fmt.Printf("Avg:    %s\n", avg)
		fmt.Printf("P50:    %s\n", percentile(latencies, 50))
		fmt.Printf("P95:    %s\n", percentile(latencies, 95))
		fmt.Printf("P99:    %s\n", percentile(latencies, 99))
		fmt.Printf("Max:    %s\n", latencies[len(latencies)-1])
	}

	fmt.Println()
	fmt.Println("=== Tenants ===")
	fmt.Printf("%-20s  %10s  %8s  %10s\n", "Tenant", "Requests", "Writes", "Throttled")
	ids := make([]string, 0, len(stats.tenants))
	for id := range stats.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ts := stats.tenants[id]
		fmt.Printf("%-20s  %10d  %8d  %10d\n", id, ts.requests.Load(), ts.writes.Load(), ts.throttled.Load())
	}

	fmt.Println()
	fmt.Println("=== Status Codes ===")
	stats.statusCodesMu.Lock()
	codes := make([]int, 0, len(stats.statusCodes))
	for code := range stats.statusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Printf("  %d: %d\n", code, stats.statusCodes[code].Load())
	}
	stats.statusCodesMu.Unlock()

	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: No requests completed. Is the gateway running?")
		os.Exit(1)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
