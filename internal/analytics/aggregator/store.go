// Package aggregator persists per-tenant analytics snapshots to PostgreSQL
// and snapshots the live aggregator periodically.
package aggregator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/itamittech/documentsearch/internal/analytics"
	"github.com/itamittech/documentsearch/pkg/postgres"
)

// Schema creates the analytics_snapshots table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS analytics_snapshots (
		id          BIGSERIAL PRIMARY KEY,
		tenant_id   VARCHAR(100) NOT NULL,
		data        JSONB NOT NULL,
		captured_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_analytics_snapshots_tenant ON analytics_snapshots (tenant_id, captured_at DESC)`,
}

// Store persists aggregated analytics snapshots in PostgreSQL.
type Store struct {
	db     *postgres.Client
	now    func() time.Time
	logger *slog.Logger
}

func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		now:    time.Now,
		logger: slog.Default().With("component", "analytics-store"),
	}
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.Migrate(ctx, Schema...)
}

// SaveSnapshot persists one tenant's stats.
func (s *Store) SaveSnapshot(ctx context.Context, stats analytics.AggregatedStats) error {
	if stats.TenantID == "" {
		return errors.New("snapshot without tenant")
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}

	_, err = s.db.DB.ExecContext(ctx,
		`INSERT INTO analytics_snapshots (tenant_id, data, captured_at) VALUES ($1, $2, $3)`,
		stats.TenantID, data, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving analytics snapshot: %w", err)
	}

	s.logger.Debug("analytics snapshot saved",
		"tenant_id", stats.TenantID,
		"total_searches", stats.TotalSearches,
		"total_docs_indexed", stats.TotalDocIndexed,
	)
	return nil
}

// LatestSnapshot loads tenantID's most recent snapshot. Returns nil, nil if
// none exists yet.
func (s *Store) LatestSnapshot(ctx context.Context, tenantID string) (*analytics.AggregatedStats, error) {
	var data []byte
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT data FROM analytics_snapshots WHERE tenant_id = $1 ORDER BY captured_at DESC, id DESC LIMIT 1`,
		tenantID,
	).Scan(&data)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest snapshot: %w", err)
	}

	var stats analytics.AggregatedStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot: %w", err)
	}
	return &stats, nil
}

// ListSnapshots returns tenantID's last limit snapshots, newest first.
func (s *Store) ListSnapshots(ctx context.Context, tenantID string, limit int) ([]analytics.AggregatedStats, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT data FROM analytics_snapshots WHERE tenant_id = $1 ORDER BY captured_at DESC, id DESC LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []analytics.AggregatedStats
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		var stats analytics.AggregatedStats
		if err := json.Unmarshal(data, &stats); err != nil {
			s.logger.Warn("skipping corrupt snapshot", "tenant_id", tenantID, "error", err)
			continue
		}
		snapshots = append(snapshots, stats)
	}

	return snapshots, rows.Err()
}

// SaveAll snapshots every tenant agg has seen and returns how many were
// written.
func (s *Store) SaveAll(ctx context.Context, agg *analytics.Aggregator) (int, error) {
	var (
		saved int
		errs  []error
	)
	for _, tenantID := range agg.Tenants() {
		stats, ok := agg.Stats(tenantID)
		if !ok {
			continue
		}
		if err := s.SaveSnapshot(ctx, stats); err != nil {
			errs = append(errs, err)
			continue
		}
		saved++
	}
	return saved, errors.Join(errs...)
}

// StartPeriodicSave launches a goroutine that snapshots agg every interval,
// and once more when ctx ends.
func (s *Store) StartPeriodicSave(ctx context.Context, agg *analytics.Aggregator, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n, err := s.SaveAll(ctx, agg); err != nil {
					s.logger.Error("periodic snapshot failed", "saved", n, "error", err)
				}
			case <-ctx.Done():
				// Final snapshot on shutdown.
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if n, err := s.SaveAll(shutdownCtx, agg); err != nil {
					s.logger.Error("final snapshot failed", "saved", n, "error", err)
				}
				return
			}
		}
	}()
	s.logger.Info("periodic snapshot started", "interval", interval)
}
