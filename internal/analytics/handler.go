package analytics

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/itamittech/documentsearch/internal/tenant"
	"github.com/itamittech/documentsearch/pkg/api"
)

// SnapshotSource serves the last persisted statistics for a tenant the
// aggregator has not seen since it started.
type SnapshotSource interface {
	LatestSnapshot(ctx context.Context, tenantID string) (*AggregatedStats, error)
}

type Handler struct {
	aggregator *Aggregator
	snapshots  SnapshotSource
	logger     *slog.Logger
}

// NewHandler creates a Handler. snapshots may be nil.
func NewHandler(aggregator *Aggregator, snapshots SnapshotSource) *Handler {
	return &Handler{
		aggregator: aggregator,
		snapshots:  snapshots,
		logger:     slog.Default().With("component", "analytics-handler"),
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/analytics", h.Stats)
}

// Stats reports the calling tenant's statistics only.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenant.MustFromContext(r.Context())
	if err != nil {
		api.WriteError(w, r, err)
		return
	}

	stats, ok := h.aggregator.Stats(tenantID)
	if !ok && h.snapshots != nil {
		snap, err := h.snapshots.LatestSnapshot(r.Context(), tenantID)
		if err != nil {
			h.logger.Error("loading analytics snapshot failed", "tenant_id", tenantID, "error", err)
		} else if snap != nil {
			stats = *snap
		}
	}
	api.WriteJSON(w, http.StatusOK, "", stats)
}
