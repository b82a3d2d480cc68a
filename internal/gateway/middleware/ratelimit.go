package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/itamittech/documentsearch/internal/auth/ratelimit"
	"github.com/itamittech/documentsearch/internal/tenant"
	"github.com/itamittech/documentsearch/pkg/api"
	apperrors "github.com/itamittech/documentsearch/pkg/errors"
	"github.com/itamittech/documentsearch/pkg/logger"
	"github.com/itamittech/documentsearch/pkg/metrics"
)

// Admission enforces the per-tenant request budget. It must run after Tenant;
// requests without a bound tenant (exempt paths) pass through.
func Admission(limiter *ratelimit.Limiter, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID, ok := tenant.FromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			d := limiter.Allow(r.Context(), tenantID)
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))

			switch {
			case d.FailedOpen:
				m.Admission("failed_open")
			case d.Allowed:
				m.Admission("admitted")
			default:
				m.Admission("rejected")
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
				logger.FromContext(r.Context()).Info("request rate limited", "limit", d.Limit)
				api.WriteError(w, r, apperrors.ErrRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
