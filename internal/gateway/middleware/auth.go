// Package middleware provides the tenant-facing HTTP middleware shared by the
// gateway and the services behind it: credential resolution, per-tenant
// admission and CORS.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/itamittech/documentsearch/internal/auth/apikey"
	"github.com/itamittech/documentsearch/internal/tenant"
	"github.com/itamittech/documentsearch/pkg/api"
	"github.com/itamittech/documentsearch/pkg/logger"
)

// KeyVerifier confirms that a well-formed credential is registered to the
// tenant it names. *apikey.Registry satisfies it.
type KeyVerifier interface {
	Verify(ctx context.Context, rawKey, tenantID string) (*apikey.KeyInfo, error)
}

// TenantConfig configures Tenant.
type TenantConfig struct {
	Resolver *tenant.Resolver
	// Verifier is optional; when nil only the credential format and prefix
	// are checked.
	Verifier    KeyVerifier
	ExemptPaths []string
}

// Tenant resolves the caller's credential and binds its tenant to the
// request context. Exempt paths skip resolution entirely.
func Tenant(cfg TenantConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsExempt(r.URL.Path, cfg.ExemptPaths) {
				next.ServeHTTP(w, r)
				return
			}

			cred, err := cfg.Resolver.Resolve(ExtractCredential(r))
			if err != nil {
				logger.FromContext(r.Context()).Info("credential rejected", "path", r.URL.Path, "error", err)
				api.WriteError(w, r, err)
				return
			}

			if cfg.Verifier != nil {
				if _, err := cfg.Verifier.Verify(r.Context(), cred.Raw, cred.TenantID); err != nil {
					logger.FromContext(r.Context()).Warn("credential verification failed", "tenant_id", cred.TenantID, "error", err)
					api.WriteError(w, r, err)
					return
				}
			}

			ctx := tenant.WithID(r.Context(), cred.TenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ExtractCredential reads the credential in priority order: X-API-Key
// header, Authorization: Bearer header, api_key query parameter.
func ExtractCredential(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("api_key")
}

// IsExempt reports whether path equals or sits beneath one of the exempt
// prefixes.
func IsExempt(path string, exempt []string) bool {
	for _, p := range exempt {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}
