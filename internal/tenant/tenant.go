// Package tenant resolves tenant identity from request credentials and binds
// it to a context for the lifetime of one request or message.
package tenant

import (
	"context"
	"regexp"
	"strings"

	apperrors "github.com/itamittech/documentsearch/pkg/errors"
	"github.com/itamittech/documentsearch/pkg/logger"
)

// Credential is a parsed `<scheme>_<env>_<tenant>_<random>` key.
type Credential struct {
	Raw      string
	Scheme   string
	Env      string
	TenantID string
}

// Prefix returns the `<scheme>_<env>_` part the allow-list is matched on.
func (c Credential) Prefix() string {
	return c.Scheme + "_" + c.Env + "_"
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{0,99}$`)

// ValidID reports whether id can name a tenant. Tenant ids become index
// directory names, so separators and dots are refused.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Resolver parses credentials and checks them against an allow-list of
// scheme/env prefixes.
type Resolver struct {
	allowed []string
}

// NewResolver builds a Resolver accepting the given prefixes, e.g. "sk_live_".
func NewResolver(allowedPrefixes []string) *Resolver {
	return &Resolver{allowed: allowedPrefixes}
}

// ParseCredential splits raw into its parts without checking the allow-list.
func ParseCredential(raw string) (Credential, error) {
	if raw == "" {
		return Credential{}, apperrors.ErrUnauthorized
	}
	parts := strings.SplitN(raw, "_", 4)
	if len(parts) < 3 {
		return Credential{}, apperrors.ErrInvalidCredential
	}
	cred := Credential{Raw: raw, Scheme: parts[0], Env: parts[1], TenantID: parts[2]}
	if !ValidID(cred.TenantID) {
		return Credential{}, apperrors.ErrInvalidCredential
	}
	return cred, nil
}

// Resolve returns the credential for raw if it parses and its prefix is
// allowed.
func (r *Resolver) Resolve(raw string) (Credential, error) {
	cred, err := ParseCredential(raw)
	if err != nil {
		return Credential{}, err
	}
	prefix := cred.Prefix()
	for _, p := range r.allowed {
		if p == prefix {
			return cred, nil
		}
	}
	return Credential{}, apperrors.ErrUnauthorized
}

type contextKey struct{}

// WithID binds tenantID to ctx and tags loggers derived from it. The binding
// ends with ctx, so nothing outlives the request or message that set it.
func WithID(ctx context.Context, tenantID string) context.Context {
	ctx = context.WithValue(ctx, contextKey{}, tenantID)
	return logger.WithAttrs(ctx, "tenant_id", tenantID)
}

// FromContext returns the tenant bound to ctx.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// MustFromContext returns the tenant bound to ctx or ErrUnauthorized.
func MustFromContext(ctx context.Context) (string, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return "", apperrors.ErrUnauthorized
	}
	return id, nil
}
