// Package apikey provides a SHA-256-based tenant credential registry in
// PostgreSQL. Raw keys are generated with crypto/rand, hashed before storage,
// and verified by comparing the hash of the presented key with the stored
// hash. Keys can be minted, revoked, and listed per tenant.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/itamittech/documentsearch/internal/tenant"
	apperrors "github.com/itamittech/documentsearch/pkg/errors"
	"github.com/itamittech/documentsearch/pkg/postgres"
)

var (
	ErrInvalidKey = fmt.Errorf("%w: unknown api key", apperrors.ErrUnauthorized)
	ErrExpiredKey = fmt.Errorf("%w: api key expired", apperrors.ErrUnauthorized)
	ErrTenantKey  = fmt.Errorf("%w: api key belongs to another tenant", apperrors.ErrUnauthorized)
)

// Schema creates the api_keys table.
const Schema = `CREATE TABLE IF NOT EXISTS api_keys (
	id          UUID PRIMARY KEY,
	key_hash    CHAR(64) NOT NULL UNIQUE,
	tenant_id   VARCHAR(100) NOT NULL,
	name        VARCHAR(255) NOT NULL,
	is_active   BOOLEAN NOT NULL DEFAULT true,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at  TIMESTAMPTZ
)`

// KeyInfo holds metadata about a registered key.
type KeyInfo struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Name      string     `json:"name"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Registry verifies and manages keys in the api_keys table.
type Registry struct {
	db     *postgres.Client
	now    func() time.Time
	logger *slog.Logger
}

// NewRegistry creates a Registry backed by PostgreSQL.
func NewRegistry(db *postgres.Client) *Registry {
	return &Registry{
		db:     db,
		now:    time.Now,
		logger: slog.Default().With("component", "apikey-registry"),
	}
}

// Verify checks that rawKey is registered, active, unexpired and owned by
// tenantID.
func (r *Registry) Verify(ctx context.Context, rawKey, tenantID string) (*KeyInfo, error) {
	var info KeyInfo
	var expiresAt sql.NullTime
	err := r.db.DB.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, is_active, created_at, expires_at
		 FROM api_keys
		 WHERE key_hash = $1 AND is_active = true`,
		HashKey(rawKey),
	).Scan(&info.ID, &info.TenantID, &info.Name, &info.IsActive, &info.CreatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("querying api key: %w", err)
	}
	if expiresAt.Valid {
		if expiresAt.Time.Before(r.now()) {
			return nil, ErrExpiredKey
		}
		info.ExpiresAt = &expiresAt.Time
	}
	if info.TenantID != tenantID {
		return nil, ErrTenantKey
	}
	return &info, nil
}

// CreateKey mints a key for tenantID in env ("live" or "test"), stores its
// hash, and returns the raw key. The raw key cannot be retrieved again.
func (r *Registry) CreateKey(ctx context.Context, tenantID, env, name string, expiresAt *time.Time) (string, error) {
	rawKey, err := GenerateKey(env, tenantID)
	if err != nil {
		return "", err
	}
	var expiry sql.NullTime
	if expiresAt != nil {
		expiry = sql.NullTime{Time: *expiresAt, Valid: true}
	}
	_, err = r.db.DB.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, tenant_id, name, expires_at) VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), HashKey(rawKey), tenantID, name, expiry,
	)
	if err != nil {
		return "", fmt.Errorf("creating api key: %w", err)
	}
	r.logger.Info("api key created", "tenant_id", tenantID, "name", name, "env", env)
	return rawKey, nil
}

// RevokeKey deactivates a key so it can no longer be used.
func (r *Registry) RevokeKey(ctx context.Context, rawKey string) error {
	result, err := r.db.DB.ExecContext(ctx,
		`UPDATE api_keys SET is_active = false WHERE key_hash = $1`,
		HashKey(rawKey),
	)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInvalidKey
	}
	r.logger.Info("api key revoked")
	return nil
}

// ListKeys returns the active keys of tenantID, newest first.
func (r *Registry) ListKeys(ctx context.Context, tenantID string) ([]KeyInfo, error) {
	rows, err := r.db.DB.QueryContext(ctx,
		`SELECT id, tenant_id, name, is_active, created_at, expires_at
		 FROM api_keys WHERE tenant_id = $1 AND is_active = true
		 ORDER BY created_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	var keys []KeyInfo
	for rows.Next() {
		var k KeyInfo
		var expiresAt sql.NullTime
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.IsActive, &k.CreatedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scanning api key row: %w", err)
		}
		if expiresAt.Valid {
			k.ExpiresAt = &expiresAt.Time
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// HashKey returns the SHA-256 hex digest of a raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GenerateKey returns a fresh `sk_<env>_<tenant>_<random>` credential with 24
// random bytes hex-encoded.
func GenerateKey(env, tenantID string) (string, error) {
	if env != "live" && env != "test" {
		return "", fmt.Errorf("%w: env must be live or test", apperrors.ErrValidation)
	}
	if !tenant.ValidID(tenantID) {
		return "", fmt.Errorf("%w: invalid tenant id %q", apperrors.ErrValidation, tenantID)
	}
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return fmt.Sprintf("sk_%s_%s_%s", env, tenantID, hex.EncodeToString(b)), nil
}
