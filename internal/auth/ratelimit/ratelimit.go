// Package ratelimit implements per-tenant fixed-window admission over a
// shared counter store. Each calendar minute gets its own counter key, which
// expires on its own shortly after the window closes.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/itamittech/documentsearch/pkg/resilience"
)

// Counter is an atomic increment-with-expiry store. *redis.Client satisfies it.
type Counter interface {
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Config controls the window budget.
type Config struct {
	Limit   int64
	TTL     time.Duration
	Timeout time.Duration
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
	// FailedOpen is set when the counter store could not be consulted.
	FailedOpen bool
}

// Limiter admits or rejects requests per tenant and calendar minute.
type Limiter struct {
	counter Counter
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Limiter. A zero Limit defaults to 1000 and a zero TTL to two
// minutes.
func New(counter Counter, cfg Config) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 1000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	return &Limiter{
		counter: counter,
		cfg:     cfg,
		now:     time.Now,
		logger:  slog.Default().With("component", "ratelimit"),
	}
}

// WindowKey returns the counter key for tenantID in the minute containing t.
func WindowKey(tenantID string, t time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", tenantID, t.Unix()/60)
}

// Allow counts one request for tenantID. Counter store failures admit the
// request.
func (l *Limiter) Allow(ctx context.Context, tenantID string) Decision {
	now := l.now()
	key := WindowKey(tenantID, now)
	retryAfter := now.Truncate(time.Minute).Add(time.Minute).Sub(now)

	count, err := resilience.CallWithTimeout(ctx, l.cfg.Timeout, "ratelimit-incr", func(ctx context.Context) (int64, error) {
		return l.counter.IncrWithExpiry(ctx, key, l.cfg.TTL)
	})
	if err != nil {
		l.logger.Warn("counter store unavailable, admitting request", "tenant_id", tenantID, "key", key, "error", err)
		return Decision{Allowed: true, Limit: l.cfg.Limit, Remaining: l.cfg.Limit, FailedOpen: true}
	}

	if count > l.cfg.Limit {
		return Decision{Allowed: false, Limit: l.cfg.Limit, Remaining: 0, RetryAfter: retryAfter}
	}
	return Decision{Allowed: true, Limit: l.cfg.Limit, Remaining: l.cfg.Limit - count}
}
