// Package analytics collects per-tenant search events, publishes them to the
// analytics queue and aggregates them on the consuming side.
package analytics

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/itamittech/documentsearch/pkg/errors"
)

type EventType string

const (
	EventSearch    EventType = "search"
	EventCacheHit  EventType = "cache_hit"
	EventCacheMiss EventType = "cache_miss"
	EventIndexDoc  EventType = "index_document"
	EventDeleteDoc EventType = "delete_document"
)

// Event is anything the collector can publish. TenantKey is used as the
// message key so one tenant's events stay ordered on a partition.
type Event interface {
	TenantKey() string
}

type SearchEvent struct {
	Type      EventType `json:"type"`
	TenantID  string    `json:"tenant_id"`
	Query     string    `json:"query"`
	Terms     []string  `json:"terms,omitempty"`
	TotalHits uint64    `json:"total_hits"`
	Returned  int       `json:"returned"`
	LatencyMs int64     `json:"latency_ms"`
	CacheHit  bool      `json:"cache_hit"`
	Fuzzy     bool      `json:"fuzzy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

func (e SearchEvent) TenantKey() string { return e.TenantID }

// IndexEvent records one document applied to or removed from a tenant index.
type IndexEvent struct {
	Type       EventType `json:"type"`
	TenantID   string    `json:"tenant_id"`
	DocumentID string    `json:"document_id"`
	LatencyMs  int64     `json:"latency_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e IndexEvent) TenantKey() string { return e.TenantID }

// decode inspects the type field and returns the matching event.
func decode(body []byte) (Event, error) {
	var probe struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedMessage, err)
	}

	var (
		ev  Event
		err error
	)
	switch probe.Type {
	case EventSearch, EventCacheHit, EventCacheMiss:
		var e SearchEvent
		err = json.Unmarshal(body, &e)
		ev = e
	case EventIndexDoc, EventDeleteDoc:
		var e IndexEvent
		err = json.Unmarshal(body, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", apperrors.ErrMalformedMessage, probe.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedMessage, err)
	}
	if ev.TenantKey() == "" {
		return nil, fmt.Errorf("%w: event without tenant_id", apperrors.ErrMalformedMessage)
	}
	return ev, nil
}
