package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itamittech/documentsearch/internal/document"
	"github.com/itamittech/documentsearch/pkg/config"
)

type fakeStore struct {
	docs    []*document.Document
	before  time.Time
	touched []string
}

func (s *fakeStore) ListStale(_ context.Context, status document.Status, before time.Time, limit int) ([]*document.Document, error) {
	s.before = before
	var out []*document.Document
	for _, d := range s.docs {
		if d.Status == status && d.UpdatedAt.Before(before) && len(out) < limit {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeStore) TouchPending(_ context.Context, id string) (bool, error) {
	for _, d := range s.docs {
		if d.ID == id && d.Status == document.StatusPending {
			s.touched = append(s.touched, id)
			return true, nil
		}
	}
	return false, nil
}

type fakePublisher struct {
	failAfter int
	sent      []string
	// onPublish runs after a successful publish, standing in for a worker
	// that consumes the message straight away.
	onPublish func(doc *document.Document)
}

func (p *fakePublisher) PublishIndex(_ context.Context, doc *document.Document) (string, error) {
	if p.failAfter >= 0 && len(p.sent) >= p.failAfter {
		return "", errors.New("broker unavailable")
	}
	p.sent = append(p.sent, doc.ID)
	if p.onPublish != nil {
		p.onPublish(doc)
	}
	return "m", nil
}

func TestSweepRepublishesStalePending(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	old := document.New("acme", "t", "c", nil, now.Add(-10*time.Minute))
	fresh := document.New("acme", "t", "c", nil, now.Add(-time.Minute))
	indexed := document.New("acme", "t", "c", nil, now.Add(-time.Hour))
	indexed.Status = document.StatusIndexed

	store := &fakeStore{docs: []*document.Document{old, fresh, indexed}}
	pub := &fakePublisher{failAfter: -1}
	r := New(store, pub, config.ReconcilerConfig{StaleAfter: 5 * time.Minute, BatchSize: 10}, nil)
	r.now = func() time.Time { return now }

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{old.ID}, pub.sent)
	assert.Equal(t, []string{old.ID}, store.touched)
	assert.Equal(t, now.Add(-5*time.Minute), store.before)
}

func TestSweepStopsWhenBrokerFails(t *testing.T) {
	now := time.Now()
	var docs []*document.Document
	for i := 0; i < 3; i++ {
		docs = append(docs, document.New("acme", "t", "c", nil, now.Add(-time.Hour)))
	}
	store := &fakeStore{docs: docs}
	pub := &fakePublisher{failAfter: 1}
	r := New(store, pub, config.ReconcilerConfig{StaleAfter: time.Minute, BatchSize: 10}, nil)

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, store.touched, 1, "unpublished records stay stale for the next sweep")
}

func TestSweepKeepsStatusSetByFastWorker(t *testing.T) {
	now := time.Now()
	doc := document.New("acme", "t", "c", nil, now.Add(-time.Hour))
	store := &fakeStore{docs: []*document.Document{doc}}
	pub := &fakePublisher{failAfter: -1, onPublish: func(d *document.Document) {
		d.Status = document.StatusIndexed
	}}
	r := New(store, pub, config.ReconcilerConfig{StaleAfter: time.Minute, BatchSize: 10}, nil)

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, store.touched)
	assert.Equal(t, document.StatusIndexed, doc.Status)
}
