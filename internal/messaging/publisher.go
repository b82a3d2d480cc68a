package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/itamittech/documentsearch/internal/document"
	apperrors "github.com/itamittech/documentsearch/pkg/errors"
	"github.com/itamittech/documentsearch/pkg/logger"
	"github.com/itamittech/documentsearch/pkg/metrics"
	"github.com/itamittech/documentsearch/pkg/queue"
)

// Publisher routes messages by operation to the index or delete queue.
type Publisher struct {
	index   queue.Publisher
	delete  queue.Publisher
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger
}

// NewPublisher creates a Publisher over the two durable queues.
func NewPublisher(index, delete queue.Publisher, m *metrics.Metrics) *Publisher {
	return &Publisher{
		index:   index,
		delete:  delete,
		metrics: m,
		now:     time.Now,
		logger:  slog.Default().With("component", "message-publisher"),
	}
}

// PublishIndex publishes an index message carrying a snapshot of doc and
// returns its message id.
func (p *Publisher) PublishIndex(ctx context.Context, doc *document.Document) (string, error) {
	msg := NewIndexRequest(doc, p.now())
	return msg.MessageID, p.Publish(ctx, msg)
}

// PublishDelete publishes a delete message and returns its message id.
func (p *Publisher) PublishDelete(ctx context.Context, tenantID, documentID string) (string, error) {
	msg := NewDeleteRequest(tenantID, documentID, p.now())
	return msg.MessageID, p.Publish(ctx, msg)
}

// Publish encodes msg and writes it to the queue for its operation, keyed by
// document id. Failures wrap ErrPublishFailure.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	target := p.index
	if msg.Operation() == OpDelete {
		target = p.delete
	}
	hdr := msg.Meta()
	log := logger.FromContext(ctx).With("component", "message-publisher", "message_id", hdr.MessageID, "document_id", hdr.DocumentID, "operation", msg.Operation())

	body, err := Encode(msg)
	if err != nil {
		p.metrics.Published(string(msg.Operation()), "error")
		return fmt.Errorf("%w: %v", apperrors.ErrPublishFailure, err)
	}
	headers := map[string]string{queue.HeaderOperation: string(msg.Operation())}
	if err := target.Publish(ctx, hdr.DocumentID, body, headers); err != nil {
		p.metrics.Published(string(msg.Operation()), "error")
		log.Error("failed to publish message", "error", err)
		return fmt.Errorf("%w: %v", apperrors.ErrPublishFailure, err)
	}
	p.metrics.Published(string(msg.Operation()), "ok")
	log.Info("message published")
	return nil
}

// Close closes both queue publishers.
func (p *Publisher) Close() error {
	errIndex := p.index.Close()
	errDelete := p.delete.Close()
	if errIndex != nil {
		return errIndex
	}
	return errDelete
}
