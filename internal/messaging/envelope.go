// Package messaging defines the index/delete message envelope exchanged
// between the document service and the index node, and the publisher that
// routes each message to its queue.
package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/itamittech/documentsearch/internal/document"
	"github.com/itamittech/documentsearch/internal/tenant"
	apperrors "github.com/itamittech/documentsearch/pkg/errors"
)

// Operation tags an envelope.
type Operation string

const (
	OpIndex  Operation = "index"
	OpDelete Operation = "delete"
)

// MaxRetries is the redelivery budget recorded in every envelope.
const MaxRetries = 3

// Envelope is the JSON wire form of a message. Once published it is never
// rewritten; redelivery attempts are tracked by the broker.
type Envelope struct {
	MessageID  string             `json:"message_id"`
	TenantID   string             `json:"tenant_id"`
	DocumentID string             `json:"document_id"`
	Operation  Operation          `json:"operation"`
	Payload    *document.Document `json:"payload,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
	RetryCount int                `json:"retry_count"`
	MaxRetries int                `json:"max_retries"`
}

// Message is a decoded envelope: exactly one of *IndexRequest or
// *DeleteRequest.
type Message interface {
	Meta() Header
	Operation() Operation
	envelope() Envelope
}

// Header holds the fields every message carries.
type Header struct {
	MessageID  string
	TenantID   string
	DocumentID string
	Timestamp  time.Time
}

// IndexRequest asks the index node to upsert a document snapshot.
type IndexRequest struct {
	Header
	Document document.Document
}

// DeleteRequest asks the index node to remove a document.
type DeleteRequest struct {
	Header
}

func (m *IndexRequest) Meta() Header          { return m.Header }
func (m *IndexRequest) Operation() Operation  { return OpIndex }
func (m *DeleteRequest) Meta() Header         { return m.Header }
func (m *DeleteRequest) Operation() Operation { return OpDelete }

func (m *IndexRequest) envelope() Envelope {
	doc := m.Document
	return Envelope{
		MessageID:  m.MessageID,
		TenantID:   m.TenantID,
		DocumentID: m.DocumentID,
		Operation:  OpIndex,
		Payload:    &doc,
		Timestamp:  m.Timestamp,
		MaxRetries: MaxRetries,
	}
}

func (m *DeleteRequest) envelope() Envelope {
	return Envelope{
		MessageID:  m.MessageID,
		TenantID:   m.TenantID,
		DocumentID: m.DocumentID,
		Operation:  OpDelete,
		Timestamp:  m.Timestamp,
		MaxRetries: MaxRetries,
	}
}

// NewIndexRequest wraps a snapshot of doc with a fresh message id.
func NewIndexRequest(doc *document.Document, now time.Time) *IndexRequest {
	return &IndexRequest{
		Header: Header{
			MessageID:  uuid.NewString(),
			TenantID:   doc.TenantID,
			DocumentID: doc.ID,
			Timestamp:  now.UTC(),
		},
		Document: *doc,
	}
}

// NewDeleteRequest builds a delete message with a fresh message id.
func NewDeleteRequest(tenantID, documentID string, now time.Time) *DeleteRequest {
	return &DeleteRequest{Header: Header{
		MessageID:  uuid.NewString(),
		TenantID:   tenantID,
		DocumentID: documentID,
		Timestamp:  now.UTC(),
	}}
}

// Encode returns the JSON envelope for msg.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg.envelope())
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", msg.Operation(), err)
	}
	return body, nil
}

// Decode parses body into an IndexRequest or DeleteRequest. Every failure
// wraps ErrMalformedMessage.
func Decode(body []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, malformed("unparseable envelope: %v", err)
	}
	if !tenant.ValidID(env.TenantID) {
		return nil, malformed("invalid tenant_id %q", env.TenantID)
	}
	hdr := Header{
		MessageID:  env.MessageID,
		TenantID:   env.TenantID,
		DocumentID: env.DocumentID,
		Timestamp:  env.Timestamp,
	}

	switch env.Operation {
	case OpIndex:
		if env.Payload == nil {
			return nil, malformed("index message %s has no payload", env.MessageID)
		}
		if env.Payload.ID == "" || env.Payload.ID != env.DocumentID {
			return nil, malformed("payload document_id %q does not match %q", env.Payload.ID, env.DocumentID)
		}
		if env.Payload.TenantID != env.TenantID {
			return nil, malformed("payload tenant %q does not match envelope tenant %q", env.Payload.TenantID, env.TenantID)
		}
		return &IndexRequest{Header: hdr, Document: *env.Payload}, nil
	case OpDelete:
		if !document.ValidID(env.DocumentID) {
			return nil, malformed("unparseable document_id %q", env.DocumentID)
		}
		return &DeleteRequest{Header: hdr}, nil
	default:
		return nil, malformed("unknown operation %q", env.Operation)
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperrors.ErrMalformedMessage, fmt.Sprintf(format, args...))
}
