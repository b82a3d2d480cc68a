// Package queue defines the broker-neutral contract shared by the Kafka and
// SQS drivers: a publisher for opaque bodies and a consumer that hands each
// delivery to a Handler with bounded redelivery and dead-letter routing.
package queue

import (
	"context"
	"time"
)

// Header names carried alongside a message body. The body itself is never
// rewritten once published; redelivery bookkeeping lives in headers.
const (
	HeaderAttempt       = "x-delivery-attempt"
	HeaderNotBefore     = "x-not-before"
	HeaderError         = "x-last-error"
	HeaderOriginalQueue = "x-original-queue"
	HeaderOperation     = "x-operation"
)

// Delivery is one received message as seen by a Handler.
type Delivery struct {
	ID      string
	Queue   string
	Key     string
	Body    []byte
	Headers map[string]string
	// Attempt is 1 on first delivery and grows with every redelivery.
	Attempt int
}

// Handler processes a delivery. A nil return acknowledges it; an error causes
// redelivery until the redelivery bound is exhausted, after which the delivery
// is routed to the dead-letter sink.
type Handler func(ctx context.Context, d Delivery) error

// DeadLetterFunc is notified after a delivery has been moved to the
// dead-letter sink.
type DeadLetterFunc func(ctx context.Context, d Delivery, cause error)

// Publisher writes opaque bodies to one queue.
type Publisher interface {
	Publish(ctx context.Context, key string, body []byte, headers map[string]string) error
	Close() error
}

// Consumer drives a Handler until its context is cancelled.
type Consumer interface {
	Start(ctx context.Context) error
	Close() error
}

// RedeliveryPolicy bounds how often a failing delivery is retried and how
// long the consumer waits before each retry.
type RedeliveryPolicy struct {
	MaxRetries int
	Backoff    func(attempt int) time.Duration
}

// Exhausted reports whether a delivery that failed on attempt has used up its
// budget. A delivery is attempted at most MaxRetries+1 times.
func (p RedeliveryPolicy) Exhausted(attempt int) bool {
	return attempt > p.MaxRetries
}

// Delay returns how long to wait before redelivering after attempt failed.
func (p RedeliveryPolicy) Delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(attempt)
}
