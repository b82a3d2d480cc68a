// Package broker selects the configured queue driver and builds publishers
// and consumers for the logical queues of the pipeline.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/itamittech/documentsearch/pkg/config"
	"github.com/itamittech/documentsearch/pkg/kafka"
	"github.com/itamittech/documentsearch/pkg/queue"
	"github.com/itamittech/documentsearch/pkg/resilience"
	"github.com/itamittech/documentsearch/pkg/sqs"
)

// Queue names a logical queue.
type Queue string

const (
	IndexQueue     Queue = "index"
	DeleteQueue    Queue = "delete"
	AnalyticsQueue Queue = "analytics"
)

// ConsumerOptions configures a consumer built by Broker.Consumer.
type ConsumerOptions struct {
	Workers      int
	OnDeadLetter queue.DeadLetterFunc
	// Group overrides the Kafka consumer group. Ignored by SQS.
	Group string
}

// Broker builds queue clients for one driver.
type Broker struct {
	cfg *config.Config
	sqs sqs.API
}

// Open prepares the driver named by cfg.Broker.Driver.
func Open(ctx context.Context, cfg *config.Config) (*Broker, error) {
	b := &Broker{cfg: cfg}
	switch cfg.Broker.Driver {
	case "kafka":
	case "sqs":
		client, err := sqs.NewClient(ctx, cfg.SQS)
		if err != nil {
			return nil, err
		}
		b.sqs = client
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Broker.Driver)
	}
	return b, nil
}

// Driver returns the driver name.
func (b *Broker) Driver() string {
	return b.cfg.Broker.Driver
}

// Ping checks that the driver's brokers are reachable. SQS has no cheap
// account-level probe, so it always reports healthy.
func (b *Broker) Ping(ctx context.Context) error {
	if b.sqs != nil {
		return nil
	}
	return kafka.Ping(ctx, b.cfg.Kafka)
}

// Policy is the redelivery policy shared by every consumer: MaxRetries
// redeliveries spaced by capped exponential backoff.
func Policy(cfg config.BrokerConfig) queue.RedeliveryPolicy {
	retry := resilience.RetryConfig{
		InitialDelay: cfg.RetryBackoff,
		MaxDelay:     cfg.MaxBackoff,
	}
	return queue.RedeliveryPolicy{
		MaxRetries: cfg.MaxRetries,
		Backoff: func(attempt int) time.Duration {
			return resilience.Backoff(attempt, retry)
		},
	}
}

func (b *Broker) topic(q Queue) (string, error) {
	switch q {
	case IndexQueue:
		return b.cfg.Kafka.Topics.Index, nil
	case DeleteQueue:
		return b.cfg.Kafka.Topics.Delete, nil
	case AnalyticsQueue:
		return b.cfg.Kafka.Topics.Analytics, nil
	}
	return "", fmt.Errorf("unknown queue %q", q)
}

func (b *Broker) queueURLs(q Queue) (string, string, error) {
	var url, dlq string
	switch q {
	case IndexQueue:
		url, dlq = b.cfg.SQS.IndexQueueURL, b.cfg.SQS.IndexDLQURL
	case DeleteQueue:
		url, dlq = b.cfg.SQS.DeleteQueueURL, b.cfg.SQS.DeleteDLQURL
	case AnalyticsQueue:
		url = b.cfg.SQS.AnalyticsQueueURL
	default:
		return "", "", fmt.Errorf("unknown queue %q", q)
	}
	if url == "" {
		return "", "", fmt.Errorf("no sqs url configured for queue %q", q)
	}
	return url, dlq, nil
}

// Publisher returns a publisher for q.
func (b *Broker) Publisher(q Queue) (queue.Publisher, error) {
	if b.sqs != nil {
		url, _, err := b.queueURLs(q)
		if err != nil {
			return nil, err
		}
		return sqs.NewProducer(b.sqs, url), nil
	}
	topic, err := b.topic(q)
	if err != nil {
		return nil, err
	}
	return kafka.NewProducer(b.cfg.Kafka, topic), nil
}

// Consumer returns a consumer that runs h for every message on q, with the
// shared redelivery policy and the queue's dead-letter sink.
func (b *Broker) Consumer(q Queue, opts ConsumerOptions, h queue.Handler) (queue.Consumer, error) {
	policy := Policy(b.cfg.Broker)
	if b.sqs != nil {
		url, dlq, err := b.queueURLs(q)
		if err != nil {
			return nil, err
		}
		return sqs.NewConsumer(b.sqs, sqs.ConsumerOptions{
			QueueURL:          url,
			DeadLetterURL:     dlq,
			Workers:           opts.Workers,
			WaitTime:          b.cfg.SQS.WaitTime,
			VisibilityTimeout: b.cfg.SQS.VisibilityTimeout,
			Policy:            policy,
			OnDeadLetter:      opts.OnDeadLetter,
		}, h), nil
	}
	topic, err := b.topic(q)
	if err != nil {
		return nil, err
	}
	kcfg := b.cfg.Kafka
	if opts.Group != "" {
		kcfg.ConsumerGroup = opts.Group
	}
	return kafka.NewConsumer(kcfg, kafka.ConsumerOptions{
		Topic:        topic,
		Workers:      opts.Workers,
		Policy:       policy,
		OnDeadLetter: opts.OnDeadLetter,
	}, h), nil
}

// CloseAll closes publishers and consumers, joining their errors.
func CloseAll(items ...io.Closer) error {
	var errs []error
	for _, it := range items {
		errs = append(errs, it.Close())
	}
	return errors.Join(errs...)
}
