// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. Consumers run a fixed pool of group readers, redeliver
// failed messages by republishing them with an incremented attempt header,
// and route messages that exhaust their budget to a dead-letter topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/itamittech/documentsearch/pkg/config"
	"github.com/itamittech/documentsearch/pkg/queue"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

// messageReader is the subset of *kafka.Reader a worker needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerOptions configures one queue's consumer.
type ConsumerOptions struct {
	Topic        string
	Workers      int
	Policy       queue.RedeliveryPolicy
	OnDeadLetter queue.DeadLetterFunc
}

// Consumer reads a topic with a pool of group readers and dispatches each
// message to a queue.Handler.
type Consumer struct {
	opts       ConsumerOptions
	readers    []messageReader
	redeliver  *Producer
	deadLetter *Producer
	handler    queue.Handler
	logger     *slog.Logger
	now        func() time.Time
}

// NewConsumer creates a Consumer with opts.Workers readers in the configured
// consumer group. Concurrency is effectively capped by the partition count.
func NewConsumer(cfg config.KafkaConfig, opts ConsumerOptions, handler queue.Handler) *Consumer {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	readers := make([]messageReader, opts.Workers)
	for i := range readers {
		readers[i] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       opts.Topic,
			GroupID:     cfg.ConsumerGroup,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     500 * time.Millisecond,
			StartOffset: kafka.FirstOffset,
		})
	}
	return newConsumer(opts, readers,
		NewProducer(cfg, opts.Topic),
		NewProducer(cfg, config.DeadLetterTopic(opts.Topic)),
		handler,
	)
}

func newConsumer(opts ConsumerOptions, readers []messageReader, redeliver, deadLetter *Producer, handler queue.Handler) *Consumer {
	return &Consumer{
		opts:       opts,
		readers:    readers,
		redeliver:  redeliver,
		deadLetter: deadLetter,
		handler:    handler,
		logger:     slog.Default().With("component", "kafka-consumer", "topic", opts.Topic),
		now:        time.Now,
	}
}

// Start runs every worker until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started",
		"workers", len(c.readers),
		"max_retries", c.opts.Policy.MaxRetries,
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range c.readers {
		g.Go(func() error {
			return c.work(gctx, i, r)
		})
	}
	err := g.Wait()
	c.logger.Info("consumer stopped", "reason", ctx.Err())
	return err
}

func (c *Consumer) work(ctx context.Context, worker int, r messageReader) error {
	log := c.logger.With("worker", worker)
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			log.Error("failed to fetch message", "error", err)
			continue
		}
		log.Debug("message received",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"value_size", len(msg.Value),
		)
		c.process(ctx, log, r, msg)
	}
}

func (c *Consumer) process(ctx context.Context, log *slog.Logger, r messageReader, msg kafka.Message) {
	d := c.toDelivery(msg)
	log = log.With("partition", msg.Partition, "offset", msg.Offset, "attempt", d.Attempt)

	if notBefore, ok := parseNotBefore(d.Headers); ok {
		if wait := notBefore.Sub(c.now()); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}
	}

	handleErr := c.handler(ctx, d)
	if handleErr != nil && ctx.Err() != nil {
		// Shutting down mid-handle: leave the offset uncommitted.
		return
	}

	if handleErr != nil {
		if c.opts.Policy.Exhausted(d.Attempt) {
			if err := c.toDeadLetter(ctx, d, handleErr); err != nil {
				log.Error("failed to dead-letter message, leaving uncommitted", "error", err, "cause", handleErr)
				return
			}
			log.Warn("message dead-lettered", "error", handleErr)
			if c.opts.OnDeadLetter != nil {
				c.opts.OnDeadLetter(ctx, d, handleErr)
			}
		} else {
			if err := c.scheduleRedelivery(ctx, d, handleErr); err != nil {
				log.Error("failed to schedule redelivery, leaving uncommitted", "error", err, "cause", handleErr)
				return
			}
			log.Warn("message handling failed, redelivery scheduled", "error", handleErr)
		}
	}

	if err := r.CommitMessages(ctx, msg); err != nil {
		log.Error("failed to commit message", "error", err)
	}
}

func (c *Consumer) scheduleRedelivery(ctx context.Context, d queue.Delivery, cause error) error {
	headers := copyHeaders(d.Headers)
	headers[queue.HeaderAttempt] = strconv.Itoa(d.Attempt + 1)
	headers[queue.HeaderError] = cause.Error()
	if delay := c.opts.Policy.Delay(d.Attempt); delay > 0 {
		headers[queue.HeaderNotBefore] = c.now().Add(delay).UTC().Format(time.RFC3339Nano)
	} else {
		delete(headers, queue.HeaderNotBefore)
	}
	return c.redeliver.Publish(ctx, d.Key, d.Body, headers)
}

func (c *Consumer) toDeadLetter(ctx context.Context, d queue.Delivery, cause error) error {
	headers := copyHeaders(d.Headers)
	headers[queue.HeaderAttempt] = strconv.Itoa(d.Attempt)
	headers[queue.HeaderError] = cause.Error()
	headers[queue.HeaderOriginalQueue] = c.opts.Topic
	delete(headers, queue.HeaderNotBefore)
	return c.deadLetter.Publish(ctx, d.Key, d.Body, headers)
}

func (c *Consumer) toDelivery(msg kafka.Message) queue.Delivery {
	headers := fromKafkaHeaders(msg.Headers)
	attempt := 1
	if v, ok := headers[queue.HeaderAttempt]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			attempt = n
		}
	}
	return queue.Delivery{
		ID:      fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
		Queue:   c.opts.Topic,
		Key:     string(msg.Key),
		Body:    msg.Value,
		Headers: headers,
		Attempt: attempt,
	}
}

// Close closes every reader and both producers.
func (c *Consumer) Close() error {
	var errs []error
	for _, r := range c.readers {
		errs = append(errs, r.Close())
	}
	errs = append(errs, c.redeliver.Close(), c.deadLetter.Close())
	return errors.Join(errs...)
}

func parseNotBefore(headers map[string]string) (time.Time, bool) {
	v, ok := headers[queue.HeaderNotBefore]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+3)
	for k, v := range in {
		out[k] = v
	}
	return out
}

