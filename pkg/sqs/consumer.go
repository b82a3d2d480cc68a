package sqs

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"

	"github.com/itamittech/documentsearch/pkg/queue"
)

// ConsumerOptions configures one queue's consumer.
type ConsumerOptions struct {
	QueueURL          string
	DeadLetterURL     string
	Workers           int
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
	Policy            queue.RedeliveryPolicy
	OnDeadLetter      queue.DeadLetterFunc
}

// Consumer long-polls a queue and runs the handler on at most
// opts.Workers messages at a time.
type Consumer struct {
	client     API
	opts       ConsumerOptions
	handler    queue.Handler
	deadLetter *Producer
	logger     *slog.Logger
}

// NewConsumer creates a Consumer. Without a DeadLetterURL, exhausted messages
// are left for the queue's own redrive policy.
func NewConsumer(client API, opts ConsumerOptions, handler queue.Handler) *Consumer {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	c := &Consumer{
		client:  client,
		opts:    opts,
		handler: handler,
		logger:  slog.Default().With("component", "sqs-consumer", "queue", opts.QueueURL),
	}
	if opts.DeadLetterURL != "" {
		c.deadLetter = NewProducer(client, opts.DeadLetterURL)
	}
	return c
}

// Start polls until ctx is cancelled and then waits for in-flight handlers.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started", "workers", c.opts.Workers, "max_retries", c.opts.Policy.MaxRetries)
	var g errgroup.Group
	g.SetLimit(c.opts.Workers)
	defer func() {
		_ = g.Wait()
		c.logger.Info("consumer stopped", "reason", ctx.Err())
	}()

	batch := int32(min(c.opts.Workers, 10))
	for {
		if ctx.Err() != nil {
			return nil
		}
		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:                    aws.String(c.opts.QueueURL),
			MaxNumberOfMessages:         batch,
			WaitTimeSeconds:             int32(c.opts.WaitTime / time.Second),
			VisibilityTimeout:           int32(c.opts.VisibilityTimeout / time.Second),
			MessageAttributeNames:       []string{"All"},
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to receive messages", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		for _, m := range out.Messages {
			g.Go(func() error {
				c.process(ctx, m)
				return nil
			})
		}
	}
}

func (c *Consumer) process(ctx context.Context, m types.Message) {
	d := toDelivery(c.opts.QueueURL, m)
	log := c.logger.With("message_id", d.ID, "attempt", d.Attempt)

	handleErr := c.handler(ctx, d)
	if handleErr == nil {
		c.delete(ctx, log, m)
		return
	}
	if ctx.Err() != nil {
		return
	}

	if c.opts.Policy.Exhausted(d.Attempt) && c.deadLetter != nil {
		headers := copyHeaders(d.Headers)
		headers[queue.HeaderAttempt] = strconv.Itoa(d.Attempt)
		headers[queue.HeaderError] = handleErr.Error()
		headers[queue.HeaderOriginalQueue] = c.opts.QueueURL
		if err := c.deadLetter.Publish(ctx, d.Key, d.Body, headers); err != nil {
			log.Error("failed to dead-letter message", "error", err, "cause", handleErr)
			return
		}
		c.delete(ctx, log, m)
		log.Warn("message dead-lettered", "error", handleErr)
		if c.opts.OnDeadLetter != nil {
			c.opts.OnDeadLetter(ctx, d, handleErr)
		}
		return
	}

	// Leave the message on the queue and let it reappear after the backoff.
	delay := c.opts.Policy.Delay(d.Attempt)
	if _, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.opts.QueueURL),
		ReceiptHandle:     m.ReceiptHandle,
		VisibilityTimeout: int32(delay / time.Second),
	}); err != nil {
		log.Error("failed to reset visibility", "error", err)
	}
	log.Warn("message handling failed, redelivery scheduled", "error", handleErr, "delay", delay)
}

func (c *Consumer) delete(ctx context.Context, log *slog.Logger, m types.Message) {
	if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.opts.QueueURL),
		ReceiptHandle: m.ReceiptHandle,
	}); err != nil {
		log.Error("failed to delete message", "error", err)
	}
}

// Close is a no-op; Start returns once its context is cancelled.
func (c *Consumer) Close() error {
	return nil
}

func toDelivery(queueURL string, m types.Message) queue.Delivery {
	headers := make(map[string]string, len(m.MessageAttributes))
	var key string
	for k, v := range m.MessageAttributes {
		if k == attrKey {
			key = aws.ToString(v.StringValue)
			continue
		}
		headers[k] = aws.ToString(v.StringValue)
	}
	attempt := 1
	if v, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			attempt = n
		}
	}
	return queue.Delivery{
		ID:      aws.ToString(m.MessageId),
		Queue:   queueURL,
		Key:     key,
		Body:    []byte(aws.ToString(m.Body)),
		Headers: headers,
		Attempt: attempt,
	}
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+3)
	for k, v := range in {
		out[k] = v
	}
	return out
}
