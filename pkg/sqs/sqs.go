// Package sqs is the Amazon SQS queue driver. Redelivery relies on the queue's
// visibility timeout and ApproximateReceiveCount; once a message has been
// received more often than the redelivery policy allows, it is copied to the
// configured dead-letter queue and deleted from the source queue.
package sqs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/itamittech/documentsearch/pkg/config"
)

const attrKey = "x-key"

// API abstracts the SQS operations the driver uses so tests can supply mocks.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// NewClient builds an SQS client from the default AWS credential chain.
func NewClient(ctx context.Context, cfg config.SQSConfig) (*sqs.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Producer publishes message bodies to one queue URL.
type Producer struct {
	client   API
	queueURL string
	logger   *slog.Logger
}

// NewProducer creates a Producer for queueURL.
func NewProducer(client API, queueURL string) *Producer {
	return &Producer{
		client:   client,
		queueURL: queueURL,
		logger:   slog.Default().With("component", "sqs-producer", "queue", queueURL),
	}
}

// Publish sends body with headers carried as string message attributes.
func (p *Producer) Publish(ctx context.Context, key string, body []byte, headers map[string]string) error {
	attrs := make(map[string]types.MessageAttributeValue, len(headers)+1)
	for k, v := range headers {
		attrs[k] = stringAttr(v)
	}
	if key != "" {
		attrs[attrKey] = stringAttr(key)
	}
	out, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.queueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		p.logger.Error("failed to publish message", "key", key, "error", err)
		return fmt.Errorf("publishing to sqs queue %s: %w", p.queueURL, err)
	}
	p.logger.Debug("message published", "key", key, "message_id", aws.ToString(out.MessageId))
	return nil
}

// Close is a no-op; the SQS client holds no per-producer resources.
func (p *Producer) Close() error {
	return nil
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}
