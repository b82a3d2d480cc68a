package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itamittech/documentsearch/pkg/config"
	"github.com/itamittech/documentsearch/pkg/kafka"
)

func TestPolicyBoundsRedelivery(t *testing.T) {
	p := Policy(config.BrokerConfig{MaxRetries: 3, RetryBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})

	assert.False(t, p.Exhausted(1))
	assert.False(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))

	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Delay(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second, "attempt %d", attempt)
	}
}

func TestKafkaDriverBuildsClients(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Broker.Driver = "kafka"
	b, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "kafka", b.Driver())

	pub, err := b.Publisher(IndexQueue)
	require.NoError(t, err)
	assert.Equal(t, cfg.Kafka.Topics.Index, pub.(*kafka.Producer).Topic())

	c, err := b.Consumer(DeleteQueue, ConsumerOptions{Workers: 2}, nil)
	require.NoError(t, err)
	assert.NotNil(t, c)

	_, err = b.Publisher(Queue("audit"))
	assert.Error(t, err)
	assert.NoError(t, CloseAll(pub, c))
}

func TestUnknownDriver(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Broker.Driver = "nats"
	_, err = Open(context.Background(), cfg)
	assert.Error(t, err)
}
