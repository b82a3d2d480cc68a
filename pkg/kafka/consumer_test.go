package kafka

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"

	"github.com/itamittech/documentsearch/pkg/queue"
)

// ---------------------------------------------------------------------------
// In-memory broker
// ---------------------------------------------------------------------------

type memBroker struct {
	mu     sync.Mutex
	topics map[string]chan kafka.Message
	offset int64
}

func newMemBroker() *memBroker {
	return &memBroker{topics: make(map[string]chan kafka.Message)}
}

func (b *memBroker) topic(name string) chan kafka.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.topics[name]
	if !ok {
		ch = make(chan kafka.Message, 1024)
		b.topics[name] = ch
	}
	return ch
}

func (b *memBroker) append(topic string, msgs ...kafka.Message) {
	ch := b.topic(topic)
	for _, m := range msgs {
		b.mu.Lock()
		b.offset++
		m.Topic = topic
		m.Offset = b.offset
		b.mu.Unlock()
		ch <- m
	}
}

type memWriter struct {
	broker *memBroker
	topic  string
	fail   atomic.Bool
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.fail.Load() {
		return errors.New("broker unreachable")
	}
	w.broker.append(w.topic, msgs...)
	return nil
}

func (w *memWriter) Close() error { return nil }

type memReader struct {
	ch        chan kafka.Message
	committed atomic.Int64
}

func (r *memReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.ch:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *memReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.committed.Add(int64(len(msgs)))
	return nil
}

func (r *memReader) Close() error { return nil }

func newTestConsumer(b *memBroker, workers, maxRetries int, handler queue.Handler, onDLQ queue.DeadLetterFunc) (*Consumer, []*memReader) {
	readers := make([]messageReader, workers)
	mem := make([]*memReader, workers)
	for i := range readers {
		mem[i] = &memReader{ch: b.topic("document.index")}
		readers[i] = mem[i]
	}
	c := newConsumer(ConsumerOptions{
		Topic:        "document.index",
		Workers:      workers,
		Policy:       queue.RedeliveryPolicy{MaxRetries: maxRetries, Backoff: func(int) time.Duration { return time.Millisecond }},
		OnDeadLetter: onDLQ,
	}, readers,
		newProducer(&memWriter{broker: b, topic: "document.index"}, "document.index"),
		newProducer(&memWriter{broker: b, topic: "document.index.dlq"}, "document.index.dlq"),
		handler,
	)
	return c, mem
}

func runConsumer(t *testing.T, c *Consumer) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("consumer did not stop")
		}
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRepeatedFailureEndsInDeadLetterTopic(t *testing.T) {
	b := newMemBroker()
	var calls atomic.Int32
	var attempts []int
	var mu sync.Mutex
	handler := func(_ context.Context, d queue.Delivery) error {
		calls.Add(1)
		mu.Lock()
		attempts = append(attempts, d.Attempt)
		mu.Unlock()
		return errors.New("search engine down")
	}
	dlqNotified := make(chan queue.Delivery, 1)
	c, _ := newTestConsumer(b, 1, 3, handler, func(_ context.Context, d queue.Delivery, _ error) {
		dlqNotified <- d
	})

	body := []byte(`{"message_id":"m1","operation":"index"}`)
	b.append("document.index", kafka.Message{Key: []byte("tenant-a"), Value: body})

	stop := runConsumer(t, c)
	defer stop()

	var dead kafka.Message
	select {
	case dead = <-b.topic("document.index.dlq"):
	case <-time.After(5 * time.Second):
		t.Fatal("message never reached the dead-letter topic")
	}

	// Given MaxRetries=3 the handler runs once plus three redeliveries.
	assert.Equal(t, int32(4), calls.Load())
	mu.Lock()
	assert.Equal(t, []int{1, 2, 3, 4}, attempts)
	mu.Unlock()

	assert.Equal(t, body, dead.Value, "body must be forwarded untouched")
	assert.Equal(t, "tenant-a", string(dead.Key))
	headers := fromKafkaHeaders(dead.Headers)
	assert.Equal(t, "4", headers[queue.HeaderAttempt])
	assert.Equal(t, "document.index", headers[queue.HeaderOriginalQueue])
	assert.Equal(t, "search engine down", headers[queue.HeaderError])

	select {
	case d := <-dlqNotified:
		assert.Equal(t, 4, d.Attempt)
	case <-time.After(time.Second):
		t.Fatal("dead-letter hook not invoked")
	}

	// Nothing is left circulating on the source topic.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(4), calls.Load())
}

func TestTransientFailureIsRedeliveredOnce(t *testing.T) {
	b := newMemBroker()
	var calls atomic.Int32
	succeeded := make(chan queue.Delivery, 1)
	handler := func(_ context.Context, d queue.Delivery) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		succeeded <- d
		return nil
	}
	c, readers := newTestConsumer(b, 1, 3, handler, nil)
	b.append("document.index", kafka.Message{Key: []byte("k"), Value: []byte(`{}`)})

	stop := runConsumer(t, c)
	defer stop()

	select {
	case d := <-succeeded:
		assert.Equal(t, 2, d.Attempt)
		assert.Equal(t, "transient", d.Headers[queue.HeaderError])
	case <-time.After(5 * time.Second):
		t.Fatal("redelivery never succeeded")
	}
	assert.Eventually(t, func() bool { return readers[0].committed.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, b.topic("document.index.dlq"))
}

func TestZeroRetriesDeadLettersImmediately(t *testing.T) {
	b := newMemBroker()
	var calls atomic.Int32
	c, _ := newTestConsumer(b, 1, 0, func(context.Context, queue.Delivery) error {
		calls.Add(1)
		return errors.New("nope")
	}, nil)
	b.append("document.index", kafka.Message{Value: []byte(`x`)})

	stop := runConsumer(t, c)
	defer stop()

	select {
	case <-b.topic("document.index.dlq"):
	case <-time.After(5 * time.Second):
		t.Fatal("expected dead-letter")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorkersProcessConcurrently(t *testing.T) {
	b := newMemBroker()
	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	wg.Add(6)
	handler := func(context.Context, queue.Delivery) error {
		defer wg.Done()
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}
	c, _ := newTestConsumer(b, 3, 3, handler, nil)
	for i := 0; i < 6; i++ {
		b.append("document.index", kafka.Message{Value: []byte(`{}`)})
	}

	stop := runConsumer(t, c)
	defer stop()

	wg.Wait()
	assert.Greater(t, peak.Load(), int32(1))
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRedeliveryWriteFailureLeavesMessageUncommitted(t *testing.T) {
	b := newMemBroker()
	handled := make(chan struct{}, 1)
	c, readers := newTestConsumer(b, 1, 3, func(context.Context, queue.Delivery) error {
		handled <- struct{}{}
		return errors.New("fail")
	}, nil)
	c.redeliver.writer.(*memWriter).fail.Store(true)
	b.append("document.index", kafka.Message{Value: []byte(`{}`)})

	stop := runConsumer(t, c)
	defer stop()

	select {
	case <-handled:
	case <-time.After(5 * time.Second):
		t.Fatal("handler not invoked")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), readers[0].committed.Load())
}

