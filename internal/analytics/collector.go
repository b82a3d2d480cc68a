package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/itamittech/documentsearch/pkg/queue"
)

const headerEventType = "x-event-type"

// Collector buffers events and publishes them in the background, so tracking
// never blocks the request path. Events are dropped when the buffer is full.
type Collector struct {
	publisher queue.Publisher
	eventCh   chan Event
	logger    *slog.Logger
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
	dropped   atomic.Int64
}

func NewCollector(publisher queue.Publisher, bufferSize int) *Collector {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Collector{
		publisher: publisher,
		eventCh:   make(chan Event, bufferSize),
		logger:    slog.Default().With("component", "analytics-collector"),
		done:      make(chan struct{}),
	}
}

func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		for {
			select {
			case event, ok := <-c.eventCh:
				if !ok {
					return
				}
				c.publish(ctx, event)
			case <-ctx.Done():
				c.drainRemaining()
				return
			}
		}
	}()
	c.logger.Info("analytics collector started", "buffer_size", cap(c.eventCh))
}

// Track queues event for publishing. Values that are not an Event are
// ignored.
func (c *Collector) Track(event any) {
	ev, ok := event.(Event)
	if !ok {
		c.logger.Warn("ignoring unknown analytics event", "type", fmt.Sprintf("%T", event))
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.eventCh <- ev:
	default:
		c.dropped.Add(1)
		c.logger.Warn("analytics event dropped (buffer full)", "tenant_id", ev.TenantKey())
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (c *Collector) Dropped() int64 {
	return c.dropped.Load()
}

// Close stops accepting events and waits for the buffer to be published.
func (c *Collector) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.eventCh)
	c.mu.Unlock()
	<-c.done
}

func (c *Collector) drainRemaining() {
	ctx := context.Background()
	for {
		select {
		case event, ok := <-c.eventCh:
			if !ok {
				return
			}
			c.publish(ctx, event)
		default:
			return
		}
	}
}

func (c *Collector) publish(ctx context.Context, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("failed to encode analytics event", "error", err)
		return
	}
	headers := map[string]string{headerEventType: string(eventType(event))}
	if err := c.publisher.Publish(ctx, event.TenantKey(), body, headers); err != nil {
		c.logger.Error("failed to publish analytics event", "tenant_id", event.TenantKey(), "error", err)
	}
}

func eventType(event Event) EventType {
	switch e := event.(type) {
	case SearchEvent:
		return e.Type
	case IndexEvent:
		return e.Type
	}
	return ""
}
