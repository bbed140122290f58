package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryTransportOptions configures the in-memory transport.
type MemoryTransportOptions struct {
	// QueueSize bounds each subscription queue. Publish blocks when a
	// queue is full, propagating backpressure to the publisher.
	QueueSize int

	// RedeliveryBackoff delays redelivery after a Nack.
	RedeliveryBackoff time.Duration

	// MaxRedeliveries caps Nack redeliveries before the delivery is
	// dropped through the DropHandler.
	MaxRedeliveries int

	// DropHandler receives deliveries that exhausted their redeliveries.
	DropHandler func(topic, subscription string, payload []byte)
}

type memoryDelivery struct {
	payload  []byte
	attempts int
}

type memoryGroup struct {
	topic        string
	subscription string
	queue        chan memoryDelivery
}

// MemoryTransport is an in-process transport with shared-subscription
// semantics, used in tests and single-node deployments.
type MemoryTransport struct {
	mu      sync.RWMutex
	groups  map[string]map[string]*memoryGroup
	options MemoryTransportOptions
	closed  bool
}

// NewMemoryTransport creates an in-memory transport.
func NewMemoryTransport(options MemoryTransportOptions) *MemoryTransport {
	if options.QueueSize <= 0 {
		options.QueueSize = 256
	}
	if options.RedeliveryBackoff <= 0 {
		options.RedeliveryBackoff = 50 * time.Millisecond
	}
	if options.MaxRedeliveries <= 0 {
		options.MaxRedeliveries = 5
	}
	return &MemoryTransport{
		groups:  make(map[string]map[string]*memoryGroup),
		options: options,
	}
}

// Publish enqueues the payload on every subscription of the topic. Within a
// subscription exactly one subscriber receives each delivery.
func (t *MemoryTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return fmt.Errorf("broker: topic cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return fmt.Errorf("broker: transport is closed")
	}
	targets := make([]*memoryGroup, 0, len(t.groups[topic]))
	for _, group := range t.groups[topic] {
		targets = append(targets, group)
	}
	t.mu.RUnlock()

	body := append([]byte(nil), payload...)
	for _, group := range targets {
		select {
		case group.queue <- memoryDelivery{payload: body}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe attaches a consumer to a shared subscription and starts its
// delivery loop.
func (t *MemoryTransport) Subscribe(ctx context.Context, topic, subscription string, fn RawHandler) (func(), error) {
	if topic == "" || subscription == "" {
		return nil, fmt.Errorf("broker: topic and subscription are required")
	}
	if fn == nil {
		return nil, fmt.Errorf("broker: handler cannot be nil")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("broker: transport is closed")
	}
	byName, ok := t.groups[topic]
	if !ok {
		byName = make(map[string]*memoryGroup)
		t.groups[topic] = byName
	}
	group, ok := byName[subscription]
	if !ok {
		group = &memoryGroup{
			topic:        topic,
			subscription: subscription,
			queue:        make(chan memoryDelivery, t.options.QueueSize),
		}
		byName[subscription] = group
	}
	t.mu.Unlock()

	loopCtx, stop := context.WithCancel(ctx)
	go t.deliver(loopCtx, group, fn)
	return stop, nil
}

// Close stops accepting publishes and subscriptions.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) deliver(ctx context.Context, group *memoryGroup, fn RawHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery := <-group.queue:
			switch fn(ctx, delivery.payload) {
			case Nack:
				t.redeliver(ctx, group, delivery)
			default:
				// Ack and DeadLetter both end redelivery.
			}
		}
	}
}

func (t *MemoryTransport) redeliver(ctx context.Context, group *memoryGroup, delivery memoryDelivery) {
	delivery.attempts++
	if delivery.attempts >= t.options.MaxRedeliveries {
		if t.options.DropHandler != nil {
			t.options.DropHandler(group.topic, group.subscription, delivery.payload)
		}
		return
	}
	time.AfterFunc(t.options.RedeliveryBackoff, func() {
		select {
		case group.queue <- delivery:
		case <-ctx.Done():
		}
	})
}
