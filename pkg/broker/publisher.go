package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/partnerflow/partnerflow/pkg/envelope"
	"github.com/partnerflow/partnerflow/pkg/logger"
	"github.com/partnerflow/partnerflow/pkg/saga"
)

// Telemetry records publish pipeline health.
type Telemetry interface {
	RecordPublish(status string)
	RecordRetry()
	SetDegradedMode(active bool)
}

type nopTelemetry struct{}

func (nopTelemetry) RecordPublish(string) {}
func (nopTelemetry) RecordRetry()         {}
func (nopTelemetry) SetDegradedMode(bool) {}

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	Retry RetryConfig

	// MaxInFlight bounds concurrent publishes. When the bound is reached
	// Publish blocks, propagating broker backpressure to the caller.
	MaxInFlight int

	Telemetry Telemetry
	Logger    logger.Logger
}

// Publisher routes envelopes to topics and publishes them with bounded
// retries and backpressure.
type Publisher struct {
	transport Transport
	topics    TopicTable
	retry     RetryConfig
	slots     chan struct{}
	telemetry Telemetry
	log       logger.Logger

	mu       sync.Mutex
	degraded bool
}

// NewPublisher creates a publisher over a transport and topic table.
func NewPublisher(transport Transport, topics TopicTable, options PublisherOptions) (*Publisher, error) {
	if transport == nil {
		return nil, fmt.Errorf("broker: transport cannot be nil")
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("broker: topic table cannot be empty")
	}
	retry := options.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	maxInFlight := options.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 256
	}
	telemetry := options.Telemetry
	if telemetry == nil {
		telemetry = nopTelemetry{}
	}
	log := options.Logger
	if log == nil {
		log = logger.Global()
	}
	return &Publisher{
		transport: transport,
		topics:    topics,
		retry:     retry,
		slots:     make(chan struct{}, maxInFlight),
		telemetry: telemetry,
		log:       log,
	}, nil
}

// Publish encodes and publishes one envelope to its mapped topic. It returns
// after the broker acknowledges receipt, or ErrBrokerUnavailable once retries
// are exhausted.
func (p *Publisher) Publish(ctx context.Context, env envelope.Envelope) error {
	topic, err := p.topics.TopicFor(env.EventType)
	if err != nil {
		return err
	}
	raw, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.slots }()

	backoff := p.retry.InitialBackoff
	var publishErr error
	for attempt := 1; attempt <= p.retry.MaxAttempts; attempt++ {
		publishErr = p.transport.Publish(ctx, topic, raw)
		if publishErr == nil {
			p.telemetry.RecordPublish("success")
			p.setDegraded(false)
			return nil
		}
		if attempt == p.retry.MaxAttempts {
			break
		}
		p.telemetry.RecordRetry()
		p.log.Warn("publish retry",
			"topic", topic,
			"event_type", env.EventType,
			"attempt", attempt,
			"error", publishErr,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, p.retry.MaxBackoff, p.retry.BackoffFactor)
	}

	p.telemetry.RecordPublish("failed")
	p.setDegraded(true)
	return fmt.Errorf("%w: publish to %s after %d attempts: %v",
		saga.ErrBrokerUnavailable, topic, p.retry.MaxAttempts, publishErr)
}

// Degraded reports whether the last publish exhausted its retries.
func (p *Publisher) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

func (p *Publisher) setDegraded(active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.degraded == active {
		return
	}
	p.degraded = active
	p.telemetry.SetDegradedMode(active)
}
