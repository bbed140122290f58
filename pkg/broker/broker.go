// Package broker provides the topic-scoped publish/subscribe adapter between
// the saga coordinator and the message broker. Delivery is at-least-once;
// idempotency is the coordinator's responsibility.
package broker

import (
	"context"
	"time"

	"github.com/partnerflow/partnerflow/pkg/envelope"
)

// Result is the outcome a handler returns for one delivery.
type Result int

const (
	// Ack acknowledges the delivery; the broker will not redeliver.
	Ack Result = iota
	// Nack requests redelivery with backoff.
	Nack
	// DeadLetter stops redelivery; the envelope is recorded for offline
	// inspection.
	DeadLetter
)

// String returns the string form of Result.
func (r Result) String() string {
	switch r {
	case Ack:
		return "ack"
	case Nack:
		return "nack"
	case DeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// Handler consumes one decoded envelope.
type Handler func(ctx context.Context, env envelope.Envelope) Result

// RawHandler consumes one raw delivery. Used between the transport and the
// adapter; application code works with Handler.
type RawHandler func(ctx context.Context, raw []byte) Result

// Transport moves raw bytes to and from the broker. Connection loss is
// recovered transparently by implementations; unacked in-flight messages are
// redelivered on reconnect.
type Transport interface {
	// Publish returns after the broker acknowledges receipt.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a shared subscription on a topic. All subscribers
	// sharing a subscription name split the topic's deliveries between
	// them. The returned stop function cancels the subscription.
	Subscribe(ctx context.Context, topic, subscription string, fn RawHandler) (func(), error)
}

// RetryConfig controls publish retry/backoff behavior.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns the publish retry policy: exponential backoff
// from 100 ms, doubling to a 5 s ceiling, six attempts total.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    6,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2,
	}
}

func nextBackoff(current, max time.Duration, factor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}
