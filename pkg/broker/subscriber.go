package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/partnerflow/partnerflow/pkg/envelope"
	"github.com/partnerflow/partnerflow/pkg/logger"
)

// Subscriber decodes deliveries into envelopes and records dead letters.
type Subscriber struct {
	transport   Transport
	deadLetters DeadLetterStore
	log         logger.Logger
}

// NewSubscriber creates a subscriber over a transport. A nil dead-letter
// store discards dead-lettered envelopes after logging.
func NewSubscriber(transport Transport, deadLetters DeadLetterStore, log logger.Logger) *Subscriber {
	if log == nil {
		log = logger.Global()
	}
	return &Subscriber{
		transport:   transport,
		deadLetters: deadLetters,
		log:         log,
	}
}

// Subscribe attaches a handler to a shared subscription. Envelopes that
// cannot be decoded never reach the handler: they are dead-lettered without
// any state change.
func (s *Subscriber) Subscribe(ctx context.Context, topic, subscription string, handler Handler) (func(), error) {
	return s.transport.Subscribe(ctx, topic, subscription, func(ctx context.Context, raw []byte) Result {
		env, err := envelope.Decode(raw)
		if err != nil {
			s.log.Error("dropping malformed envelope",
				"topic", topic,
				"subscription", subscription,
				"error", err,
			)
			s.record(ctx, DeadLetterRecord{
				Topic:        topic,
				Subscription: subscription,
				Reason:       err.Error(),
				Raw:          raw,
			})
			return DeadLetter
		}

		result := handler(ctx, env)
		if result == DeadLetter {
			s.record(ctx, DeadLetterRecord{
				Topic:        topic,
				Subscription: subscription,
				EventID:      env.EventID,
				EventType:    env.EventType,
				SagaID:       env.SagaID,
				Reason:       "rejected by handler",
				Raw:          raw,
			})
		}
		return result
	})
}

func (s *Subscriber) record(ctx context.Context, record DeadLetterRecord) {
	if s.deadLetters == nil {
		return
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.At.IsZero() {
		record.At = time.Now().UTC()
	}
	if err := s.deadLetters.Record(ctx, record); err != nil {
		s.log.Error("failed to record dead letter", "error", err)
	}
}
