// Package envelope defines the canonical on-the-wire event format shared by
// the coordinator and the partner-facing services.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedEvent is returned when an envelope cannot be decoded or is
// missing required fields.
var ErrMalformedEvent = errors.New("malformed event envelope")

// TimeLayout is the wire timestamp format: ISO-8601 UTC, millisecond
// precision, Z suffix.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Envelope is the canonical metadata wrapping any event on the wire.
// Immutable once emitted. Source is carried for debugging only and must not
// influence routing.
type Envelope struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	SagaID        string         `json:"saga_id"`
	CorrelationID string         `json:"correlation_id"`
	CausationID   string         `json:"causation_id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Source        string         `json:"source"`
	Payload       map[string]any `json:"payload"`
}

// BuildInput is used to construct a new envelope.
type BuildInput struct {
	EventType     string
	SagaID        string
	CorrelationID string
	CausationID   string
	Source        string
	Payload       map[string]any
}

// Build creates an envelope with generated event identity and timestamp.
func Build(input BuildInput) (Envelope, error) {
	if input.EventType == "" {
		return Envelope{}, fmt.Errorf("envelope: event type is required")
	}
	if input.CorrelationID == "" {
		return Envelope{}, fmt.Errorf("envelope: correlation id is required")
	}
	payload := input.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     input.EventType,
		SagaID:        input.SagaID,
		CorrelationID: input.CorrelationID,
		CausationID:   input.CausationID,
		OccurredAt:    time.Now().UTC().Truncate(time.Millisecond),
		Source:        input.Source,
		Payload:       payload,
	}, nil
}

// CausedBy returns a build input pre-filled with the causation chain of the
// given envelope.
func CausedBy(parent Envelope, eventType, source string, payload map[string]any) BuildInput {
	return BuildInput{
		EventType:     eventType,
		SagaID:        parent.SagaID,
		CorrelationID: parent.CorrelationID,
		CausationID:   parent.EventID,
		Source:        source,
		Payload:       payload,
	}
}

type wireEnvelope struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	SagaID        string         `json:"saga_id"`
	CorrelationID string         `json:"correlation_id"`
	CausationID   string         `json:"causation_id"`
	OccurredAt    string         `json:"occurred_at"`
	Source        string         `json:"source"`
	Payload       map[string]any `json:"payload"`
}

// Encode serializes an envelope to its wire form. It refuses to emit an
// envelope missing event_id, event_type, correlation_id, or occurred_at.
func Encode(env Envelope) ([]byte, error) {
	if env.EventID == "" {
		return nil, fmt.Errorf("envelope: cannot encode without event_id")
	}
	if env.EventType == "" {
		return nil, fmt.Errorf("envelope: cannot encode without event_type")
	}
	if env.CorrelationID == "" {
		return nil, fmt.Errorf("envelope: cannot encode without correlation_id")
	}
	if env.OccurredAt.IsZero() {
		return nil, fmt.Errorf("envelope: cannot encode without occurred_at")
	}

	wire := wireEnvelope{
		EventID:       env.EventID,
		EventType:     env.EventType,
		SagaID:        env.SagaID,
		CorrelationID: env.CorrelationID,
		CausationID:   env.CausationID,
		OccurredAt:    env.OccurredAt.UTC().Format(TimeLayout),
		Source:        env.Source,
		Payload:       env.Payload,
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal: %w", err)
	}
	return data, nil
}

// Decode parses a wire envelope. Unknown fields outside payload are ignored.
// Missing required fields or an unparseable occurred_at yield
// ErrMalformedEvent.
func Decode(raw []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: invalid json: %v", ErrMalformedEvent, err)
	}
	if wire.EventID == "" {
		return Envelope{}, fmt.Errorf("%w: missing event_id", ErrMalformedEvent)
	}
	if wire.EventType == "" {
		return Envelope{}, fmt.Errorf("%w: missing event_type", ErrMalformedEvent)
	}
	if wire.CorrelationID == "" {
		return Envelope{}, fmt.Errorf("%w: missing correlation_id", ErrMalformedEvent)
	}
	if wire.OccurredAt == "" {
		return Envelope{}, fmt.Errorf("%w: missing occurred_at", ErrMalformedEvent)
	}

	occurredAt, err := parseOccurredAt(wire.OccurredAt)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: occurred_at %q: %v", ErrMalformedEvent, wire.OccurredAt, err)
	}

	payload := wire.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{
		EventID:       wire.EventID,
		EventType:     wire.EventType,
		SagaID:        wire.SagaID,
		CorrelationID: wire.CorrelationID,
		CausationID:   wire.CausationID,
		OccurredAt:    occurredAt,
		Source:        wire.Source,
		Payload:       payload,
	}, nil
}

// parseOccurredAt accepts the canonical layout plus RFC3339 variants that
// well-behaved producers may emit.
func parseOccurredAt(value string) (time.Time, error) {
	if ts, err := time.Parse(TimeLayout, value); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC().Truncate(time.Millisecond), nil
}

// PayloadString extracts a string field from the payload, empty when absent.
func (e Envelope) PayloadString(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}
