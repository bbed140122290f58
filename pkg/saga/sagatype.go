package saga

import (
	"fmt"
	"time"
)

// StepDef is the static definition of one step in a saga type.
type StepDef struct {
	// Name identifies the step within its saga type.
	Name string

	// TriggerEvent is emitted to start this step.
	TriggerEvent string

	// SuccessEvents complete the step; any one of them suffices.
	SuccessEvents []string

	// FailureEvents fail the step and start compensation.
	FailureEvents []string

	// CompensationEvent undoes the step. Empty means the step needs no
	// compensation.
	CompensationEvent string

	// CompensationAckEvents acknowledge a completed compensation. When
	// empty the broker acknowledgement of the emitted compensation event
	// is treated as the ack and the reverse walk continues immediately.
	CompensationAckEvents []string

	// CompensationIdempotent allows duplicate compensation emission.
	CompensationIdempotent bool

	// Timeout is the step deadline. Zero falls back to the type default.
	Timeout time.Duration

	// Retries is the number of trigger re-emissions allowed before the
	// step is considered failed.
	Retries int
}

// Type is a static, ordered saga definition.
type Type struct {
	Name               string
	Steps              []StepDef
	DefaultStepTimeout time.Duration

	// Terminal notification event types published on the saga events
	// topic when the saga reaches a terminal status.
	CompletedEvent   string
	FailedEvent      string
	CompensatedEvent string
}

// Validate checks the definition for structural errors. A malformed
// definition is fatal at startup; the coordinator refuses to run.
func (t *Type) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil saga type", ErrFatal)
	}
	if t.Name == "" {
		return fmt.Errorf("%w: saga type name cannot be empty", ErrFatal)
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("%w: saga type %s has no steps", ErrFatal, t.Name)
	}

	names := make(map[string]struct{}, len(t.Steps))
	events := make(map[string]string)
	for i, step := range t.Steps {
		if step.Name == "" {
			return fmt.Errorf("%w: saga type %s step %d has no name", ErrFatal, t.Name, i)
		}
		if _, dup := names[step.Name]; dup {
			return fmt.Errorf("%w: saga type %s has duplicate step %s", ErrFatal, t.Name, step.Name)
		}
		names[step.Name] = struct{}{}

		if step.TriggerEvent == "" {
			return fmt.Errorf("%w: step %s has no trigger event", ErrFatal, step.Name)
		}
		if len(step.SuccessEvents) == 0 {
			return fmt.Errorf("%w: step %s has no success events", ErrFatal, step.Name)
		}
		if step.Timeout <= 0 && t.DefaultStepTimeout <= 0 {
			return fmt.Errorf("%w: step %s has no timeout and type has no default", ErrFatal, step.Name)
		}
		for _, ev := range step.SuccessEvents {
			if owner, taken := events[ev]; taken {
				return fmt.Errorf("%w: event %s claimed by steps %s and %s", ErrFatal, ev, owner, step.Name)
			}
			events[ev] = step.Name
		}
		for _, ev := range step.FailureEvents {
			if owner, taken := events[ev]; taken {
				return fmt.Errorf("%w: event %s claimed by steps %s and %s", ErrFatal, ev, owner, step.Name)
			}
			events[ev] = step.Name
		}
	}
	return nil
}

// StepTimeout returns the effective timeout for a step index.
func (t *Type) StepTimeout(index int) time.Duration {
	if index < 0 || index >= len(t.Steps) {
		return t.DefaultStepTimeout
	}
	if t.Steps[index].Timeout > 0 {
		return t.Steps[index].Timeout
	}
	return t.DefaultStepTimeout
}

// StepIndex returns the index of a step by name, -1 when absent.
func (t *Type) StepIndex(name string) int {
	for i, step := range t.Steps {
		if step.Name == name {
			return i
		}
	}
	return -1
}

// ClassifyEvent locates the step an event type belongs to and whether it is
// a success, failure, or compensation ack for that step.
type EventRole int

const (
	RoleNone EventRole = iota
	RoleSuccess
	RoleFailure
	RoleCompensationAck
)

// OutboundEvents returns the event types the coordinator itself emits for
// this saga type: step triggers, compensation events, and terminal
// notifications. Consumers sharing topics with the coordinator use this set
// to skip events they must not react to.
func (t *Type) OutboundEvents() map[string]struct{} {
	out := make(map[string]struct{}, 2*len(t.Steps)+3)
	for _, step := range t.Steps {
		out[step.TriggerEvent] = struct{}{}
		if step.CompensationEvent != "" {
			out[step.CompensationEvent] = struct{}{}
		}
	}
	for _, ev := range []string{t.CompletedEvent, t.FailedEvent, t.CompensatedEvent} {
		if ev != "" {
			out[ev] = struct{}{}
		}
	}
	return out
}

// Classify returns the step index and role for an event type, or (-1,
// RoleNone) when the event is unknown to this saga type.
func (t *Type) Classify(eventType string) (int, EventRole) {
	for i, step := range t.Steps {
		for _, ev := range step.SuccessEvents {
			if ev == eventType {
				return i, RoleSuccess
			}
		}
		for _, ev := range step.FailureEvents {
			if ev == eventType {
				return i, RoleFailure
			}
		}
		for _, ev := range step.CompensationAckEvents {
			if ev == eventType {
				return i, RoleCompensationAck
			}
		}
	}
	return -1, RoleNone
}
