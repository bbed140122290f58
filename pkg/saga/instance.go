package saga

import (
	"time"
)

// DefaultIdempotencyWindow bounds the per-saga processed-events set. Older
// entries are trusted not to recur because the broker subscription has
// acknowledged them.
const DefaultIdempotencyWindow = 1000

// StepOutcome is the recorded result of a step.
type StepOutcome string

const (
	StepOutcomeSuccess     StepOutcome = "success"
	StepOutcomeCompensated StepOutcome = "compensated"
)

// StepRecord is one completed step with its timing.
type StepRecord struct {
	Name        string      `json:"name"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`
	Outcome     StepOutcome `json:"outcome"`
}

// StepFailure records a failed step.
type StepFailure struct {
	Step      string    `json:"step"`
	ErrorKind string    `json:"error_kind"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// PendingStep is the step currently awaiting an outcome, with its deadline.
type PendingStep struct {
	Name     string    `json:"name"`
	Index    int       `json:"index"`
	StartedAt time.Time `json:"started_at"`
	Deadline time.Time `json:"deadline"`
	Attempts int       `json:"attempts"`

	// Compensating marks a pending compensation ack rather than a forward
	// step outcome.
	Compensating bool `json:"compensating"`
}

// Instance is the authoritative runtime state of one saga. Mutated only by
// the coordinator's dispatch loop; external observers see atomic snapshots.
type Instance struct {
	ID            string         `json:"saga_id"`
	Type          string         `json:"saga_type"`
	PartnerID     string         `json:"partner_id,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	Status        Status         `json:"status"`
	CompletedSteps []StepRecord  `json:"completed_steps"`
	FailedSteps   []StepFailure  `json:"failed_steps"`
	Pending       *PendingStep   `json:"pending_step,omitempty"`
	InitialPayload map[string]any `json:"initial_payload"`

	// CompensationIndex is the index into CompletedSteps of the next step
	// to compensate, walking in reverse. Meaningful only while Status is
	// Compensating.
	CompensationIndex int `json:"compensation_index"`

	// ProcessedEvents is the bounded idempotency window, oldest first.
	ProcessedEvents []string `json:"processed_events"`

	// Unsent holds outgoing event types whose publish failed after the
	// transition was persisted. They are re-emitted by the timeout and
	// redelivery paths.
	Unsent []string `json:"unsent_events,omitempty"`

	// Reason is the human-readable terminal reason, when any.
	Reason string `json:"reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   uint64    `json:"version"`

	// processedSet is rebuilt lazily from ProcessedEvents; not persisted.
	processedSet map[string]struct{}
}

// NewInstance creates a saga instance in the Initiated status.
func NewInstance(id string, sagaType *Type, partnerID, correlationID string, payload map[string]any) *Instance {
	now := time.Now().UTC()
	name := ""
	if sagaType != nil {
		name = sagaType.Name
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return &Instance{
		ID:                id,
		Type:              name,
		PartnerID:         partnerID,
		CorrelationID:     correlationID,
		Status:            StatusInitiated,
		CompletedSteps:    make([]StepRecord, 0),
		FailedSteps:       make([]StepFailure, 0),
		InitialPayload:    payload,
		CompensationIndex: -1,
		ProcessedEvents:   make([]string, 0),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// TransitionTo applies a status transition.
func (i *Instance) TransitionTo(next Status) error {
	if err := ValidateTransition(i.Status, next); err != nil {
		return err
	}
	i.Status = next
	i.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkEventProcessed records an event id in the bounded idempotency window.
func (i *Instance) MarkEventProcessed(eventID string, window int) {
	if window <= 0 {
		window = DefaultIdempotencyWindow
	}
	if i.processedSet == nil {
		i.rebuildProcessedSet()
	}
	if _, seen := i.processedSet[eventID]; seen {
		return
	}
	i.ProcessedEvents = append(i.ProcessedEvents, eventID)
	i.processedSet[eventID] = struct{}{}
	for len(i.ProcessedEvents) > window {
		evicted := i.ProcessedEvents[0]
		i.ProcessedEvents = i.ProcessedEvents[1:]
		delete(i.processedSet, evicted)
	}
}

// HasProcessed reports whether an event id is inside the idempotency window.
func (i *Instance) HasProcessed(eventID string) bool {
	if i.processedSet == nil {
		i.rebuildProcessedSet()
	}
	_, seen := i.processedSet[eventID]
	return seen
}

func (i *Instance) rebuildProcessedSet() {
	i.processedSet = make(map[string]struct{}, len(i.ProcessedEvents))
	for _, id := range i.ProcessedEvents {
		i.processedSet[id] = struct{}{}
	}
}

// MarkStepCompleted appends a step record and clears the pending step.
func (i *Instance) MarkStepCompleted(name string, startedAt time.Time) {
	i.CompletedSteps = append(i.CompletedSteps, StepRecord{
		Name:        name,
		StartedAt:   startedAt,
		CompletedAt: time.Now().UTC(),
		Outcome:     StepOutcomeSuccess,
	})
	i.Pending = nil
	i.UpdatedAt = time.Now().UTC()
}

// MarkStepFailed records a step failure.
func (i *Instance) MarkStepFailed(step, errorKind, message string) {
	i.FailedSteps = append(i.FailedSteps, StepFailure{
		Step:      step,
		ErrorKind: errorKind,
		Message:   message,
		At:        time.Now().UTC(),
	})
	i.Pending = nil
	i.UpdatedAt = time.Now().UTC()
}

// MarkStepCompensated flags a completed step record as compensated.
func (i *Instance) MarkStepCompensated(name string) {
	for idx := len(i.CompletedSteps) - 1; idx >= 0; idx-- {
		if i.CompletedSteps[idx].Name == name {
			i.CompletedSteps[idx].Outcome = StepOutcomeCompensated
			break
		}
	}
	i.UpdatedAt = time.Now().UTC()
}

// MarkUnsent records an outgoing event whose publish failed.
func (i *Instance) MarkUnsent(eventType string) {
	for _, ev := range i.Unsent {
		if ev == eventType {
			return
		}
	}
	i.Unsent = append(i.Unsent, eventType)
	i.UpdatedAt = time.Now().UTC()
}

// ClearUnsent drops an event type after a successful re-emission.
func (i *Instance) ClearUnsent(eventType string) {
	for idx, ev := range i.Unsent {
		if ev == eventType {
			i.Unsent = append(i.Unsent[:idx], i.Unsent[idx+1:]...)
			i.UpdatedAt = time.Now().UTC()
			return
		}
	}
}

// Clone returns a deep copy safe to hand to observers.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	clone := *i
	clone.CompletedSteps = append([]StepRecord(nil), i.CompletedSteps...)
	clone.FailedSteps = append([]StepFailure(nil), i.FailedSteps...)
	clone.ProcessedEvents = append([]string(nil), i.ProcessedEvents...)
	clone.Unsent = append([]string(nil), i.Unsent...)
	clone.processedSet = nil
	if i.Pending != nil {
		pending := *i.Pending
		clone.Pending = &pending
	}
	if i.InitialPayload != nil {
		payload := make(map[string]any, len(i.InitialPayload))
		for k, v := range i.InitialPayload {
			payload[k] = v
		}
		clone.InitialPayload = payload
	}
	return &clone
}
