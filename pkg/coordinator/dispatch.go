package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/partnerflow/partnerflow/pkg/audit"
	"github.com/partnerflow/partnerflow/pkg/broker"
	"github.com/partnerflow/partnerflow/pkg/envelope"
	"github.com/partnerflow/partnerflow/pkg/saga"
	"github.com/partnerflow/partnerflow/pkg/sagalog"
)

// dispatch runs the single-pass event dispatch on the saga's worker. On a
// stale version the pass reloads and recomputes, up to casRetries times;
// after that the envelope is nacked and the broker redelivers.
func (c *Coordinator) dispatch(ctx context.Context, sagaID string, env envelope.Envelope) broker.Result {
	for attempt := 0; attempt <= casRetries; attempt++ {
		inst, err := c.store.Get(ctx, sagaID)
		if err != nil {
			// A correlation hit for a saga this store no longer holds.
			c.log.Debug("event for unknown saga", "saga_id", sagaID, "event_type", env.EventType)
			c.metrics.RecordDispatch("ignored")
			return broker.Ack
		}

		result, err := c.apply(ctx, inst, env)
		if err == nil {
			return result
		}
		if errors.Is(err, saga.ErrStaleVersion) {
			continue
		}
		c.log.Error("dispatch failed", "saga_id", sagaID, "event_type", env.EventType, "error", err)
		c.metrics.RecordDispatch("nack")
		return broker.Nack
	}
	c.log.Warn("dispatch lost version race repeatedly", "saga_id", sagaID, "event_type", env.EventType)
	c.metrics.RecordDispatch("nack")
	return broker.Nack
}

func (c *Coordinator) apply(ctx context.Context, inst *saga.Instance, env envelope.Envelope) (broker.Result, error) {
	if inst.HasProcessed(env.EventID) {
		c.metrics.RecordDispatch("duplicate")
		return broker.Ack, nil
	}

	st, ok := c.types[inst.Type]
	if !ok {
		c.log.Error("saga references unregistered type", "saga_id", inst.ID, "saga_type", inst.Type)
		c.metrics.RecordDispatch("dead_letter")
		return broker.DeadLetter, nil
	}

	if inst.Status.IsTerminal() {
		c.logEntry(sagalog.Entry{
			Level: sagalog.LevelWarn, Kind: sagalog.KindEventReceived,
			SagaID: inst.ID, PartnerID: inst.PartnerID, EventType: env.EventType,
			Message: "event after terminal status",
		})
		c.metrics.RecordDispatch("late")
		return broker.Ack, nil
	}

	if inst.Status == saga.StatusCompensating {
		return c.applyCompensationAck(ctx, inst, st, env)
	}

	stepIdx, role := st.Classify(env.EventType)
	if role == saga.RoleNone {
		c.logEntry(sagalog.Entry{
			Level: sagalog.LevelError, Kind: sagalog.KindEventReceived,
			SagaID: inst.ID, PartnerID: inst.PartnerID, EventType: env.EventType,
			Message: "event unknown to saga type",
		})
		c.metrics.RecordDispatch("dead_letter")
		return broker.DeadLetter, nil
	}
	if inst.Pending == nil || stepIdx != inst.Pending.Index || role == saga.RoleCompensationAck {
		// Recognized but not expected for the current step: late or
		// out-of-order delivery. No state change.
		c.logEntry(sagalog.Entry{
			Level: sagalog.LevelWarn, Kind: sagalog.KindEventReceived,
			SagaID: inst.ID, PartnerID: inst.PartnerID, EventType: env.EventType,
			Message: "event does not match current step",
		})
		c.metrics.RecordDispatch("late")
		return broker.Ack, nil
	}

	if role == saga.RoleSuccess {
		return c.applyStepSuccess(ctx, inst, st, env)
	}
	return c.applyStepFailure(ctx, inst, st, env)
}

func (c *Coordinator) applyStepSuccess(ctx context.Context, inst *saga.Instance, st *saga.Type, env envelope.Envelope) (broker.Result, error) {
	now := c.now()
	expected := inst.Version
	pending := *inst.Pending
	stepDuration := now.Sub(pending.StartedAt)

	inst.MarkEventProcessed(env.EventID, c.window)
	inst.MarkStepCompleted(pending.Name, pending.StartedAt)

	last := pending.Index == len(st.Steps)-1
	var next saga.StepDef
	if last {
		if err := inst.TransitionTo(saga.StatusCompleted); err != nil {
			return broker.DeadLetter, fmt.Errorf("%w: %v", saga.ErrUnexpectedTransition, err)
		}
		inst.Pending = nil
	} else {
		next = st.Steps[pending.Index+1]
		inst.Pending = &saga.PendingStep{
			Name:      next.Name,
			Index:     pending.Index + 1,
			StartedAt: now,
			Deadline:  now.Add(st.StepTimeout(pending.Index + 1)),
		}
	}

	if err := c.store.Update(ctx, inst.ID, expected, inst); err != nil {
		return broker.Nack, err
	}

	c.auditAppend(ctx, audit.Record{
		SagaID: inst.ID, PartnerID: inst.PartnerID,
		Kind: audit.KindEventIn, EventType: env.EventType, At: now,
	})
	c.auditAppend(ctx, audit.Record{
		SagaID: inst.ID, PartnerID: inst.PartnerID,
		Kind: audit.KindStepSuccess, StepName: pending.Name,
		DurationMS: stepDuration.Milliseconds(), At: now,
	})
	c.logEntry(sagalog.Entry{
		Level: sagalog.LevelInfo, Kind: sagalog.KindStepCompleted,
		SagaID: inst.ID, PartnerID: inst.PartnerID, StepName: pending.Name, EventType: env.EventType,
	})
	c.metrics.RecordStepOutcome(st.Name, pending.Name, "success", stepDuration)
	if c.agg != nil {
		c.agg.OnStepObserved(st.Name, pending.Name, stepDuration)
		c.agg.OnEventDispatched()
	}

	if last {
		c.finalizeEffects(ctx, inst, st, &env)
	} else {
		c.auditAppend(ctx, audit.Record{
			SagaID: inst.ID, PartnerID: inst.PartnerID,
			Kind: audit.KindStepStart, StepName: next.Name, At: now,
		})
		c.logEntry(sagalog.Entry{
			Level: sagalog.LevelInfo, Kind: sagalog.KindStepStarted,
			SagaID: inst.ID, PartnerID: inst.PartnerID, StepName: next.Name,
		})
		c.emitTracked(ctx, inst, next.TriggerEvent, &env)
		c.armPending(inst)
	}

	c.metrics.RecordDispatch("ack")
	c.notifyObservers(inst)
	return broker.Ack, nil
}

func (c *Coordinator) applyStepFailure(ctx context.Context, inst *saga.Instance, st *saga.Type, env envelope.Envelope) (broker.Result, error) {
	now := c.now()
	expected := inst.Version
	pending := *inst.Pending
	stepDuration := now.Sub(pending.StartedAt)

	inst.MarkEventProcessed(env.EventID, c.window)
	inst.MarkStepFailed(pending.Name, "StepFailed", env.EventType)
	inst.Reason = fmt.Sprintf("step %s failed: %s", pending.Name, env.EventType)

	plan, err := c.beginCompensation(inst, st)
	if err != nil {
		return broker.DeadLetter, err
	}

	if err := c.store.Update(ctx, inst.ID, expected, inst); err != nil {
		return broker.Nack, err
	}

	c.auditAppend(ctx, audit.Record{
		SagaID: inst.ID, PartnerID: inst.PartnerID,
		Kind: audit.KindEventIn, EventType: env.EventType, At: now,
	})
	c.auditAppend(ctx, audit.Record{
		SagaID: inst.ID, PartnerID: inst.PartnerID,
		Kind: audit.KindStepFailure, StepName: pending.Name,
		Payload:    map[string]any{"event_type": env.EventType},
		DurationMS: stepDuration.Milliseconds(), At: now,
	})
	c.logEntry(sagalog.Entry{
		Level: sagalog.LevelError, Kind: sagalog.KindStepFailed,
		SagaID: inst.ID, PartnerID: inst.PartnerID, StepName: pending.Name, EventType: env.EventType,
	})
	c.logEntry(sagalog.Entry{
		Level: sagalog.LevelWarn, Kind: sagalog.KindSagaCompensationStart,
		SagaID: inst.ID, PartnerID: inst.PartnerID,
		Message: inst.Reason,
	})
	c.metrics.RecordStepOutcome(st.Name, pending.Name, "failure", stepDuration)
	if c.agg != nil {
		c.agg.OnStepObserved(st.Name, pending.Name, stepDuration)
		c.agg.OnEventDispatched()
	}

	c.wheel.Cancel(inst.ID)
	c.compensationEffects(ctx, inst, st, plan, &env)
	c.metrics.RecordDispatch("ack")
	c.notifyObservers(inst)
	return broker.Ack, nil
}

func (c *Coordinator) applyCompensationAck(ctx context.Context, inst *saga.Instance, st *saga.Type, env envelope.Envelope) (broker.Result, error) {
	stepIdx, role := st.Classify(env.EventType)
	if role == saga.RoleNone {
		c.logEntry(sagalog.Entry{
			Level: sagalog.LevelError, Kind: sagalog.KindEventReceived,
			SagaID: inst.ID, PartnerID: inst.PartnerID, EventType: env.EventType,
			Message: "event unknown to saga type",
		})
		c.metrics.RecordDispatch("dead_letter")
		return broker.DeadLetter, nil
	}
	waiting := inst.Pending != nil && inst.Pending.Compensating
	if !waiting || role != saga.RoleCompensationAck || stepIdx != inst.Pending.Index {
		c.logEntry(sagalog.Entry{
			Level: sagalog.LevelWarn, Kind: sagalog.KindEventReceived,
			SagaID: inst.ID, PartnerID: inst.PartnerID, EventType: env.EventType,
			Message: "event ignored while compensating",
		})
		c.metrics.RecordDispatch("late")
		return broker.Ack, nil
	}

	now := c.now()
	expected := inst.Version
	stepName := inst.Pending.Name

	inst.MarkEventProcessed(env.EventID, c.window)
	inst.MarkStepCompensated(stepName)
	inst.CompensationIndex--
	inst.Pending = nil
	plan, err := c.continueCompensation(inst, st)
	if err != nil {
		return broker.DeadLetter, err
	}

	if err := c.store.Update(ctx, inst.ID, expected, inst); err != nil {
		return broker.Nack, err
	}

	c.auditAppend(ctx, audit.Record{
		SagaID: inst.ID, PartnerID: inst.PartnerID,
		Kind: audit.KindEventIn, EventType: env.EventType, At: now,
	})
	c.logEntry(sagalog.Entry{
		Level: sagalog.LevelInfo, Kind: sagalog.KindEventProcessed,
		SagaID: inst.ID, PartnerID: inst.PartnerID, StepName: stepName, EventType: env.EventType,
		Message: "compensation acknowledged",
	})

	c.wheel.Cancel(inst.ID)
	c.compensationEffects(ctx, inst, st, plan, &env)
	c.metrics.RecordDispatch("ack")
	c.notifyObservers(inst)
	return broker.Ack, nil
}

// compPlan is the outcome of one reverse-walk pass over completed steps.
type compPlan struct {
	emissions []string // compensation events to emit, reverse step order
	waiting   bool     // stopped to await a compensation ack
	done      bool     // walk finished, saga went terminal
}

// beginCompensation flips the saga into Compensating and runs the first
// reverse-walk pass.
func (c *Coordinator) beginCompensation(inst *saga.Instance, st *saga.Type) (compPlan, error) {
	if err := inst.TransitionTo(saga.StatusCompensating); err != nil {
		return compPlan{}, fmt.Errorf("%w: %v", saga.ErrUnexpectedTransition, err)
	}
	inst.Pending = nil
	inst.CompensationIndex = len(inst.CompletedSteps) - 1
	return c.continueCompensation(inst, st)
}

// continueCompensation walks completed steps in reverse, collecting the
// compensation events to emit. Steps declaring ack events suspend the walk
// until the ack (or its timeout) arrives; steps without ack events are
// considered compensated once their event is handed to the broker.
func (c *Coordinator) continueCompensation(inst *saga.Instance, st *saga.Type) (compPlan, error) {
	var plan compPlan
	now := c.now()

	for inst.CompensationIndex >= 0 {
		record := inst.CompletedSteps[inst.CompensationIndex]
		if record.Outcome != saga.StepOutcomeSuccess {
			inst.CompensationIndex--
			continue
		}
		idx := st.StepIndex(record.Name)
		if idx < 0 {
			inst.CompensationIndex--
			continue
		}
		def := st.Steps[idx]
		if def.CompensationEvent == "" {
			// No-op compensation.
			inst.MarkStepCompensated(record.Name)
			inst.CompensationIndex--
			continue
		}

		plan.emissions = append(plan.emissions, def.CompensationEvent)
		if len(def.CompensationAckEvents) > 0 {
			inst.Pending = &saga.PendingStep{
				Name:         record.Name,
				Index:        idx,
				StartedAt:    now,
				Deadline:     now.Add(st.StepTimeout(idx)),
				Compensating: true,
			}
			plan.waiting = true
			return plan, nil
		}
		inst.MarkStepCompensated(record.Name)
		inst.CompensationIndex--
	}

	if err := inst.TransitionTo(saga.StatusCompensated); err != nil {
		return compPlan{}, fmt.Errorf("%w: %v", saga.ErrUnexpectedTransition, err)
	}
	inst.Pending = nil
	plan.done = true
	return plan, nil
}

// compensationEffects performs the post-persist side effects of one
// reverse-walk pass.
func (c *Coordinator) compensationEffects(ctx context.Context, inst *saga.Instance, st *saga.Type, plan compPlan, causedBy *envelope.Envelope) {
	for _, eventType := range plan.emissions {
		c.metrics.RecordCompensation(st.Name, eventType)
		c.emitTracked(ctx, inst, eventType, causedBy)
	}
	if plan.waiting {
		c.armPending(inst)
	}
	if plan.done {
		c.finalizeEffects(ctx, inst, st, causedBy)
	}
}

// finalizeEffects runs once when a saga reaches a terminal status: audit
// saga_end, terminal metrics, the saga-events notification, and timeout
// cleanup.
func (c *Coordinator) finalizeEffects(ctx context.Context, inst *saga.Instance, st *saga.Type, causedBy *envelope.Envelope) {
	now := c.now()
	c.wheel.Cancel(inst.ID)

	status := inst.Status.String()
	c.auditAppend(ctx, audit.Record{
		SagaID: inst.ID, PartnerID: inst.PartnerID,
		Kind:    audit.KindSagaEnd,
		Payload: map[string]any{"status": status, "reason": inst.Reason},
		At:      now,
	})

	var kind sagalog.Kind
	var level sagalog.Level
	var terminalEvent string
	switch inst.Status {
	case saga.StatusCompleted:
		kind, level, terminalEvent = sagalog.KindSagaCompleted, sagalog.LevelInfo, st.CompletedEvent
	case saga.StatusCompensated:
		kind, level, terminalEvent = sagalog.KindSagaCompensationDone, sagalog.LevelWarn, st.CompensatedEvent
	default:
		kind, level, terminalEvent = sagalog.KindSagaFailed, sagalog.LevelError, st.FailedEvent
	}
	c.logEntry(sagalog.Entry{
		Level: level, Kind: kind,
		SagaID: inst.ID, PartnerID: inst.PartnerID,
		Message: inst.Reason,
	})

	duration := now.Sub(inst.CreatedAt)
	c.metrics.RecordSagaTerminal(st.Name, status, duration)
	if c.agg != nil {
		c.agg.OnSagaTerminal(st.Name, status, duration)
	}

	if terminalEvent != "" {
		c.emitTracked(ctx, inst, terminalEvent, causedBy)
	}

	// A terminal saga has no step deadline left to piggyback on, so unsent
	// events get their own redelivery schedule.
	if len(inst.Unsent) > 0 {
		c.armRedelivery(inst)
	}
}

// dispatchTimeout handles a fired wheel entry on the saga's worker. Entries
// armed against an older version are dropped: a real event won the race and
// rearmed or cancelled its own deadline.
func (c *Coordinator) dispatchTimeout(ctx context.Context, entry TimeoutEntry) {
	inst, err := c.store.Get(ctx, entry.SagaID)
	if err != nil {
		return
	}
	if entry.Redelivery {
		if len(inst.Unsent) == 0 {
			return
		}
		c.redeliver(ctx, inst)
		if len(inst.Unsent) > 0 {
			c.armRedelivery(inst)
		}
		return
	}
	if inst.Version != entry.Version || inst.Pending == nil ||
		inst.Pending.Name != entry.Step || inst.Pending.Compensating != entry.Compensating {
		return
	}
	st, ok := c.types[inst.Type]
	if !ok {
		return
	}

	if entry.Compensating {
		c.compensationTimeout(ctx, inst, st)
		return
	}
	c.stepTimeout(ctx, inst, st)
}

// stepTimeout retries the step's trigger while retries remain, then treats
// the deadline as a business failure and compensates. A deadline reached
// with unsent events is operational recovery, not a business failure: the
// service never received its command, so the saga stays in the step and the
// events are re-emitted without consuming a retry.
func (c *Coordinator) stepTimeout(ctx context.Context, inst *saga.Instance, st *saga.Type) {
	now := c.now()
	expected := inst.Version
	pending := *inst.Pending
	def := st.Steps[pending.Index]

	if len(inst.Unsent) > 0 {
		inst.Pending.Deadline = now.Add(st.StepTimeout(pending.Index))
		if err := c.store.Update(ctx, inst.ID, expected, inst); err != nil {
			return
		}
		c.log.Warn("re-emitting undelivered events",
			"saga_id", inst.ID, "step", pending.Name, "count", len(inst.Unsent))
		c.redeliver(ctx, inst)
		c.armPending(inst)
		c.notifyObservers(inst)
		return
	}

	c.metrics.RecordTimeoutFired(st.Name, pending.Name)
	c.logEntry(sagalog.Entry{
		Level: sagalog.LevelWarn, Kind: sagalog.KindTimeoutFired,
		SagaID: inst.ID, PartnerID: inst.PartnerID, StepName: pending.Name,
	})

	if pending.Attempts < def.Retries {
		inst.Pending.Attempts++
		inst.Pending.Deadline = now.Add(st.StepTimeout(pending.Index))
		if err := c.store.Update(ctx, inst.ID, expected, inst); err != nil {
			return // an event won the race
		}
		c.log.Warn("step timed out, re-emitting trigger",
			"saga_id", inst.ID, "step", pending.Name, "attempt", inst.Pending.Attempts)
		c.emitTracked(ctx, inst, def.TriggerEvent, nil)
		c.armPending(inst)
		c.notifyObservers(inst)
		return
	}

	inst.MarkStepFailed(pending.Name, "StepTimeout", "step deadline exceeded")
	inst.Reason = fmt.Sprintf("step %s timed out", pending.Name)
	plan, err := c.beginCompensation(inst, st)
	if err != nil {
		c.log.Error("compensation on timeout failed", "saga_id", inst.ID, "error", err)
		return
	}
	if err := c.store.Update(ctx, inst.ID, expected, inst); err != nil {
		return
	}

	c.auditAppend(ctx, audit.Record{
		SagaID: inst.ID, PartnerID: inst.PartnerID,
		Kind: audit.KindStepFailure, StepName: pending.Name,
		Payload:    map[string]any{"reason": "timeout_fired"},
		DurationMS: now.Sub(pending.StartedAt).Milliseconds(), At: now,
	})
	c.logEntry(sagalog.Entry{
		Level: sagalog.LevelWarn, Kind: sagalog.KindSagaCompensationStart,
		SagaID: inst.ID, PartnerID: inst.PartnerID,
		Message: inst.Reason,
	})
	c.metrics.RecordStepOutcome(st.Name, pending.Name, "timeout", now.Sub(pending.StartedAt))

	c.wheel.Cancel(inst.ID)
	c.compensationEffects(ctx, inst, st, plan, nil)
	c.notifyObservers(inst)
}

// compensationTimeout treats a missing compensation ack as ack-with-warning
// and continues the reverse walk. When the compensation command itself never
// reached the broker there is nothing to acknowledge yet: the command is
// re-emitted and the wait restarts.
func (c *Coordinator) compensationTimeout(ctx context.Context, inst *saga.Instance, st *saga.Type) {
	expected := inst.Version
	stepName := inst.Pending.Name

	if len(inst.Unsent) > 0 {
		inst.Pending.Deadline = c.now().Add(st.StepTimeout(inst.Pending.Index))
		if err := c.store.Update(ctx, inst.ID, expected, inst); err != nil {
			return
		}
		c.log.Warn("re-emitting undelivered compensation events",
			"saga_id", inst.ID, "step", stepName, "count", len(inst.Unsent))
		c.redeliver(ctx, inst)
		c.armPending(inst)
		return
	}

	c.logEntry(sagalog.Entry{
		Level: sagalog.LevelWarn, Kind: sagalog.KindTimeoutFired,
		SagaID: inst.ID, PartnerID: inst.PartnerID, StepName: stepName,
		Message: "compensation ack timed out, treated as acknowledged",
	})
	c.metrics.RecordTimeoutFired(st.Name, stepName)

	inst.MarkStepCompensated(stepName)
	inst.CompensationIndex--
	inst.Pending = nil
	plan, err := c.continueCompensation(inst, st)
	if err != nil {
		c.log.Error("compensation walk failed", "saga_id", inst.ID, "error", err)
		return
	}
	if err := c.store.Update(ctx, inst.ID, expected, inst); err != nil {
		return
	}

	c.compensationEffects(ctx, inst, st, plan, nil)
	c.notifyObservers(inst)
}

// compensateOnWorker handles a manual compensation request on the saga's
// worker.
func (c *Coordinator) compensateOnWorker(ctx context.Context, sagaID, reason string) error {
	inst, err := c.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if inst.Status == saga.StatusCompensating {
		return nil // idempotent
	}
	if inst.Status != saga.StatusInProgress {
		return fmt.Errorf("%w: compensate requires an in-progress saga, status is %s",
			saga.ErrUnexpectedTransition, inst.Status)
	}
	st, ok := c.types[inst.Type]
	if !ok {
		return fmt.Errorf("%w: saga type %s not registered", saga.ErrFatal, inst.Type)
	}

	expected := inst.Version
	failedStep := ""
	if inst.Pending != nil {
		failedStep = inst.Pending.Name
	}
	inst.MarkStepFailed(failedStep, "ManualCompensation", reason)
	inst.Reason = reason
	plan, err := c.beginCompensation(inst, st)
	if err != nil {
		return err
	}
	if err := c.store.Update(ctx, sagaID, expected, inst); err != nil {
		return err
	}

	c.auditAppend(ctx, audit.Record{
		SagaID: inst.ID, PartnerID: inst.PartnerID,
		Kind: audit.KindStepFailure, StepName: failedStep,
		Payload: map[string]any{"reason": "manual_compensation", "detail": reason},
		At:      c.now(),
	})
	c.logEntry(sagalog.Entry{
		Level: sagalog.LevelWarn, Kind: sagalog.KindSagaCompensationStart,
		SagaID: inst.ID, PartnerID: inst.PartnerID,
		Message: reason,
	})

	c.wheel.Cancel(inst.ID)
	c.compensationEffects(ctx, inst, st, plan, nil)
	c.notifyObservers(inst)
	return nil
}
