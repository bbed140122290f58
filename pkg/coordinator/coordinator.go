// Package coordinator drives saga instances through their step sequences:
// it reacts to incoming events, enforces step timeouts, walks compensation
// in reverse on failure, and keeps the audit trail, saga log, and metrics
// in step with every transition.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/partnerflow/partnerflow/pkg/audit"
	"github.com/partnerflow/partnerflow/pkg/broker"
	"github.com/partnerflow/partnerflow/pkg/envelope"
	"github.com/partnerflow/partnerflow/pkg/logger"
	"github.com/partnerflow/partnerflow/pkg/metrics"
	"github.com/partnerflow/partnerflow/pkg/saga"
	"github.com/partnerflow/partnerflow/pkg/sagalog"
	"github.com/partnerflow/partnerflow/pkg/store"
)

const casRetries = 3

// Publisher publishes envelopes to the broker.
type Publisher interface {
	Publish(ctx context.Context, env envelope.Envelope) error
}

// Enricher fills outgoing event payloads with the domain fields external
// services require.
type Enricher interface {
	OutboundPayload(inst *saga.Instance, eventType string) map[string]any
}

type passthroughEnricher struct{}

func (passthroughEnricher) OutboundPayload(inst *saga.Instance, _ string) map[string]any {
	payload := make(map[string]any, len(inst.InitialPayload))
	for k, v := range inst.InitialPayload {
		payload[k] = v
	}
	return payload
}

// Observer receives a snapshot after every persisted state change.
type Observer func(inst *saga.Instance)

// Options configures a Coordinator.
type Options struct {
	Types     []*saga.Type
	Store     *store.MemoryStore
	Publisher Publisher

	Audit      *audit.Trail
	SagaLog    *sagalog.Log
	Metrics    *metrics.Manager
	Aggregator *metrics.Aggregator
	Enricher   Enricher

	// Source names this service in emitted envelopes.
	Source string

	Workers           int
	QueueSize         int
	IdempotencyWindow int

	WheelTick  time.Duration
	WheelSlots int

	Now    func() time.Time
	Logger logger.Logger
}

// Coordinator is the saga execution core. All mutation of a saga happens on
// its hashed worker; cross-saga work proceeds in parallel.
type Coordinator struct {
	types     map[string]*saga.Type
	store     *store.MemoryStore
	publisher Publisher

	trail   *audit.Trail
	sagaLog *sagalog.Log
	metrics *metrics.Manager
	agg     *metrics.Aggregator
	enrich  Enricher

	pool  *workerPool
	wheel *Wheel

	correlations sync.Map // correlation_id -> saga_id

	obsMu     sync.RWMutex
	observers []Observer

	source string
	window int
	now    func() time.Time
	log    logger.Logger
}

// New creates a coordinator. A malformed saga type is fatal: the
// coordinator refuses to start.
func New(options Options) (*Coordinator, error) {
	if options.Store == nil {
		return nil, fmt.Errorf("coordinator: store is required")
	}
	if options.Publisher == nil {
		return nil, fmt.Errorf("coordinator: publisher is required")
	}
	if len(options.Types) == 0 {
		return nil, fmt.Errorf("%w: no saga types registered", saga.ErrFatal)
	}

	types := make(map[string]*saga.Type, len(options.Types))
	for _, st := range options.Types {
		if err := st.Validate(); err != nil {
			return nil, err
		}
		if _, dup := types[st.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate saga type %s", saga.ErrFatal, st.Name)
		}
		types[st.Name] = st
	}

	if options.Enricher == nil {
		options.Enricher = passthroughEnricher{}
	}
	if options.Metrics == nil {
		options.Metrics = metrics.NoOpManager()
	}
	if options.Source == "" {
		options.Source = "saga-coordinator"
	}
	if options.IdempotencyWindow <= 0 {
		options.IdempotencyWindow = saga.DefaultIdempotencyWindow
	}
	if options.Now == nil {
		options.Now = func() time.Time { return time.Now().UTC() }
	}
	log := options.Logger
	if log == nil {
		log = logger.Global()
	}

	c := &Coordinator{
		types:     types,
		store:     options.Store,
		publisher: options.Publisher,
		trail:     options.Audit,
		sagaLog:   options.SagaLog,
		metrics:   options.Metrics,
		agg:       options.Aggregator,
		enrich:    options.Enricher,
		pool:      newWorkerPool(options.Workers, options.QueueSize),
		source:    options.Source,
		window:    options.IdempotencyWindow,
		now:       options.Now,
		log:       log,
	}
	c.wheel = NewWheel(options.WheelTick, options.WheelSlots, c.now, c.onTimeoutFired)
	return c, nil
}

// Run ticks the timeout wheel until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	c.wheel.Run(ctx)
}

// Wheel exposes the timeout wheel for manual advancement in tests.
func (c *Coordinator) Wheel() *Wheel {
	return c.wheel
}

// RegisterObserver adds a callback invoked with a snapshot after every
// persisted state change. Callbacks must not block.
func (c *Coordinator) RegisterObserver(fn Observer) {
	if fn == nil {
		return
	}
	c.obsMu.Lock()
	c.observers = append(c.observers, fn)
	c.obsMu.Unlock()
}

func (c *Coordinator) notifyObservers(inst *saga.Instance) {
	c.obsMu.RLock()
	observers := c.observers
	c.obsMu.RUnlock()
	for _, fn := range observers {
		fn(inst.Clone())
	}
}

// Start creates a saga, emits the first step's trigger, and returns the new
// saga id. The terminal state is discovered later via Status.
func (c *Coordinator) Start(ctx context.Context, sagaType, partnerID, correlationID string, payload map[string]any) (string, error) {
	st, ok := c.types[sagaType]
	if !ok {
		return "", fmt.Errorf("%w: %s", saga.ErrUnknownSaga, sagaType)
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	sagaID := uuid.NewString()
	inst := saga.NewInstance(sagaID, st, partnerID, correlationID, payload)
	if err := c.store.Create(ctx, inst); err != nil {
		return "", err
	}
	c.correlations.Store(correlationID, sagaID)

	now := c.now()
	c.auditAppend(ctx, audit.Record{
		SagaID:    sagaID,
		PartnerID: partnerID,
		Kind:      audit.KindSagaStart,
		SagaType:  sagaType,
		Payload:   map[string]any{"correlation_id": correlationID},
		At:        now,
	})
	c.logEntry(sagalog.Entry{
		Level: sagalog.LevelInfo, Kind: sagalog.KindSagaStarted,
		SagaID: sagaID, PartnerID: partnerID,
		Message: "saga started",
	})
	c.metrics.RecordSagaStarted(sagaType)
	if c.agg != nil {
		c.agg.OnSagaStarted(sagaType)
	}

	first := st.Steps[0]
	if err := inst.TransitionTo(saga.StatusInProgress); err != nil {
		return "", err
	}
	inst.Pending = &saga.PendingStep{
		Name:      first.Name,
		Index:     0,
		StartedAt: now,
		Deadline:  now.Add(st.StepTimeout(0)),
	}
	if err := c.store.Update(ctx, sagaID, 1, inst); err != nil {
		return "", err
	}

	c.auditAppend(ctx, audit.Record{
		SagaID: sagaID, PartnerID: partnerID,
		Kind: audit.KindStepStart, StepName: first.Name, At: now,
	})
	c.logEntry(sagalog.Entry{
		Level: sagalog.LevelInfo, Kind: sagalog.KindStepStarted,
		SagaID: sagaID, PartnerID: partnerID, StepName: first.Name,
	})

	c.emitTracked(ctx, inst, first.TriggerEvent, nil)
	c.armPending(inst)
	c.notifyObservers(inst)
	return sagaID, nil
}

// HandleEvent is the broker handler: it routes the envelope to the saga's
// worker and waits for the dispatch outcome.
func (c *Coordinator) HandleEvent(ctx context.Context, env envelope.Envelope) broker.Result {
	sagaID := env.SagaID
	if sagaID == "" {
		if v, ok := c.correlations.Load(env.CorrelationID); ok {
			sagaID = v.(string)
		}
	}
	if sagaID == "" {
		// Not a saga this coordinator owns.
		c.log.Debug("event without owning saga",
			"event_type", env.EventType, "correlation_id", env.CorrelationID)
		c.metrics.RecordDispatch("ignored")
		return broker.Ack
	}

	results := make(chan broker.Result, 1)
	if !c.pool.Submit(sagaID, func() {
		results <- c.dispatch(ctx, sagaID, env)
	}) {
		return broker.Nack
	}
	select {
	case result := <-results:
		return result
	case <-ctx.Done():
		return broker.Nack
	}
}

// Compensate requests manual compensation. Valid only while the saga is in
// progress; repeating it on an already-compensating saga is a no-op.
func (c *Coordinator) Compensate(ctx context.Context, sagaID, reason string) error {
	errs := make(chan error, 1)
	if !c.pool.Submit(sagaID, func() {
		errs <- c.compensateOnWorker(ctx, sagaID, reason)
	}) {
		return fmt.Errorf("coordinator: shutting down")
	}
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the saga.
func (c *Coordinator) Status(ctx context.Context, sagaID string) (*saga.Instance, error) {
	return c.store.Get(ctx, sagaID)
}

// List returns saga snapshots matching the filter.
func (c *Coordinator) List(ctx context.Context, filter store.Filter) ([]*saga.Instance, error) {
	return c.store.List(ctx, filter)
}

// Rehydrate loads snapshotted sagas after a restart, restores the
// correlation map, and re-arms timeouts for pending steps. Deadlines that
// passed while the coordinator was down fire on the next tick.
func (c *Coordinator) Rehydrate(ctx context.Context) error {
	nonTerminal, err := c.store.Rehydrate(ctx)
	if err != nil {
		return err
	}
	for _, inst := range nonTerminal {
		if inst.CorrelationID != "" {
			c.correlations.Store(inst.CorrelationID, inst.ID)
		}
		if inst.Pending != nil {
			c.armPending(inst)
		}
	}
	if len(nonTerminal) > 0 {
		c.log.Info("re-armed timeouts for rehydrated sagas", "count", len(nonTerminal))
	}
	return nil
}

// Close drains in-flight dispatches and stops the workers. The timeout
// wheel stops when the Run context is cancelled.
func (c *Coordinator) Close() {
	c.pool.Close()
}

func (c *Coordinator) onTimeoutFired(entry TimeoutEntry) {
	c.pool.Submit(entry.SagaID, func() {
		c.dispatchTimeout(context.Background(), entry)
	})
}

func (c *Coordinator) armPending(inst *saga.Instance) {
	if inst.Pending == nil {
		return
	}
	c.wheel.Arm(TimeoutEntry{
		SagaID:       inst.ID,
		Step:         inst.Pending.Name,
		StepIndex:    inst.Pending.Index,
		Version:      inst.Version,
		Deadline:     inst.Pending.Deadline,
		Compensating: inst.Pending.Compensating,
	})
}

// emit builds and publishes an outgoing event, recording it in the audit
// trail on success. A malformed envelope is logged and dropped; a publish
// failure is returned so the caller can record the event for redelivery.
func (c *Coordinator) emit(ctx context.Context, inst *saga.Instance, eventType string, causedBy *envelope.Envelope) error {
	payload := c.enrich.OutboundPayload(inst, eventType)
	var input envelope.BuildInput
	if causedBy != nil {
		input = envelope.CausedBy(*causedBy, eventType, c.source, payload)
	} else {
		input = envelope.BuildInput{
			EventType:     eventType,
			CorrelationID: inst.CorrelationID,
			Source:        c.source,
			Payload:       payload,
		}
	}
	input.SagaID = inst.ID

	env, err := envelope.Build(input)
	if err != nil {
		c.log.Error("failed to build envelope", "event_type", eventType, "saga_id", inst.ID, "error", err)
		return nil
	}
	if err := c.publisher.Publish(ctx, env); err != nil {
		c.log.Error("publish failed, recording event for redelivery",
			"event_type", eventType, "saga_id", inst.ID, "error", err)
		c.logEntry(sagalog.Entry{
			Level: sagalog.LevelCritical, Kind: sagalog.KindEventProcessed,
			SagaID: inst.ID, PartnerID: inst.PartnerID, EventType: eventType,
			Message: "publish failed after retries",
		})
		return err
	}
	c.auditAppend(ctx, audit.Record{
		SagaID: inst.ID, PartnerID: inst.PartnerID,
		Kind: audit.KindEventOut, EventType: eventType, At: c.now(),
	})
	if c.agg != nil {
		c.agg.OnEventDispatched()
	}
	return nil
}

// emitTracked emits an event and, when the publish fails, persists it on the
// instance's unsent list so the saga does not advance past an event the
// broker never saw.
func (c *Coordinator) emitTracked(ctx context.Context, inst *saga.Instance, eventType string, causedBy *envelope.Envelope) {
	if c.emit(ctx, inst, eventType, causedBy) == nil {
		return
	}
	inst.MarkUnsent(eventType)
	if err := c.store.Update(ctx, inst.ID, inst.Version, inst); err != nil {
		c.log.Error("failed to persist unsent event",
			"event_type", eventType, "saga_id", inst.ID, "error", err)
	}
}

// redeliver re-emits the instance's unsent events, clearing the ones that
// reach the broker.
func (c *Coordinator) redeliver(ctx context.Context, inst *saga.Instance) {
	pending := append([]string(nil), inst.Unsent...)
	cleared := false
	for _, eventType := range pending {
		if c.emit(ctx, inst, eventType, nil) != nil {
			continue
		}
		inst.ClearUnsent(eventType)
		cleared = true
	}
	if cleared {
		if err := c.store.Update(ctx, inst.ID, inst.Version, inst); err != nil {
			c.log.Error("failed to persist redelivery", "saga_id", inst.ID, "error", err)
		}
	}
}

// redeliverAfter paces re-emission attempts for sagas with no pending step
// deadline left to piggyback on.
const redeliverAfter = 5 * time.Second

func (c *Coordinator) armRedelivery(inst *saga.Instance) {
	c.wheel.Arm(TimeoutEntry{
		SagaID:     inst.ID,
		Version:    inst.Version,
		Deadline:   c.now().Add(redeliverAfter),
		Redelivery: true,
	})
}

func (c *Coordinator) auditAppend(ctx context.Context, record audit.Record) {
	if c.trail == nil {
		return
	}
	if err := c.trail.Append(ctx, record); err != nil {
		c.log.Error("audit append failed", "saga_id", record.SagaID, "kind", string(record.Kind), "error", err)
	}
}

func (c *Coordinator) logEntry(entry sagalog.Entry) {
	if c.sagaLog == nil {
		return
	}
	c.sagaLog.Append(entry)
}
