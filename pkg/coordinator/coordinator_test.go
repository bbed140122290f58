package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partnerflow/partnerflow/pkg/audit"
	"github.com/partnerflow/partnerflow/pkg/broker"
	"github.com/partnerflow/partnerflow/pkg/envelope"
	"github.com/partnerflow/partnerflow/pkg/logger"
	"github.com/partnerflow/partnerflow/pkg/onboarding"
	"github.com/partnerflow/partnerflow/pkg/saga"
	"github.com/partnerflow/partnerflow/pkg/store"
)

type capturePublisher struct {
	mu   sync.Mutex
	envs []envelope.Envelope
	err  error
}

func (p *capturePublisher) Publish(_ context.Context, env envelope.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.envs = append(p.envs, env)
	return nil
}

func (p *capturePublisher) failWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *capturePublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.envs))
	for _, env := range p.envs {
		types = append(types, env.EventType)
	}
	return types
}

func (p *capturePublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, env := range p.envs {
		if env.EventType == eventType {
			n++
		}
	}
	return n
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	coord *Coordinator
	pub   *capturePublisher
	store *store.MemoryStore
	trail *audit.Trail
	clock *testClock
	db    *badger.DB
}

func newTestEnv(t *testing.T, types ...*saga.Type) *testEnv {
	t.Helper()

	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return newTestEnvWithDB(t, db, types...)
}

func newTestEnvWithDB(t *testing.T, db *badger.DB, types ...*saga.Type) *testEnv {
	t.Helper()
	if len(types) == 0 {
		types = []*saga.Type{onboarding.SagaType(onboarding.StepTimeouts{})}
	}

	snapshots, err := store.NewBadgerSnapshots(db)
	require.NoError(t, err)
	st := store.NewMemoryStore(snapshots, nil)

	trail, err := audit.New(db, audit.Options{Fsync: audit.FsyncNever})
	require.NoError(t, err)
	t.Cleanup(func() { trail.Close() })

	pub := &capturePublisher{}
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	coord, err := New(Options{
		Types:     types,
		Store:     st,
		Publisher: pub,
		Audit:     trail,
		Enricher:  onboarding.Enricher{},
		Source:    "saga-coordinator",
		Workers:   2,
		WheelTick: time.Second,
		Now:       clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)

	return &testEnv{coord: coord, pub: pub, store: st, trail: trail, clock: clock, db: db}
}

func (e *testEnv) deliver(t *testing.T, sagaID, eventType string) broker.Result {
	t.Helper()
	env, err := envelope.Build(envelope.BuildInput{
		EventType:     eventType,
		SagaID:        sagaID,
		CorrelationID: "corr-1",
		Source:        "test-service",
		Payload:       map[string]any{},
	})
	require.NoError(t, err)
	return e.coord.HandleEvent(context.Background(), env)
}

func (e *testEnv) status(t *testing.T, sagaID string) *saga.Instance {
	t.Helper()
	inst, err := e.coord.Status(context.Background(), sagaID)
	require.NoError(t, err)
	return inst
}

func (e *testEnv) statusIs(sagaID string, want saga.Status) func() bool {
	return func() bool {
		inst, err := e.coord.Status(context.Background(), sagaID)
		return err == nil && inst.Status == want
	}
}

func startPayload() map[string]any {
	return map[string]any{"nombre": "Acme", "email": "a@acme.test"}
}

func TestHappyPath(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	sagaID, err := e.coord.Start(ctx, onboarding.TypeName, "p1", "corr-1", startPayload())
	require.NoError(t, err)

	inst := e.status(t, sagaID)
	assert.Equal(t, saga.StatusInProgress, inst.Status)
	require.NotNil(t, inst.Pending)
	assert.Equal(t, onboarding.StepPartnerRegistration, inst.Pending.Name)

	for _, eventType := range []string{
		onboarding.EventRegistrationCompleted,
		onboarding.EventContractCreated,
		onboarding.EventDocumentsVerified,
		onboarding.EventCampaignsEnabled,
		onboarding.EventRecruitmentCompleted,
	} {
		assert.Equal(t, broker.Ack, e.deliver(t, sagaID, eventType))
	}

	inst = e.status(t, sagaID)
	assert.Equal(t, saga.StatusCompleted, inst.Status)
	assert.Nil(t, inst.Pending)
	assert.Empty(t, inst.FailedSteps)
	require.Len(t, inst.CompletedSteps, 5)
	wantSteps := []string{
		onboarding.StepPartnerRegistration,
		onboarding.StepContractCreation,
		onboarding.StepDocumentVerification,
		onboarding.StepCampaignEnablement,
		onboarding.StepRecruitmentSetup,
	}
	for i, record := range inst.CompletedSteps {
		assert.Equal(t, wantSteps[i], record.Name)
		assert.Equal(t, saga.StepOutcomeSuccess, record.Outcome)
	}

	assert.Equal(t, []string{
		onboarding.EventOnboardingInitiated,
		onboarding.EventContractRequested,
		onboarding.EventDocumentsRequested,
		onboarding.EventCampaignsRequested,
		onboarding.EventRecruitmentRequested,
		onboarding.EventOnboardingCompleted,
	}, e.pub.eventTypes())

	// Outgoing events carry the enriched partner identity.
	assert.Equal(t, "p1", e.pub.envs[1].Payload["partner_id"])

	records, err := e.trail.Records(ctx, sagaID)
	require.NoError(t, err)
	counts := map[audit.Kind]int{}
	for _, record := range records {
		counts[record.Kind]++
	}
	assert.Equal(t, 1, counts[audit.KindSagaStart])
	assert.Equal(t, 5, counts[audit.KindStepStart])
	assert.Equal(t, 5, counts[audit.KindStepSuccess])
	assert.Equal(t, 1, counts[audit.KindSagaEnd])

	timeline, err := e.trail.Timeline(ctx, sagaID)
	require.NoError(t, err)
	assert.Equal(t, "completed", timeline.Status)
	assert.Len(t, timeline.Steps, 5)
}

func TestFailureTriggersReverseCompensation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	sagaID, err := e.coord.Start(ctx, onboarding.TypeName, "p1", "corr-1", startPayload())
	require.NoError(t, err)

	e.deliver(t, sagaID, onboarding.EventRegistrationCompleted)
	e.deliver(t, sagaID, onboarding.EventContractCreated)
	assert.Equal(t, broker.Ack, e.deliver(t, sagaID, onboarding.EventDocumentVerificationFailed))

	inst := e.status(t, sagaID)
	assert.Equal(t, saga.StatusCompensated, inst.Status)
	require.Len(t, inst.FailedSteps, 1)
	assert.Equal(t, onboarding.StepDocumentVerification, inst.FailedSteps[0].Step)
	require.Len(t, inst.CompletedSteps, 2)
	assert.False(t, inst.CompletedSteps[0].CompletedAt.IsZero())

	// The failed step is never compensated; completed steps are, in
	// reverse order, followed by the terminal notification.
	assert.Equal(t, []string{
		onboarding.EventOnboardingInitiated,
		onboarding.EventContractRequested,
		onboarding.EventDocumentsRequested,
		onboarding.EventContractCancelled,
		onboarding.EventRegistrationReverted,
		onboarding.EventOnboardingCompensated,
	}, e.pub.eventTypes())
	assert.Equal(t, 0, e.pub.count(onboarding.EventDocumentsInvalidated))
}

func TestStepTimeoutCompensates(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	sagaID, err := e.coord.Start(ctx, onboarding.TypeName, "p1", "corr-1", startPayload())
	require.NoError(t, err)
	e.deliver(t, sagaID, onboarding.EventRegistrationCompleted)

	inst := e.status(t, sagaID)
	require.NotNil(t, inst.Pending)
	assert.Equal(t, onboarding.StepContractCreation, inst.Pending.Name)

	// Push the wheel past the 30 s contract_creation deadline.
	e.coord.Wheel().Advance(40)

	require.Eventually(t, e.statusIs(sagaID, saga.StatusCompensated), 2*time.Second, 10*time.Millisecond)

	inst = e.status(t, sagaID)
	require.Len(t, inst.FailedSteps, 1)
	assert.Equal(t, onboarding.StepContractCreation, inst.FailedSteps[0].Step)
	assert.Equal(t, "StepTimeout", inst.FailedSteps[0].ErrorKind)
	assert.Equal(t, 1, e.pub.count(onboarding.EventRegistrationReverted))
	assert.Equal(t, 1, e.pub.count(onboarding.EventOnboardingCompensated))

	records, err := e.trail.Records(ctx, sagaID)
	require.NoError(t, err)
	var timeoutRecorded bool
	for _, record := range records {
		if record.Kind == audit.KindStepFailure && record.StepName == onboarding.StepContractCreation {
			assert.Equal(t, "timeout_fired", record.Payload["reason"])
			timeoutRecorded = true
		}
	}
	assert.True(t, timeoutRecorded, "timeout must appear in the audit timeline")
}

func TestPublishFailureKeepsSagaInStep(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	sagaID, err := e.coord.Start(ctx, onboarding.TypeName, "p1", "corr-1", startPayload())
	require.NoError(t, err)

	// The broker goes down before the next step's trigger is published.
	e.pub.failWith(saga.ErrBrokerUnavailable)
	assert.Equal(t, broker.Ack, e.deliver(t, sagaID, onboarding.EventRegistrationCompleted))

	inst := e.status(t, sagaID)
	assert.Equal(t, saga.StatusInProgress, inst.Status)
	require.NotNil(t, inst.Pending)
	assert.Equal(t, onboarding.StepContractCreation, inst.Pending.Name)
	assert.Equal(t, []string{onboarding.EventContractRequested}, inst.Unsent)
	assert.Equal(t, 0, e.pub.count(onboarding.EventContractRequested))

	// The step deadline fires while the trigger is still undelivered: the
	// saga stays in the step and re-emits instead of compensating.
	e.pub.failWith(nil)
	e.coord.Wheel().Advance(40)

	require.Eventually(t, func() bool {
		return e.pub.count(onboarding.EventContractRequested) == 1
	}, 2*time.Second, 10*time.Millisecond)

	inst = e.status(t, sagaID)
	assert.Equal(t, saga.StatusInProgress, inst.Status)
	require.NotNil(t, inst.Pending)
	assert.Equal(t, onboarding.StepContractCreation, inst.Pending.Name)
	assert.Empty(t, inst.Unsent)
	assert.Empty(t, inst.FailedSteps)

	// The saga resumes normally once the service answers.
	assert.Equal(t, broker.Ack, e.deliver(t, sagaID, onboarding.EventContractCreated))
	inst = e.status(t, sagaID)
	require.NotNil(t, inst.Pending)
	assert.Equal(t, onboarding.StepDocumentVerification, inst.Pending.Name)
}

func TestPublishFailureTerminalEventRedelivered(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	sagaID, err := e.coord.Start(ctx, onboarding.TypeName, "p1", "corr-1", startPayload())
	require.NoError(t, err)
	for _, eventType := range []string{
		onboarding.EventRegistrationCompleted,
		onboarding.EventContractCreated,
		onboarding.EventDocumentsVerified,
		onboarding.EventCampaignsEnabled,
	} {
		e.deliver(t, sagaID, eventType)
	}

	// The broker drops out just as the saga completes: the terminal
	// notification cannot be published.
	e.pub.failWith(saga.ErrBrokerUnavailable)
	assert.Equal(t, broker.Ack, e.deliver(t, sagaID, onboarding.EventRecruitmentCompleted))

	inst := e.status(t, sagaID)
	assert.Equal(t, saga.StatusCompleted, inst.Status)
	assert.Equal(t, []string{onboarding.EventOnboardingCompleted}, inst.Unsent)
	assert.Equal(t, 0, e.pub.count(onboarding.EventOnboardingCompleted))

	e.pub.failWith(nil)
	e.coord.Wheel().Advance(10)

	require.Eventually(t, func() bool {
		return e.pub.count(onboarding.EventOnboardingCompleted) == 1
	}, 2*time.Second, 10*time.Millisecond)

	inst = e.status(t, sagaID)
	assert.Equal(t, saga.StatusCompleted, inst.Status)
	assert.Empty(t, inst.Unsent)
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	sagaID, err := e.coord.Start(ctx, onboarding.TypeName, "p1", "corr-1", startPayload())
	require.NoError(t, err)

	env, err := envelope.Build(envelope.BuildInput{
		EventType:     onboarding.EventRegistrationCompleted,
		SagaID:        sagaID,
		CorrelationID: "corr-1",
		Source:        "partner-service",
	})
	require.NoError(t, err)

	assert.Equal(t, broker.Ack, e.coord.HandleEvent(ctx, env))
	before := e.status(t, sagaID)

	// Same event_id again: acked, no state change, nothing re-emitted.
	assert.Equal(t, broker.Ack, e.coord.HandleEvent(ctx, env))
	after := e.status(t, sagaID)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, 1, e.pub.count(onboarding.EventContractRequested))

	records, err := e.trail.Records(ctx, sagaID)
	require.NoError(t, err)
	successes := 0
	for _, record := range records {
		if record.Kind == audit.KindStepSuccess && record.StepName == onboarding.StepPartnerRegistration {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
}

func TestRestartMidSaga(t *testing.T) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := newTestEnvWithDB(t, db)
	ctx := context.Background()

	sagaID, err := e.coord.Start(ctx, onboarding.TypeName, "p1", "corr-1", startPayload())
	require.NoError(t, err)
	e.deliver(t, sagaID, onboarding.EventRegistrationCompleted)
	e.deliver(t, sagaID, onboarding.EventContractCreated)
	persisted := e.status(t, sagaID)
	e.coord.Close()

	// A fresh coordinator over the same durable state.
	restarted := newTestEnvWithDB(t, db)
	require.NoError(t, restarted.coord.Rehydrate(ctx))

	inst := restarted.status(t, sagaID)
	assert.Equal(t, persisted.Version, inst.Version)
	require.NotNil(t, inst.Pending)
	assert.Equal(t, onboarding.StepDocumentVerification, inst.Pending.Name)
	assert.True(t, restarted.coord.Wheel().Armed(sagaID), "pending step deadline is re-armed")

	restarted.deliver(t, sagaID, onboarding.EventDocumentsVerified)
	restarted.deliver(t, sagaID, onboarding.EventCampaignsEnabled)
	restarted.deliver(t, sagaID, onboarding.EventRecruitmentCompleted)

	inst = restarted.status(t, sagaID)
	assert.Equal(t, saga.StatusCompleted, inst.Status)
	assert.Greater(t, inst.Version, persisted.Version)
}

func TestOutOfOrderSuccessEvents(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	sagaID, err := e.coord.Start(ctx, onboarding.TypeName, "p1", "corr-1", startPayload())
	require.NoError(t, err)

	early, err := envelope.Build(envelope.BuildInput{
		EventType:     onboarding.EventContractCreated,
		SagaID:        sagaID,
		CorrelationID: "corr-1",
		Source:        "contract-service",
	})
	require.NoError(t, err)

	// Step-2 success before step 1 completes: warned and acked, no change.
	before := e.status(t, sagaID)
	assert.Equal(t, broker.Ack, e.coord.HandleEvent(ctx, early))
	assert.Equal(t, before.Version, e.status(t, sagaID).Version)

	e.deliver(t, sagaID, onboarding.EventRegistrationCompleted)

	// Broker redelivery of the same envelope now advances step 2.
	assert.Equal(t, broker.Ack, e.coord.HandleEvent(ctx, early))
	inst := e.status(t, sagaID)
	require.NotNil(t, inst.Pending)
	assert.Equal(t, onboarding.StepDocumentVerification, inst.Pending.Name)
}

func TestManualCompensate(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	sagaID, err := e.coord.Start(ctx, onboarding.TypeName, "p1", "corr-1", startPayload())
	require.NoError(t, err)
	e.deliver(t, sagaID, onboarding.EventRegistrationCompleted)

	require.NoError(t, e.coord.Compensate(ctx, sagaID, "operator requested rollback"))
	inst := e.status(t, sagaID)
	assert.Equal(t, saga.StatusCompensated, inst.Status)
	assert.Equal(t, "operator requested rollback", inst.Reason)
	assert.Equal(t, 1, e.pub.count(onboarding.EventRegistrationReverted))

	// Re-issuing on a saga that is no longer in progress: the first call
	// completed compensation synchronously, so this reports the state.
	err = e.coord.Compensate(ctx, sagaID, "again")
	assert.ErrorIs(t, err, saga.ErrUnexpectedTransition)
}

func TestCompensationAckFlow(t *testing.T) {
	ackType := &saga.Type{
		Name:               "acked_flow",
		DefaultStepTimeout: 10 * time.Second,
		CompensatedEvent:   "AckedFlowCompensated",
		Steps: []saga.StepDef{
			{
				Name:                  "reserve",
				TriggerEvent:          "ReserveRequested",
				SuccessEvents:         []string{"Reserved"},
				FailureEvents:         []string{"ReserveFailed"},
				CompensationEvent:     "ReleaseRequested",
				CompensationAckEvents: []string{"Released"},
			},
			{
				Name:          "commit",
				TriggerEvent:  "CommitRequested",
				SuccessEvents: []string{"Committed"},
				FailureEvents: []string{"CommitFailed"},
			},
		},
	}
	e := newTestEnv(t, ackType)
	ctx := context.Background()

	sagaID, err := e.coord.Start(ctx, "acked_flow", "p1", "corr-1", nil)
	require.NoError(t, err)
	e.deliver(t, sagaID, "Reserved")
	e.deliver(t, sagaID, "CommitFailed")

	// The walk stops at the reserve step awaiting its ack.
	inst := e.status(t, sagaID)
	assert.Equal(t, saga.StatusCompensating, inst.Status)
	require.NotNil(t, inst.Pending)
	assert.True(t, inst.Pending.Compensating)
	assert.Equal(t, "reserve", inst.Pending.Name)
	assert.Equal(t, 1, e.pub.count("ReleaseRequested"))

	assert.Equal(t, broker.Ack, e.deliver(t, sagaID, "Released"))
	inst = e.status(t, sagaID)
	assert.Equal(t, saga.StatusCompensated, inst.Status)
	assert.Equal(t, 1, e.pub.count("AckedFlowCompensated"))
}

func TestCompensationAckTimeoutIsAckWithWarning(t *testing.T) {
	ackType := &saga.Type{
		Name:               "acked_flow",
		DefaultStepTimeout: 10 * time.Second,
		CompensatedEvent:   "AckedFlowCompensated",
		Steps: []saga.StepDef{
			{
				Name:                  "reserve",
				TriggerEvent:          "ReserveRequested",
				SuccessEvents:         []string{"Reserved"},
				FailureEvents:         []string{"ReserveFailed"},
				CompensationEvent:     "ReleaseRequested",
				CompensationAckEvents: []string{"Released"},
			},
			{
				Name:          "commit",
				TriggerEvent:  "CommitRequested",
				SuccessEvents: []string{"Committed"},
				FailureEvents: []string{"CommitFailed"},
			},
		},
	}
	e := newTestEnv(t, ackType)
	ctx := context.Background()

	sagaID, err := e.coord.Start(ctx, "acked_flow", "p1", "corr-1", nil)
	require.NoError(t, err)
	e.deliver(t, sagaID, "Reserved")
	e.deliver(t, sagaID, "CommitFailed")
	require.Equal(t, saga.StatusCompensating, e.status(t, sagaID).Status)

	e.coord.Wheel().Advance(15)
	require.Eventually(t, e.statusIs(sagaID, saga.StatusCompensated), 2*time.Second, 10*time.Millisecond)
}

func TestStepRetriesBeforeFailing(t *testing.T) {
	retryType := &saga.Type{
		Name:               "retrying_flow",
		DefaultStepTimeout: 10 * time.Second,
		CompensatedEvent:   "RetryingFlowCompensated",
		Steps: []saga.StepDef{
			{
				Name:          "provision",
				TriggerEvent:  "ProvisionRequested",
				SuccessEvents: []string{"Provisioned"},
				FailureEvents: []string{"ProvisionFailed"},
				Retries:       2,
			},
		},
	}
	e := newTestEnv(t, retryType)
	ctx := context.Background()

	sagaID, err := e.coord.Start(ctx, "retrying_flow", "p1", "corr-1", nil)
	require.NoError(t, err)

	// The next deadline is only schedulable once the retry re-armed the
	// wheel, not merely once the attempt count is visible in the store.
	attempts := func(n int) func() bool {
		return func() bool {
			inst, err := e.coord.Status(ctx, sagaID)
			return err == nil && inst.Pending != nil && inst.Pending.Attempts == n &&
				e.coord.Wheel().Armed(sagaID)
		}
	}

	// First deadline: trigger re-emitted, attempt 1.
	e.coord.Wheel().Advance(12)
	require.Eventually(t, attempts(1), 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, e.pub.count("ProvisionRequested"))

	// Exhaust the remaining retry, then the step fails for good.
	e.coord.Wheel().Advance(12)
	require.Eventually(t, attempts(2), 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, e.pub.count("ProvisionRequested"))

	e.coord.Wheel().Advance(12)
	require.Eventually(t, e.statusIs(sagaID, saga.StatusCompensated), 2*time.Second, 10*time.Millisecond)
}

func TestUnknownEventTypeIsDeadLettered(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	sagaID, err := e.coord.Start(ctx, onboarding.TypeName, "p1", "corr-1", startPayload())
	require.NoError(t, err)

	env, err := envelope.Build(envelope.BuildInput{
		EventType:     "CompletelyUnknownEvent",
		SagaID:        sagaID,
		CorrelationID: "corr-1",
		Source:        "mystery-service",
	})
	require.NoError(t, err)
	assert.Equal(t, broker.DeadLetter, e.coord.HandleEvent(ctx, env))
}

func TestEventWithoutSagaIsIgnored(t *testing.T) {
	e := newTestEnv(t)
	env, err := envelope.Build(envelope.BuildInput{
		EventType:     onboarding.EventRegistrationCompleted,
		CorrelationID: "unknown-corr",
		Source:        "partner-service",
	})
	require.NoError(t, err)
	assert.Equal(t, broker.Ack, e.coord.HandleEvent(context.Background(), env))
}

type recordedLine struct {
	level string
	msg   string
}

// recordingLogger captures level and message for assertions on log severity.
type recordingLogger struct {
	mu    sync.Mutex
	lines []recordedLine
}

func (l *recordingLogger) append(level, msg string) {
	l.mu.Lock()
	l.lines = append(l.lines, recordedLine{level: level, msg: msg})
	l.mu.Unlock()
}

func (l *recordingLogger) snapshot() []recordedLine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recordedLine(nil), l.lines...)
}

func (l *recordingLogger) Debug(msg string, _ ...any) { l.append("debug", msg) }
func (l *recordingLogger) Info(msg string, _ ...any)  { l.append("info", msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.append("warn", msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.append("error", msg) }

func (l *recordingLogger) DebugContext(_ context.Context, msg string, _ ...any) {
	l.append("debug", msg)
}
func (l *recordingLogger) InfoContext(_ context.Context, msg string, _ ...any) {
	l.append("info", msg)
}
func (l *recordingLogger) WarnContext(_ context.Context, msg string, _ ...any) {
	l.append("warn", msg)
}
func (l *recordingLogger) ErrorContext(_ context.Context, msg string, _ ...any) {
	l.append("error", msg)
}

func (l *recordingLogger) With(_ ...any) logger.Logger { return l }
func (l *recordingLogger) SetLevel(logger.Level)       {}
func (l *recordingLogger) Close() error                { return nil }

func TestUnknownSagaDroppedAtDebug(t *testing.T) {
	log := &recordingLogger{}
	coord, err := New(Options{
		Types:     []*saga.Type{onboarding.SagaType(onboarding.StepTimeouts{})},
		Store:     store.NewMemoryStore(nil, nil),
		Publisher: &capturePublisher{},
		Workers:   1,
		WheelTick: time.Second,
		Logger:    log,
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)
	ctx := context.Background()

	// No correlation hit: dropped before reaching a worker.
	env, err := envelope.Build(envelope.BuildInput{
		EventType:     onboarding.EventRegistrationCompleted,
		CorrelationID: "unknown-corr",
		Source:        "partner-service",
	})
	require.NoError(t, err)
	assert.Equal(t, broker.Ack, coord.HandleEvent(ctx, env))

	// Saga id the store does not hold.
	env, err = envelope.Build(envelope.BuildInput{
		EventType:     onboarding.EventRegistrationCompleted,
		SagaID:        "gone-saga",
		CorrelationID: "corr-x",
		Source:        "partner-service",
	})
	require.NoError(t, err)
	assert.Equal(t, broker.Ack, coord.HandleEvent(ctx, env))

	lines := log.snapshot()
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.Equal(t, "debug", line.level, "unknown-saga drops must log at debug: %q", line.msg)
	}
}

func TestCorrelationRouting(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	sagaID, err := e.coord.Start(ctx, onboarding.TypeName, "p1", "corr-1", startPayload())
	require.NoError(t, err)

	// Envelope without saga_id routes through the correlation map.
	env, err := envelope.Build(envelope.BuildInput{
		EventType:     onboarding.EventRegistrationCompleted,
		CorrelationID: "corr-1",
		Source:        "partner-service",
	})
	require.NoError(t, err)
	assert.Equal(t, broker.Ack, e.coord.HandleEvent(ctx, env))

	inst := e.status(t, sagaID)
	require.NotNil(t, inst.Pending)
	assert.Equal(t, onboarding.StepContractCreation, inst.Pending.Name)
}

func TestStartUnknownType(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.coord.Start(context.Background(), "no_such_type", "p1", "", nil)
	assert.ErrorIs(t, err, saga.ErrUnknownSaga)
}

func TestMalformedTypeIsFatalAtConstruction(t *testing.T) {
	st := store.NewMemoryStore(nil, nil)
	_, err := New(Options{
		Types:     []*saga.Type{{Name: "broken"}},
		Store:     st,
		Publisher: &capturePublisher{},
	})
	assert.ErrorIs(t, err, saga.ErrFatal)
}

func TestObserversSeeEveryTransition(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []saga.Status
	e.coord.RegisterObserver(func(inst *saga.Instance) {
		mu.Lock()
		seen = append(seen, inst.Status)
		mu.Unlock()
	})

	sagaID, err := e.coord.Start(ctx, onboarding.TypeName, "p1", uuid.NewString(), startPayload())
	require.NoError(t, err)
	e.deliver(t, sagaID, onboarding.EventRegistrationCompleted)
	e.deliver(t, sagaID, onboarding.EventContractCreationFailed)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, saga.StatusInProgress, seen[0])
	assert.Equal(t, saga.StatusCompensated, seen[len(seen)-1])
}
