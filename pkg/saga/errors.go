package saga

import "errors"

// Dispatch error taxonomy. Business-level errors are recovered via
// compensation; infrastructure errors are retried and then surfaced to
// operators via alerts.
var (
	// ErrMalformedEvent mirrors the envelope decode failure at the
	// coordinator boundary. The envelope is dead-lettered.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrUnknownSaga marks an event referencing a saga not owned here.
	ErrUnknownSaga = errors.New("unknown saga")

	// ErrDuplicateEvent marks a (saga_id, event_id) pair that was already
	// processed.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrUnexpectedTransition marks a recognized event that does not match
	// the saga's current step. Tolerated: logged and acked without a state
	// change.
	ErrUnexpectedTransition = errors.New("unexpected transition")

	// ErrStaleVersion is returned by the state store when the expected
	// version does not match the stored version.
	ErrStaleVersion = errors.New("stale saga version")

	// ErrBrokerUnavailable marks a publish that exhausted its retries.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrStepTimeout marks a step deadline that fired. Treated as a
	// business failure.
	ErrStepTimeout = errors.New("step timeout")

	// ErrCompensationFailed marks a compensation that could not be emitted
	// or acknowledged after retries.
	ErrCompensationFailed = errors.New("compensation failed")

	// ErrFatal marks an invariant violation or configuration bug. The
	// process aborts after flushing logs and audit records.
	ErrFatal = errors.New("fatal coordinator error")

	// ErrSagaNotFound is returned when a saga instance cannot be located.
	ErrSagaNotFound = errors.New("saga instance not found")
)
