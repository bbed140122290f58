// Package saga defines the shared vocabulary of the partner-onboarding
// coordinator: saga instances, statuses, step tables, and the error taxonomy.
package saga

import "fmt"

// Status defines the lifecycle of a saga instance.
type Status int

const (
	StatusInitiated Status = iota
	StatusInProgress
	StatusCompensating
	StatusCompleted
	StatusFailed
	StatusCompensated
)

var validTransitions = map[Status]map[Status]struct{}{
	StatusInitiated: {
		StatusInProgress: {},
		StatusFailed:     {},
	},
	StatusInProgress: {
		StatusCompleted:    {},
		StatusCompensating: {},
		StatusFailed:       {},
	},
	StatusCompensating: {
		StatusCompensated: {},
		StatusFailed:      {},
	},
}

// String returns the string form of Status.
func (s Status) String() string {
	switch s {
	case StatusInitiated:
		return "initiated"
	case StatusInProgress:
		return "in-progress"
	case StatusCompensating:
		return "compensating"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCompensated:
		return "compensated"
	default:
		return "unknown"
	}
}

// ParseStatus parses a status string; unknown values return an error.
func ParseStatus(value string) (Status, error) {
	switch value {
	case "initiated":
		return StatusInitiated, nil
	case "in-progress":
		return StatusInProgress, nil
	case "compensating":
		return StatusCompensating, nil
	case "completed":
		return StatusCompleted, nil
	case "failed":
		return StatusFailed, nil
	case "compensated":
		return StatusCompensated, nil
	default:
		return StatusInitiated, fmt.Errorf("unknown saga status: %q", value)
	}
}

// IsTerminal reports whether the status is terminal. Terminal sagas are
// retained for audit and removed only by retention policy.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCompensated:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether a status transition is valid.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	validNext, ok := validTransitions[s]
	if !ok {
		return false
	}
	_, ok = validNext[next]
	return ok
}

// ValidateTransition validates transition semantics.
func ValidateTransition(current, next Status) error {
	if !current.CanTransitionTo(next) {
		return fmt.Errorf("invalid saga status transition: %s -> %s", current, next)
	}
	return nil
}
