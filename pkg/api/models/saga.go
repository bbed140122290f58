// Package models defines API request and response models.
package models

import (
	"time"

	"github.com/partnerflow/partnerflow/pkg/saga"
)

// StartSagaRequest is the request body for POST /api/v1/sagas.
type StartSagaRequest struct {
	// SagaType selects the workflow. Empty means partner_onboarding.
	SagaType string `json:"saga_type" validate:"omitempty,max=64"`

	// PartnerID identifies the partner being onboarded.
	PartnerID string `json:"partner_id" validate:"required,max=128"`

	// CorrelationID ties the saga to an external request chain. Generated
	// when absent.
	CorrelationID string `json:"correlation_id" validate:"omitempty,max=128"`

	// PartnerData is carried into every outgoing event of the saga.
	PartnerData map[string]any `json:"partner_data" validate:"omitempty"`
}

// StartSagaResponse is returned on saga creation.
type StartSagaResponse struct {
	SagaID        string    `json:"saga_id"`
	SagaType      string    `json:"saga_type"`
	PartnerID     string    `json:"partner_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// StepView is one step of a saga status response.
type StepView struct {
	Name        string    `json:"name"`
	Outcome     string    `json:"outcome"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// PendingView describes the step currently awaiting an outcome.
type PendingView struct {
	Name         string    `json:"name"`
	Deadline     time.Time `json:"deadline"`
	Attempts     int       `json:"attempts"`
	Compensating bool      `json:"compensating"`
}

// FailureView describes a recorded step failure.
type FailureView struct {
	Step      string    `json:"step"`
	ErrorKind string    `json:"error_kind"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// SagaStatusResponse is the full status of one saga.
type SagaStatusResponse struct {
	SagaID         string        `json:"saga_id"`
	SagaType       string        `json:"saga_type"`
	PartnerID      string        `json:"partner_id,omitempty"`
	CorrelationID  string        `json:"correlation_id,omitempty"`
	Status         string        `json:"status"`
	CompletedSteps []StepView    `json:"completed_steps"`
	FailedSteps    []FailureView `json:"failed_steps"`
	Pending        *PendingView  `json:"pending_step,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	Version        uint64        `json:"version"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// SagaSummary is one row of a list response.
type SagaSummary struct {
	SagaID    string    `json:"saga_id"`
	SagaType  string    `json:"saga_type"`
	PartnerID string    `json:"partner_id,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SagaListResponse is the response for GET /api/v1/sagas.
type SagaListResponse struct {
	Items []SagaSummary `json:"items"`
	Total int           `json:"total"`
}

// CompensateRequest is the optional body for POST /api/v1/sagas/{id}/compensate.
type CompensateRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=512"`
}

// StatusFromInstance converts a saga snapshot into its API shape.
func StatusFromInstance(inst *saga.Instance) SagaStatusResponse {
	resp := SagaStatusResponse{
		SagaID:         inst.ID,
		SagaType:       inst.Type,
		PartnerID:      inst.PartnerID,
		CorrelationID:  inst.CorrelationID,
		Status:         inst.Status.String(),
		CompletedSteps: make([]StepView, 0, len(inst.CompletedSteps)),
		FailedSteps:    make([]FailureView, 0, len(inst.FailedSteps)),
		Reason:         inst.Reason,
		Version:        inst.Version,
		CreatedAt:      inst.CreatedAt,
		UpdatedAt:      inst.UpdatedAt,
	}
	for _, record := range inst.CompletedSteps {
		resp.CompletedSteps = append(resp.CompletedSteps, StepView{
			Name:        record.Name,
			Outcome:     string(record.Outcome),
			StartedAt:   record.StartedAt,
			CompletedAt: record.CompletedAt,
		})
	}
	for _, failure := range inst.FailedSteps {
		resp.FailedSteps = append(resp.FailedSteps, FailureView{
			Step:      failure.Step,
			ErrorKind: failure.ErrorKind,
			Message:   failure.Message,
			At:        failure.At,
		})
	}
	if inst.Pending != nil {
		resp.Pending = &PendingView{
			Name:         inst.Pending.Name,
			Deadline:     inst.Pending.Deadline,
			Attempts:     inst.Pending.Attempts,
			Compensating: inst.Pending.Compensating,
		}
	}
	return resp
}

// SummaryFromInstance converts a saga snapshot into a list row.
func SummaryFromInstance(inst *saga.Instance) SagaSummary {
	return SagaSummary{
		SagaID:    inst.ID,
		SagaType:  inst.Type,
		PartnerID: inst.PartnerID,
		Status:    inst.Status.String(),
		CreatedAt: inst.CreatedAt,
		UpdatedAt: inst.UpdatedAt,
	}
}
