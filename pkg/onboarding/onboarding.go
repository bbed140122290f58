// Package onboarding defines the partner-onboarding workflow: its event
// vocabulary, step table, and the payload translation between coordinator
// state and the domain events external services consume.
package onboarding

import (
	"time"

	"github.com/partnerflow/partnerflow/pkg/saga"
)

// TypeName is the saga type identifier of the partner-onboarding workflow.
const TypeName = "partner_onboarding"

// Partner events.
const (
	EventOnboardingInitiated   = "PartnerOnboardingInitiated"
	EventRegistrationCompleted = "PartnerRegistrationCompleted"
	EventRegistrationFailed    = "PartnerRegistrationFailed"
	EventRegistrationReverted  = "PartnerRegistrationReverted"
)

// Contract events.
const (
	EventContractRequested      = "ContractCreationRequested"
	EventContractCreated        = "ContractCreated"
	EventContractCreationFailed = "ContractCreationFailed"
	EventContractCancelled      = "ContractCancelled"
)

// Document events.
const (
	EventDocumentsRequested         = "DocumentVerificationRequested"
	EventDocumentsVerified          = "DocumentsVerified"
	EventDocumentVerificationFailed = "DocumentVerificationFailed"
	EventDocumentsInvalidated       = "DocumentsInvalidated"
)

// Campaign events.
const (
	EventCampaignsRequested        = "CampaignsEnablementRequested"
	EventCampaignsEnabled          = "CampaignsEnabled"
	EventCampaignsEnablementFailed = "CampaignsEnablementFailed"
	EventCampaignsDisabled         = "CampaignsDisabled"
)

// Recruitment events.
const (
	EventRecruitmentRequested   = "RecruitmentSetupRequested"
	EventRecruitmentCompleted   = "RecruitmentSetupCompleted"
	EventRecruitmentSetupFailed = "RecruitmentSetupFailed"
	EventRecruitmentTornDown    = "RecruitmentTornDown"
)

// Terminal saga notifications.
const (
	EventOnboardingCompleted   = "PartnerOnboardingCompleted"
	EventOnboardingFailed      = "PartnerOnboardingFailed"
	EventOnboardingCompensated = "PartnerOnboardingCompensated"
)

// Step names.
const (
	StepPartnerRegistration  = "partner_registration"
	StepContractCreation     = "contract_creation"
	StepDocumentVerification = "document_verification"
	StepCampaignEnablement   = "campaign_enablement"
	StepRecruitmentSetup     = "recruitment_setup"
)

// StepTimeouts lets configuration override the per-step deadlines.
type StepTimeouts struct {
	PartnerRegistration  time.Duration
	ContractCreation     time.Duration
	DocumentVerification time.Duration
	CampaignEnablement   time.Duration
	RecruitmentSetup     time.Duration
}

// DefaultStepTimeouts returns the canonical deadlines.
func DefaultStepTimeouts() StepTimeouts {
	return StepTimeouts{
		PartnerRegistration:  30 * time.Second,
		ContractCreation:     30 * time.Second,
		DocumentVerification: 60 * time.Second,
		CampaignEnablement:   30 * time.Second,
		RecruitmentSetup:     30 * time.Second,
	}
}

// SagaType builds the partner-onboarding saga definition. Compensations are
// fire-and-forget: external services do not ack reversals, so the broker
// acknowledgement of the compensation event continues the reverse walk.
func SagaType(timeouts StepTimeouts) *saga.Type {
	defaults := DefaultStepTimeouts()
	pick := func(v, fallback time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return fallback
	}
	return &saga.Type{
		Name:               TypeName,
		DefaultStepTimeout: 30 * time.Second,
		CompletedEvent:     EventOnboardingCompleted,
		FailedEvent:        EventOnboardingFailed,
		CompensatedEvent:   EventOnboardingCompensated,
		Steps: []saga.StepDef{
			{
				Name:                   StepPartnerRegistration,
				TriggerEvent:           EventOnboardingInitiated,
				SuccessEvents:          []string{EventRegistrationCompleted},
				FailureEvents:          []string{EventRegistrationFailed},
				CompensationEvent:      EventRegistrationReverted,
				CompensationIdempotent: true,
				Timeout:                pick(timeouts.PartnerRegistration, defaults.PartnerRegistration),
			},
			{
				Name:              StepContractCreation,
				TriggerEvent:      EventContractRequested,
				SuccessEvents:     []string{EventContractCreated},
				FailureEvents:     []string{EventContractCreationFailed},
				CompensationEvent: EventContractCancelled,
				Timeout:           pick(timeouts.ContractCreation, defaults.ContractCreation),
			},
			{
				Name:              StepDocumentVerification,
				TriggerEvent:      EventDocumentsRequested,
				SuccessEvents:     []string{EventDocumentsVerified},
				FailureEvents:     []string{EventDocumentVerificationFailed},
				CompensationEvent: EventDocumentsInvalidated,
				Timeout:           pick(timeouts.DocumentVerification, defaults.DocumentVerification),
			},
			{
				Name:              StepCampaignEnablement,
				TriggerEvent:      EventCampaignsRequested,
				SuccessEvents:     []string{EventCampaignsEnabled},
				FailureEvents:     []string{EventCampaignsEnablementFailed},
				CompensationEvent: EventCampaignsDisabled,
				Timeout:           pick(timeouts.CampaignEnablement, defaults.CampaignEnablement),
			},
			{
				Name:              StepRecruitmentSetup,
				TriggerEvent:      EventRecruitmentRequested,
				SuccessEvents:     []string{EventRecruitmentCompleted},
				FailureEvents:     []string{EventRecruitmentSetupFailed},
				CompensationEvent: EventRecruitmentTornDown,
				Timeout:           pick(timeouts.RecruitmentSetup, defaults.RecruitmentSetup),
			},
		},
	}
}

// Enricher fills outgoing onboarding events with the domain fields external
// services require: partner identity and the registration data captured at
// saga start.
type Enricher struct{}

// OutboundPayload builds the payload for one outgoing event from the saga's
// initial payload.
func (Enricher) OutboundPayload(inst *saga.Instance, eventType string) map[string]any {
	payload := make(map[string]any, len(inst.InitialPayload)+3)
	for k, v := range inst.InitialPayload {
		payload[k] = v
	}
	if inst.PartnerID != "" {
		payload["partner_id"] = inst.PartnerID
	}
	if data, ok := inst.InitialPayload["partner_data"]; ok {
		payload["partner_data"] = data
	}
	switch eventType {
	case EventOnboardingFailed, EventOnboardingCompensated:
		if inst.Reason != "" {
			payload["reason"] = inst.Reason
		}
	}
	return payload
}

// PartnerID extracts the partner identifier from an event or command
// payload.
func PartnerID(payload map[string]any) string {
	if id, ok := payload["partner_id"].(string); ok {
		return id
	}
	return ""
}
