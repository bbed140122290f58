package broker

import "fmt"

// Topic names for the partner-onboarding event space.
const (
	TopicPartnerEvents     = "partner-events"
	TopicContractEvents    = "contract-events"
	TopicDocumentEvents    = "document-events"
	TopicCampaignEvents    = "campaign-events"
	TopicRecruitmentEvents = "recruitment-events"
	TopicSagaEvents        = "saga-events"
)

// TopicTable maps event types to topics. The mapping is static and part of
// configuration; routing never depends on the envelope source.
type TopicTable map[string]string

// DefaultTopicTable returns the canonical event-type to topic mapping.
func DefaultTopicTable() TopicTable {
	return TopicTable{
		"PartnerOnboardingInitiated":   TopicPartnerEvents,
		"PartnerRegistrationCompleted": TopicPartnerEvents,
		"PartnerRegistrationFailed":    TopicPartnerEvents,
		"PartnerRegistrationReverted":  TopicPartnerEvents,

		"ContractCreationRequested": TopicContractEvents,
		"ContractCreated":           TopicContractEvents,
		"ContractCreationFailed":    TopicContractEvents,
		"ContractCancelled":         TopicContractEvents,
		"ContractSigned":            TopicContractEvents,
		"ContractActivated":         TopicContractEvents,

		"DocumentVerificationRequested": TopicDocumentEvents,
		"DocumentsVerified":             TopicDocumentEvents,
		"DocumentVerificationFailed":    TopicDocumentEvents,
		"DocumentsInvalidated":          TopicDocumentEvents,

		"CampaignsEnablementRequested": TopicCampaignEvents,
		"CampaignsEnabled":             TopicCampaignEvents,
		"CampaignsEnablementFailed":    TopicCampaignEvents,
		"CampaignsDisabled":            TopicCampaignEvents,

		"RecruitmentSetupRequested": TopicRecruitmentEvents,
		"RecruitmentSetupCompleted": TopicRecruitmentEvents,
		"RecruitmentSetupFailed":    TopicRecruitmentEvents,
		"RecruitmentTornDown":       TopicRecruitmentEvents,

		"PartnerOnboardingCompleted":   TopicSagaEvents,
		"PartnerOnboardingFailed":      TopicSagaEvents,
		"PartnerOnboardingCompensated": TopicSagaEvents,
	}
}

// TopicFor resolves the topic for an event type.
func (t TopicTable) TopicFor(eventType string) (string, error) {
	topic, ok := t[eventType]
	if !ok {
		return "", fmt.Errorf("broker: no topic mapped for event type %q", eventType)
	}
	return topic, nil
}

// Topics returns the distinct topics in the table.
func (t TopicTable) Topics() []string {
	seen := make(map[string]struct{})
	topics := make([]string, 0, 6)
	for _, topic := range t {
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	return topics
}
