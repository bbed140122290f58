package onboarding

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partnerflow/partnerflow/pkg/saga"
)

func TestSagaTypeIsValid(t *testing.T) {
	st := SagaType(StepTimeouts{})
	require.NoError(t, st.Validate())
	assert.Equal(t, TypeName, st.Name)
	require.Len(t, st.Steps, 5)

	names := make([]string, 0, len(st.Steps))
	for _, step := range st.Steps {
		names = append(names, step.Name)
	}
	assert.Equal(t, []string{
		StepPartnerRegistration,
		StepContractCreation,
		StepDocumentVerification,
		StepCampaignEnablement,
		StepRecruitmentSetup,
	}, names)
}

func TestDefaultTimeouts(t *testing.T) {
	st := SagaType(StepTimeouts{})
	assert.Equal(t, 30*time.Second, st.StepTimeout(0))
	assert.Equal(t, 60*time.Second, st.StepTimeout(2), "document verification gets the longer deadline")
	assert.Equal(t, 30*time.Second, st.StepTimeout(4))
}

func TestTimeoutOverrides(t *testing.T) {
	st := SagaType(StepTimeouts{ContractCreation: 5 * time.Second})
	assert.Equal(t, 5*time.Second, st.StepTimeout(1))
	assert.Equal(t, 30*time.Second, st.StepTimeout(0), "unset overrides keep defaults")
}

func TestClassify(t *testing.T) {
	st := SagaType(StepTimeouts{})

	idx, role := st.Classify(EventContractCreated)
	assert.Equal(t, 1, idx)
	assert.Equal(t, saga.RoleSuccess, role)

	idx, role = st.Classify(EventDocumentVerificationFailed)
	assert.Equal(t, 2, idx)
	assert.Equal(t, saga.RoleFailure, role)

	idx, role = st.Classify("SomethingElse")
	assert.Equal(t, -1, idx)
	assert.Equal(t, saga.RoleNone, role)
}

func TestEnricherOutboundPayload(t *testing.T) {
	inst := saga.NewInstance("s1", SagaType(StepTimeouts{}), "p1", "corr-1", map[string]any{
		"partner_data": map[string]any{"name": "Acme GmbH"},
		"channel":      "direct",
	})

	payload := Enricher{}.OutboundPayload(inst, EventContractRequested)
	assert.Equal(t, "p1", payload["partner_id"])
	assert.Equal(t, map[string]any{"name": "Acme GmbH"}, payload["partner_data"])
	assert.Equal(t, "direct", payload["channel"])
	assert.NotContains(t, payload, "reason")

	inst.Reason = "step contract_creation failed: ContractCreationFailed"
	failed := Enricher{}.OutboundPayload(inst, EventOnboardingCompensated)
	assert.Equal(t, inst.Reason, failed["reason"])
}

func TestPartnerID(t *testing.T) {
	assert.Equal(t, "p1", PartnerID(map[string]any{"partner_id": "p1"}))
	assert.Empty(t, PartnerID(map[string]any{"partner_id": 42}))
	assert.Empty(t, PartnerID(nil))
}
