package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerRecordsAndServes(t *testing.T) {
	m := NewManager(DefaultConfig())
	require.True(t, m.Enabled())

	m.RecordSagaStarted("partner_onboarding")
	m.RecordStepOutcome("partner_onboarding", "partner_registration", "success", 150*time.Millisecond)
	m.RecordSagaTerminal("partner_onboarding", "completed", 2*time.Second)
	m.RecordCompensation("partner_onboarding", "contract_creation")
	m.RecordTimeoutFired("partner_onboarding", "contract_creation")
	m.RecordDispatch("ack")
	m.RecordPublish("success")
	m.RecordRetry()
	m.SetDegradedMode(true)
	m.RecordHTTPRequest("POST", "/api/v1/sagas", "202", 5*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, name := range []string{
		"sagas_started_total",
		"sagas_terminal_total",
		"saga_duration_seconds",
		"sagas_active",
		"saga_compensations_total",
		"saga_timeouts_fired_total",
		"saga_events_dispatched_total",
		"saga_step_outcomes_total",
		"saga_step_duration_seconds",
		"broker_publishes_total",
		"broker_publish_retries_total",
		"broker_degraded_mode",
		"http_requests_total",
	} {
		assert.Contains(t, body, name)
	}
}

func TestDisabledManagerIsInert(t *testing.T) {
	m := NoOpManager()
	require.False(t, m.Enabled())

	// None of these may panic with nil collectors.
	m.RecordSagaStarted("x")
	m.RecordSagaTerminal("x", "completed", time.Second)
	m.RecordStepOutcome("x", "s", "success", time.Second)
	m.RecordCompensation("x", "s")
	m.RecordTimeoutFired("x", "s")
	m.RecordDispatch("ack")
	m.RecordPublish("success")
	m.RecordRetry()
	m.SetDegradedMode(true)
	m.RecordHTTPRequest("GET", "/", "200", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
