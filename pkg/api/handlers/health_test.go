package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticHealthSource struct {
	status HealthStatus
}

func (s staticHealthSource) HealthStatus() HealthStatus {
	return s.status
}

func TestHealthAlwaysOK(t *testing.T) {
	h := NewHealthHandler(staticHealthSource{})

	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestReady(t *testing.T) {
	tests := []struct {
		name       string
		status     HealthStatus
		wantStatus int
	}{
		{"ready", HealthStatus{Ready: true}, http.StatusOK},
		{"not rehydrated yet", HealthStatus{Ready: false}, http.StatusServiceUnavailable},
		{"degraded broker", HealthStatus{Ready: true, BrokerDegraded: true}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(staticHealthSource{status: tt.status})
			w := httptest.NewRecorder()
			h.Ready(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestStatusDetails(t *testing.T) {
	h := NewHealthHandler(staticHealthSource{status: HealthStatus{
		Ready:       true,
		ActiveSagas: 7,
	}})

	w := httptest.NewRecorder()
	h.Status(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, 7, body.ActiveSagas)
	assert.True(t, body.Ready)
}
