package handlers

import (
	"net/http"

	"github.com/partnerflow/partnerflow/pkg/api/response"
	"github.com/partnerflow/partnerflow/pkg/version"
)

// HealthStatus is the component snapshot behind the /status endpoint.
type HealthStatus struct {
	Ready          bool  `json:"ready"`
	BrokerDegraded bool  `json:"broker_degraded"`
	ActiveSagas    int   `json:"active_sagas"`
	DeadLetters    int   `json:"dead_letters,omitempty"`
	DroppedLogs    int64 `json:"dropped_log_entries,omitempty"`
}

// HealthSource reports coordinator component health.
type HealthSource interface {
	HealthStatus() HealthStatus
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	source HealthSource
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(source HealthSource) *HealthHandler {
	return &HealthHandler{source: source}
}

// Health handles the /health endpoint (liveness probe).
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

// Ready handles the /ready endpoint (readiness probe). The service is ready
// once rehydration finished and subscriptions are established; a degraded
// broker flips it back to unavailable.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	status := h.source.HealthStatus()
	if status.Ready && !status.BrokerDegraded {
		response.JSON(w, http.StatusOK, map[string]bool{"ready": true})
		return
	}
	response.JSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
}

// Status handles the /status endpoint (detailed status).
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.source.HealthStatus())
}
