package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/partnerflow/partnerflow/pkg/api/models"
	"github.com/partnerflow/partnerflow/pkg/api/response"
	"github.com/partnerflow/partnerflow/pkg/audit"
	"github.com/partnerflow/partnerflow/pkg/logger"
	"github.com/partnerflow/partnerflow/pkg/onboarding"
	"github.com/partnerflow/partnerflow/pkg/saga"
	"github.com/partnerflow/partnerflow/pkg/store"
)

// SagaService is the coordinator surface the API layer depends on.
type SagaService interface {
	Start(ctx context.Context, sagaType, partnerID, correlationID string, payload map[string]any) (string, error)
	Status(ctx context.Context, sagaID string) (*saga.Instance, error)
	List(ctx context.Context, filter store.Filter) ([]*saga.Instance, error)
	Compensate(ctx context.Context, sagaID, reason string) error
}

// TimelineSource reconstructs a saga timeline from the audit trail.
type TimelineSource interface {
	Timeline(ctx context.Context, sagaID string) (audit.Timeline, error)
}

// SagaHandler handles saga API endpoints.
type SagaHandler struct {
	service   SagaService
	timelines TimelineSource
	logger    logger.Logger
	validator *validator.Validate
}

// NewSagaHandler creates a saga handler.
func NewSagaHandler(service SagaService, timelines TimelineSource, log logger.Logger) *SagaHandler {
	return &SagaHandler{
		service:   service,
		timelines: timelines,
		logger:    log,
		validator: validator.New(),
	}
}

// StartSaga handles POST /api/v1/sagas.
func (h *SagaHandler) StartSaga(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.StartSagaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid request body", getRequestID(ctx))
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), getRequestID(ctx))
		return
	}

	sagaType := strings.TrimSpace(req.SagaType)
	if sagaType == "" {
		sagaType = onboarding.TypeName
	}

	payload := make(map[string]any, len(req.PartnerData)+1)
	if req.PartnerData != nil {
		payload["partner_data"] = req.PartnerData
	}
	payload["partner_id"] = req.PartnerID

	sagaID, err := h.service.Start(ctx, sagaType, req.PartnerID, req.CorrelationID, payload)
	if err != nil {
		h.logger.Error("failed to start saga", "saga_type", sagaType, "partner_id", req.PartnerID, "error", err)
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	inst, err := h.service.Status(ctx, sagaID)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	response.JSON(w, http.StatusCreated, models.StartSagaResponse{
		SagaID:        sagaID,
		SagaType:      inst.Type,
		PartnerID:     inst.PartnerID,
		CorrelationID: inst.CorrelationID,
		Status:        inst.Status.String(),
		CreatedAt:     inst.CreatedAt,
	})
}

// GetSaga handles GET /api/v1/sagas/{id}.
func (h *SagaHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "saga id is required", getRequestID(ctx))
		return
	}

	inst, err := h.service.Status(ctx, sagaID)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	response.JSON(w, http.StatusOK, models.StatusFromInstance(inst))
}

// ListSagas handles GET /api/v1/sagas.
func (h *SagaHandler) ListSagas(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	filter := store.Filter{
		SagaType:  strings.TrimSpace(query.Get("saga_type")),
		PartnerID: strings.TrimSpace(query.Get("partner_id")),
		Limit:     50,
	}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, err := saga.ParseStatus(raw)
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), getRequestID(ctx))
			return
		}
		filter.Status = &status
	}
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}

	instances, err := h.service.List(ctx, filter)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	items := make([]models.SagaSummary, 0, len(instances))
	for _, inst := range instances {
		items = append(items, models.SummaryFromInstance(inst))
	}
	response.JSON(w, http.StatusOK, models.SagaListResponse{Items: items, Total: len(items)})
}

// CompensateSaga handles POST /api/v1/sagas/{id}/compensate.
func (h *SagaHandler) CompensateSaga(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "saga id is required", getRequestID(ctx))
		return
	}

	var req models.CompensateRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual compensation requested"
	}

	if err := h.service.Compensate(ctx, sagaID, reason); err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	inst, err := h.service.Status(ctx, sagaID)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}
	response.JSON(w, http.StatusAccepted, map[string]any{
		"saga_id": sagaID,
		"status":  inst.Status.String(),
	})
}

// GetTimeline handles GET /api/v1/sagas/{id}/timeline.
func (h *SagaHandler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.timelines == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "audit trail unavailable", getRequestID(ctx))
		return
	}

	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "saga id is required", getRequestID(ctx))
		return
	}

	timeline, err := h.timelines.Timeline(ctx, sagaID)
	if err != nil {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "saga not found", getRequestID(ctx))
		return
	}
	response.JSON(w, http.StatusOK, timeline)
}
