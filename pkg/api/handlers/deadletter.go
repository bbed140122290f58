package handlers

import (
	"net/http"
	"strconv"

	"github.com/partnerflow/partnerflow/pkg/api/response"
	"github.com/partnerflow/partnerflow/pkg/broker"
)

// DeadLetterHandler exposes dead-lettered envelopes for offline inspection.
type DeadLetterHandler struct {
	store broker.DeadLetterStore
}

// NewDeadLetterHandler creates a dead-letter handler.
func NewDeadLetterHandler(store broker.DeadLetterStore) *DeadLetterHandler {
	return &DeadLetterHandler{store: store}
}

// List handles GET /api/v1/deadletters.
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.store == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "dead-letter store unavailable", getRequestID(ctx))
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := h.store.List(ctx, limit)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, err.Error(), getRequestID(ctx))
		return
	}

	// Raw bytes are elided; the envelope fields are what operators need.
	type view struct {
		ID           string `json:"id"`
		Topic        string `json:"topic"`
		Subscription string `json:"subscription"`
		EventID      string `json:"event_id,omitempty"`
		EventType    string `json:"event_type,omitempty"`
		SagaID       string `json:"saga_id,omitempty"`
		Reason       string `json:"reason"`
		At           string `json:"at"`
	}
	items := make([]view, 0, len(records))
	for _, record := range records {
		items = append(items, view{
			ID:           record.ID,
			Topic:        record.Topic,
			Subscription: record.Subscription,
			EventID:      record.EventID,
			EventType:    record.EventType,
			SagaID:       record.SagaID,
			Reason:       record.Reason,
			At:           record.At.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}

	response.JSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": len(items),
	})
}
