package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partnerflow/partnerflow/pkg/broker"
)

func TestDeadLetterList(t *testing.T) {
	store := broker.NewMemoryDeadLetterStore()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Record(context.Background(), broker.DeadLetterRecord{
			ID:        "dl-" + string(rune('a'+i)),
			Topic:     "saga.events",
			EventType: "CompletelyUnknownEvent",
			SagaID:    "s1",
			Reason:    "event unknown to saga type",
			At:        time.Now().UTC(),
		}))
	}

	h := NewDeadLetterHandler(store)
	w := httptest.NewRecorder()
	h.List(w, httptest.NewRequest(http.MethodGet, "/api/v1/deadletters?limit=2", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Items []map[string]any `json:"items"`
		Total int              `json:"total"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, "event unknown to saga type", body.Items[0]["reason"])
}

func TestDeadLetterListWithoutStore(t *testing.T) {
	h := NewDeadLetterHandler(nil)
	w := httptest.NewRecorder()
	h.List(w, httptest.NewRequest(http.MethodGet, "/api/v1/deadletters", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
