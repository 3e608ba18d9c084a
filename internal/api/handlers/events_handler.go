package handlers

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"cardsync/internal/engine/webhooks"
	"cardsync/internal/pkg/errors"
	"cardsync/internal/platform/audit"
	"cardsync/internal/platform/models"
)

type EventLister interface {
	ListFailed(ctx context.Context, limit int) ([]*models.WebhookEvent, error)
	ListPending(ctx context.Context, maxRetries int, receivedBefore int64, limit int) ([]*models.WebhookEvent, error)
}

type Reprocessor interface {
	Reprocess(ctx context.Context, deliveryID string) error
}

type Auditor interface {
	Log(ctx context.Context, projectID, action string, metadata map[string]interface{})
}

// EventsHandler exposes the webhook event log to operators.
type EventsHandler struct {
	events     EventLister
	ingestor   Reprocessor
	audit      Auditor
	maxRetries int
}

func NewEventsHandler(events EventLister, ingestor Reprocessor, audit Auditor, maxRetries int) *EventsHandler {
	return &EventsHandler{events: events, ingestor: ingestor, audit: audit, maxRetries: maxRetries}
}

func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 50, 500)

	var (
		events []*models.WebhookEvent
		err    error
	)
	switch status := r.URL.Query().Get("status"); status {
	case "", "failed":
		events, err = h.events.ListFailed(r.Context(), limit)
	case "pending":
		events, err = h.events.ListPending(r.Context(), h.maxRetries, time.Now().UnixMilli(), limit)
	default:
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "status must be failed or pending", nil)
		return
	}
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to list webhook events", nil)
		return
	}
	if events == nil {
		events = []*models.WebhookEvent{}
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (h *EventsHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	deliveryID := param(r, "delivery_id")

	err := h.ingestor.Reprocess(r.Context(), deliveryID)
	if stderrors.Is(err, webhooks.ErrUnknownDelivery) {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Webhook delivery not found", nil)
		return
	}
	if stderrors.Is(err, webhooks.ErrAlreadyProcessed) {
		errors.WriteError(w, http.StatusConflict, errors.ErrCodeConflict, "Webhook delivery already processed", nil)
		return
	}

	meta := map[string]interface{}{"delivery_id": deliveryID, "client_id": clientID(r)}
	if err != nil {
		meta["error"] = err.Error()
	}
	h.audit.Log(r.Context(), "", audit.ActionReprocess, meta)

	if err != nil {
		errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
