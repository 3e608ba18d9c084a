package handlers

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"cardsync/internal/engine/webhooks"
	"cardsync/internal/pkg/errors"
)

type WebhookIngestor interface {
	Accept(ctx context.Context, d webhooks.Delivery) (*webhooks.Acceptance, error)
	Dispatch(ctx context.Context, deliveryID string)
}

// WebhookHandler receives GitHub deliveries. Anything persisted is
// acknowledged with 200; processing happens after the response.
type WebhookHandler struct {
	ingestor     WebhookIngestor
	maxBodyBytes int64
}

func NewWebhookHandler(ingestor WebhookIngestor, maxBodyBytes int64) *WebhookHandler {
	return &WebhookHandler{ingestor: ingestor, maxBodyBytes: maxBodyBytes}
}

func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body := r.Body
	if h.maxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		errors.WriteError(w, http.StatusRequestEntityTooLarge, errors.ErrCodeInvalidInput, "Payload too large or unreadable", nil)
		return
	}

	delivery := webhooks.Delivery{
		ID:        r.Header.Get(webhooks.DeliveryHeader),
		Event:     r.Header.Get(webhooks.EventHeader),
		Signature: r.Header.Get(webhooks.SignatureHeader),
		Body:      payload,
	}

	acc, err := h.ingestor.Accept(r.Context(), delivery)
	switch {
	case stderrors.Is(err, webhooks.ErrMissingHeaders):
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Missing X-GitHub-Delivery or X-GitHub-Event header", nil)
		return
	case stderrors.Is(err, webhooks.ErrInvalidSignature):
		errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Invalid signature", nil)
		return
	case err != nil:
		log.Error().Err(err).Str("delivery_id", delivery.ID).Msg("Failed to persist webhook")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to persist webhook", nil)
		return
	}

	if acc.Duplicate {
		errors.WriteJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]string{"status": "accepted"})

	h.ingestor.Dispatch(context.WithoutCancel(r.Context()), delivery.ID)
}
