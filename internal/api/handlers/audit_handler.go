package handlers

import (
	"context"
	"net/http"

	"cardsync/internal/pkg/errors"
	"cardsync/internal/platform/models"
)

type AuditReader interface {
	List(ctx context.Context, projectID string, limit int) ([]*models.AuditEntry, error)
}

type AuditHandler struct {
	audit AuditReader
}

func NewAuditHandler(audit AuditReader) *AuditHandler {
	return &AuditHandler{audit: audit}
}

func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), param(r, "project_id"), intQuery(r, "limit", 100, 1000))
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to load audit log", nil)
		return
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}
	errors.WriteJSON(w, http.StatusOK, entries)
}
