package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"cardsync/internal/engine/linking"
	"cardsync/internal/pkg/errors"
	"cardsync/internal/platform/models"
)

type Linker interface {
	LinkRepository(ctx context.Context, req linking.LinkRequest) (*models.ProjectLink, error)
	UnlinkRepository(ctx context.Context, projectID string) error
}

type ProjectReader interface {
	Get(ctx context.Context, projectID string) (*models.ProjectLink, error)
}

type LinkHandler struct {
	linker   Linker
	projects ProjectReader
}

func NewLinkHandler(linker Linker, projects ProjectReader) *LinkHandler {
	return &LinkHandler{linker: linker, projects: projects}
}

func (h *LinkHandler) Get(w http.ResponseWriter, r *http.Request) {
	link, err := h.projects.Get(r.Context(), param(r, "project_id"))
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to load project link", nil)
		return
	}
	if link == nil {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Project is not linked", nil)
		return
	}
	errors.WriteJSON(w, http.StatusOK, link)
}

func (h *LinkHandler) Put(w http.ResponseWriter, r *http.Request) {
	var req linking.LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	req.ProjectID = param(r, "project_id")

	link, err := h.linker.LinkRepository(r.Context(), req)
	if err != nil {
		var le *linking.LinkError
		switch {
		case stderrors.Is(err, linking.ErrInvalidLink):
			errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, err.Error(), nil)
		case stderrors.As(err, &le):
			errors.WriteError(w, http.StatusUnprocessableEntity, errors.ErrCodeLinkFailed, "Repository could not be validated", map[string]string{
				"repo":   le.Repo,
				"reason": le.Reason,
			})
		default:
			writeSyncError(w, err, nil)
		}
		return
	}
	errors.WriteJSON(w, http.StatusOK, link)
}

func (h *LinkHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.linker.UnlinkRepository(r.Context(), param(r, "project_id")); err != nil {
		writeSyncError(w, err, nil)
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}
