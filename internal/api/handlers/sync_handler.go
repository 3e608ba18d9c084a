package handlers

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"cardsync/internal/engine/remote"
	"cardsync/internal/engine/syncer"
	"cardsync/internal/pkg/errors"
	"cardsync/internal/platform/models"
)

type ProjectSyncer interface {
	SyncProject(ctx context.Context, projectID string, opts syncer.Options) (*syncer.Result, error)
	SyncCardToRemote(ctx context.Context, cardID string) (*models.Card, error)
	DefaultOptions() syncer.Options
}

type SyncResetter interface {
	ResetSyncState(ctx context.Context, projectID string) (int64, error)
}

type SyncHandler struct {
	engine   ProjectSyncer
	resetter SyncResetter
}

func NewSyncHandler(engine ProjectSyncer, resetter SyncResetter) *SyncHandler {
	return &SyncHandler{engine: engine, resetter: resetter}
}

type syncProjectRequest struct {
	SyncComments *bool `json:"sync_comments"`
	SyncLabels   *bool `json:"sync_labels"`
}

type syncProjectResponse struct {
	Success bool                 `json:"success"`
	Status  syncer.Status        `json:"status"`
	Stats   syncer.Stats         `json:"stats"`
	Errors  []syncer.EntityError `json:"errors"`
}

func (h *SyncHandler) SyncProject(w http.ResponseWriter, r *http.Request) {
	projectID := param(r, "project_id")

	var req syncProjectRequest
	if err := decodeOptional(r, &req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	opts := h.engine.DefaultOptions()
	if req.SyncComments != nil {
		opts.SyncComments = *req.SyncComments
	}
	if req.SyncLabels != nil {
		opts.SyncLabels = *req.SyncLabels
	}

	result, err := h.engine.SyncProject(r.Context(), projectID, opts)
	if err != nil {
		var details interface{}
		if result != nil {
			details = toSyncResponse(result)
		}
		writeSyncError(w, err, details)
		return
	}

	errors.WriteJSON(w, http.StatusOK, toSyncResponse(result))
}

func toSyncResponse(result *syncer.Result) syncProjectResponse {
	return syncProjectResponse{
		Success: result.Status == syncer.StatusSynced,
		Status:  result.Status,
		Stats:   result.Stats,
		Errors:  result.Errors,
	}
}

func (h *SyncHandler) SyncCard(w http.ResponseWriter, r *http.Request) {
	card, err := h.engine.SyncCardToRemote(r.Context(), param(r, "card_id"))
	if err != nil {
		writeSyncError(w, err, nil)
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true, "card": card})
}

func (h *SyncHandler) Reset(w http.ResponseWriter, r *http.Request) {
	projectID := param(r, "project_id")
	deleted, err := h.resetter.ResetSyncState(r.Context(), projectID)
	if err != nil {
		writeSyncError(w, err, nil)
		return
	}
	log.Info().Str("project_id", projectID).Str("client_id", clientID(r)).Int64("deleted_links", deleted).Msg("Sync state reset via API")
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true, "deleted_links": deleted})
}

// writeSyncError maps engine errors onto the API error codes.
func writeSyncError(w http.ResponseWriter, err error, details interface{}) {
	switch {
	case stderrors.Is(err, syncer.ErrSyncInProgress):
		errors.WriteError(w, http.StatusConflict, errors.ErrCodeSyncInProgress, "A sync is already running for this project", details)
	case stderrors.Is(err, syncer.ErrRelinkRequired):
		errors.WriteError(w, http.StatusConflict, errors.ErrCodeRelinkRequired, "The GitHub installation must be relinked", details)
	case stderrors.Is(err, syncer.ErrNotLinked):
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Project is not linked to a repository", details)
	case stderrors.Is(err, syncer.ErrCardNotFound):
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Card not found", details)
	case remote.Is(err, remote.KindRateLimited):
		errors.WriteError(w, http.StatusTooManyRequests, errors.ErrCodeRateLimitExceeded, "GitHub rate limit exhausted", details)
	case remote.KindOf(err) != remote.KindOther:
		errors.WriteError(w, http.StatusBadGateway, errors.ErrCodeInternal, err.Error(), details)
	case stderrors.Is(err, syncer.ErrLeaseExpired), stderrors.Is(err, context.DeadlineExceeded):
		errors.WriteError(w, http.StatusGatewayTimeout, errors.ErrCodeInternal, "Sync did not finish in time", details)
	default:
		log.Error().Err(err).Msg("Sync request failed")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Sync failed", details)
	}
}
