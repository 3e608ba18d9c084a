// Package linking binds projects to GitHub repositories and tracks the
// lifecycle of the App installations behind them.
package linking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"cardsync/internal/engine/remote"
	"cardsync/internal/engine/syncer"
	"cardsync/internal/platform/audit"
	"cardsync/internal/platform/models"
)

var ErrInvalidLink = errors.New("invalid link request")

// LinkError reports a repository that could not be validated. Nothing was
// committed when it is returned.
type LinkError struct {
	ProjectID string
	Repo      string
	Reason    string
	Err       error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link %s to %s failed (%s): %v", e.ProjectID, e.Repo, e.Reason, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

type ProjectStore interface {
	Get(ctx context.Context, projectID string) (*models.ProjectLink, error)
	Relink(ctx context.Context, link *models.ProjectLink, clearSyncLinks bool) (int64, error)
	Unlink(ctx context.Context, projectID string) error
	ClearFullSync(ctx context.Context, projectID string) error
	MarkRelinkRequired(ctx context.Context, installationID int64) ([]string, error)
}

type SyncLinkStore interface {
	DeleteByProject(ctx context.Context, projectID string) (int64, error)
}

type InstallationStore interface {
	Get(ctx context.Context, installationID int64) (*models.Installation, error)
	Upsert(ctx context.Context, inst *models.Installation) error
}

type Vault interface {
	Trial(installationID int64) (restore func())
	Reset(ctx context.Context, installationID int64) error
	Invalidate(ctx context.Context, installationID int64)
}

type RepoReader interface {
	GetRepository(ctx context.Context, repo string) (*remote.Repository, error)
}

// InstallationLookup fetches installation metadata from GitHub.
type InstallationLookup interface {
	Installation(ctx context.Context, installationID int64) (*models.Installation, error)
}

type Auditor interface {
	Log(ctx context.Context, projectID, action string, metadata map[string]interface{})
}

type Deps struct {
	Projects      ProjectStore
	SyncLinks     SyncLinkStore
	Installations InstallationStore
	Vault         Vault
	Repos         func(installationID int64) RepoReader
	Lookup        InstallationLookup
	Locks         *syncer.ProjectLocks
	Audit         Auditor
	// Dropped is told when an installation's cached client must go.
	Dropped func(installationID int64)
}

type Manager struct {
	d Deps
}

func NewManager(d Deps) *Manager {
	return &Manager{d: d}
}

type LinkRequest struct {
	ProjectID      string `json:"-"`
	RepoFullName   string `json:"repo_full_name"`
	InstallationID int64  `json:"installation_id"`
	WebhookSecret  string `json:"webhook_secret,omitempty"`
}

func (r LinkRequest) validate() error {
	owner, name, ok := strings.Cut(strings.TrimSpace(r.RepoFullName), "/")
	switch {
	case r.ProjectID == "":
		return fmt.Errorf("%w: project id is required", ErrInvalidLink)
	case !ok || owner == "" || name == "" || strings.Contains(name, "/"):
		return fmt.Errorf("%w: repo_full_name must be owner/name", ErrInvalidLink)
	case r.InstallationID <= 0:
		return fmt.Errorf("%w: installation_id is required", ErrInvalidLink)
	}
	return nil
}

// LinkRepository validates the repository with a live call and then points
// the project at it. Relinking the same repository keeps existing sync
// links; a different repository starts from scratch.
func (m *Manager) LinkRepository(ctx context.Context, req LinkRequest) (*models.ProjectLink, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	req.RepoFullName = strings.TrimSpace(req.RepoFullName)

	var link *models.ProjectLink
	err := m.d.Locks.WithProjectLock(ctx, req.ProjectID, func(ctx context.Context) error {
		var err error
		link, err = m.link(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

func (m *Manager) link(ctx context.Context, req LinkRequest) (*models.ProjectLink, error) {
	logger := log.With().Str("project_id", req.ProjectID).Str("repo", req.RepoFullName).Int64("installation_id", req.InstallationID).Logger()

	// an explicit link is the operator saying the installation works again;
	// the invalid mark is only lifted for good once the link is saved
	restore := m.d.Vault.Trial(req.InstallationID)
	committed := false
	defer func() {
		if !committed {
			restore()
		}
	}()
	if m.d.Dropped != nil {
		m.d.Dropped(req.InstallationID)
	}

	repo, err := m.d.Repos(req.InstallationID).GetRepository(ctx, req.RepoFullName)
	if err != nil {
		logger.Warn().Err(err).Msg("Repository validation failed")
		return nil, &LinkError{ProjectID: req.ProjectID, Repo: req.RepoFullName, Reason: remote.KindOf(err).String(), Err: err}
	}
	switch {
	case repo.Archived:
		return nil, &LinkError{ProjectID: req.ProjectID, Repo: req.RepoFullName, Reason: "archived", Err: errors.New("repository is archived")}
	case !repo.HasIssues:
		return nil, &LinkError{ProjectID: req.ProjectID, Repo: req.RepoFullName, Reason: "issues_disabled", Err: errors.New("repository has issues disabled")}
	}

	if err := m.ensureInstallation(ctx, req.InstallationID); err != nil {
		return nil, err
	}

	existing, err := m.d.Projects.Get(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	// LastFullSyncAt starts empty: webhooks may have been missed while the
	// project was not active, so the next pass lists everything.
	link := &models.ProjectLink{
		ProjectID:      req.ProjectID,
		RepoFullName:   repo.FullName,
		InstallationID: req.InstallationID,
		SyncEnabled:    true,
		Status:         models.LinkActive,
		WebhookSecret:  req.WebhookSecret,
	}

	previous := ""
	clearSyncLinks := false
	if existing != nil {
		link.LinkedAt = existing.LinkedAt
		previous = existing.RepoFullName
		if previous == "" {
			previous = existing.PreviousRepoFullName
		}
		sameRepo := strings.EqualFold(previous, repo.FullName)
		if sameRepo && link.WebhookSecret == "" {
			link.WebhookSecret = existing.WebhookSecret
		}
		if previous != "" && !sameRepo {
			clearSyncLinks = true
			link.PreviousRepoFullName = previous
		}
	}

	cleared, err := m.d.Projects.Relink(ctx, link, clearSyncLinks)
	if err != nil {
		return nil, fmt.Errorf("save project link: %w", err)
	}
	committed = true
	if clearSyncLinks {
		logger.Info().Str("previous_repo", previous).Int64("sync_links", cleared).Msg("Repository changed, sync links cleared")
	}

	if err := m.d.Vault.Reset(ctx, req.InstallationID); err != nil {
		logger.Error().Err(err).Msg("Failed to persist cleared installation invalid mark")
	}

	m.d.Audit.Log(ctx, req.ProjectID, audit.ActionLink, map[string]interface{}{
		"repo":            link.RepoFullName,
		"installation_id": link.InstallationID,
		"previous_repo":   previous,
	})
	logger.Info().Msg("Project linked to repository")
	return link, nil
}

func (m *Manager) ensureInstallation(ctx context.Context, installationID int64) error {
	inst, err := m.d.Installations.Get(ctx, installationID)
	if err != nil {
		return err
	}
	if inst != nil && inst.AccountLogin != "" {
		return nil
	}

	fresh := &models.Installation{InstallationID: installationID}
	if m.d.Lookup != nil {
		if got, err := m.d.Lookup.Installation(ctx, installationID); err == nil {
			fresh = got
		} else {
			log.Warn().Err(err).Int64("installation_id", installationID).Msg("Failed to fetch installation metadata")
		}
	}
	return m.d.Installations.Upsert(ctx, fresh)
}

// UnlinkRepository stops syncing the project. Sync links are kept so a later
// relink to the same repository resumes.
func (m *Manager) UnlinkRepository(ctx context.Context, projectID string) error {
	return m.d.Locks.WithProjectLock(ctx, projectID, func(ctx context.Context) error {
		existing, err := m.d.Projects.Get(ctx, projectID)
		if err != nil {
			return err
		}
		if existing == nil || existing.Status == models.LinkUnlinked {
			return syncer.ErrNotLinked
		}
		if err := m.d.Projects.Unlink(ctx, projectID); err != nil {
			return err
		}
		m.d.Audit.Log(ctx, projectID, audit.ActionUnlink, map[string]interface{}{
			"repo":            existing.RepoFullName,
			"installation_id": existing.InstallationID,
		})
		log.Info().Str("project_id", projectID).Str("repo", existing.RepoFullName).Msg("Project unlinked")
		return nil
	})
}

// ResetSyncState forgets every card/issue pairing of the project and the
// full sync watermark. The next pass rebuilds links from body markers.
func (m *Manager) ResetSyncState(ctx context.Context, projectID string) (int64, error) {
	var deleted int64
	err := m.d.Locks.WithProjectLock(ctx, projectID, func(ctx context.Context) error {
		existing, err := m.d.Projects.Get(ctx, projectID)
		if err != nil {
			return err
		}
		if existing == nil {
			return syncer.ErrNotLinked
		}
		deleted, err = m.d.SyncLinks.DeleteByProject(ctx, projectID)
		if err != nil {
			return err
		}
		if err := m.d.Projects.ClearFullSync(ctx, projectID); err != nil {
			return err
		}
		m.d.Audit.Log(ctx, projectID, audit.ActionReset, map[string]interface{}{"deleted_links": deleted})
		log.Warn().Str("project_id", projectID).Int64("deleted_links", deleted).Msg("Sync state reset")
		return nil
	})
	return deleted, err
}

// InvalidateInstallation marks the installation unusable and every project
// on it as needing a relink. It does not take project locks; the engine
// calls it while holding one.
func (m *Manager) InvalidateInstallation(ctx context.Context, installationID int64, reason string) error {
	m.d.Vault.Invalidate(ctx, installationID)
	if m.d.Dropped != nil {
		m.d.Dropped(installationID)
	}

	projects, err := m.d.Projects.MarkRelinkRequired(ctx, installationID)
	if err != nil {
		return fmt.Errorf("mark projects for relink: %w", err)
	}
	for _, projectID := range projects {
		m.d.Audit.Log(ctx, projectID, audit.ActionInvalidate, map[string]interface{}{
			"installation_id": installationID,
			"reason":          reason,
		})
	}
	log.Warn().Int64("installation_id", installationID).Strs("projects", projects).Str("reason", reason).Msg("Installation invalidated")
	return nil
}

// HandleInstallation applies an App installation webhook.
func (m *Manager) HandleInstallation(ctx context.Context, action string, inst *models.Installation) error {
	switch action {
	case "created", "new_permissions_accepted":
		return m.d.Installations.Upsert(ctx, inst)
	case "unsuspend":
		if err := m.d.Installations.Upsert(ctx, inst); err != nil {
			return err
		}
		return m.d.Vault.Reset(ctx, inst.InstallationID)
	case "deleted", "suspend":
		return m.InvalidateInstallation(ctx, inst.InstallationID, "installation "+action)
	}
	return nil
}
