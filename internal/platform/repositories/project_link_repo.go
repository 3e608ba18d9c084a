package repositories

import (
	"context"
	"database/sql"

	"cardsync/internal/platform/models"
)

type ProjectLinkRepository struct {
	db  *sql.DB
	box Sealer
}

func NewProjectLinkRepository(db *sql.DB, box Sealer) *ProjectLinkRepository {
	return &ProjectLinkRepository{db: db, box: box}
}

const projectLinkColumns = `project_id, repo_full_name, installation_id, sync_enabled, status, last_full_sync_at, webhook_secret, previous_repo_full_name, linked_at, updated_at`

func (r *ProjectLinkRepository) scan(scanner interface{ Scan(...interface{}) error }) (*models.ProjectLink, error) {
	var l models.ProjectLink
	var installationID, lastFullSync sql.NullInt64
	var secret sql.NullString
	var enabled int
	var status string
	if err := scanner.Scan(&l.ProjectID, &l.RepoFullName, &installationID, &enabled, &status, &lastFullSync, &secret, &l.PreviousRepoFullName, &l.LinkedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.SyncEnabled = enabled != 0
	l.Status = models.LinkStatus(status)
	if installationID.Valid {
		l.InstallationID = installationID.Int64
	}
	if lastFullSync.Valid {
		v := lastFullSync.Int64
		l.LastFullSyncAt = &v
	}
	if secret.Valid && secret.String != "" {
		plain, err := r.box.Open(secret.String)
		if err != nil {
			return nil, err
		}
		l.WebhookSecret = plain
	}
	return &l, nil
}

func (r *ProjectLinkRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.ProjectLink, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []*models.ProjectLink
	for rows.Next() {
		l, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func (r *ProjectLinkRepository) Get(ctx context.Context, projectID string) (*models.ProjectLink, error) {
	l, err := r.scan(r.db.QueryRowContext(ctx, `SELECT `+projectLinkColumns+` FROM project_links WHERE project_id = ?`, projectID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return l, nil
}

// ListByRepository returns every project currently linked to the repository,
// including ones waiting for a relink.
func (r *ProjectLinkRepository) ListByRepository(ctx context.Context, repoFullName string) ([]*models.ProjectLink, error) {
	return r.list(ctx, `SELECT `+projectLinkColumns+` FROM project_links WHERE repo_full_name = ? COLLATE NOCASE AND status != 'unlinked' ORDER BY project_id`, repoFullName)
}

func (r *ProjectLinkRepository) ListSyncEnabled(ctx context.Context) ([]*models.ProjectLink, error) {
	return r.list(ctx, `SELECT `+projectLinkColumns+` FROM project_links WHERE sync_enabled = 1 AND status = 'active' ORDER BY project_id`)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (r *ProjectLinkRepository) Upsert(ctx context.Context, link *models.ProjectLink) error {
	return r.upsert(ctx, r.db, link)
}

// Relink saves the link and, when clearSyncLinks is set, drops the project's
// sync links in the same transaction. It returns how many were dropped.
func (r *ProjectLinkRepository) Relink(ctx context.Context, link *models.ProjectLink, clearSyncLinks bool) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var cleared int64
	if clearSyncLinks {
		res, err := tx.ExecContext(ctx, `DELETE FROM sync_links WHERE project_id = ?`, link.ProjectID)
		if err != nil {
			return 0, err
		}
		if cleared, err = res.RowsAffected(); err != nil {
			return 0, err
		}
	}
	if err := r.upsert(ctx, tx, link); err != nil {
		return 0, err
	}
	return cleared, tx.Commit()
}

func (r *ProjectLinkRepository) upsert(ctx context.Context, db execer, link *models.ProjectLink) error {
	now := nowMillis()
	if link.LinkedAt == 0 {
		link.LinkedAt = now
	}
	link.UpdatedAt = now

	var secret sql.NullString
	if link.WebhookSecret != "" {
		sealed, err := r.box.Seal(link.WebhookSecret)
		if err != nil {
			return err
		}
		secret = sql.NullString{String: sealed, Valid: true}
	}
	var installationID sql.NullInt64
	if link.InstallationID != 0 {
		installationID = sql.NullInt64{Int64: link.InstallationID, Valid: true}
	}
	var lastFullSync sql.NullInt64
	if link.LastFullSyncAt != nil {
		lastFullSync = sql.NullInt64{Int64: *link.LastFullSyncAt, Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO project_links (`+projectLinkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			repo_full_name = excluded.repo_full_name,
			installation_id = excluded.installation_id,
			sync_enabled = excluded.sync_enabled,
			status = excluded.status,
			last_full_sync_at = excluded.last_full_sync_at,
			webhook_secret = excluded.webhook_secret,
			previous_repo_full_name = excluded.previous_repo_full_name,
			linked_at = excluded.linked_at,
			updated_at = excluded.updated_at
	`, link.ProjectID, link.RepoFullName, installationID, boolToInt(link.SyncEnabled), string(link.Status), lastFullSync, secret, link.PreviousRepoFullName, link.LinkedAt, link.UpdatedAt)
	return err
}

func (r *ProjectLinkRepository) MarkFullSync(ctx context.Context, projectID string, at int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE project_links SET last_full_sync_at = ?, updated_at = ? WHERE project_id = ?`, at, nowMillis(), projectID)
	return err
}

func (r *ProjectLinkRepository) ClearFullSync(ctx context.Context, projectID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE project_links SET last_full_sync_at = NULL, updated_at = ? WHERE project_id = ?`, nowMillis(), projectID)
	return err
}

// Unlink disables sync and clears the repository and installation. The
// previous repository name is remembered so a relink to the same repository
// resumes from the existing sync links.
func (r *ProjectLinkRepository) Unlink(ctx context.Context, projectID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE project_links
		SET previous_repo_full_name = CASE WHEN repo_full_name != '' THEN repo_full_name ELSE previous_repo_full_name END,
			repo_full_name = '', installation_id = NULL, sync_enabled = 0, status = 'unlinked',
			webhook_secret = NULL, updated_at = ?
		WHERE project_id = ?
	`, nowMillis(), projectID)
	return err
}

// MarkRelinkRequired flags every project using the installation. The
// repository name stays so webhooks for it can still be attributed.
func (r *ProjectLinkRepository) MarkRelinkRequired(ctx context.Context, installationID int64) ([]string, error) {
	links, err := r.list(ctx, `SELECT `+projectLinkColumns+` FROM project_links WHERE installation_id = ? AND status = 'active'`, installationID)
	if err != nil {
		return nil, err
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE project_links
		SET status = 'relink_required', sync_enabled = 0, installation_id = NULL, updated_at = ?
		WHERE installation_id = ? AND status = 'active'
	`, nowMillis(), installationID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(links))
	for _, l := range links {
		ids = append(ids, l.ProjectID)
	}
	return ids, nil
}
