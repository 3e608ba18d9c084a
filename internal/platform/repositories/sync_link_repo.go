package repositories

import (
	"context"
	"database/sql"
	"encoding/json"

	"cardsync/internal/platform/models"
)

type SyncLinkRepository struct {
	db *sql.DB
}

func NewSyncLinkRepository(db *sql.DB) *SyncLinkRepository {
	return &SyncLinkRepository{db: db}
}

const syncLinkColumns = `card_id, project_id, remote_issue_number, remote_issue_id, last_synced_at, last_remote_updated_at, last_local_updated_at, last_synced_content_hash, last_synced_snapshot`

func scanSyncLink(scanner interface{ Scan(...interface{}) error }) (*models.SyncLink, error) {
	var l models.SyncLink
	var hash, snapshot sql.NullString
	if err := scanner.Scan(&l.CardID, &l.ProjectID, &l.RemoteIssueNumber, &l.RemoteIssueID, &l.LastSyncedAt, &l.LastRemoteUpdatedAt, &l.LastLocalUpdatedAt, &hash, &snapshot); err != nil {
		return nil, err
	}
	if hash.Valid {
		l.ContentHash = hash.String
	}
	if snapshot.Valid && snapshot.String != "" {
		var s models.SyncSnapshot
		if err := json.Unmarshal([]byte(snapshot.String), &s); err == nil {
			l.Snapshot = &s
		}
	}
	return &l, nil
}

func (r *SyncLinkRepository) GetByCard(ctx context.Context, cardID string) (*models.SyncLink, error) {
	link, err := scanSyncLink(r.db.QueryRowContext(ctx, `SELECT `+syncLinkColumns+` FROM sync_links WHERE card_id = ?`, cardID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return link, nil
}

func (r *SyncLinkRepository) GetByIssue(ctx context.Context, projectID string, issueNumber int) (*models.SyncLink, error) {
	link, err := scanSyncLink(r.db.QueryRowContext(ctx, `SELECT `+syncLinkColumns+` FROM sync_links WHERE project_id = ? AND remote_issue_number = ?`, projectID, issueNumber))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return link, nil
}

func (r *SyncLinkRepository) ListByProject(ctx context.Context, projectID string) ([]*models.SyncLink, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+syncLinkColumns+` FROM sync_links WHERE project_id = ? ORDER BY remote_issue_number`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []*models.SyncLink
	for rows.Next() {
		link, err := scanSyncLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// Upsert creates or replaces the link keyed by card id. The unique index on
// (project_id, remote_issue_number) rejects a second card claiming the same
// issue.
func (r *SyncLinkRepository) Upsert(ctx context.Context, link *models.SyncLink) error {
	var snapshot sql.NullString
	if link.Snapshot != nil {
		data, err := json.Marshal(link.Snapshot)
		if err != nil {
			return err
		}
		snapshot = sql.NullString{String: string(data), Valid: true}
	}
	var hash sql.NullString
	if link.ContentHash != "" {
		hash = sql.NullString{String: link.ContentHash, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_links (`+syncLinkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(card_id) DO UPDATE SET
			project_id = excluded.project_id,
			remote_issue_number = excluded.remote_issue_number,
			remote_issue_id = excluded.remote_issue_id,
			last_synced_at = excluded.last_synced_at,
			last_remote_updated_at = excluded.last_remote_updated_at,
			last_local_updated_at = excluded.last_local_updated_at,
			last_synced_content_hash = excluded.last_synced_content_hash,
			last_synced_snapshot = excluded.last_synced_snapshot
	`, link.CardID, link.ProjectID, link.RemoteIssueNumber, link.RemoteIssueID, link.LastSyncedAt, link.LastRemoteUpdatedAt, link.LastLocalUpdatedAt, hash, snapshot)
	return err
}

func (r *SyncLinkRepository) DeleteByProject(ctx context.Context, projectID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sync_links WHERE project_id = ?`, projectID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
