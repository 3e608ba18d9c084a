package repositories

import (
	"context"
	"database/sql"
	"time"

	"cardsync/internal/platform/models"
)

type InstallationRepository struct {
	db  *sql.DB
	box Sealer
}

func NewInstallationRepository(db *sql.DB, box Sealer) *InstallationRepository {
	return &InstallationRepository{db: db, box: box}
}

func (r *InstallationRepository) Get(ctx context.Context, installationID int64) (*models.Installation, error) {
	var inst models.Installation
	var token sql.NullString
	var expiresAt, invalidatedAt sql.NullInt64
	var invalid int

	err := r.db.QueryRowContext(ctx, `
		SELECT installation_id, account_login, account_type, repository_selection, access_token, expires_at, invalid, invalidated_at, created_at, updated_at
		FROM installations WHERE installation_id = ?
	`, installationID).Scan(&inst.InstallationID, &inst.AccountLogin, &inst.AccountType, &inst.RepositorySelection, &token, &expiresAt, &invalid, &invalidatedAt, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	inst.Invalid = invalid != 0
	if expiresAt.Valid {
		v := expiresAt.Int64
		inst.ExpiresAt = &v
	}
	if invalidatedAt.Valid {
		v := invalidatedAt.Int64
		inst.InvalidatedAt = &v
	}
	if token.Valid && token.String != "" {
		plain, err := r.box.Open(token.String)
		if err != nil {
			// an unreadable cached token is just a cache miss
			inst.AccessToken = ""
			inst.ExpiresAt = nil
		} else {
			inst.AccessToken = plain
		}
	}
	return &inst, nil
}

// Upsert records installation metadata. Cached tokens and the invalid flag
// are left untouched on conflict.
func (r *InstallationRepository) Upsert(ctx context.Context, inst *models.Installation) error {
	now := nowMillis()
	if inst.CreatedAt == 0 {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO installations (installation_id, account_login, account_type, repository_selection, invalid, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(installation_id) DO UPDATE SET
			account_login = CASE WHEN excluded.account_login != '' THEN excluded.account_login ELSE installations.account_login END,
			account_type = CASE WHEN excluded.account_type != '' THEN excluded.account_type ELSE installations.account_type END,
			repository_selection = CASE WHEN excluded.repository_selection != '' THEN excluded.repository_selection ELSE installations.repository_selection END,
			updated_at = excluded.updated_at
	`, inst.InstallationID, inst.AccountLogin, inst.AccountType, inst.RepositorySelection, inst.CreatedAt, inst.UpdatedAt)
	return err
}

func (r *InstallationRepository) SaveToken(ctx context.Context, installationID int64, token string, expiresAt time.Time) error {
	sealed, err := r.box.Seal(token)
	if err != nil {
		return err
	}
	now := nowMillis()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO installations (installation_id, access_token, expires_at, invalid, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(installation_id) DO UPDATE SET
			access_token = excluded.access_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, installationID, sealed, expiresAt.UnixMilli(), now, now)
	return err
}

func (r *InstallationRepository) MarkInvalid(ctx context.Context, installationID int64) error {
	now := nowMillis()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO installations (installation_id, invalid, invalidated_at, created_at, updated_at)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(installation_id) DO UPDATE SET
			invalid = 1, invalidated_at = excluded.invalidated_at,
			access_token = NULL, expires_at = NULL, updated_at = excluded.updated_at
	`, installationID, now, now, now)
	return err
}

func (r *InstallationRepository) ClearInvalid(ctx context.Context, installationID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE installations SET invalid = 0, invalidated_at = NULL, updated_at = ?
		WHERE installation_id = ?
	`, nowMillis(), installationID)
	return err
}
