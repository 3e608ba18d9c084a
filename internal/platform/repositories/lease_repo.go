package repositories

import (
	"context"
	"database/sql"
)

// LeaseRepository stores per-project sync leases so that processes sharing
// one database never sync the same project at the same time.
type LeaseRepository struct {
	db *sql.DB
}

func NewLeaseRepository(db *sql.DB) *LeaseRepository {
	return &LeaseRepository{db: db}
}

// TryAcquire takes the project's lease for holder unless another holder owns
// an unexpired one. Times are unix milliseconds.
func (r *LeaseRepository) TryAcquire(ctx context.Context, projectID, holder string, now, expiresAt int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO project_leases (project_id, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE project_leases.expires_at <= excluded.acquired_at
	`, projectID, holder, now, expiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release drops the lease if holder still owns it.
func (r *LeaseRepository) Release(ctx context.Context, projectID, holder string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM project_leases WHERE project_id = ? AND holder = ?`, projectID, holder)
	return err
}
