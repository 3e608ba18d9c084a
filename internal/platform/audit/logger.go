package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"cardsync/internal/platform/models"
)

const (
	ActionLink       = "project.link"
	ActionUnlink     = "project.unlink"
	ActionReset      = "project.sync_reset"
	ActionInvalidate = "installation.invalidate"
	ActionReprocess  = "webhook.reprocess"
)

type Logger struct {
	db *sql.DB
}

func NewLogger(db *sql.DB) *Logger {
	return &Logger{db: db}
}

// Log writes an entry synchronously. Failures are logged, never returned;
// the audited action has already happened.
func (l *Logger) Log(ctx context.Context, projectID, action string, metadata map[string]interface{}) {
	metaJSON, _ := json.Marshal(metadata)

	entry := &models.AuditEntry{
		ID:        "audit_" + uuid.New().String(),
		ProjectID: projectID,
		Action:    action,
		Metadata:  metadata,
		CreatedAt: time.Now().UnixMilli(),
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, project_id, action, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, entry.ID, entry.ProjectID, entry.Action, string(metaJSON), entry.CreatedAt)
	if err != nil {
		log.Error().Err(err).Str("project_id", projectID).Str("action", action).Msg("Failed to write audit entry")
	}
}

func (l *Logger) List(ctx context.Context, projectID string, limit int) ([]*models.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, project_id, action, metadata, created_at
		FROM audit_logs WHERE project_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var meta sql.NullString
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Action, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if meta.Valid && meta.String != "" {
			json.Unmarshal([]byte(meta.String), &e.Metadata)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
