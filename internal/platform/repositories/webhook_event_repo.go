package repositories

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"cardsync/internal/platform/models"
)

type WebhookEventRepository struct {
	db *sql.DB
}

func NewWebhookEventRepository(db *sql.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

const webhookEventColumns = `id, delivery_id, event_type, action, repository_name, payload, processed, processed_at, processing_error, retry_count, received_at`

func scanWebhookEvent(scanner interface{ Scan(...interface{}) error }) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	var processed int
	var processedAt sql.NullInt64
	var processingError sql.NullString
	if err := scanner.Scan(&e.ID, &e.DeliveryID, &e.EventType, &e.Action, &e.RepositoryName, &e.Payload, &processed, &processedAt, &processingError, &e.RetryCount, &e.ReceivedAt); err != nil {
		return nil, err
	}
	e.Processed = processed != 0
	if processedAt.Valid {
		v := processedAt.Int64
		e.ProcessedAt = &v
	}
	if processingError.Valid {
		e.ProcessingError = processingError.String
	}
	return &e, nil
}

// Insert persists the event unless its delivery id is already known. The
// check and the write are one statement, so concurrent redeliveries cannot
// both insert.
func (r *WebhookEventRepository) Insert(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	if event.ID == "" {
		event.ID = "whe_" + uuid.New().String()
	}
	if event.ReceivedAt == 0 {
		event.ReceivedAt = nowMillis()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, delivery_id, event_type, action, repository_name, payload, processed, retry_count, received_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)
		ON CONFLICT(delivery_id) DO NOTHING
	`, event.ID, event.DeliveryID, event.EventType, event.Action, event.RepositoryName, event.Payload, event.ReceivedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *WebhookEventRepository) GetByDeliveryID(ctx context.Context, deliveryID string) (*models.WebhookEvent, error) {
	e, err := scanWebhookEvent(r.db.QueryRowContext(ctx, `SELECT `+webhookEventColumns+` FROM webhook_events WHERE delivery_id = ?`, deliveryID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

// MarkProcessed only transitions unprocessed rows and reports whether it did.
func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, deliveryID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events SET processed = 1, processed_at = ?, processing_error = NULL
		WHERE delivery_id = ? AND processed = 0
	`, nowMillis(), deliveryID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *WebhookEventRepository) MarkFailed(ctx context.Context, deliveryID, processingError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events SET processing_error = ?, retry_count = retry_count + 1
		WHERE delivery_id = ? AND processed = 0
	`, processingError, deliveryID)
	return err
}

// ListFailed returns unprocessed events that have failed at least once.
func (r *WebhookEventRepository) ListFailed(ctx context.Context, limit int) ([]*models.WebhookEvent, error) {
	return r.list(ctx, `SELECT `+webhookEventColumns+` FROM webhook_events WHERE processed = 0 AND retry_count > 0 ORDER BY received_at LIMIT ?`, limit)
}

// ListPending returns unprocessed events still under the retry ceiling that
// were received before the given time, oldest first, including ones that were
// never attempted.
func (r *WebhookEventRepository) ListPending(ctx context.Context, maxRetries int, receivedBefore int64, limit int) ([]*models.WebhookEvent, error) {
	return r.list(ctx, `SELECT `+webhookEventColumns+` FROM webhook_events WHERE processed = 0 AND retry_count < ? AND received_at < ? ORDER BY received_at LIMIT ?`, maxRetries, receivedBefore, limit)
}

func (r *WebhookEventRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.WebhookEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
