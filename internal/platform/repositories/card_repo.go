package repositories

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"cardsync/internal/platform/models"
)

type CardRepository struct {
	db *sql.DB
}

func NewCardRepository(db *sql.DB) *CardRepository {
	return &CardRepository{db: db}
}

const cardColumns = `id, project_id, title, description, acceptance_criteria, status, priority, is_ai_allowed_task, agent_instructions, created_at, updated_at`

func scanCard(scanner interface{ Scan(...interface{}) error }) (*models.Card, error) {
	var c models.Card
	var status string
	var aiAllowed int
	if err := scanner.Scan(&c.ID, &c.ProjectID, &c.Title, &c.Description, &c.AcceptanceCriteria, &status, &c.Priority, &aiAllowed, &c.AgentInstructions, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = models.CardStatus(status)
	c.IsAiAllowedTask = aiAllowed != 0
	return &c, nil
}

// Create inserts the card and its labels. Missing id, status, priority and
// timestamps are filled in.
func (r *CardRepository) Create(ctx context.Context, card *models.Card) error {
	if card.ID == "" {
		card.ID = "card_" + uuid.New().String()
	}
	if card.Status == "" {
		card.Status = models.StatusRefinement
	}
	if card.Priority == "" {
		card.Priority = "MEDIUM"
	}
	now := nowMillis()
	if card.CreatedAt == 0 {
		card.CreatedAt = now
	}
	if card.UpdatedAt == 0 {
		card.UpdatedAt = now
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cards (`+cardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, card.ID, card.ProjectID, card.Title, card.Description, card.AcceptanceCriteria, string(card.Status), card.Priority, boolToInt(card.IsAiAllowedTask), card.AgentInstructions, card.CreatedAt, card.UpdatedAt)
	if err != nil {
		return err
	}
	if err := insertLabels(ctx, tx, card.ID, card.Labels); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *CardRepository) GetByID(ctx context.Context, id string) (*models.Card, error) {
	card, err := scanCard(r.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	labels, err := r.labels(ctx, `SELECT card_id, name FROM card_labels WHERE card_id = ? ORDER BY name`, id)
	if err != nil {
		return nil, err
	}
	card.Labels = labels[id]
	return card, nil
}

func (r *CardRepository) ListByProject(ctx context.Context, projectID string) ([]*models.Card, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE project_id = ? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}

	var cards []*models.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		cards = append(cards, card)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	labels, err := r.labels(ctx, `
		SELECT cl.card_id, cl.name FROM card_labels cl
		JOIN cards c ON c.id = cl.card_id
		WHERE c.project_id = ? ORDER BY cl.name
	`, projectID)
	if err != nil {
		return nil, err
	}
	for _, card := range cards {
		card.Labels = labels[card.ID]
	}
	return cards, nil
}

func (r *CardRepository) labels(ctx context.Context, query string, arg string) (map[string][]string, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]string{}
	for rows.Next() {
		var cardID, name string
		if err := rows.Scan(&cardID, &name); err != nil {
			return nil, err
		}
		out[cardID] = append(out[cardID], name)
	}
	return out, rows.Err()
}

// Update writes the mutable fields and replaces the label set. UpdatedAt is
// bumped to now.
func (r *CardRepository) Update(ctx context.Context, card *models.Card) error {
	card.UpdatedAt = nowMillis()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE cards
		SET title = ?, description = ?, acceptance_criteria = ?, status = ?, priority = ?, is_ai_allowed_task = ?, agent_instructions = ?, updated_at = ?
		WHERE id = ?
	`, card.Title, card.Description, card.AcceptanceCriteria, string(card.Status), card.Priority, boolToInt(card.IsAiAllowedTask), card.AgentInstructions, card.UpdatedAt, card.ID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM card_labels WHERE card_id = ?`, card.ID); err != nil {
		return err
	}
	if err := insertLabels(ctx, tx, card.ID, card.Labels); err != nil {
		return err
	}
	return tx.Commit()
}

func insertLabels(ctx context.Context, tx *sql.Tx, cardID string, labels []string) error {
	seen := map[string]bool{}
	for _, name := range labels {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if _, err := tx.ExecContext(ctx, `INSERT INTO card_labels (card_id, name) VALUES (?, ?)`, cardID, name); err != nil {
			return err
		}
	}
	return nil
}

func (r *CardRepository) ListComments(ctx context.Context, cardID string) ([]*models.Comment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, card_id, body, author, remote_comment_id, is_system, created_at
		FROM card_comments WHERE card_id = ? ORDER BY created_at, id
	`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []*models.Comment
	for rows.Next() {
		var c models.Comment
		var remoteID sql.NullInt64
		var isSystem int
		if err := rows.Scan(&c.ID, &c.CardID, &c.Body, &c.Author, &remoteID, &isSystem, &c.CreatedAt); err != nil {
			return nil, err
		}
		if remoteID.Valid {
			id := remoteID.Int64
			c.RemoteCommentID = &id
		}
		c.IsSystem = isSystem != 0
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}

// CreateComment inserts a comment. A comment whose remote id is already
// stored is ignored and reported as not created.
func (r *CardRepository) CreateComment(ctx context.Context, comment *models.Comment) (bool, error) {
	if comment.ID == "" {
		comment.ID = "cmt_" + uuid.New().String()
	}
	if comment.CreatedAt == 0 {
		comment.CreatedAt = nowMillis()
	}

	var remoteID sql.NullInt64
	if comment.RemoteCommentID != nil {
		remoteID = sql.NullInt64{Int64: *comment.RemoteCommentID, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO card_comments (id, card_id, body, author, remote_comment_id, is_system, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, comment.ID, comment.CardID, comment.Body, comment.Author, remoteID, boolToInt(comment.IsSystem), comment.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetCommentRemoteID records the remote id after a local comment was pushed.
func (r *CardRepository) SetCommentRemoteID(ctx context.Context, commentID string, remoteID int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE card_comments SET remote_comment_id = ? WHERE id = ?`, remoteID, commentID)
	return err
}
