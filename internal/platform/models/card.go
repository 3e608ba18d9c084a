package models

type CardStatus string

const (
	StatusRefinement     CardStatus = "REFINEMENT"
	StatusReady          CardStatus = "READY"
	StatusInProgress     CardStatus = "IN_PROGRESS"
	StatusBlocked        CardStatus = "BLOCKED"
	StatusReadyForReview CardStatus = "READY_FOR_REVIEW"
	StatusCompleted      CardStatus = "COMPLETED"
)

func (s CardStatus) Valid() bool {
	switch s {
	case StatusRefinement, StatusReady, StatusInProgress, StatusBlocked, StatusReadyForReview, StatusCompleted:
		return true
	}
	return false
}

type Card struct {
	ID                 string     `json:"id"`
	ProjectID          string     `json:"project_id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	AcceptanceCriteria string     `json:"acceptance_criteria"`
	Status             CardStatus `json:"status"`
	Priority           string     `json:"priority"`
	Labels             []string   `json:"labels"`
	IsAiAllowedTask    bool       `json:"is_ai_allowed_task"`
	AgentInstructions  string     `json:"agent_instructions,omitempty"`
	CreatedAt          int64      `json:"created_at"`
	UpdatedAt          int64      `json:"updated_at"`
}

type Comment struct {
	ID              string `json:"id"`
	CardID          string `json:"card_id"`
	Body            string `json:"body"`
	Author          string `json:"author"`
	RemoteCommentID *int64 `json:"remote_comment_id,omitempty"`
	IsSystem        bool   `json:"is_system"`
	CreatedAt       int64  `json:"created_at"`
}
