package models

// SyncSnapshot is the title/body/state both sides agreed on at the last
// successful sync. It is the base for three-way merges.
type SyncSnapshot struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	State string `json:"state"`
}

type SyncLink struct {
	CardID              string        `json:"card_id"`
	ProjectID           string        `json:"project_id"`
	RemoteIssueNumber   int           `json:"remote_issue_number"`
	RemoteIssueID       int64         `json:"remote_issue_id"`
	LastSyncedAt        int64         `json:"last_synced_at"`
	LastRemoteUpdatedAt int64         `json:"last_remote_updated_at"`
	LastLocalUpdatedAt  int64         `json:"last_local_updated_at"`
	ContentHash         string        `json:"last_synced_content_hash,omitempty"`
	Snapshot            *SyncSnapshot `json:"last_synced_snapshot,omitempty"`
}

type LinkStatus string

const (
	LinkActive         LinkStatus = "active"
	LinkRelinkRequired LinkStatus = "relink_required"
	LinkUnlinked       LinkStatus = "unlinked"
)

type ProjectLink struct {
	ProjectID            string     `json:"project_id"`
	RepoFullName         string     `json:"repo_full_name"`
	InstallationID       int64      `json:"installation_id"`
	SyncEnabled          bool       `json:"sync_enabled"`
	Status               LinkStatus `json:"status"`
	LastFullSyncAt       *int64     `json:"last_full_sync_at,omitempty"`
	WebhookSecret        string     `json:"-"`
	PreviousRepoFullName string     `json:"previous_repo_full_name,omitempty"`
	LinkedAt             int64      `json:"linked_at"`
	UpdatedAt            int64      `json:"updated_at"`
}

type Installation struct {
	InstallationID      int64  `json:"installation_id"`
	AccountLogin        string `json:"account_login"`
	AccountType         string `json:"account_type"`
	RepositorySelection string `json:"repository_selection"`
	AccessToken         string `json:"-"`
	ExpiresAt           *int64 `json:"expires_at,omitempty"`
	Invalid             bool   `json:"invalid"`
	InvalidatedAt       *int64 `json:"invalidated_at,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	UpdatedAt           int64  `json:"updated_at"`
}
