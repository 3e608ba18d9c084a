package models

type WebhookEvent struct {
	ID              string `json:"id"`
	DeliveryID      string `json:"delivery_id"`
	EventType       string `json:"event_type"`
	Action          string `json:"action,omitempty"`
	RepositoryName  string `json:"repository_name,omitempty"`
	Payload         []byte `json:"-"`
	Processed       bool   `json:"processed"`
	ProcessedAt     *int64 `json:"processed_at,omitempty"`
	ProcessingError string `json:"processing_error,omitempty"`
	RetryCount      int    `json:"retry_count"`
	ReceivedAt      int64  `json:"received_at"`
}

type AuditEntry struct {
	ID        string                 `json:"id"`
	ProjectID string                 `json:"project_id"`
	Action    string                 `json:"action"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt int64                  `json:"created_at"`
}
