package models

import (
	"time"
)

// Message statuses persisted in Postgres.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusExpired    = "expired"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Processing stages recorded in metadata.processing_stage.
const (
	StageQueued           = "queued"
	StageWorkerProcessing = "worker_processing"
	StagePolling          = "polling_external"
	StageCompleted        = "completed"
	StageFailed           = "failed"
	StageRecoveryQueued   = "recovery_queued"
	StageJanitorResolved  = "janitor_resolved"
)

// TerminalStatus reports whether no further transitions are expected.
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Message represents one unit of user-visible work persisted in Postgres.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	FileIDs   []string       `json:"file_ids,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Query returns the text the external processor should answer: the query
// recorded at enqueue time for assistant placeholder rows, or the row content
// itself for user rows. Recovery envelopes are rebuilt from this.
func (m Message) Query() string {
	if q, ok := m.Metadata["query"].(string); ok && q != "" {
		return q
	}
	return m.Content
}

// StageUpdate is the partial processing_stage trace merged into message
// metadata. Zero-valued fields are omitted so merges never erase prior keys.
type StageUpdate struct {
	Stage                string  `json:"stage,omitempty"`
	StartedAt            string  `json:"started_at,omitempty"`
	LastUpdated          string  `json:"last_updated,omitempty"`
	CompletionPercentage float64 `json:"completion_percentage,omitempty"`
	Error                string  `json:"error,omitempty"`
	WorkerStartedAt      string  `json:"worker_started_at,omitempty"`
	CompletedAt          string  `json:"completed_at,omitempty"`
	FailedAt             string  `json:"failed_at,omitempty"`
	PreviousStatus       string  `json:"previous_status,omitempty"`
	WorkerID             string  `json:"worker_id,omitempty"`
	TokensUsed           int     `json:"tokens_used,omitempty"`
}

// JobPayload carries everything the external processor needs.
type JobPayload struct {
	Query     string   `json:"query"`
	UserID    string   `json:"user_id"`
	SessionID string   `json:"session_id"`
	FileIDs   []string `json:"file_ids"`
}

// JobEnvelope is the durable queue's unit of dispatch, correlated to a
// message id. Attempt is 0-based and incremented by the queue on nack.
type JobEnvelope struct {
	JobID       string     `json:"job_id"`
	MessageID   string     `json:"message_id"`
	Payload     JobPayload `json:"payload"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	Priority    int        `json:"priority"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
}
