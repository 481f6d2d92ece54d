package queue

import (
	"time"

	"chat-message-pipeline/internal/models"
)

// recoverySuffix distinguishes recovery-originated job ids from the producer's
// live job for the same message, so the duplicate check never confuses them.
const recoverySuffix = "-recovery"

// NewEnvelope derives the producer's envelope for a message. The job id is
// deterministic per message so duplicate producer enqueues collapse naturally.
func NewEnvelope(m models.Message, priority, maxAttempts int) models.JobEnvelope {
	return models.JobEnvelope{
		JobID:       "job-" + m.ID,
		MessageID:   m.ID,
		Payload:     payloadFrom(m),
		Attempt:     0,
		MaxAttempts: maxAttempts,
		Priority:    priority,
		EnqueuedAt:  time.Now().UTC(),
	}
}

// NewRecoveryEnvelope builds an elevated-priority envelope from the message's
// own fields, used by the recovery scanner for abandoned work.
func NewRecoveryEnvelope(m models.Message, priority, maxAttempts int) models.JobEnvelope {
	env := NewEnvelope(m, priority, maxAttempts)
	env.JobID = "job-" + m.ID + recoverySuffix
	return env
}

func payloadFrom(m models.Message) models.JobPayload {
	fileIDs := m.FileIDs
	if fileIDs == nil {
		fileIDs = []string{}
	}
	return models.JobPayload{
		Query:     m.Query(),
		UserID:    m.UserID,
		SessionID: m.SessionID,
		FileIDs:   fileIDs,
	}
}
