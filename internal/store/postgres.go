package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat-message-pipeline/internal/models"
)

// ErrMessageNotFound is returned when a message id has no row. Retrying a job
// cannot fix this, so callers treat it as a data error and ack.
var ErrMessageNotFound = errors.New("message not found")

// Store wraps pgxpool for Postgres persistence of messages.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// stageJSON marshals a partial stage update. Fields are omitempty so the
// resulting merge is additive and never erases keys written by other components.
func stageJSON(u models.StageUpdate) ([]byte, error) {
	if u.LastUpdated == "" {
		u.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	}
	return json.Marshal(u)
}

// mergeStageSQL merges a partial processing_stage object into metadata in a
// single UPDATE. The nested merge keeps sibling metadata keys and prior stage
// fields intact; concurrent writers append rather than overwrite each other.
const mergeStageSQL = `jsonb_set(COALESCE(metadata, '{}'::jsonb), '{processing_stage}',
	COALESCE(metadata->'processing_stage', '{}'::jsonb) || $2::jsonb)`

// CreateMessageParams collects inputs required to insert a message row.
// Query, when set, is recorded in metadata so recovery can rebuild an
// envelope from the row alone even while content is still empty.
type CreateMessageParams struct {
	SessionID string
	UserID    string
	Role      string
	Content   string
	Status    string
	Query     string
	FileIDs   []string
}

// CreateMessage inserts a message row and returns it.
func (s *Store) CreateMessage(ctx context.Context, p CreateMessageParams) (models.Message, error) {
	if p.Role == "" {
		p.Role = models.RoleUser
	}
	if p.Status == "" {
		p.Status = models.StatusQueued
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	fileIDs := p.FileIDs
	if fileIDs == nil {
		fileIDs = []string{}
	}
	fileJSON, err := json.Marshal(fileIDs)
	if err != nil {
		return models.Message{}, fmt.Errorf("marshal file ids: %w", err)
	}
	meta := map[string]any{
		"processing_stage": map[string]any{
			"stage":        models.StageQueued,
			"started_at":   now.Format(time.RFC3339),
			"last_updated": now.Format(time.RFC3339),
		},
	}
	if p.Query != "" {
		meta["query"] = p.Query
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return models.Message{}, fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (id, session_id, user_id, role, content, status, metadata, file_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, id, p.SessionID, p.UserID, p.Role, p.Content, p.Status, metaJSON, fileJSON, now)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}

	var metaOut map[string]any
	_ = json.Unmarshal(metaJSON, &metaOut)
	return models.Message{
		ID:        id,
		SessionID: p.SessionID,
		UserID:    p.UserID,
		Role:      p.Role,
		Content:   p.Content,
		Status:    p.Status,
		Metadata:  metaOut,
		FileIDs:   fileIDs,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetMessage fetches a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (models.Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, session_id, user_id, role, content, status, metadata, file_ids, created_at, updated_at
		FROM messages WHERE id = $1
	`, id)
	return scanMessage(row)
}

func scanMessage(row pgx.Row) (models.Message, error) {
	var m models.Message
	var metaJSON, fileJSON []byte
	if err := row.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Content, &m.Status, &metaJSON, &fileJSON, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Message{}, ErrMessageNotFound
		}
		return models.Message{}, fmt.Errorf("scan message: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
			return models.Message{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(fileJSON) > 0 {
		if err := json.Unmarshal(fileJSON, &m.FileIDs); err != nil {
			return models.Message{}, fmt.Errorf("unmarshal file ids: %w", err)
		}
	}
	return m, nil
}

// UpdateStage merges a partial processing_stage trace without changing status.
func (s *Store) UpdateStage(ctx context.Context, id string, u models.StageUpdate) error {
	stage, err := stageJSON(u)
	if err != nil {
		return fmt.Errorf("marshal stage: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE messages SET metadata = `+mergeStageSQL+`, updated_at = NOW()
		WHERE id = $1
	`, id, stage)
	return err
}

// MarkProcessing transitions queued -> processing when a worker acquires the
// lease. The conditional WHERE makes a duplicate lease after a mis-timed
// expiry a harmless no-op once the row is terminal. Returns whether the
// transition applied.
func (s *Store) MarkProcessing(ctx context.Context, id string, u models.StageUpdate) (bool, error) {
	u.Stage = models.StageWorkerProcessing
	stage, err := stageJSON(u)
	if err != nil {
		return false, fmt.Errorf("marshal stage: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET status = $3, metadata = `+mergeStageSQL+`, updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, stage, models.StatusProcessing, models.StatusQueued, models.StatusProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkCompleted writes final content and transitions to completed. Last write
// wins on terminal fields; cancelled and expired rows are never overwritten.
func (s *Store) MarkCompleted(ctx context.Context, id, content string, u models.StageUpdate) error {
	u.Stage = models.StageCompleted
	if u.CompletedAt == "" {
		u.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	}
	stage, err := stageJSON(u)
	if err != nil {
		return fmt.Errorf("marshal stage: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE messages
		SET status = $3, content = $4, metadata = `+mergeStageSQL+`, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($5, $6)
	`, id, stage, models.StatusCompleted, content, models.StatusCancelled, models.StatusExpired)
	return err
}

// MarkFailed transitions to failed with an error trace. Content is left
// untouched so any partial output survives the failure.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string, u models.StageUpdate) error {
	u.Stage = models.StageFailed
	u.Error = errMsg
	if u.FailedAt == "" {
		u.FailedAt = time.Now().UTC().Format(time.RFC3339)
	}
	stage, err := stageJSON(u)
	if err != nil {
		return fmt.Errorf("marshal stage: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE messages
		SET status = $3, metadata = `+mergeStageSQL+`, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5)
	`, id, stage, models.StatusFailed, models.StatusCancelled, models.StatusExpired)
	return err
}

// MarkCancelled applies an external cancellation signal to a non-terminal row.
// Returns whether the transition applied.
func (s *Store) MarkCancelled(ctx context.Context, id string) (bool, error) {
	stage, err := stageJSON(models.StageUpdate{Stage: models.StatusCancelled})
	if err != nil {
		return false, fmt.Errorf("marshal stage: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET status = $3, metadata = `+mergeStageSQL+`, updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, stage, models.StatusCancelled, models.StatusQueued, models.StatusProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListStale returns recovery candidates: queued or processing rows whose
// updated_at is older than the cutoff, oldest first.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, user_id, role, content, status, metadata, file_ids, created_at, updated_at
		FROM messages
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4
	`, models.StatusQueued, models.StatusProcessing, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RequeueForRecovery conditionally moves a stale row back to queued so a
// recovery job can pick it up. The guard on the current status and cutoff
// prevents racing a worker that resumed the row in the meantime. Returns
// whether the transition applied.
func (s *Store) RequeueForRecovery(ctx context.Context, id, priorStatus string, cutoff time.Time) (bool, error) {
	stage, err := stageJSON(models.StageUpdate{
		Stage:          models.StageRecoveryQueued,
		PreviousStatus: priorStatus,
	})
	if err != nil {
		return false, fmt.Errorf("marshal stage: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET status = $3, metadata = `+mergeStageSQL+`, updated_at = NOW()
		WHERE id = $1 AND status = $4 AND updated_at < $5
	`, id, stage, models.StatusQueued, priorStatus, cutoff)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ResolveStuckFailed is the janitor's terminal-failure path: conditional on
// the row still being stuck in its observed status. When fallbackContent is
// non-empty and the row has no content, it becomes the user-visible content.
// Returns whether the transition applied.
func (s *Store) ResolveStuckFailed(ctx context.Context, id, priorStatus, errMsg, fallbackContent string, cutoff time.Time) (bool, error) {
	stage, err := stageJSON(models.StageUpdate{
		Stage:          models.StageJanitorResolved,
		Error:          errMsg,
		PreviousStatus: priorStatus,
		FailedAt:       time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return false, fmt.Errorf("marshal stage: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET status = $3,
		    content = CASE WHEN content = '' AND $6 <> '' THEN $6 ELSE content END,
		    metadata = `+mergeStageSQL+`, updated_at = NOW()
		WHERE id = $1 AND status = $4 AND updated_at < $5
	`, id, stage, models.StatusFailed, priorStatus, cutoff, fallbackContent)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ResolveStuckCompleted is the janitor's salvage path: a stuck assistant row
// with partial content is promoted to completed, content preserved verbatim.
// Returns whether the transition applied.
func (s *Store) ResolveStuckCompleted(ctx context.Context, id, priorStatus string, cutoff time.Time) (bool, error) {
	stage, err := stageJSON(models.StageUpdate{
		Stage:          models.StageJanitorResolved,
		PreviousStatus: priorStatus,
		CompletedAt:    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return false, fmt.Errorf("marshal stage: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET status = $3, metadata = `+mergeStageSQL+`, updated_at = NOW()
		WHERE id = $1 AND status = $4 AND updated_at < $5
	`, id, stage, models.StatusCompleted, priorStatus, cutoff)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CountByStatus reports how many rows are in the given status, for telemetry.
func (s *Store) CountByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages WHERE status = $1
	`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
