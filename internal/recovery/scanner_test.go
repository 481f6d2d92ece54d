package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"chat-message-pipeline/internal/config"
	"chat-message-pipeline/internal/models"
	"chat-message-pipeline/internal/queue"
)

// fakeScanStore serves stale candidates and records recovery transitions.
type fakeScanStore struct {
	mu   sync.Mutex
	msgs map[string]*models.Message
}

func newFakeScanStore() *fakeScanStore {
	return &fakeScanStore{msgs: map[string]*models.Message{}}
}

func (f *fakeScanStore) put(m models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := m
	f.msgs[m.ID] = &cp
}

func (f *fakeScanStore) get(id string) models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.msgs[id]
}

func (f *fakeScanStore) ListStale(_ context.Context, cutoff time.Time, limit int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, m := range f.msgs {
		if len(out) >= limit {
			break
		}
		if (m.Status == models.StatusQueued || m.Status == models.StatusProcessing) && m.UpdatedAt.Before(cutoff) {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeScanStore) RequeueForRecovery(_ context.Context, id, priorStatus string, cutoff time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok || m.Status != priorStatus || !m.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	m.Status = models.StatusQueued
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	m.Metadata["stage"] = models.StageRecoveryQueued
	m.Metadata["previous_status"] = priorStatus
	// Recovery transition refreshes updated_at like the real store.
	m.UpdatedAt = time.Now()
	return true, nil
}

func scannerFixture(t *testing.T) (*Scanner, *fakeScanStore, *queue.RedisQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		MaxAttempts:         5,
		BackoffInitial:      time.Second,
		BackoffMax:          time.Minute,
		BackoffGrowth:       2,
		RecoveryThreshold:   5 * time.Minute,
		RecoveryInterval:    5 * time.Minute,
		RecoveryPriority:    10,
		RecoveryMaxAttempts: 2,
		RecoveryBatchSize:   50,
	}
	st := newFakeScanStore()
	q := queue.NewRedisQueue(client, cfg)
	return NewScanner(cfg, st, q, nil), st, q
}

func stuckMessage(id, status string, age time.Duration) models.Message {
	return models.Message{
		ID:        id,
		SessionID: "s1",
		UserID:    "u1",
		Role:      models.RoleAssistant,
		Status:    status,
		Metadata:  map[string]any{"query": "where did the totals go"},
		FileIDs:   []string{},
		CreatedAt: time.Now().Add(-age),
		UpdatedAt: time.Now().Add(-age),
	}
}

func TestScannerRecoversAbandonedMessage(t *testing.T) {
	ctx := context.Background()
	s, st, q := scannerFixture(t)

	st.put(stuckMessage("m1", models.StatusProcessing, 10*time.Minute))

	n, err := s.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("first sweep: n=%d err=%v", n, err)
	}

	got := st.get("m1")
	if got.Status != models.StatusQueued {
		t.Fatalf("expected queued after recovery, got %s", got.Status)
	}
	if got.Metadata["previous_status"] != models.StatusProcessing {
		t.Fatalf("expected prior status recorded, got %v", got.Metadata["previous_status"])
	}

	env, ok, err := q.Dequeue(ctx)
	if err != nil || !ok {
		t.Fatalf("recovery job dequeue: ok=%v err=%v", ok, err)
	}
	if env.JobID != "job-m1-recovery" {
		t.Fatalf("expected recovery job id, got %q", env.JobID)
	}
	if env.Priority != 10 || env.MaxAttempts != 2 {
		t.Fatalf("expected elevated priority and reduced budget, got %+v", env)
	}
	if env.Payload.Query != "where did the totals go" {
		t.Fatalf("recovery payload must come from the message row, got %q", env.Payload.Query)
	}
}

func TestScannerIdempotentAcrossRuns(t *testing.T) {
	ctx := context.Background()
	s, st, q := scannerFixture(t)

	msg := stuckMessage("m1", models.StatusProcessing, 10*time.Minute)
	st.put(msg)

	if n, err := s.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("first sweep: n=%d err=%v", n, err)
	}
	// The recovery transition refreshed updated_at, but even with the row
	// forced stale again the live job must suppress a second enqueue.
	stale := st.get("m1")
	stale.UpdatedAt = time.Now().Add(-10 * time.Minute)
	st.put(stale)

	if n, err := s.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("second sweep must skip, n=%d err=%v", n, err)
	}

	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("expected exactly one recovery job, depth=%d", depth)
	}
}

func TestScannerSkipsMessageWithLiveJob(t *testing.T) {
	ctx := context.Background()
	s, st, q := scannerFixture(t)

	msg := stuckMessage("m1", models.StatusQueued, 10*time.Minute)
	st.put(msg)
	// The producer's job is still sitting in the queue.
	if _, _, err := q.Enqueue(ctx, queue.NewEnvelope(msg, 0, 5)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if n, err := s.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("sweep must skip live job, n=%d err=%v", n, err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("expected only the producer job, depth=%d", depth)
	}
	if got := st.get("m1"); got.Metadata["stage"] == models.StageRecoveryQueued {
		t.Fatalf("skipped message must not be transitioned")
	}
}

func TestScannerIgnoresFreshMessages(t *testing.T) {
	ctx := context.Background()
	s, st, q := scannerFixture(t)

	st.put(stuckMessage("m1", models.StatusProcessing, time.Minute))

	if n, err := s.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("fresh message must not be recovered, n=%d err=%v", n, err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("expected empty queue, depth=%d", depth)
	}
}
