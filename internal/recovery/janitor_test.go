package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"chat-message-pipeline/internal/config"
	"chat-message-pipeline/internal/models"
)

// fakeJanitorStore mirrors the conditional janitor updates of the Postgres store.
type fakeJanitorStore struct {
	mu   sync.Mutex
	msgs map[string]*models.Message
}

func newFakeJanitorStore() *fakeJanitorStore {
	return &fakeJanitorStore{msgs: map[string]*models.Message{}}
}

func (f *fakeJanitorStore) put(m models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := m
	f.msgs[m.ID] = &cp
}

func (f *fakeJanitorStore) get(id string) models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.msgs[id]
}

func (f *fakeJanitorStore) ListStale(_ context.Context, cutoff time.Time, limit int) ([]models.Message, error) {
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

func (f *fakeJanitorStore) ResolveStuckFailed(_ context.Context, id, priorStatus, errMsg, fallbackContent string, cutoff time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok || m.Status != priorStatus || !m.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	m.Status = models.StatusFailed
	if m.Content == "" && fallbackContent != "" {
		m.Content = fallbackContent
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	m.Metadata["error"] = errMsg
	m.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeJanitorStore) ResolveStuckCompleted(_ context.Context, id, priorStatus string, cutoff time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok || m.Status != priorStatus || !m.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	m.Status = models.StatusCompleted
	m.UpdatedAt = time.Now()
	return true, nil
}

// fakeJanitorQueue reports live jobs for a fixed set of message ids.
type fakeJanitorQueue struct {
	live map[string]string
}

func (f *fakeJanitorQueue) ActiveJob(_ context.Context, messageID string) (string, bool, error) {
	jobID, ok := f.live[messageID]
	return jobID, ok, nil
}

func janitorFixture(st *fakeJanitorStore, live map[string]string) *Janitor {
	cfg := config.Config{
		JanitorThreshold: 15 * time.Minute,
		JanitorBatchSize: 50,
	}
	if live == nil {
		live = map[string]string{}
	}
	return NewJanitor(cfg, st, &fakeJanitorQueue{live: live}, nil)
}

func stuck(id, role, content, status string, age time.Duration) models.Message {
	return models.Message{
		ID:        id,
		SessionID: "s1",
		UserID:    "u1",
		Role:      role,
		Content:   content,
		Status:    status,
		CreatedAt: time.Now().Add(-age),
		UpdatedAt: time.Now().Add(-age),
	}
}

func TestJanitorSalvagesPartialAssistantContent(t *testing.T) {
	st := newFakeJanitorStore()
	const partial = "Here is the first half of the analysis..."
	st.put(stuck("m1", models.RoleAssistant, partial, models.StatusProcessing, 30*time.Minute))

	report, err := janitorFixture(st, nil).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("janitor: %v", err)
	}
	if report.Salvaged != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	got := st.get("m1")
	if got.Status != models.StatusCompleted {
		t.Fatalf("expected salvage to completed, got %s", got.Status)
	}
	if got.Content != partial {
		t.Fatalf("content must be preserved verbatim, got %q", got.Content)
	}
}

func TestJanitorFailsEmptyAssistantWithApology(t *testing.T) {
	st := newFakeJanitorStore()
	st.put(stuck("m1", models.RoleAssistant, "", models.StatusProcessing, 30*time.Minute))

	report, err := janitorFixture(st, nil).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("janitor: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	got := st.get("m1")
	if got.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Content != ApologyText {
		t.Fatalf("expected fixed apology content, got %q", got.Content)
	}
}

func TestJanitorFailsStuckUserMessage(t *testing.T) {
	st := newFakeJanitorStore()
	st.put(stuck("m1", models.RoleUser, "what does column B mean", models.StatusQueued, 30*time.Minute))

	report, err := janitorFixture(st, nil).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("janitor: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	got := st.get("m1")
	if got.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Content != "what does column B mean" {
		t.Fatalf("user content must not be replaced, got %q", got.Content)
	}
	if got.Metadata["error"] != TimeoutErrorText {
		t.Fatalf("expected generic timeout error, got %v", got.Metadata["error"])
	}
}

func TestJanitorSkipsLiveJobs(t *testing.T) {
	st := newFakeJanitorStore()
	st.put(stuck("m1", models.RoleAssistant, "", models.StatusProcessing, 30*time.Minute))

	report, err := janitorFixture(st, map[string]string{"m1": "job-m1"}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("janitor: %v", err)
	}
	if report.Skipped != 1 || report.Failed != 0 || report.Salvaged != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if got := st.get("m1"); got.Status != models.StatusProcessing {
		t.Fatalf("live-job message must be left alone, got %s", got.Status)
	}
}

func TestJanitorIdempotentRerun(t *testing.T) {
	st := newFakeJanitorStore()
	st.put(stuck("m1", models.RoleAssistant, "partial", models.StatusProcessing, 30*time.Minute))

	j := janitorFixture(st, nil)
	if report, err := j.RunOnce(context.Background()); err != nil || report.Salvaged != 1 {
		t.Fatalf("first run: report=%+v err=%v", report, err)
	}
	// The row is terminal now; a rerun finds nothing to do.
	if report, err := j.RunOnce(context.Background()); err != nil || report.Scanned != 0 {
		t.Fatalf("second run must be a no-op: report=%+v err=%v", report, err)
	}
}
