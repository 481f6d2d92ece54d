package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"chat-message-pipeline/internal/config"
)

// immediateClock makes the poll loop run without real sleeps.
type immediateClock struct{}

func (immediateClock) Now() time.Time { return time.Now() }

func (immediateClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func testClient(t *testing.T, baseURL string, pollMaxAttempts int) *Client {
	t.Helper()
	return NewClientWithClock(config.Config{
		ProcessorBaseURL: baseURL,
		PollInterval:     10 * time.Second,
		PollMaxAttempts:  pollMaxAttempts,
	}, immediateClock{})
}

func TestInvokeSynchronousCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/process" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Query != "summarize the file" || req.MessageID != "m1" {
			t.Errorf("unexpected request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "completed", "content": "the answer"})
	}))
	defer srv.Close()

	res, err := testClient(t, srv.URL, 30).Invoke(context.Background(), Request{
		MessageID: "m1",
		Query:     "summarize the file",
		UserID:    "u1",
		SessionID: "s1",
		FileIDs:   []string{},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Content != "the answer" {
		t.Fatalf("unexpected content %q", res.Content)
	}
}

func TestInvokePollsUntilCompleted(t *testing.T) {
	var polls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/process":
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "processing", "token": "tok-1"})
		case "/poll":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["token"] != "tok-1" {
				t.Errorf("unexpected token %q", body["token"])
			}
			if polls.Add(1) < 3 {
				_ = json.NewEncoder(w).Encode(map[string]any{"status": "processing"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "completed", "result": "polled answer", "tokens_used": 42})
		}
	}))
	defer srv.Close()

	res, err := testClient(t, srv.URL, 30).Invoke(context.Background(), Request{MessageID: "m1", Query: "q"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Content != "polled answer" || res.TokensUsed != 42 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if polls.Load() != 3 {
		t.Fatalf("expected 3 polls, got %d", polls.Load())
	}
}

func TestInvokeCompletesOnFinalPollAttempt(t *testing.T) {
	const maxAttempts = 30
	var polls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/process" {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "processing", "token": "tok-1"})
			return
		}
		if polls.Add(1) < maxAttempts {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "processing"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "completed", "result": "boundary answer"})
	}))
	defer srv.Close()

	res, err := testClient(t, srv.URL, maxAttempts).Invoke(context.Background(), Request{MessageID: "m1", Query: "q"})
	if err != nil {
		t.Fatalf("completion on the final attempt must succeed: %v", err)
	}
	if res.Content != "boundary answer" {
		t.Fatalf("unexpected content %q", res.Content)
	}
}

func TestInvokePollTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/process" {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "processing", "token": "tok-1"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "processing"})
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL, 5).Invoke(context.Background(), Request{MessageID: "m1", Query: "q"})
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("expected ErrPollTimeout, got %v", err)
	}
}

func TestInvokeExplicitFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/process" {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "processing", "token": "tok-1"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "failed", "error": "model exploded"})
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL, 5).Invoke(context.Background(), Request{MessageID: "m1", Query: "q"})
	if !errors.Is(err, ErrInvocationFailed) {
		t.Fatalf("expected ErrInvocationFailed, got %v", err)
	}
}

func TestInvokeTransportErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL, 5).Invoke(context.Background(), Request{MessageID: "m1", Query: "q"})
	if err == nil {
		t.Fatalf("expected transport error")
	}
	if errors.Is(err, ErrPollTimeout) || errors.Is(err, ErrInvocationFailed) {
		t.Fatalf("transport errors must not map to terminal sentinels: %v", err)
	}
}

func TestInvokeContextCancelledDuringPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "processing", "token": "tok-1"})
	}))
	defer srv.Close()

	c := NewClientWithClock(config.Config{
		ProcessorBaseURL: srv.URL,
		PollInterval:     time.Hour,
		PollMaxAttempts:  5,
	}, realClock{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Invoke(ctx, Request{MessageID: "m1", Query: "q"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
