package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"chat-message-pipeline/internal/config"
)

// ErrInvocationFailed is returned when the external processor reports an
// explicit failure for the request. Retrying at the adapter level cannot help;
// the worker turns it into a terminal failed status.
var ErrInvocationFailed = errors.New("external processor reported failure")

// ErrPollTimeout is returned when the poll loop exhausts its attempt budget
// without the processor reaching a terminal status.
var ErrPollTimeout = errors.New("timed out waiting for completion")

// Clock abstracts time so the poll loop is testable without real sleeps.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Request is the external invocation payload.
type Request struct {
	MessageID string   `json:"messageId"`
	Query     string   `json:"query"`
	UserID    string   `json:"userId"`
	SessionID string   `json:"sessionId"`
	FileIDs   []string `json:"fileIds"`
}

// Result is a terminal successful outcome.
type Result struct {
	Content    string
	TokensUsed int
}

type invokeResponse struct {
	Status  string `json:"status"`
	Content string `json:"content"`
	Token   string `json:"token"`
	Error   string `json:"error"`
}

type pollResponse struct {
	Status string `json:"status"`
	Result string `json:"result"`
	Tokens int    `json:"tokens_used"`
	Error  string `json:"error"`
}

// Client calls the external long-running processor. A single Invoke either
// returns a synchronous result or enters a bounded fixed-interval poll loop.
// Transport errors propagate to the caller; the client never retries the job
// itself, that is the queue's responsibility.
type Client struct {
	baseURL         string
	apiKey          string
	httpClient      *http.Client
	clock           Clock
	pollInterval    time.Duration
	pollMaxAttempts int
}

// NewClient builds a client from config with the real clock.
func NewClient(cfg config.Config) *Client {
	return NewClientWithClock(cfg, realClock{})
}

// NewClientWithClock injects a clock, used by tests to drive the poll loop
// without sleeping.
func NewClientWithClock(cfg config.Config, clock Clock) *Client {
	interval := cfg.PollInterval
	if interval == 0 {
		interval = 10 * time.Second
	}
	attempts := cfg.PollMaxAttempts
	if attempts == 0 {
		attempts = 30
	}
	return &Client{
		baseURL:         cfg.ProcessorBaseURL,
		apiKey:          cfg.ProcessorAPIKey,
		httpClient:      &http.Client{Timeout: 60 * time.Second},
		clock:           clock,
		pollInterval:    interval,
		pollMaxAttempts: attempts,
	}
}

// PollBudget is the worst-case wall time Invoke may spend polling, used by
// the worker to size its lease extension.
func (c *Client) PollBudget() time.Duration {
	return time.Duration(c.pollMaxAttempts)*c.pollInterval + time.Minute
}

// Invoke submits the request and waits for a terminal outcome, polling when
// the processor answers "processing".
func (c *Client) Invoke(ctx context.Context, req Request) (Result, error) {
	var resp invokeResponse
	if err := c.post(ctx, "/process", req, &resp); err != nil {
		return Result{}, err
	}

	switch resp.Status {
	case "completed":
		return Result{Content: resp.Content}, nil
	case "processing":
		return c.poll(ctx, resp.Token)
	case "failed":
		return Result{}, fmt.Errorf("%w: %s", ErrInvocationFailed, resp.Error)
	default:
		return Result{}, fmt.Errorf("unexpected processor status %q", resp.Status)
	}
}

// poll checks the processor at a fixed interval up to pollMaxAttempts times.
// Completion on the final attempt still succeeds; one more "processing" after
// that is a timeout.
func (c *Client) poll(ctx context.Context, token string) (Result, error) {
	for attempt := 1; attempt <= c.pollMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-c.clock.After(c.pollInterval):
		}

		var resp pollResponse
		if err := c.post(ctx, "/poll", map[string]string{"token": token}, &resp); err != nil {
			return Result{}, err
		}

		switch resp.Status {
		case "completed":
			return Result{Content: resp.Result, TokensUsed: resp.Tokens}, nil
		case "processing":
			continue
		case "failed":
			return Result{}, fmt.Errorf("%w: %s", ErrInvocationFailed, resp.Error)
		default:
			return Result{}, fmt.Errorf("unexpected poll status %q", resp.Status)
		}
	}
	return Result{}, fmt.Errorf("%w after %d attempts", ErrPollTimeout, c.pollMaxAttempts)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call processor %s: %w", path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return fmt.Errorf("processor %s returned %d: %s", path, httpResp.StatusCode, string(b))
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode processor response: %w", err)
	}
	return nil
}
