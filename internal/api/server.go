package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"chat-message-pipeline/internal/config"
	"chat-message-pipeline/internal/models"
	"chat-message-pipeline/internal/queue"
	"chat-message-pipeline/internal/recovery"
	"chat-message-pipeline/internal/store"
	"chat-message-pipeline/internal/telemetry"
)

// Server wires HTTP handlers for the producer and admin API.
type Server struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.RedisQueue
	janitor *recovery.Janitor
	logger  *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.RedisQueue, janitor *recovery.Janitor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		janitor: janitor,
		logger:  logger.With("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/messages", s.handleSubmit)
	r.Get("/messages/{id}", s.handleGetMessage)
	r.Post("/messages/{id}/cancel", s.handleCancel)
	r.Get("/dlq", s.handleDLQ)
	r.Post("/admin/janitor/run", s.handleJanitorRun)
	return r
}

type submitRequest struct {
	SessionID string   `json:"session_id"`
	UserID    string   `json:"user_id"`
	Query     string   `json:"query"`
	FileIDs   []string `json:"file_ids"`
}

type submitResponse struct {
	UserMessage      models.Message `json:"user_message"`
	AssistantMessage models.Message `json:"assistant_message"`
	JobID            string         `json:"job_id"`
}

// handleSubmit persists the user message and an assistant placeholder in
// queued status, then enqueues the job correlated to the placeholder. If the
// queue is unreachable the placeholder stays queued and the recovery scanner
// picks it up later; the error is still surfaced to the producer.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.UserID == "" {
		http.Error(w, "session_id and user_id are required", http.StatusBadRequest)
		return
	}

	userMsg, err := s.store.CreateMessage(r.Context(), store.CreateMessageParams{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Role:      models.RoleUser,
		Content:   req.Query,
		Status:    models.StatusCompleted,
		FileIDs:   req.FileIDs,
	})
	if err != nil {
		s.logger.Error("create user message failed", "error", err)
		http.Error(w, "failed to persist message", http.StatusInternalServerError)
		return
	}

	assistantMsg, err := s.store.CreateMessage(r.Context(), store.CreateMessageParams{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Role:      models.RoleAssistant,
		Query:     req.Query,
		FileIDs:   req.FileIDs,
	})
	if err != nil {
		s.logger.Error("create assistant placeholder failed", "error", err)
		http.Error(w, "failed to persist message", http.StatusInternalServerError)
		return
	}

	env := queue.NewEnvelope(assistantMsg, 0, s.queue.Retry().MaxAttempts)
	jobID, _, err := s.queue.Enqueue(r.Context(), env)
	if err != nil {
		s.logger.Error("enqueue failed", "message_id", assistantMsg.ID, "error", err)
		http.Error(w, "failed to enqueue job", http.StatusServiceUnavailable)
		return
	}
	telemetry.MessagesEnqueued.Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(submitResponse{
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		JobID:            jobID,
	})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msg, err := s.store.GetMessage(r.Context(), id)
	if errors.Is(err, store.ErrMessageNotFound) {
		http.Error(w, "message not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get message failed", "message_id", id, "error", err)
		http.Error(w, "failed to load message", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(msg)
}

// handleCancel applies an external cancellation signal: the row goes terminal
// first, then any queued or in-flight job is withdrawn. A worker holding a
// lease observes the terminal status at its next check and drops the job.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	applied, err := s.store.MarkCancelled(r.Context(), id)
	if err != nil {
		s.logger.Error("cancel failed", "message_id", id, "error", err)
		http.Error(w, "failed to cancel", http.StatusInternalServerError)
		return
	}
	if !applied {
		http.Error(w, "message is not cancellable", http.StatusConflict)
		return
	}
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		s.logger.Error("queue cancel failed", "message_id", id, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": models.StatusCancelled})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	envs, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		s.logger.Error("dlq peek failed", "error", err)
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jobs": envs})
}

func (s *Server) handleJanitorRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.janitor.RunOnce(r.Context())
	if err != nil {
		s.logger.Error("janitor run failed", "error", err)
		http.Error(w, "janitor run failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}
