package recovery

import (
	"context"
	"log/slog"
	"time"

	"chat-message-pipeline/internal/config"
	"chat-message-pipeline/internal/models"
	"chat-message-pipeline/internal/queue"
	"chat-message-pipeline/internal/telemetry"
)

// ScanStore is the slice of the Postgres store the scanner needs.
type ScanStore interface {
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Message, error)
	RequeueForRecovery(ctx context.Context, id, priorStatus string, cutoff time.Time) (bool, error)
}

// ScanQueue is the slice of the durable queue the scanner needs.
type ScanQueue interface {
	ActiveJob(ctx context.Context, messageID string) (string, bool, error)
	Enqueue(ctx context.Context, env models.JobEnvelope) (string, bool, error)
}

// Scanner periodically sweeps for messages stuck in queued or processing past
// the staleness threshold and re-injects them into the queue with elevated
// priority and a reduced retry budget. It never double-enqueues: a message
// with a live job in the queue index is skipped.
type Scanner struct {
	store       ScanStore
	queue       ScanQueue
	threshold   time.Duration
	interval    time.Duration
	priority    int
	maxAttempts int
	batchSize   int
	logger      *slog.Logger
}

// NewScanner wires a scanner from config and injected collaborators.
func NewScanner(cfg config.Config, st ScanStore, q ScanQueue, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.RecoveryThreshold
	if threshold == 0 {
		threshold = 5 * time.Minute
	}
	interval := cfg.RecoveryInterval
	if interval == 0 {
		interval = 5 * time.Minute
	}
	batch := cfg.RecoveryBatchSize
	if batch == 0 {
		batch = 100
	}
	maxAttempts := cfg.RecoveryMaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 2
	}
	return &Scanner{
		store:       st,
		queue:       q,
		threshold:   threshold,
		interval:    interval,
		priority:    cfg.RecoveryPriority,
		maxAttempts: maxAttempts,
		batchSize:   batch,
		logger:      logger.With("component", "recovery_scanner"),
	}
}

// Run sweeps on a fixed period until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("recovery scanner started", "interval", s.interval, "threshold", s.threshold)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("recovery scanner stopped")
			return
		case <-ticker.C:
			if n, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("recovery sweep error", "error", err)
			} else if n > 0 {
				s.logger.Info("recovery sweep re-enqueued stuck messages", "count", n)
			}
		}
	}
}

// RunOnce performs a single sweep and returns how many messages were
// re-enqueued. Running it twice in succession against the same stuck message
// enqueues at most one recovery job.
func (s *Scanner) RunOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.threshold)
	candidates, err := s.store.ListStale(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, msg := range candidates {
		if models.TerminalStatus(msg.Status) {
			continue
		}
		// Not an error: a live job means the queue is already handling it.
		if _, live, err := s.queue.ActiveJob(ctx, msg.ID); err != nil {
			s.logger.Error("live-job check failed", "message_id", msg.ID, "error", err)
			continue
		} else if live {
			continue
		}

		env := queue.NewRecoveryEnvelope(msg, s.priority, s.maxAttempts)
		if _, enqueued, err := s.queue.Enqueue(ctx, env); err != nil {
			s.logger.Error("recovery enqueue failed", "message_id", msg.ID, "error", err)
			continue
		} else if !enqueued {
			// Raced another scanner or the producer; their job wins.
			continue
		}

		applied, err := s.store.RequeueForRecovery(ctx, msg.ID, msg.Status, cutoff)
		if err != nil {
			s.logger.Error("recovery status update failed", "message_id", msg.ID, "error", err)
			continue
		}
		if !applied {
			// A worker resumed the row in the meantime; the enqueued job will
			// be dropped at lease time once the row is terminal.
			continue
		}
		telemetry.JobsRecovered.Inc()
		recovered++
		s.logger.Info("stuck message re-enqueued",
			"message_id", msg.ID, "job_id", env.JobID, "previous_status", msg.Status, "priority", s.priority)
	}
	return recovered, nil
}
