package recovery

import (
	"context"
	"log/slog"
	"time"

	"chat-message-pipeline/internal/config"
	"chat-message-pipeline/internal/models"
	"chat-message-pipeline/internal/telemetry"
)

// ApologyText is the fixed user-visible content written to stuck assistant
// messages that produced nothing before being abandoned.
const ApologyText = "I'm sorry, I wasn't able to finish this response. Please try asking again."

// TimeoutErrorText is the generic error recorded on janitor-failed rows.
const TimeoutErrorText = "Processing timed out. Please try again."

// JanitorStore is the slice of the Postgres store the janitor needs.
type JanitorStore interface {
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Message, error)
	ResolveStuckFailed(ctx context.Context, id, priorStatus, errMsg, fallbackContent string, cutoff time.Time) (bool, error)
	ResolveStuckCompleted(ctx context.Context, id, priorStatus string, cutoff time.Time) (bool, error)
}

// JanitorQueue is the live-job check the janitor shares with the scanner.
type JanitorQueue interface {
	ActiveJob(ctx context.Context, messageID string) (string, bool, error)
}

// Report summarizes one janitor pass.
type Report struct {
	Scanned  int `json:"scanned"`
	Failed   int `json:"failed"`
	Salvaged int `json:"salvaged"`
	Skipped  int `json:"skipped"`
}

// Janitor is the operator-invoked reconciliation pass for messages the
// scanner cannot safely recover. It is more aggressive than the scanner:
// instead of re-enqueueing, it forces a terminal status, salvaging partial
// assistant output where it exists. All updates are conditional on the row
// still being stuck, so it is safe to run repeatedly and concurrently with
// live workers.
type Janitor struct {
	store     JanitorStore
	queue     JanitorQueue
	threshold time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewJanitor wires a janitor from config and injected collaborators.
func NewJanitor(cfg config.Config, st JanitorStore, q JanitorQueue, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.JanitorThreshold
	if threshold == 0 {
		threshold = 15 * time.Minute
	}
	batch := cfg.JanitorBatchSize
	if batch == 0 {
		batch = 100
	}
	return &Janitor{
		store:     st,
		queue:     q,
		threshold: threshold,
		batchSize: batch,
		logger:    logger.With("component", "janitor"),
	}
}

// RunOnce reconciles one batch of stuck messages and reports what it did.
func (j *Janitor) RunOnce(ctx context.Context) (Report, error) {
	cutoff := time.Now().Add(-j.threshold)
	candidates, err := j.store.ListStale(ctx, cutoff, j.batchSize)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, msg := range candidates {
		report.Scanned++

		// A live job means the queue still owns this message; leave it to the
		// scanner and the lease machinery.
		if _, live, err := j.queue.ActiveJob(ctx, msg.ID); err != nil {
			j.logger.Error("live-job check failed", "message_id", msg.ID, "error", err)
			report.Skipped++
			continue
		} else if live {
			report.Skipped++
			continue
		}

		switch {
		case msg.Role == models.RoleAssistant && msg.Content != "":
			// Salvage: partial output beats losing the response entirely.
			applied, err := j.store.ResolveStuckCompleted(ctx, msg.ID, msg.Status, cutoff)
			if err != nil {
				j.logger.Error("salvage failed", "message_id", msg.ID, "error", err)
				continue
			}
			if !applied {
				report.Skipped++
				continue
			}
			report.Salvaged++
			telemetry.JanitorResolved.Inc()
			j.logger.Info("salvaged partial assistant message", "message_id", msg.ID, "previous_status", msg.Status)

		case msg.Role == models.RoleAssistant:
			applied, err := j.store.ResolveStuckFailed(ctx, msg.ID, msg.Status, TimeoutErrorText, ApologyText, cutoff)
			if err != nil {
				j.logger.Error("resolve failed", "message_id", msg.ID, "error", err)
				continue
			}
			if !applied {
				report.Skipped++
				continue
			}
			report.Failed++
			telemetry.JanitorResolved.Inc()
			j.logger.Info("failed empty assistant message", "message_id", msg.ID, "previous_status", msg.Status)

		default:
			applied, err := j.store.ResolveStuckFailed(ctx, msg.ID, msg.Status, TimeoutErrorText, "", cutoff)
			if err != nil {
				j.logger.Error("resolve failed", "message_id", msg.ID, "error", err)
				continue
			}
			if !applied {
				report.Skipped++
				continue
			}
			report.Failed++
			telemetry.JanitorResolved.Inc()
			j.logger.Info("failed stuck user message", "message_id", msg.ID, "previous_status", msg.Status)
		}
	}
	return report, nil
}
