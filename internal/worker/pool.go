package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chat-message-pipeline/internal/artifacts"
	"chat-message-pipeline/internal/config"
	"chat-message-pipeline/internal/inference"
	"chat-message-pipeline/internal/models"
	"chat-message-pipeline/internal/queue"
	"chat-message-pipeline/internal/store"
	"chat-message-pipeline/internal/telemetry"
)

// FailedMessageText is the generic, non-technical error recorded on failed
// messages. Raw infrastructure errors stay in the logs.
const FailedMessageText = "The request timed out while waiting for a response. Please try again."

// MessageStore is the slice of the Postgres store the pool needs.
type MessageStore interface {
	GetMessage(ctx context.Context, id string) (models.Message, error)
	MarkProcessing(ctx context.Context, id string, u models.StageUpdate) (bool, error)
	MarkCompleted(ctx context.Context, id, content string, u models.StageUpdate) error
	MarkFailed(ctx context.Context, id, errMsg string, u models.StageUpdate) error
	UpdateStage(ctx context.Context, id string, u models.StageUpdate) error
}

// JobQueue is the slice of the durable queue the pool needs.
type JobQueue interface {
	Dequeue(ctx context.Context) (models.JobEnvelope, bool, error)
	Ack(ctx context.Context, env models.JobEnvelope) error
	Nack(ctx context.Context, env models.JobEnvelope) (time.Duration, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// Invoker calls the external processor once per job.
type Invoker interface {
	Invoke(ctx context.Context, req inference.Request) (inference.Result, error)
	PollBudget() time.Duration
}

// RateLimiter caps job starts globally across worker processes.
type RateLimiter interface {
	Allow(ctx context.Context) (bool, error)
}

// ArtifactVerifier checks job input artifacts before invocation.
type ArtifactVerifier interface {
	Verify(ctx context.Context, fileIDs []string) error
}

// Pool runs N concurrent execution slots against the shared durable queue,
// plus one maintenance loop that promotes scheduled jobs and reclaims
// expired leases.
type Pool struct {
	cfg       config.Config
	queue     JobQueue
	store     MessageStore
	invoker   Invoker
	limiter   RateLimiter
	artifacts ArtifactVerifier
	workerID  string
	logger    *slog.Logger
}

// NewPool wires the pool from injected collaborators. limiter and verifier
// may be nil, disabling rate limiting and artifact checks respectively.
func NewPool(cfg config.Config, q JobQueue, st MessageStore, inv Invoker, limiter RateLimiter, verifier ArtifactVerifier, workerID string, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:       cfg,
		queue:     q,
		store:     st,
		invoker:   inv,
		limiter:   limiter,
		artifacts: verifier,
		workerID:  workerID,
		logger:    logger.With("component", "worker_pool", "worker_id", workerID),
	}
}

// Run starts the slot and maintenance goroutines and blocks until ctx is
// cancelled. On cancellation no new leases are taken; in-flight jobs run to
// their next safe point before Run returns.
func (p *Pool) Run(ctx context.Context) {
	concurrency := p.cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.runSlot(ctx, slot)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runMaintenance(ctx)
	}()

	wg.Wait()
	p.logger.Info("worker pool stopped")
}

// runSlot is one pull loop: rate-limit gate, lease, execute, repeat.
func (p *Pool) runSlot(ctx context.Context, slot int) {
	p.logger.Info("worker slot started", "slot", slot)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.limiter != nil {
			allowed, err := p.limiter.Allow(ctx)
			if err != nil {
				p.logger.Error("rate limiter error", "error", err)
				p.sleep(ctx, p.cfg.WorkerPollInterval)
				continue
			}
			if !allowed {
				telemetry.RateLimitDefers.Inc()
				p.sleep(ctx, p.cfg.WorkerPollInterval)
				continue
			}
		}

		env, ok, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Error("dequeue error", "error", err)
			p.sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if !ok {
			p.sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}

		telemetry.InFlightGauge.Inc()
		p.process(ctx, env)
		telemetry.InFlightGauge.Dec()
	}
}

// process executes one job end to end. A panic in the pipeline is converted
// into a nack so the job is never left invisible without a terminal status.
func (p *Pool) process(ctx context.Context, env models.JobEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic during job execution", "job_id", env.JobID, "message_id", env.MessageID, "panic", r)
			p.nack(ctx, env, fmt.Errorf("panic: %v", r))
		}
	}()

	log := p.logger.With("job_id", env.JobID, "message_id", env.MessageID, "attempt", env.Attempt)

	msg, err := p.store.GetMessage(ctx, env.MessageID)
	if errors.Is(err, store.ErrMessageNotFound) {
		// Data error: no row to report against, retrying cannot fix it.
		log.Error("message row missing, dropping job")
		p.ack(ctx, env)
		return
	}
	if err != nil {
		p.nack(ctx, env, fmt.Errorf("load message: %w", err))
		return
	}
	if models.TerminalStatus(msg.Status) {
		// Cancellation, expiry, or a duplicate delivery of finished work.
		log.Info("message already terminal, dropping job", "status", msg.Status)
		p.ack(ctx, env)
		return
	}

	applied, err := p.store.MarkProcessing(ctx, env.MessageID, models.StageUpdate{
		WorkerStartedAt: time.Now().UTC().Format(time.RFC3339),
		WorkerID:        p.workerID,
	})
	if err != nil {
		p.nack(ctx, env, fmt.Errorf("mark processing: %w", err))
		return
	}
	if !applied {
		// The row went terminal between the read and the update.
		p.ack(ctx, env)
		return
	}

	if env.Payload.Query == "" {
		log.Error("malformed payload: empty query")
		_ = p.store.MarkFailed(ctx, env.MessageID, FailedMessageText, models.StageUpdate{})
		telemetry.JobsFailed.Inc()
		p.ack(ctx, env)
		return
	}

	if p.artifacts != nil && len(env.Payload.FileIDs) > 0 {
		if err := p.artifacts.Verify(ctx, env.Payload.FileIDs); err != nil {
			if errors.Is(err, artifacts.ErrArtifactMissing) {
				log.Error("input artifact missing", "error", err)
				_ = p.store.MarkFailed(ctx, env.MessageID, FailedMessageText, models.StageUpdate{})
				telemetry.JobsFailed.Inc()
				p.ack(ctx, env)
				return
			}
			p.nack(ctx, env, fmt.Errorf("verify artifacts: %w", err))
			return
		}
	}

	// The external call may poll for minutes; keep the lease ahead of it.
	_ = p.queue.ExtendLease(ctx, env.JobID, p.invoker.PollBudget())
	_ = p.store.UpdateStage(ctx, env.MessageID, models.StageUpdate{
		Stage:                models.StagePolling,
		CompletionPercentage: 50,
	})

	res, err := p.invoker.Invoke(ctx, inference.Request{
		MessageID: env.MessageID,
		Query:     env.Payload.Query,
		UserID:    env.Payload.UserID,
		SessionID: env.Payload.SessionID,
		FileIDs:   env.Payload.FileIDs,
	})
	if err != nil {
		if errors.Is(err, inference.ErrPollTimeout) || errors.Is(err, inference.ErrInvocationFailed) {
			// Explicit terminal outcome from the processor; no queue retry.
			log.Error("external invocation failed terminally", "error", err)
			_ = p.store.MarkFailed(ctx, env.MessageID, FailedMessageText, models.StageUpdate{})
			telemetry.JobsFailed.Inc()
			p.ack(ctx, env)
			return
		}
		p.nack(ctx, env, err)
		return
	}

	if err := p.store.MarkCompleted(ctx, env.MessageID, res.Content, models.StageUpdate{
		CompletionPercentage: 100,
		TokensUsed:           res.TokensUsed,
	}); err != nil {
		p.nack(ctx, env, fmt.Errorf("mark completed: %w", err))
		return
	}
	p.ack(ctx, env)
	telemetry.JobsCompleted.Inc()
	log.Info("job completed")
}

func (p *Pool) ack(ctx context.Context, env models.JobEnvelope) {
	if err := p.queue.Ack(ctx, env); err != nil {
		// The lease will expire and redeliver; terminal transitions are
		// idempotent so the duplicate delivery is harmless.
		p.logger.Error("ack failed", "job_id", env.JobID, "error", err)
	}
}

// nack routes a transient failure back through the queue's retry policy and
// marks the message failed once the attempt budget is exhausted.
func (p *Pool) nack(ctx context.Context, env models.JobEnvelope, cause error) {
	delay, err := p.queue.Nack(ctx, env)
	if errors.Is(err, queue.ErrAttemptsExhausted) {
		p.logger.Error("job attempts exhausted", "job_id", env.JobID, "message_id", env.MessageID, "cause", cause)
		_ = p.store.MarkFailed(ctx, env.MessageID, FailedMessageText, models.StageUpdate{})
		telemetry.JobsFailed.Inc()
		telemetry.JobsDeadLetter.Inc()
		return
	}
	if err != nil {
		p.logger.Error("nack failed, lease will expire", "job_id", env.JobID, "error", err, "cause", cause)
		return
	}
	telemetry.JobsRetried.Inc()
	p.logger.Warn("job nacked for retry", "job_id", env.JobID, "delay", delay, "cause", cause)
}

// runMaintenance periodically promotes due scheduled jobs, reclaims expired
// leases, and reports queue depth.
func (p *Pool) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
			p.logger.Error("promote scheduled error", "error", err)
		}
		if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err != nil {
			p.logger.Error("requeue expired error", "error", err)
		} else if reclaimed > 0 {
			p.logger.Warn("reclaimed expired leases", "count", reclaimed)
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
