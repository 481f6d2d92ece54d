package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-message-pipeline/internal/config"
	"chat-message-pipeline/internal/models"
)

// ErrAttemptsExhausted is returned by Nack when a job has burned through its
// retry budget and has been moved to the dead-letter queue.
var ErrAttemptsExhausted = errors.New("job attempts exhausted")

// priorityWeight shifts ready-queue scores so a higher priority always sorts
// before any lower-priority job regardless of enqueue time. 2^42 ms is far
// beyond any realistic enqueue timestamp spread, and scores stay exactly
// representable in a float64 for priorities up to ~2000.
const priorityWeight = int64(1) << 42

// ackRetries bounds the retry loop for ack/nack against a flapping Redis.
// Beyond this the lease is left to expire and the job is redelivered.
const ackRetries = 3

// RetryPolicy controls redelivery of nacked jobs.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	GrowthFactor float64
	MaxAttempts  int
}

// Delay computes the redelivery delay for a 0-based attempt counter:
// initial * growth^attempt, capped at max. No jitter, so delays are
// monotonically non-decreasing across attempts.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	growth := p.GrowthFactor
	if growth < 1 {
		growth = 2
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(growth, float64(attempt)))
	if d > p.MaxDelay || d < 0 {
		d = p.MaxDelay
	}
	return d
}

// RedisQueue is the durable queue: ready and scheduled ZSETs, an inflight
// ZSET holding lease deadlines, envelope JSON blobs, and a message-id index
// that gives O(1) duplicate suppression.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	indexKey      string
	envelopeKey   string
	dlqKey        string
	visibilityTTL time.Duration
	retry         RetryPolicy
}

// NewRedisQueue builds a queue around an injected Redis client so tests and
// callers control connection lifecycle.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 10 * time.Minute
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "queue:ready",
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		indexKey:      "queue:index:message",
		envelopeKey:   "queue:envelope:",
		dlqKey:        dlq,
		visibilityTTL: visibility,
		retry: RetryPolicy{
			InitialDelay: cfg.BackoffInitial,
			MaxDelay:     cfg.BackoffMax,
			GrowthFactor: cfg.BackoffGrowth,
			MaxAttempts:  cfg.MaxAttempts,
		},
	}
}

// Retry exposes the queue's policy so producers can stamp max_attempts.
func (q *RedisQueue) Retry() RetryPolicy { return q.retry }

func (q *RedisQueue) envKey(jobID string) string {
	return q.envelopeKey + jobID
}

func readyScore(priority int, enqueuedAt time.Time) float64 {
	return float64(enqueuedAt.UnixMilli() - int64(priority)*priorityWeight)
}

// Enqueue persists the envelope and makes it visible to consumers. If a live
// job already references the same message id the call is a no-op and the
// existing job id is returned with enqueued=false. The duplicate check and
// index update run atomically in Lua, so concurrent producers cannot both win.
func (q *RedisQueue) Enqueue(ctx context.Context, env models.JobEnvelope) (jobID string, enqueued bool, err error) {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	if env.MaxAttempts == 0 {
		env.MaxAttempts = q.retry.MaxAttempts
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", false, fmt.Errorf("marshal envelope: %w", err)
	}

	score := strconv.FormatFloat(readyScore(env.Priority, env.EnqueuedAt), 'f', -1, 64)
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.indexKey, q.readyKey},
		env.MessageID, env.JobID, raw, score, q.envelopeKey,
	).Result()
	if err != nil {
		return "", false, fmt.Errorf("enqueue: %w", err)
	}
	existing, ok := res.(string)
	if !ok {
		return "", false, fmt.Errorf("unexpected type from enqueue script: %T", res)
	}
	return existing, existing == env.JobID, nil
}

// Dequeue leases the next eligible envelope ordered by priority desc then
// enqueue time asc, hiding it from other consumers until acked or the lease
// expires. ok is false when the queue is empty.
func (q *RedisQueue) Dequeue(ctx context.Context) (env models.JobEnvelope, ok bool, err error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		deadline, q.envelopeKey,
	).Result()
	if errors.Is(err, redis.Nil) {
		return models.JobEnvelope{}, false, nil
	}
	if err != nil {
		return models.JobEnvelope{}, false, fmt.Errorf("dequeue: %w", err)
	}
	raw, isStr := res.(string)
	if !isStr {
		return models.JobEnvelope{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return models.JobEnvelope{}, false, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job,
// used while the worker sits in a long external poll.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job after a terminal outcome has been persisted. Transient
// Redis failures are retried a few times; if all retries fail the error is
// returned and the lease eventually expires, so the job is never stranded
// invisibly.
func (q *RedisQueue) Ack(ctx context.Context, env models.JobEnvelope) error {
	var lastErr error
	for i := 0; i < ackRetries; i++ {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.inflightKey, env.JobID)
		pipe.Del(ctx, q.envKey(env.JobID))
		pipe.HDel(ctx, q.indexKey, env.MessageID)
		if _, lastErr = pipe.Exec(ctx); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
		}
	}
	return fmt.Errorf("ack job %s: %w", env.JobID, lastErr)
}

// Nack returns a leased job to the queue with exponential backoff, or moves
// it to the dead-letter queue once attempts are exhausted (reported via
// ErrAttemptsExhausted so the caller can mark the message failed). The
// returned delay is zero when the job dead-letters.
func (q *RedisQueue) Nack(ctx context.Context, env models.JobEnvelope) (time.Duration, error) {
	env.Attempt++
	maxAttempts := env.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = q.retry.MaxAttempts
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}

	if env.Attempt >= maxAttempts {
		var lastErr error
		for i := 0; i < ackRetries; i++ {
			pipe := q.client.TxPipeline()
			pipe.ZRem(ctx, q.inflightKey, env.JobID)
			pipe.Del(ctx, q.envKey(env.JobID))
			pipe.HDel(ctx, q.indexKey, env.MessageID)
			pipe.RPush(ctx, q.dlqKey, raw)
			if _, lastErr = pipe.Exec(ctx); lastErr == nil {
				return 0, ErrAttemptsExhausted
			}
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
			}
		}
		return 0, fmt.Errorf("dead-letter job %s: %w", env.JobID, lastErr)
	}

	delay := q.retry.Delay(env.Attempt - 1)
	runAt := time.Now().Add(delay).UnixMilli()
	var lastErr error
	for i := 0; i < ackRetries; i++ {
		pipe := q.client.TxPipeline()
		pipe.Set(ctx, q.envKey(env.JobID), raw, 0)
		pipe.ZRem(ctx, q.inflightKey, env.JobID)
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt), Member: env.JobID})
		if _, lastErr = pipe.Exec(ctx); lastErr == nil {
			return delay, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
		}
	}
	return 0, fmt.Errorf("nack job %s: %w", env.JobID, lastErr)
}

// ActiveJob reports whether a live, non-terminal job references the message
// id, via the O(1) index. Used for duplicate suppression by the producer and
// the recovery scanner.
func (q *RedisQueue) ActiveJob(ctx context.Context, messageID string) (string, bool, error) {
	jobID, err := q.client.HGet(ctx, q.indexKey, messageID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("index lookup: %w", err)
	}
	// A dangling index entry whose envelope is gone does not count as live.
	n, err := q.client.Exists(ctx, q.envKey(jobID)).Result()
	if err != nil {
		return "", false, fmt.Errorf("envelope check: %w", err)
	}
	if n == 0 {
		return "", false, nil
	}
	return jobID, true, nil
}

// PromoteScheduled moves due scheduled jobs into the ready queue. Returns how
// many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.moveDue(ctx, q.scheduledKey, now, limit)
}

// RequeueExpired reclaims in-flight jobs whose lease deadline has passed,
// making them visible again. Returns how many were reclaimed.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.moveDue(ctx, q.inflightKey, now, limit)
}

func (q *RedisQueue) moveDue(ctx context.Context, fromKey string, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, fromKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	moved := 0
	for _, id := range ids {
		raw, err := q.client.Get(ctx, q.envKey(id)).Result()
		if errors.Is(err, redis.Nil) {
			// Envelope vanished (acked concurrently); drop the stale member.
			_ = q.client.ZRem(ctx, fromKey, id).Err()
			continue
		}
		if err != nil {
			return moved, err
		}
		var env models.JobEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			_ = q.client.ZRem(ctx, fromKey, id).Err()
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, fromKey, id)
		pipe.ZAdd(ctx, q.readyKey, redis.Z{Score: readyScore(env.Priority, env.EnqueuedAt), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Cancel removes any queued, scheduled, or in-flight job for the message id.
func (q *RedisQueue) Cancel(ctx context.Context, messageID string) error {
	jobID, err := q.client.HGet(ctx, q.indexKey, messageID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("index lookup: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.readyKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.envKey(jobID))
	pipe.HDel(ctx, q.indexKey, messageID)
	_, err = pipe.Exec(ctx)
	return err
}

// DLQPeek reads up to count dead-lettered envelopes for operational inspection.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]models.JobEnvelope, error) {
	raws, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.JobEnvelope, 0, len(raws))
	for _, raw := range raws {
		var env models.JobEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// ReadyDepth returns the number of jobs visible to consumers.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.readyKey).Result()
}

// enqueueScript suppresses duplicates via the message index, then stores the
// envelope and adds the job to the ready ZSET. A dangling index entry whose
// envelope is gone is treated as dead and replaced.
var enqueueScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if existing then
  if redis.call('EXISTS', ARGV[5] .. existing) == 1 then
    return existing
  end
  redis.call('HDEL', KEYS[1], ARGV[1])
end
redis.call('SET', ARGV[5] .. ARGV[2], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[2])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return ARGV[2]
`)

// dequeueScript pops the lowest-score ready job into the inflight ZSET with a
// lease deadline and returns its envelope JSON.
var dequeueScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local env = redis.call('GET', ARGV[2] .. id)
if not env then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return env
`)
