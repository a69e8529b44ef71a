// Package queue implements the named durable queue substrate spec §6
// describes: Enqueue/Consume on top of Redis, retry with exponential
// backoff, and dead-lettering after the attempt cap. No dedicated Go job
// queue library is grounded anywhere in the retrieved example pack, so this
// is built directly on redis/go-redis/v9 primitives — the same list/
// sorted-set/pipeline primitives the teacher already reaches for in its own
// session and rate-limit state, per spec §6's KV store contract.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Backoff parameters shared by every queue, per spec §5: base 1s, factor 2,
// capped at 5 minutes, dead-lettered after 10 attempts.
const (
	BackoffBase   = 1 * time.Second
	BackoffFactor = 2.0
	BackoffCap    = 5 * time.Minute
	MaxAttempts   = 10
)

// Job is one unit of work traveling through a named queue.
type Job struct {
	ID          uuid.UUID       `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

// EnqueueOptions controls how a job is scheduled.
type EnqueueOptions struct {
	// Delay postpones the job's earliest processing time.
	Delay time.Duration
	// MaxAttempts overrides the default attempt cap before dead-lettering.
	MaxAttempts int
}

// Queue is a single named durable queue backed by Redis. Keys:
//
//	queue:<name>:ready      — LIST of ready job ids
//	queue:<name>:delayed    — ZSET of job ids scored by ready-at unix time
//	queue:<name>:processing — LIST of job ids currently claimed by a consumer
//	queue:<name>:dead       — LIST of job ids that exhausted their attempts
//	queue:<name>:job:<id>   — STRING, the JSON-encoded Job
type Queue struct {
	name   string
	redis  *redis.Client
	logger *slog.Logger
}

// New creates a handle onto the named queue. Multiple processes can create
// handles onto the same name; the queue itself lives entirely in Redis.
func New(name string, rdb *redis.Client, logger *slog.Logger) *Queue {
	return &Queue{name: name, redis: rdb, logger: logger}
}

func (q *Queue) readyKey() string      { return "queue:" + q.name + ":ready" }
func (q *Queue) delayedKey() string    { return "queue:" + q.name + ":delayed" }
func (q *Queue) processingKey() string { return "queue:" + q.name + ":processing" }
func (q *Queue) deadKey() string       { return "queue:" + q.name + ":dead" }
func (q *Queue) jobKey(id uuid.UUID) string {
	return "queue:" + q.name + ":job:" + id.String()
}

// Enqueue writes the job payload and makes it visible to consumers, either
// immediately or after opts.Delay. Enqueue is at-least-once from the
// caller's perspective: if the process crashes after the Redis write but
// before returning, the job still exists and will be processed.
func (q *Queue) Enqueue(ctx context.Context, payload any, opts EnqueueOptions) (uuid.UUID, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshaling job payload: %w", err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = MaxAttempts
	}

	job := Job{
		ID:          uuid.New(),
		Queue:       q.name,
		Payload:     body,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now(),
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshaling job: %w", err)
	}

	pipe := q.redis.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), encoded, 7*24*time.Hour)
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{
			Score:  float64(time.Now().Add(opts.Delay).Unix()),
			Member: job.ID.String(),
		})
	} else {
		pipe.LPush(ctx, q.readyKey(), job.ID.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("enqueueing job: %w", err)
	}
	return job.ID, nil
}

// PromoteDelayed moves any delayed job whose ready-at time has passed onto
// the ready list. Consume runs this on a short timer; it can also be called
// directly by a single coordinating process.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	now := float64(time.Now().Unix())
	ids, err := q.redis.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scanning delayed jobs: %w", err)
	}
	for _, id := range ids {
		pipe := q.redis.TxPipeline()
		pipe.ZRem(ctx, q.delayedKey(), id)
		pipe.LPush(ctx, q.readyKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("promoting delayed job %s: %w", id, err)
		}
	}
	return len(ids), nil
}

// Depth returns the number of jobs currently ready to be claimed, for the
// queue_depth gauge.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.redis.LLen(ctx, q.readyKey()).Result()
}

// Handler processes one job's payload. Returning an error triggers retry
// with backoff up to the job's attempt cap, then dead-lettering.
type Handler func(ctx context.Context, payload json.RawMessage) error

// ConsumeOptions configures a consumer loop.
type ConsumeOptions struct {
	Concurrency int
	// RatePerSecond, if set, caps the aggregate job-processing rate across
	// all of this consumer's goroutines (spec's alerts worker: 20/s).
	RatePerSecond float64
}

// Consume starts Concurrency worker goroutines pulling from the queue and
// blocks until ctx is cancelled. Each claim moves the job id from the ready
// list to the processing list (RPopLPush) so a consumer that dies mid-job
// doesn't silently lose it — a recovery sweep can find abandoned
// processing-list entries by age and requeue them.
func (q *Queue) Consume(ctx context.Context, handler Handler, opts ConsumeOptions) {
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	var limiter *rateGate
	if opts.RatePerSecond > 0 {
		limiter = newRateGate(opts.RatePerSecond)
		defer limiter.Stop()
	}

	promote := time.NewTicker(500 * time.Millisecond)
	defer promote.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-promote.C:
				if _, err := q.PromoteDelayed(ctx); err != nil {
					q.logger.Error("promoting delayed jobs", "queue", q.name, "error", err)
				}
			}
		}
	}()

	done := make(chan struct{})
	for i := 0; i < concurrency; i++ {
		go func() {
			q.consumeLoop(ctx, handler, limiter)
			done <- struct{}{}
		}()
	}
	for i := 0; i < concurrency; i++ {
		<-done
	}
}

func (q *Queue) consumeLoop(ctx context.Context, handler Handler, limiter *rateGate) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		idStr, err := q.redis.BRPopLPush(ctx, q.readyKey(), q.processingKey(), 2*time.Second).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("claiming job", "queue", q.name, "error", err)
			time.Sleep(time.Second)
			continue
		}

		if limiter != nil {
			limiter.Wait(ctx)
		}

		q.process(ctx, idStr, handler)
	}
}

func (q *Queue) process(ctx context.Context, idStr string, handler Handler) {
	raw, err := q.redis.Get(ctx, "queue:"+q.name+":job:"+idStr).Result()
	if err != nil {
		// Job body expired or missing; drop the dangling processing entry.
		q.redis.LRem(ctx, q.processingKey(), 1, idStr)
		q.logger.Warn("job body missing, dropping", "queue", q.name, "job_id", idStr)
		return
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.redis.LRem(ctx, q.processingKey(), 1, idStr)
		q.logger.Error("decoding job", "queue", q.name, "job_id", idStr, "error", err)
		return
	}

	err = handler(ctx, job.Payload)

	q.redis.LRem(ctx, q.processingKey(), 1, idStr)

	if err == nil {
		q.redis.Del(ctx, "queue:"+q.name+":job:"+idStr)
		return
	}

	job.Attempts++
	if job.Attempts >= job.MaxAttempts {
		q.logger.Error("job exhausted attempts, dead-lettering",
			"queue", q.name, "job_id", idStr, "attempts", job.Attempts, "error", err)
		q.deadLetter(ctx, job)
		return
	}

	backoff := nextBackoff(job.Attempts)
	q.logger.Warn("job failed, retrying",
		"queue", q.name, "job_id", idStr, "attempt", job.Attempts, "backoff", backoff, "error", err)
	q.requeue(ctx, job, backoff)
}

func (q *Queue) requeue(ctx context.Context, job Job, delay time.Duration) {
	encoded, err := json.Marshal(job)
	if err != nil {
		q.logger.Error("re-marshaling job for retry", "queue", q.name, "job_id", job.ID, "error", err)
		return
	}
	pipe := q.redis.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), encoded, 7*24*time.Hour)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(time.Now().Add(delay).Unix()),
		Member: job.ID.String(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("requeueing job", "queue", q.name, "job_id", job.ID, "error", err)
	}
}

func (q *Queue) deadLetter(ctx context.Context, job Job) {
	encoded, err := json.Marshal(job)
	if err != nil {
		q.logger.Error("re-marshaling job for dead-letter", "queue", q.name, "job_id", job.ID, "error", err)
		return
	}
	pipe := q.redis.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), encoded, 30*24*time.Hour)
	pipe.LPush(ctx, q.deadKey(), job.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("dead-lettering job", "queue", q.name, "job_id", job.ID, "error", err)
	}
}

// nextBackoff computes base * factor^attempts, capped — spec §5's
// exponential backoff: base 1s, factor 2, cap 5m.
func nextBackoff(attempts int) time.Duration {
	d := float64(BackoffBase) * pow(BackoffFactor, attempts)
	if d > float64(BackoffCap) {
		return BackoffCap
	}
	return time.Duration(d)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// rateGate is a simple token-bucket limiter used to cap a consumer's
// aggregate processing rate (e.g. the alerts worker's 20 jobs/s cap).
type rateGate struct {
	tokens chan struct{}
	stop   chan struct{}
}

func newRateGate(perSecond float64) *rateGate {
	interval := time.Duration(float64(time.Second) / perSecond)
	if interval <= 0 {
		interval = time.Millisecond
	}
	g := &rateGate{
		tokens: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stop:
				return
			case <-ticker.C:
				select {
				case g.tokens <- struct{}{}:
				default:
				}
			}
		}
	}()
	return g
}

func (g *rateGate) Wait(ctx context.Context) {
	select {
	case <-g.tokens:
	case <-ctx.Done():
	}
}

func (g *rateGate) Stop() {
	close(g.stop)
}
