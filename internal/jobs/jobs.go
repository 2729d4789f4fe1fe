// Package jobs implements the Job Engine: two disjoint Redis-backed
// queues ("webhooks" and "push"), each serviced by its own worker pool,
// with per-policy retries and completed/failed retention.
//
// The worker-pool shape -- a channel fed from the backing store, workers
// running handlers inside a panic/recover envelope, logging success or
// failure before acknowledging -- follows the teacher's
// core/backend/jobs.go pipelineWorker, ported from a Postgres "_job_"
// table polled by the pipeline to Redis lists polled by BRPOP, because
// the spec specifies a Redis-compatible backing store. The Redis client
// itself (redis/go-redis/v9) and its construction style are grounded on
// the pack's redb-open cache/session-store usage of the same library.
package jobs

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cascata/gateway/internal/logging"
)

// QueueName identifies one of the two disjoint job queues.
type QueueName string

const (
	QueueWebhooks QueueName = "webhooks"
	QueuePush     QueueName = "push"
)

// RetryPolicy names one of the three retry policies spec.md §4.7 defines.
type RetryPolicy string

const (
	PolicyNone     RetryPolicy = "none"
	PolicyLinear   RetryPolicy = "linear"
	PolicyStandard RetryPolicy = "standard"
)

// policySpec describes one retry policy's attempt budget and backoff
// function. backoff(n) is the delay before the (n+1)th attempt.
type policySpec struct {
	attempts int
	backoff  func(attempt int) time.Duration
}

var policies = map[RetryPolicy]policySpec{
	PolicyNone: {
		attempts: 1,
		backoff:  func(int) time.Duration { return 0 },
	},
	PolicyLinear: {
		attempts: 5,
		backoff:  func(int) time.Duration { return 5 * time.Second },
	},
	PolicyStandard: {
		attempts: 10,
		backoff:  func(attempt int) time.Duration { return time.Duration(1<<uint(attempt)) * time.Second },
	},
}

// pushPolicy is the fixed retry policy for every push job: 3 attempts,
// exponential backoff from 1s (spec.md §4.7).
var pushPolicy = policySpec{
	attempts: 3,
	backoff:  func(attempt int) time.Duration { return time.Duration(1<<uint(attempt)) * time.Second },
}

// resolvePolicy returns the named policy, defaulting to standard for an
// unrecognised or empty name.
func resolvePolicy(name RetryPolicy) policySpec {
	if p, ok := policies[name]; ok {
		return p
	}
	return policies[PolicyStandard]
}

const (
	completedRetentionAge   = 24 * time.Hour
	completedRetentionCount = 1000
	failedRetentionAge      = 7 * 24 * time.Hour
	failedRetentionCount    = 5000
)

// WebhookJob is one queued webhook delivery attempt.
type WebhookJob struct {
	ID          string            `json:"id"`
	ProjectSlug string            `json:"project_slug"`
	TargetURL   string            `json:"target_url"`
	FallbackURL string            `json:"fallback_url,omitempty"`
	Secret      string            `json:"secret"`
	Event       string            `json:"event"`
	Table       string            `json:"table"`
	Payload     json.RawMessage   `json:"payload"`
	Policy      RetryPolicy       `json:"policy"`
	Attempt     int               `json:"attempt"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// PushJob is one queued push-notification fan-out to every device
// registered for a user.
type PushJob struct {
	ID          string            `json:"id"`
	ProjectSlug string            `json:"project_slug"`
	UserID      string            `json:"user_id"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	Attempt     int               `json:"attempt"`
}

// redisKeys is the set of Redis keys one Engine operates against.
type redisKeys struct {
	queue     string // list: pending jobs, ready now
	delayed   string // sorted set: jobs scheduled for a future retry, score = ready-at unix ms
	completed string // sorted set: recently completed job IDs, score = recorded-at unix ms
	failed    string // sorted set: recently failed job IDs, score = recorded-at unix ms
}

func keysFor(q QueueName) redisKeys {
	return redisKeys{
		queue:     "cascata:jobs:" + string(q),
		delayed:   "cascata:jobs:" + string(q) + ":delayed",
		completed: "cascata:jobs:" + string(q) + ":completed",
		failed:    "cascata:jobs:" + string(q) + ":failed",
	}
}

// Engine owns both job queues and their workers.
type Engine struct {
	rdb        *redis.Client
	webhookDep WebhookDependencies
	pushDep    PushDependencies

	stop chan struct{}
}

// New builds an Engine against an already-connected Redis client.
func New(rdb *redis.Client, webhookDep WebhookDependencies, pushDep PushDependencies) *Engine {
	return &Engine{rdb: rdb, webhookDep: webhookDep, pushDep: pushDep, stop: make(chan struct{})}
}

// EnqueueWebhook pushes a webhook job onto the ready queue.
func (e *Engine) EnqueueWebhook(ctx context.Context, job WebhookJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return e.rdb.LPush(ctx, keysFor(QueueWebhooks).queue, data).Err()
}

// EnqueuePush pushes a push job onto the ready queue. Called by the
// notification rule engine; never sent synchronously.
func (e *Engine) EnqueuePush(ctx context.Context, job PushJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return e.rdb.LPush(ctx, keysFor(QueuePush).queue, data).Err()
}

// Start launches the webhook worker (concurrency 1) and the push worker
// (concurrency 50), plus the delayed-retry promoter for both queues.
func (e *Engine) Start(ctx context.Context) {
	go e.runPromoter(ctx, QueueWebhooks)
	go e.runPromoter(ctx, QueuePush)
	go e.runWebhookWorker(ctx)
	for i := 0; i < 50; i++ {
		go e.runPushWorker(ctx)
	}
}

// Stop signals every worker goroutine to exit after its current job.
func (e *Engine) Stop() {
	close(e.stop)
}

// QueueStats reports one queue's ready depth, delayed-retry count, and
// recent failure count, for the ambient health-detail endpoint.
type QueueStats struct {
	Ready   int64
	Delayed int64
	Failed  int64
}

// Stats reports QueueStats for both queues.
func (e *Engine) Stats(ctx context.Context) (map[QueueName]QueueStats, error) {
	out := map[QueueName]QueueStats{}
	for _, q := range []QueueName{QueueWebhooks, QueuePush} {
		keys := keysFor(q)
		ready, err := e.rdb.LLen(ctx, keys.queue).Result()
		if err != nil {
			return nil, err
		}
		delayed, err := e.rdb.ZCard(ctx, keys.delayed).Result()
		if err != nil {
			return nil, err
		}
		failed, err := e.rdb.ZCard(ctx, keys.failed).Result()
		if err != nil {
			return nil, err
		}
		out[q] = QueueStats{Ready: ready, Delayed: delayed, Failed: failed}
	}
	return out, nil
}

// runPromoter moves due entries from the delayed sorted set back onto
// the ready queue. Job-queue ordering otherwise follows the backing
// store's FIFO (spec.md §5); retries simply re-enter that FIFO once due.
func (e *Engine) runPromoter(ctx context.Context, q QueueName) {
	keys := keysFor(q)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.promoteDue(ctx, keys)
		}
	}
}

func (e *Engine) promoteDue(ctx context.Context, keys redisKeys) {
	now := float64(time.Now().UnixMilli())
	due, err := e.rdb.ZRangeByScore(ctx, keys.delayed, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatFloat(now, 'f', 0, 64),
	}).Result()
	if err != nil || len(due) == 0 {
		return
	}
	for _, payload := range due {
		e.rdb.LPush(ctx, keys.queue, payload)
		e.rdb.ZRem(ctx, keys.delayed, payload)
	}
}

// schedule adds payload to the delayed set, to be promoted back onto the
// ready queue after delay.
func (e *Engine) schedule(ctx context.Context, keys redisKeys, payload []byte, delay time.Duration) error {
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	return e.rdb.ZAdd(ctx, keys.delayed, redis.Z{Score: readyAt, Member: payload}).Err()
}

// recordOutcome records a completed/failed job ID in its retention sorted
// set, scored by recording time, and enforces both bounds spec.md §4.7
// sets (24h/1000 for completed, 7d/5000 for failed): ZRemRangeByScore
// drops anything older than the age bound, then ZRemRangeByRank caps
// what's left to the count bound. Both run opportunistically on each
// append rather than via a separate sweep goroutine.
func (e *Engine) recordOutcome(ctx context.Context, keys redisKeys, jobID string, failed bool) {
	key := keys.completed
	maxAge := completedRetentionAge
	maxCount := completedRetentionCount
	if failed {
		key = keys.failed
		maxAge = failedRetentionAge
		maxCount = failedRetentionCount
	}
	now := time.Now()
	e.rdb.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	e.rdb.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Add(-maxAge).UnixMilli(), 10))
	e.rdb.ZRemRangeByRank(ctx, key, 0, int64(-maxCount-1))
}

// runWithRecover invokes fn inside a panic/recover envelope, logging a
// recovered panic as an error instead of crashing the worker goroutine,
// mirroring the teacher's pipelineWorker recover block.
func runWithRecover(ctx context.Context, label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			debug.PrintStack()
			logging.FromContext(ctx).Errorf("recovered from panic in %s: %v", label, r)
		}
	}()
	return fn()
}
