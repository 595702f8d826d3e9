// Package queue is the admission-controlled run queue. Runs wait in
// per-queue sorted sets grouped under master queues; a dequeue reserves a
// concurrency slot on the queue, environment and organization atomically with
// removing the run from its queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/runengine/internal/model"
)

// ErrMessageNotFound is returned when a run has no queue message.
var ErrMessageNotFound = errors.New("queue message not found")

const (
	// candidateQueues bounds how many queues of a master queue one dequeue visits.
	candidateQueues = 20
	// rateLimitWindow bounds how many due messages are checked against rate limits.
	rateLimitWindow = 10
)

// Message is the queue entry of a run.
type Message struct {
	RunID        string
	Ref          Ref
	MasterQueue  string
	RateLimitKey string
	Deployed     bool
	Attempt      int
	PriorityMs   int64
	EnqueuedAt   time.Time
}

func (m Message) fields() []any {
	return []any{
		"run_id", m.RunID,
		"org", m.Ref.OrganizationID,
		"env", m.Ref.EnvironmentID,
		"queue", m.Ref.Name,
		"concurrency_key", m.Ref.ConcurrencyKey,
		"master_queue", m.MasterQueue,
		"rate_limit_key", m.RateLimitKey,
		"deployed", strconv.FormatBool(m.Deployed),
		"attempt", strconv.Itoa(m.Attempt),
		"priority_ms", strconv.FormatInt(m.PriorityMs, 10),
		"enqueued_at", strconv.FormatInt(m.EnqueuedAt.UnixMilli(), 10),
	}
}

func messageFromHash(h map[string]string) Message {
	attempt, _ := strconv.Atoi(h["attempt"])
	priority, _ := strconv.ParseInt(h["priority_ms"], 10, 64)
	enqueued, _ := strconv.ParseInt(h["enqueued_at"], 10, 64)
	deployed, _ := strconv.ParseBool(h["deployed"])
	return Message{
		RunID: h["run_id"],
		Ref: Ref{
			OrganizationID: h["org"],
			EnvironmentID:  h["env"],
			Name:           h["queue"],
			ConcurrencyKey: h["concurrency_key"],
		},
		MasterQueue:  h["master_queue"],
		RateLimitKey: h["rate_limit_key"],
		Deployed:     deployed,
		Attempt:      attempt,
		PriorityMs:   priority,
		EnqueuedAt:   time.UnixMilli(enqueued),
	}
}

// Concurrency is the number of runs holding a slot on each axis.
type Concurrency struct {
	Queue        int64 `json:"queue"`
	Environment  int64 `json:"environment"`
	Organization int64 `json:"organization"`
}

// Queue is the Redis-backed run queue.
type Queue struct {
	client redis.UniversalClient
	keys   keys
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Queue storing its keys under prefix.
func New(client redis.UniversalClient, prefix string, logger *slog.Logger) *Queue {
	return &Queue{
		client: client,
		keys:   keys{prefix: prefix},
		logger: logger.With("component", "queue"),
		now:    time.Now,
	}
}

// SetClock replaces the clock used for scores and rate limiting.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

func (q *Queue) concurrencyKeys(m Message) []string {
	return []string{
		q.keys.queueConcurrency(m.Ref),
		q.keys.envConcurrency(m.Ref.EnvironmentID),
		q.keys.orgConcurrency(m.Ref.OrganizationID),
		q.keys.globalConcurrency(m.Deployed),
	}
}

// Enqueue adds a run to its queue, available from at. A run already holding a
// slot gives it up.
func (q *Queue) Enqueue(ctx context.Context, m Message, at time.Time) error {
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = q.now()
	}
	score := at.UnixMilli() - m.PriorityMs

	redisKeys := append([]string{q.keys.queue(m.Ref), q.keys.master(m.MasterQueue), q.keys.message(m.RunID)}, q.concurrencyKeys(m)...)
	args := append([]any{m.RunID, score, m.Ref.Key()}, m.fields()...)
	if err := enqueueScript.Run(ctx, q.client, redisKeys, args...).Err(); err != nil {
		return fmt.Errorf("enqueue run %s: %w", m.RunID, err)
	}
	q.logger.Debug("run enqueued", "run_id", m.RunID, "queue", m.Ref.Key(), "master_queue", m.MasterQueue)
	return nil
}

// ReadMessage returns the queue message of a run.
func (q *Queue) ReadMessage(ctx context.Context, runID string) (Message, error) {
	h, err := q.client.HGetAll(ctx, q.keys.message(runID)).Result()
	if err != nil {
		return Message{}, fmt.Errorf("read message %s: %w", runID, err)
	}
	if len(h) == 0 {
		return Message{}, ErrMessageNotFound
	}
	return messageFromHash(h), nil
}

// DequeueFromMasterQueue admits up to maxRuns runs from the queues of a master
// queue, oldest queue first. Runs that fail admission stay queued; an empty
// result is not an error.
func (q *Queue) DequeueFromMasterQueue(ctx context.Context, consumerID, masterQueue string, maxRuns int) ([]Message, error) {
	if maxRuns < 1 {
		maxRuns = 1
	}
	now := q.now().UnixMilli()
	nowArg := strconv.FormatInt(now, 10)

	members, err := q.client.ZRangeByScore(ctx, q.keys.master(masterQueue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   nowArg,
		Count: candidateQueues,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read master queue %s: %w", masterQueue, err)
	}

	deployed := !strings.HasPrefix(masterQueue, "env:")
	var out []Message
	for _, member := range members {
		ref, ok := parseRef(member)
		if !ok {
			q.logger.Warn("dropping malformed queue from master queue", "master_queue", masterQueue, "queue", member)
			q.client.ZRem(ctx, q.keys.master(masterQueue), member)
			continue
		}

		for len(out) < maxRuns {
			redisKeys := []string{
				q.keys.queue(ref),
				q.keys.master(masterQueue),
				q.keys.queueConcurrency(ref),
				q.keys.envConcurrency(ref.EnvironmentID),
				q.keys.orgConcurrency(ref.OrganizationID),
				q.keys.globalConcurrency(deployed),
				q.keys.queueLimit(ref),
				q.keys.envLimit(ref.EnvironmentID),
				q.keys.orgLimit(ref.OrganizationID),
				q.keys.rateLimitConfig(ref),
			}
			runID, err := dequeueScript.Run(ctx, q.client, redisKeys,
				nowArg, member, q.keys.prefix+"msg:", q.keys.rateLimitBucket(ref), rateLimitWindow).Text()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return out, fmt.Errorf("dequeue from %s: %w", member, err)
			}

			m, err := q.ReadMessage(ctx, runID)
			if err != nil {
				return out, err
			}
			out = append(out, m)
		}
		if len(out) >= maxRuns {
			break
		}
	}

	if len(out) > 0 {
		q.logger.Debug("runs dequeued", "consumer_id", consumerID, "master_queue", masterQueue, "count", len(out))
	}
	return out, nil
}

// Acknowledge removes a run's message and frees its slots. Used when a run
// reaches a final state.
func (q *Queue) Acknowledge(ctx context.Context, runID string) error {
	m, err := q.ReadMessage(ctx, runID)
	if errors.Is(err, ErrMessageNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	redisKeys := append([]string{q.keys.queue(m.Ref), q.keys.master(m.MasterQueue), q.keys.message(runID)}, q.concurrencyKeys(m)...)
	if err := acknowledgeScript.Run(ctx, q.client, redisKeys, runID, m.Ref.Key()).Err(); err != nil {
		return fmt.Errorf("acknowledge run %s: %w", runID, err)
	}
	return nil
}

// ReleaseConcurrency frees a run's slots but keeps its message, so it can be
// re-enqueued later. Used when a run suspends.
func (q *Queue) ReleaseConcurrency(ctx context.Context, runID string) error {
	m, err := q.ReadMessage(ctx, runID)
	if errors.Is(err, ErrMessageNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := releaseScript.Run(ctx, q.client, q.concurrencyKeys(m), runID).Err(); err != nil {
		return fmt.Errorf("release concurrency of run %s: %w", runID, err)
	}
	return nil
}

// Nack frees a run's slots and puts it back on its queue, available from at.
func (q *Queue) Nack(ctx context.Context, runID string, at time.Time) error {
	m, err := q.ReadMessage(ctx, runID)
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, m, at)
}

func setLimit(ctx context.Context, pipe redis.Pipeliner, key string, limit *int) {
	if limit == nil {
		pipe.Del(ctx, key)
		return
	}
	pipe.Set(ctx, key, *limit, 0)
}

// UpdateEnvConcurrencyLimits stores the resolved limits of an environment and
// its organization. Nil removes a limit.
func (q *Queue) UpdateEnvConcurrencyLimits(ctx context.Context, orgID, envID string, orgLimit, envLimit *int) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		setLimit(ctx, pipe, q.keys.orgLimit(orgID), orgLimit)
		setLimit(ctx, pipe, q.keys.envLimit(envID), envLimit)
		return nil
	})
	if err != nil {
		return fmt.Errorf("update concurrency limits of %s: %w", envID, err)
	}
	return nil
}

// UpdateQueueLimits stores a queue's concurrency limit and optional rate limit.
// A paused queue admits nothing.
func (q *Queue) UpdateQueueLimits(ctx context.Context, tq *model.TaskQueue, orgID string) error {
	ref := Ref{OrganizationID: orgID, EnvironmentID: tq.EnvironmentID, Name: tq.Name}
	limit := tq.ConcurrencyLimit
	if tq.Paused {
		zero := 0
		limit = &zero
	}

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		setLimit(ctx, pipe, q.keys.queueLimit(ref), limit)
		if tq.RateLimit == nil || tq.RateLimit.Limit <= 0 || tq.RateLimit.Period <= 0 {
			pipe.Del(ctx, q.keys.rateLimitConfig(ref))
			return nil
		}
		pipe.HSet(ctx, q.keys.rateLimitConfig(ref),
			"limit", tq.RateLimit.Limit,
			"period_ms", tq.RateLimit.Period.Milliseconds(),
			"burst", tq.RateLimit.Burst,
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("update limits of queue %s: %w", tq.Name, err)
	}
	return nil
}

// GlobalConcurrentRunCount is the number of runs holding a slot across all
// deployed, or all development, environments.
func (q *Queue) GlobalConcurrentRunCount(ctx context.Context, deployed bool) (int64, error) {
	n, err := q.client.SCard(ctx, q.keys.globalConcurrency(deployed)).Result()
	if err != nil {
		return 0, fmt.Errorf("count global concurrency: %w", err)
	}
	return n, nil
}

// CurrentConcurrency reports the slots held on each axis of a queue.
func (q *Queue) CurrentConcurrency(ctx context.Context, ref Ref) (Concurrency, error) {
	pipe := q.client.Pipeline()
	queueCmd := pipe.SCard(ctx, q.keys.queueConcurrency(ref))
	envCmd := pipe.SCard(ctx, q.keys.envConcurrency(ref.EnvironmentID))
	orgCmd := pipe.SCard(ctx, q.keys.orgConcurrency(ref.OrganizationID))
	if _, err := pipe.Exec(ctx); err != nil {
		return Concurrency{}, fmt.Errorf("read concurrency: %w", err)
	}
	return Concurrency{Queue: queueCmd.Val(), Environment: envCmd.Val(), Organization: orgCmd.Val()}, nil
}

// Length is the number of runs waiting in a queue, due or not.
func (q *Queue) Length(ctx context.Context, ref Ref) (int64, error) {
	n, err := q.client.ZCard(ctx, q.keys.queue(ref)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// Ping checks the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
