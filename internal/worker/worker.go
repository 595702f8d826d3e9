// Package worker runs delayed jobs stored in Redis. Jobs are keyed by id, so
// scheduling an id that already exists moves it instead of adding a second
// job. Due jobs are claimed atomically with a visibility timeout and run with
// bounded concurrency; a claim that is never acknowledged becomes due again.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Job is one unit of delayed work.
type Job struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	RunAt   time.Time       `json:"run_at"`
	Attempt int             `json:"attempt"`
}

// Handler processes a job. Returning an error retries it with backoff until
// MaxAttempts is reached.
type Handler func(ctx context.Context, job Job) error

// Options tunes a Worker.
type Options struct {
	Prefix            string
	PollInterval      time.Duration
	Concurrency       int
	VisibilityTimeout time.Duration
	MaxAttempts       int
	// Now overrides the clock used for due times.
	Now func() time.Time
}

// Worker schedules and runs jobs.
type Worker struct {
	client   redis.UniversalClient
	prefix   string
	opts     Options
	logger   *slog.Logger
	sem      *semaphore.Weighted
	now      func() time.Time
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a Worker. Handlers are added with Register before Run.
func New(client redis.UniversalClient, opts Options, logger *slog.Logger) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 10
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Worker{
		client:   client,
		prefix:   opts.Prefix,
		opts:     opts,
		logger:   logger.With("component", "worker"),
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		now:      opts.Now,
		handlers: make(map[string]Handler),
	}
}

// Now returns the worker's current time.
func (w *Worker) Now() time.Time { return w.now() }

// Register sets the handler for a job type.
func (w *Worker) Register(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

func (w *Worker) queueKey() string         { return w.prefix + "jobs:queue" }
func (w *Worker) inflightKey() string      { return w.prefix + "jobs:inflight" }
func (w *Worker) dataKey(id string) string { return w.prefix + "jobs:data:" + id }

// Schedule stores job to run at job.RunAt, replacing any job with the same id.
func (w *Worker) Schedule(ctx context.Context, job Job) error {
	if job.ID == "" || job.Type == "" {
		return errors.New("worker: job id and type are required")
	}
	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, w.dataKey(job.ID),
			"type", job.Type,
			"payload", string(job.Payload),
			"attempt", job.Attempt,
		)
		pipe.ZAdd(ctx, w.queueKey(), redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", job.ID, err)
	}
	return nil
}

// Reschedule moves a waiting job to runAt. It reports false when no job with
// id is waiting.
func (w *Worker) Reschedule(ctx context.Context, id string, runAt time.Time) (bool, error) {
	n, err := rescheduleScript.Run(ctx, w.client, []string{w.queueKey()}, id, runAt.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("reschedule job %s: %w", id, err)
	}
	return n == 1, nil
}

// Cancel removes a job whether waiting or claimed.
func (w *Worker) Cancel(ctx context.Context, id string) error {
	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, w.queueKey(), id)
		pipe.ZRem(ctx, w.inflightKey(), id)
		pipe.Del(ctx, w.dataKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	return nil
}

// Scheduled returns when a waiting job is due. ok is false when no job with id is waiting.
func (w *Worker) Scheduled(ctx context.Context, id string) (runAt time.Time, ok bool, err error) {
	score, err := w.client.ZScore(ctx, w.queueKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read job %s: %w", id, err)
	}
	return time.UnixMilli(int64(score)), true, nil
}

// Run polls for due jobs until ctx is cancelled, then waits for running
// handlers to return.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(w.opts.PollInterval)
		defer ticker.Stop()
		for {
			if _, err := w.process(ctx, false); err != nil && ctx.Err() == nil {
				w.logger.Error("poll jobs", "error", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	err := g.Wait()

	// Drain: every slot free means every handler returned.
	if acqErr := w.sem.Acquire(context.Background(), int64(w.opts.Concurrency)); acqErr == nil {
		w.sem.Release(int64(w.opts.Concurrency))
	}
	return err
}

// ProcessDue claims every due job that fits the free capacity, runs them and
// waits for them to finish. It returns the number of jobs run.
func (w *Worker) ProcessDue(ctx context.Context) (int, error) {
	return w.process(ctx, true)
}

func (w *Worker) process(ctx context.Context, wait bool) (int, error) {
	now := w.now()
	ids, err := claimScript.Run(ctx, w.client, []string{w.queueKey(), w.inflightKey()},
		now.UnixMilli(), now.Add(w.opts.VisibilityTimeout).UnixMilli(), w.opts.Concurrency).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("claim jobs: %w", err)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		job, err := w.load(ctx, id)
		if err != nil {
			w.logger.Error("load job", "job_id", id, "error", err)
			continue
		}
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return len(ids), err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer w.sem.Release(1)
			w.execute(context.WithoutCancel(ctx), job)
		}()
	}
	if wait {
		wg.Wait()
	}
	return len(ids), nil
}

func (w *Worker) load(ctx context.Context, id string) (Job, error) {
	h, err := w.client.HGetAll(ctx, w.dataKey(id)).Result()
	if err != nil {
		return Job{}, err
	}
	if len(h) == 0 {
		// Cancelled between claim and load.
		w.client.ZRem(ctx, w.inflightKey(), id)
		return Job{}, fmt.Errorf("job %s has no data", id)
	}
	attempt, _ := strconv.Atoi(h["attempt"])
	job := Job{ID: id, Type: h["type"], Attempt: attempt, RunAt: w.now()}
	if p := h["payload"]; p != "" {
		job.Payload = json.RawMessage(p)
	}
	return job, nil
}

func (w *Worker) execute(ctx context.Context, job Job) {
	h, ok := w.handler(job.Type)
	if !ok {
		w.logger.Error("no handler for job type", "job_id", job.ID, "job_type", job.Type)
		w.complete(ctx, job.ID)
		return
	}

	start := time.Now()
	err := h(ctx, job)
	jobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())
	if err == nil {
		jobsProcessed.WithLabelValues(job.Type, "ok").Inc()
		w.complete(ctx, job.ID)
		return
	}

	if job.Attempt+1 >= w.opts.MaxAttempts {
		jobsProcessed.WithLabelValues(job.Type, "dropped").Inc()
		w.logger.Error("job failed permanently", "job_id", job.ID, "job_type", job.Type, "attempt", job.Attempt, "error", err)
		w.complete(ctx, job.ID)
		return
	}

	jobsProcessed.WithLabelValues(job.Type, "retry").Inc()
	delay := Backoff(job.Attempt)
	w.logger.Warn("job failed, retrying", "job_id", job.ID, "job_type", job.Type, "attempt", job.Attempt, "retry_in", delay, "error", err)
	if err := retryScript.Run(ctx, w.client, []string{w.queueKey(), w.inflightKey(), w.dataKey(job.ID)},
		job.ID, w.now().Add(delay).UnixMilli(), job.Attempt+1).Err(); err != nil {
		w.logger.Error("reschedule failed job", "job_id", job.ID, "error", err)
	}
}

// complete drops a claimed job unless it was scheduled again while running.
func (w *Worker) complete(ctx context.Context, id string) {
	if err := completeScript.Run(ctx, w.client, []string{w.queueKey(), w.inflightKey(), w.dataKey(id)}, id).Err(); err != nil {
		w.logger.Error("complete job", "job_id", id, "error", err)
	}
}

// Backoff is the retry delay after a failed attempt: one second doubling per
// attempt, capped at one minute, plus a quarter of jitter headroom.
func Backoff(attempt int) time.Duration {
	delay := time.Minute
	if attempt < 6 {
		delay = time.Second * time.Duration(math.Pow(2, float64(attempt)))
	}
	if delay > time.Minute {
		delay = time.Minute
	}
	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}

// KEYS: queue, inflight. ARGV: now, visibility deadline, max jobs.
// Expired claims return to the queue before due jobs are claimed.
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  if not redis.call('ZSCORE', KEYS[1], id) then
    redis.call('ZADD', KEYS[1], ARGV[1], id)
  end
end
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[2], id)
end
return due
`)

// KEYS: queue. ARGV: id, run at.
var rescheduleScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// KEYS: queue, inflight, data. ARGV: id.
var completeScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('DEL', KEYS[3])
end
return 1
`)

// KEYS: queue, inflight, data. ARGV: id, run at, attempt.
// A job scheduled again while running keeps its new schedule.
var retryScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[3], 'attempt', ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)
