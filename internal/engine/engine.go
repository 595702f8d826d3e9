package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/runengine/internal/heartbeat"
	"github.com/seantiz/runengine/internal/lock"
	"github.com/seantiz/runengine/internal/machine"
	"github.com/seantiz/runengine/internal/model"
	"github.com/seantiz/runengine/internal/objectstore"
	"github.com/seantiz/runengine/internal/queue"
	"github.com/seantiz/runengine/internal/store"
	"github.com/seantiz/runengine/internal/waitpoint"
	"github.com/seantiz/runengine/internal/worker"
)

// Delayed-job types owned by the engine.
const (
	jobEnqueueDelayedRun = "enqueueDelayedRun"
	jobExpireRun         = "expireRun"
	jobContinueRun       = "continueRunIfUnblocked"
)

// DefaultLockDuration is the run lock duration when none is configured.
const DefaultLockDuration = 5 * time.Second

// Options are the collaborators and settings of an Engine.
type Options struct {
	Store  store.Store
	Locker *lock.Locker
	Queue  *queue.Queue
	Jobs   *worker.Worker
	// Objects holds large callback bodies. Optional.
	Objects objectstore.Store

	Machines       []machine.Preset
	DefaultMachine string
	LockDuration   time.Duration
	Heartbeats     heartbeat.Timeouts
	Callback       waitpoint.Options

	DefaultEnvConcurrencyLimit *int
	DefaultMaxAttempts         int
	WarmRetryThreshold         time.Duration

	// Stall decides what happens to an executing run that stopped heartbeating.
	Stall StallPolicy
}

// ScheduleRecoverer re-evaluates an environment's schedules.
type ScheduleRecoverer interface {
	Recover(ctx context.Context, envID string) (int, error)
}

// Engine is the run engine.
type Engine struct {
	store      store.Store
	locker     *lock.Locker
	queue      *queue.Queue
	jobs       *worker.Worker
	waitpoints *waitpoint.Manager
	heartbeats *heartbeat.Monitor
	events     *EventBus
	schedules  ScheduleRecoverer

	opts           Options
	defaultMachine machine.Preset
	logger         *slog.Logger
}

// New creates an Engine and registers its delayed jobs on opts.Jobs.
func New(opts Options, logger *slog.Logger) (*Engine, error) {
	if opts.Store == nil || opts.Locker == nil || opts.Queue == nil || opts.Jobs == nil {
		return nil, errors.New("engine: store, locker, queue and jobs are required")
	}
	if len(opts.Machines) == 0 {
		opts.Machines = machine.DefaultTable
	}
	if opts.DefaultMachine == "" {
		opts.DefaultMachine = machine.FallbackPreset
	}
	def, ok := machine.Lookup(opts.Machines, opts.DefaultMachine)
	if !ok {
		return nil, fmt.Errorf("engine: default machine %q is not a known preset", opts.DefaultMachine)
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = DefaultLockDuration
	}
	if opts.DefaultMaxAttempts < 1 {
		opts.DefaultMaxAttempts = 3
	}
	if opts.Heartbeats.Dequeued <= 0 {
		opts.Heartbeats.Dequeued = time.Minute
	}
	if opts.Heartbeats.Executing <= 0 {
		opts.Heartbeats.Executing = time.Minute
	}
	if opts.Heartbeats.Interrupted <= 0 {
		opts.Heartbeats.Interrupted = 30 * time.Second
	}
	if opts.Stall == nil {
		opts.Stall = DefaultStallPolicy
	}

	e := &Engine{
		store:          opts.Store,
		locker:         opts.Locker,
		queue:          opts.Queue,
		jobs:           opts.Jobs,
		events:         NewEventBus(),
		opts:           opts,
		defaultMachine: def,
		logger:         logger.With("component", "engine"),
	}
	e.heartbeats = heartbeat.New(opts.Jobs, e.handleStall, logger)
	e.waitpoints = waitpoint.New(opts.Store, opts.Jobs, opts.Objects, opts.Callback, logger)
	e.waitpoints.OnComplete(e.onWaitpointCompleted)

	opts.Jobs.Register(jobEnqueueDelayedRun, e.runJob(e.enqueueDelayedRun))
	opts.Jobs.Register(jobExpireRun, e.runJob(func(ctx context.Context, runID string) error {
		_, err := e.ExpireRun(ctx, runID)
		if errors.Is(err, ErrInvalidStatus) || errors.Is(err, ErrRunNotFound) {
			return nil
		}
		return err
	}))
	opts.Jobs.Register(jobContinueRun, e.runJob(e.continueRunIfUnblocked))
	return e, nil
}

// Events returns the bus snapshot changes are published on.
func (e *Engine) Events() *EventBus { return e.events }

// Waitpoints returns the waitpoint manager.
func (e *Engine) Waitpoints() *waitpoint.Manager { return e.waitpoints }

// SetScheduleRecoverer sets the collaborator used by RecoverSchedulesInEnvironment.
func (e *Engine) SetScheduleRecoverer(r ScheduleRecoverer) { e.schedules = r }

func (e *Engine) now() time.Time { return e.jobs.Now().UTC() }

type runJobPayload struct {
	RunID string `json:"runId"`
}

func (e *Engine) runJob(fn func(ctx context.Context, runID string) error) worker.Handler {
	return func(ctx context.Context, job worker.Job) error {
		var p runJobPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			e.logger.Error("decode run job", "job_id", job.ID, "error", err)
			return nil
		}
		return fn(ctx, p.RunID)
	}
}

func (e *Engine) scheduleRunJob(ctx context.Context, jobType, runID string, at time.Time) error {
	data, err := json.Marshal(runJobPayload{RunID: runID})
	if err != nil {
		return err
	}
	return e.jobs.Schedule(ctx, worker.Job{ID: jobType + ":" + runID, Type: jobType, Payload: data, RunAt: at})
}

func (e *Engine) cancelRunJob(ctx context.Context, jobType, runID string) {
	if err := e.jobs.Cancel(ctx, jobType+":"+runID); err != nil {
		e.logger.Warn("cancel run job", "run_id", runID, "job_type", jobType, "error", err)
	}
}

func (e *Engine) withRunLock(ctx context.Context, runID string, fn func(ctx context.Context) error) error {
	return e.locker.WithLock(ctx, []string{runID}, e.opts.LockDuration, fn)
}

// load reads a run and its latest snapshot.
func (e *Engine) load(ctx context.Context, runID string) (*model.Run, *model.Snapshot, error) {
	run, err := e.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, nil, err
	}
	snap, err := e.store.GetLatestSnapshot(ctx, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("latest snapshot of run %s: %w", runID, err)
	}
	return run, snap, nil
}

// loadCurrent reads a run and checks snapshotID is its latest snapshot.
func (e *Engine) loadCurrent(ctx context.Context, runID, snapshotID string) (*model.Run, *model.Snapshot, error) {
	run, snap, err := e.load(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if snap.ID != snapshotID {
		return nil, nil, fmt.Errorf("%w: run %s is at snapshot %s, not %s", ErrStaleSnapshot, runID, snap.ID, snapshotID)
	}
	return run, snap, nil
}

func requireStatus(snap *model.Snapshot, op string, allowed ...model.Status) error {
	for _, s := range allowed {
		if snap.Status == s {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot %s a run in %s", ErrInvalidStatus, op, snap.Status)
}

// next describes the snapshot a transition writes.
type next struct {
	status              model.Status
	description         string
	workerID            string
	checkpointID        string
	resumeAttempt       bool
	completedWaitpoints []string
}

// transition appends the successor of from and writes run's mutable fields
// with it. Heartbeat deadlines follow the new status.
func (e *Engine) transition(ctx context.Context, run *model.Run, from *model.Snapshot, n next) (*model.Snapshot, error) {
	if !model.ValidTransition(from.Status, n.status) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidStatus, from.Status, n.status)
	}

	now := e.now()
	id, friendly := model.NewFriendlyID(model.EntitySnapshot)
	snap := &model.Snapshot{
		ID:                    id,
		FriendlyID:            friendly,
		RunID:                 run.ID,
		Seq:                   from.Seq + 1,
		Status:                n.status,
		Description:           n.description,
		AttemptNumber:         run.AttemptNumber,
		CheckpointID:          n.checkpointID,
		WorkerID:              n.workerID,
		ResumeAttempt:         n.resumeAttempt,
		CompletedWaitpointIDs: n.completedWaitpoints,
		CreatedAt:             now,
	}
	timeout, beats := e.opts.Heartbeats.For(n.status)
	if beats {
		deadline := now.Add(timeout)
		snap.HeartbeatDeadline = &deadline
	}
	if n.status.IsTerminal() && run.CompletedAt == nil {
		run.CompletedAt = &now
	}
	run.UpdatedAt = now

	if err := e.store.CreateSnapshot(ctx, run, snap); err != nil {
		if errors.Is(err, store.ErrSnapshotConflict) {
			return nil, fmt.Errorf("%w: %w", ErrStaleSnapshot, err)
		}
		return nil, err
	}
	snapshotTransitions.WithLabelValues(string(from.Status), string(n.status)).Inc()

	if beats {
		if err := e.heartbeats.Register(ctx, run.ID, snap.ID, timeout); err != nil {
			e.logger.Error("register heartbeat", "run_id", run.ID, "snapshot_id", snap.ID, "error", err)
		}
	} else {
		if err := e.heartbeats.Clear(ctx, run.ID); err != nil {
			e.logger.Error("clear heartbeat", "run_id", run.ID, "error", err)
		}
	}

	e.logger.Debug("run transitioned", "run_id", run.ID, "snapshot_id", snap.ID, "from", from.Status, "to", n.status)
	e.events.Publish(SnapshotEvent{RunID: run.ID, Snapshot: snap})
	return snap, nil
}

// terminate moves run to a final status and frees everything it holds. The
// caller runs finalize once the run lock is released.
func (e *Engine) terminate(ctx context.Context, run *model.Run, from *model.Snapshot, status model.Status, description string) (*model.Snapshot, error) {
	snap, err := e.transition(ctx, run, from, next{
		status:       status,
		description:  description,
		workerID:     from.WorkerID,
		checkpointID: from.CheckpointID,
	})
	if err != nil {
		return nil, err
	}
	if err := e.queue.Acknowledge(ctx, run.ID); err != nil {
		e.logger.Error("acknowledge finished run", "run_id", run.ID, "error", err)
	}
	if err := e.store.DeleteRunWaitpoints(ctx, run.ID); err != nil {
		e.logger.Error("unlink waitpoints of finished run", "run_id", run.ID, "error", err)
	}
	e.cancelRunJob(ctx, jobExpireRun, run.ID)
	e.cancelRunJob(ctx, jobEnqueueDelayedRun, run.ID)
	runsFinished.WithLabelValues(string(status), string(run.EnvironmentType)).Inc()
	e.logger.Info("run finished", "run_id", run.ID, "status", status)
	return snap, nil
}

// finalize completes the run's associated waitpoint. It must run outside the
// run's lock because completing the waitpoint locks the runs blocked on it.
func (e *Engine) finalize(ctx context.Context, run *model.Run) {
	if run.AssociatedWaitpointID == "" {
		return
	}
	out := waitpoint.Output{Value: run.Output, Type: run.OutputType}
	if run.Status != model.StatusCompleted {
		out.IsError = true
		out.Type = "application/json"
		out.Value, _ = json.Marshal(run.Error)
	}
	if _, err := e.waitpoints.CompleteRunWaitpoint(ctx, run.AssociatedWaitpointID, run.ID, out); err != nil {
		e.logger.Error("complete run waitpoint", "run_id", run.ID, "waitpoint_id", run.AssociatedWaitpointID, "error", err)
	}
}

func (e *Engine) message(run *model.Run) queue.Message {
	return queue.Message{
		RunID: run.ID,
		Ref: queue.Ref{
			OrganizationID: run.OrganizationID,
			EnvironmentID:  run.EnvironmentID,
			Name:           run.Queue,
			ConcurrencyKey: run.ConcurrencyKey,
		},
		MasterQueue:  run.MasterQueue,
		RateLimitKey: run.RateLimitKey,
		Deployed:     run.EnvironmentType.IsDeployed(),
		Attempt:      run.AttemptNumber,
		PriorityMs:   run.PriorityMs,
	}
}

// queueRun moves run to QUEUED and puts it on its queue, available from at,
// giving up any slot. The message is written before the snapshot so a failed
// enqueue leaves the run in its previous status. A failed commit drops the
// message again. Dequeuers that pop the message in between wait on the run
// lock and see the committed status.
func (e *Engine) queueRun(ctx context.Context, run *model.Run, from *model.Snapshot, n next, at time.Time) (*model.Snapshot, error) {
	n.status = model.StatusQueued
	if !model.ValidTransition(from.Status, n.status) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidStatus, from.Status, n.status)
	}
	if err := e.queue.Enqueue(ctx, e.message(run), at); err != nil {
		return nil, err
	}
	snap, err := e.transition(ctx, run, from, n)
	if err != nil {
		e.dropMessage(ctx, run.ID)
		return nil, err
	}
	return snap, nil
}

// dropMessage removes a run's queue message after the state it was written
// for failed to commit.
func (e *Engine) dropMessage(ctx context.Context, runID string) {
	if err := e.queue.Acknowledge(ctx, runID); err != nil {
		e.logger.Error("drop queue message", "run_id", runID, "error", err)
	}
}

func (e *Engine) machinePreset(name string) machine.Preset {
	if p, ok := machine.Lookup(e.opts.Machines, name); ok {
		return p
	}
	return e.defaultMachine
}

// GetRun returns a run.
func (e *Engine) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, err
}

// GetLatestSnapshot returns the latest snapshot of a run.
func (e *Engine) GetLatestSnapshot(ctx context.Context, runID string) (*model.Snapshot, error) {
	snap, err := e.store.GetLatestSnapshot(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return snap, err
}

// Ping checks the store and the Redis connection behind the queue.
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := e.queue.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// GetWaitpoint returns a waitpoint with any offloaded output loaded back inline.
func (e *Engine) GetWaitpoint(ctx context.Context, waitpointID string) (*model.Waitpoint, error) {
	w, err := e.store.GetWaitpoint(ctx, waitpointID)
	if err != nil {
		return nil, err
	}
	if w.OutputObjectKey != "" {
		out, err := e.waitpoints.ResolveOutput(ctx, w)
		if err != nil {
			return nil, err
		}
		w.Output = out
	}
	return w, nil
}
