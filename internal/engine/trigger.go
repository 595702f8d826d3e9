package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/seantiz/runengine/internal/config"
	"github.com/seantiz/runengine/internal/machine"
	"github.com/seantiz/runengine/internal/model"
	"github.com/seantiz/runengine/internal/queue"
	"github.com/seantiz/runengine/internal/store"
)

var validate = validator.New()

// TriggerRequest asks for a new run of a task.
type TriggerRequest struct {
	TaskIdentifier          string            `json:"taskIdentifier" validate:"required,max=128"`
	EnvironmentID           string            `json:"environmentId" validate:"required"`
	Payload                 json.RawMessage   `json:"payload,omitempty"`
	PayloadType             string            `json:"payloadType,omitempty"`
	Queue                   string            `json:"queue,omitempty" validate:"max=128"`
	ConcurrencyKey          string            `json:"concurrencyKey,omitempty" validate:"max=128"`
	RateLimitKey            string            `json:"rateLimitKey,omitempty" validate:"max=128"`
	IdempotencyKey          string            `json:"idempotencyKey,omitempty" validate:"max=256"`
	IdempotencyKeyScope     string            `json:"idempotencyKeyScope,omitempty" validate:"omitempty,oneof=run attempt global"`
	IdempotencyKeyExpiresAt *time.Time        `json:"idempotencyKeyExpiresAt,omitempty"`
	TraceContext            map[string]string `json:"traceContext,omitempty"`
	DelayUntil              *time.Time        `json:"delayUntil,omitempty"`
	TTL                     string            `json:"ttl,omitempty"`
	PriorityMs              int64             `json:"priorityMs,omitempty" validate:"gte=0"`
	MaxAttempts             int               `json:"maxAttempts,omitempty" validate:"gte=0"`
	Machine                 string            `json:"machine,omitempty"`
	// WorkerID pins the run to a deployed worker version.
	WorkerID string `json:"workerId,omitempty"`
	// ParentRunID and ResumeParentOnCompletion block the parent on this run.
	ParentRunID              string `json:"parentRunId,omitempty"`
	ResumeParentOnCompletion bool   `json:"resumeParentOnCompletion,omitempty"`
	ScheduleID               string `json:"scheduleId,omitempty"`
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return validationErrorf(fe.Field(), "failed %s validation", fe.Tag())
	}
	return err
}

// Trigger creates a run. A live idempotency key returns the run already
// holding it with cached set.
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) (run *model.Run, cached bool, err error) {
	if err := validateStruct(req); err != nil {
		return nil, false, err
	}
	var ttl time.Duration
	if req.TTL != "" {
		if ttl, err = config.ParseDuration(req.TTL); err != nil {
			return nil, false, validationErrorf("ttl", "%v", err)
		}
	}

	env, err := e.store.GetEnvironment(ctx, req.EnvironmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, validationErrorf("environmentId", "unknown environment %s", req.EnvironmentID)
	}
	if err != nil {
		return nil, false, err
	}

	if req.IdempotencyKey != "" {
		existing, err := e.liveRunByKey(ctx, env.ID, req.TaskIdentifier, req.IdempotencyKey)
		if err != nil || existing != nil {
			return existing, existing != nil, err
		}
	}

	version, task, err := e.resolveTask(ctx, env, req.WorkerID, req.TaskIdentifier)
	if err != nil {
		return nil, false, err
	}

	now := e.now()
	id, friendly := model.NewFriendlyID(model.EntityRun)
	run = &model.Run{
		ID:                      id,
		FriendlyID:              friendly,
		TaskIdentifier:          req.TaskIdentifier,
		EnvironmentID:           env.ID,
		EnvironmentType:         env.Type,
		OrganizationID:          env.OrganizationID,
		ProjectID:               env.ProjectID,
		IdempotencyKey:          req.IdempotencyKey,
		IdempotencyKeyScope:     req.IdempotencyKeyScope,
		IdempotencyKeyExpiresAt: req.IdempotencyKeyExpiresAt,
		TraceContext:            req.TraceContext,
		Payload:                 req.Payload,
		PayloadType:             req.PayloadType,
		ScheduleID:              req.ScheduleID,
		ConcurrencyKey:          req.ConcurrencyKey,
		RateLimitKey:            req.RateLimitKey,
		DelayUntil:              req.DelayUntil,
		TTL:                     req.TTL,
		PriorityMs:              req.PriorityMs,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if run.PayloadType == "" && len(run.Payload) > 0 {
		run.PayloadType = "application/json"
	}
	if req.Machine != "" {
		if _, ok := machine.Lookup(e.opts.Machines, req.Machine); !ok {
			return nil, false, validationErrorf("machine", "unknown machine preset %q", req.Machine)
		}
	}
	if req.Queue != "" || req.Machine != "" || req.MaxAttempts > 0 {
		run.Overrides = &model.RunOverrides{Queue: req.Queue, Machine: req.Machine, MaxAttempts: req.MaxAttempts}
	}
	e.applyTask(run, version, task)

	var parent *model.Run
	if req.ParentRunID != "" {
		if parent, err = e.store.GetRun(ctx, req.ParentRunID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, false, validationErrorf("parentRunId", "unknown run %s", req.ParentRunID)
			}
			return nil, false, err
		}
		run.ParentRunID = parent.ID
		run.RootRunID = parent.RootRunID
		if run.RootRunID == "" {
			run.RootRunID = parent.ID
		}
	}
	if parent != nil && req.ResumeParentOnCompletion {
		wp, err := e.waitpoints.CreateRunWaitpoint(ctx, env.ID, env.ProjectID)
		if err != nil {
			return nil, false, err
		}
		run.AssociatedWaitpointID = wp.ID
	}

	status := model.StatusQueued
	switch {
	case req.DelayUntil != nil && req.DelayUntil.After(now):
		status = model.StatusDelayed
	case env.Type.IsDeployed() && task == nil:
		status = model.StatusPendingVersion
	}
	run.Status = status

	snapID, snapFriendly := model.NewFriendlyID(model.EntitySnapshot)
	snap := &model.Snapshot{
		ID:          snapID,
		FriendlyID:  snapFriendly,
		RunID:       run.ID,
		Seq:         1,
		Status:      status,
		Description: "Run was created",
		CreatedAt:   now,
	}
	if err := e.createRun(ctx, run, snap); err != nil {
		if errors.Is(err, store.ErrDuplicate) && req.IdempotencyKey != "" {
			existing, findErr := e.store.FindRunByIdempotencyKey(ctx, env.ID, req.TaskIdentifier, req.IdempotencyKey)
			if findErr != nil {
				return nil, false, findErr
			}
			return existing, true, nil
		}
		return nil, false, err
	}
	runsTriggered.WithLabelValues(string(env.Type)).Inc()
	e.logger.Info("run triggered", "run_id", run.ID, "task", run.TaskIdentifier, "environment_id", env.ID, "status", status)

	if ttl > 0 {
		expireAt := now.Add(ttl)
		if status == model.StatusDelayed {
			expireAt = req.DelayUntil.Add(ttl)
		}
		if err := e.scheduleRunJob(ctx, jobExpireRun, run.ID, expireAt); err != nil {
			return nil, false, err
		}
	}

	if run.AssociatedWaitpointID != "" {
		if err := e.blockParentOnChild(ctx, parent.ID, run.AssociatedWaitpointID); err != nil {
			e.logger.Warn("block parent on child run", "run_id", run.ID, "parent_run_id", parent.ID, "error", err)
		}
	}
	return run, false, nil
}

// createRun stores a new run together with what moves it on: a QUEUED run
// gets its queue message and a DELAYED run its enqueue job. Both are written
// first, under the run lock, and removed again when the insert fails.
func (e *Engine) createRun(ctx context.Context, run *model.Run, snap *model.Snapshot) error {
	return e.withRunLock(ctx, run.ID, func(ctx context.Context) error {
		switch run.Status {
		case model.StatusQueued:
			if err := e.queue.Enqueue(ctx, e.message(run), snap.CreatedAt); err != nil {
				return err
			}
		case model.StatusDelayed:
			if err := e.scheduleRunJob(ctx, jobEnqueueDelayedRun, run.ID, *run.DelayUntil); err != nil {
				return err
			}
		}

		err := e.store.CreateRun(ctx, run, snap)
		if err == nil {
			return nil
		}
		switch run.Status {
		case model.StatusQueued:
			e.dropMessage(ctx, run.ID)
		case model.StatusDelayed:
			e.cancelRunJob(ctx, jobEnqueueDelayedRun, run.ID)
		}
		return err
	})
}

// liveRunByKey returns the run holding an unexpired idempotency key. An
// expired key is released so a new run can take it.
func (e *Engine) liveRunByKey(ctx context.Context, envID, task, key string) (*model.Run, error) {
	existing, err := e.store.FindRunByIdempotencyKey(ctx, envID, task, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if exp := existing.IdempotencyKeyExpiresAt; exp != nil && !exp.After(e.now()) {
		if err := e.store.ClearRunIdempotencyKey(ctx, existing.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, nil
	}
	return existing, nil
}

// resolveTask finds the worker version a new run executes on and its task
// definition. Both are nil when no version defines the task yet.
func (e *Engine) resolveTask(ctx context.Context, env *model.Environment, pinned, slug string) (*model.BackgroundWorker, *model.Task, error) {
	var (
		version *model.BackgroundWorker
		err     error
	)
	switch {
	case pinned != "":
		version, err = e.store.GetBackgroundWorker(ctx, pinned)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, validationErrorf("workerId", "unknown worker version %s", pinned)
		}
	case env.Type.IsDeployed():
		if env.CurrentWorkerID == "" {
			return nil, nil, nil
		}
		version, err = e.store.GetBackgroundWorker(ctx, env.CurrentWorkerID)
	default:
		version, err = e.store.GetLatestBackgroundWorker(ctx, env.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, nil
		}
	}
	if err != nil {
		return nil, nil, err
	}

	task, err := e.store.GetTask(ctx, version.ID, slug)
	if errors.Is(err, store.ErrNotFound) {
		return version, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return version, task, nil
}

// applyTask derives the fields of run that come from its task definition.
// The run's overrides win over the task's; it is applied again whenever a
// later version resolves the task.
func (e *Engine) applyTask(run *model.Run, version *model.BackgroundWorker, task *model.Task) {
	var o model.RunOverrides
	if run.Overrides != nil {
		o = *run.Overrides
	}

	switch {
	case o.Queue != "":
		run.Queue = o.Queue
	case task != nil && task.Queue != "":
		run.Queue = task.Queue
	default:
		run.Queue = model.DefaultQueueName(run.TaskIdentifier)
	}

	switch {
	case o.Machine != "":
		run.Machine = o.Machine
	case task != nil:
		run.Machine = machine.Resolve(e.defaultMachine, e.opts.Machines, task.MachineConfig, e.logger).Name
	default:
		run.Machine = e.defaultMachine.Name
	}

	switch {
	case o.MaxAttempts > 0:
		run.MaxAttempts = o.MaxAttempts
	case task != nil && task.RetryConfig != nil && task.RetryConfig.MaxAttempts > 0:
		run.MaxAttempts = task.RetryConfig.MaxAttempts
	default:
		run.MaxAttempts = e.opts.DefaultMaxAttempts
	}

	if version != nil && task != nil {
		run.WorkerID = version.ID
	}
	if run.EnvironmentType.IsDeployed() {
		if run.WorkerID != "" {
			run.MasterQueue = queue.WorkerMasterQueue(run.WorkerID)
		}
	} else {
		run.MasterQueue = queue.EnvMasterQueue(run.EnvironmentID)
	}
}

// enqueueDelayedRun queues a DELAYED run once its delay has passed.
func (e *Engine) enqueueDelayedRun(ctx context.Context, runID string) error {
	return e.withRunLock(ctx, runID, func(ctx context.Context) error {
		run, snap, err := e.load(ctx, runID)
		if errors.Is(err, ErrRunNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if snap.Status != model.StatusDelayed {
			return nil
		}

		var task *model.Task
		if run.EnvironmentType.IsDeployed() && run.WorkerID == "" {
			env, err := e.store.GetEnvironment(ctx, run.EnvironmentID)
			if err != nil {
				return err
			}
			var version *model.BackgroundWorker
			if version, task, err = e.resolveTask(ctx, env, "", run.TaskIdentifier); err != nil {
				return err
			}
			if task != nil {
				e.applyTask(run, version, task)
			}
		}

		if run.EnvironmentType.IsDeployed() && run.WorkerID == "" {
			// DELAYED cannot move straight to PENDING_VERSION.
			queued, err := e.transition(ctx, run, snap, next{status: model.StatusQueued, description: "Delay elapsed"})
			if err != nil {
				return err
			}
			_, err = e.transition(ctx, run, queued, next{status: model.StatusPendingVersion, description: "Waiting for a worker version"})
			return err
		}
		_, err = e.queueRun(ctx, run, snap, next{description: "Delay elapsed"}, e.now())
		return err
	})
}

// ExpireRun ends a run that has not started within its TTL.
func (e *Engine) ExpireRun(ctx context.Context, runID string) (*model.Run, error) {
	var run *model.Run
	err := e.withRunLock(ctx, runID, func(ctx context.Context) error {
		r, snap, err := e.load(ctx, runID)
		if err != nil {
			return err
		}
		if err := requireStatus(snap, "expire", model.StatusQueued, model.StatusDelayed,
			model.StatusPendingVersion, model.StatusWaitingForDeploy); err != nil {
			return err
		}
		r.Error = &model.TaskRunError{
			Type:    model.ErrorTypeString,
			Name:    "TTL_EXPIRED",
			Message: fmt.Sprintf("Run expired because its TTL (%s) was reached", r.TTL),
		}
		if _, err := e.terminate(ctx, r, snap, model.StatusExpired, "Run expired"); err != nil {
			return err
		}
		run = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.finalize(ctx, run)
	return run, nil
}

// blockParentOnChild blocks an executing parent on its child's run waitpoint.
func (e *Engine) blockParentOnChild(ctx context.Context, parentID, waitpointID string) error {
	return e.withRunLock(ctx, parentID, func(ctx context.Context) error {
		parent, snap, err := e.load(ctx, parentID)
		if err != nil {
			return err
		}
		if err := requireStatus(snap, "block", model.StatusExecuting); err != nil {
			return err
		}
		_, err = e.blockRun(ctx, parent, snap, []string{waitpointID}, BlockOptions{})
		return err
	})
}
