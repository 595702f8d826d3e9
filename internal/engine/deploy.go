package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/seantiz/runengine/internal/config"
	"github.com/seantiz/runengine/internal/model"
	"github.com/seantiz/runengine/internal/store"
)

// DeployRequest registers a worker version and the tasks it defines.
type DeployRequest struct {
	EnvironmentID string       `json:"environmentId" validate:"required"`
	Version       string       `json:"version" validate:"required,max=64"`
	Image         string       `json:"image,omitempty"`
	Tasks         []DeployTask `json:"tasks" validate:"required,min=1,dive"`
}

// DeployTask is one task of a worker version. Queue settings apply to the
// task's queue and replace what an earlier version declared.
type DeployTask struct {
	Slug             string             `json:"slug" validate:"required,max=128"`
	Queue            string             `json:"queue,omitempty" validate:"max=128"`
	ConcurrencyLimit *int               `json:"concurrencyLimit,omitempty" validate:"omitempty,gte=0"`
	RateLimit        *RateLimitSpec     `json:"rateLimit,omitempty"`
	Paused           bool               `json:"paused,omitempty"`
	MachineConfig    json.RawMessage    `json:"machine,omitempty"`
	RetryConfig      *model.RetryConfig `json:"retry,omitempty"`
}

// RateLimitSpec is a queue rate limit with a duration string period.
type RateLimitSpec struct {
	Limit  int    `json:"limit" validate:"gt=0"`
	Period string `json:"period" validate:"required"`
	Burst  int    `json:"burst,omitempty" validate:"gte=0"`
}

// DeployResult is a registered worker version.
type DeployResult struct {
	Worker   *model.BackgroundWorker `json:"worker"`
	Promoted bool                    `json:"promoted"`
	Requeued int                     `json:"requeued"`
}

// RegisterWorkerVersion stores a worker version with its tasks and queues.
// Deployed environments promote it to current. Runs waiting for a version
// that defines their task are queued on it.
func (e *Engine) RegisterWorkerVersion(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	env, err := e.store.GetEnvironment(ctx, req.EnvironmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, validationErrorf("environmentId", "unknown environment %s", req.EnvironmentID)
	}
	if err != nil {
		return nil, err
	}

	now := e.now()
	queues := make(map[string]*model.TaskQueue)
	tasks := make([]*model.Task, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		name := t.Queue
		if name == "" {
			name = model.DefaultQueueName(t.Slug)
		}
		tq := &model.TaskQueue{
			EnvironmentID:    env.ID,
			Name:             name,
			ConcurrencyLimit: t.ConcurrencyLimit,
			Paused:           t.Paused,
			CreatedAt:        now,
		}
		if rl := t.RateLimit; rl != nil {
			period, err := config.ParseDuration(rl.Period)
			if err != nil || period <= 0 {
				return nil, validationErrorf("rateLimit.period", "invalid period %q", rl.Period)
			}
			tq.RateLimit = &model.RateLimit{Limit: rl.Limit, Period: period, Burst: rl.Burst}
		}
		queues[name] = tq
		tasks = append(tasks, &model.Task{
			Slug:          t.Slug,
			Queue:         name,
			MachineConfig: t.MachineConfig,
			RetryConfig:   t.RetryConfig,
		})
	}

	id, friendly := model.NewFriendlyID(model.EntityWorker)
	version := &model.BackgroundWorker{
		ID:            id,
		FriendlyID:    friendly,
		EnvironmentID: env.ID,
		Version:       req.Version,
		Image:         req.Image,
		CreatedAt:     now,
	}
	if err := e.store.CreateBackgroundWorker(ctx, version, tasks); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, validationErrorf("tasks", "%v", err)
		}
		return nil, err
	}

	for _, tq := range queues {
		qid, qfriendly := model.NewFriendlyID(model.EntityQueue)
		tq.ID, tq.FriendlyID = qid, qfriendly
		if err := e.store.UpsertTaskQueue(ctx, tq); err != nil {
			return nil, err
		}
		if err := e.queue.UpdateQueueLimits(ctx, tq, env.OrganizationID); err != nil {
			return nil, err
		}
	}

	res := &DeployResult{Worker: version}
	if env.Type.IsDeployed() {
		if err := e.store.SetCurrentWorker(ctx, env.ID, version.ID); err != nil {
			return nil, err
		}
		res.Promoted = true
	}
	e.logger.Info("worker version registered", "worker_id", version.ID, "environment_id", env.ID,
		"version", version.Version, "tasks", len(tasks), "promoted", res.Promoted)

	for _, status := range []model.Status{model.StatusPendingVersion, model.StatusWaitingForDeploy} {
		runs, err := e.store.ListRunsByStatus(ctx, env.ID, status)
		if err != nil {
			return nil, err
		}
		for _, run := range runs {
			queued, err := e.queueOnVersion(ctx, run.ID, version)
			if err != nil {
				e.logger.Warn("queue run on new version", "run_id", run.ID, "worker_id", version.ID, "error", err)
				continue
			}
			if queued {
				res.Requeued++
			}
		}
	}
	return res, nil
}

// queueOnVersion queues a run waiting for a version if version defines its
// task. A PENDING_VERSION run whose task is still missing moves to
// WAITING_FOR_DEPLOY.
func (e *Engine) queueOnVersion(ctx context.Context, runID string, version *model.BackgroundWorker) (bool, error) {
	var queued bool
	err := e.withRunLock(ctx, runID, func(ctx context.Context) error {
		run, snap, err := e.load(ctx, runID)
		if err != nil {
			return err
		}
		if snap.Status != model.StatusPendingVersion && snap.Status != model.StatusWaitingForDeploy {
			return nil
		}

		task, err := e.store.GetTask(ctx, version.ID, run.TaskIdentifier)
		if errors.Is(err, store.ErrNotFound) {
			if snap.Status == model.StatusPendingVersion {
				_, err := e.transition(ctx, run, snap, next{
					status:      model.StatusWaitingForDeploy,
					description: "Latest version does not define the task",
				})
				return err
			}
			return nil
		}
		if err != nil {
			return err
		}

		e.applyTask(run, version, task)
		if _, err := e.queueRun(ctx, run, snap, next{description: "Worker version deployed"}, e.now()); err != nil {
			return err
		}
		queued = true
		return nil
	})
	return queued, err
}
