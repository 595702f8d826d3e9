package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/runengine/internal/store"
)

// ScheduledTaskParams describe one fire of a schedule.
type ScheduledTaskParams struct {
	ScheduleID     string
	TaskIdentifier string
	EnvironmentID  string
	Timestamp      time.Time
	LastTimestamp  *time.Time
}

// ScheduledTaskResult reports whether a schedule fire triggered a run.
type ScheduledTaskResult struct {
	Success bool
	Error   string
	RunID   string
}

type scheduledPayload struct {
	Timestamp     time.Time  `json:"timestamp"`
	LastTimestamp *time.Time `json:"lastTimestamp,omitempty"`
	ScheduleID    string     `json:"scheduleId"`
}

// OnTriggerScheduledTask triggers the run of a schedule fire. Each fire
// derives its idempotency key from the schedule and timestamp, so firing
// twice creates one run.
func (e *Engine) OnTriggerScheduledTask(ctx context.Context, p ScheduledTaskParams) ScheduledTaskResult {
	payload, err := json.Marshal(scheduledPayload{
		Timestamp:     p.Timestamp.UTC(),
		LastTimestamp: p.LastTimestamp,
		ScheduleID:    p.ScheduleID,
	})
	if err != nil {
		return ScheduledTaskResult{Error: err.Error()}
	}
	key := uuid.NewSHA1(uuid.NameSpaceURL, []byte(p.ScheduleID+"/"+p.Timestamp.UTC().Format(time.RFC3339Nano)))

	run, cached, err := e.Trigger(ctx, TriggerRequest{
		TaskIdentifier: p.TaskIdentifier,
		EnvironmentID:  p.EnvironmentID,
		Payload:        payload,
		PayloadType:    "application/json",
		IdempotencyKey: key.String(),
		ScheduleID:     p.ScheduleID,
	})
	if err != nil {
		e.logger.Error("trigger scheduled task", "schedule_id", p.ScheduleID, "task", p.TaskIdentifier, "error", err)
		return ScheduledTaskResult{Error: err.Error()}
	}
	if cached {
		e.logger.Debug("scheduled task already triggered", "schedule_id", p.ScheduleID, "run_id", run.ID)
	}
	return ScheduledTaskResult{Success: true, RunID: run.ID}
}

// RecoverSchedulesInEnvironment re-evaluates an environment's schedules,
// triggering fires missed while the engine was down. It returns the number
// of runs triggered.
func (e *Engine) RecoverSchedulesInEnvironment(ctx context.Context, projectID, envID string) (int, error) {
	if e.schedules == nil {
		return 0, errors.New("no schedule engine configured")
	}
	env, err := e.store.GetEnvironment(ctx, envID)
	if err != nil {
		return 0, err
	}
	if env.ProjectID != projectID {
		return 0, fmt.Errorf("environment %s of project %s: %w", envID, projectID, store.ErrNotFound)
	}
	return e.schedules.Recover(ctx, env.ID)
}
