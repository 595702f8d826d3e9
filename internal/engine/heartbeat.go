package engine

import (
	"context"
	"errors"
	"math/rand/v2"

	"github.com/seantiz/runengine/internal/model"
)

// Heartbeat records that the worker holding snapshotID is alive. The
// returned snapshot lets the worker notice it was interrupted.
func (e *Engine) Heartbeat(ctx context.Context, runID, snapshotID string) (*model.Snapshot, error) {
	var snap *model.Snapshot
	err := e.withRunLock(ctx, runID, func(ctx context.Context) error {
		_, current, err := e.loadCurrent(ctx, runID, snapshotID)
		if err != nil {
			return err
		}
		timeout, ok := e.opts.Heartbeats.For(current.Status)
		if !ok {
			return requireStatus(current, "heartbeat",
				model.StatusDequeuedForExecution, model.StatusExecuting, model.StatusReattempting, model.StatusInterrupted)
		}
		if err := e.heartbeats.Beat(ctx, runID, current.ID, timeout); err != nil {
			return err
		}
		snap = current
		return nil
	})
	return snap, err
}

// handleStall runs when a heartbeat deadline passes. Deadlines of snapshots
// that are no longer latest are ignored.
func (e *Engine) handleStall(ctx context.Context, runID, snapshotID string) error {
	var finished *model.Run
	err := e.withRunLock(ctx, runID, func(ctx context.Context) error {
		run, snap, err := e.load(ctx, runID)
		if errors.Is(err, ErrRunNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if snap.ID != snapshotID {
			return nil
		}

		switch snap.Status {
		case model.StatusDequeuedForExecution:
			heartbeatStalls.WithLabelValues("requeue").Inc()
			_, err := e.queueRun(ctx, run, snap, next{
				description:   "Run was not started in time, requeued",
				checkpointID:  snap.CheckpointID,
				resumeAttempt: snap.ResumeAttempt,
				// A resuming run keeps the waitpoint results it was given.
				completedWaitpoints: snap.CompletedWaitpointIDs,
			}, e.now())
			return err

		case model.StatusExecuting, model.StatusReattempting:
			action := e.opts.Stall.Decide(StallInput{
				Status:          snap.Status,
				AttemptNumber:   run.AttemptNumber,
				MaxAttempts:     run.MaxAttempts,
				EnvironmentType: run.EnvironmentType,
			})
			heartbeatStalls.WithLabelValues(string(action)).Inc()
			e.logger.Warn("run stalled", "run_id", run.ID, "snapshot_id", snap.ID, "attempt", run.AttemptNumber, "action", action)

			run.Error = &model.TaskRunError{
				Type:    model.ErrorTypeInternal,
				Name:    "TASK_RUN_STALLED_EXECUTING",
				Message: "Worker stopped sending heartbeats",
			}
			switch action {
			case StallRequeue:
				delay := RetryDelay(e.retryConfig(ctx, run), run.AttemptNumber, rand.Float64())
				_, err := e.queueRun(ctx, run, snap, next{description: "Run stalled, retry queued"}, e.now().Add(delay))
				return err
			case StallCrash:
				_, err = e.terminate(ctx, run, snap, model.StatusCrashed, "Run stalled and crashed")
			default:
				_, err = e.terminate(ctx, run, snap, model.StatusSystemFailure, "Run stalled")
			}
			if err != nil {
				return err
			}
			finished = run

		case model.StatusInterrupted:
			heartbeatStalls.WithLabelValues("cancel").Inc()
			if _, err := e.terminate(ctx, run, snap, model.StatusCanceled, "Run was canceled, worker did not acknowledge"); err != nil {
				return err
			}
			finished = run
		}
		return nil
	})
	if err != nil {
		return err
	}
	if finished != nil {
		e.finalize(ctx, finished)
	}
	return nil
}
