package engine

import (
	"context"

	"github.com/seantiz/runengine/internal/model"
)

// CancelRun cancels a run. An executing run is interrupted first and becomes
// CANCELED when its worker acknowledges or its heartbeat lapses; every other
// unfinished run is canceled at once. Canceling a finished run is a no-op.
func (e *Engine) CancelRun(ctx context.Context, runID, reason string) (*model.Snapshot, error) {
	if reason == "" {
		reason = "Run was canceled"
	}
	var (
		snap     *model.Snapshot
		finished *model.Run
	)
	err := e.withRunLock(ctx, runID, func(ctx context.Context) error {
		run, current, err := e.load(ctx, runID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() || current.Status == model.StatusInterrupted {
			snap = current
			return nil
		}

		run.Error = &model.TaskRunError{Type: model.ErrorTypeString, Message: reason}
		if current.Status == model.StatusExecuting {
			snap, err = e.transition(ctx, run, current, next{
				status:       model.StatusInterrupted,
				description:  reason,
				workerID:     current.WorkerID,
				checkpointID: current.CheckpointID,
			})
			return err
		}
		snap, err = e.terminate(ctx, run, current, model.StatusCanceled, reason)
		if err != nil {
			return err
		}
		finished = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	if finished != nil {
		e.finalize(ctx, finished)
	}
	return snap, nil
}
