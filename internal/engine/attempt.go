package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/seantiz/runengine/internal/machine"
	"github.com/seantiz/runengine/internal/model"
	"github.com/seantiz/runengine/internal/store"
)

// CompletionKind is the outcome a worker reports for an attempt.
type CompletionKind string

// Completion kinds.
const (
	CompletionSuccess CompletionKind = "success"
	CompletionFailure CompletionKind = "failure"
	CompletionCrash   CompletionKind = "crash"
	// CompletionCancel acknowledges an interrupted run has stopped.
	CompletionCancel CompletionKind = "cancel"
)

// Completion is an attempt result reported by a worker.
type Completion struct {
	OK         bool                `json:"ok"`
	Kind       CompletionKind      `json:"kind,omitempty" validate:"omitempty,oneof=success failure crash cancel"`
	Output     json.RawMessage     `json:"output,omitempty"`
	OutputType string              `json:"outputType,omitempty"`
	Error      *model.TaskRunError `json:"error,omitempty"`
	// Retry overrides the retry delay the engine would compute.
	Retry *RetryDirective `json:"retry,omitempty"`
	// SkipRetrying fails the run even if attempts remain.
	SkipRetrying bool `json:"skipRetrying,omitempty"`
}

// RetryDirective is a worker-chosen retry delay.
type RetryDirective struct {
	DelayMs int64 `json:"delay" validate:"gte=0"`
}

func (c Completion) kind() CompletionKind {
	if c.Kind != "" {
		return c.Kind
	}
	if c.OK {
		return CompletionSuccess
	}
	return CompletionFailure
}

// AttemptResult is the state of a run after an attempt call.
type AttemptResult struct {
	Run      *model.Run      `json:"run"`
	Snapshot *model.Snapshot `json:"snapshot"`
}

// CompletedWaitpoint is a waitpoint result delivered to a resuming run.
type CompletedWaitpoint struct {
	ID            string                 `json:"id"`
	Type          model.WaitpointType    `json:"type"`
	CompletedBy   model.CompletionSource `json:"completedBy"`
	Output        json.RawMessage        `json:"output,omitempty"`
	OutputType    string                 `json:"outputType,omitempty"`
	OutputIsError bool                   `json:"outputIsError"`
	CompletedAt   *time.Time             `json:"completedAt,omitempty"`
}

// ExecutionData is what a worker needs to run or resume an attempt.
type ExecutionData struct {
	Run                 *model.Run           `json:"run"`
	Snapshot            *model.Snapshot      `json:"snapshot"`
	Machine             machine.Preset       `json:"machine"`
	Checkpoint          *model.Checkpoint    `json:"checkpoint,omitempty"`
	CompletedWaitpoints []CompletedWaitpoint `json:"completedWaitpoints"`
}

// StartRunAttempt moves a dequeued or reattempting run to EXECUTING. A run
// resuming a frozen attempt keeps its attempt number.
func (e *Engine) StartRunAttempt(ctx context.Context, runID, snapshotID string) (*ExecutionData, error) {
	var run *model.Run
	var snap *model.Snapshot
	err := e.withRunLock(ctx, runID, func(ctx context.Context) error {
		r, current, err := e.loadCurrent(ctx, runID, snapshotID)
		if err != nil {
			return err
		}
		if err := requireStatus(current, "start an attempt of", model.StatusDequeuedForExecution, model.StatusReattempting); err != nil {
			return err
		}

		description := "Attempt started"
		if current.Status == model.StatusDequeuedForExecution && current.ResumeAttempt {
			description = "Attempt resumed"
		} else {
			r.AttemptNumber++
		}
		s, err := e.transition(ctx, r, current, next{
			status:              model.StatusExecuting,
			description:         description,
			workerID:            current.WorkerID,
			checkpointID:        current.CheckpointID,
			completedWaitpoints: current.CompletedWaitpointIDs,
		})
		if err != nil {
			return err
		}
		run, snap = r, s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.executionData(ctx, run, snap)
}

// GetRunExecutionData returns a run with its latest snapshot and the results
// of the waitpoints that snapshot carries.
func (e *Engine) GetRunExecutionData(ctx context.Context, runID string) (*ExecutionData, error) {
	run, snap, err := e.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	return e.executionData(ctx, run, snap)
}

func (e *Engine) executionData(ctx context.Context, run *model.Run, snap *model.Snapshot) (*ExecutionData, error) {
	data := &ExecutionData{
		Run:                 run,
		Snapshot:            snap,
		Machine:             e.machinePreset(run.Machine),
		CompletedWaitpoints: []CompletedWaitpoint{},
	}
	if snap.CheckpointID != "" {
		cp, err := e.store.GetCheckpoint(ctx, snap.CheckpointID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		data.Checkpoint = cp
	}

	wps, err := e.store.GetWaitpoints(ctx, snap.CompletedWaitpointIDs)
	if err != nil {
		return nil, err
	}
	for _, w := range wps {
		out, err := e.waitpoints.ResolveOutput(ctx, w)
		if err != nil {
			return nil, err
		}
		data.CompletedWaitpoints = append(data.CompletedWaitpoints, CompletedWaitpoint{
			ID:            w.FriendlyID,
			Type:          w.Type,
			CompletedBy:   w.CompletedBy,
			Output:        out,
			OutputType:    w.OutputType,
			OutputIsError: w.OutputIsError,
			CompletedAt:   w.CompletedAt,
		})
	}
	return data, nil
}

// CompleteRunAttempt records the outcome of an executing attempt. Failures
// are retried while attempts remain: short delays keep the worker and its
// slot (REATTEMPTING), longer ones requeue the run.
func (e *Engine) CompleteRunAttempt(ctx context.Context, runID, snapshotID string, c Completion) (*AttemptResult, error) {
	if err := validateStruct(c); err != nil {
		return nil, err
	}
	var res AttemptResult
	err := e.withRunLock(ctx, runID, func(ctx context.Context) error {
		run, snap, err := e.loadCurrent(ctx, runID, snapshotID)
		if err != nil {
			return err
		}

		kind := c.kind()
		if kind == CompletionCancel {
			if err := requireStatus(snap, "acknowledge cancellation of", model.StatusInterrupted); err != nil {
				return err
			}
			s, err := e.terminate(ctx, run, snap, model.StatusCanceled, "Run was canceled")
			res = AttemptResult{Run: run, Snapshot: s}
			return err
		}
		if err := requireStatus(snap, "complete an attempt of", model.StatusExecuting); err != nil {
			return err
		}

		var s *model.Snapshot
		switch kind {
		case CompletionSuccess:
			run.Output, run.OutputType, run.Error = c.Output, c.OutputType, nil
			if run.OutputType == "" && len(run.Output) > 0 {
				run.OutputType = "application/json"
			}
			s, err = e.terminate(ctx, run, snap, model.StatusCompleted, "Attempt succeeded")
		case CompletionCrash:
			run.Error = attemptError(c.Error, "Worker crashed while executing the attempt")
			s, err = e.terminate(ctx, run, snap, model.StatusCrashed, "Attempt crashed")
		default:
			run.Error = attemptError(c.Error, "Attempt failed")
			s, err = e.failAttempt(ctx, run, snap, c)
		}
		res = AttemptResult{Run: run, Snapshot: s}
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.Run.Status.IsTerminal() {
		e.finalize(ctx, res.Run)
	}
	return &res, nil
}

func attemptError(reported *model.TaskRunError, fallback string) *model.TaskRunError {
	if reported != nil {
		return reported
	}
	return &model.TaskRunError{Type: model.ErrorTypeInternal, Message: fallback}
}

func (e *Engine) failAttempt(ctx context.Context, run *model.Run, snap *model.Snapshot, c Completion) (*model.Snapshot, error) {
	if c.SkipRetrying || run.AttemptNumber >= run.MaxAttempts {
		return e.terminate(ctx, run, snap, model.StatusFailed, "Attempt failed, no attempts remaining")
	}

	var delay time.Duration
	if c.Retry != nil {
		delay = time.Duration(c.Retry.DelayMs) * time.Millisecond
	} else {
		delay = RetryDelay(e.retryConfig(ctx, run), run.AttemptNumber, rand.Float64())
	}

	if delay <= e.opts.WarmRetryThreshold {
		return e.transition(ctx, run, snap, next{
			status:      model.StatusReattempting,
			description: "Attempt failed, retrying on the same worker",
			workerID:    snap.WorkerID,
		})
	}

	s, err := e.queueRun(ctx, run, snap, next{description: "Attempt failed, retry queued"}, e.now().Add(delay))
	if err != nil {
		return nil, err
	}
	e.logger.Info("attempt failed, retry queued", "run_id", run.ID, "attempt", run.AttemptNumber, "retry_in", delay)
	return s, nil
}

func (e *Engine) retryConfig(ctx context.Context, run *model.Run) model.RetryConfig {
	if run.WorkerID == "" {
		return DefaultRetry
	}
	task, err := e.store.GetTask(ctx, run.WorkerID, run.TaskIdentifier)
	if err != nil || task.RetryConfig == nil {
		return DefaultRetry
	}
	return *task.RetryConfig
}
