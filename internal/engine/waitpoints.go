package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/runengine/internal/model"
	"github.com/seantiz/runengine/internal/store"
	"github.com/seantiz/runengine/internal/waitpoint"
)

// BlockOptions tune BlockRunWithWaitpoint.
type BlockOptions struct {
	// Timeout completes still-pending waitpoints with a timeout error.
	Timeout *time.Time
	// Checkpoint records saved process state to resume from.
	Checkpoint *CheckpointInput
}

// CheckpointInput describes a checkpoint taken when a run blocks.
type CheckpointInput struct {
	Type     string `json:"type" validate:"required"`
	Location string `json:"location" validate:"required"`
	ImageRef string `json:"imageRef,omitempty"`
}

// WaitResult is the state of a run after it asked to wait.
type WaitResult struct {
	Snapshot  *model.Snapshot  `json:"snapshot"`
	Waitpoint *model.Waitpoint `json:"waitpoint,omitempty"`
}

// WaitForDuration blocks an executing run until until.
func (e *Engine) WaitForDuration(ctx context.Context, runID, snapshotID string, until time.Time) (*WaitResult, error) {
	res := &WaitResult{}
	err := e.withRunLock(ctx, runID, func(ctx context.Context) error {
		run, snap, err := e.loadCurrent(ctx, runID, snapshotID)
		if err != nil {
			return err
		}
		if err := requireStatus(snap, "wait", model.StatusExecuting); err != nil {
			return err
		}
		wp, err := e.waitpoints.CreateDateTimeWaitpoint(ctx, waitpoint.DateTimeOptions{
			EnvironmentID:  run.EnvironmentID,
			ProjectID:      run.ProjectID,
			CompletedAfter: until,
		})
		if err != nil {
			return err
		}
		res.Waitpoint = wp
		res.Snapshot, err = e.blockRun(ctx, run, snap, []string{wp.ID}, BlockOptions{})
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// BlockRunWithWaitpoint blocks an executing run until every waitpoint in
// waitpointIDs completes. A run blocked only on completed waitpoints keeps
// executing and gets their results in a new snapshot; otherwise it freezes
// and gives up its concurrency slot.
func (e *Engine) BlockRunWithWaitpoint(ctx context.Context, runID, snapshotID string, waitpointIDs []string, opts BlockOptions) (*model.Snapshot, error) {
	if len(waitpointIDs) == 0 {
		return nil, validationErrorf("waitpointIds", "at least one waitpoint is required")
	}
	if opts.Checkpoint != nil {
		if err := validateStruct(opts.Checkpoint); err != nil {
			return nil, err
		}
	}
	var snap *model.Snapshot
	err := e.withRunLock(ctx, runID, func(ctx context.Context) error {
		run, current, err := e.loadCurrent(ctx, runID, snapshotID)
		if err != nil {
			return err
		}
		if err := requireStatus(current, "block", model.StatusExecuting); err != nil {
			return err
		}
		snap, err = e.blockRun(ctx, run, current, waitpointIDs, opts)
		return err
	})
	return snap, err
}

// blockRun links run to the waitpoints and freezes it unless they are all
// completed already. The run lock must be held.
func (e *Engine) blockRun(ctx context.Context, run *model.Run, snap *model.Snapshot, ids []string, opts BlockOptions) (*model.Snapshot, error) {
	wps, err := e.store.GetWaitpoints(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(wps) != len(uniq(ids)) {
		return nil, validationErrorf("waitpointIds", "unknown waitpoint in %v", ids)
	}
	for _, w := range wps {
		if w.EnvironmentID != run.EnvironmentID {
			return nil, validationErrorf("waitpointIds", "waitpoint %s belongs to another environment", w.FriendlyID)
		}
	}

	now := e.now()
	links := make([]model.RunWaitpoint, 0, len(wps))
	for _, w := range wps {
		links = append(links, model.RunWaitpoint{
			RunID:          run.ID,
			WaitpointID:    w.ID,
			ProjectID:      run.ProjectID,
			OrganizationID: run.OrganizationID,
			CreatedAt:      now,
		})
	}
	if err := e.store.AddRunWaitpoints(ctx, links); err != nil {
		return nil, err
	}
	if opts.Timeout != nil {
		for _, w := range wps {
			if w.Status == model.WaitpointPending {
				if err := e.waitpoints.SetTimeout(ctx, w.ID, *opts.Timeout); err != nil {
					return nil, err
				}
			}
		}
	}

	// Re-read after linking: a waitpoint completing from here on finds the
	// link and waits for this lock before resuming the run.
	linked, err := e.store.ListRunWaitpoints(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if pending(linked) == 0 {
		if err := e.store.DeleteRunWaitpoints(ctx, run.ID); err != nil {
			return nil, err
		}
		return e.transition(ctx, run, snap, next{
			status:              model.StatusExecuting,
			description:         "Waitpoints already completed",
			workerID:            snap.WorkerID,
			completedWaitpoints: waitpointIDs(linked),
		})
	}

	checkpointID := snap.CheckpointID
	if cp := opts.Checkpoint; cp != nil {
		id, friendly := model.NewFriendlyID(model.EntityCheckpoint)
		if err := e.store.CreateCheckpoint(ctx, &model.Checkpoint{
			ID:         id,
			FriendlyID: friendly,
			RunID:      run.ID,
			Type:       cp.Type,
			Location:   cp.Location,
			ImageRef:   cp.ImageRef,
			CreatedAt:  now,
		}); err != nil {
			return nil, err
		}
		checkpointID = id
	}

	frozen, err := e.transition(ctx, run, snap, next{
		status:       model.StatusFrozen,
		description:  "Run is blocked by waitpoints",
		workerID:     snap.WorkerID,
		checkpointID: checkpointID,
	})
	if err != nil {
		return nil, err
	}
	if err := e.queue.ReleaseConcurrency(ctx, run.ID); err != nil {
		return nil, err
	}
	return frozen, nil
}

func uniq(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func pending(wps []*model.Waitpoint) int {
	n := 0
	for _, w := range wps {
		if w.Status == model.WaitpointPending {
			n++
		}
	}
	return n
}

func waitpointIDs(wps []*model.Waitpoint) []string {
	ids := make([]string, len(wps))
	for i, w := range wps {
		ids[i] = w.ID
	}
	return ids
}

// onWaitpointCompleted resumes the runs blocked on w. A run whose lock is
// contended is retried through a delayed job.
func (e *Engine) onWaitpointCompleted(ctx context.Context, w *model.Waitpoint) {
	runIDs, err := e.store.ListBlockedRunIDs(ctx, w.ID)
	if err != nil {
		e.logger.Error("list runs blocked on waitpoint", "waitpoint_id", w.ID, "error", err)
		return
	}
	for _, runID := range runIDs {
		if err := e.continueRunIfUnblocked(ctx, runID); err != nil {
			e.logger.Warn("continue run, retrying later", "run_id", runID, "waitpoint_id", w.ID, "error", err)
			if err := e.scheduleRunJob(ctx, jobContinueRun, runID, e.now()); err != nil {
				e.logger.Error("schedule run continuation", "run_id", runID, "error", err)
			}
		}
	}
}

// continueRunIfUnblocked resumes a blocked run once none of its waitpoints
// are pending. A frozen run is queued to resume its attempt; a run that is
// still executing gets a snapshot carrying the results.
func (e *Engine) continueRunIfUnblocked(ctx context.Context, runID string) error {
	return e.withRunLock(ctx, runID, func(ctx context.Context) error {
		run, snap, err := e.load(ctx, runID)
		if errors.Is(err, ErrRunNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if snap.Status != model.StatusFrozen && snap.Status != model.StatusExecuting {
			return nil
		}

		wps, err := e.store.ListRunWaitpoints(ctx, runID)
		if err != nil {
			return err
		}
		if len(wps) == 0 || pending(wps) > 0 {
			return nil
		}
		completed := waitpointIDs(wps)
		if err := e.store.DeleteRunWaitpoints(ctx, runID); err != nil {
			return err
		}

		if snap.Status == model.StatusExecuting {
			_, err := e.transition(ctx, run, snap, next{
				status:              model.StatusExecuting,
				description:         "Waitpoints completed",
				workerID:            snap.WorkerID,
				completedWaitpoints: completed,
			})
			return err
		}

		_, err = e.queueRun(ctx, run, snap, next{
			description:         "Run was unblocked",
			checkpointID:        snap.CheckpointID,
			resumeAttempt:       true,
			completedWaitpoints: completed,
		}, e.now())
		return err
	})
}

// CreateManualWaitpoint creates a token a caller completes through the API.
func (e *Engine) CreateManualWaitpoint(ctx context.Context, opts waitpoint.TokenOptions) (*model.Waitpoint, bool, error) {
	if err := e.tokenEnvironment(ctx, &opts); err != nil {
		return nil, false, err
	}
	return e.waitpoints.CreateManualWaitpoint(ctx, opts)
}

// CreateHTTPCallbackWaitpoint creates a token completed by posting to its
// callback URL.
func (e *Engine) CreateHTTPCallbackWaitpoint(ctx context.Context, opts waitpoint.TokenOptions) (*model.Waitpoint, bool, error) {
	if err := e.tokenEnvironment(ctx, &opts); err != nil {
		return nil, false, err
	}
	return e.waitpoints.CreateHTTPCallbackWaitpoint(ctx, opts)
}

// tokenEnvironment checks the token's environment exists and fills in its project.
func (e *Engine) tokenEnvironment(ctx context.Context, opts *waitpoint.TokenOptions) error {
	env, err := e.store.GetEnvironment(ctx, opts.EnvironmentID)
	if errors.Is(err, store.ErrNotFound) {
		return validationErrorf("environmentId", "unknown environment %s", opts.EnvironmentID)
	}
	if err != nil {
		return err
	}
	if opts.ProjectID == "" {
		opts.ProjectID = env.ProjectID
	}
	return nil
}

// CompleteWaitpoint completes a waitpoint through the API. Completing a
// completed waitpoint succeeds without changing it. Run waitpoints complete
// only when their run finishes.
func (e *Engine) CompleteWaitpoint(ctx context.Context, waitpointID string, out waitpoint.Output) (*model.Waitpoint, error) {
	w, err := e.store.GetWaitpoint(ctx, waitpointID)
	if err != nil {
		return nil, err
	}
	if w.Type == model.WaitpointRun {
		return nil, fmt.Errorf("%w: run waitpoints complete when their run finishes", waitpoint.ErrWrongType)
	}
	return e.waitpoints.CompleteWaitpoint(ctx, w.ID, out, model.CompletedByAPI)
}
