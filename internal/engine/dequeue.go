package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/runengine/internal/lock"
	"github.com/seantiz/runengine/internal/machine"
	"github.com/seantiz/runengine/internal/model"
	"github.com/seantiz/runengine/internal/queue"
	"github.com/seantiz/runengine/internal/store"
)

// DequeuedRun is a run handed to a worker, with what it needs to start.
type DequeuedRun struct {
	Run        *model.Run        `json:"run"`
	Snapshot   *model.Snapshot   `json:"snapshot"`
	Machine    machine.Preset    `json:"machine"`
	Image      string            `json:"image,omitempty"`
	Checkpoint *model.Checkpoint `json:"checkpoint,omitempty"`
}

// errSkip marks a queue message that no longer needs a worker.
var errSkip = errors.New("skip dequeued message")

// DequeueFromEnvironment admits up to maxRuns runs of a development
// environment for consumerID.
func (e *Engine) DequeueFromEnvironment(ctx context.Context, consumerID, envID string, maxRuns int) ([]DequeuedRun, error) {
	return e.dequeue(ctx, consumerID, queue.EnvMasterQueue(envID), maxRuns)
}

// DequeueFromVersion admits up to maxRuns runs locked to a deployed worker
// version for consumerID.
func (e *Engine) DequeueFromVersion(ctx context.Context, consumerID, workerID string, maxRuns int) ([]DequeuedRun, error) {
	return e.dequeue(ctx, consumerID, queue.WorkerMasterQueue(workerID), maxRuns)
}

func (e *Engine) dequeue(ctx context.Context, consumerID, masterQueue string, maxRuns int) ([]DequeuedRun, error) {
	if consumerID == "" {
		return nil, validationErrorf("consumerId", "is required")
	}
	msgs, err := e.queue.DequeueFromMasterQueue(ctx, consumerID, masterQueue, maxRuns)
	if err != nil {
		return nil, err
	}

	out := make([]DequeuedRun, 0, len(msgs))
	for _, m := range msgs {
		d, err := e.dequeueRun(ctx, consumerID, m)
		if err == nil {
			out = append(out, d)
			dequeuedRuns.Inc()
			continue
		}
		if errors.Is(err, errSkip) {
			continue
		}

		// Contention and staleness are expected under races; give the slot
		// back and let a later dequeue pick the run up.
		level := e.logger.Error
		if errors.Is(err, lock.ErrLockAcquisition) || errors.Is(err, ErrStaleSnapshot) {
			level = e.logger.Warn
		}
		level("dequeue run", "run_id", m.RunID, "consumer_id", consumerID, "error", err)
		if nackErr := e.queue.Nack(ctx, m.RunID, e.now()); nackErr != nil {
			e.logger.Error("nack dequeued run", "run_id", m.RunID, "error", nackErr)
		}
	}
	return out, nil
}

func (e *Engine) dequeueRun(ctx context.Context, consumerID string, m queue.Message) (DequeuedRun, error) {
	var d DequeuedRun
	err := e.withRunLock(ctx, m.RunID, func(ctx context.Context) error {
		run, snap, err := e.load(ctx, m.RunID)
		if errors.Is(err, ErrRunNotFound) {
			e.queue.Acknowledge(ctx, m.RunID)
			return errSkip
		}
		if err != nil {
			return err
		}
		if snap.Status.IsTerminal() {
			if err := e.queue.Acknowledge(ctx, run.ID); err != nil {
				return err
			}
			return errSkip
		}
		if snap.Status != model.StatusQueued {
			e.logger.Warn("dequeued run is not queued", "run_id", run.ID, "status", snap.Status)
			// Admission reserved a slot for the stale message. A run that
			// holds concurrency keeps the slot it already had.
			if !snap.Status.HoldsConcurrency() {
				if err := e.queue.ReleaseConcurrency(ctx, run.ID); err != nil {
					e.logger.Error("release slot of stale message", "run_id", run.ID, "error", err)
				}
			}
			return errSkip
		}

		if run.WorkerID != "" {
			version, err := e.store.GetBackgroundWorker(ctx, run.WorkerID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if version != nil {
				d.Image = version.Image
			}
		}
		if snap.CheckpointID != "" {
			cp, err := e.store.GetCheckpoint(ctx, snap.CheckpointID)
			if err != nil {
				return fmt.Errorf("checkpoint of run %s: %w", run.ID, err)
			}
			d.Checkpoint = cp
		}

		dequeued, err := e.transition(ctx, run, snap, next{
			status:              model.StatusDequeuedForExecution,
			description:         "Run was dequeued for execution",
			workerID:            consumerID,
			checkpointID:        snap.CheckpointID,
			resumeAttempt:       snap.ResumeAttempt,
			completedWaitpoints: snap.CompletedWaitpointIDs,
		})
		if err != nil {
			return err
		}
		// A TTL only limits how long a run may wait to start.
		e.cancelRunJob(ctx, jobExpireRun, run.ID)
		d.Run, d.Snapshot, d.Machine = run, dequeued, e.machinePreset(run.Machine)
		return nil
	})
	return d, err
}
