// Package heartbeat tracks the liveness of the worker holding a run snapshot.
// Each run has at most one pending deadline, stored as a delayed job keyed by
// the run id; a beat pushes it out, and expiry hands the snapshot to a
// StallHandler.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/runengine/internal/model"
	"github.com/seantiz/runengine/internal/worker"
)

// JobType is the delayed-job type used for heartbeat deadlines.
const JobType = "heartbeatSnapshot"

// StallHandler is called when a deadline passes without a beat. The snapshot
// id is the one registered; the handler must re-check it is still latest.
type StallHandler func(ctx context.Context, runID, snapshotID string) error

// Timeouts are the heartbeat deadlines per snapshot status.
type Timeouts struct {
	Dequeued    time.Duration
	Executing   time.Duration
	Interrupted time.Duration
}

// For returns the deadline for a snapshot in status s. ok is false for
// statuses that are not heartbeated.
func (t Timeouts) For(s model.Status) (d time.Duration, ok bool) {
	switch s {
	case model.StatusDequeuedForExecution:
		return t.Dequeued, true
	case model.StatusExecuting, model.StatusReattempting:
		return t.Executing, true
	case model.StatusInterrupted:
		return t.Interrupted, true
	}
	return 0, false
}

type payload struct {
	RunID      string `json:"runId"`
	SnapshotID string `json:"snapshotId"`
}

// Monitor schedules and clears heartbeat deadlines.
type Monitor struct {
	jobs   *worker.Worker
	logger *slog.Logger
}

// New creates a Monitor and registers its job handler on jobs.
func New(jobs *worker.Worker, onStall StallHandler, logger *slog.Logger) *Monitor {
	m := &Monitor{jobs: jobs, logger: logger.With("component", "heartbeat")}
	jobs.Register(JobType, func(ctx context.Context, job worker.Job) error {
		var p payload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			m.logger.Error("decode heartbeat job", "job_id", job.ID, "error", err)
			return nil
		}
		m.logger.Warn("heartbeat deadline passed", "run_id", p.RunID, "snapshot_id", p.SnapshotID)
		return onStall(ctx, p.RunID, p.SnapshotID)
	})
	return m
}

func jobID(runID string) string { return "heartbeat:" + runID }

// Register sets the run's deadline to now+timeout for snapshotID, replacing
// any earlier deadline.
func (m *Monitor) Register(ctx context.Context, runID, snapshotID string, timeout time.Duration) error {
	data, err := json.Marshal(payload{RunID: runID, SnapshotID: snapshotID})
	if err != nil {
		return err
	}
	if err := m.jobs.Schedule(ctx, worker.Job{
		ID:      jobID(runID),
		Type:    JobType,
		Payload: data,
		RunAt:   m.jobs.Now().Add(timeout),
	}); err != nil {
		return fmt.Errorf("register heartbeat for run %s: %w", runID, err)
	}
	return nil
}

// Beat pushes the deadline out to now+timeout.
func (m *Monitor) Beat(ctx context.Context, runID, snapshotID string, timeout time.Duration) error {
	return m.Register(ctx, runID, snapshotID, timeout)
}

// Clear removes the run's deadline.
func (m *Monitor) Clear(ctx context.Context, runID string) error {
	if err := m.jobs.Cancel(ctx, jobID(runID)); err != nil {
		return fmt.Errorf("clear heartbeat for run %s: %w", runID, err)
	}
	return nil
}

// Deadline returns the run's pending deadline. ok is false when none is set.
func (m *Monitor) Deadline(ctx context.Context, runID string) (time.Time, bool, error) {
	return m.jobs.Scheduled(ctx, jobID(runID))
}
