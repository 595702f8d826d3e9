package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/seantiz/runengine/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrSnapshotConflict is returned when the latest snapshot of a run moved
// between the caller reading it and writing its successor.
var ErrSnapshotConflict = errors.New("snapshot conflict: latest snapshot changed")

// ErrDuplicate is returned when an insert violates a uniqueness constraint,
// such as an idempotency key already in use.
var ErrDuplicate = errors.New("duplicate record")

// WaitpointCompletion is the result recorded when a waitpoint completes.
type WaitpointCompletion struct {
	By               model.CompletionSource
	Output           json.RawMessage
	OutputType       string
	OutputIsError    bool
	OutputObjectKey  string
	CompletedByRunID string
	CompletedAt      time.Time
}

// Store defines the persistence operations of the run engine.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	CreateOrganization(ctx context.Context, o *model.Organization) error
	GetOrganization(ctx context.Context, id string) (*model.Organization, error)
	UpdateOrganizationConcurrencyLimit(ctx context.Context, id string, limit *int) error

	CreateEnvironment(ctx context.Context, e *model.Environment) error
	GetEnvironment(ctx context.Context, id string) (*model.Environment, error)
	UpdateEnvironmentConcurrencyLimit(ctx context.Context, id string, limit *int) error
	SetCurrentWorker(ctx context.Context, envID, workerID string) error

	UpsertTaskQueue(ctx context.Context, q *model.TaskQueue) error
	GetTaskQueue(ctx context.Context, envID, name string) (*model.TaskQueue, error)
	ListTaskQueues(ctx context.Context, envID string) ([]*model.TaskQueue, error)

	CreateBackgroundWorker(ctx context.Context, w *model.BackgroundWorker, tasks []*model.Task) error
	GetBackgroundWorker(ctx context.Context, id string) (*model.BackgroundWorker, error)
	GetLatestBackgroundWorker(ctx context.Context, envID string) (*model.BackgroundWorker, error)
	GetTask(ctx context.Context, workerID, slug string) (*model.Task, error)

	// CreateRun inserts a run with its first snapshot and latest pointer.
	// It returns ErrDuplicate when the run's idempotency key is taken.
	CreateRun(ctx context.Context, r *model.Run, s *model.Snapshot) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	FindRunByIdempotencyKey(ctx context.Context, envID, taskIdentifier, key string) (*model.Run, error)
	ClearRunIdempotencyKey(ctx context.Context, runID string) error
	ListRunsByStatus(ctx context.Context, envID string, status model.Status) ([]*model.Run, error)

	// CreateSnapshot appends s (whose Seq must be the latest seq + 1), moves
	// the latest pointer and writes the mutable fields of r, in one
	// transaction. It returns ErrSnapshotConflict if the pointer moved.
	CreateSnapshot(ctx context.Context, r *model.Run, s *model.Snapshot) error
	GetLatestSnapshot(ctx context.Context, runID string) (*model.Snapshot, error)
	ListSnapshots(ctx context.Context, runID string) ([]*model.Snapshot, error)

	CreateCheckpoint(ctx context.Context, c *model.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*model.Checkpoint, error)

	// CreateWaitpoint returns ErrDuplicate when the idempotency key is taken.
	CreateWaitpoint(ctx context.Context, w *model.Waitpoint) error
	GetWaitpoint(ctx context.Context, id string) (*model.Waitpoint, error)
	GetWaitpoints(ctx context.Context, ids []string) ([]*model.Waitpoint, error)
	FindWaitpointByIdempotencyKey(ctx context.Context, envID, key string) (*model.Waitpoint, error)
	ClearWaitpointIdempotencyKey(ctx context.Context, id string) error
	// CompleteWaitpoint completes a pending waitpoint. The boolean is false when
	// the waitpoint was already completed, in which case it is left unchanged.
	CompleteWaitpoint(ctx context.Context, id string, c WaitpointCompletion) (*model.Waitpoint, bool, error)

	AddRunWaitpoints(ctx context.Context, links []model.RunWaitpoint) error
	ListRunWaitpoints(ctx context.Context, runID string) ([]*model.Waitpoint, error)
	ListBlockedRunIDs(ctx context.Context, waitpointID string) ([]string, error)
	DeleteRunWaitpoints(ctx context.Context, runID string) error

	CreateSchedule(ctx context.Context, s *model.ScheduleInstance) error
	GetSchedule(ctx context.Context, id string) (*model.ScheduleInstance, error)
	// ListSchedules lists active schedules, for one environment or all when envID is empty.
	ListSchedules(ctx context.Context, envID string) ([]*model.ScheduleInstance, error)
	UpdateScheduleRun(ctx context.Context, id string, lastRunAt, nextRunAt *time.Time) error
}
