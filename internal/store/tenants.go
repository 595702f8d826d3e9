package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/runengine/internal/model"
)

// CreateOrganization inserts an organization.
func (s *SQLStore) CreateOrganization(ctx context.Context, o *model.Organization) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO organizations (id, title, maximum_concurrency_limit, created_at)
		VALUES (?, ?, ?, ?)`), o.ID, o.Title, o.MaximumConcurrencyLimit, utc(o.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert organization: %w", ErrDuplicate)
		}
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

// GetOrganization retrieves an organization by id.
func (s *SQLStore) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	o := &model.Organization{}
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, title, maximum_concurrency_limit, created_at
		FROM organizations WHERE id = ?`), id).Scan(&o.ID, &o.Title, &o.MaximumConcurrencyLimit, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return o, nil
}

// UpdateOrganizationConcurrencyLimit sets or clears (nil) an organization's override.
func (s *SQLStore) UpdateOrganizationConcurrencyLimit(ctx context.Context, id string, limit *int) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE organizations SET maximum_concurrency_limit = ? WHERE id = ?`), limit, id)
	if err != nil {
		return fmt.Errorf("update organization limit: %w", err)
	}
	return checkAffected(res)
}

// CreateEnvironment inserts an environment.
func (s *SQLStore) CreateEnvironment(ctx context.Context, e *model.Environment) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO environments
		(id, organization_id, project_id, type, maximum_concurrency_limit, current_worker_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.OrganizationID, e.ProjectID, e.Type, e.MaximumConcurrencyLimit, e.CurrentWorkerID, utc(e.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert environment: %w", ErrDuplicate)
		}
		return fmt.Errorf("insert environment: %w", err)
	}
	return nil
}

// GetEnvironment retrieves an environment by id.
func (s *SQLStore) GetEnvironment(ctx context.Context, id string) (*model.Environment, error) {
	e := &model.Environment{}
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, organization_id, project_id, type,
		maximum_concurrency_limit, current_worker_id, created_at FROM environments WHERE id = ?`), id).
		Scan(&e.ID, &e.OrganizationID, &e.ProjectID, &e.Type, &e.MaximumConcurrencyLimit, &e.CurrentWorkerID, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get environment: %w", err)
	}
	return e, nil
}

// UpdateEnvironmentConcurrencyLimit sets or clears (nil) an environment's limit.
func (s *SQLStore) UpdateEnvironmentConcurrencyLimit(ctx context.Context, id string, limit *int) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE environments SET maximum_concurrency_limit = ? WHERE id = ?`), limit, id)
	if err != nil {
		return fmt.Errorf("update environment limit: %w", err)
	}
	return checkAffected(res)
}

// SetCurrentWorker promotes a worker version in an environment.
func (s *SQLStore) SetCurrentWorker(ctx context.Context, envID, workerID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE environments SET current_worker_id = ? WHERE id = ?`), workerID, envID)
	if err != nil {
		return fmt.Errorf("set current worker: %w", err)
	}
	return checkAffected(res)
}

// UpsertTaskQueue creates a queue or updates its limits, keyed by environment and name.
// On update, q.ID and q.FriendlyID are replaced with the stored ones.
func (s *SQLStore) UpsertTaskQueue(ctx context.Context, q *model.TaskQueue) error {
	rateLimit, err := nullJSON(q.RateLimit)
	if err != nil {
		return fmt.Errorf("encode rate limit: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO task_queues
		(id, friendly_id, environment_id, name, concurrency_limit, rate_limit, paused, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (environment_id, name) DO UPDATE SET
			concurrency_limit = excluded.concurrency_limit,
			rate_limit = excluded.rate_limit,
			paused = excluded.paused`),
		q.ID, q.FriendlyID, q.EnvironmentID, q.Name, q.ConcurrencyLimit, rateLimit, q.Paused, utc(q.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert task queue: %w", err)
	}

	stored, err := s.GetTaskQueue(ctx, q.EnvironmentID, q.Name)
	if err != nil {
		return err
	}
	q.ID, q.FriendlyID, q.CreatedAt = stored.ID, stored.FriendlyID, stored.CreatedAt
	return nil
}

func scanTaskQueue(row scanner) (*model.TaskQueue, error) {
	q := &model.TaskQueue{}
	var rateLimit sql.NullString
	if err := row.Scan(&q.ID, &q.FriendlyID, &q.EnvironmentID, &q.Name, &q.ConcurrencyLimit,
		&rateLimit, &q.Paused, &q.CreatedAt); err != nil {
		return nil, err
	}
	if rateLimit.Valid && rateLimit.String != "" {
		q.RateLimit = &model.RateLimit{}
		if err := json.Unmarshal([]byte(rateLimit.String), q.RateLimit); err != nil {
			return nil, fmt.Errorf("decode rate limit: %w", err)
		}
	}
	return q, nil
}

const taskQueueColumns = `id, friendly_id, environment_id, name, concurrency_limit, rate_limit, paused, created_at`

// GetTaskQueue retrieves a queue by environment and name.
func (s *SQLStore) GetTaskQueue(ctx context.Context, envID, name string) (*model.TaskQueue, error) {
	q, err := scanTaskQueue(s.db.QueryRowContext(ctx, s.q(`SELECT `+taskQueueColumns+`
		FROM task_queues WHERE environment_id = ? AND name = ?`), envID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task queue: %w", err)
	}
	return q, nil
}

// ListTaskQueues lists an environment's queues by name.
func (s *SQLStore) ListTaskQueues(ctx context.Context, envID string) ([]*model.TaskQueue, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+taskQueueColumns+`
		FROM task_queues WHERE environment_id = ? ORDER BY name`), envID)
	if err != nil {
		return nil, fmt.Errorf("list task queues: %w", err)
	}
	defer rows.Close()

	var out []*model.TaskQueue
	for rows.Next() {
		q, err := scanTaskQueue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task queue: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task queues: %w", err)
	}
	return out, nil
}

// CreateBackgroundWorker inserts a worker version together with its tasks.
func (s *SQLStore) CreateBackgroundWorker(ctx context.Context, w *model.BackgroundWorker, tasks []*model.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO background_workers
		(id, friendly_id, environment_id, version, image, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		w.ID, w.FriendlyID, w.EnvironmentID, w.Version, w.Image, utc(w.CreatedAt)); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert background worker: %w", ErrDuplicate)
		}
		return fmt.Errorf("insert background worker: %w", err)
	}

	for _, t := range tasks {
		retry, err := nullJSON(t.RetryConfig)
		if err != nil {
			return fmt.Errorf("encode retry config: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO tasks (worker_id, slug, queue, machine_config, retry_config)
			VALUES (?, ?, ?, ?, ?)`), w.ID, t.Slug, t.Queue, nullRaw(t.MachineConfig), retry); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("insert task %q: %w", t.Slug, ErrDuplicate)
			}
			return fmt.Errorf("insert task %q: %w", t.Slug, err)
		}
		t.WorkerID = w.ID
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit background worker: %w", err)
	}
	return nil
}

const workerColumns = `id, friendly_id, environment_id, version, image, created_at`

func scanWorker(row scanner) (*model.BackgroundWorker, error) {
	w := &model.BackgroundWorker{}
	if err := row.Scan(&w.ID, &w.FriendlyID, &w.EnvironmentID, &w.Version, &w.Image, &w.CreatedAt); err != nil {
		return nil, err
	}
	return w, nil
}

// GetBackgroundWorker retrieves a worker version by internal id.
func (s *SQLStore) GetBackgroundWorker(ctx context.Context, id string) (*model.BackgroundWorker, error) {
	w, err := scanWorker(s.db.QueryRowContext(ctx, s.q(`SELECT `+workerColumns+` FROM background_workers WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get background worker: %w", err)
	}
	return w, nil
}

// GetLatestBackgroundWorker returns the most recently registered worker of an environment.
func (s *SQLStore) GetLatestBackgroundWorker(ctx context.Context, envID string) (*model.BackgroundWorker, error) {
	w, err := scanWorker(s.db.QueryRowContext(ctx, s.q(`SELECT `+workerColumns+` FROM background_workers
		WHERE environment_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`), envID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest background worker: %w", err)
	}
	return w, nil
}

// GetTask retrieves a task definition of a worker version.
func (s *SQLStore) GetTask(ctx context.Context, workerID, slug string) (*model.Task, error) {
	t := &model.Task{}
	var machine, retry sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(`SELECT worker_id, slug, queue, machine_config, retry_config
		FROM tasks WHERE worker_id = ? AND slug = ?`), workerID, slug).
		Scan(&t.WorkerID, &t.Slug, &t.Queue, &machine, &retry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	t.MachineConfig = rawOf(machine)
	if retry.Valid && retry.String != "" {
		t.RetryConfig = &model.RetryConfig{}
		if err := json.Unmarshal([]byte(retry.String), t.RetryConfig); err != nil {
			return nil, fmt.Errorf("decode retry config: %w", err)
		}
	}
	return t, nil
}
