// Package waitpoint creates and completes waitpoints, the gates a run can
// block on. Deadlines (datetime waits and token timeouts) are delayed jobs;
// completion is idempotent and notifies a handler so blocked runs can resume.
package waitpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/runengine/internal/model"
	"github.com/seantiz/runengine/internal/objectstore"
	"github.com/seantiz/runengine/internal/store"
	"github.com/seantiz/runengine/internal/worker"
)

// JobType is the delayed-job type that finishes a waitpoint at its deadline.
const JobType = "finishWaitpoint"

// TimeoutOutput is the output recorded when a waitpoint times out.
var TimeoutOutput = json.RawMessage(`{"message":"Waitpoint timed out"}`)

var (
	// ErrPayloadTooLarge is returned for callback bodies above the configured cap.
	ErrPayloadTooLarge = errors.New("callback payload too large")
	// ErrWrongType is returned when an operation does not apply to the waitpoint's type.
	ErrWrongType = errors.New("operation not valid for waitpoint type")
)

// Output is a completion result.
type Output struct {
	Value   json.RawMessage
	Type    string
	IsError bool
}

// CompletionHandler is told about every waitpoint that completes, once.
type CompletionHandler func(ctx context.Context, w *model.Waitpoint)

// Options configures a Manager.
type Options struct {
	// CallbackMaxBytes caps HTTP callback bodies.
	CallbackMaxBytes int
	// CallbackInlineBytes is the largest body stored inline; larger ones go to
	// the object store when one is configured.
	CallbackInlineBytes int
}

// Manager owns waitpoint creation and completion.
type Manager struct {
	store   store.Store
	jobs    *worker.Worker
	objects objectstore.Store
	opts    Options
	logger  *slog.Logger

	onComplete CompletionHandler
}

// New creates a Manager and registers its deadline job on jobs. objects may be
// nil, in which case callback bodies are always stored inline.
func New(st store.Store, jobs *worker.Worker, objects objectstore.Store, opts Options, logger *slog.Logger) *Manager {
	m := &Manager{
		store:   st,
		jobs:    jobs,
		objects: objects,
		opts:    opts,
		logger:  logger.With("component", "waitpoint"),
	}
	jobs.Register(JobType, m.handleFinish)
	return m
}

// OnComplete sets the handler run after each waitpoint completes.
func (m *Manager) OnComplete(h CompletionHandler) {
	m.onComplete = h
}

// CallbackMaxBytes is the largest accepted callback body. Zero is unlimited.
func (m *Manager) CallbackMaxBytes() int { return m.opts.CallbackMaxBytes }

// TokenOptions describes a manual or HTTP callback waitpoint.
type TokenOptions struct {
	EnvironmentID           string
	ProjectID               string
	IdempotencyKey          string
	IdempotencyKeyExpiresAt *time.Time
	Timeout                 *time.Time
}

// CreateManualWaitpoint creates a token completed through the API. A live
// idempotency key returns the existing waitpoint with cached set; an expired
// one is taken from the old waitpoint and reused.
func (m *Manager) CreateManualWaitpoint(ctx context.Context, opts TokenOptions) (w *model.Waitpoint, cached bool, err error) {
	return m.createToken(ctx, model.WaitpointManual, opts)
}

// CreateHTTPCallbackWaitpoint creates a token completed by an inbound request.
func (m *Manager) CreateHTTPCallbackWaitpoint(ctx context.Context, opts TokenOptions) (*model.Waitpoint, bool, error) {
	return m.createToken(ctx, model.WaitpointHTTPCallback, opts)
}

func (m *Manager) createToken(ctx context.Context, typ model.WaitpointType, opts TokenOptions) (*model.Waitpoint, bool, error) {
	if opts.IdempotencyKey != "" {
		existing, err := m.liveByKey(ctx, opts.EnvironmentID, opts.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, true, nil
		}
	}

	w := m.newWaitpoint(typ, opts.EnvironmentID, opts.ProjectID)
	w.IdempotencyKey = opts.IdempotencyKey
	w.IdempotencyKeyExpiresAt = opts.IdempotencyKeyExpiresAt
	w.CompletedAfter = opts.Timeout

	err := m.store.CreateWaitpoint(ctx, w)
	if errors.Is(err, store.ErrDuplicate) && opts.IdempotencyKey != "" {
		// Lost a race for the key.
		existing, findErr := m.store.FindWaitpointByIdempotencyKey(ctx, opts.EnvironmentID, opts.IdempotencyKey)
		if findErr != nil {
			return nil, false, findErr
		}
		return existing, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	if opts.Timeout != nil {
		if err := m.scheduleFinish(ctx, w.ID, *opts.Timeout, model.CompletedByTimeout); err != nil {
			return nil, false, err
		}
	}
	m.logger.Info("waitpoint created", "waitpoint_id", w.ID, "type", typ)
	return w, false, nil
}

// liveByKey returns the waitpoint holding key, or nil when the key is free.
// An expired key is released from its old waitpoint.
func (m *Manager) liveByKey(ctx context.Context, envID, key string) (*model.Waitpoint, error) {
	existing, err := m.store.FindWaitpointByIdempotencyKey(ctx, envID, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if exp := existing.IdempotencyKeyExpiresAt; exp != nil && !exp.After(m.jobs.Now()) {
		if err := m.store.ClearWaitpointIdempotencyKey(ctx, existing.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, nil
	}
	return existing, nil
}

// DateTimeOptions describes a timer waitpoint.
type DateTimeOptions struct {
	EnvironmentID  string
	ProjectID      string
	CompletedAfter time.Time
	IdempotencyKey string
}

// CreateDateTimeWaitpoint creates a waitpoint that completes at CompletedAfter.
func (m *Manager) CreateDateTimeWaitpoint(ctx context.Context, opts DateTimeOptions) (*model.Waitpoint, error) {
	if opts.IdempotencyKey != "" {
		existing, err := m.liveByKey(ctx, opts.EnvironmentID, opts.IdempotencyKey)
		if err != nil || existing != nil {
			return existing, err
		}
	}

	w := m.newWaitpoint(model.WaitpointDateTime, opts.EnvironmentID, opts.ProjectID)
	w.IdempotencyKey = opts.IdempotencyKey
	after := opts.CompletedAfter.UTC()
	w.CompletedAfter = &after
	if err := m.store.CreateWaitpoint(ctx, w); err != nil {
		return nil, err
	}
	if err := m.scheduleFinish(ctx, w.ID, after, model.CompletedByDateTime); err != nil {
		return nil, err
	}
	return w, nil
}

// CreateRunWaitpoint creates the waitpoint completed when run terminalizes.
func (m *Manager) CreateRunWaitpoint(ctx context.Context, envID, projectID string) (*model.Waitpoint, error) {
	w := m.newWaitpoint(model.WaitpointRun, envID, projectID)
	if err := m.store.CreateWaitpoint(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func (m *Manager) newWaitpoint(typ model.WaitpointType, envID, projectID string) *model.Waitpoint {
	id, friendly := model.NewFriendlyID(model.EntityWaitpoint)
	return &model.Waitpoint{
		ID:            id,
		FriendlyID:    friendly,
		Type:          typ,
		Status:        model.WaitpointPending,
		EnvironmentID: envID,
		ProjectID:     projectID,
		CreatedAt:     m.jobs.Now().UTC(),
	}
}

// CompleteWaitpoint completes a pending waitpoint. Completing one that is
// already COMPLETED succeeds and leaves its stored output unchanged.
func (m *Manager) CompleteWaitpoint(ctx context.Context, id string, out Output, by model.CompletionSource) (*model.Waitpoint, error) {
	return m.complete(ctx, id, store.WaitpointCompletion{
		By:            by,
		Output:        out.Value,
		OutputType:    out.Type,
		OutputIsError: out.IsError,
	})
}

// CompleteRunWaitpoint completes a RUN waitpoint with the result of runID.
func (m *Manager) CompleteRunWaitpoint(ctx context.Context, id, runID string, out Output) (*model.Waitpoint, error) {
	return m.complete(ctx, id, store.WaitpointCompletion{
		By:               model.CompletedByRun,
		Output:           out.Value,
		OutputType:       out.Type,
		OutputIsError:    out.IsError,
		CompletedByRunID: runID,
	})
}

// CompleteHTTPCallback completes an HTTP callback waitpoint with a request
// body. Bodies above the inline size are offloaded to the object store.
func (m *Manager) CompleteHTTPCallback(ctx context.Context, id string, body []byte, contentType string) (*model.Waitpoint, error) {
	if m.opts.CallbackMaxBytes > 0 && len(body) > m.opts.CallbackMaxBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(body), m.opts.CallbackMaxBytes)
	}
	w, err := m.store.GetWaitpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Type != model.WaitpointHTTPCallback {
		return nil, fmt.Errorf("%w: %s does not accept callbacks", ErrWrongType, w.Type)
	}
	if w.Status == model.WaitpointCompleted {
		return w, nil
	}
	if contentType == "" {
		contentType = "application/json"
	}

	c := store.WaitpointCompletion{By: model.CompletedByCallback, OutputType: contentType}
	if m.objects != nil && len(body) > m.opts.CallbackInlineBytes {
		key := "waitpoints/" + id + "/output"
		if err := m.objects.Put(ctx, key, body, contentType); err != nil {
			return nil, err
		}
		c.OutputObjectKey = key
	} else {
		c.Output = rawBody(body, contentType)
	}
	return m.complete(ctx, id, c)
}

// rawBody keeps JSON bodies as-is and encodes anything else as a JSON string
// so output columns always hold valid JSON.
func rawBody(body []byte, contentType string) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	enc, _ := json.Marshal(string(body))
	return enc
}

// ResolveOutput returns a completed waitpoint's output, fetching it from the
// object store when it was offloaded.
func (m *Manager) ResolveOutput(ctx context.Context, w *model.Waitpoint) (json.RawMessage, error) {
	if w.OutputObjectKey == "" || m.objects == nil {
		return w.Output, nil
	}
	data, err := m.objects.Get(ctx, w.OutputObjectKey)
	if err != nil {
		return nil, fmt.Errorf("fetch waitpoint output: %w", err)
	}
	return rawBody(data, w.OutputType), nil
}

func (m *Manager) complete(ctx context.Context, id string, c store.WaitpointCompletion) (*model.Waitpoint, error) {
	c.CompletedAt = m.jobs.Now().UTC()
	w, completedNow, err := m.store.CompleteWaitpoint(ctx, id, c)
	if err != nil {
		return nil, err
	}
	if !completedNow {
		return w, nil
	}

	waitpointsCompleted.WithLabelValues(string(w.Type), string(w.CompletedBy)).Inc()
	m.logger.Info("waitpoint completed", "waitpoint_id", w.ID, "type", w.Type, "completed_by", w.CompletedBy)
	if c.By != model.CompletedByTimeout && c.By != model.CompletedByDateTime {
		if err := m.jobs.Cancel(ctx, finishJobID(id)); err != nil {
			m.logger.Warn("cancel waitpoint deadline", "waitpoint_id", id, "error", err)
		}
	}
	if m.onComplete != nil {
		m.onComplete(ctx, w)
	}
	return w, nil
}

// SetTimeout completes a pending waitpoint with a timeout error at at. A
// deadline already scheduled earlier than at is kept.
func (m *Manager) SetTimeout(ctx context.Context, id string, at time.Time) error {
	existing, ok, err := m.jobs.Scheduled(ctx, finishJobID(id))
	if err != nil {
		return err
	}
	if ok && !existing.After(at) {
		return nil
	}
	return m.scheduleFinish(ctx, id, at, model.CompletedByTimeout)
}

type finishPayload struct {
	WaitpointID string                 `json:"waitpointId"`
	By          model.CompletionSource `json:"by"`
}

func finishJobID(waitpointID string) string { return "finishWaitpoint:" + waitpointID }

func (m *Manager) scheduleFinish(ctx context.Context, id string, at time.Time, by model.CompletionSource) error {
	data, err := json.Marshal(finishPayload{WaitpointID: id, By: by})
	if err != nil {
		return err
	}
	return m.jobs.Schedule(ctx, worker.Job{ID: finishJobID(id), Type: JobType, Payload: data, RunAt: at})
}

func (m *Manager) handleFinish(ctx context.Context, job worker.Job) error {
	var p finishPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		m.logger.Error("decode finish waitpoint job", "job_id", job.ID, "error", err)
		return nil
	}
	c := store.WaitpointCompletion{By: p.By}
	if p.By == model.CompletedByTimeout {
		c.Output = TimeoutOutput
		c.OutputType = "application/json"
		c.OutputIsError = true
	}
	_, err := m.complete(ctx, p.WaitpointID, c)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}
