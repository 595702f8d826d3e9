package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/runengine/internal/config"
	"github.com/seantiz/runengine/internal/engine"
	"github.com/seantiz/runengine/internal/model"
)

const (
	defaultMaxRuns = 10
	maxMaxRuns     = 100
)

// pathID converts the friendly id in URL parameter param to an internal id.
func pathID(r *http.Request, param, entity string) (string, error) {
	return model.FromFriendlyID(entity, chi.URLParam(r, param))
}

// runAndSnapshot reads the run and snapshot ids of a snapshot-scoped route.
func runAndSnapshot(r *http.Request) (runID, snapshotID string, err error) {
	if runID, err = pathID(r, "runId", model.EntityRun); err != nil {
		return "", "", err
	}
	if snapshotID, err = pathID(r, "snapshotId", model.EntitySnapshot); err != nil {
		return "", "", err
	}
	return runID, snapshotID, nil
}

// optionalID converts a friendly id from a request body, allowing empty.
func optionalID(entity, friendlyID string) (string, error) {
	if friendlyID == "" {
		return "", nil
	}
	return model.FromFriendlyID(entity, friendlyID)
}

// parseDeadline accepts an RFC 3339 timestamp or a duration from now.
func parseDeadline(field, s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	d, err := config.ParseDuration(s)
	if err != nil || d < 0 {
		return time.Time{}, &engine.ValidationError{Field: field, Message: fmt.Sprintf("%q is neither a timestamp nor a duration", s)}
	}
	return now.Add(d), nil
}

type dequeueResponse struct {
	Runs []engine.DequeuedRun `json:"runs"`
}

func maxRuns(r *http.Request) int {
	n := parseIntQuery(r, "maxRuns", defaultMaxRuns)
	if n <= 0 || n > maxMaxRuns {
		n = defaultMaxRuns
	}
	return n
}

func (s *Server) writeDequeued(w http.ResponseWriter, runs []engine.DequeuedRun) {
	if runs == nil {
		runs = []engine.DequeuedRun{}
	}
	s.writeJSON(w, http.StatusOK, dequeueResponse{Runs: runs})
}

func (s *Server) handleDequeueFromEnvironment(w http.ResponseWriter, r *http.Request) {
	runs, err := s.engine.DequeueFromEnvironment(r.Context(),
		r.URL.Query().Get("consumerId"), chi.URLParam(r, "envId"), maxRuns(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeDequeued(w, runs)
}

func (s *Server) handleDequeueFromVersion(w http.ResponseWriter, r *http.Request) {
	workerID, err := pathID(r, "workerId", model.EntityWorker)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, err := s.engine.DequeueFromVersion(r.Context(), r.URL.Query().Get("consumerId"), workerID, maxRuns(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeDequeued(w, runs)
}

func (s *Server) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	runID, snapshotID, err := runAndSnapshot(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := s.engine.StartRunAttempt(r.Context(), runID, snapshotID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, data)
}

type completeAttemptRequest struct {
	Completion engine.Completion `json:"completion"`
}

func (s *Server) handleCompleteAttempt(w http.ResponseWriter, r *http.Request) {
	runID, snapshotID, err := runAndSnapshot(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req completeAttemptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.CompleteRunAttempt(r.Context(), runID, snapshotID, req.Completion)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type snapshotResponse struct {
	Snapshot *model.Snapshot `json:"snapshot"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	runID, snapshotID, err := runAndSnapshot(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.engine.Heartbeat(r.Context(), runID, snapshotID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshotResponse{Snapshot: snap})
}

type waitForDurationRequest struct {
	Date     *time.Time `json:"date,omitempty"`
	Duration string     `json:"duration,omitempty"`
}

func (s *Server) handleWaitForDuration(w http.ResponseWriter, r *http.Request) {
	runID, snapshotID, err := runAndSnapshot(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req waitForDurationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	var until time.Time
	switch {
	case req.Date != nil:
		until = req.Date.UTC()
	case req.Duration != "":
		d, err := config.ParseDuration(req.Duration)
		if err != nil || d < 0 {
			s.writeError(w, r, &engine.ValidationError{Field: "duration", Message: "must be a non-negative duration"})
			return
		}
		until = time.Now().UTC().Add(d)
	default:
		s.writeError(w, r, &engine.ValidationError{Field: "date", Message: "date or duration is required"})
		return
	}

	res, err := s.engine.WaitForDuration(r.Context(), runID, snapshotID, until)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type blockRequest struct {
	WaitpointIDs []string                `json:"waitpointIds"`
	Timeout      string                  `json:"timeout,omitempty"`
	Checkpoint   *engine.CheckpointInput `json:"checkpoint,omitempty"`
}

func (s *Server) handleBlockRun(w http.ResponseWriter, r *http.Request) {
	runID, snapshotID, err := runAndSnapshot(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req blockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ids := make([]string, 0, len(req.WaitpointIDs))
	for _, fid := range req.WaitpointIDs {
		id, err := model.FromFriendlyID(model.EntityWaitpoint, fid)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ids = append(ids, id)
	}
	opts := engine.BlockOptions{Checkpoint: req.Checkpoint}
	if req.Timeout != "" {
		at, err := parseDeadline("timeout", req.Timeout, time.Now().UTC())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		opts.Timeout = &at
	}

	snap, err := s.engine.BlockRunWithWaitpoint(r.Context(), runID, snapshotID, ids, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshotResponse{Snapshot: snap})
}

func (s *Server) handleGetLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	runID, err := pathID(r, "runId", model.EntityRun)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.engine.GetLatestSnapshot(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshotResponse{Snapshot: snap})
}

func (s *Server) handleGetExecutionData(w http.ResponseWriter, r *http.Request) {
	runID, err := pathID(r, "runId", model.EntityRun)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := s.engine.GetRunExecutionData(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, data)
}

type triggerResponse struct {
	Run    *model.Run `json:"run"`
	Cached bool       `json:"cached"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req engine.TriggerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var err error
	if req.ParentRunID, err = optionalID(model.EntityRun, req.ParentRunID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.WorkerID, err = optionalID(model.EntityWorker, req.WorkerID); err != nil {
		s.writeError(w, r, err)
		return
	}

	run, cached, err := s.engine.Trigger(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if cached {
		status = http.StatusOK
	}
	s.writeJSON(w, status, triggerResponse{Run: run, Cached: cached})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := pathID(r, "runId", model.EntityRun)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err := s.engine.GetRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := pathID(r, "runId", model.EntityRun)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req cancelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.engine.CancelRun(r.Context(), runID, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshotResponse{Snapshot: snap})
}

func (s *Server) handleRegisterWorkerVersion(w http.ResponseWriter, r *http.Request) {
	var req engine.DeployRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.RegisterWorkerVersion(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, res)
}
