package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/seantiz/runengine/internal/engine"
	"github.com/seantiz/runengine/internal/model"
)

// setupEnv creates org1 and a development environment dev1 over the admin API.
func (s *testServer) setupEnv() {
	s.t.Helper()
	if got := s.admin("POST", "/admin/v1/organizations", map[string]any{"id": "org1", "title": "Acme"}, nil); got != http.StatusCreated {
		s.t.Fatalf("create organization status = %d, want 201", got)
	}
	env := map[string]any{"id": "dev1", "organizationId": "org1", "projectId": "proj1", "type": "DEVELOPMENT"}
	if got := s.admin("POST", "/admin/v1/environments", env, nil); got != http.StatusCreated {
		s.t.Fatalf("create environment status = %d, want 201", got)
	}
}

func (s *testServer) triggerRun(body map[string]any) *model.Run {
	s.t.Helper()
	if body == nil {
		body = map[string]any{}
	}
	if _, ok := body["taskIdentifier"]; !ok {
		body["taskIdentifier"] = "send-email"
	}
	body["environmentId"] = "dev1"
	var resp triggerResponse
	if got := s.do("POST", "/engine/v1/runs", body, &resp); got != http.StatusCreated {
		s.t.Fatalf("trigger status = %d, want 201", got)
	}
	return resp.Run
}

func (s *testServer) dequeueRuns() []engine.DequeuedRun {
	s.t.Helper()
	var resp dequeueResponse
	if got := s.do("GET", "/engine/v1/dev/environments/dev1/dequeue?consumerId=c1&maxRuns=5", nil, &resp); got != http.StatusOK {
		s.t.Fatalf("dequeue status = %d, want 200", got)
	}
	return resp.Runs
}

// startRun triggers, dequeues and starts a run, returning the executing snapshot.
func (s *testServer) startRun() (*model.Run, *model.Snapshot) {
	s.t.Helper()
	run := s.triggerRun(nil)
	runs := s.dequeueRuns()
	if len(runs) != 1 {
		s.t.Fatalf("dequeued %d runs, want 1", len(runs))
	}
	var data engine.ExecutionData
	path := "/engine/v1/runs/" + run.FriendlyID + "/snapshots/" + runs[0].Snapshot.FriendlyID + "/attempts/start"
	if got := s.do("POST", path, nil, &data); got != http.StatusOK {
		s.t.Fatalf("start attempt status = %d, want 200", got)
	}
	if data.Snapshot.Status != model.StatusExecuting {
		s.t.Fatalf("status = %s, want %s", data.Snapshot.Status, model.StatusExecuting)
	}
	return run, data.Snapshot
}

func snapshotPath(run *model.Run, snap *model.Snapshot, op string) string {
	return "/engine/v1/runs/" + run.FriendlyID + "/snapshots/" + snap.FriendlyID + op
}

func (s *testServer) latestStatus(run *model.Run) model.Status {
	s.t.Helper()
	var resp snapshotResponse
	if got := s.do("GET", "/engine/v1/runs/"+run.FriendlyID+"/snapshots/latest", nil, &resp); got != http.StatusOK {
		s.t.Fatalf("latest snapshot status = %d, want 200", got)
	}
	return resp.Snapshot.Status
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	s.setupEnv()
	run, snap := s.startRun()

	var hb snapshotResponse
	if got := s.do("POST", snapshotPath(run, snap, "/heartbeat"), nil, &hb); got != http.StatusOK {
		t.Fatalf("heartbeat status = %d, want 200", got)
	}
	if hb.Snapshot.ID != snap.ID {
		t.Errorf("heartbeat snapshot = %s, want %s", hb.Snapshot.ID, snap.ID)
	}

	body := map[string]any{"completion": map[string]any{"ok": true, "output": json.RawMessage(`{"sent":true}`)}}
	var res engine.AttemptResult
	if got := s.do("POST", snapshotPath(run, snap, "/attempts/complete"), body, &res); got != http.StatusOK {
		t.Fatalf("complete status = %d, want 200", got)
	}
	if res.Snapshot.Status != model.StatusCompleted {
		t.Errorf("status = %s, want %s", res.Snapshot.Status, model.StatusCompleted)
	}

	var got model.Run
	if code := s.do("GET", "/engine/v1/runs/"+run.FriendlyID, nil, &got); code != http.StatusOK {
		t.Fatalf("get run status = %d, want 200", code)
	}
	if string(got.Output) != `{"sent":true}` {
		t.Errorf("output = %s, want %s", got.Output, `{"sent":true}`)
	}
}

func TestTriggerIdempotencyKeyReturnsCachedRun(t *testing.T) {
	s := newTestServer(t)
	s.setupEnv()
	first := s.triggerRun(map[string]any{"idempotencyKey": "k1"})

	var resp triggerResponse
	body := map[string]any{"taskIdentifier": "send-email", "environmentId": "dev1", "idempotencyKey": "k1"}
	if got := s.do("POST", "/engine/v1/runs", body, &resp); got != http.StatusOK {
		t.Fatalf("status = %d, want 200", got)
	}
	if !resp.Cached || resp.Run.ID != first.ID {
		t.Errorf("cached = %v run = %s, want cached run %s", resp.Cached, resp.Run.ID, first.ID)
	}
}

func TestStaleSnapshotRejected(t *testing.T) {
	s := newTestServer(t)
	s.setupEnv()
	run := s.triggerRun(nil)
	runs := s.dequeueRuns()
	dequeued := runs[0].Snapshot
	if got := s.do("POST", snapshotPath(run, dequeued, "/attempts/start"), nil, nil); got != http.StatusOK {
		t.Fatalf("start status = %d, want 200", got)
	}

	var body errorResponse
	got := s.do("POST", snapshotPath(run, dequeued, "/heartbeat"), nil, &body)
	if got != http.StatusConflict {
		t.Errorf("status = %d, want 409", got)
	}
	if body.Code != CodeStaleSnapshot || !body.Retryable {
		t.Errorf("code = %q retryable = %v, want %q retryable", body.Code, body.Retryable, CodeStaleSnapshot)
	}
}

func TestErrorEnvelope(t *testing.T) {
	s := newTestServer(t)
	s.setupEnv()
	unknownRun := model.ToFriendlyID(model.EntityRun, model.NewInternalID())

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"wrong entity prefix", "GET", "/engine/v1/runs/waitpoint_" + model.NewInternalID(), nil, http.StatusBadRequest, CodeValidation},
		{"malformed id", "GET", "/engine/v1/runs/run_0OIl", nil, http.StatusBadRequest, CodeValidation},
		{"unknown run", "GET", "/engine/v1/runs/" + unknownRun + "/snapshots/latest", nil, http.StatusNotFound, CodeNotFound},
		{"missing task", "POST", "/engine/v1/runs", map[string]any{"environmentId": "dev1"}, http.StatusBadRequest, CodeValidation},
		{"bad json", "POST", "/engine/v1/runs", "not an object", http.StatusBadRequest, CodeValidation},
		{"missing consumer", "GET", "/engine/v1/dev/environments/dev1/dequeue", nil, http.StatusBadRequest, CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body errorResponse
			if got := s.do(tt.method, tt.path, tt.body, &body); got != tt.status {
				t.Errorf("status = %d, want %d", got, tt.status)
			}
			if body.Code != tt.code {
				t.Errorf("code = %q, want %q", body.Code, tt.code)
			}
			if body.Error == "" {
				t.Error("error message is empty")
			}
		})
	}
}

func TestCompleteBeforeStartIsInvalidStatus(t *testing.T) {
	s := newTestServer(t)
	s.setupEnv()
	run := s.triggerRun(nil)
	runs := s.dequeueRuns()

	var body errorResponse
	got := s.do("POST", snapshotPath(run, runs[0].Snapshot, "/attempts/complete"),
		map[string]any{"completion": map[string]any{"ok": true}}, &body)
	if got != http.StatusConflict {
		t.Errorf("status = %d, want 409", got)
	}
	if body.Code != CodeInvalidStatus {
		t.Errorf("code = %q, want %q", body.Code, CodeInvalidStatus)
	}
}

func TestWaitForDurationFreezesRun(t *testing.T) {
	s := newTestServer(t)
	s.setupEnv()
	run, snap := s.startRun()

	var res engine.WaitResult
	if got := s.do("POST", snapshotPath(run, snap, "/wait/duration"), map[string]any{"duration": "1h"}, &res); got != http.StatusOK {
		t.Fatalf("wait status = %d, want 200", got)
	}
	if res.Snapshot.Status != model.StatusFrozen {
		t.Errorf("status = %s, want %s", res.Snapshot.Status, model.StatusFrozen)
	}
	if res.Waitpoint == nil || res.Waitpoint.Type != model.WaitpointDateTime {
		t.Fatalf("waitpoint = %+v, want a DATETIME waitpoint", res.Waitpoint)
	}

	var body errorResponse
	if got := s.do("POST", snapshotPath(run, res.Snapshot, "/wait/duration"), map[string]any{}, &body); got != http.StatusBadRequest {
		t.Errorf("empty wait status = %d, want 400", got)
	}
}

func TestBlockOnTokenAndComplete(t *testing.T) {
	s := newTestServer(t)
	s.setupEnv()
	run, snap := s.startRun()

	var token tokenResponse
	if got := s.do("POST", "/engine/v1/waitpoints/tokens", map[string]any{"environmentId": "dev1"}, &token); got != http.StatusCreated {
		t.Fatalf("create token status = %d, want 201", got)
	}

	block := map[string]any{"waitpointIds": []string{token.Waitpoint.FriendlyID}}
	var blocked snapshotResponse
	if got := s.do("POST", snapshotPath(run, snap, "/waitpoints/block"), block, &blocked); got != http.StatusOK {
		t.Fatalf("block status = %d, want 200", got)
	}
	if blocked.Snapshot.Status != model.StatusFrozen {
		t.Fatalf("status = %s, want %s", blocked.Snapshot.Status, model.StatusFrozen)
	}

	complete := "/engine/v1/waitpoints/tokens/" + token.Waitpoint.FriendlyID + "/complete"
	for range 2 {
		var wp model.Waitpoint
		if got := s.do("POST", complete, map[string]any{"data": map[string]any{"approved": true}}, &wp); got != http.StatusOK {
			t.Fatalf("complete token status = %d, want 200", got)
		}
		if wp.Status != model.WaitpointCompleted {
			t.Errorf("waitpoint status = %s, want %s", wp.Status, model.WaitpointCompleted)
		}
	}
	if got := s.latestStatus(run); got != model.StatusQueued {
		t.Errorf("status = %s, want %s", got, model.StatusQueued)
	}

	runs := s.dequeueRuns()
	if len(runs) != 1 {
		t.Fatalf("dequeued %d runs, want 1", len(runs))
	}
	var data engine.ExecutionData
	if got := s.do("GET", "/engine/v1/runs/"+run.FriendlyID+"/execution-data", nil, &data); got != http.StatusOK {
		t.Fatalf("execution data status = %d, want 200", got)
	}
	if len(data.CompletedWaitpoints) != 1 || data.CompletedWaitpoints[0].ID != token.Waitpoint.FriendlyID {
		t.Fatalf("completed waitpoints = %+v, want the token", data.CompletedWaitpoints)
	}
	if string(data.CompletedWaitpoints[0].Output) != `{"approved":true}` {
		t.Errorf("output = %s, want %s", data.CompletedWaitpoints[0].Output, `{"approved":true}`)
	}
}

func TestHTTPCallbackCompletesWaitpoint(t *testing.T) {
	s := newTestServer(t)
	s.setupEnv()

	var token tokenResponse
	body := map[string]any{"environmentId": "dev1", "callback": true}
	if got := s.do("POST", "/engine/v1/waitpoints/tokens", body, &token); got != http.StatusCreated {
		t.Fatalf("create token status = %d, want 201", got)
	}
	if token.CallbackURL == "" {
		t.Fatal("callbackUrl is empty")
	}

	var wp model.Waitpoint
	if got := s.do("POST", token.CallbackURL, map[string]any{"status": "paid"}, &wp); got != http.StatusOK {
		t.Fatalf("callback status = %d, want 200", got)
	}
	if wp.Status != model.WaitpointCompleted || wp.CompletedBy != model.CompletedByCallback {
		t.Errorf("waitpoint = %s by %s, want COMPLETED by callback", wp.Status, wp.CompletedBy)
	}

	var fetched model.Waitpoint
	if got := s.do("GET", "/engine/v1/waitpoints/"+token.Waitpoint.FriendlyID, nil, &fetched); got != http.StatusOK {
		t.Fatalf("get waitpoint status = %d, want 200", got)
	}
	if string(fetched.Output) != `{"status":"paid"}` {
		t.Errorf("output = %s, want %s", fetched.Output, `{"status":"paid"}`)
	}
}

func TestHTTPCallbackTooLarge(t *testing.T) {
	s := newTestServer(t)
	s.setupEnv()

	var token tokenResponse
	s.do("POST", "/engine/v1/waitpoints/tokens", map[string]any{"environmentId": "dev1", "callback": true}, &token)

	big := make([]byte, 2048)
	for i := range big {
		big[i] = 'a'
	}
	var body errorResponse
	if got := s.do("POST", token.CallbackURL, string(big), &body); got != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", got)
	}
	if body.Code != CodePayloadTooLarge {
		t.Errorf("code = %q, want %q", body.Code, CodePayloadTooLarge)
	}
}

func TestCompleteRunWaitpointRejected(t *testing.T) {
	s := newTestServer(t)
	s.setupEnv()
	parent, _ := s.startRun()

	child := s.triggerRun(map[string]any{
		"taskIdentifier":           "child-task",
		"parentRunId":              parent.FriendlyID,
		"resumeParentOnCompletion": true,
	})
	if child.AssociatedWaitpointID == "" {
		t.Fatal("child has no associated waitpoint")
	}
	if got := s.latestStatus(parent); got != model.StatusFrozen {
		t.Errorf("parent status = %s, want %s", got, model.StatusFrozen)
	}

	var body errorResponse
	path := "/engine/v1/waitpoints/tokens/" + model.ToFriendlyID(model.EntityWaitpoint, child.AssociatedWaitpointID) + "/complete"
	if got := s.do("POST", path, map[string]any{}, &body); got != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", got)
	}
	if body.Code != CodeValidation {
		t.Errorf("code = %q, want %q", body.Code, CodeValidation)
	}
}

func TestCancelRunOverHTTP(t *testing.T) {
	s := newTestServer(t)
	s.setupEnv()
	run := s.triggerRun(nil)

	var resp snapshotResponse
	if got := s.do("POST", "/engine/v1/runs/"+run.FriendlyID+"/cancel", map[string]any{"reason": "user request"}, &resp); got != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200", got)
	}
	if resp.Snapshot.Status != model.StatusCanceled {
		t.Errorf("status = %s, want %s", resp.Snapshot.Status, model.StatusCanceled)
	}
	if runs := s.dequeueRuns(); len(runs) != 0 {
		t.Errorf("dequeued %d runs after cancel, want 0", len(runs))
	}
}

func TestDeployAndDequeueFromVersion(t *testing.T) {
	s := newTestServer(t)
	s.setupEnv()
	prod := map[string]any{"id": "prod1", "organizationId": "org1", "projectId": "proj1", "type": "PRODUCTION"}
	if got := s.admin("POST", "/admin/v1/environments", prod, nil); got != http.StatusCreated {
		t.Fatalf("create environment status = %d, want 201", got)
	}

	var pending triggerResponse
	if got := s.do("POST", "/engine/v1/runs", map[string]any{"taskIdentifier": "send-email", "environmentId": "prod1"}, &pending); got != http.StatusCreated {
		t.Fatalf("trigger status = %d, want 201", got)
	}
	if pending.Run.Status != model.StatusPendingVersion {
		t.Fatalf("status = %s, want %s", pending.Run.Status, model.StatusPendingVersion)
	}

	deploy := map[string]any{
		"environmentId": "prod1",
		"version":       "20260101.1",
		"image":         "registry/app:1",
		"tasks":         []map[string]any{{"slug": "send-email", "concurrencyLimit": 5}},
	}
	var res engine.DeployResult
	if got := s.do("POST", "/engine/v1/deployments", deploy, &res); got != http.StatusCreated {
		t.Fatalf("deploy status = %d, want 201", got)
	}
	if !res.Promoted || res.Requeued != 1 {
		t.Errorf("promoted = %v requeued = %d, want true 1", res.Promoted, res.Requeued)
	}

	var deq dequeueResponse
	path := "/engine/v1/deployments/" + res.Worker.FriendlyID + "/dequeue?consumerId=c1"
	if got := s.do("GET", path, nil, &deq); got != http.StatusOK {
		t.Fatalf("dequeue status = %d, want 200", got)
	}
	if len(deq.Runs) != 1 || deq.Runs[0].Run.ID != pending.Run.ID {
		t.Fatalf("dequeued %d runs, want run %s", len(deq.Runs), pending.Run.ID)
	}
	if deq.Runs[0].Image != "registry/app:1" {
		t.Errorf("image = %q, want %q", deq.Runs[0].Image, "registry/app:1")
	}
}
