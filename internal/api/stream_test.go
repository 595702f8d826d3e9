package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/runengine/internal/engine"
	"github.com/seantiz/runengine/internal/model"
)

type sseEvent struct {
	name string
	data string
}

// readEvents reads SSE events until the stream ends or n events arrived.
func readEvents(t *testing.T, resp *http.Response, n int) []sseEvent {
	t.Helper()
	var events []sseEvent
	scanner := bufio.NewScanner(resp.Body)
	for len(events) < n {
		ev := readUntilBlank(scanner)
		if ev.name == "" {
			break
		}
		events = append(events, ev)
	}
	return events
}

func snapshotOf(t *testing.T, ev sseEvent) *model.Snapshot {
	t.Helper()
	if ev.name != "snapshot" {
		t.Fatalf("event = %q, want snapshot", ev.name)
	}
	var snap model.Snapshot
	if err := json.Unmarshal([]byte(ev.data), &snap); err != nil {
		t.Fatalf("decode snapshot event: %v", err)
	}
	return &snap
}

func TestStreamSnapshotsNotFound(t *testing.T) {
	s := newTestServer(t)

	var body errorResponse
	path := "/engine/v1/runs/" + model.ToFriendlyID(model.EntityRun, model.NewInternalID()) + "/snapshots/stream"
	if got := s.do("GET", path, nil, &body); got != http.StatusNotFound {
		t.Errorf("status = %d, want 404", got)
	}
}

func TestStreamSnapshotsTerminalRun(t *testing.T) {
	s := newTestServer(t)
	s.setupEnv()
	run := s.triggerRun(nil)
	if _, err := s.eng.CancelRun(context.Background(), run.ID, ""); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}

	resp, err := http.Get(s.ts.URL + "/engine/v1/runs/" + run.FriendlyID + "/snapshots/stream")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	events := readEvents(t, resp, 10)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if snap := snapshotOf(t, events[0]); snap.Status != model.StatusCanceled {
		t.Errorf("status = %s, want %s", snap.Status, model.StatusCanceled)
	}
	if events[1].name != "done" {
		t.Errorf("last event = %q, want done", events[1].name)
	}
}

func TestStreamSnapshotsFollowsTransitions(t *testing.T) {
	s := newTestServer(t)
	s.setupEnv()
	run := s.triggerRun(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", s.ts.URL+"/engine/v1/runs/"+run.FriendlyID+"/snapshots/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	first := readUntilBlank(scanner)
	if snap := snapshotOf(t, first); snap.Status != model.StatusQueued {
		t.Fatalf("first status = %s, want %s", snap.Status, model.StatusQueued)
	}

	// The handler has subscribed once the first event is written.
	bg := context.Background()
	runs, err := s.eng.DequeueFromEnvironment(bg, "c1", "dev1", 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("DequeueFromEnvironment = %d runs, %v", len(runs), err)
	}
	data, err := s.eng.StartRunAttempt(bg, run.ID, runs[0].Snapshot.ID)
	if err != nil {
		t.Fatalf("StartRunAttempt: %v", err)
	}
	if _, err := s.eng.CompleteRunAttempt(bg, run.ID, data.Snapshot.ID, engine.Completion{OK: true}); err != nil {
		t.Fatalf("CompleteRunAttempt: %v", err)
	}

	want := []model.Status{model.StatusDequeuedForExecution, model.StatusExecuting, model.StatusCompleted}
	for _, status := range want {
		if snap := snapshotOf(t, readUntilBlank(scanner)); snap.Status != status {
			t.Errorf("status = %s, want %s", snap.Status, status)
		}
	}
	if ev := readUntilBlank(scanner); ev.name != "done" {
		t.Errorf("last event = %q, want done", ev.name)
	}
}

func readUntilBlank(scanner *bufio.Scanner) sseEvent {
	var ev sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			return ev
		}
	}
	return ev
}
