package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/runengine/internal/model"
)

func makeTestWaitpoint(typ model.WaitpointType) *model.Waitpoint {
	id, friendly := model.NewFriendlyID(model.EntityWaitpoint)
	return &model.Waitpoint{
		ID:            id,
		FriendlyID:    friendly,
		Type:          typ,
		Status:        model.WaitpointPending,
		EnvironmentID: "env_1",
		ProjectID:     "proj_1",
		CreatedAt:     time.Now().UTC(),
	}
}

func TestCompleteWaitpointIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	w := makeTestWaitpoint(model.WaitpointManual)
	if err := s.CreateWaitpoint(ctx, w); err != nil {
		t.Fatalf("CreateWaitpoint: %v", err)
	}

	first := WaitpointCompletion{
		By:          model.CompletedByAPI,
		Output:      json.RawMessage(`{"approved":true}`),
		OutputType:  "application/json",
		CompletedAt: time.Now().UTC(),
	}
	got, completed, err := s.CompleteWaitpoint(ctx, w.ID, first)
	if err != nil {
		t.Fatalf("CompleteWaitpoint: %v", err)
	}
	if !completed {
		t.Error("completed = false on first call, want true")
	}
	if got.Status != model.WaitpointCompleted {
		t.Errorf("Status = %q, want %q", got.Status, model.WaitpointCompleted)
	}

	second := first
	second.Output = json.RawMessage(`{"approved":false}`)
	got, completed, err = s.CompleteWaitpoint(ctx, w.ID, second)
	if err != nil {
		t.Fatalf("second CompleteWaitpoint: %v", err)
	}
	if completed {
		t.Error("completed = true on second call, want false")
	}
	if string(got.Output) != `{"approved":true}` {
		t.Errorf("Output = %s, want original output", got.Output)
	}
}

func TestCompleteWaitpointNotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.CompleteWaitpoint(context.Background(), "missing", WaitpointCompletion{By: model.CompletedByAPI, CompletedAt: time.Now()})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteWaitpoint error = %v, want ErrNotFound", err)
	}
}

func TestWaitpointIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w1 := makeTestWaitpoint(model.WaitpointManual)
	w1.IdempotencyKey = "approve-1"
	if err := s.CreateWaitpoint(ctx, w1); err != nil {
		t.Fatalf("CreateWaitpoint: %v", err)
	}
	w2 := makeTestWaitpoint(model.WaitpointManual)
	w2.IdempotencyKey = "approve-1"
	if err := s.CreateWaitpoint(ctx, w2); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate CreateWaitpoint error = %v, want ErrDuplicate", err)
	}

	found, err := s.FindWaitpointByIdempotencyKey(ctx, "env_1", "approve-1")
	if err != nil {
		t.Fatalf("FindWaitpointByIdempotencyKey: %v", err)
	}
	if found.ID != w1.ID {
		t.Errorf("found = %s, want %s", found.ID, w1.ID)
	}

	if err := s.ClearWaitpointIdempotencyKey(ctx, w1.ID); err != nil {
		t.Fatalf("ClearWaitpointIdempotencyKey: %v", err)
	}
	if err := s.CreateWaitpoint(ctx, w2); err != nil {
		t.Fatalf("CreateWaitpoint after rotation: %v", err)
	}
}

func TestRunWaitpointLinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w1 := makeTestWaitpoint(model.WaitpointManual)
	w2 := makeTestWaitpoint(model.WaitpointDateTime)
	for _, w := range []*model.Waitpoint{w1, w2} {
		if err := s.CreateWaitpoint(ctx, w); err != nil {
			t.Fatalf("CreateWaitpoint: %v", err)
		}
	}

	now := time.Now().UTC()
	links := []model.RunWaitpoint{
		{RunID: "run_a", WaitpointID: w1.ID, ProjectID: "proj_1", OrganizationID: "org_1", CreatedAt: now},
		{RunID: "run_a", WaitpointID: w2.ID, ProjectID: "proj_1", OrganizationID: "org_1", CreatedAt: now},
		{RunID: "run_b", WaitpointID: w1.ID, ProjectID: "proj_1", OrganizationID: "org_1", CreatedAt: now},
	}
	if err := s.AddRunWaitpoints(ctx, links); err != nil {
		t.Fatalf("AddRunWaitpoints: %v", err)
	}
	// Re-adding is a no-op.
	if err := s.AddRunWaitpoints(ctx, links[:1]); err != nil {
		t.Fatalf("AddRunWaitpoints again: %v", err)
	}

	wps, err := s.ListRunWaitpoints(ctx, "run_a")
	if err != nil {
		t.Fatalf("ListRunWaitpoints: %v", err)
	}
	if len(wps) != 2 {
		t.Errorf("run_a waitpoints = %d, want 2", len(wps))
	}

	blocked, err := s.ListBlockedRunIDs(ctx, w1.ID)
	if err != nil {
		t.Fatalf("ListBlockedRunIDs: %v", err)
	}
	if len(blocked) != 2 || blocked[0] != "run_a" || blocked[1] != "run_b" {
		t.Errorf("blocked = %v, want [run_a run_b]", blocked)
	}

	if err := s.DeleteRunWaitpoints(ctx, "run_a"); err != nil {
		t.Fatalf("DeleteRunWaitpoints: %v", err)
	}
	wps, _ = s.ListRunWaitpoints(ctx, "run_a")
	if len(wps) != 0 {
		t.Errorf("run_a waitpoints after delete = %d, want 0", len(wps))
	}

	got, err := s.GetWaitpoints(ctx, []string{w1.ID, w2.ID, "missing"})
	if err != nil {
		t.Fatalf("GetWaitpoints: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("GetWaitpoints = %d, want 2", len(got))
	}
}
