package engine_test

import (
	"testing"

	"github.com/seantiz/runengine/internal/engine"
	"github.com/seantiz/runengine/internal/model"
)

func event(runID string, status model.Status) engine.SnapshotEvent {
	return engine.SnapshotEvent{RunID: runID, Snapshot: &model.Snapshot{RunID: runID, Status: status}}
}

func TestEventBusDeliversUntilTerminal(t *testing.T) {
	b := engine.NewEventBus()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	b.Publish(event("r1", model.StatusDequeuedForExecution))
	b.Publish(event("r1", model.StatusExecuting))
	b.Publish(event("r1", model.StatusCompleted))

	var got []model.Status
	for ev := range ch {
		got = append(got, ev.Snapshot.Status)
	}
	want := []model.Status{model.StatusDequeuedForExecution, model.StatusExecuting, model.StatusCompleted}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if n := b.Subscribers("r1"); n != 0 {
		t.Errorf("Subscribers after terminal = %d, want 0", n)
	}
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	b := engine.NewEventBus()
	ch1, unsub1 := b.Subscribe("r1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("r1")
	defer unsub2()

	b.Publish(event("r1", model.StatusCanceled))

	for i, ch := range []<-chan engine.SnapshotEvent{ch1, ch2} {
		ev, ok := <-ch
		if !ok || ev.Snapshot.Status != model.StatusCanceled {
			t.Errorf("subscriber %d got %v, %v, want CANCELED", i+1, ev.Snapshot, ok)
		}
		if _, ok := <-ch; ok {
			t.Errorf("subscriber %d channel open after terminal event", i+1)
		}
	}
}

func TestEventBusUnsubscribeClosesChannel(t *testing.T) {
	b := engine.NewEventBus()
	ch, unsub := b.Subscribe("r1")
	unsub()
	unsub()

	b.Publish(event("r1", model.StatusExecuting))
	if _, ok := <-ch; ok {
		t.Error("received event after unsubscribe")
	}
	if n := b.Subscribers("r1"); n != 0 {
		t.Errorf("Subscribers = %d, want 0", n)
	}
}

func TestEventBusRunsAreIsolated(t *testing.T) {
	b := engine.NewEventBus()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	b.Publish(event("r2", model.StatusCompleted))
	select {
	case ev := <-ch:
		t.Errorf("r1 subscriber got event for %s", ev.RunID)
	default:
	}
}

func TestEventBusPublishWithoutSubscribersIsNoop(t *testing.T) {
	b := engine.NewEventBus()
	b.Publish(event("nobody", model.StatusCompleted))
	if n := b.Subscribers("nobody"); n != 0 {
		t.Errorf("Subscribers = %d, want 0", n)
	}
}
