package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestWorker(t *testing.T) (*Worker, *testClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	w := New(client, Options{Prefix: "test:", Concurrency: 4, MaxAttempts: 3, Now: clock.Now},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return w, clock, mr
}

func TestProcessDueRunsOnlyDueJobs(t *testing.T) {
	w, clock, _ := newTestWorker(t)
	ctx := context.Background()

	var got []string
	var mu sync.Mutex
	w.Register("echo", func(ctx context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(job.Payload))
		return nil
	})

	if err := w.Schedule(ctx, Job{ID: "a", Type: "echo", Payload: []byte(`"a"`), RunAt: clock.Now()}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := w.Schedule(ctx, Job{ID: "b", Type: "echo", Payload: []byte(`"b"`), RunAt: clock.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	n, err := w.ProcessDue(ctx)
	if err != nil {
		t.Fatalf("ProcessDue: %v", err)
	}
	if n != 1 || len(got) != 1 || got[0] != `"a"` {
		t.Fatalf("ran %d jobs %v, want only a", n, got)
	}

	clock.Advance(time.Minute)
	if n, _ := w.ProcessDue(ctx); n != 1 {
		t.Errorf("second ProcessDue ran %d, want 1", n)
	}
	if n, _ := w.ProcessDue(ctx); n != 0 {
		t.Errorf("third ProcessDue ran %d, want 0", n)
	}
}

func TestScheduleSameIDReplaces(t *testing.T) {
	w, clock, _ := newTestWorker(t)
	ctx := context.Background()

	var runs atomic.Int32
	w.Register("tick", func(ctx context.Context, job Job) error {
		runs.Add(1)
		return nil
	})

	w.Schedule(ctx, Job{ID: "same", Type: "tick", RunAt: clock.Now()})
	w.Schedule(ctx, Job{ID: "same", Type: "tick", RunAt: clock.Now().Add(10 * time.Second)})

	if n, _ := w.ProcessDue(ctx); n != 0 {
		t.Fatalf("ProcessDue ran %d, want 0 after moving the job later", n)
	}
	clock.Advance(10 * time.Second)
	w.ProcessDue(ctx)
	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runs.Load())
	}
}

func TestRescheduleAndCancel(t *testing.T) {
	w, clock, _ := newTestWorker(t)
	ctx := context.Background()

	ok, err := w.Reschedule(ctx, "missing", clock.Now())
	if err != nil || ok {
		t.Fatalf("Reschedule(missing) = %v, %v, want false, nil", ok, err)
	}

	w.Schedule(ctx, Job{ID: "j", Type: "x", RunAt: clock.Now()})
	later := clock.Now().Add(time.Hour)
	ok, err = w.Reschedule(ctx, "j", later)
	if err != nil || !ok {
		t.Fatalf("Reschedule(j) = %v, %v, want true, nil", ok, err)
	}
	at, ok, err := w.Scheduled(ctx, "j")
	if err != nil || !ok || !at.Equal(later) {
		t.Fatalf("Scheduled = %v, %v, %v, want %v", at, ok, err, later)
	}

	if err := w.Cancel(ctx, "j"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, ok, _ := w.Scheduled(ctx, "j"); ok {
		t.Error("job still scheduled after Cancel")
	}
}

func TestFailedJobRetriesWithBackoff(t *testing.T) {
	w, clock, _ := newTestWorker(t)
	ctx := context.Background()

	var attempts []int
	w.Register("flaky", func(ctx context.Context, job Job) error {
		attempts = append(attempts, job.Attempt)
		return errors.New("boom")
	})
	w.Schedule(ctx, Job{ID: "f", Type: "flaky", RunAt: clock.Now()})

	w.ProcessDue(ctx)
	at, ok, _ := w.Scheduled(ctx, "f")
	if !ok {
		t.Fatal("failed job not rescheduled")
	}
	if want := clock.Now().Add(Backoff(0)); !at.Equal(want.Truncate(time.Millisecond)) {
		t.Errorf("retry at %v, want %v", at, want)
	}

	clock.Advance(time.Minute)
	w.ProcessDue(ctx)
	clock.Advance(time.Minute)
	w.ProcessDue(ctx)

	if len(attempts) != 3 || attempts[2] != 2 {
		t.Fatalf("attempts = %v, want [0 1 2]", attempts)
	}
	if _, ok, _ := w.Scheduled(ctx, "f"); ok {
		t.Error("job still scheduled after max attempts")
	}
}

func TestJobRescheduledWhileRunningSurvives(t *testing.T) {
	w, clock, mr := newTestWorker(t)
	ctx := context.Background()

	w.Register("self", func(ctx context.Context, job Job) error {
		return w.Schedule(ctx, Job{ID: job.ID, Type: job.Type, RunAt: clock.Now().Add(time.Second)})
	})
	w.Schedule(ctx, Job{ID: "s", Type: "self", RunAt: clock.Now()})
	w.ProcessDue(ctx)

	if _, ok, _ := w.Scheduled(ctx, "s"); !ok {
		t.Fatal("job scheduled from its own handler was dropped")
	}
	if !mr.Exists("test:jobs:data:s") {
		t.Error("job data deleted for a rescheduled job")
	}
}

func TestExpiredClaimBecomesDue(t *testing.T) {
	w, clock, _ := newTestWorker(t)
	ctx := context.Background()

	// Claim without running, as a crashed process would.
	now := clock.Now()
	ids, err := claimScript.Run(ctx, w.client, []string{w.queueKey(), w.inflightKey()},
		now.UnixMilli(), now.Add(w.opts.VisibilityTimeout).UnixMilli(), 10).StringSlice()
	if err != nil || len(ids) != 0 {
		t.Fatalf("empty claim = %v, %v", ids, err)
	}
	w.Schedule(ctx, Job{ID: "c", Type: "noop", RunAt: now})
	claimScript.Run(ctx, w.client, []string{w.queueKey(), w.inflightKey()},
		now.UnixMilli(), now.Add(w.opts.VisibilityTimeout).UnixMilli(), 10)

	var ran atomic.Bool
	w.Register("noop", func(ctx context.Context, job Job) error {
		ran.Store(true)
		return nil
	})
	if n, _ := w.ProcessDue(ctx); n != 0 {
		t.Fatalf("ProcessDue ran %d while claim held, want 0", n)
	}
	clock.Advance(w.opts.VisibilityTimeout + time.Millisecond)
	w.ProcessDue(ctx)
	if !ran.Load() {
		t.Error("expired claim was not run again")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	w := New(client, Options{PollInterval: 10 * time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan struct{})
	w.Register("ping", func(ctx context.Context, job Job) error {
		close(done)
		return nil
	})
	w.Schedule(context.Background(), Job{ID: "p", Type: "ping", RunAt: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job not run by Run")
	}
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1125 * time.Millisecond},
		{1, 2250 * time.Millisecond},
		{3, 9 * time.Second},
		{10, time.Minute + 7500*time.Millisecond},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
