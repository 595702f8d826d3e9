package engine

import (
	"sync"

	"github.com/seantiz/runengine/internal/model"
)

// subscriberBufferSize is the channel buffer for each snapshot subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// SnapshotEvent announces a new latest snapshot of a run.
type SnapshotEvent struct {
	RunID    string          `json:"runId"`
	Snapshot *model.Snapshot `json:"snapshot"`
}

// EventBus fans snapshot changes out to per-run subscribers. It is safe for
// concurrent use.
//
// A terminal snapshot closes every subscriber of the run and drops the topic.
// Subscribers should subscribe before reading the latest snapshot, so a run
// that finishes in between is still observed.
type EventBus struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan SnapshotEvent
	nextID int
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{topics: make(map[string]*topic)}
}

// Subscribe returns a channel of snapshot events for runID and an unsubscribe
// function. The channel is closed after the run's terminal snapshot.
func (b *EventBus) Subscribe(runID string) (<-chan SnapshotEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &topic{subs: make(map[int]chan SnapshotEvent)}
		b.topics[runID] = t
	}

	ch := make(chan SnapshotEvent, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		c, ok := t.subs[id]
		if !ok {
			return
		}
		delete(t.subs, id)
		close(c)
		if len(t.subs) == 0 && b.topics[runID] == t {
			delete(b.topics, runID)
		}
	}
}

// Publish sends ev to every subscriber of its run.
func (b *EventBus) Publish(ev SnapshotEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.RunID]
	if !ok {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; it can refetch the latest snapshot.
		}
	}

	if ev.Snapshot.Status.IsTerminal() {
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
		delete(b.topics, ev.RunID)
	}
}

// Subscribers returns the number of subscribers of runID.
func (b *EventBus) Subscribers(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[runID]; ok {
		return len(t.subs)
	}
	return 0
}
