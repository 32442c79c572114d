package events

import (
	"log/slog"
	"sync"
	"time"
)

// Lifecycle event kinds emitted by the dispatcher.
const (
	JobStart    = "job:start"
	JobComplete = "job:complete"
	JobRetry    = "job:retry"
	JobFailed   = "job:failed"
)

// Event describes one job lifecycle transition.
type Event struct {
	Kind    string    `json:"kind"`
	JobID   string    `json:"job_id"`
	JobType string    `json:"job_type"`
	Queue   string    `json:"queue"`
	Attempt int       `json:"attempt"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Bus fans lifecycle events out to subscribers. Publishing never blocks the
// dispatcher: a subscriber that falls behind loses events, not the producer.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus creates an event bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called to release the subscription; the channel is closed by cancel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer room.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("dropping lifecycle event, subscriber channel full",
				"kind", ev.Kind, "job_id", ev.JobID)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
