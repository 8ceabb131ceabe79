package events

import (
	"sync"

	"github.com/LyKhan77/protoscale/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Bus manages per-job event streaming to subscribers. It is safe for
// concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a job reaches a terminal status) receive a closed channel
// instead of blocking forever. Each marker is a few bytes, which is
// acceptable for the expected job volume.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan model.Event
	nextID int
	closed bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives events for the given job and an
// unsubscribe function. If the job has already finished (Close was called),
// the returned channel is immediately closed.
func (b *Bus) Subscribe(jobID string) (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[int]chan model.Event)}
		b.topics[jobID] = t
	}

	ch := make(chan model.Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish delivers an event to all subscribers of the given job.
// Events are dropped for subscribers whose buffers are full.
func (b *Bus) Publish(jobID string, ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		return
	}
	if t.closed {
		if ev.Status.Terminal() {
			return
		}
		// The job was re-queued after reaching a terminal status.
		// Reopen the topic so new subscribers can stream the retry.
		t.closed = false
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking publishers.
		}
	}
}

// Close signals that no more events will be published for the given job.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel, until a non-terminal event is published again (a job
// retry), which reopens the topic.
func (b *Bus) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[jobID] = &topic{subs: make(map[int]chan model.Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Drop removes a topic entirely, open or closed. Used when a job is deleted
// so a recreated job with the same ID starts with a fresh topic.
func (b *Bus) Drop(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	delete(b.topics, jobID)
}
