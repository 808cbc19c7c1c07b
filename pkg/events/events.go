// Package events is the kernel's in-process pub/sub bus. Unlike a
// broadcast broker, each topic delivers every event to exactly one
// subscriber: concurrent consumers on "nudges" compete for work rather
// than each seeing a copy of it.
package events

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one message carried on a topic.
type Event struct {
	ID        string
	Topic     string
	Timestamp time.Time
	Payload   map[string]any
}

// NewEvent builds an Event with a fresh ID and the current time.
func NewEvent(topic string, payload map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

type queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   *list.List
	closed  bool
}

func newQueue() *queue {
	q := &queue{items: list.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items.PushBack(e)
	q.cond.Signal()
}

// pop blocks until an item is available or the queue is closed. The
// second return value is false only when the queue is closed and empty.
func (q *queue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.items.Len() == 0 {
		return Event{}, false
	}
	front := q.items.Front()
	q.items.Remove(front)
	return front.Value.(Event), true
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Bus is an unbounded, per-topic, competing-consumers event bus. No
// event is dropped while at least one consumer keeps draining its
// topic: the internal queue grows instead of overwriting.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*queue
	closed bool
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{topics: make(map[string]*queue)}
}

func (b *Bus) topicQueue(topic string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.topics[topic]
	if !ok {
		q = newQueue()
		b.topics[topic] = q
	}
	return q
}

// Publish enqueues an event on its topic. It never blocks on a
// subscriber and never drops the event.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.topicQueue(e.Topic).push(e)
}

// Subscribe returns a channel fed by a background goroutine that pops
// events for topic one at a time, and a cancel func that stops feeding
// the channel and releases the goroutine. Multiple subscribers on the
// same topic divide the stream between them; no event reaches more than
// one subscriber.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	q := b.topicQueue(topic)
	out := make(chan Event)
	stop := make(chan struct{})
	var once sync.Once

	go func() {
		defer close(out)
		for {
			e, ok := q.pop()
			if !ok {
				return
			}
			// Check for cancellation first so an event popped after
			// cancel is requeued rather than raced against a reader.
			select {
			case <-stop:
				q.mu.Lock()
				q.items.PushFront(e)
				q.mu.Unlock()
				q.cond.Signal()
				return
			default:
			}
			select {
			case out <- e:
			case <-stop:
				// Put the event back so another subscriber can take it.
				q.mu.Lock()
				q.items.PushFront(e)
				q.mu.Unlock()
				q.cond.Signal()
				return
			}
		}
	}()

	cancel := func() {
		once.Do(func() { close(stop) })
	}
	return out, cancel
}

// Close shuts down every topic queue, unblocking any subscriber
// goroutines still waiting on pop().
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, q := range b.topics {
		q.close()
	}
}
