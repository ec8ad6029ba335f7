// Package bus is the in-process fan-out point for change events. Mutators
// publish without blocking; subscribers consume from buffered channels and
// may miss events under sustained backpressure (oldest low-priority first).
package bus

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultBufferSize = 256

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string

	mu      sync.Mutex
	queue   []Event
	notify  chan struct{}
	closed  bool
	dropped int64
}

// Events returns a channel that signals when the subscription has pending
// events; drain with Next.
func (s *Subscription) Events() <-chan struct{} { return s.notify }

// Next pops the oldest pending event. ok is false when the queue is empty.
func (s *Subscription) Next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// push enqueues ev, evicting the oldest low-priority event when full. A
// high-priority event displaces low-priority backlog; a low-priority event
// arriving at a full queue of high-priority events is dropped itself.
func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= defaultBufferSize {
		evicted := false
		for i, pending := range s.queue {
			if pending.Priority == PriorityLow {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				s.dropped++
				evicted = true
				break
			}
		}
		if !evicted {
			if ev.Priority == PriorityLow {
				s.dropped++
				return
			}
			s.queue = s.queue[1:]
			s.dropped++
		}
	}
	s.queue = append(s.queue, ev)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Bus is a simple in-process pub/sub bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe creates a subscription for events matching the given topic
// prefix. An empty prefix matches all topics.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		notify: make(chan struct{}, 1),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		sub.mu.Lock()
		sub.closed = true
		sub.mu.Unlock()
	}
}

// Publish stamps and delivers an event to all matching subscribers without
// blocking the caller.
func (b *Bus) Publish(topic string, taskID int64, actor string, summary map[string]any) Event {
	ev := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		TaskID:    taskID,
		Actor:     actor,
		Summary:   summary,
		Timestamp: time.Now().UTC(),
		Priority:  topicPriority(topic),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			sub.push(ev)
		}
	}
	return ev
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
