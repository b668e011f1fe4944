package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Task lifecycle topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskRetrying     = "task.retrying"
	TopicTaskDeadLetter   = "task.dead_letter"
	TopicTaskCancelled    = "task.cancelled"
	TopicLeaseReclaimed   = "lease.reclaimed"
	TopicToolCall         = "tool.call"
)

// TaskStateChangedEvent is published on every accepted task transition.
type TaskStateChangedEvent struct {
	TaskID    string // Task ID
	FromState string // Previous state (e.g. QUEUED)
	ToState   string // New state (e.g. RUNNING)
	Version   int64  // Version after the transition
	Actor     string // Who drove the transition (scheduler, worker id, ...)
}

// TaskRetryingEvent is published when a transient failure is requeued.
type TaskRetryingEvent struct {
	TaskID      string
	Attempt     int
	MaxAttempts int
	DelayMs     int64
	Reason      string
}

// LeaseReclaimedEvent is published when a sweep reclaims an expired lease.
type LeaseReclaimedEvent struct {
	TaskID string
	Owner  string // previous owner
}

// ToolCallEvent is published for every delegated call through the gateway.
type ToolCallEvent struct {
	TaskID   string
	Target   string
	Sequence int64
	Status   string
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
// It carries observability events only; the broker, not the bus, carries
// work dispatch.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss
// events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
