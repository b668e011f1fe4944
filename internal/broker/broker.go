// Package broker is the delivery channel between the scheduler and the
// executor pool. It carries disposable pointers to tasks, not task state:
// at-least-once semantics, with redelivery on nack and a dead-letter hand
// off once a message has been delivered too many times.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned from Publish and Consume after Close.
var ErrClosed = errors.New("broker closed")

// Message is the unit of work the broker carries. Only a pointer into the
// task store; the store is the source of truth.
type Message struct {
	TaskID  string
	Attempt int
}

// Delivery is one handoff of a message to a consumer. The token ties the
// consumer's ack or nack to this specific delivery.
type Delivery struct {
	Message
	Token       string
	Redelivered bool
	Deliveries  int
}

// DeadLetterFunc receives messages that exceeded the redelivery ceiling.
// Called outside the broker lock.
type DeadLetterFunc func(msg Message, deliveries int)

// Queue is an in-process at-least-once message queue. Acks are idempotent;
// an unacked delivery can be nacked back for redelivery, optionally after a
// delay.
type Queue struct {
	logger        *slog.Logger
	maxDeliveries int
	deadLetter    DeadLetterFunc

	mu       sync.Mutex
	ch       chan Delivery
	done     chan struct{}
	inflight map[string]*inflightEntry
	counts   map[string]int
	timers   map[string]*time.Timer
	closed   bool
}

type inflightEntry struct {
	msg Message
}

// Option configures a Queue.
type Option func(*Queue)

// WithDeadLetter installs the sink for messages past the redelivery ceiling.
func WithDeadLetter(f DeadLetterFunc) Option {
	return func(q *Queue) { q.deadLetter = f }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// SetDeadLetter installs the sink after construction. The queue is built
// before the scheduler that consumes its dead letters.
func (q *Queue) SetDeadLetter(f DeadLetterFunc) {
	q.mu.Lock()
	q.deadLetter = f
	q.mu.Unlock()
}

// New builds a queue with the given buffer depth and redelivery ceiling.
func New(depth, maxDeliveries int, opts ...Option) *Queue {
	if depth <= 0 {
		depth = 1024
	}
	if maxDeliveries <= 0 {
		maxDeliveries = 5
	}
	q := &Queue{
		logger:        slog.Default(),
		maxDeliveries: maxDeliveries,
		ch:            make(chan Delivery, depth),
		done:          make(chan struct{}),
		inflight:      make(map[string]*inflightEntry),
		counts:        make(map[string]int),
		timers:        make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Publish enqueues a message for delivery. A fresh publish resets the
// delivery count: redelivery accounting is per queue residency, not per
// task lifetime.
func (q *Queue) Publish(msg Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.counts[msg.TaskID] = 0
	q.mu.Unlock()
	return q.deliver(msg, false)
}

func (q *Queue) deliver(msg Message, redelivered bool) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.counts[msg.TaskID]++
	deliveries := q.counts[msg.TaskID]
	if deliveries > q.maxDeliveries {
		delete(q.counts, msg.TaskID)
		sink := q.deadLetter
		q.mu.Unlock()
		q.logger.Warn("message exceeded redelivery ceiling",
			"task_id", msg.TaskID,
			"deliveries", deliveries-1,
			"max_deliveries", q.maxDeliveries)
		if sink != nil {
			sink(msg, deliveries-1)
		}
		return nil
	}
	d := Delivery{
		Message:     msg,
		Token:       uuid.NewString(),
		Redelivered: redelivered,
		Deliveries:  deliveries,
	}
	q.inflight[d.Token] = &inflightEntry{msg: msg}
	ch := q.ch
	q.mu.Unlock()

	select {
	case ch <- d:
		return nil
	default:
		// Buffer full. Drop the delivery; reconciliation republishes
		// anything that goes quiet in QUEUED.
		q.mu.Lock()
		delete(q.inflight, d.Token)
		q.counts[msg.TaskID]--
		q.mu.Unlock()
		q.logger.Warn("queue buffer full, dropping delivery", "task_id", msg.TaskID)
		return nil
	}
}

// Consume blocks for the next delivery or until ctx is done. Deliveries
// already buffered when the queue closes are still handed out.
func (q *Queue) Consume(ctx context.Context) (Delivery, error) {
	select {
	case d := <-q.ch:
		return d, nil
	default:
	}
	select {
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case <-q.done:
		return Delivery{}, ErrClosed
	case d := <-q.ch:
		return d, nil
	}
}

// Ack settles a delivery. Acking an unknown or already-settled token is a
// no-op: consumers may ack duplicates freely.
func (q *Queue) Ack(token string) {
	q.mu.Lock()
	entry, ok := q.inflight[token]
	if ok {
		delete(q.inflight, token)
		delete(q.counts, entry.msg.TaskID)
	}
	q.mu.Unlock()
}

// Nack returns a delivery to the queue for redelivery after delay. Nacking
// a settled token is a no-op.
func (q *Queue) Nack(token string, delay time.Duration) {
	q.mu.Lock()
	entry, ok := q.inflight[token]
	if !ok || q.closed {
		q.mu.Unlock()
		return
	}
	delete(q.inflight, token)
	msg := entry.msg

	if delay <= 0 {
		q.mu.Unlock()
		_ = q.deliver(msg, true)
		return
	}
	timer := time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, msg.TaskID+token)
		q.mu.Unlock()
		_ = q.deliver(msg, true)
	})
	q.timers[msg.TaskID+token] = timer
	q.mu.Unlock()
}

// InflightCount reports deliveries handed out but not yet settled.
func (q *Queue) InflightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Close stops the queue. Pending delayed redeliveries are cancelled and
// blocked consumers wake with ErrClosed. The delivery channel itself is
// never closed: a publish or a fired nack timer racing Close must not be
// able to send on a closed channel.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, t := range q.timers {
		t.Stop()
	}
	q.timers = map[string]*time.Timer{}
	close(q.done)
	q.mu.Unlock()
}
