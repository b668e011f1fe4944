// Package scheduler owns the task lifecycle: it admits submissions, decides
// retry versus terminal failure for every finished attempt, and runs the
// reconciliation sweeps that pick up work lost to crashes and dropped
// messages.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/robfig/cron/v3"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/harborloop/taskmill/internal/broker"
	"github.com/harborloop/taskmill/internal/bus"
	"github.com/harborloop/taskmill/internal/executor"
	"github.com/harborloop/taskmill/internal/shared"
	"github.com/harborloop/taskmill/internal/store"
)

// ErrInvalidPayload means the submitted payload failed schema validation.
var ErrInvalidPayload = errors.New("payload rejected by schema")

// A task failing the same way this many attempts in a row is a poison pill
// and fails early instead of burning its remaining budget.
const poisonThreshold = 3

// Config tunes the scheduler.
type Config struct {
	DefaultMaxAttempts int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	ReconcileInterval  time.Duration
	PendingStaleness   time.Duration
	QueuedStaleness    time.Duration
	StatusCacheSize    int
	StatusCacheTTL     time.Duration
	ScheduleTick       time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 15 * time.Second
	}
	if c.PendingStaleness <= 0 {
		c.PendingStaleness = 30 * time.Second
	}
	if c.QueuedStaleness <= 0 {
		c.QueuedStaleness = time.Minute
	}
	if c.StatusCacheSize <= 0 {
		c.StatusCacheSize = 1024
	}
	if c.StatusCacheTTL <= 0 {
		c.StatusCacheTTL = 500 * time.Millisecond
	}
	if c.ScheduleTick <= 0 {
		c.ScheduleTick = time.Minute
	}
}

// Scheduler admits, settles, and reconciles tasks.
type Scheduler struct {
	store  *store.Store
	queue  *broker.Queue
	events *bus.Bus
	logger *slog.Logger
	cfg    Config

	payloadSchema *jsonschema.Schema
	statusCache   *expirable.LRU[string, *store.Record]
	cacheSub      *bus.Subscription
	cronParser    cron.Parser
}

// New wires a scheduler. events may be nil; payloadSchemaPath may be empty
// to skip payload validation.
func New(st *store.Store, queue *broker.Queue, events *bus.Bus, logger *slog.Logger, cfg Config, payloadSchemaPath string) (*Scheduler, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:  st,
		queue:  queue,
		events: events,
		logger: logger.With("component", "scheduler"),
		cfg:    cfg,
		statusCache: expirable.NewLRU[string, *store.Record](
			cfg.StatusCacheSize, nil, cfg.StatusCacheTTL),
		cronParser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
	if payloadSchemaPath != "" {
		compiler := jsonschema.NewCompiler()
		schema, err := compiler.Compile(payloadSchemaPath)
		if err != nil {
			return nil, fmt.Errorf("compile payload schema: %w", err)
		}
		s.payloadSchema = schema
	}

	// Any store writer, not just this scheduler, publishes transitions on
	// the bus. Drop the cached snapshot on each one so Status never serves
	// a state it already knows is stale; the TTL bounds the window for any
	// event the bus sheds under load.
	if events != nil {
		s.cacheSub = events.Subscribe(bus.TopicTaskStateChanged)
		go func() {
			for ev := range s.cacheSub.Ch() {
				if e, ok := ev.Payload.(bus.TaskStateChangedEvent); ok {
					s.statusCache.Remove(e.TaskID)
				}
			}
		}()
	}
	return s, nil
}

// Close detaches the scheduler from the event bus.
func (s *Scheduler) Close() {
	if s.events != nil && s.cacheSub != nil {
		s.events.Unsubscribe(s.cacheSub)
	}
}

// Submit admits a payload as a new task and enqueues it. The task is
// created PENDING first; if the broker publish fails it stays PENDING and
// the reconciliation sweep enqueues it later.
func (s *Scheduler) Submit(ctx context.Context, payload string, maxAttempts int) (*store.Record, error) {
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.DefaultMaxAttempts
	}
	if s.payloadSchema != nil {
		inst, err := jsonschema.UnmarshalJSON(strings.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if err := s.payloadSchema.Validate(inst); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}

	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = shared.NewTraceID()
		ctx = shared.WithTraceID(ctx, traceID)
	}

	task, err := s.store.CreateTask(ctx, payload, maxAttempts)
	if err != nil {
		return nil, err
	}
	if err := s.queue.Publish(broker.Message{TaskID: task.ID}); err != nil {
		s.logger.Warn("publish failed, task stays pending for reconciliation",
			"task_id", task.ID, "error", err)
		return task, nil
	}
	queued, err := s.store.Apply(ctx, store.Transition{
		TaskID:      task.ID,
		FromVersion: task.Version,
		To:          store.StateQueued,
		Reason:      store.ReasonEnqueued,
	})
	if err != nil {
		// Cancel raced us; the delivery will be dropped as a duplicate.
		if errors.Is(err, store.ErrTerminalState) || errors.Is(err, store.ErrVersionConflict) {
			return s.store.GetTask(ctx, task.ID)
		}
		return nil, err
	}
	s.logger.Info("task submitted",
		"task_id", queued.ID,
		"trace_id", traceID,
		"max_attempts", queued.MaxAttempts)
	return queued, nil
}

// Status returns a recent snapshot of a task. Snapshots are cached briefly,
// so a read may trail the store by up to the cache TTL.
func (s *Scheduler) Status(ctx context.Context, taskID string) (*store.Record, error) {
	if cached, ok := s.statusCache.Get(taskID); ok {
		return cached, nil
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.statusCache.Add(taskID, task)
	return task, nil
}

// History returns the full transition log of a task.
func (s *Scheduler) History(ctx context.Context, taskID string) ([]store.HistoryEntry, error) {
	return s.store.History(ctx, taskID)
}

// Cancel requests cancellation. Returns true when the task reached
// CANCELLED (now or earlier), false when it already settled another way.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (bool, error) {
	for i := 0; i < 5; i++ {
		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return false, err
		}
		if task.State == store.StateCancelled {
			return true, nil
		}
		if task.State.Terminal() {
			return false, nil
		}
		_, err = s.store.Apply(ctx, store.Transition{
			TaskID:      taskID,
			FromVersion: task.Version,
			To:          store.StateCancelled,
			Actor:       "api",
			Reason:      store.ReasonCancelRequested,
		})
		switch {
		case err == nil:
			s.statusCache.Remove(taskID)
			s.publish(bus.TopicTaskCancelled, bus.TaskStateChangedEvent{
				TaskID:    taskID,
				FromState: string(task.State),
				ToState:   string(store.StateCancelled),
				Actor:     "api",
			})
			s.logger.Info("task cancelled", "task_id", taskID, "from_state", task.State)
			return true, nil
		case errors.Is(err, store.ErrVersionConflict):
			continue
		case errors.Is(err, store.ErrTerminalState):
			refreshed, gerr := s.store.GetTask(ctx, taskID)
			if gerr != nil {
				return false, gerr
			}
			return refreshed.State == store.StateCancelled, nil
		default:
			return false, err
		}
	}
	return false, fmt.Errorf("cancel %s: too many version conflicts", taskID)
}

// HandleOutcome settles one finished attempt. The delivery is acked only
// after the settling store write lands, so a crash between run and write
// redelivers the message instead of losing the task.
func (s *Scheduler) HandleOutcome(ctx context.Context, d broker.Delivery, task *store.Record, out executor.Outcome) {
	switch out.Status {
	case executor.StatusSuccess:
		s.settle(ctx, d, store.Transition{
			TaskID:      task.ID,
			FromVersion: task.Version,
			To:          store.StateSucceeded,
			Actor:       task.LeaseOwner,
			Reason:      store.ReasonProcessorSuccess,
			Result:      &out.Result,
		})

	case executor.StatusFatalFailure:
		errMsg := out.Error
		if errMsg == "" {
			errMsg = "processor reported fatal failure"
		}
		s.settle(ctx, d, store.Transition{
			TaskID:      task.ID,
			FromVersion: task.Version,
			To:          store.StateFailed,
			Actor:       task.LeaseOwner,
			Reason:      store.ReasonProcessorError,
			Error:       &errMsg,
		})

	case executor.StatusRetryableFailure:
		s.settleRetryable(ctx, d, task, out)

	default:
		s.logger.Error("unknown outcome status", "task_id", task.ID, "status", out.Status)
		s.queue.Nack(d.Token, time.Second)
	}
}

func (s *Scheduler) settleRetryable(ctx context.Context, d broker.Delivery, task *store.Record, out executor.Outcome) {
	errMsg := out.Error
	if errMsg == "" {
		errMsg = "processor reported retryable failure"
	}

	if task.Attempt >= task.MaxAttempts {
		s.settle(ctx, d, store.Transition{
			TaskID:      task.ID,
			FromVersion: task.Version,
			To:          store.StateFailed,
			Actor:       task.LeaseOwner,
			Reason:      store.ReasonMaxAttempts,
			Error:       &errMsg,
		})
		return
	}

	fp := store.Fingerprint(errMsg)
	if fp == task.LastErrorFingerprint && task.PoisonCount+1 >= poisonThreshold {
		s.logger.Warn("poison pill detected",
			"task_id", task.ID,
			"fingerprint", fp,
			"repeats", task.PoisonCount+1)
		s.settle(ctx, d, store.Transition{
			TaskID:      task.ID,
			FromVersion: task.Version,
			To:          store.StateFailed,
			Actor:       task.LeaseOwner,
			Reason:      store.ReasonPoisonPill,
			Error:       &errMsg,
		})
		return
	}

	delay := s.retryDelay(task.ID, task.Attempt)
	availableAt := time.Now().Add(delay)
	updated, err := s.store.Apply(ctx, store.Transition{
		TaskID:      task.ID,
		FromVersion: task.Version,
		To:          store.StateQueued,
		Actor:       task.LeaseOwner,
		Reason:      store.ReasonRetryScheduled,
		Error:       &errMsg,
		AvailableAt: &availableAt,
	})
	if err != nil {
		s.settleConflict(d, task.ID, err)
		return
	}
	s.statusCache.Remove(task.ID)
	s.publish(bus.TopicTaskRetrying, bus.TaskRetryingEvent{
		TaskID:      task.ID,
		Attempt:     updated.Attempt,
		MaxAttempts: updated.MaxAttempts,
		DelayMs:     delay.Milliseconds(),
		Reason:      errMsg,
	})
	s.logger.Info("retry scheduled",
		"task_id", task.ID,
		"attempt", updated.Attempt,
		"max_attempts", updated.MaxAttempts,
		"delay_ms", delay.Milliseconds())
	s.queue.Nack(d.Token, delay)
}

// settle applies a terminal transition then acks.
func (s *Scheduler) settle(ctx context.Context, d broker.Delivery, tr store.Transition) {
	if _, err := s.store.Apply(ctx, tr); err != nil {
		s.settleConflict(d, tr.TaskID, err)
		return
	}
	s.statusCache.Remove(tr.TaskID)
	s.logger.Info("task settled", "task_id", tr.TaskID, "state", tr.To, "reason", tr.Reason)
	s.queue.Ack(d.Token)
}

func (s *Scheduler) settleConflict(d broker.Delivery, taskID string, err error) {
	if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrTerminalState) {
		// Someone else settled the task; this delivery is spent.
		s.queue.Ack(d.Token)
		return
	}
	s.logger.Error("settle failed, nacking for redelivery", "task_id", taskID, "error", err)
	s.queue.Nack(d.Token, time.Second)
}

// retryDelay is exponential backoff with deterministic jitter. The jitter
// is derived from (taskID, attempt) so a given retry lands at the same
// moment no matter which process computes it.
func (s *Scheduler) retryDelay(taskID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := s.cfg.RetryBaseDelay << uint(attempt-1)
	if delay > s.cfg.RetryMaxDelay || delay <= 0 {
		delay = s.cfg.RetryMaxDelay
	}

	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%d", taskID, attempt)
	jitterSpan := int64(delay / 2)
	if jitterSpan <= 0 {
		return delay
	}
	jitter := time.Duration(int64(h.Sum64()) % jitterSpan)
	if jitter < 0 {
		jitter = -jitter
	}
	return delay - delay/4 + jitter
}

// DeadLetter settles a task whose message exceeded the redelivery ceiling.
// Installed as the broker's dead-letter sink.
func (s *Scheduler) DeadLetter(msg broker.Message, deliveries int) {
	ctx := context.Background()
	errMsg := fmt.Sprintf("dead-lettered after %d deliveries", deliveries)

	for i := 0; i < 5; i++ {
		task, err := s.store.GetTask(ctx, msg.TaskID)
		if err != nil {
			s.logger.Error("dead letter load", "task_id", msg.TaskID, "error", err)
			return
		}
		if task.State.Terminal() {
			return
		}
		_, err = s.store.Apply(ctx, store.Transition{
			TaskID:      task.ID,
			FromVersion: task.Version,
			To:          store.StateFailed,
			Actor:       "broker",
			Reason:      store.ReasonDeadLetter,
			Error:       &errMsg,
		})
		switch {
		case err == nil:
			s.statusCache.Remove(task.ID)
			s.publish(bus.TopicTaskDeadLetter, bus.TaskStateChangedEvent{
				TaskID:    task.ID,
				FromState: string(task.State),
				ToState:   string(store.StateFailed),
				Actor:     "broker",
			})
			s.logger.Warn("task dead-lettered", "task_id", task.ID, "deliveries", deliveries)
			return
		case errors.Is(err, store.ErrVersionConflict):
			continue
		case errors.Is(err, store.ErrIllegalTransition):
			// RUNNING elsewhere; the lease sweep decides its fate.
			return
		default:
			s.logger.Error("dead letter settle", "task_id", task.ID, "error", err)
			return
		}
	}
}

func (s *Scheduler) publish(topic string, event any) {
	if s.events != nil {
		s.events.Publish(topic, event)
	}
}
