package scheduler_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harborloop/taskmill/internal/broker"
	"github.com/harborloop/taskmill/internal/bus"
	"github.com/harborloop/taskmill/internal/executor"
	"github.com/harborloop/taskmill/internal/scheduler"
	"github.com/harborloop/taskmill/internal/store"
)

type fixture struct {
	store *store.Store
	queue *broker.Queue
	bus   *bus.Bus
	sched *scheduler.Scheduler
}

func newFixture(t *testing.T, cfg scheduler.Config, schemaPath string) *fixture {
	t.Helper()
	events := bus.New()
	s, err := store.Open(filepath.Join(t.TempDir(), "taskmill.db"), events)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	q := broker.New(64, 5)
	t.Cleanup(q.Close)

	sched, err := scheduler.New(s, q, events, nil, cfg, schemaPath)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	t.Cleanup(sched.Close)
	return &fixture{store: s, queue: q, bus: events, sched: sched}
}

func (f *fixture) consume(t *testing.T) broker.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := f.queue.Consume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	return d
}

// claim moves a QUEUED task to RUNNING the way an executor worker would.
func (f *fixture) claim(t *testing.T, taskID, owner string) *store.Record {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	expiry := time.Now().Add(30 * time.Second)
	claimed, err := f.store.Apply(context.Background(), store.Transition{
		TaskID:      taskID,
		FromVersion: task.Version,
		To:          store.StateRunning,
		Actor:       owner,
		Reason:      store.ReasonClaimed,
		LeaseOwner:  owner,
		LeaseExpiry: &expiry,
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return claimed
}

func lastReason(t *testing.T, s *store.Store, taskID string) string {
	t.Helper()
	hist, err := s.History(context.Background(), taskID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) == 0 {
		t.Fatal("empty history")
	}
	return hist[len(hist)-1].Reason
}

func TestSubmitEnqueuesAndPublishes(t *testing.T) {
	f := newFixture(t, scheduler.Config{}, "")

	task, err := f.sched.Submit(context.Background(), `{"kind":"noop"}`, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.State != store.StateQueued {
		t.Fatalf("state = %s, want QUEUED", task.State)
	}
	if task.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d, want default 3", task.MaxAttempts)
	}

	d := f.consume(t)
	if d.TaskID != task.ID {
		t.Fatalf("delivery task = %q, want %q", d.TaskID, task.ID)
	}
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	schemaPath := filepath.Join(t.TempDir(), "payload.schema.json")
	schema := `{
		"type": "object",
		"required": ["kind"],
		"properties": {"kind": {"type": "string"}}
	}`
	if err := os.WriteFile(schemaPath, []byte(schema), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	f := newFixture(t, scheduler.Config{}, schemaPath)

	if _, err := f.sched.Submit(context.Background(), `{"nope":1}`, 0); !errors.Is(err, scheduler.ErrInvalidPayload) {
		t.Fatalf("err = %v, want ErrInvalidPayload", err)
	}
	if _, err := f.sched.Submit(context.Background(), `not json`, 0); !errors.Is(err, scheduler.ErrInvalidPayload) {
		t.Fatalf("err = %v, want ErrInvalidPayload", err)
	}
	if _, err := f.sched.Submit(context.Background(), `{"kind":"ok"}`, 0); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	f := newFixture(t, scheduler.Config{}, "")

	task, err := f.sched.Submit(context.Background(), `{}`, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ok, err := f.sched.Cancel(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !ok {
		t.Fatal("cancel of queued task should be accepted")
	}

	got, err := f.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != store.StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", got.State)
	}

	// Cancelling again is still an accepted no-op.
	ok, err = f.sched.Cancel(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("re-cancel: %v", err)
	}
	if !ok {
		t.Fatal("re-cancel should report accepted")
	}
}

func TestCancelSettledTaskRefused(t *testing.T) {
	f := newFixture(t, scheduler.Config{}, "")

	task, err := f.sched.Submit(context.Background(), `{}`, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	d := f.consume(t)
	claimed := f.claim(t, task.ID, "w1")
	f.sched.HandleOutcome(context.Background(), d, claimed, executor.Outcome{
		Status: executor.StatusSuccess,
		Result: `{}`,
	})

	ok, err := f.sched.Cancel(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok {
		t.Fatal("cancel after success should be refused")
	}
}

func TestHandleOutcomeSuccess(t *testing.T) {
	f := newFixture(t, scheduler.Config{}, "")

	task, err := f.sched.Submit(context.Background(), `{}`, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	d := f.consume(t)
	claimed := f.claim(t, task.ID, "w1")

	f.sched.HandleOutcome(context.Background(), d, claimed, executor.Outcome{
		Status: executor.StatusSuccess,
		Result: `{"n":42}`,
	})

	got, err := f.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != store.StateSucceeded {
		t.Fatalf("state = %s, want SUCCEEDED", got.State)
	}
	if got.Result != `{"n":42}` {
		t.Fatalf("result = %q", got.Result)
	}
	if n := f.queue.InflightCount(); n != 0 {
		t.Fatalf("inflight = %d after settle, want 0", n)
	}
}

func TestHandleOutcomeFatalFailure(t *testing.T) {
	f := newFixture(t, scheduler.Config{}, "")

	task, err := f.sched.Submit(context.Background(), `{}`, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	d := f.consume(t)
	claimed := f.claim(t, task.ID, "w1")

	f.sched.HandleOutcome(context.Background(), d, claimed, executor.Outcome{
		Status: executor.StatusFatalFailure,
		Error:  "malformed input",
	})

	got, err := f.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != store.StateFailed {
		t.Fatalf("state = %s, want FAILED", got.State)
	}
	if got.Error != "malformed input" {
		t.Fatalf("error = %q", got.Error)
	}
	if got.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1 (fatal skips remaining budget)", got.Attempt)
	}
}

func TestHandleOutcomeRetryableRequeuesWithBackoff(t *testing.T) {
	f := newFixture(t, scheduler.Config{
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  time.Second,
	}, "")

	sub := f.bus.Subscribe(bus.TopicTaskRetrying)
	defer f.bus.Unsubscribe(sub)

	task, err := f.sched.Submit(context.Background(), `{}`, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	d := f.consume(t)
	claimed := f.claim(t, task.ID, "w1")

	before := time.Now()
	f.sched.HandleOutcome(context.Background(), d, claimed, executor.Outcome{
		Status: executor.StatusRetryableFailure,
		Error:  "connection refused",
	})

	got, err := f.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != store.StateQueued {
		t.Fatalf("state = %s, want QUEUED", got.State)
	}
	if got.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", got.Attempt)
	}
	if !got.AvailableAt.After(before) {
		t.Fatalf("available_at = %v, want after %v", got.AvailableAt, before)
	}
	if lastReason(t, f.store, task.ID) != store.ReasonRetryScheduled {
		t.Fatalf("reason = %q", lastReason(t, f.store, task.ID))
	}

	select {
	case ev := <-sub.Ch():
		re, ok := ev.Payload.(bus.TaskRetryingEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if re.DelayMs < 75 || re.DelayMs > 150 {
			t.Fatalf("delay = %dms, want within 75..150ms of a 100ms base", re.DelayMs)
		}
	case <-time.After(time.Second):
		t.Fatal("no retry event published")
	}

	// The nacked delivery comes back after the backoff.
	redelivered := f.consume(t)
	if redelivered.TaskID != task.ID || !redelivered.Redelivered {
		t.Fatalf("redelivery = %+v", redelivered)
	}
}

func TestRetryableExhaustsBudget(t *testing.T) {
	f := newFixture(t, scheduler.Config{}, "")

	task, err := f.sched.Submit(context.Background(), `{}`, 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	d := f.consume(t)
	claimed := f.claim(t, task.ID, "w1")

	f.sched.HandleOutcome(context.Background(), d, claimed, executor.Outcome{
		Status: executor.StatusRetryableFailure,
		Error:  "still broken",
	})

	got, err := f.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != store.StateFailed {
		t.Fatalf("state = %s, want FAILED", got.State)
	}
	if lastReason(t, f.store, task.ID) != store.ReasonMaxAttempts {
		t.Fatalf("reason = %q, want MAX_ATTEMPTS_EXHAUSTED", lastReason(t, f.store, task.ID))
	}
	if got.Attempt != 1 {
		t.Fatalf("attempt = %d, want the full budget of 1", got.Attempt)
	}
}

func TestPoisonPillFailsEarly(t *testing.T) {
	f := newFixture(t, scheduler.Config{
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	}, "")

	task, err := f.sched.Submit(context.Background(), `{}`, 10)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.consume(t)

	for i := 0; i < 3; i++ {
		claimed := f.claim(t, task.ID, "w1")
		f.sched.HandleOutcome(context.Background(), broker.Delivery{Token: "t"}, claimed, executor.Outcome{
			Status: executor.StatusRetryableFailure,
			Error:  "nil pointer dereference at step 3",
		})
	}

	got, err := f.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != store.StateFailed {
		t.Fatalf("state = %s, want FAILED before the budget of 10 is spent", got.State)
	}
	if got.Attempt != 3 {
		t.Fatalf("attempt = %d, want 3", got.Attempt)
	}
	if lastReason(t, f.store, task.ID) != store.ReasonPoisonPill {
		t.Fatalf("reason = %q, want POISON_PILL", lastReason(t, f.store, task.ID))
	}
}

func TestDeadLetterFailsTask(t *testing.T) {
	f := newFixture(t, scheduler.Config{}, "")

	task, err := f.sched.Submit(context.Background(), `{}`, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.sched.DeadLetter(broker.Message{TaskID: task.ID}, 5)

	got, err := f.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != store.StateFailed {
		t.Fatalf("state = %s, want FAILED", got.State)
	}
	if lastReason(t, f.store, task.ID) != store.ReasonDeadLetter {
		t.Fatalf("reason = %q, want DEAD_LETTER_MAX_DELIVERIES", lastReason(t, f.store, task.ID))
	}
}

func TestReconcileReclaimsExpiredLease(t *testing.T) {
	f := newFixture(t, scheduler.Config{}, "")

	task, err := f.sched.Submit(context.Background(), `{}`, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.consume(t)

	// Claim with an already-expired lease, as if the worker died mid-run.
	cur, err := f.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	expiry := time.Now().Add(-time.Second)
	if _, err := f.store.Apply(context.Background(), store.Transition{
		TaskID:      task.ID,
		FromVersion: cur.Version,
		To:          store.StateRunning,
		Actor:       "w1",
		Reason:      store.ReasonClaimed,
		LeaseOwner:  "w1",
		LeaseExpiry: &expiry,
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := f.sched.Reconcile(context.Background(), nil); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, err := f.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != store.StateQueued {
		t.Fatalf("state = %s, want QUEUED after reclaim", got.State)
	}
	if lastReason(t, f.store, task.ID) != store.ReasonLeaseExpired {
		t.Fatalf("reason = %q, want LEASE_EXPIRED_REQUEUED", lastReason(t, f.store, task.ID))
	}

	d := f.consume(t)
	if d.TaskID != task.ID {
		t.Fatalf("republished delivery task = %q", d.TaskID)
	}
}

func TestReconcileEnqueuesStalePending(t *testing.T) {
	f := newFixture(t, scheduler.Config{PendingStaleness: time.Minute}, "")

	// A task whose submit-time publish never happened.
	task, err := f.store.CreateTask(context.Background(), `{}`, 3)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := f.store.DB().Exec(
		`UPDATE tasks SET updated_at = datetime('now', '-1 hour') WHERE id = ?;`, task.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	if err := f.sched.Reconcile(context.Background(), nil); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, err := f.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != store.StateQueued {
		t.Fatalf("state = %s, want QUEUED", got.State)
	}
	d := f.consume(t)
	if d.TaskID != task.ID {
		t.Fatalf("delivery task = %q", d.TaskID)
	}
}

func TestReconcileRepublishesStaleQueued(t *testing.T) {
	f := newFixture(t, scheduler.Config{QueuedStaleness: time.Minute}, "")

	task, err := f.sched.Submit(context.Background(), `{}`, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Drop the original delivery on the floor and age the row.
	f.consume(t)
	if _, err := f.store.DB().Exec(
		`UPDATE tasks SET updated_at = datetime('now', '-1 hour'), available_at = datetime('now', '-1 hour') WHERE id = ?;`, task.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	if err := f.sched.Reconcile(context.Background(), nil); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, err := f.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if lastReason(t, f.store, task.ID) != store.ReasonReconcileRepub {
		t.Fatalf("reason = %q, want RECONCILE_REPUBLISHED", lastReason(t, f.store, task.ID))
	}
	if got.State != store.StateQueued {
		t.Fatalf("state = %s, want QUEUED", got.State)
	}
	d := f.consume(t)
	if d.TaskID != task.ID {
		t.Fatalf("delivery task = %q", d.TaskID)
	}
}

func TestScheduleFiresAndAdvances(t *testing.T) {
	f := newFixture(t, scheduler.Config{}, "")

	id, err := f.store.CreateSchedule(context.Background(),
		"hourly-report", "0 * * * *", `{"kind":"report"}`, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	if err := f.sched.TickSchedules(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	d := f.consume(t)
	got, err := f.store.GetTask(context.Background(), d.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Payload != `{"kind":"report"}` {
		t.Fatalf("payload = %q", got.Payload)
	}

	due, err := f.store.DueSchedules(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("due schedules: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("schedule %s still due after firing", id)
	}
}

func TestAddScheduleRejectsBadCron(t *testing.T) {
	f := newFixture(t, scheduler.Config{}, "")

	if _, err := f.sched.AddSchedule(context.Background(), "bad", "not a cron", `{}`); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := f.sched.AddSchedule(context.Background(), "good", "*/5 * * * *", `{}`); err != nil {
		t.Fatalf("valid cron rejected: %v", err)
	}
}

func TestStatusCachesBriefly(t *testing.T) {
	f := newFixture(t, scheduler.Config{StatusCacheTTL: 50 * time.Millisecond}, "")

	task, err := f.sched.Submit(context.Background(), `{}`, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	first, err := f.sched.Status(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if first.State != store.StateQueued {
		t.Fatalf("state = %s", first.State)
	}

	// Mutate behind the cache; after the TTL the fresh state must show
	// even if the invalidation event was shed.
	f.claim(t, task.ID, "w1")
	time.Sleep(80 * time.Millisecond)
	second, err := f.sched.Status(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if second.State != store.StateRunning {
		t.Fatalf("state = %s, want RUNNING after cache expiry", second.State)
	}
}

func TestStatusInvalidatedByExternalWrite(t *testing.T) {
	// Long TTL: only event-driven invalidation can explain a fresh read.
	f := newFixture(t, scheduler.Config{StatusCacheTTL: time.Minute}, "")

	task, err := f.sched.Submit(context.Background(), `{}`, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	first, err := f.sched.Status(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if first.State != store.StateQueued {
		t.Fatalf("state = %s, want QUEUED", first.State)
	}

	// A second replica cancels the task straight through the store.
	if _, err := f.store.Apply(context.Background(), store.Transition{
		TaskID:      task.ID,
		FromVersion: first.Version,
		To:          store.StateCancelled,
		Actor:       "api-2",
		Reason:      store.ReasonCancelRequested,
	}); err != nil {
		t.Fatalf("external cancel: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := f.sched.Status(context.Background(), task.ID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if got.State == store.StateCancelled {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %s long after CANCELLED committed", got.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
