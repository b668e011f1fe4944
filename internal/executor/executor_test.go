package executor_test

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/harborloop/taskmill/internal/broker"
	"github.com/harborloop/taskmill/internal/executor"
	"github.com/harborloop/taskmill/internal/lease"
	taskotel "github.com/harborloop/taskmill/internal/otel"
	"github.com/harborloop/taskmill/internal/scheduler"
	"github.com/harborloop/taskmill/internal/store"
)

type fixture struct {
	store  *store.Store
	queue  *broker.Queue
	leases *lease.Manager
	sched  *scheduler.Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "taskmill.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	q := broker.New(64, 5)
	t.Cleanup(q.Close)

	sched, err := scheduler.New(s, q, nil, nil, scheduler.Config{
		RetryBaseDelay: 10 * time.Millisecond,
		RetryMaxDelay:  50 * time.Millisecond,
	}, "")
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return &fixture{
		store:  s,
		queue:  q,
		leases: lease.NewManager(5 * time.Second),
		sched:  sched,
	}
}

func (f *fixture) startPool(t *testing.T, runner executor.Runner, workers int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pool := executor.NewPool(f.store, f.queue, f.leases, runner, f.sched, nil, executor.Config{
		WorkerCount:        workers,
		CancelPollInterval: 10 * time.Millisecond,
	})
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Wait()
	})
}

func (f *fixture) waitForState(t *testing.T, taskID string, want store.State) *store.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		task, err := f.store.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.State == want {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s stuck in %s, want %s", taskID, task.State, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPoolRunsTaskToSuccess(t *testing.T) {
	f := newFixture(t)
	f.startPool(t, executor.RunnerFunc(func(ctx context.Context, task *store.Record, invoke executor.InvokeFunc) executor.Outcome {
		return executor.Outcome{Status: executor.StatusSuccess, Result: `{"done":true}`}
	}), 2)

	task, err := f.sched.Submit(context.Background(), `{"kind":"noop"}`, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := f.waitForState(t, task.ID, store.StateSucceeded)
	if done.Result != `{"done":true}` {
		t.Fatalf("result = %q", done.Result)
	}
	if done.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", done.Attempt)
	}
	if done.LeaseExpiresAt != nil {
		t.Fatal("lease should clear on settle")
	}
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	f := newFixture(t)
	var runs atomic.Int32
	f.startPool(t, executor.RunnerFunc(func(ctx context.Context, task *store.Record, invoke executor.InvokeFunc) executor.Outcome {
		if runs.Add(1) == 1 {
			return executor.Outcome{Status: executor.StatusRetryableFailure, Error: "flaky downstream"}
		}
		return executor.Outcome{Status: executor.StatusSuccess, Result: `ok`}
	}), 1)

	task, err := f.sched.Submit(context.Background(), `{}`, 3)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := f.waitForState(t, task.ID, store.StateSucceeded)
	if done.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", done.Attempt)
	}
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
}

func TestPoolSucceedsOnFinalBudgetedAttempt(t *testing.T) {
	f := newFixture(t)
	var runs atomic.Int32
	f.startPool(t, executor.RunnerFunc(func(ctx context.Context, task *store.Record, invoke executor.InvokeFunc) executor.Outcome {
		if runs.Add(1) <= 2 {
			return executor.Outcome{Status: executor.StatusRetryableFailure, Error: "upstream returned 503"}
		}
		return executor.Outcome{Status: executor.StatusSuccess, Result: `ok`}
	}), 1)

	task, err := f.sched.Submit(context.Background(), `{}`, 3)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Two identical transient failures, then success on the last attempt
	// the budget allows.
	done := f.waitForState(t, task.ID, store.StateSucceeded)
	if done.Attempt != 3 {
		t.Fatalf("attempt = %d, want 3", done.Attempt)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	if done.Error != "" {
		t.Fatalf("succeeded task carries error %q", done.Error)
	}
	if done.Result != `ok` {
		t.Fatalf("result = %q", done.Result)
	}
}

func TestDuplicateDeliveryRunsOnce(t *testing.T) {
	f := newFixture(t)
	var runs atomic.Int32
	f.startPool(t, executor.RunnerFunc(func(ctx context.Context, task *store.Record, invoke executor.InvokeFunc) executor.Outcome {
		runs.Add(1)
		return executor.Outcome{Status: executor.StatusSuccess, Result: `ok`}
	}), 1)

	task, err := f.sched.Submit(context.Background(), `{}`, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// The broker redelivered the same message.
	if err := f.queue.Publish(broker.Message{TaskID: task.ID}); err != nil {
		t.Fatalf("duplicate publish: %v", err)
	}

	f.waitForState(t, task.ID, store.StateSucceeded)

	// Give the duplicate time to be consumed and dropped.
	deadline := time.Now().Add(2 * time.Second)
	for f.queue.InflightCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("inflight = %d, duplicate never settled", f.queue.InflightCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
}

func TestCancelMidRunStopsProcessor(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	var sawCancel atomic.Bool
	f.startPool(t, executor.RunnerFunc(func(ctx context.Context, task *store.Record, invoke executor.InvokeFunc) executor.Outcome {
		close(started)
		select {
		case <-ctx.Done():
			sawCancel.Store(true)
			return executor.Outcome{Status: executor.StatusRetryableFailure, Error: "interrupted"}
		case <-time.After(10 * time.Second):
			return executor.Outcome{Status: executor.StatusSuccess}
		}
	}), 1)

	task, err := f.sched.Submit(context.Background(), `{}`, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("processor never started")
	}
	ok, err := f.sched.Cancel(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !ok {
		t.Fatal("cancel of running task should be accepted")
	}

	// The processor must observe the cancellation and the task must stay
	// CANCELLED; its interrupted outcome must not schedule a retry.
	deadline := time.Now().Add(5 * time.Second)
	for !sawCancel.Load() {
		if time.Now().After(deadline) {
			t.Fatal("processor context never cancelled")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	got, err := f.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != store.StateCancelled {
		t.Fatalf("state = %s, want CANCELLED to stick", got.State)
	}
}

func TestClaimFailsExhaustedBudget(t *testing.T) {
	f := newFixture(t)

	// A task whose single attempt was already spent before the pool sees
	// its requeued message.
	task, err := f.sched.Submit(context.Background(), `{}`, 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	cur, err := f.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	expiry := time.Now().Add(time.Minute)
	running, err := f.store.Apply(context.Background(), store.Transition{
		TaskID: task.ID, FromVersion: cur.Version,
		To: store.StateRunning, Actor: "w0", Reason: store.ReasonClaimed,
		LeaseOwner: "w0", LeaseExpiry: &expiry,
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	errMsg := "worker crashed"
	if _, err := f.store.Apply(context.Background(), store.Transition{
		TaskID: task.ID, FromVersion: running.Version,
		To: store.StateQueued, Actor: "recovery", Reason: store.ReasonStartupRecovery,
		Error: &errMsg,
	}); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if err := f.queue.Publish(broker.Message{TaskID: task.ID}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	f.startPool(t, executor.RunnerFunc(func(ctx context.Context, task *store.Record, invoke executor.InvokeFunc) executor.Outcome {
		t.Error("exhausted task must not run")
		return executor.Outcome{Status: executor.StatusSuccess}
	}), 1)

	done := f.waitForState(t, task.ID, store.StateFailed)
	if done.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", done.Attempt)
	}
}

type stubInvoker struct {
	lastTask   string
	lastTarget string
}

func (s *stubInvoker) Invoke(ctx context.Context, taskID, target string, request []byte) ([]byte, error) {
	s.lastTask = taskID
	s.lastTarget = target
	return []byte(`pong`), nil
}

func TestRunnerGetsBoundInvoke(t *testing.T) {
	f := newFixture(t)
	inv := &stubInvoker{}

	ctx, cancel := context.WithCancel(context.Background())
	pool := executor.NewPool(f.store, f.queue, f.leases, executor.RunnerFunc(
		func(ctx context.Context, task *store.Record, invoke executor.InvokeFunc) executor.Outcome {
			resp, err := invoke(ctx, "ping", []byte(`{}`))
			if err != nil {
				return executor.Outcome{Status: executor.StatusFatalFailure, Error: err.Error()}
			}
			return executor.Outcome{Status: executor.StatusSuccess, Result: string(resp)}
		}), f.sched, nil, executor.Config{WorkerCount: 1, CancelPollInterval: 10 * time.Millisecond})
	pool.SetToolInvoker(inv)
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Wait()
	})

	task, err := f.sched.Submit(context.Background(), `{}`, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := f.waitForState(t, task.ID, store.StateSucceeded)
	if done.Result != "pong" {
		t.Fatalf("result = %q", done.Result)
	}
	if inv.lastTask != task.ID || inv.lastTarget != "ping" {
		t.Fatalf("invoker saw (%q, %q), want bound to the task", inv.lastTask, inv.lastTarget)
	}
}

func TestRunEmitsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(nooptrace.NewTracerProvider()) })

	f := newFixture(t)
	f.startPool(t, executor.RunnerFunc(func(ctx context.Context, task *store.Record, invoke executor.InvokeFunc) executor.Outcome {
		return executor.Outcome{Status: executor.StatusSuccess, Result: `ok`}
	}), 1)

	task, err := f.sched.Submit(context.Background(), `{}`, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.waitForState(t, task.ID, store.StateSucceeded)

	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, span := range recorder.Ended() {
			if span.Name() != "executor.run_task" {
				continue
			}
			for _, attr := range span.Attributes() {
				if attr.Key == taskotel.AttrTaskID && attr.Value.AsString() == task.ID {
					return
				}
			}
			t.Fatalf("span missing task id attribute: %+v", span.Attributes())
		}
		if time.Now().After(deadline) {
			t.Fatal("no executor.run_task span recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
