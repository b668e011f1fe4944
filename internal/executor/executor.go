// Package executor runs claimed tasks. A pool of workers consumes
// deliveries from the broker, claims each task with a lease plus a
// QUEUED -> RUNNING transition, keeps the lease warm while the processor
// runs, and hands the outcome to the scheduler for settlement.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborloop/taskmill/internal/broker"
	"github.com/harborloop/taskmill/internal/lease"
	taskotel "github.com/harborloop/taskmill/internal/otel"
	"github.com/harborloop/taskmill/internal/shared"
	"github.com/harborloop/taskmill/internal/store"
)

// Status classifies how a processor run ended.
type Status string

const (
	StatusSuccess          Status = "SUCCESS"
	StatusRetryableFailure Status = "RETRYABLE_FAILURE"
	StatusFatalFailure     Status = "FATAL_FAILURE"
)

// Outcome is the processor's verdict on one attempt.
type Outcome struct {
	Status Status
	Result string // stored on success
	Error  string // required for both failure statuses
}

// InvokeFunc lets a running task reach an external capability through the
// tool proxy, already bound to the task's identity.
type InvokeFunc func(ctx context.Context, target string, request []byte) ([]byte, error)

// ToolInvoker dispatches mediated tool calls; the tool proxy gateway
// satisfies it.
type ToolInvoker interface {
	Invoke(ctx context.Context, taskID, target string, request []byte) ([]byte, error)
}

// Runner is the task processor plugged into the pool.
type Runner interface {
	Run(ctx context.Context, task *store.Record, invoke InvokeFunc) Outcome
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, task *store.Record, invoke InvokeFunc) Outcome

func (f RunnerFunc) Run(ctx context.Context, task *store.Record, invoke InvokeFunc) Outcome {
	return f(ctx, task, invoke)
}

// OutcomeHandler settles a finished attempt: it owns the terminal-or-retry
// decision and the ack/nack of the delivery.
type OutcomeHandler interface {
	HandleOutcome(ctx context.Context, d broker.Delivery, task *store.Record, out Outcome)
}

// Config tunes the pool.
type Config struct {
	WorkerCount        int
	CancelPollInterval time.Duration
}

// Pool is the executor worker pool.
type Pool struct {
	store   *store.Store
	queue   *broker.Queue
	leases  *lease.Manager
	runner  Runner
	handler OutcomeHandler
	tools   ToolInvoker
	logger  *slog.Logger
	tracer  trace.Tracer
	cfg     Config

	wg sync.WaitGroup
}

// NewPool wires a pool. It does not start workers; call Start.
func NewPool(st *store.Store, queue *broker.Queue, leases *lease.Manager, runner Runner, handler OutcomeHandler, logger *slog.Logger, cfg Config) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:   st,
		queue:   queue,
		leases:  leases,
		runner:  runner,
		handler: handler,
		logger:  logger.With("component", "executor"),
		tracer:  otel.Tracer(taskotel.TracerName),
		cfg:     cfg,
	}
}

// SetToolInvoker installs the tool proxy used to build each task's bound
// invoke func. Without one, tasks that call out get an error.
func (p *Pool) SetToolInvoker(tools ToolInvoker) {
	p.tools = tools
}

func (p *Pool) invokeFor(taskID string) InvokeFunc {
	return func(ctx context.Context, target string, request []byte) ([]byte, error) {
		if p.tools == nil {
			return nil, errors.New("no tool proxy configured")
		}
		return p.tools.Invoke(ctx, taskID, target, request)
	}
}

// Start launches the workers. They exit when ctx is cancelled or the queue
// closes.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("executor:%s", uuid.NewString()[:8])
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.workerLoop(ctx, workerID)
		}()
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	logger := p.logger.With("worker_id", workerID)
	for {
		d, err := p.queue.Consume(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, broker.ErrClosed) {
				logger.Error("consume failed", "error", err)
			}
			return
		}
		p.handleDelivery(ctx, logger, workerID, d)
	}
}

// handleDelivery claims and runs one delivery. Duplicate and stale
// deliveries are acked and dropped without side effects; the store's
// conditional update is the final arbiter.
func (p *Pool) handleDelivery(ctx context.Context, logger *slog.Logger, workerID string, d broker.Delivery) {
	task, err := p.store.GetTask(ctx, d.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.queue.Ack(d.Token)
			return
		}
		logger.Error("load task", "task_id", d.TaskID, "error", err)
		p.queue.Nack(d.Token, time.Second)
		return
	}
	if task.State != store.StateQueued {
		// Terminal, already running elsewhere, or not yet requeued.
		// Either way this delivery is a duplicate.
		p.queue.Ack(d.Token)
		return
	}
	if time.Until(task.AvailableAt) > 0 {
		p.queue.Nack(d.Token, time.Until(task.AvailableAt))
		return
	}

	l, err := p.leases.Acquire(task.ID, workerID)
	if err != nil {
		// Another local worker holds it; the holder will settle the task.
		p.queue.Ack(d.Token)
		return
	}
	defer p.leases.Release(task.ID, workerID, l.Generation)

	claimed, err := p.store.Apply(ctx, store.Transition{
		TaskID:      task.ID,
		FromVersion: task.Version,
		To:          store.StateRunning,
		Actor:       workerID,
		Reason:      store.ReasonClaimed,
		LeaseOwner:  workerID,
		LeaseExpiry: &l.ExpiresAt,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrAttemptsExhausted):
			p.failExhausted(ctx, logger, task)
			p.queue.Ack(d.Token)
		case errors.Is(err, store.ErrVersionConflict), errors.Is(err, store.ErrTerminalState), errors.Is(err, store.ErrIllegalTransition):
			p.queue.Ack(d.Token)
		default:
			logger.Error("claim task", "task_id", task.ID, "error", err)
			p.queue.Nack(d.Token, time.Second)
		}
		return
	}

	logger.Info("task claimed",
		"task_id", claimed.ID,
		"attempt", claimed.Attempt,
		"max_attempts", claimed.MaxAttempts,
		"redelivered", d.Redelivered)

	// The processor and its tool calls see who and what they run as.
	taskCtx := shared.WithWorkerID(shared.WithTaskID(ctx, claimed.ID), workerID)
	taskCtx = shared.WithAttempt(taskCtx, claimed.Attempt)
	taskCtx, span := taskotel.StartSpan(taskCtx, p.tracer, "executor.run_task",
		taskotel.AttrTaskID.String(claimed.ID),
		taskotel.AttrAttempt.Int(claimed.Attempt),
		taskotel.AttrWorkerID.String(workerID))
	defer span.End()
	runCtx, cancelRun := context.WithCancel(taskCtx)
	defer cancelRun()

	var watchers sync.WaitGroup
	watchers.Add(2)
	var cancelled bool
	var cancelMu sync.Mutex
	go func() {
		defer watchers.Done()
		p.keepLeaseWarm(runCtx, logger, claimed.ID, workerID, l.Generation, cancelRun)
	}()
	go func() {
		defer watchers.Done()
		if p.watchForCancel(runCtx, claimed.ID) {
			cancelMu.Lock()
			cancelled = true
			cancelMu.Unlock()
			cancelRun()
		}
	}()

	out := p.runner.Run(runCtx, claimed, p.invokeFor(claimed.ID))
	cancelRun()
	watchers.Wait()

	cancelMu.Lock()
	wasCancelled := cancelled
	cancelMu.Unlock()
	if wasCancelled {
		// The cancel transition already settled the task.
		p.queue.Ack(d.Token)
		return
	}

	p.handler.HandleOutcome(ctx, d, claimed, out)
}

// failExhausted settles a QUEUED task whose next attempt would exceed the
// budget. Normally the retry path catches this first; the claim-time guard
// is the backstop.
func (p *Pool) failExhausted(ctx context.Context, logger *slog.Logger, task *store.Record) {
	msg := fmt.Sprintf("attempt budget exhausted after %d attempts", task.Attempt)
	if _, err := p.store.Apply(ctx, store.Transition{
		TaskID:      task.ID,
		FromVersion: task.Version,
		To:          store.StateFailed,
		Actor:       "executor",
		Reason:      store.ReasonMaxAttempts,
		Error:       &msg,
	}); err != nil && !errors.Is(err, store.ErrVersionConflict) && !errors.Is(err, store.ErrTerminalState) {
		logger.Error("fail exhausted task", "task_id", task.ID, "error", err)
	}
}

// keepLeaseWarm renews the in-memory lease and the persisted expiry at a
// third of the TTL. Losing the lease cancels the run.
func (p *Pool) keepLeaseWarm(ctx context.Context, logger *slog.Logger, taskID, workerID string, generation uint64, cancelRun context.CancelFunc) {
	interval := p.leases.TTL() / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := p.leases.Renew(taskID, workerID, generation)
			if err != nil {
				logger.Warn("lease lost mid-run", "task_id", taskID, "error", err)
				cancelRun()
				return
			}
			ok, err := p.store.HeartbeatLease(ctx, taskID, workerID, renewed.ExpiresAt)
			if err != nil {
				logger.Error("heartbeat", "task_id", taskID, "error", err)
				continue
			}
			if !ok {
				logger.Warn("persisted lease lost mid-run", "task_id", taskID)
				cancelRun()
				return
			}
		}
	}
}

// watchForCancel polls the store for a cancel landed by the API while the
// task runs. Returns true when the task reached CANCELLED.
func (p *Pool) watchForCancel(ctx context.Context, taskID string) bool {
	ticker := time.NewTicker(p.cfg.CancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			task, err := p.store.GetTask(ctx, taskID)
			if err != nil {
				continue
			}
			if task.State == store.StateCancelled {
				return true
			}
			if task.State != store.StateRunning {
				return false
			}
		}
	}
}
