package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/harborloop/taskmill/internal/broker"
	"github.com/harborloop/taskmill/internal/bus"
	"github.com/harborloop/taskmill/internal/lease"
	"github.com/harborloop/taskmill/internal/store"
)

// Reconcile runs one sweep: expired leases are reclaimed and their tasks
// requeued, stale PENDING tasks are enqueued, and stale QUEUED tasks are
// republished. Every step is idempotent, so overlapping sweeps from
// multiple processes are safe.
func (s *Scheduler) Reconcile(ctx context.Context, leases *lease.Manager) error {
	if leases != nil {
		for _, l := range leases.Sweep() {
			s.logger.Warn("local lease lapsed", "task_id", l.TaskID, "owner", l.Owner)
		}
	}

	if err := s.reclaimExpiredLeases(ctx); err != nil {
		return err
	}
	if err := s.enqueueStalePending(ctx); err != nil {
		return err
	}
	return s.republishStaleQueued(ctx)
}

// reclaimExpiredLeases requeues RUNNING tasks whose persisted lease expiry
// passed: the executor crashed or lost its heartbeat.
func (s *Scheduler) reclaimExpiredLeases(ctx context.Context) error {
	expired, err := s.store.ExpiredLeaseTasks(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, task := range expired {
		errMsg := "lease expired before the attempt settled"
		updated, err := s.store.Apply(ctx, store.Transition{
			TaskID:      task.ID,
			FromVersion: task.Version,
			To:          store.StateQueued,
			Actor:       "reconciler",
			Reason:      store.ReasonLeaseExpired,
			Error:       &errMsg,
		})
		if err != nil {
			if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrTerminalState) {
				continue
			}
			return err
		}
		s.statusCache.Remove(task.ID)
		s.publish(bus.TopicLeaseReclaimed, bus.LeaseReclaimedEvent{
			TaskID: task.ID,
			Owner:  task.LeaseOwner,
		})
		s.logger.Warn("expired lease reclaimed",
			"task_id", task.ID,
			"owner", task.LeaseOwner,
			"attempt", updated.Attempt)
		if err := s.queue.Publish(broker.Message{TaskID: task.ID, Attempt: updated.Attempt}); err != nil {
			s.logger.Warn("republish after reclaim failed", "task_id", task.ID, "error", err)
		}
	}
	return nil
}

// enqueueStalePending picks up tasks whose submit-time publish failed.
func (s *Scheduler) enqueueStalePending(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.PendingStaleness)
	stale, err := s.store.StaleTasks(ctx, store.StatePending, cutoff, 100)
	if err != nil {
		return err
	}
	for _, task := range stale {
		if err := s.queue.Publish(broker.Message{TaskID: task.ID}); err != nil {
			s.logger.Warn("reconcile publish failed", "task_id", task.ID, "error", err)
			continue
		}
		if _, err := s.store.Apply(ctx, store.Transition{
			TaskID:      task.ID,
			FromVersion: task.Version,
			To:          store.StateQueued,
			Actor:       "reconciler",
			Reason:      store.ReasonEnqueued,
		}); err != nil && !errors.Is(err, store.ErrVersionConflict) && !errors.Is(err, store.ErrTerminalState) {
			return err
		}
		s.logger.Info("stale pending task enqueued", "task_id", task.ID)
	}
	return nil
}

// republishStaleQueued re-sends tasks sitting in QUEUED long past their
// availability: the broker dropped or lost their message.
func (s *Scheduler) republishStaleQueued(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.QueuedStaleness)
	stale, err := s.store.StaleTasks(ctx, store.StateQueued, cutoff, 100)
	if err != nil {
		return err
	}
	for _, task := range stale {
		if time.Until(task.AvailableAt) > 0 {
			continue
		}
		// Bump the version first so an in-flight duplicate of the old
		// message cannot settle the task twice.
		updated, err := s.store.Apply(ctx, store.Transition{
			TaskID:      task.ID,
			FromVersion: task.Version,
			To:          store.StateQueued,
			Actor:       "reconciler",
			Reason:      store.ReasonReconcileRepub,
		})
		if err != nil {
			if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrTerminalState) {
				continue
			}
			return err
		}
		if err := s.queue.Publish(broker.Message{TaskID: task.ID, Attempt: updated.Attempt}); err != nil {
			s.logger.Warn("reconcile republish failed", "task_id", task.ID, "error", err)
		}
		s.logger.Info("stale queued task republished", "task_id", task.ID)
	}
	return nil
}

// RunReconcileLoop sweeps on a fixed interval until ctx is done.
func (s *Scheduler) RunReconcileLoop(ctx context.Context, leases *lease.Manager) {
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reconcile(ctx, leases); err != nil {
				s.logger.Error("reconcile sweep failed", "error", err)
			}
		}
	}
}
