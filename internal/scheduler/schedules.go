package scheduler

import (
	"context"
	"fmt"
	"time"
)

// AddSchedule validates a cron expression and stores a recurring
// submission. Standard five-field expressions, evaluated in UTC.
func (s *Scheduler) AddSchedule(ctx context.Context, name, cronExpr, payload string) (string, error) {
	spec, err := s.cronParser.Parse(cronExpr)
	if err != nil {
		return "", fmt.Errorf("parse cron %q: %w", cronExpr, err)
	}
	next := spec.Next(time.Now().UTC())
	id, err := s.store.CreateSchedule(ctx, name, cronExpr, payload, next)
	if err != nil {
		return "", err
	}
	s.logger.Info("schedule added", "schedule_id", id, "name", name, "next_run_at", next)
	return id, nil
}

// TickSchedules fires every due schedule once: each firing submits a fresh
// task and advances next_run_at. A firing missed across downtime submits a
// single catch-up task, not one per missed slot.
func (s *Scheduler) TickSchedules(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		return err
	}
	for _, sched := range due {
		spec, err := s.cronParser.Parse(sched.CronExpr)
		if err != nil {
			s.logger.Error("stored cron no longer parses, disabling",
				"schedule_id", sched.ID, "cron", sched.CronExpr, "error", err)
			if derr := s.store.SetScheduleEnabled(ctx, sched.ID, false); derr != nil {
				return derr
			}
			continue
		}
		task, err := s.Submit(ctx, sched.Payload, 0)
		if err != nil {
			s.logger.Error("scheduled submit failed", "schedule_id", sched.ID, "error", err)
			continue
		}
		next := spec.Next(now)
		if err := s.store.UpdateScheduleRun(ctx, sched.ID, now, next); err != nil {
			return err
		}
		s.logger.Info("schedule fired",
			"schedule_id", sched.ID,
			"name", sched.Name,
			"task_id", task.ID,
			"next_run_at", next)
	}
	return nil
}

// RunScheduleLoop ticks schedules on a fixed interval until ctx is done.
func (s *Scheduler) RunScheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ScheduleTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.TickSchedules(ctx); err != nil {
				s.logger.Error("schedule tick failed", "error", err)
			}
		}
	}
}
