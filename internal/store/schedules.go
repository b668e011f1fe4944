package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule is a recurring submission: a cron expression plus the payload
// each firing submits as a fresh task.
type Schedule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expr"`
	Payload   string     `json:"payload"`
	Enabled   bool       `json:"enabled"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// CreateSchedule inserts an enabled schedule with its first fire time.
func (s *Store) CreateSchedule(ctx context.Context, name, cronExpr, payload string, nextRun time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, cron_expr, payload, enabled, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, id, name, cronExpr, payload, nextRun.UTC())
	if err != nil {
		return "", fmt.Errorf("create schedule: %w", err)
	}
	return id, nil
}

// DueSchedules returns enabled schedules whose next_run_at has passed.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, payload, enabled, next_run_at, last_run_at, created_at, updated_at
		FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due schedule rows: %w", err)
	}
	return out, nil
}

// UpdateScheduleRun stamps the last firing and plans the next.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, ranAt, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET last_run_at = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, ranAt.UTC(), nextRun.UTC(), id)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("schedule run rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("schedule %s not found", id)
	}
	return nil
}

// SetScheduleEnabled toggles a schedule without deleting its history.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, enabled, id)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	return nil
}

func scanSchedule(scanFn func(dest ...any) error) (*Schedule, error) {
	var sched Schedule
	var next, last sql.NullTime
	if err := scanFn(&sched.ID, &sched.Name, &sched.CronExpr, &sched.Payload,
		&sched.Enabled, &next, &last, &sched.CreatedAt, &sched.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	if next.Valid {
		t := next.Time
		sched.NextRunAt = &t
	}
	if last.Valid {
		t := last.Time
		sched.LastRunAt = &t
	}
	return &sched, nil
}
