package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Tool call outcome statuses.
const (
	ToolCallDispatched = "DISPATCHED"
	ToolCallOK         = "OK"
	ToolCallError      = "ERROR"
	ToolCallTimeout    = "TIMEOUT"
	ToolCallRejected   = "REJECTED"
)

// ToolCallRecord is one delegated call made during a task's execution.
// Written once per call by the tool proxy gateway; the outcome update is
// the only mutation it ever sees.
type ToolCallRecord struct {
	TaskID         string     `json:"task_id"`
	Seq            int64      `json:"seq"`
	Target         string     `json:"target"`
	RequestDigest  string     `json:"request_digest"`
	ResponseDigest string     `json:"response_digest,omitempty"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// BeginToolCall records a call before dispatch and returns its sequence
// number within the task.
func (s *Store) BeginToolCall(ctx context.Context, taskID, target, requestDigest string) (int64, error) {
	var seq int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tool call tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM tool_calls WHERE task_id = ?;
		`, taskID).Scan(&seq); err != nil {
			return fmt.Errorf("next tool call seq: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tool_calls (task_id, seq, target, request_digest, status, created_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, taskID, seq, target, requestDigest, ToolCallDispatched); err != nil {
			return fmt.Errorf("insert tool call: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// RecordRejectedToolCall writes a REJECTED record in one shot; the call
// never dispatched, so there is no separate outcome update.
func (s *Store) RecordRejectedToolCall(ctx context.Context, taskID, target, requestDigest, reason string) (int64, error) {
	seq, err := s.BeginToolCall(ctx, taskID, target, requestDigest)
	if err != nil {
		return 0, err
	}
	if err := s.FinishToolCall(ctx, taskID, seq, ToolCallRejected, "", reason); err != nil {
		return 0, err
	}
	return seq, nil
}

// FinishToolCall records the outcome of a dispatched call.
func (s *Store) FinishToolCall(ctx context.Context, taskID string, seq int64, status, responseDigest, errMsg string) error {
	switch status {
	case ToolCallOK, ToolCallError, ToolCallTimeout, ToolCallRejected:
	default:
		return fmt.Errorf("invalid tool call outcome status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_calls
		SET status = ?,
			response_digest = NULLIF(?, ''),
			error = NULLIF(?, ''),
			finished_at = CURRENT_TIMESTAMP
		WHERE task_id = ? AND seq = ?;
	`, status, responseDigest, errMsg, taskID, seq)
	if err != nil {
		return fmt.Errorf("finish tool call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish tool call rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("tool call (%s, %d) not found", taskID, seq)
	}
	return nil
}

// ListToolCalls returns all recorded calls for a task, ordered by sequence.
func (s *Store) ListToolCalls(ctx context.Context, taskID string) ([]ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, seq, target, request_digest, COALESCE(response_digest, ''),
			status, COALESCE(error, ''), created_at, finished_at
		FROM tool_calls
		WHERE task_id = ?
		ORDER BY seq ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	var out []ToolCallRecord
	for rows.Next() {
		var rec ToolCallRecord
		var finished sql.NullTime
		if err := rows.Scan(&rec.TaskID, &rec.Seq, &rec.Target, &rec.RequestDigest,
			&rec.ResponseDigest, &rec.Status, &rec.Error, &rec.CreatedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			rec.FinishedAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tool call rows: %w", err)
	}
	return out, nil
}
