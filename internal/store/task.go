package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harborloop/taskmill/internal/bus"
	"github.com/google/uuid"
)

type State string

const (
	StatePending   State = "PENDING"
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Deterministic reason codes recorded in task history.
const (
	ReasonSubmitted         = "SUBMITTED"
	ReasonEnqueued          = "ENQUEUED"
	ReasonClaimed           = "CLAIMED"
	ReasonProcessorSuccess  = "PROCESSOR_SUCCESS"
	ReasonProcessorError    = "PROCESSOR_ERROR"
	ReasonRetryScheduled    = "RETRY_SCHEDULED"
	ReasonMaxAttempts       = "MAX_ATTEMPTS_EXHAUSTED"
	ReasonPoisonPill        = "POISON_PILL"
	ReasonDeadLetter        = "DEAD_LETTER_MAX_DELIVERIES"
	ReasonCancelRequested   = "CANCEL_REQUESTED"
	ReasonLeaseExpired      = "LEASE_EXPIRED_REQUEUED"
	ReasonStartupRecovery   = "STARTUP_RECOVERY"
	ReasonReconcileRepub    = "RECONCILE_REPUBLISHED"
)

// Sentinel errors for the conditional-update contract.
var (
	ErrNotFound          = errors.New("task not found")
	ErrVersionConflict   = errors.New("stale task version")
	ErrTerminalState     = errors.New("task is in a terminal state")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrAttemptsExhausted = errors.New("attempt count would exceed max attempts")
)

var allowedTransitions = map[State]map[State]struct{}{
	StatePending: {
		StateQueued:    {},
		StateCancelled: {},
	},
	StateQueued: {
		StateRunning:   {},
		StateCancelled: {},
		StateQueued:    {}, // reconciliation requeue after an expired lease
		StateFailed:    {}, // dead-letter or exhausted attempt budget
	},
	StateRunning: {
		StateSucceeded: {},
		StateFailed:    {},
		StateQueued:    {}, // transient failure or crash recovery
		StateCancelled: {},
	},
}

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

func canTransition(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Record is a snapshot of one task row.
type Record struct {
	ID                   string     `json:"id"`
	State                State      `json:"state"`
	Version              int64      `json:"version"`
	Attempt              int        `json:"attempt"`
	MaxAttempts          int        `json:"max_attempts"`
	Payload              string     `json:"payload"`
	Result               string     `json:"result,omitempty"`
	Error                string     `json:"error,omitempty"`
	LastErrorFingerprint string     `json:"last_error_fingerprint,omitempty"`
	PoisonCount          int        `json:"poison_count,omitempty"`
	AvailableAt          time.Time  `json:"available_at"`
	LeaseOwner           string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt       *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// HistoryEntry is one row of the append-only transition history.
type HistoryEntry struct {
	TaskID    string    `json:"task_id"`
	Version   int64     `json:"version"`
	FromState State     `json:"from_state"`
	ToState   State     `json:"to_state"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Transition describes one requested state change. FromVersion is the
// version the caller last observed; the update only lands if the row still
// carries it.
type Transition struct {
	TaskID      string
	FromVersion int64
	To          State
	Actor       string
	Reason      string

	// Result is stored on SUCCEEDED and Error on FAILED; they are never
	// both set. On transient requeues Error only feeds the poison
	// fingerprint, the full text lives in logs and retry events.
	Result *string
	Error  *string

	// LeaseOwner/LeaseExpiry are required when To == RUNNING and ignored
	// otherwise; every non-RUNNING state clears the lease columns.
	LeaseOwner  string
	LeaseExpiry *time.Time

	// AvailableAt defers redelivery after a transient failure (backoff).
	AvailableAt *time.Time
}

const taskColumns = `id, state, version, attempt, max_attempts, payload,
	COALESCE(result, ''), COALESCE(error, ''), COALESCE(last_error_fingerprint, ''),
	poison_count, available_at, COALESCE(lease_owner, ''), lease_expires_at,
	created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Record) error {
	var leaseExpires sql.NullTime
	if err := scanFn(
		&task.ID,
		&task.State,
		&task.Version,
		&task.Attempt,
		&task.MaxAttempts,
		&task.Payload,
		&task.Result,
		&task.Error,
		&task.LastErrorFingerprint,
		&task.PoisonCount,
		&task.AvailableAt,
		&task.LeaseOwner,
		&leaseExpires,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		task.LeaseExpiresAt = &t
	} else {
		task.LeaseExpiresAt = nil
	}
	return nil
}

// CreateTask inserts a new PENDING record at version 1 and writes the
// creation history entry in the same transaction.
func (s *Store) CreateTask(ctx context.Context, payload string, maxAttempts int) (*Record, error) {
	if maxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be >= 1, got %d", maxAttempts)
	}
	taskID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, state, version, attempt, max_attempts, payload, available_at, created_at, updated_at)
			VALUES (?, ?, 1, 0, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, StatePending, maxAttempts, payload); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_history (task_id, version, from_state, to_state, actor, reason)
			VALUES (?, 1, NULL, ?, 'scheduler', ?);
		`, taskID, StatePending, ReasonSubmitted); err != nil {
			return fmt.Errorf("insert creation history: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID:  taskID,
			ToState: string(StatePending),
			Version: 1,
			Actor:   "scheduler",
		})
	}
	return s.GetTask(ctx, taskID)
}

// GetTask returns the current snapshot of a task.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Record, error) {
	var task Record
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &task, nil
}

// Apply performs one atomic conditional state transition. It returns the
// post-transition snapshot, or one of ErrNotFound, ErrVersionConflict,
// ErrTerminalState, ErrIllegalTransition, ErrAttemptsExhausted.
func (s *Store) Apply(ctx context.Context, tr Transition) (*Record, error) {
	if tr.To == StateRunning && (tr.LeaseOwner == "" || tr.LeaseExpiry == nil) {
		return nil, fmt.Errorf("transition to RUNNING requires a lease")
	}
	if tr.To == StateFailed && (tr.Error == nil || *tr.Error == "") {
		return nil, fmt.Errorf("transition to FAILED requires a non-empty error")
	}
	if tr.Actor == "" {
		tr.Actor = "scheduler"
	}

	var updated Record
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var cur Record
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, tr.TaskID)
		if err := scanTask(row.Scan, &cur); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select task for transition: %w", err)
		}
		if cur.State.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminalState, cur.ID, cur.State)
		}
		if cur.Version != tr.FromVersion {
			return fmt.Errorf("%w: have %d, want %d", ErrVersionConflict, tr.FromVersion, cur.Version)
		}
		if !canTransition(cur.State, tr.To) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur.State, tr.To)
		}

		newVersion := cur.Version + 1
		attempt := cur.Attempt
		if tr.To == StateRunning {
			attempt++
			if attempt > cur.MaxAttempts {
				return fmt.Errorf("%w: attempt %d of %d", ErrAttemptsExhausted, attempt, cur.MaxAttempts)
			}
		}

		fingerprint := cur.LastErrorFingerprint
		poison := cur.PoisonCount
		if tr.Error != nil {
			fp := Fingerprint(*tr.Error)
			if fp == cur.LastErrorFingerprint {
				poison = cur.PoisonCount + 1
			} else {
				poison = 1
			}
			fingerprint = fp
		}

		// result and error only live on the terminal row they belong to;
		// every other transition clears both.
		errValue := sql.NullString{}
		if tr.To == StateFailed && tr.Error != nil {
			errValue = sql.NullString{Valid: true, String: *tr.Error}
		}
		resValue := sql.NullString{}
		if tr.To == StateSucceeded && tr.Result != nil {
			resValue = sql.NullString{Valid: true, String: *tr.Result}
		}

		leaseOwner := sql.NullString{}
		leaseExpiry := sql.NullTime{}
		if tr.To == StateRunning {
			leaseOwner = sql.NullString{Valid: true, String: tr.LeaseOwner}
			leaseExpiry = sql.NullTime{Valid: true, Time: tr.LeaseExpiry.UTC()}
		}

		availableAt := cur.AvailableAt
		if tr.AvailableAt != nil {
			availableAt = tr.AvailableAt.UTC()
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET state = ?,
				version = ?,
				attempt = ?,
				result = ?,
				error = ?,
				last_error_fingerprint = ?,
				poison_count = ?,
				available_at = ?,
				lease_owner = ?,
				lease_expires_at = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND version = ?;
		`, tr.To, newVersion, attempt,
			resValue, errValue,
			nullIfEmpty(fingerprint), poison, availableAt,
			leaseOwner, leaseExpiry,
			tr.TaskID, tr.FromVersion)
		if err != nil {
			return fmt.Errorf("update task transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			// Lost the race between our read and write.
			return fmt.Errorf("%w: concurrent update on %s", ErrVersionConflict, tr.TaskID)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_history (task_id, version, from_state, to_state, actor, reason)
			VALUES (?, ?, ?, ?, ?, ?);
		`, tr.TaskID, newVersion, cur.State, tr.To, tr.Actor, tr.Reason); err != nil {
			return fmt.Errorf("insert task history: %w", err)
		}

		row = tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, tr.TaskID)
		if err := scanTask(row.Scan, &updated); err != nil {
			return fmt.Errorf("reread task after transition: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition tx: %w", err)
		}

		if s.bus != nil {
			s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
				TaskID:    tr.TaskID,
				FromState: string(cur.State),
				ToState:   string(tr.To),
				Version:   newVersion,
				Actor:     tr.Actor,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func nullIfEmpty(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{Valid: true, String: v}
}

// HeartbeatLease extends the persisted lease expiry for a RUNNING task.
// Not a state mutation, so the version is untouched. Returns false when the
// lease was lost (state changed or another owner took over).
func (s *Store) HeartbeatLease(ctx context.Context, taskID, leaseOwner string, expiry time.Time) (bool, error) {
	if leaseOwner == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lease_owner = ? AND state = ?;
	`, expiry.UTC(), taskID, leaseOwner, StateRunning)
	if err != nil {
		return false, fmt.Errorf("heartbeat lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n == 1, nil
}

// History returns all transition entries for a task, oldest first. The
// version column strictly increases by 1 between successive entries.
func (s *Store) History(ctx context.Context, taskID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, version, COALESCE(from_state, ''), to_state, actor, reason, created_at
		FROM task_history
		WHERE task_id = ?
		ORDER BY version ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var from string
		if err := rows.Scan(&e.TaskID, &e.Version, &from, &e.ToState, &e.Actor, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.FromState = State(from)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history rows: %w", err)
	}
	return out, nil
}

// StaleTasks returns tasks sitting in the given state with no update since
// the cutoff. The reconciliation sweep uses this to find work that fell
// through the cracks (failed publish, crashed executor, lost message).
func (s *Store) StaleTasks(ctx context.Context, state State, cutoff time.Time, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE state = ? AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?;
	`, state, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query stale tasks: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var task Record
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan stale task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stale task rows: %w", err)
	}
	return out, nil
}

// ExpiredLeaseTasks returns RUNNING tasks whose persisted lease expiry has
// passed: the executor crashed or hung without releasing.
func (s *Store) ExpiredLeaseTasks(ctx context.Context, now time.Time) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?;
	`, StateRunning, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query expired lease tasks: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var task Record
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan expired lease task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("expired lease rows: %w", err)
	}
	return out, nil
}

// RecoverRunningTasks requeues every RUNNING task found at startup. With no
// live executors, any RUNNING row is an orphan from a crashed process.
func (s *Store) RecoverRunningTasks(ctx context.Context) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, version FROM tasks WHERE state = ?;`, StateRunning)
	if err != nil {
		return 0, fmt.Errorf("query running tasks: %w", err)
	}
	type orphan struct {
		id      string
		version int64
	}
	var orphans []orphan
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.id, &o.version); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan running task: %w", err)
		}
		orphans = append(orphans, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("running task rows: %w", err)
	}

	var recovered int64
	for _, o := range orphans {
		_, err := s.Apply(ctx, Transition{
			TaskID:      o.id,
			FromVersion: o.version,
			To:          StateQueued,
			Actor:       "recovery",
			Reason:      ReasonStartupRecovery,
		})
		switch {
		case err == nil:
			recovered++
		case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrTerminalState):
			// Someone else already moved it; fine.
		default:
			return recovered, err
		}
	}
	return recovered, nil
}
