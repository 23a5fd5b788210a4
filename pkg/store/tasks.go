package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task status values (spec §4.2).
const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// Task mirrors one row of the tasks table, the at-least-once work queue
// the adapter drains (spec §4.2).
type Task struct {
	ID        string
	Type      string
	Payload   json.RawMessage
	Result    json.RawMessage
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskStore is the repository over the tasks table.
type TaskStore struct {
	db Execer
}

// NewTaskStore builds a TaskStore over db.
func NewTaskStore(db Execer) *TaskStore {
	return &TaskStore{db: db}
}

// Create inserts a new pending task and returns its id. The caller is
// expected to wrap this in notify.Publisher.PersistAndNotify so the
// task.new NOTIFY fires atomically with the INSERT.
func (s *TaskStore) Create(ctx context.Context, tx *sql.Tx, taskType string, payload any) (string, error) {
	return s.CreateWithID(ctx, tx, uuid.NewString(), taskType, payload)
}

// CreateWithID inserts a new pending task under a caller-chosen id.
// Callers that must encode the task id into a NOTIFY envelope before the
// INSERT runs (notify.Publisher.PersistAndNotify encodes its payload
// before invoking persist) generate the id up front and pass it here.
func (s *TaskStore) CreateWithID(ctx context.Context, tx *sql.Tx, id, taskType string, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: marshal task payload: %w", err)
	}

	const q = `
		INSERT INTO tasks (id, type, payload, status)
		VALUES ($1, $2, $3, $4)`
	if _, err := tx.ExecContext(ctx, q, id, taskType, payloadJSON, TaskStatusPending); err != nil {
		return fmt.Errorf("store: insert task: %w", err)
	}
	return nil
}

// Get fetches a single task, or ErrNotFound.
func (s *TaskStore) Get(ctx context.Context, id string) (Task, error) {
	const q = `
		SELECT id, type, payload, result, status, created_at, updated_at
		FROM tasks WHERE id = $1`
	var t Task
	err := s.db.QueryRowContext(ctx, q, id).Scan(&t.ID, &t.Type, &t.Payload, &t.Result, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("store: get task %q: %w", id, err)
	}
	return t, nil
}

// ListPending returns up to limit of the oldest pending tasks, for a
// worker pool to attempt to claim. Callers must still go through Claim:
// a candidate returned here may already be claimed by another worker by
// the time this worker gets to it (spec §4.2: no global order, claim
// races are resolved by Claim's conditional UPDATE).
func (s *TaskStore) ListPending(ctx context.Context, limit int) ([]Task, error) {
	const q = `
		SELECT id, type, payload, result, status, created_at, updated_at
		FROM tasks WHERE status = $1 ORDER BY created_at ASC LIMIT $2`
	rows, err := s.db.QueryContext(ctx, q, TaskStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list pending tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Type, &t.Payload, &t.Result, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan pending task row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Claim transitions a pending task to processing, returning ErrNotFound
// if it's no longer pending (already claimed by another worker, or
// doesn't exist). Uses a conditional UPDATE rather than SELECT ... FOR
// UPDATE SKIP LOCKED so a claim attempt never blocks on lock contention
// (spec §4.2: at-least-once, no ordering guarantee).
func (s *TaskStore) Claim(ctx context.Context, id string) (Task, error) {
	const q = `
		UPDATE tasks SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING id, type, payload, result, status, created_at, updated_at`
	var t Task
	err := s.db.QueryRowContext(ctx, q, id, TaskStatusProcessing, TaskStatusPending).
		Scan(&t.ID, &t.Type, &t.Payload, &t.Result, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("store: claim task %q: %w", id, err)
	}
	return t, nil
}

// Complete writes the task's result and marks it completed. The caller
// wraps this in notify.Publisher.PersistAndNotify for the task.completed
// channel.
func (s *TaskStore) Complete(ctx context.Context, tx *sql.Tx, id string, result any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("store: marshal task result: %w", err)
	}
	const q = `
		UPDATE tasks SET result = $2, status = $3, updated_at = NOW()
		WHERE id = $1`
	res, err := tx.ExecContext(ctx, q, id, resultJSON, TaskStatusCompleted)
	if err != nil {
		return fmt.Errorf("store: complete task %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail marks a task failed, storing reason as its result payload. The
// caller wraps this in notify.Publisher.PersistAndNotify for the
// task.failed channel.
func (s *TaskStore) Fail(ctx context.Context, tx *sql.Tx, id, reason string) error {
	resultJSON, err := json.Marshal(map[string]string{"error": reason})
	if err != nil {
		return fmt.Errorf("store: marshal task failure: %w", err)
	}
	const q = `
		UPDATE tasks SET result = $2, status = $3, updated_at = NOW()
		WHERE id = $1`
	res, err := tx.ExecContext(ctx, q, id, resultJSON, TaskStatusFailed)
	if err != nil {
		return fmt.Errorf("store: fail task %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingCount reports the number of tasks still awaiting a worker.
func (s *TaskStore) PendingCount(ctx context.Context) (int, error) {
	const q = `SELECT COUNT(*) FROM tasks WHERE status = $1`
	var n int
	if err := s.db.QueryRowContext(ctx, q, TaskStatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: pending task count: %w", err)
	}
	return n, nil
}

// Stats returns a count per status, for the GET_METRICS liveness surface.
func (s *TaskStore) Stats(ctx context.Context) (map[string]int, error) {
	const q = `SELECT status, COUNT(*) FROM tasks GROUP BY status`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: task stats: %w", err)
	}
	defer rows.Close()

	stats := map[string]int{
		TaskStatusPending:    0,
		TaskStatusProcessing: 0,
		TaskStatusCompleted:  0,
		TaskStatusFailed:     0,
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("store: scan task stats row: %w", err)
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// CleanupOlderThan deletes tasks created before the cutoff, returning the
// number removed.
func (s *TaskStore) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup old tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
