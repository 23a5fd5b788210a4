// Package queue implements the task-queue worker pool the exchange
// adapter runs to drain pkg/store's tasks table: a pool of goroutines
// woken by task.new notifications (with a fixed poll fallback), each
// claiming one pending row, dispatching it by type to a registered
// Handler, and writing back a completed or failed result (spec §4.2).
//
// Task types are idempotent and may complete out of order relative to
// each other; the queue makes no ordering guarantee across tasks (spec
// §4.2, §5).
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrNoTasksAvailable indicates the queue found no pending task to claim.
var ErrNoTasksAvailable = errors.New("queue: no tasks available")

// ErrUnknownTaskType indicates no Handler is registered for a task's type.
var ErrUnknownTaskType = errors.New("queue: unknown task type")

// Task is the subset of a store.Task a Handler needs.
type Task struct {
	ID      string
	Type    string
	Payload []byte
}

// Handler executes one task's work and returns its result. For bulk
// payload task types (spec §4.2: historical k-lines), the handler writes
// directly to the side table and returns (nil, nil) so the task row's
// result column stays null; the dispatcher re-queries that side table on
// task.completed instead of reading the inline result.
type Handler func(ctx context.Context, task Task) (result any, err error)

// Worker status values reported by Health.
const (
	WorkerStatusIdle    = "idle"
	WorkerStatusWorking = "working"
)

// WorkerHealth reports one worker's current state.
type WorkerHealth struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	CurrentTaskID  string    `json:"current_task_id,omitempty"`
	TasksProcessed int       `json:"tasks_processed"`
	LastActivity   time.Time `json:"last_activity"`
}

// PoolHealth reports the worker pool's aggregate state, surfaced by the
// adapter's GET_METRICS / liveness endpoint.
type PoolHealth struct {
	Workers      int            `json:"workers"`
	PendingCount int            `json:"pending_count"`
	WorkerStats  []WorkerHealth `json:"worker_stats"`
}
