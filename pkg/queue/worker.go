package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/binance-signal/platform/pkg/notify"
	"github.com/binance-signal/platform/pkg/store"
)

// worker polls for claimable tasks and dispatches them to the handler
// registered for their type.
type worker struct {
	id   string
	pool *Pool

	mu            sync.RWMutex
	status        string
	currentTaskID string
	processed     int
	lastActivity  time.Time
}

func (w *worker) health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         w.status,
		CurrentTaskID:  w.currentTaskID,
		TasksProcessed: w.processed,
		LastActivity:   w.lastActivity,
	}
}

func (w *worker) setStatus(status, taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTaskID = taskID
	w.lastActivity = time.Now()
}

// run loops claiming and processing tasks until stopCh closes, sleeping
// between empty polls unless woken early by the pool's wake channel.
func (w *worker) run(ctx context.Context, stopCh chan struct{}) {
	log := slog.With("worker_id", w.id)
	log.Info("queue: worker started")

	for {
		select {
		case <-stopCh:
			log.Info("queue: worker stopping")
			return
		case <-ctx.Done():
			return
		default:
		}

		task, err := w.claimOne(ctx)
		if err != nil {
			if errors.Is(err, ErrNoTasksAvailable) {
				w.sleep(stopCh)
				continue
			}
			log.Error("queue: claim failed", "error", err)
			w.sleep(stopCh)
			continue
		}

		w.process(ctx, task)
	}
}

func (w *worker) sleep(stopCh chan struct{}) {
	select {
	case <-stopCh:
	case <-w.pool.wake:
	case <-time.After(w.pool.pollEvery):
	}
}

// claimOne lists the oldest pending tasks and attempts to claim the
// first still pending by the time this worker gets to it: concurrent
// workers racing on the same candidate harmlessly lose via TaskStore's
// conditional UPDATE (spec §4.2 — no SELECT ... FOR UPDATE SKIP LOCKED
// needed since tasks never block on lock contention).
func (w *worker) claimOne(ctx context.Context) (store.Task, error) {
	candidates, err := w.pool.tasks.ListPending(ctx, 8)
	if err != nil {
		return store.Task{}, fmt.Errorf("queue: list pending: %w", err)
	}
	for _, c := range candidates {
		claimed, err := w.pool.tasks.Claim(ctx, c.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue // lost the claim race to another worker
		}
		if err != nil {
			return store.Task{}, err
		}
		return claimed, nil
	}
	return store.Task{}, ErrNoTasksAvailable
}

func (w *worker) process(ctx context.Context, task store.Task) {
	w.setStatus(WorkerStatusWorking, task.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	log := slog.With("worker_id", w.id, "task_id", task.ID, "task_type", task.Type)

	handler, ok := w.pool.handlers[task.Type]
	if !ok {
		log.Error("queue: no handler registered for task type")
		w.fail(ctx, task.ID, ErrUnknownTaskType.Error())
		return
	}

	result, err := handler(ctx, Task{ID: task.ID, Type: task.Type, Payload: task.Payload})
	if err != nil {
		log.Error("queue: task failed", "error", err)
		w.fail(ctx, task.ID, err.Error())
		return
	}

	if err := w.complete(ctx, task.ID, result); err != nil {
		log.Error("queue: failed to record completion", "error", err)
		return
	}

	w.mu.Lock()
	w.processed++
	w.mu.Unlock()
	log.Info("queue: task completed")
}

func (w *worker) complete(ctx context.Context, taskID string, result any) error {
	return w.pool.publisher.PersistAndNotify(ctx, notify.ChannelTaskCompleted, "task.completed",
		map[string]any{"task_id": taskID},
		func(ctx context.Context, tx *sql.Tx) error {
			return w.pool.tasks.Complete(ctx, tx, taskID, result)
		})
}

func (w *worker) fail(ctx context.Context, taskID, reason string) {
	err := w.pool.publisher.PersistAndNotify(ctx, notify.ChannelTaskFailed, "task.failed",
		map[string]any{"task_id": taskID, "error": reason},
		func(ctx context.Context, tx *sql.Tx) error {
			return w.pool.tasks.Fail(ctx, tx, taskID, reason)
		})
	if err != nil {
		slog.Error("queue: failed to record failure", "task_id", taskID, "error", err)
	}
}
