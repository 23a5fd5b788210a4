package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/binance-signal/platform/pkg/notify"
	"github.com/binance-signal/platform/pkg/store"
)

// Config configures a Pool.
type Config struct {
	// WorkerCount is not read by New or Start; the number of workers is
	// Start's workerCount argument (default 4).
	WorkerCount int
	// PollEvery is the fallback poll cadence used when no Wake() arrives
	// (e.g. the adapter's task.new notify handler). Default 2s.
	PollEvery time.Duration
}

// Pool runs the workerCount goroutines passed to Start, draining
// store.TaskStore, woken
// by task.new notifications forwarded to Wake, with the poll fallback
// ensuring no task is stranded if a notification is ever missed (the
// notify bus is at-least-once but not guaranteed, spec §4.1).
type Pool struct {
	id        string
	tasks     *store.TaskStore
	publisher *notify.Publisher
	handlers  map[string]Handler
	workers   []*worker
	wake      chan struct{}
	pollEvery time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Pool. Register handlers with Handle before calling Start.
func New(id string, tasks *store.TaskStore, publisher *notify.Publisher, cfg Config) *Pool {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	return &Pool{
		id:        id,
		tasks:     tasks,
		publisher: publisher,
		handlers:  make(map[string]Handler),
		wake:      make(chan struct{}, 1),
		pollEvery: cfg.PollEvery,
		stopCh:    make(chan struct{}),
	}
}

// Handle registers fn as the handler for taskType. Must be called before
// Start; not safe for concurrent use with Start/running workers.
func (p *Pool) Handle(taskType string, fn Handler) {
	p.handlers[taskType] = fn
}

// Wake signals idle workers to check for newly inserted pending tasks
// immediately rather than waiting out the poll interval. Call this from
// the adapter's task.new notify handler.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start spawns workerCount worker goroutines.
func (p *Pool) Start(ctx context.Context, workerCount int) {
	if workerCount <= 0 {
		workerCount = 4
	}
	for i := 0; i < workerCount; i++ {
		w := &worker{
			id:           fmt.Sprintf("%s-worker-%d", p.id, i),
			pool:         p,
			status:       WorkerStatusIdle,
			lastActivity: time.Now(),
		}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(ctx, p.stopCh)
		}()
	}
	slog.Info("queue: worker pool started", "pool_id", p.id, "workers", workerCount)
}

// Stop signals every worker to exit after its current task and waits for
// them to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	slog.Info("queue: worker pool stopped", "pool_id", p.id)
}

// Health reports current pool and per-worker status.
func (p *Pool) Health(ctx context.Context) PoolHealth {
	pending, err := p.tasks.PendingCount(ctx)
	if err != nil {
		slog.Error("queue: health pending count failed", "error", err)
	}
	stats := make([]WorkerHealth, len(p.workers))
	for i, w := range p.workers {
		stats[i] = w.health()
	}
	return PoolHealth{Workers: len(p.workers), PendingCount: pending, WorkerStats: stats}
}
