// Package dispatcher implements the gateway's notification dispatcher:
// the single listener per process that owns the dedicated notify
// connection, translates task completions and realtime updates into
// wire frames, and broadcasts them to the sessions interested in them
// (spec §4.7, §4.8).
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/binance-signal/platform/pkg/notify"
	"github.com/binance-signal/platform/pkg/store"
	"github.com/binance-signal/platform/pkg/wire"
)

// Task types the exchange adapter executes (spec §4.2, §4.10). Duplicated
// from pkg/router's unexported constants of the same name, as
// pkg/signalengine already does for backfillTaskType: the two packages
// share the string contract without an import dependency.
const (
	taskTypeGetKlines  = "get_klines"
	taskTypeGetQuotes  = "get_quotes"
	taskTypeGetAccount = "get_account"
)

// Hub is the subset of *hub.Hub the dispatcher drives: resolving a task
// id back to the session/request that's waiting on it, and delivering
// frames (spec §9: interface abstraction across the hub/registry/
// dispatcher cycle).
type Hub interface {
	Send(sessionID string, resp wire.Response) bool
	Broadcast(sessionIDs []string, resp wire.Response)
	ResolveTask(taskID string) (sessionID, requestID string, ok bool)
}

// RegistrySnapshot is the subset of *registry.Registry the wildcard
// broadcaster needs: a point-in-time copy of fingerprint -> session ids
// (spec §4.8).
type RegistrySnapshot interface {
	Snapshot() map[string][]string
}

// Dispatcher owns the gateway's dedicated notify.Listener and every
// repository needed to hydrate a task completion's side-table result
// (spec §4.7).
type Dispatcher struct {
	hub      Hub
	registry RegistrySnapshot

	tasks    *store.TaskStore
	klines   *store.KlineStore
	accounts *store.AccountStore
	realtime *store.RealtimeStore

	listener Listener
}

// Listener is the subset of *notify.Listener the dispatcher drives,
// letting tests substitute a fake without opening a real LISTEN
// connection.
type Listener interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	Subscribe(ctx context.Context, channel string) error
	RegisterHandler(channel string, fn func(payload []byte))
}

// Config bundles Dispatcher's collaborators.
type Config struct {
	Hub      Hub
	Registry RegistrySnapshot
	Listener Listener
	Tasks    *store.TaskStore
	Klines   *store.KlineStore
	Accounts *store.AccountStore
	Realtime *store.RealtimeStore
}

// New builds a Dispatcher. Call Start to begin consuming notifications.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		hub:      cfg.Hub,
		registry: cfg.Registry,
		tasks:    cfg.Tasks,
		klines:   cfg.Klines,
		accounts: cfg.Accounts,
		realtime: cfg.Realtime,
		listener: cfg.Listener,
	}
}

// notifyChannels is the set this dispatcher subscribes to. alert_config.*
// channels are deliberately excluded: they are observed by the signal
// worker only, never broadcast to clients (spec §4.7).
var notifyChannels = []string{
	notify.ChannelTaskCompleted,
	notify.ChannelTaskFailed,
	notify.ChannelRealtimeUpdate,
	notify.ChannelSignalNew,
}

// Start opens the dedicated notify connection, registers every handler,
// and subscribes to this dispatcher's channel set.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.listener.Start(ctx); err != nil {
		return fmt.Errorf("dispatcher: start listener: %w", err)
	}

	d.listener.RegisterHandler(notify.ChannelTaskCompleted, func(payload []byte) {
		d.handleTaskOutcome(ctx, payload, false)
	})
	d.listener.RegisterHandler(notify.ChannelTaskFailed, func(payload []byte) {
		d.handleTaskOutcome(ctx, payload, true)
	})
	d.listener.RegisterHandler(notify.ChannelRealtimeUpdate, func(payload []byte) {
		d.handleRealtimeUpdate(ctx, payload)
	})
	d.listener.RegisterHandler(notify.ChannelSignalNew, func(payload []byte) {
		d.handleSignalNew(payload)
	})

	for _, ch := range notifyChannels {
		if err := d.listener.Subscribe(ctx, ch); err != nil {
			return fmt.Errorf("dispatcher: subscribe %s: %w", ch, err)
		}
	}
	return nil
}

// Stop releases the dedicated notify connection.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.listener.Stop(ctx)
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// taskEnvelopeData is the Data shape every task.completed/task.failed
// NOTIFY carries (spec §4.2, pkg/queue/worker.go's PersistAndNotify
// calls).
type taskEnvelopeData struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

// handleTaskOutcome resolves the session/request a completed or failed
// task belongs to and sends its terminal frame. A task with no known
// correlation (the session already disconnected, or the gateway
// restarted since the request) is silently dropped (spec §4.2: "the
// dispatcher ignores unknown task ids").
func (d *Dispatcher) handleTaskOutcome(ctx context.Context, payload []byte, failed bool) {
	var outer struct {
		Data taskEnvelopeData `json:"data"`
	}
	if err := json.Unmarshal(payload, &outer); err != nil {
		slog.Error("dispatcher: malformed task outcome envelope", "error", err)
		return
	}
	if outer.Data.TaskID == "" {
		return
	}

	sessionID, requestID, ok := d.hub.ResolveTask(outer.Data.TaskID)
	if !ok {
		return
	}

	if failed {
		d.hub.Send(sessionID, wire.Error(requestID, wire.ErrTaskFailed, outer.Data.Error, nowMillis()))
		return
	}

	if err := d.sendTaskResult(ctx, sessionID, requestID, outer.Data.TaskID); err != nil {
		slog.Error("dispatcher: build task result failed", "task_id", outer.Data.TaskID, "error", err)
		d.hub.Send(sessionID, wire.Error(requestID, wire.ErrInternal, err.Error(), nowMillis()))
	}
}

// sendTaskResult loads the completed task row and routes it to the
// appropriate result builder by type: historical k-lines and account
// info fetch from their side table, everything else uses the task's
// inline result column (spec §4.7).
func (d *Dispatcher) sendTaskResult(ctx context.Context, sessionID, requestID, taskID string) error {
	task, err := d.tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}

	switch task.Type {
	case taskTypeGetKlines:
		return d.sendKlinesResult(ctx, sessionID, requestID, task)
	case taskTypeGetAccount:
		return d.sendAccountResult(ctx, sessionID, requestID, task)
	default:
		return d.sendInlineResult(sessionID, requestID, task)
	}
}

type klinesTaskPayload struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	FromTime int64  `json:"from_time"`
	ToTime   int64  `json:"to_time"`
}

func (d *Dispatcher) sendKlinesResult(ctx context.Context, sessionID, requestID string, task store.Task) error {
	var p klinesTaskPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal get_klines task payload: %w", err)
	}
	bars, err := d.klines.Range(ctx, p.Symbol, p.Interval, p.FromTime, p.ToTime)
	if err != nil {
		return fmt.Errorf("re-query klines: %w", err)
	}
	out := make([]wire.Bar, 0, len(bars))
	for _, b := range bars {
		out = append(out, wire.Bar{
			Time:   b.OpenTime,
			Open:   mustFloat(b.Open.String()),
			High:   mustFloat(b.High.String()),
			Low:    mustFloat(b.Low.String()),
			Close:  mustFloat(b.Close.String()),
			Volume: mustFloat(b.Volume.String()),
		})
	}
	d.hub.Send(sessionID, wire.Success(requestID, wire.DataKindKlines, wire.KlinesResponseData{
		Symbol: p.Symbol, Interval: p.Interval, Bars: out,
	}, nowMillis()))
	return nil
}

type accountTaskPayload struct {
	AccountType string `json:"account_type"`
}

func (d *Dispatcher) sendAccountResult(ctx context.Context, sessionID, requestID string, task store.Task) error {
	var p accountTaskPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal get_account task payload: %w", err)
	}
	info, err := d.accounts.Get(ctx, p.AccountType)
	if err != nil {
		return fmt.Errorf("re-query account info: %w", err)
	}
	d.hub.Send(sessionID, wire.Success(requestID, wire.DataKindAccount, info.Data, nowMillis()))
	return nil
}

// sendInlineResult builds a success frame straight from the task's
// result column. get_quotes is the only task type that reaches here
// today; any future inline-result task type falls through the same
// path unchanged.
func (d *Dispatcher) sendInlineResult(sessionID, requestID string, task store.Task) error {
	d.hub.Send(sessionID, wire.Success(requestID, wire.DataKindQuotes, task.Result, nowMillis()))
	return nil
}
