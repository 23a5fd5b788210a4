package signalengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/binance-signal/platform/pkg/config"
	"github.com/binance-signal/platform/pkg/notify"
	"github.com/binance-signal/platform/pkg/store"
)

// backfillTaskType matches pkg/router's unexported taskTypeGetKlines
// constant: the adapter's task executor registers its get_klines handler
// under this same string, independent of either package importing the
// other.
const backfillTaskType = "get_klines"

// backfillPayload mirrors pkg/router's getKlinesPayload field-for-field,
// so a task this worker enqueues is indistinguishable from one the
// gateway's router enqueues for a client's GET_KLINES request.
type backfillPayload struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	FromTime int64  `json:"from_time"`
	ToTime   int64  `json:"to_time"`
	Limit    int    `json:"limit"`
}

// klineUpdateData is the shape this worker expects inside a
// realtime.update envelope's Data.Data field for rows of data_type
// "KLINE" — the wire contract shared with pkg/exchange, which publishes
// it on every streamed or closed bar (spec §4.9, §4.10).
type klineUpdateData struct {
	Symbol              string `json:"symbol"`
	Interval            string `json:"interval"`
	OpenTime            int64  `json:"open_time"`
	CloseTime           int64  `json:"close_time"`
	Open                string `json:"open"`
	High                string `json:"high"`
	Low                 string `json:"low"`
	Close               string `json:"close"`
	Volume              string `json:"volume"`
	QuoteVolume         string `json:"quote_volume"`
	Trades              int64  `json:"trades"`
	TakerBuyBaseVolume  string `json:"taker_buy_base_volume"`
	TakerBuyQuoteVolume string `json:"taker_buy_quote_volume"`
	IsClosed            bool   `json:"is_closed"`
}

// realtimeUpdateEnvelope mirrors the shape a realtime.update NOTIFY
// carries in its Data field — the same fields as a store.RealtimeRow,
// since the event is emitted whenever that row is written (spec §4.1,
// §4.3).
type realtimeUpdateEnvelope struct {
	SubscriptionKey string          `json:"subscription_key"`
	DataType        string          `json:"data_type"`
	Data            json.RawMessage `json:"data"`
	Truncated       bool            `json:"truncated"`
}

type taskOutcome struct {
	failed bool
	errMsg string
}

// Worker evaluates every enabled alert config against the live k-line
// stream, maintaining one rolling Buffer per (symbol, interval) pair and
// dispatching strategy evaluations through each alert's trigger engine
// (spec §4.9). It owns a dedicated notify.Listener distinct from the
// gateway dispatcher's, since the channel subset and failure semantics
// differ (grounded in signal_service.py's SignalService, which runs as
// its own process against the same NOTIFY channels as the other
// services).
type Worker struct {
	cfg config.SignalWorkerConfig

	klineStore  *store.KlineStore
	signalStore *store.SignalStore
	alertStore  *store.AlertConfigStore
	taskStore   *store.TaskStore
	publisher   *notify.Publisher
	listener    *notify.Listener
	strategies  *StrategyRegistry

	mu            sync.Mutex
	buffers       map[string]*Buffer
	fingerprintMu map[string]*sync.Mutex
	triggerStates map[string]TriggerState // keyed by alert_configs.id
	pendingFills  map[string]chan taskOutcome
}

// NewWorker builds a Worker. Call Start to begin listening and to
// pre-warm buffers for every currently enabled alert config.
func NewWorker(db *sql.DB, dsn string, publisher *notify.Publisher, strategies *StrategyRegistry, cfg config.SignalWorkerConfig) *Worker {
	return &Worker{
		cfg:           cfg,
		klineStore:    store.NewKlineStore(db),
		signalStore:   store.NewSignalStore(db),
		alertStore:    store.NewAlertConfigStore(db),
		taskStore:     store.NewTaskStore(db),
		publisher:     publisher,
		listener:      notify.NewListener(dsn),
		strategies:    strategies,
		buffers:       make(map[string]*Buffer),
		fingerprintMu: make(map[string]*sync.Mutex),
		triggerStates: make(map[string]TriggerState),
		pendingFills:  make(map[string]chan taskOutcome),
	}
}

// Start opens the dedicated notify connection, subscribes to the
// channels this worker cares about, and kicks off background buffer
// pre-warming for every enabled alert config found at boot.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.listener.Start(ctx); err != nil {
		return fmt.Errorf("signalengine: start listener: %w", err)
	}

	w.listener.RegisterHandler(notify.ChannelRealtimeUpdate, func(payload []byte) {
		w.handleRealtimeUpdate(ctx, payload)
	})
	w.listener.RegisterHandler(notify.ChannelAlertConfigNew, func(payload []byte) {
		slog.Debug("signalengine: alert_config.new observed")
	})
	w.listener.RegisterHandler(notify.ChannelAlertConfigUpdate, func(payload []byte) {
		w.handleAlertConfigInvalidate(payload)
	})
	w.listener.RegisterHandler(notify.ChannelAlertConfigDelete, func(payload []byte) {
		w.handleAlertConfigInvalidate(payload)
	})
	w.listener.RegisterHandler(notify.ChannelTaskCompleted, func(payload []byte) {
		w.handleTaskOutcome(payload, false)
	})
	w.listener.RegisterHandler(notify.ChannelTaskFailed, func(payload []byte) {
		w.handleTaskOutcome(payload, true)
	})

	for _, ch := range []string{
		notify.ChannelRealtimeUpdate,
		notify.ChannelAlertConfigNew,
		notify.ChannelAlertConfigUpdate,
		notify.ChannelAlertConfigDelete,
		notify.ChannelTaskCompleted,
		notify.ChannelTaskFailed,
	} {
		if err := w.listener.Subscribe(ctx, ch); err != nil {
			return fmt.Errorf("signalengine: subscribe %s: %w", ch, err)
		}
	}

	configs, err := w.alertStore.List(ctx, 10000, 0)
	if err != nil {
		return fmt.Errorf("signalengine: list alert configs at startup: %w", err)
	}
	seen := make(map[string]bool)
	for _, c := range configs {
		if !c.IsEnabled {
			continue
		}
		key := bufferKey(c.Symbol, c.Interval)
		if seen[key] {
			continue
		}
		seen[key] = true
		go w.warmBuffer(ctx, c.Symbol, c.Interval)
	}

	return nil
}

// Stop releases the dedicated notify connection.
func (w *Worker) Stop(ctx context.Context) {
	w.listener.Stop(ctx)
}

func bufferKey(symbol, interval string) string {
	return symbol + ":" + interval
}

// handleAlertConfigInvalidate drops cached trigger state for an alert
// whose config just changed or was removed: a changed trigger_type
// starting from stale state (e.g. a once_only alert re-enabled after
// edit) must re-evaluate its "executed" bookkeeping from scratch.
func (w *Worker) handleAlertConfigInvalidate(payload []byte) {
	var msg struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Data.ID == "" {
		return
	}
	w.mu.Lock()
	delete(w.triggerStates, msg.Data.ID)
	w.mu.Unlock()
}

// handleTaskOutcome resolves a pending back-fill wait keyed by task_id,
// matching the envelope shape pkg/queue's worker emits on
// task.completed/task.failed (spec §4.2).
func (w *Worker) handleTaskOutcome(payload []byte, failed bool) {
	var msg struct {
		Data struct {
			TaskID string `json:"task_id"`
			Error  string `json:"error"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Data.TaskID == "" {
		return
	}
	w.mu.Lock()
	ch, ok := w.pendingFills[msg.Data.TaskID]
	w.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- taskOutcome{failed: failed, errMsg: msg.Data.Error}:
	default:
	}
}

// handleRealtimeUpdate is the single entry point for every bar the
// adapter streams. Non-KLINE rows (quotes, account, trade) are not this
// worker's concern and are ignored.
func (w *Worker) handleRealtimeUpdate(ctx context.Context, payload []byte) {
	var outer struct {
		Data realtimeUpdateEnvelope `json:"data"`
	}
	if err := json.Unmarshal(payload, &outer); err != nil {
		slog.Error("signalengine: malformed realtime.update envelope", "error", err)
		return
	}
	if outer.Data.DataType != "KLINE" || outer.Data.Truncated {
		return
	}

	var k klineUpdateData
	if err := json.Unmarshal(outer.Data.Data, &k); err != nil {
		slog.Error("signalengine: malformed kline update payload", "error", err)
		return
	}

	kline, err := toStoreKline(k)
	if err != nil {
		slog.Error("signalengine: invalid kline update", "error", err)
		return
	}

	w.processUpdate(ctx, outer.Data.SubscriptionKey, k.Symbol, k.Interval, kline, k.IsClosed)
}

func toStoreKline(k klineUpdateData) (store.Kline, error) {
	open, err := decimal.NewFromString(k.Open)
	if err != nil {
		return store.Kline{}, fmt.Errorf("open: %w", err)
	}
	high, err := decimal.NewFromString(k.High)
	if err != nil {
		return store.Kline{}, fmt.Errorf("high: %w", err)
	}
	low, err := decimal.NewFromString(k.Low)
	if err != nil {
		return store.Kline{}, fmt.Errorf("low: %w", err)
	}
	closeP, err := decimal.NewFromString(k.Close)
	if err != nil {
		return store.Kline{}, fmt.Errorf("close: %w", err)
	}
	volume, _ := decimal.NewFromString(k.Volume)
	quoteVolume, _ := decimal.NewFromString(k.QuoteVolume)
	takerBase, _ := decimal.NewFromString(k.TakerBuyBaseVolume)
	takerQuote, _ := decimal.NewFromString(k.TakerBuyQuoteVolume)

	return store.Kline{
		Symbol:              k.Symbol,
		Interval:            k.Interval,
		OpenTime:            k.OpenTime,
		CloseTime:           k.CloseTime,
		Open:                open,
		High:                high,
		Low:                 low,
		Close:               closeP,
		Volume:              volume,
		QuoteVolume:         quoteVolume,
		Trades:              k.Trades,
		TakerBuyBaseVolume:  takerBase,
		TakerBuyQuoteVolume: takerQuote,
	}, nil
}

// processUpdate applies a single incoming bar to its buffer, guarded by a
// per-(symbol,interval) lock that drops — rather than queues — any
// update arriving while a gap-triggered back-fill is already in flight
// for the same pair (spec §4.9: "a per-fingerprint lock that drops
// concurrent updates while held").
func (w *Worker) processUpdate(ctx context.Context, subscriptionKey, symbol, interval string, kline store.Kline, isClosed bool) {
	key := bufferKey(symbol, interval)
	lock := w.getFingerprintLock(key)
	if !lock.TryLock() {
		slog.Debug("signalengine: dropping update under concurrent gap fill", "symbol", symbol, "interval", interval)
		return
	}
	defer lock.Unlock()

	buf := w.getOrCreateBuffer(symbol, interval)
	if !buf.Ready() {
		w.fillUntilReady(ctx, symbol, interval, buf)
		if !buf.Ready() {
			return
		}
	}

	intervalMs, ok := IntervalMillis[interval]
	if !ok {
		slog.Error("signalengine: unknown interval", "interval", interval)
		return
	}

	if gap := buf.DetectGap(kline, intervalMs); gap.HasGap {
		slog.Warn("signalengine: gap detected, back-filling", "symbol", symbol, "interval", interval,
			"expected_from", gap.ExpectedFrom, "got", gap.Got)
		if err := w.runBackfillTask(ctx, symbol, interval, intervalMs); err != nil {
			slog.Warn("signalengine: gap back-fill task failed", "symbol", symbol, "interval", interval, "error", err)
		}
		w.fillUntilReady(ctx, symbol, interval, buf)
		return
	}

	buf.Update(kline)
	w.evaluateAlerts(ctx, symbol, interval, subscriptionKey, buf, KlineEvent{
		OpenTime:  kline.OpenTime,
		CloseTime: kline.CloseTime,
		IsClosed:  isClosed,
	})
}

func (w *Worker) getFingerprintLock(key string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.fingerprintMu[key]
	if !ok {
		m = &sync.Mutex{}
		w.fingerprintMu[key] = m
	}
	return m
}

func (w *Worker) getOrCreateBuffer(symbol, interval string) *Buffer {
	key := bufferKey(symbol, interval)
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.buffers[key]
	if !ok {
		b = NewBuffer(w.cfg.RequiredKlines)
		w.buffers[key] = b
	}
	return b
}

// warmBuffer loads and validates history for (symbol, interval) at
// startup, blocking (in its own goroutine) until enough continuous
// history is available.
func (w *Worker) warmBuffer(ctx context.Context, symbol, interval string) {
	lock := w.getFingerprintLock(bufferKey(symbol, interval))
	lock.Lock()
	defer lock.Unlock()

	buf := w.getOrCreateBuffer(symbol, interval)
	w.fillUntilReady(ctx, symbol, interval, buf)
}

// fillUntilReady loads history from klines_history, validating quantity
// and continuity; on failure it enqueues a get_klines back-fill task and
// waits (grounded in signal_service.py's _fill_kline_data /
// _wait_for_task_completion_with_conn: 5s wait per attempt, 2s retry
// delay, unbounded retries).
func (w *Worker) fillUntilReady(ctx context.Context, symbol, interval string, buf *Buffer) {
	intervalMs, ok := IntervalMillis[interval]
	if !ok {
		slog.Error("signalengine: unknown interval, cannot back-fill", "interval", interval)
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		history, err := w.klineStore.Latest(ctx, symbol, interval, w.cfg.RequiredKlines)
		if err != nil {
			slog.Error("signalengine: load history failed", "symbol", symbol, "interval", interval, "error", err)
		} else if valid, reason := ValidateHistory(history, intervalMs, w.cfg.RequiredKlines); valid {
			buf.Init(history)
			return
		} else {
			slog.Debug("signalengine: history not yet usable", "symbol", symbol, "interval", interval, "reason", reason)
		}

		if err := w.runBackfillTask(ctx, symbol, interval, intervalMs); err != nil {
			slog.Warn("signalengine: back-fill task attempt failed", "symbol", symbol, "interval", interval, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.FillRetryDelay):
		}
	}
}

// runBackfillTask enqueues one get_klines task covering the window ending
// now and waits up to FillWaitTimeout for its completion or failure
// notification.
func (w *Worker) runBackfillTask(ctx context.Context, symbol, interval string, intervalMs int64) error {
	taskID := uuid.NewString()
	toTime := time.Now().UnixMilli()
	fromTime := toTime - intervalMs*int64(w.cfg.RequiredKlines)

	payload := backfillPayload{
		Symbol:   symbol,
		Interval: interval,
		FromTime: fromTime,
		ToTime:   toTime,
		Limit:    w.cfg.RequiredKlines,
	}

	resultCh := make(chan taskOutcome, 1)
	w.mu.Lock()
	w.pendingFills[taskID] = resultCh
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.pendingFills, taskID)
		w.mu.Unlock()
	}()

	err := w.publisher.PersistAndNotify(ctx, notify.ChannelTaskNew, "task.new",
		map[string]any{"task_id": taskID, "type": backfillTaskType},
		func(ctx context.Context, tx *sql.Tx) error {
			return w.taskStore.CreateWithID(ctx, tx, taskID, backfillTaskType, payload)
		})
	if err != nil {
		return fmt.Errorf("signalengine: enqueue back-fill task: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, w.cfg.FillWaitTimeout)
	defer cancel()

	select {
	case outcome := <-resultCh:
		if outcome.failed {
			return fmt.Errorf("signalengine: back-fill task %s failed: %s", taskID, outcome.errMsg)
		}
		return nil
	case <-waitCtx.Done():
		return fmt.Errorf("signalengine: back-fill task %s: timed out waiting for completion", taskID)
	}
}

// evaluateAlerts runs every enabled alert watching (symbol, interval)
// through its trigger engine and, if it fires, its strategy, persisting
// any resulting signal (spec §4.9, grounded in signal_service.py's
// _process_alert_signal).
func (w *Worker) evaluateAlerts(ctx context.Context, symbol, interval, subscriptionKey string, buf *Buffer, event KlineEvent) {
	configs, err := w.alertStore.ListEnabledBySymbolInterval(ctx, symbol, interval)
	if err != nil {
		slog.Error("signalengine: list enabled alert configs failed", "symbol", symbol, "interval", interval, "error", err)
		return
	}

	for _, cfg := range configs {
		engine, ok := GetTriggerEngine(cfg.TriggerType)
		if !ok {
			slog.Error("signalengine: unknown trigger type", "alert_id", cfg.ID, "trigger_type", cfg.TriggerType)
			continue
		}

		w.mu.Lock()
		state := w.triggerStates[cfg.ID]
		w.mu.Unlock()

		execute, next := engine.ShouldExecute(state, event, time.Now())

		w.mu.Lock()
		w.triggerStates[cfg.ID] = next
		w.mu.Unlock()

		if !execute {
			continue
		}

		w.evaluateStrategy(ctx, cfg, subscriptionKey, buf)
	}
}

func (w *Worker) evaluateStrategy(ctx context.Context, cfg store.AlertConfig, subscriptionKey string, buf *Buffer) {
	strat, ok := w.strategies.Get(cfg.StrategyType)
	if !ok {
		slog.Error("signalengine: unknown strategy type", "alert_id", cfg.ID, "strategy_type", cfg.StrategyType)
		return
	}

	out, err := strat.Evaluate(buf.Klines(), cfg.Params)
	if err != nil {
		slog.Error("signalengine: strategy evaluation failed", "alert_id", cfg.ID, "strategy_type", cfg.StrategyType, "error", err)
		return
	}

	value, err := LastSignal(out)
	if err != nil {
		slog.Error("signalengine: reduce strategy output failed", "alert_id", cfg.ID, "error", err)
		return
	}

	nb := value.NullableBool()
	if nb == nil {
		return
	}

	sig := store.StrategySignal{
		ID:                    uuid.NewString(),
		AlertID:               cfg.ID,
		StrategyType:          cfg.StrategyType,
		Symbol:                cfg.Symbol,
		Interval:              cfg.Interval,
		TriggerType:           cfg.TriggerType,
		SignalValue:           *nb,
		SignalReason:          value.String(),
		SourceSubscriptionKey: subscriptionKey,
		Metadata:              json.RawMessage("{}"),
	}

	notifyData := map[string]any{
		"id":               sig.ID,
		"alert_id":         cfg.ID,
		"symbol":           cfg.Symbol,
		"interval":         cfg.Interval,
		"signal_value":     *nb,
		"signal_reason":    value.String(),
		"subscription_key": subscriptionKey,
	}
	err = w.publisher.PersistAndNotify(ctx, notify.ChannelSignalNew, "signal.new", notifyData, func(ctx context.Context, tx *sql.Tx) error {
		_, err := w.signalStore.Insert(ctx, tx, sig)
		return err
	})
	if err != nil {
		slog.Error("signalengine: persist signal failed", "alert_id", cfg.ID, "error", err)
		return
	}
	slog.Info("signalengine: signal fired", "alert_id", cfg.ID, "signal_id", sig.ID, "value", value.String())
}
