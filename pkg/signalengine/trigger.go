package signalengine

import "time"

// Trigger type names carried on alert_configs.trigger_type (spec §3,
// §4.9), grounded in trigger_engine.py's TriggerType enum.
const (
	TriggerOnceOnly       = "once_only"
	TriggerEachKline      = "each_kline"
	TriggerEachKlineClose = "each_kline_close"
	TriggerEachMinute     = "each_minute"
)

// eachMinuteWindow is the cadence each_minute enforces between
// evaluations, grounded in trigger_engine.py's EachMinuteTrigger.WINDOW_SECONDS.
const eachMinuteWindow = 60 * time.Second

// KlineEvent is the subset of an incoming bar update a trigger engine
// needs to decide whether to fire, independent of the buffer's full
// history (spec §4.9).
type KlineEvent struct {
	OpenTime  int64
	CloseTime int64
	IsClosed  bool
}

// TriggerState tracks whatever a trigger engine needs to remember between
// evaluations. Only the fields relevant to an alert's own trigger type
// are ever populated (grounded in trigger_engine.py's TriggerState
// dataclass, which is likewise a single struct shared by every engine).
type TriggerState struct {
	Executed           bool
	LastExecutedAt     time.Time
	LastKlineCloseTime int64
}

// TriggerEngine decides, given the current state and an incoming bar,
// whether a strategy should be evaluated and what the new state is.
type TriggerEngine interface {
	ShouldExecute(state TriggerState, event KlineEvent, now time.Time) (execute bool, next TriggerState)
}

// GetTriggerEngine returns the engine for triggerType, or false if
// unrecognized (spec §4.9: an unknown trigger type is a config error,
// not a silent default).
func GetTriggerEngine(triggerType string) (TriggerEngine, bool) {
	switch triggerType {
	case TriggerOnceOnly:
		return onceOnlyEngine{}, true
	case TriggerEachKline:
		return eachKlineEngine{}, true
	case TriggerEachKlineClose:
		return eachKlineCloseEngine{}, true
	case TriggerEachMinute:
		return eachMinuteEngine{}, true
	default:
		return nil, false
	}
}

// onceOnlyEngine fires exactly once per alert config, ever.
type onceOnlyEngine struct{}

func (onceOnlyEngine) ShouldExecute(state TriggerState, _ KlineEvent, _ time.Time) (bool, TriggerState) {
	if state.Executed {
		return false, state
	}
	return true, TriggerState{Executed: true}
}

// eachKlineEngine fires on every buffer update, open or closed.
type eachKlineEngine struct{}

func (eachKlineEngine) ShouldExecute(state TriggerState, _ KlineEvent, _ time.Time) (bool, TriggerState) {
	return true, state
}

// eachKlineCloseEngine fires only when the incoming bar is closed,
// deduped on close-time identity so a repeated close notification for
// the same bar evaluates once (grounded in trigger_engine.py's
// EachKlineCloseTrigger, upstream-flag branch — the fallback
// current-time-past-close-time branch doesn't apply here since the
// signal worker always receives an explicit is_closed flag from the
// adapter's realtime.update payload).
type eachKlineCloseEngine struct{}

func (eachKlineCloseEngine) ShouldExecute(state TriggerState, event KlineEvent, _ time.Time) (bool, TriggerState) {
	if !event.IsClosed {
		return false, state
	}
	if state.LastKlineCloseTime == event.CloseTime {
		return false, state
	}
	return true, TriggerState{LastKlineCloseTime: event.CloseTime}
}

// eachMinuteEngine fires at most once per 60-second window, measured
// from the last fire (spec §4.9: "evaluates at most once per 60-second
// window"; grounded in trigger_engine.py's standalone EachMinuteTrigger
// class rather than signal_service.py's inline dispatch, which never
// implements the window and always fires).
type eachMinuteEngine struct{}

func (eachMinuteEngine) ShouldExecute(state TriggerState, _ KlineEvent, now time.Time) (bool, TriggerState) {
	if state.LastExecutedAt.IsZero() {
		return true, TriggerState{LastExecutedAt: now}
	}
	if now.Sub(state.LastExecutedAt) >= eachMinuteWindow {
		return true, TriggerState{LastExecutedAt: now}
	}
	return false, state
}
