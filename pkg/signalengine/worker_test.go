package signalengine

import (
	"encoding/json"
	"sync"
	"testing"
)

func newTestWorker() *Worker {
	return &Worker{
		buffers:       make(map[string]*Buffer),
		fingerprintMu: make(map[string]*sync.Mutex),
		triggerStates: make(map[string]TriggerState),
		pendingFills:  make(map[string]chan taskOutcome),
	}
}

func TestBufferKey(t *testing.T) {
	if got := bufferKey("BTCUSDT", "1"); got != "BTCUSDT:1" {
		t.Fatalf("unexpected buffer key: %s", got)
	}
}

func TestToStoreKline(t *testing.T) {
	k := klineUpdateData{
		Symbol: "BTCUSDT", Interval: "1",
		OpenTime: 1000, CloseTime: 1999,
		Open: "100.5", High: "101.2", Low: "99.8", Close: "100.9",
		Volume: "12.34", QuoteVolume: "1234.5", Trades: 42,
		TakerBuyBaseVolume: "5.5", TakerBuyQuoteVolume: "550",
	}
	out, err := toStoreKline(k)
	if err != nil {
		t.Fatal(err)
	}
	if out.Symbol != "BTCUSDT" || out.OpenTime != 1000 {
		t.Fatalf("unexpected conversion: %+v", out)
	}
	if out.Open.String() != "100.5" {
		t.Fatalf("expected decimal open 100.5, got %s", out.Open.String())
	}
	if out.Trades != 42 {
		t.Fatalf("expected trades 42, got %d", out.Trades)
	}
}

func TestToStoreKlineRejectsMalformedPrice(t *testing.T) {
	k := klineUpdateData{Open: "not-a-number", High: "1", Low: "1", Close: "1"}
	if _, err := toStoreKline(k); err == nil {
		t.Fatal("expected malformed open price to error")
	}
}

func TestHandleTaskOutcomeResolvesPendingFill(t *testing.T) {
	w := newTestWorker()
	ch := make(chan taskOutcome, 1)
	w.pendingFills["task-1"] = ch

	payload, _ := json.Marshal(map[string]any{
		"data": map[string]any{"task_id": "task-1"},
	})
	w.handleTaskOutcome(payload, false)

	select {
	case outcome := <-ch:
		if outcome.failed {
			t.Fatal("expected a completed outcome, not failed")
		}
	default:
		t.Fatal("expected outcome to be delivered to the pending channel")
	}
}

func TestHandleTaskOutcomeIgnoresUnknownTaskID(t *testing.T) {
	w := newTestWorker()
	payload, _ := json.Marshal(map[string]any{
		"data": map[string]any{"task_id": "unknown"},
	})
	// Must not panic or block when no waiter is registered.
	w.handleTaskOutcome(payload, true)
}

func TestHandleTaskOutcomeFailed(t *testing.T) {
	w := newTestWorker()
	ch := make(chan taskOutcome, 1)
	w.pendingFills["task-2"] = ch

	payload, _ := json.Marshal(map[string]any{
		"data": map[string]any{"task_id": "task-2", "error": "upstream timeout"},
	})
	w.handleTaskOutcome(payload, true)

	outcome := <-ch
	if !outcome.failed || outcome.errMsg != "upstream timeout" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestHandleAlertConfigInvalidate(t *testing.T) {
	w := newTestWorker()
	w.triggerStates["alert-1"] = TriggerState{Executed: true}

	payload, _ := json.Marshal(map[string]any{
		"data": map[string]any{"id": "alert-1"},
	})
	w.handleAlertConfigInvalidate(payload)

	if _, ok := w.triggerStates["alert-1"]; ok {
		t.Fatal("expected trigger state to be cleared")
	}
}

func TestGetFingerprintLockReusesSameMutex(t *testing.T) {
	w := newTestWorker()
	a := w.getFingerprintLock("BTCUSDT:1")
	b := w.getFingerprintLock("BTCUSDT:1")
	if a != b {
		t.Fatal("expected the same lock instance for the same key")
	}
}

func TestGetOrCreateBufferReusesSameBuffer(t *testing.T) {
	w := newTestWorker()
	w.cfg.RequiredKlines = 10
	a := w.getOrCreateBuffer("BTCUSDT", "1")
	b := w.getOrCreateBuffer("BTCUSDT", "1")
	if a != b {
		t.Fatal("expected the same buffer instance for the same symbol/interval")
	}
}
