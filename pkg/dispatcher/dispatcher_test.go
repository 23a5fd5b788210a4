package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/binance-signal/platform/pkg/wire"
)

type fakeHub struct {
	sent      []wire.Response
	broadcast []string
	tasks     map[string][2]string // taskID -> [sessionID, requestID]
}

func newFakeHub() *fakeHub {
	return &fakeHub{tasks: make(map[string][2]string)}
}

func (f *fakeHub) Send(sessionID string, resp wire.Response) bool {
	f.sent = append(f.sent, resp)
	return true
}

func (f *fakeHub) Broadcast(sessionIDs []string, resp wire.Response) {
	f.broadcast = append(f.broadcast, sessionIDs...)
	f.sent = append(f.sent, resp)
}

func (f *fakeHub) ResolveTask(taskID string) (string, string, bool) {
	corr, ok := f.tasks[taskID]
	return corr[0], corr[1], ok
}

type fakeRegistry struct {
	snapshot map[string][]string
}

func (f *fakeRegistry) Snapshot() map[string][]string { return f.snapshot }

type fakeListener struct {
	handlers map[string]func([]byte)
}

func newFakeListener() *fakeListener {
	return &fakeListener{handlers: make(map[string]func([]byte))}
}

func (f *fakeListener) Start(ctx context.Context) error { return nil }
func (f *fakeListener) Stop(ctx context.Context)        {}
func (f *fakeListener) Subscribe(ctx context.Context, channel string) error {
	return nil
}
func (f *fakeListener) RegisterHandler(channel string, fn func(payload []byte)) {
	f.handlers[channel] = fn
}

func TestHandleTaskOutcomeUnknownTaskDropped(t *testing.T) {
	h := newFakeHub()
	d := New(Config{Hub: h, Registry: &fakeRegistry{}, Listener: newFakeListener()})

	d.handleTaskOutcome(context.Background(), []byte(`{"data":{"task_id":"ghost"}}`), false)

	if len(h.sent) != 0 {
		t.Fatalf("expected no frame sent for unknown task, got %d", len(h.sent))
	}
}

func TestHandleTaskOutcomeFailedSendsError(t *testing.T) {
	h := newFakeHub()
	h.tasks["t1"] = [2]string{"s1", "r1"}
	d := New(Config{Hub: h, Registry: &fakeRegistry{}, Listener: newFakeListener()})

	d.handleTaskOutcome(context.Background(), []byte(`{"data":{"task_id":"t1","error":"boom"}}`), true)

	if len(h.sent) != 1 || h.sent[0].Type != wire.TypeError {
		t.Fatalf("expected a single error frame, got %+v", h.sent)
	}
}

func TestBroadcastToMatchingDedupesAcrossKeys(t *testing.T) {
	h := newFakeHub()
	reg := &fakeRegistry{snapshot: map[string][]string{
		"BINANCE:BTCUSDT@KLINE_1": {"s1", "s2"},
		"BINANCE:":                {"s2", "s3"},
	}}
	d := New(Config{Hub: h, Registry: reg, Listener: newFakeListener()})

	d.broadcastToMatching("BINANCE:BTCUSDT@KLINE_1", wire.Update("BINANCE:BTCUSDT@KLINE_1", nil, "realtime.update", 0))

	seen := map[string]bool{}
	for _, id := range h.broadcast {
		seen[id] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct sessions reached, got %v", h.broadcast)
	}
}

func TestTranslateContentKline(t *testing.T) {
	raw := []byte(`{"open_time":1000,"open":"1.5","high":"2","low":"1","close":"1.8","volume":"10"}`)
	content, err := translateContent("KLINE", raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	k, ok := content.(klineContent)
	if !ok {
		t.Fatalf("expected klineContent, got %T", content)
	}
	if k.Time != 1000 || k.Open != 1.5 || k.Close != 1.8 {
		t.Fatalf("unexpected translated content: %+v", k)
	}
}

func TestTranslateContentTrade(t *testing.T) {
	raw := []byte(`{"trade_id":5930420503,"price":"69104.31","quantity":"0.00021","trade_time":1770640694074,"is_buyer_maker":true}`)
	content, err := translateContent("TRADE", raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tr, ok := content.(tradeContent)
	if !ok {
		t.Fatalf("expected tradeContent, got %T", content)
	}
	if tr.TradeID != 5930420503 || tr.Price != 69104.31 || !tr.IsBuyerMaker {
		t.Fatalf("unexpected translated content: %+v", tr)
	}
}

func TestTranslateContentPassthrough(t *testing.T) {
	raw := []byte(`{"symbols":["BTCUSDT"]}`)
	content, err := translateContent("QUOTES", raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(content.(json.RawMessage)) != string(raw) {
		t.Fatalf("expected non-KLINE content to pass through unchanged, got %s", content)
	}
}
