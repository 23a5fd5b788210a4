package signalengine

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/binance-signal/platform/pkg/store"
)

const testIntervalMs = 60_000

func makeKline(openTime int64) store.Kline {
	return store.Kline{
		Symbol:    "BTCUSDT",
		Interval:  "1",
		OpenTime:  openTime,
		CloseTime: openTime + testIntervalMs - 1,
		Open:      decimal.NewFromInt(100),
		High:      decimal.NewFromInt(101),
		Low:       decimal.NewFromInt(99),
		Close:     decimal.NewFromInt(100),
		Volume:    decimal.NewFromInt(10),
	}
}

func continuousHistory(n int) []store.Kline {
	out := make([]store.Kline, n)
	for i := 0; i < n; i++ {
		out[i] = makeKline(int64(i) * testIntervalMs)
	}
	return out
}

func TestValidateHistoryInsufficientCount(t *testing.T) {
	history := continuousHistory(3)
	ok, reason := ValidateHistory(history, testIntervalMs, 5)
	if ok {
		t.Fatal("expected insufficient history to be invalid")
	}
	if reason != "insufficient_count:3/5" {
		t.Fatalf("unexpected reason: %s", reason)
	}
}

func TestValidateHistoryNotContinuous(t *testing.T) {
	history := continuousHistory(5)
	history[3].OpenTime += 5 * testIntervalMs // blow a hole in the sequence
	ok, reason := ValidateHistory(history, testIntervalMs, 5)
	if ok {
		t.Fatal("expected discontinuous history to be invalid")
	}
	if reason != "not_continuous" {
		t.Fatalf("unexpected reason: %s", reason)
	}
}

func TestValidateHistoryOK(t *testing.T) {
	history := continuousHistory(5)
	ok, reason := ValidateHistory(history, testIntervalMs, 5)
	if !ok || reason != "ok" {
		t.Fatalf("expected valid continuous history, got ok=%v reason=%s", ok, reason)
	}
}

func TestBufferInitTrimsToRequired(t *testing.T) {
	b := NewBuffer(3)
	b.Init(continuousHistory(5))
	if len(b.Klines()) != 3 {
		t.Fatalf("expected buffer trimmed to 3, got %d", len(b.Klines()))
	}
	if !b.Ready() {
		t.Fatal("expected buffer to be ready")
	}
	if b.Klines()[0].OpenTime != 2*testIntervalMs {
		t.Fatalf("expected oldest kept bar to be the 3rd-from-last, got open_time %d", b.Klines()[0].OpenTime)
	}
}

func TestBufferUpdateAppendsNewBar(t *testing.T) {
	b := NewBuffer(3)
	b.Init(continuousHistory(3))
	next := makeKline(3 * testIntervalMs)
	b.Update(next)
	if len(b.Klines()) != 3 {
		t.Fatalf("expected buffer to stay capped at 3, got %d", len(b.Klines()))
	}
	if b.Klines()[2].OpenTime != next.OpenTime {
		t.Fatal("expected new bar to be appended at the end")
	}
	if b.Klines()[0].OpenTime != testIntervalMs {
		t.Fatal("expected oldest bar to have been trimmed")
	}
}

func TestBufferUpdateReplacesSameOpenTime(t *testing.T) {
	b := NewBuffer(3)
	b.Init(continuousHistory(3))
	updated := makeKline(2 * testIntervalMs)
	updated.Close = decimal.NewFromInt(200)
	b.Update(updated)
	if len(b.Klines()) != 3 {
		t.Fatalf("expected replace to not grow the buffer, got %d", len(b.Klines()))
	}
	if !b.Klines()[2].Close.Equal(decimal.NewFromInt(200)) {
		t.Fatal("expected in-place replacement of the bar at the same open_time")
	}
}

func TestBufferDetectGap(t *testing.T) {
	b := NewBuffer(3)
	b.Init(continuousHistory(3))

	noGap := makeKline(3 * testIntervalMs)
	if res := b.DetectGap(noGap, testIntervalMs); res.HasGap {
		t.Fatal("expected consecutive bar to not register a gap")
	}

	gapped := makeKline(10 * testIntervalMs)
	res := b.DetectGap(gapped, testIntervalMs)
	if !res.HasGap {
		t.Fatal("expected a bar far in the future to register a gap")
	}
	if res.Got != gapped.OpenTime {
		t.Fatalf("expected gap result to report the offending open_time, got %d", res.Got)
	}
}

func TestBufferDetectGapEmptyBuffer(t *testing.T) {
	b := NewBuffer(3)
	if res := b.DetectGap(makeKline(0), testIntervalMs); res.HasGap {
		t.Fatal("expected an empty buffer to never report a gap")
	}
}
