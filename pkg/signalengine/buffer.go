package signalengine

import (
	"fmt"

	"github.com/binance-signal/platform/pkg/store"
)

// continuityToleranceMs is the slack allowed between consecutive bars
// before history is rejected as non-continuous (grounded in
// kline_validator.py's _check_kline_continuity: "Allow 1 second
// tolerance").
const continuityToleranceMs = 1000

// gapFactor is the multiple of the bar interval a kline-to-kline jump
// must exceed before it is treated as a gap requiring back-fill (spec
// §4.9: "gap > 1.5 x interval_ms").
const gapFactor = 1.5

// Buffer holds the rolling k-line history a signal worker evaluates
// strategies against for a single (symbol, interval) subscription,
// grounded in kline_cache.py's per-subscription_key DataFrame cache. Bars
// are kept sorted by OpenTime ascending and capped at Required entries.
type Buffer struct {
	Required int
	klines   []store.Kline
}

// NewBuffer builds an empty buffer requiring at least required bars
// before it is considered usable (store.AlertConfig evaluation waits on
// Ready()).
func NewBuffer(required int) *Buffer {
	return &Buffer{Required: required}
}

// Ready reports whether the buffer holds enough history to evaluate a
// strategy (spec §4.9: "len(ohlcv) >= REQUIRED_KLINES").
func (b *Buffer) Ready() bool {
	return len(b.klines) >= b.Required
}

// Klines returns the buffer's current contents, oldest first. Callers
// must not mutate the returned slice.
func (b *Buffer) Klines() []store.Kline {
	return b.klines
}

// ValidateHistory checks freshly-loaded history for quantity and
// continuity before a buffer is initialized from it (grounded in
// kline_validator.py's _check_kline_data_validity; the original's
// removed last-kline-recency check is likewise skipped here — that's
// handled at runtime by gap detection on the first realtime update, to
// avoid an infinite startup retry loop when the network is down).
func ValidateHistory(history []store.Kline, intervalMs int64, required int) (bool, string) {
	if len(history) < required {
		return false, fmt.Sprintf("insufficient_count:%d/%d", len(history), required)
	}
	for i := 1; i < len(history); i++ {
		diff := history[i].OpenTime - history[i-1].OpenTime
		if abs64(diff-intervalMs) > continuityToleranceMs {
			return false, "not_continuous"
		}
	}
	return true, "ok"
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Init replaces the buffer's contents with history, keeping only the
// most recent Required bars (grounded in kline_cache.py's
// _init_kline_cache). Callers should run ValidateHistory first; Init
// itself does not validate.
func (b *Buffer) Init(history []store.Kline) {
	if len(history) > b.Required {
		history = history[len(history)-b.Required:]
	}
	b.klines = append([]store.Kline(nil), history...)
}

// GapResult describes whether an incoming bar arrived with a detectable
// hole in history before it, and if so, the bar it should have followed
// immediately.
type GapResult struct {
	HasGap       bool
	ExpectedFrom int64
	Got          int64
}

// DetectGap reports whether appending next after the buffer's current
// last bar would leave a gap larger than 1.5 interval widths (spec
// §4.9). An empty buffer never has a gap; the caller is expected to have
// already required Ready()/Init() before steady-state updates arrive.
func (b *Buffer) DetectGap(next store.Kline, intervalMs int64) GapResult {
	if len(b.klines) == 0 {
		return GapResult{}
	}
	last := b.klines[len(b.klines)-1]
	diff := next.OpenTime - last.OpenTime
	threshold := int64(float64(intervalMs) * gapFactor)
	if diff > threshold {
		return GapResult{HasGap: true, ExpectedFrom: last.OpenTime, Got: next.OpenTime}
	}
	return GapResult{}
}

// Update applies an incoming bar to the buffer: replacing the row at the
// same OpenTime if one exists, otherwise appending and trimming to
// Required (grounded in kline_cache.py's _update_kline_cache). It
// returns nothing; callers decide evaluation from the trigger engines'
// IsClosed flag.
func (b *Buffer) Update(next store.Kline) {
	for i := range b.klines {
		if b.klines[i].OpenTime == next.OpenTime {
			b.klines[i] = next
			return
		}
	}
	b.klines = append(b.klines, next)
	if len(b.klines) > b.Required {
		b.klines = b.klines[len(b.klines)-b.Required:]
	}
}
