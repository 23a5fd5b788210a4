package router

import "github.com/shopspring/decimal"

// intervalMillisTable maps the TradingView-style resolution strings this
// gateway speaks to their duration in milliseconds, grounded in the
// original signal service's TV_INTERVAL_TO_MS table.
var intervalMillisTable = map[string]int64{
	"1":   1 * 60 * 1000,
	"3":   3 * 60 * 1000,
	"5":   5 * 60 * 1000,
	"15":  15 * 60 * 1000,
	"30":  30 * 60 * 1000,
	"45":  45 * 60 * 1000,
	"60":  60 * 60 * 1000,
	"120": 120 * 60 * 1000,
	"180": 180 * 60 * 1000,
	"240": 240 * 60 * 1000,
	"360": 360 * 60 * 1000,
	"720": 720 * 60 * 1000,
	"1D":  24 * 60 * 60 * 1000,
	"1W":  7 * 24 * 60 * 60 * 1000,
	"1M":  30 * 24 * 60 * 60 * 1000,
}

// intervalMillis returns the duration of interval in milliseconds.
func intervalMillis(interval string) (int64, bool) {
	ms, ok := intervalMillisTable[interval]
	return ms, ok
}

// alignDown floors millis to the most recent interval boundary
// (spec §4.6: "align from_time/to_time to the interval's period
// boundary").
func alignDown(millis, stepMillis int64) int64 {
	if stepMillis <= 0 {
		return millis
	}
	return (millis / stepMillis) * stepMillis
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
