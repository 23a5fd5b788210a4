package signalengine

// IntervalMillis maps the TradingView-style resolution strings carried on
// alert_configs.interval to their duration in milliseconds, the same
// table pkg/router keeps for GET_KLINES boundary alignment (grounded in
// the original signal service's TV_INTERVAL_TO_MS). Duplicated rather
// than shared because the two packages reach for it independently and
// neither depends on the other.
var IntervalMillis = map[string]int64{
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
