// Package exchange implements the exchange adapter's upstream half: REST
// and WebSocket clients against Binance spot and perpetual futures, the
// stream multiplexer that keeps upstream subscriptions in sync with the
// realtime store, and the task executor that drains pkg/queue for
// history/quote/account work (spec §4.4, §4.10).
package exchange

import "fmt"

// tvToBinanceInterval maps the TradingView-style resolution strings the
// gateway speaks to Binance's own kline interval strings, grounded in
// pkg/router's TV_INTERVAL_TO_MS table (intervalMillisTable) but naming
// Binance's side of the same set.
var tvToBinanceInterval = map[string]string{
	"1":   "1m",
	"3":   "3m",
	"5":   "5m",
	"15":  "15m",
	"30":  "30m",
	"45":  "45m",
	"60":  "1h",
	"120": "2h",
	"180": "3h",
	"240": "4h",
	"360": "6h",
	"720": "12h",
	"1D":  "1d",
	"1W":  "1w",
	"1M":  "1M",
}

var binanceToTVInterval = func() map[string]string {
	out := make(map[string]string, len(tvToBinanceInterval))
	for tv, bn := range tvToBinanceInterval {
		out[bn] = tv
	}
	return out
}()

// binanceInterval converts a TradingView-style resolution to Binance's
// kline interval string.
func binanceInterval(tv string) (string, error) {
	bn, ok := tvToBinanceInterval[tv]
	if !ok {
		return "", fmt.Errorf("exchange: unsupported interval %q", tv)
	}
	return bn, nil
}

// tvInterval converts a Binance kline interval string back to its
// TradingView-style resolution, used when parsing stream names back
// into fingerprints.
func tvInterval(bn string) (string, error) {
	tv, ok := binanceToTVInterval[bn]
	if !ok {
		return "", fmt.Errorf("exchange: unrecognized binance interval %q", bn)
	}
	return tv, nil
}
