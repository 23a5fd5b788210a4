package registry

import "testing"

func TestMatchesWildcardExact(t *testing.T) {
	if !MatchesWildcard("BINANCE:BTCUSDT@KLINE_1", "BINANCE:BTCUSDT@KLINE_1") {
		t.Fatal("expected exact match")
	}
	if MatchesWildcard("BINANCE:BTCUSDT@KLINE_1", "BINANCE:ETHUSDT@KLINE_1") {
		t.Fatal("expected no match on distinct fingerprints")
	}
}

func TestMatchesWildcardStar(t *testing.T) {
	if !MatchesWildcard("*", "BINANCE:BTCUSDT@KLINE_1") {
		t.Fatal("expected literal * to match everything")
	}
	if !MatchesWildcard("*", "SIGNAL:anything") {
		t.Fatal("expected literal * to match signal keys too")
	}
}

func TestMatchesWildcardTrailingColon(t *testing.T) {
	if !MatchesWildcard("BINANCE:", "BINANCE:BTCUSDT@KLINE_1") {
		t.Fatal("expected trailing-colon key to prefix match")
	}
	if MatchesWildcard("BINANCE:", "OKX:BTCUSDT@KLINE_1") {
		t.Fatal("trailing-colon key should not match a different exchange")
	}
}

func TestMatchesWildcardStarPrefix(t *testing.T) {
	if !MatchesWildcard("BINANCE:BTCUSDT@KLINE_*", "BINANCE:BTCUSDT@KLINE_1") {
		t.Fatal("expected embedded * to act as prefix match")
	}
	if MatchesWildcard("BINANCE:BTCUSDT@KLINE_*", "BINANCE:ETHUSDT@KLINE_1") {
		t.Fatal("embedded * key should not match a different symbol")
	}
}

func TestMatchesWildcardNoMatch(t *testing.T) {
	if MatchesWildcard("BINANCE:BTCUSDT@TRADE", "BINANCE:BTCUSDT@KLINE_1") {
		t.Fatal("unrelated keys must not match")
	}
}
