package fingerprint

import "testing"

func TestParseRoundTrip(t *testing.T) {
	cases := []string{
		"BINANCE:BTCUSDT@KLINE_1",
		"BINANCE:BTCUSDT.PERP@QUOTES",
		"BINANCE:ACCOUNT@SPOT",
		"BINANCE:ETHUSDT@TRADE",
		"BINANCE:BTCUSDT@KLINE_1D",
	}
	for _, raw := range cases {
		fp, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q): %v", raw, err)
		}
		if got := fp.String(); got != raw {
			t.Errorf("round trip mismatch: Parse(%q).String() = %q", raw, got)
		}
	}
}

func TestParseRejectsSignalKeys(t *testing.T) {
	if _, err := Parse("SIGNAL:abc-123"); err == nil {
		t.Fatal("expected error parsing a SIGNAL: key")
	}
	if !IsSignal("SIGNAL:abc-123") {
		t.Fatal("expected IsSignal to recognize SIGNAL: prefix")
	}
	if IsSignal("BINANCE:BTCUSDT@KLINE_1") {
		t.Fatal("non-signal fingerprint misidentified as signal")
	}
}

func TestParseMalformed(t *testing.T) {
	bad := []string{"", "BTCUSDT@KLINE_1", "BINANCE:BTCUSDT", "BINANCE:@KLINE_1", ":BTCUSDT@KLINE_1"}
	for _, raw := range bad {
		if _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", raw)
		}
	}
}

func TestIsPerp(t *testing.T) {
	fp, err := Parse("BINANCE:BTCUSDT.PERP@QUOTES")
	if err != nil {
		t.Fatal(err)
	}
	if !fp.IsPerp() {
		t.Fatal("expected IsPerp() true for .PERP suffix")
	}
	fp2, _ := Parse("BINANCE:BTCUSDT@QUOTES")
	if fp2.IsPerp() {
		t.Fatal("expected IsPerp() false without suffix")
	}
}
