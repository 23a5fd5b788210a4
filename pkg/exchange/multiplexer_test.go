package exchange

import (
	"encoding/json"
	"testing"

	"github.com/binance-signal/platform/pkg/fingerprint"
)

func TestStreamNameForTrade(t *testing.T) {
	fp := fingerprint.Fingerprint{Exchange: "BINANCE", Symbol: "BTCUSDT", Kind: fingerprint.KindTrade}
	name, ok := streamNameFor(fp)
	if !ok || name != "btcusdt@aggTrade" {
		t.Fatalf("streamNameFor(TRADE) = (%q, %v), want (\"btcusdt@aggTrade\", true)", name, ok)
	}
}

func TestTranslateFrameTrade(t *testing.T) {
	payload := []byte(`{"e":"aggTrade","E":1770640694100,"s":"BTCUSDT","a":5930420503,"p":"69104.31000000","q":"0.00021000","T":1770640694074,"m":true}`)
	dataType, data, err := translateFrame("btcusdt@aggTrade", json.RawMessage(payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dataType != "TRADE" {
		t.Fatalf("dataType = %q, want TRADE", dataType)
	}
	var out tradeRealtimeData
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal translated trade data: %v", err)
	}
	if out.Symbol != "BTCUSDT" || out.TradeID != 5930420503 || out.Price != "69104.31000000" || !out.IsBuyerMaker {
		t.Fatalf("unexpected translated trade data: %+v", out)
	}
}

func TestTranslateFrameUnknownStream(t *testing.T) {
	if _, _, err := translateFrame("btcusdt@bookTicker", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for unrecognized stream suffix")
	}
}
