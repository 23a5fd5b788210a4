package signalengine

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/binance-signal/platform/pkg/store"
)

func TestSignalValueNullableBool(t *testing.T) {
	if v := SignalLong.NullableBool(); v == nil || !*v {
		t.Fatal("expected SignalLong to render true")
	}
	if v := SignalShort.NullableBool(); v == nil || *v {
		t.Fatal("expected SignalShort to render false")
	}
	if v := SignalNone.NullableBool(); v != nil {
		t.Fatal("expected SignalNone to render nil (not persisted)")
	}
}

func TestLastSignalExitWinsTie(t *testing.T) {
	out := StrategyOutput{
		Entries: []bool{false, true},
		Exits:   []bool{false, true},
	}
	v, err := LastSignal(out)
	if err != nil {
		t.Fatal(err)
	}
	if v != SignalShort {
		t.Fatalf("expected exit to win a tie on the last row, got %s", v)
	}
}

func TestLastSignalEntryOnly(t *testing.T) {
	out := StrategyOutput{
		Entries: []bool{false, true},
		Exits:   []bool{false, false},
	}
	v, err := LastSignal(out)
	if err != nil {
		t.Fatal(err)
	}
	if v != SignalLong {
		t.Fatalf("expected long signal, got %s", v)
	}
}

func TestLastSignalNone(t *testing.T) {
	out := StrategyOutput{
		Entries: []bool{true, false},
		Exits:   []bool{false, false},
	}
	v, err := LastSignal(out)
	if err != nil {
		t.Fatal(err)
	}
	if v != SignalNone {
		t.Fatalf("expected no signal on the last row, got %s", v)
	}
}

func TestLastSignalMismatchedLengths(t *testing.T) {
	_, err := LastSignal(StrategyOutput{Entries: []bool{true}, Exits: []bool{true, false}})
	if err == nil {
		t.Fatal("expected error on mismatched entries/exits length")
	}
}

func TestLastSignalEmpty(t *testing.T) {
	_, err := LastSignal(StrategyOutput{})
	if err == nil {
		t.Fatal("expected error reducing an empty series")
	}
}

func TestStrategyRegistry(t *testing.T) {
	reg := NewStrategyRegistry()
	reg.Register(RandomStrategy{})

	strat, ok := reg.Get("RandomStrategy")
	if !ok {
		t.Fatal("expected RandomStrategy to be registered")
	}
	if strat.Name() != "RandomStrategy" {
		t.Fatalf("unexpected name: %s", strat.Name())
	}

	if _, ok := reg.Get("DoesNotExist"); ok {
		t.Fatal("expected unregistered strategy lookup to fail")
	}

	names := reg.List()
	if len(names) != 1 || names[0] != "RandomStrategy" {
		t.Fatalf("unexpected registry listing: %v", names)
	}
}

func TestRandomStrategyProducesAlignedSeries(t *testing.T) {
	s := RandomStrategy{Rand: rand.New(rand.NewSource(42))}
	klines := continuousHistory(10)

	out, err := s.Evaluate(klines, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Entries) != len(klines) || len(out.Exits) != len(klines) {
		t.Fatal("expected entries/exits aligned to the input length")
	}
}

func TestRandomStrategyRespectsParams(t *testing.T) {
	s := RandomStrategy{Rand: rand.New(rand.NewSource(1))}
	params, _ := json.Marshal(map[string]float64{"probability": 1})
	klines := continuousHistory(5)

	out, err := s.Evaluate(klines, params)
	if err != nil {
		t.Fatal(err)
	}
	for i, entry := range out.Entries {
		if !entry {
			t.Fatalf("expected entry %d to fire at probability 1", i)
		}
	}
}

func TestRandomStrategyRejectsMalformedParams(t *testing.T) {
	s := RandomStrategy{}
	_, err := s.Evaluate([]store.Kline{}, json.RawMessage(`{"probability": "not-a-number"}`))
	if err == nil {
		t.Fatal("expected malformed params to error")
	}
}
