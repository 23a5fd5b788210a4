package signalengine

import (
	"testing"
	"time"
)

func TestOnceOnlyEngineFiresOnce(t *testing.T) {
	engine, ok := GetTriggerEngine(TriggerOnceOnly)
	if !ok {
		t.Fatal("expected once_only engine to resolve")
	}

	state := TriggerState{}
	execute, next := engine.ShouldExecute(state, KlineEvent{}, time.Now())
	if !execute {
		t.Fatal("expected first evaluation to execute")
	}
	if !next.Executed {
		t.Fatal("expected state to record execution")
	}

	execute, _ = engine.ShouldExecute(next, KlineEvent{}, time.Now())
	if execute {
		t.Fatal("expected second evaluation to be suppressed")
	}
}

func TestEachKlineEngineAlwaysFires(t *testing.T) {
	engine, _ := GetTriggerEngine(TriggerEachKline)
	state := TriggerState{}
	for i := 0; i < 3; i++ {
		execute, next := engine.ShouldExecute(state, KlineEvent{IsClosed: i%2 == 0}, time.Now())
		if !execute {
			t.Fatalf("iteration %d: expected each_kline to always fire", i)
		}
		state = next
	}
}

func TestEachKlineCloseEngineDedupesByCloseTime(t *testing.T) {
	engine, _ := GetTriggerEngine(TriggerEachKlineClose)
	state := TriggerState{}

	execute, _ := engine.ShouldExecute(state, KlineEvent{CloseTime: 1000, IsClosed: false}, time.Now())
	if execute {
		t.Fatal("expected open bar to not fire")
	}

	execute, next := engine.ShouldExecute(state, KlineEvent{CloseTime: 1000, IsClosed: true}, time.Now())
	if !execute {
		t.Fatal("expected first close to fire")
	}
	state = next

	execute, _ = engine.ShouldExecute(state, KlineEvent{CloseTime: 1000, IsClosed: true}, time.Now())
	if execute {
		t.Fatal("expected repeated notification for the same close time to be suppressed")
	}

	execute, _ = engine.ShouldExecute(state, KlineEvent{CloseTime: 2000, IsClosed: true}, time.Now())
	if !execute {
		t.Fatal("expected a new close time to fire")
	}
}

func TestEachMinuteEngineEnforcesWindow(t *testing.T) {
	engine, _ := GetTriggerEngine(TriggerEachMinute)
	now := time.Now()

	execute, next := engine.ShouldExecute(TriggerState{}, KlineEvent{}, now)
	if !execute {
		t.Fatal("expected first evaluation to fire")
	}

	execute, _ = engine.ShouldExecute(next, KlineEvent{}, now.Add(30*time.Second))
	if execute {
		t.Fatal("expected evaluation within the 60s window to be suppressed")
	}

	execute, _ = engine.ShouldExecute(next, KlineEvent{}, now.Add(61*time.Second))
	if !execute {
		t.Fatal("expected evaluation past the 60s window to fire")
	}
}

func TestGetTriggerEngineUnknown(t *testing.T) {
	if _, ok := GetTriggerEngine("nonexistent"); ok {
		t.Fatal("expected unknown trigger type to not resolve")
	}
}
