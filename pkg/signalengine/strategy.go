package signalengine

import (
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/binance-signal/platform/pkg/store"
)

// SignalValue is the tagged, triple-valued outcome of a strategy
// evaluation (spec §9 Design Notes: "strategy outputs are a triple-valued
// logic {long, short, none}; model this as a tagged enum, not as a
// tri-state boolean"). The original source's bare `bool | None` is
// exactly the anti-pattern this type replaces.
type SignalValue int

const (
	SignalNone SignalValue = iota
	SignalLong
	SignalShort
)

// String renders the tag for logging and the signal_reason column.
func (v SignalValue) String() string {
	switch v {
	case SignalLong:
		return "long"
	case SignalShort:
		return "short"
	default:
		return "none"
	}
}

// NullableBool renders v as the BOOLEAN strategy_signals.signal_value
// column expects: true for long, false for short, nil (SQL NULL) for
// none. A nil return means the caller must not insert a row at all (spec
// §4.9: "a row with neither is treated as no signal and is not
// persisted").
func (v SignalValue) NullableBool() *bool {
	switch v {
	case SignalLong:
		b := true
		return &b
	case SignalShort:
		b := false
		return &b
	default:
		return nil
	}
}

// StrategyOutput is the aligned entries/exits boolean series a Strategy
// produces over an input k-line sequence (spec §4.9: "(ohlcv_frame,
// params) -> (entries, exits) as aligned Boolean series over the same
// index as the input").
type StrategyOutput struct {
	Entries []bool
	Exits   []bool
}

// StrategyParam describes one configurable parameter a strategy accepts,
// surfaced to callers building alert configs (grounded in
// strategies/registry.py's StrategyParam/StrategyMetadata).
type StrategyParam struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// Strategy is a pure function of an OHLCV window and its own parameters.
// Implementations must not retain ohlcv beyond the call and must produce
// Entries/Exits the same length as ohlcv (spec §4.9).
type Strategy interface {
	// Name identifies the strategy, matching alert_configs.strategy_type.
	Name() string
	// Params describes the parameters Evaluate accepts.
	Params() []StrategyParam
	// Evaluate computes the entries/exits series for ohlcv given params
	// (raw JSON from alert_configs.params, possibly empty/null).
	Evaluate(ohlcv []store.Kline, params json.RawMessage) (StrategyOutput, error)
}

// LastSignal reduces a strategy's aligned entries/exits series to the
// tagged value for the most recent bar only — the worker never looks
// further back (spec §4.9: "the worker reads only the last row"). Ties
// resolve to SignalShort: "if both exit and entry signal on the last
// row, exit wins (value=false)".
func LastSignal(out StrategyOutput) (SignalValue, error) {
	n := len(out.Entries)
	if n == 0 || len(out.Exits) != n {
		return SignalNone, fmt.Errorf("signalengine: entries/exits must be non-empty and equal length, got %d/%d", n, len(out.Exits))
	}
	switch {
	case out.Exits[n-1]:
		return SignalShort, nil
	case out.Entries[n-1]:
		return SignalLong, nil
	default:
		return SignalNone, nil
	}
}

// StrategyRegistry maps strategy_type strings to their implementation,
// grounded in strategies/registry.py's StrategyRegistry class-level
// table. Construction-time self-registration (as the original does via
// decorator) isn't idiomatic here; callers build one Registry and
// register every known Strategy explicitly (e.g. in cmd/signalworker's
// main).
type StrategyRegistry struct {
	strategies map[string]Strategy
}

// NewStrategyRegistry builds an empty registry.
func NewStrategyRegistry() *StrategyRegistry {
	return &StrategyRegistry{strategies: make(map[string]Strategy)}
}

// Register adds s under s.Name(), overwriting any prior registration
// under the same name.
func (r *StrategyRegistry) Register(s Strategy) {
	r.strategies[s.Name()] = s
}

// Get looks up a strategy by name, returning ok=false if unregistered.
func (r *StrategyRegistry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// List returns the name of every registered strategy, in no particular
// order, for a future
// GET_STRATEGIES surface or diagnostics.
func (r *StrategyRegistry) List() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	return names
}

// RandomStrategy is a demo/test strategy producing a uniform-random
// entry/exit series, used to exercise the pipeline end to end without a
// real trading thesis (spec §8 scenario F; grounded in
// strategies/random_strategy.py). Unlike the original, the last bar is
// not forced to always carry a signal — that behavior was a debug
// convenience in the source's test harness, not part of the contract
// this module ports.
type RandomStrategy struct {
	// Probability is the per-bar chance of an entry (and independently, an
	// exit); defaults to 0.5 when zero.
	Probability float64
	// Rand is the source of randomness; defaults to the package-level
	// generator when nil, overridable in tests for determinism.
	Rand *rand.Rand
}

// Name implements Strategy.
func (RandomStrategy) Name() string { return "RandomStrategy" }

// Params implements Strategy.
func (RandomStrategy) Params() []StrategyParam {
	return []StrategyParam{
		{Name: "probability", Type: "float", Default: 0.5, Description: "per-bar chance of an entry or exit signal"},
	}
}

type randomStrategyParams struct {
	Probability float64 `json:"probability"`
}

// Evaluate implements Strategy.
func (s RandomStrategy) Evaluate(ohlcv []store.Kline, params json.RawMessage) (StrategyOutput, error) {
	p := randomStrategyParams{Probability: 0.5}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return StrategyOutput{}, fmt.Errorf("signalengine: RandomStrategy: invalid params: %w", err)
		}
	}
	if s.Probability > 0 {
		p.Probability = s.Probability
	}

	next := rand.Float64
	if s.Rand != nil {
		next = s.Rand.Float64
	}

	n := len(ohlcv)
	out := StrategyOutput{Entries: make([]bool, n), Exits: make([]bool, n)}
	for i := range ohlcv {
		out.Entries[i] = next() < p.Probability
		out.Exits[i] = next() < p.Probability
	}
	return out, nil
}
