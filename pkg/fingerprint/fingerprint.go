// Package fingerprint parses and formats subscription fingerprints, the
// canonical strings identifying a data series across the gateway, the
// realtime store, and the exchange adapter.
//
// Shape: EXCHANGE:SYMBOL[.SUFFIX]@TYPE[_PARAM]
//
//	BINANCE:BTCUSDT@KLINE_1
//	BINANCE:BTCUSDT.PERP@QUOTES
//	BINANCE:ACCOUNT@SPOT
//
// A fingerprint prefixed SIGNAL: is gateway-local: it is never persisted to
// the realtime store and never forwarded upstream (see pkg/registry).
package fingerprint

import (
	"fmt"
	"strings"
)

// Kind enumerates the data kind encoded after '@'.
type Kind string

const (
	KindKline   Kind = "KLINE"
	KindQuotes  Kind = "QUOTES"
	KindTrade   Kind = "TRADE"
	KindAccount Kind = "ACCOUNT"
	KindSpot    Kind = "SPOT"
)

// SignalPrefix marks gateway-local fingerprints (alert signal channels).
const SignalPrefix = "SIGNAL:"

// Fingerprint is a parsed subscription key.
type Fingerprint struct {
	Exchange string // e.g. "BINANCE"
	Symbol   string // e.g. "BTCUSDT"
	Suffix   string // e.g. "PERP", empty for spot
	Kind     Kind   // e.g. KindKline
	Param    string // e.g. "1" (kline interval), empty if none
}

// IsSignal reports whether raw is a gateway-local SIGNAL: fingerprint.
// Signal fingerprints are opaque strings (e.g. "SIGNAL:<alert-id>" or the
// wildcard "SIGNAL:*") and are never passed to Parse.
func IsSignal(raw string) bool {
	return strings.HasPrefix(raw, SignalPrefix)
}

// Parse decodes a fingerprint string. It returns an error for anything that
// isn't a well-formed EXCHANGE:SYMBOL[.SUFFIX]@TYPE[_PARAM] string,
// including SIGNAL: fingerprints (use IsSignal to detect those first).
func Parse(raw string) (Fingerprint, error) {
	if IsSignal(raw) {
		return Fingerprint{}, fmt.Errorf("fingerprint: %q is a gateway-local signal key, not an exchange fingerprint", raw)
	}

	colonIdx := strings.IndexByte(raw, ':')
	if colonIdx < 0 {
		return Fingerprint{}, fmt.Errorf("fingerprint: missing ':' in %q", raw)
	}
	exchange := raw[:colonIdx]
	rest := raw[colonIdx+1:]

	atIdx := strings.IndexByte(rest, '@')
	if atIdx < 0 {
		return Fingerprint{}, fmt.Errorf("fingerprint: missing '@' in %q", raw)
	}
	symbolPart := rest[:atIdx]
	typePart := rest[atIdx+1:]

	if exchange == "" || symbolPart == "" || typePart == "" {
		return Fingerprint{}, fmt.Errorf("fingerprint: empty component in %q", raw)
	}

	symbol := symbolPart
	suffix := ""
	if dotIdx := strings.IndexByte(symbolPart, '.'); dotIdx >= 0 {
		symbol = symbolPart[:dotIdx]
		suffix = symbolPart[dotIdx+1:]
	}

	kind := Kind(typePart)
	param := ""
	if underIdx := strings.IndexByte(typePart, '_'); underIdx >= 0 {
		kind = Kind(typePart[:underIdx])
		param = typePart[underIdx+1:]
	}

	return Fingerprint{
		Exchange: exchange,
		Symbol:   symbol,
		Suffix:   suffix,
		Kind:     kind,
		Param:    param,
	}, nil
}

// String re-formats the fingerprint to its canonical wire form. Parse and
// String round-trip for every syntactically valid fingerprint (Property 1).
func (f Fingerprint) String() string {
	var b strings.Builder
	b.WriteString(f.Exchange)
	b.WriteByte(':')
	b.WriteString(f.Symbol)
	if f.Suffix != "" {
		b.WriteByte('.')
		b.WriteString(f.Suffix)
	}
	b.WriteByte('@')
	b.WriteString(string(f.Kind))
	if f.Param != "" {
		b.WriteByte('_')
		b.WriteString(f.Param)
	}
	return b.String()
}

// IsPerp reports whether the fingerprint targets the perpetual-futures
// market, routed by the ".PERP" suffix.
func (f Fingerprint) IsPerp() bool {
	return f.Suffix == "PERP"
}
