package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/binance-signal/platform/pkg/fingerprint"
	"github.com/binance-signal/platform/pkg/registry"
	"github.com/binance-signal/platform/pkg/wire"
)

// realtimeEventData mirrors the Data field of a realtime.update NOTIFY,
// the same shape pkg/signalengine's worker decodes independently (spec
// §4.1, §4.3).
type realtimeEventData struct {
	SubscriptionKey string          `json:"subscription_key"`
	DataType        string          `json:"data_type"`
	Data            json.RawMessage `json:"data"`
	Truncated       bool            `json:"truncated"`
}

// klineContent is the client-facing shape of a KLINE realtime update,
// translated from the flat klineUpdateData contract pkg/exchange writes
// into realtime_data.data (spec §4.8 scenario B).
type klineContent struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

type klineUpdateData struct {
	OpenTime int64  `json:"open_time"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
}

// tradeContent is the client-facing shape of a TRADE realtime update,
// translated from pkg/exchange's tradeRealtimeData contract (spec.md:75
// @TRADE kind).
type tradeContent struct {
	TradeID      int64   `json:"trade_id"`
	Price        float64 `json:"price"`
	Quantity     float64 `json:"quantity"`
	TradeTime    int64   `json:"trade_time"`
	IsBuyerMaker bool    `json:"is_buyer_maker"`
}

type tradeUpdateData struct {
	TradeID      int64  `json:"trade_id"`
	Price        string `json:"price"`
	Quantity     string `json:"quantity"`
	TradeTime    int64  `json:"trade_time"`
	IsBuyerMaker bool   `json:"is_buyer_maker"`
}

func mustFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// handleRealtimeUpdate translates a realtime.update NOTIFY into client
// content and broadcasts it to every session whose subscription key
// matches the event's fingerprint, exact or wildcard (spec §4.8).
func (d *Dispatcher) handleRealtimeUpdate(ctx context.Context, payload []byte) {
	var outer struct {
		Data realtimeEventData `json:"data"`
	}
	if err := json.Unmarshal(payload, &outer); err != nil {
		slog.Error("dispatcher: malformed realtime.update envelope", "error", err)
		return
	}

	event := outer.Data
	if event.Truncated {
		row, err := d.realtime.Get(ctx, event.SubscriptionKey)
		if err != nil {
			slog.Error("dispatcher: re-query truncated realtime row failed", "key", event.SubscriptionKey, "error", err)
			return
		}
		event.DataType = row.DataType
		event.Data = row.Data
	}

	content, err := translateContent(event.DataType, event.Data)
	if err != nil {
		slog.Error("dispatcher: translate realtime content failed", "key", event.SubscriptionKey, "error", err)
		return
	}

	d.broadcastToMatching(event.SubscriptionKey, wire.Update(event.SubscriptionKey, content, "realtime.update", nowMillis()))
}

// translateContent converts the stored realtime payload into the shape
// sent over the wire. KLINE rows carry pkg/exchange's flat OHLCV fields
// and are narrowed to the chart-friendly {time, open, high, low, close,
// volume}; TRADE rows are narrowed similarly so clients receive numeric
// price/quantity instead of Binance's string fields; every other data
// type is forwarded as-is, already shaped by whatever wrote the row.
func translateContent(dataType string, raw json.RawMessage) (any, error) {
	switch dataType {
	case "KLINE":
		var k klineUpdateData
		if err := json.Unmarshal(raw, &k); err != nil {
			return nil, err
		}
		return klineContent{
			Time:   k.OpenTime,
			Open:   mustFloat(k.Open),
			High:   mustFloat(k.High),
			Low:    mustFloat(k.Low),
			Close:  mustFloat(k.Close),
			Volume: mustFloat(k.Volume),
		}, nil
	case "TRADE":
		var tr tradeUpdateData
		if err := json.Unmarshal(raw, &tr); err != nil {
			return nil, err
		}
		return tradeContent{
			TradeID:      tr.TradeID,
			Price:        mustFloat(tr.Price),
			Quantity:     mustFloat(tr.Quantity),
			TradeTime:    tr.TradeTime,
			IsBuyerMaker: tr.IsBuyerMaker,
		}, nil
	default:
		return raw, nil
	}
}

// handleSignalNew broadcasts a fired strategy signal to every session
// subscribed to SIGNAL:<alert_id>, the gateway-local fingerprint
// registered purely for in-process routing (spec §3, §9 Open
// Questions).
func (d *Dispatcher) handleSignalNew(payload []byte) {
	var outer struct {
		Data struct {
			AlertID string `json:"alert_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &outer); err != nil {
		slog.Error("dispatcher: malformed signal.new envelope", "error", err)
		return
	}
	if outer.Data.AlertID == "" {
		return
	}

	var content json.RawMessage
	var full struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &full); err == nil {
		content = full.Data
	}

	key := fingerprint.SignalPrefix + outer.Data.AlertID
	d.broadcastToMatching(key, wire.Update(key, content, "signal.new", nowMillis()))
}

// broadcastToMatching sends resp to every session whose registered
// fingerprint matches eventFingerprint under the wildcard rules of
// spec §4.8, deduplicating sessions interested via more than one
// matching key.
func (d *Dispatcher) broadcastToMatching(eventFingerprint string, resp wire.Response) {
	snapshot := d.registry.Snapshot()
	seen := make(map[string]bool)
	var sessionIDs []string
	for key, sessions := range snapshot {
		if !registry.MatchesWildcard(key, eventFingerprint) {
			continue
		}
		for _, id := range sessions {
			if !seen[id] {
				seen[id] = true
				sessionIDs = append(sessionIDs, id)
			}
		}
	}
	if len(sessionIDs) == 0 {
		return
	}
	d.hub.Broadcast(sessionIDs, resp)
}
