package exchange

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/binance-signal/platform/pkg/fingerprint"
	"github.com/binance-signal/platform/pkg/notify"
	"github.com/binance-signal/platform/pkg/store"
)

// Listener is the subset of *notify.Listener the multiplexer drives,
// mirroring pkg/dispatcher's interface so both packages can substitute a
// fake in tests without opening a real LISTEN connection.
type Listener interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	Subscribe(ctx context.Context, channel string) error
	RegisterHandler(channel string, fn func(payload []byte))
}

// streamKlinePayload is Binance's kline stream frame (spot and futures
// agree on this shape).
type streamKlinePayload struct {
	Kline struct {
		OpenTime    int64  `json:"t"`
		CloseTime   int64  `json:"T"`
		Interval    string `json:"i"`
		Open        string `json:"o"`
		Close       string `json:"c"`
		High        string `json:"h"`
		Low         string `json:"l"`
		Volume      string `json:"v"`
		QuoteVolume string `json:"q"`
		Trades      int64  `json:"n"`
		TakerBase   string `json:"V"`
		TakerQuote  string `json:"Q"`
		IsClosed    bool   `json:"x"`
	} `json:"k"`
}

// streamTickerPayload is Binance's 24hr ticker stream frame.
type streamTickerPayload struct {
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	EventTime int64  `json:"E"`
}

// streamTradePayload is Binance's aggTrade stream frame.
type streamTradePayload struct {
	Symbol       string `json:"s"`
	TradeID      int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// klineRealtimeData is the JSON this package writes into realtime_data
// for KLINE rows — the wire contract pkg/signalengine and pkg/dispatcher
// both already parse (spec §4.9, §4.10).
type klineRealtimeData struct {
	Symbol              string `json:"symbol"`
	Interval            string `json:"interval"`
	OpenTime            int64  `json:"open_time"`
	CloseTime           int64  `json:"close_time"`
	Open                string `json:"open"`
	High                string `json:"high"`
	Low                 string `json:"low"`
	Close               string `json:"close"`
	Volume              string `json:"volume"`
	QuoteVolume         string `json:"quote_volume"`
	Trades              int64  `json:"trades"`
	TakerBuyBaseVolume  string `json:"taker_buy_base_volume"`
	TakerBuyQuoteVolume string `json:"taker_buy_quote_volume"`
	IsClosed            bool   `json:"is_closed"`
}

// quoteRealtimeData is the JSON this package writes into realtime_data
// for QUOTES rows. Unlike KLINE there is no downstream consumer that
// parses this shape server-side — pkg/dispatcher passes QUOTES content
// through to clients unmodified — so the field set is whatever a quote
// subscriber needs, not a contract shared with another package.
type quoteRealtimeData struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	EventTime int64  `json:"event_time"`
}

// tradeRealtimeData is the JSON this package writes into realtime_data
// for TRADE rows, the flat shape pkg/dispatcher's tradeContent
// translates for clients (spec.md:75 @TRADE kind).
type tradeRealtimeData struct {
	Symbol       string `json:"symbol"`
	TradeID      int64  `json:"trade_id"`
	Price        string `json:"price"`
	Quantity     string `json:"quantity"`
	TradeTime    int64  `json:"trade_time"`
	IsBuyerMaker bool   `json:"is_buyer_maker"`
}

// streamRef pairs an upstream stream name with the market it was opened
// on, since the same stream name ("btcusdt@kline_1m") exists
// independently on both spot and futures.
type streamRef struct {
	name   string
	isPerp bool
}

// Multiplexer keeps Binance spot and futures market-data subscriptions
// in sync with the gateway's realtime store: it reacts to
// subscription.add/.remove/.clean notifications, mapping each
// subscription fingerprint to an upstream stream, and republishes every
// incoming frame as a realtime.update (spec §4.4).
type Multiplexer struct {
	spot    *StreamClient
	futures *StreamClient

	realtime  *store.RealtimeStore
	publisher *notify.Publisher
	listener  Listener

	mu         sync.Mutex
	keyToRef   map[string]streamRef // subscription_key -> upstream stream
	refToKeys  map[streamRef]map[string]bool
}

// MultiplexerConfig bundles Multiplexer's collaborators.
type MultiplexerConfig struct {
	Spot      *StreamClient
	Futures   *StreamClient
	Realtime  *store.RealtimeStore
	Publisher *notify.Publisher
	Listener  Listener
}

// NewMultiplexer builds a Multiplexer. Call Start to connect upstream,
// perform the initial full sync, and begin consuming notifications.
func NewMultiplexer(cfg MultiplexerConfig) *Multiplexer {
	return &Multiplexer{
		spot:      cfg.Spot,
		futures:   cfg.Futures,
		realtime:  cfg.Realtime,
		publisher: cfg.Publisher,
		listener:  cfg.Listener,
		keyToRef:  make(map[string]streamRef),
		refToKeys: make(map[streamRef]map[string]bool),
	}
}

// streamNameFor maps a parsed fingerprint to its upstream Binance stream
// name. ACCOUNT and SPOT-account-balance fingerprints have no upstream
// market stream (account snapshots are fetched by the task executor's
// REST poll instead) and return ok=false.
func streamNameFor(fp fingerprint.Fingerprint) (name string, ok bool) {
	symbol := strings.ToLower(fp.Symbol)
	switch fp.Kind {
	case fingerprint.KindKline:
		interval, err := binanceInterval(fp.Param)
		if err != nil {
			return "", false
		}
		return fmt.Sprintf("%s@kline_%s", symbol, interval), true
	case fingerprint.KindQuotes:
		return fmt.Sprintf("%s@ticker", symbol), true
	case fingerprint.KindTrade:
		return fmt.Sprintf("%s@aggTrade", symbol), true
	default:
		return "", false
	}
}

// Start connects both stream clients, performs a full sync against the
// realtime store's current key set, then begins consuming
// subscription.add/.remove/.clean.
func (m *Multiplexer) Start(ctx context.Context) error {
	if err := m.spot.Connect(ctx); err != nil {
		return fmt.Errorf("exchange: connect spot stream: %w", err)
	}
	if err := m.futures.Connect(ctx); err != nil {
		return fmt.Errorf("exchange: connect futures stream: %w", err)
	}
	go m.consumeEvents(ctx, m.spot, false)
	go m.consumeEvents(ctx, m.futures, true)

	if err := m.fullSync(ctx); err != nil {
		return fmt.Errorf("exchange: full sync: %w", err)
	}

	if err := m.listener.Start(ctx); err != nil {
		return fmt.Errorf("exchange: start listener: %w", err)
	}
	m.listener.RegisterHandler(notify.ChannelSubscriptionAdd, func(payload []byte) {
		m.handleAdd(ctx, payload)
	})
	m.listener.RegisterHandler(notify.ChannelSubscriptionRemove, func(payload []byte) {
		m.handleRemove(ctx, payload)
	})
	m.listener.RegisterHandler(notify.ChannelSubscriptionClean, func(payload []byte) {
		m.handleClean(ctx)
	})
	for _, ch := range []string{
		notify.ChannelSubscriptionAdd,
		notify.ChannelSubscriptionRemove,
		notify.ChannelSubscriptionClean,
	} {
		if err := m.listener.Subscribe(ctx, ch); err != nil {
			return fmt.Errorf("exchange: subscribe %s: %w", ch, err)
		}
	}
	return nil
}

// Stop releases the dedicated notify connection and closes both stream
// clients.
func (m *Multiplexer) Stop(ctx context.Context) {
	m.listener.Stop(ctx)
	m.spot.Close()
	m.futures.Close()
}

// fullSync subscribes to every key already present in the realtime
// store, covering subscriptions that existed before this adapter process
// started (spec §4.4: the adapter, unlike the gateway, does rebuild its
// upstream state from the database on startup).
func (m *Multiplexer) fullSync(ctx context.Context) error {
	keys, err := m.realtime.ListAllKeys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		m.subscribeKey(ctx, key)
	}
	slog.Info("exchange: full sync complete", "keys", len(keys))
	return nil
}

type subscriptionEventData struct {
	SubscriptionKey string `json:"subscription_key"`
}

func (m *Multiplexer) handleAdd(ctx context.Context, payload []byte) {
	var outer struct {
		Data subscriptionEventData `json:"data"`
	}
	if err := json.Unmarshal(payload, &outer); err != nil {
		slog.Error("exchange: malformed subscription.add envelope", "error", err)
		return
	}
	m.subscribeKey(ctx, outer.Data.SubscriptionKey)
}

func (m *Multiplexer) handleRemove(ctx context.Context, payload []byte) {
	var outer struct {
		Data subscriptionEventData `json:"data"`
	}
	if err := json.Unmarshal(payload, &outer); err != nil {
		slog.Error("exchange: malformed subscription.remove envelope", "error", err)
		return
	}
	m.unsubscribeKey(ctx, outer.Data.SubscriptionKey)
}

// handleClean tears down every upstream subscription this adapter holds,
// matching the gateway having just truncated realtime_data wholesale
// (spec §4.3 restart semantics).
func (m *Multiplexer) handleClean(ctx context.Context) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.keyToRef))
	for key := range m.keyToRef {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.unsubscribeKey(ctx, key)
	}
}

func (m *Multiplexer) subscribeKey(ctx context.Context, key string) {
	if key == "" || fingerprint.IsSignal(key) {
		return
	}
	fp, err := fingerprint.Parse(key)
	if err != nil {
		slog.Error("exchange: cannot parse subscription key", "key", key, "error", err)
		return
	}
	name, ok := streamNameFor(fp)
	if !ok {
		return
	}
	ref := streamRef{name: name, isPerp: fp.IsPerp()}

	m.mu.Lock()
	if _, already := m.keyToRef[key]; already {
		m.mu.Unlock()
		return
	}
	m.keyToRef[key] = ref
	if m.refToKeys[ref] == nil {
		m.refToKeys[ref] = make(map[string]bool)
	}
	firstForStream := len(m.refToKeys[ref]) == 0
	m.refToKeys[ref][key] = true
	m.mu.Unlock()

	if !firstForStream {
		return
	}
	client := m.clientFor(ref.isPerp)
	if err := client.Subscribe(ctx, []string{ref.name}); err != nil {
		slog.Error("exchange: upstream subscribe failed", "stream", ref.name, "perp", ref.isPerp, "error", err)
	}
}

func (m *Multiplexer) unsubscribeKey(ctx context.Context, key string) {
	m.mu.Lock()
	ref, ok := m.keyToRef[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.keyToRef, key)
	delete(m.refToKeys[ref], key)
	lastForStream := len(m.refToKeys[ref]) == 0
	if lastForStream {
		delete(m.refToKeys, ref)
	}
	m.mu.Unlock()

	if !lastForStream {
		return
	}
	client := m.clientFor(ref.isPerp)
	if err := client.Unsubscribe(ctx, []string{ref.name}); err != nil {
		slog.Error("exchange: upstream unsubscribe failed", "stream", ref.name, "perp", ref.isPerp, "error", err)
	}
}

func (m *Multiplexer) clientFor(isPerp bool) *StreamClient {
	if isPerp {
		return m.futures
	}
	return m.spot
}

// consumeEvents drains client's event channel for the lifetime of ctx,
// translating every frame into the subscription keys it fans out to.
func (m *Multiplexer) consumeEvents(ctx context.Context, client *StreamClient, isPerp bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-client.Events():
			if !ok {
				return
			}
			m.handleEvent(ctx, ev, isPerp)
		}
	}
}

func (m *Multiplexer) handleEvent(ctx context.Context, ev Event, isPerp bool) {
	ref := streamRef{name: ev.StreamName, isPerp: isPerp}

	m.mu.Lock()
	keys := make([]string, 0, len(m.refToKeys[ref]))
	for key := range m.refToKeys[ref] {
		keys = append(keys, key)
	}
	m.mu.Unlock()
	if len(keys) == 0 {
		return
	}

	dataType, data, err := translateFrame(ev.StreamName, ev.Payload)
	if err != nil {
		slog.Error("exchange: translate frame failed", "stream", ev.StreamName, "error", err)
		return
	}

	for _, key := range keys {
		if err := m.publishUpdate(ctx, key, dataType, data); err != nil {
			slog.Error("exchange: publish realtime update failed", "key", key, "error", err)
		}
	}
}

func translateFrame(streamName string, payload json.RawMessage) (dataType string, data []byte, err error) {
	switch {
	case strings.Contains(streamName, "@kline_"):
		var frame streamKlinePayload
		if err := json.Unmarshal(payload, &frame); err != nil {
			return "", nil, fmt.Errorf("unmarshal kline frame: %w", err)
		}
		k := frame.Kline
		symbol := strings.ToUpper(strings.SplitN(streamName, "@", 2)[0])
		tv, err := tvInterval(k.Interval)
		if err != nil {
			return "", nil, err
		}
		out, err := json.Marshal(klineRealtimeData{
			Symbol: symbol, Interval: tv, OpenTime: k.OpenTime, CloseTime: k.CloseTime,
			Open: k.Open, High: k.High, Low: k.Low, Close: k.Close, Volume: k.Volume,
			QuoteVolume: k.QuoteVolume, Trades: k.Trades, TakerBuyBaseVolume: k.TakerBase,
			TakerBuyQuoteVolume: k.TakerQuote, IsClosed: k.IsClosed,
		})
		return "KLINE", out, err
	case strings.HasSuffix(streamName, "@ticker"):
		var frame streamTickerPayload
		if err := json.Unmarshal(payload, &frame); err != nil {
			return "", nil, fmt.Errorf("unmarshal ticker frame: %w", err)
		}
		out, err := json.Marshal(quoteRealtimeData{
			Symbol: frame.Symbol, Price: frame.LastPrice, EventTime: frame.EventTime,
		})
		return "QUOTES", out, err
	case strings.HasSuffix(streamName, "@aggTrade"):
		var frame streamTradePayload
		if err := json.Unmarshal(payload, &frame); err != nil {
			return "", nil, fmt.Errorf("unmarshal trade frame: %w", err)
		}
		out, err := json.Marshal(tradeRealtimeData{
			Symbol: frame.Symbol, TradeID: frame.TradeID, Price: frame.Price,
			Quantity: frame.Quantity, TradeTime: frame.TradeTime, IsBuyerMaker: frame.IsBuyerMaker,
		})
		return "TRADE", out, err
	default:
		return "", nil, fmt.Errorf("no translation for stream %q", streamName)
	}
}

// publishUpdate overwrites key's realtime row and emits realtime.update
// in one transaction (spec §4.1, §4.3).
func (m *Multiplexer) publishUpdate(ctx context.Context, key, dataType string, data []byte) error {
	return m.publisher.PersistAndNotify(ctx, notify.ChannelRealtimeUpdate, "realtime.update",
		map[string]any{
			"subscription_key": key,
			"data_type":        dataType,
			"data":             json.RawMessage(data),
			"truncated":        false,
		},
		func(ctx context.Context, tx *sql.Tx) error {
			return store.NewRealtimeStore(tx).UpdateData(ctx, key, data, nil)
		})
}
