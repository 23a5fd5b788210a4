package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/binance-signal/platform/pkg/queue"
	"github.com/binance-signal/platform/pkg/store"
)

// mustFloat parses a Binance price string, defaulting to 0 on a malformed
// value rather than failing the whole quote batch (matches
// pkg/dispatcher/broadcast.go's helper of the same name).
func mustFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// Task type names. These must match pkg/router's unexported constants of
// the same name and pkg/signalengine's backfillTaskType: the three
// packages share the string contract without an import dependency, the
// same pattern dispatcher.go documents for its own copy (spec §4.2).
const (
	TaskTypeGetKlines  = "get_klines"
	TaskTypeGetQuotes  = "get_quotes"
	TaskTypeGetAccount = "get_account"
)

// klinesPageSize is Binance's max rows per /klines call and the page size
// the back-fill loop pulls at a time (spec §4.10).
const klinesPageSize = 1000

// TaskExecutor implements the exchange adapter's half of the task queue:
// one Handler per RPC kind the router or signal worker can enqueue,
// registered against a queue.Pool by Register (spec §4.2, §4.10).
type TaskExecutor struct {
	http     *HTTPClient
	klines   *store.KlineStore
	accounts *store.AccountStore
	realtime *store.RealtimeStore
}

// NewTaskExecutor builds a TaskExecutor over the given HTTP client and
// repositories.
func NewTaskExecutor(http *HTTPClient, klines *store.KlineStore, accounts *store.AccountStore, realtime *store.RealtimeStore) *TaskExecutor {
	return &TaskExecutor{http: http, klines: klines, accounts: accounts, realtime: realtime}
}

// Register wires every handler this executor implements into pool.
func (e *TaskExecutor) Register(pool *queue.Pool) {
	pool.Handle(TaskTypeGetKlines, e.handleGetKlines)
	pool.Handle(TaskTypeGetQuotes, e.handleGetQuotes)
	pool.Handle(TaskTypeGetAccount, e.handleGetAccount)
}

// splitExchangeSymbol splits a "BINANCE:BTCUSDT" or "BINANCE:BTCUSDT.PERP"
// style symbol string into the bare upstream symbol and a perp flag.
// Router and signal-worker payloads both carry symbols in this form
// (spec §3 fingerprint shape, minus the "@TYPE" suffix since task
// payloads already know their own kind).
func splitExchangeSymbol(raw string) (symbol string, isPerp bool) {
	s := raw
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		return strings.ToUpper(s[:idx]), strings.EqualFold(s[idx+1:], "PERP")
	}
	return strings.ToUpper(s), false
}

type getKlinesPayload struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	FromTime int64  `json:"from_time"`
	ToTime   int64  `json:"to_time"`
	Limit    int    `json:"limit"`
}

// handleGetKlines pages upstream from FromTime to ToTime (or until
// upstream returns a short page) klinesPageSize rows at a time, upserting
// each into klines_history and leaving the task's result column null:
// the bulk output lives in the history table, re-queried by the
// dispatcher or signal worker on task.completed (spec §4.2, §4.10).
func (e *TaskExecutor) handleGetKlines(ctx context.Context, task queue.Task) (any, error) {
	var p getKlinesPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, fmt.Errorf("exchange: unmarshal get_klines payload: %w", err)
	}
	limit := p.Limit
	if limit <= 0 || limit > klinesPageSize {
		limit = klinesPageSize
	}
	symbol, isPerp := splitExchangeSymbol(p.Symbol)

	cursor := p.FromTime
	for {
		bars, err := e.http.GetKlines(ctx, isPerp, symbol, p.Interval, cursor, p.ToTime, limit)
		if err != nil {
			return nil, fmt.Errorf("exchange: fetch klines page: %w", err)
		}
		for _, b := range bars {
			// klines_history keys on the gateway's full symbol string
			// ("BINANCE:BTCUSDT"), not the bare upstream symbol, so
			// GET_KLINES cache probes and this back-fill agree on the
			// same key.
			b.Symbol = p.Symbol
			if err := e.klines.Upsert(ctx, b); err != nil {
				return nil, fmt.Errorf("exchange: upsert kline: %w", err)
			}
		}
		if len(bars) < limit {
			return nil, nil
		}
		last := bars[len(bars)-1]
		if last.CloseTime >= p.ToTime || last.OpenTime <= cursor {
			return nil, nil
		}
		cursor = last.CloseTime + 1
		if p.ToTime > 0 && cursor > p.ToTime {
			return nil, nil
		}
	}
}

type getQuotesPayload struct {
	Symbols []string `json:"symbols"`
}

// quotesResult is the camelCase shape this handler's return value takes
// in the task's result column; the dispatcher passes it through to the
// client unmodified as QUOTES_DATA (spec §6.1 field-name rule).
type quotesResult struct {
	Quotes []quoteEntry `json:"quotes"`
}

type quoteEntry struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// handleGetQuotes splits the requested symbols into spot (single batched
// call) and perp-futures (errgroup fan-out, one call per symbol) and
// returns a consolidated result (spec §4.10).
func (e *TaskExecutor) handleGetQuotes(ctx context.Context, task queue.Task) (any, error) {
	var p getQuotesPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, fmt.Errorf("exchange: unmarshal get_quotes payload: %w", err)
	}

	var spotSymbols, perpSymbols []string
	spotRef := make(map[string]string) // bare symbol -> original request string
	perpRef := make(map[string]string)
	for _, raw := range p.Symbols {
		symbol, isPerp := splitExchangeSymbol(raw)
		if isPerp {
			perpSymbols = append(perpSymbols, symbol)
			perpRef[symbol] = raw
		} else {
			spotSymbols = append(spotSymbols, symbol)
			spotRef[symbol] = raw
		}
	}

	out := make([]quoteEntry, 0, len(p.Symbols))

	if len(spotSymbols) > 0 {
		tickers, err := e.http.GetSpotTickers(ctx, spotSymbols)
		if err != nil {
			return nil, fmt.Errorf("exchange: fetch spot quotes: %w", err)
		}
		for _, t := range tickers {
			out = append(out, quoteEntry{Symbol: spotRef[t.Symbol], Price: mustFloat(t.Price)})
		}
	}
	if len(perpSymbols) > 0 {
		tickers, err := e.http.GetFuturesTickers(ctx, perpSymbols)
		if err != nil {
			return nil, fmt.Errorf("exchange: fetch futures quotes: %w", err)
		}
		for _, t := range tickers {
			out = append(out, quoteEntry{Symbol: perpRef[t.Symbol], Price: mustFloat(t.Price)})
		}
	}

	return quotesResult{Quotes: out}, nil
}

type getAccountPayload struct {
	AccountType string `json:"account_type"`
}

// accountFingerprint is the realtime-store key an account snapshot is
// republished under for live subscribers (spec §3 fingerprint shape:
// "BINANCE:ACCOUNT@SPOT" / "...@FUTURES").
func accountFingerprint(accountType string) string {
	return fmt.Sprintf("BINANCE:ACCOUNT@%s", accountType)
}

// handleGetAccount snapshots the account of accountType, persisting it to
// account_info and, if a live subscriber is registered for the matching
// fingerprint, refreshing the realtime row too (spec §4.10 "the adapter
// writes both a persisted snapshot row and a realtime-store row"). The
// task result column stays null; the dispatcher re-queries account_info
// on task.completed.
func (e *TaskExecutor) handleGetAccount(ctx context.Context, task queue.Task) (any, error) {
	var p getAccountPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, fmt.Errorf("exchange: unmarshal get_account payload: %w", err)
	}
	isPerp := p.AccountType == store.AccountTypeFutures

	data, err := e.http.GetAccount(ctx, isPerp)
	if err != nil {
		return nil, fmt.Errorf("exchange: fetch account %s: %w", p.AccountType, err)
	}

	now := time.Now().UnixMilli()
	if err := e.accounts.Upsert(ctx, p.AccountType, json.RawMessage(data), &now); err != nil {
		return nil, fmt.Errorf("exchange: persist account snapshot: %w", err)
	}

	key := accountFingerprint(p.AccountType)
	hasSub, err := e.realtime.HasSubscribers(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("exchange: check account subscribers: %w", err)
	}
	if hasSub {
		eventTime := time.Now()
		if err := e.realtime.UpdateData(ctx, key, json.RawMessage(data), &eventTime); err != nil {
			return nil, fmt.Errorf("exchange: refresh account realtime row: %w", err)
		}
	}
	return nil, nil
}
