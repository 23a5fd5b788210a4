package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/binance-signal/platform/pkg/notify"
	"github.com/binance-signal/platform/pkg/store"
	"github.com/binance-signal/platform/pkg/wire"
)

func unmarshalData(req wire.Request, out any) error {
	if len(req.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Data, out); err != nil {
		return invalidParams(fmt.Sprintf("malformed data for %s: %v", req.Type, err))
	}
	return nil
}

// handleGetConfig answers the TradingView-style datafeed configuration
// synchronously (spec §8 scenario A).
func (r *Router) handleGetConfig(sessionID string, req wire.Request) error {
	exchanges := make([]wire.ExchangeInfo, 0, len(r.exchangeNames))
	for _, name := range r.exchangeNames {
		exchanges = append(exchanges, wire.ExchangeInfo{Name: name})
	}
	r.sendSuccess(sessionID, req.RequestID, wire.DataKindConfig, wire.ConfigResponseData{
		Type:                 "config",
		SupportedResolutions: r.supportedResolutions,
		Exchanges:            exchanges,
	})
	return nil
}

func (r *Router) handleGetServerTime(sessionID string, req wire.Request) error {
	r.sendSuccess(sessionID, req.RequestID, wire.DataKindServerTime, struct {
		ServerTime int64 `json:"serverTime"`
	}{ServerTime: nowMillis()})
	return nil
}

func (r *Router) handleGetMetrics(sessionID string, req wire.Request) error {
	r.sendSuccess(sessionID, req.RequestID, wire.DataKindMetrics, r.metrics())
	return nil
}

// handleGetKlines implements the cache-hit policy of spec §4.6: align
// bounds to the interval boundary, probe both endpoints, answer
// synchronously on a hit, otherwise enqueue a get_klines task.
func (r *Router) handleGetKlines(ctx context.Context, sessionID string, req wire.Request) error {
	var data wire.KlinesRequestData
	if err := unmarshalData(req, &data); err != nil {
		return err
	}
	if data.Symbol == "" || data.Interval == "" {
		return invalidParams("symbol and interval are required")
	}

	stepMs, ok := intervalMillis(data.Interval)
	if !ok {
		return invalidParams(fmt.Sprintf("unsupported interval %q", data.Interval))
	}
	fromMs := alignDown(data.FromTime, stepMs)
	toMs := alignDown(data.ToTime, stepMs)

	fromExists, toExists, err := r.klines.Endpoints(ctx, data.Symbol, data.Interval, fromMs, toMs)
	if err != nil {
		return internalErr(fmt.Errorf("probe kline endpoints: %w", err))
	}

	if fromExists && toExists {
		bars, err := r.klines.Range(ctx, data.Symbol, data.Interval, fromMs, toMs)
		if err != nil {
			return internalErr(fmt.Errorf("range klines: %w", err))
		}
		r.sendSuccess(sessionID, req.RequestID, wire.DataKindKlines, klinesResponse(data.Symbol, data.Interval, bars))
		return nil
	}

	_, err = r.enqueueTask(ctx, sessionID, req.RequestID, taskTypeGetKlines, getKlinesPayload{
		Symbol:   data.Symbol,
		Interval: data.Interval,
		FromTime: fromMs,
		ToTime:   toMs,
		Limit:    1000,
	})
	return err
}

func klinesResponse(symbol, interval string, bars []store.Kline) wire.KlinesResponseData {
	out := make([]wire.Bar, 0, len(bars))
	for _, b := range bars {
		out = append(out, wire.Bar{
			Time:   b.OpenTime,
			Open:   mustFloat(b.Open),
			High:   mustFloat(b.High),
			Low:    mustFloat(b.Low),
			Close:  mustFloat(b.Close),
			Volume: mustFloat(b.Volume),
		})
	}
	return wire.KlinesResponseData{Symbol: symbol, Interval: interval, Bars: out}
}

func (r *Router) handleSearchSymbols(ctx context.Context, sessionID string, req wire.Request) error {
	var data wire.SearchSymbolsRequestData
	if err := unmarshalData(req, &data); err != nil {
		return err
	}
	symbols, err := r.exchangeInfo.SearchSymbols(ctx, data.Query, false, 50)
	if err != nil {
		return internalErr(fmt.Errorf("search symbols: %w", err))
	}
	r.sendSuccess(sessionID, req.RequestID, wire.DataKindSearchSymbols, symbols)
	return nil
}

func (r *Router) handleResolveSymbol(ctx context.Context, sessionID string, req wire.Request) error {
	var data wire.ResolveSymbolRequestData
	if err := unmarshalData(req, &data); err != nil {
		return err
	}
	if data.Symbol == "" {
		return invalidParams("symbol is required")
	}
	isPerp := strings.HasSuffix(strings.ToUpper(data.Symbol), ".PERP")
	sym, err := r.exchangeInfo.ResolveSymbol(ctx, data.Symbol, isPerp)
	if errors.Is(err, store.ErrNotFound) {
		return notFound(wire.ErrSymbolNotFound, fmt.Sprintf("symbol %q not found", data.Symbol))
	}
	if err != nil {
		return internalErr(fmt.Errorf("resolve symbol: %w", err))
	}
	r.sendSuccess(sessionID, req.RequestID, wire.DataKindSymbol, sym)
	return nil
}

func (r *Router) handleGetQuotes(ctx context.Context, sessionID string, req wire.Request) error {
	var data wire.QuotesRequestData
	if err := unmarshalData(req, &data); err != nil {
		return err
	}
	if len(data.Symbols) == 0 {
		return invalidParams("symbols is required")
	}
	_, err := r.enqueueTask(ctx, sessionID, req.RequestID, taskTypeGetQuotes, getQuotesPayload{Symbols: data.Symbols})
	return err
}

func (r *Router) handleGetAccount(ctx context.Context, sessionID string, req wire.Request, accountType string) error {
	_, err := r.enqueueTask(ctx, sessionID, req.RequestID, taskTypeGetAccount, getAccountPayload{AccountType: accountType})
	return err
}

// handleSubscribe registers every requested fingerprint against
// sessionID and echoes the subscription list back (spec §8 scenario B).
func (r *Router) handleSubscribe(ctx context.Context, sessionID string, req wire.Request) error {
	var data wire.SubscribeData
	if err := unmarshalData(req, &data); err != nil {
		return err
	}
	for _, key := range data.Subscriptions {
		if err := r.registry.Subscribe(ctx, sessionID, key); err != nil {
			return internalErr(fmt.Errorf("subscribe %q: %w", key, err))
		}
	}
	r.sendSuccess(sessionID, req.RequestID, wire.DataKindSubscription, wire.SubscriptionResponseData{Subscriptions: data.Subscriptions})
	return nil
}

// handleUnsubscribe drops the requested fingerprints, or every
// fingerprint the session holds when All is set (spec §4.5).
func (r *Router) handleUnsubscribe(ctx context.Context, sessionID string, req wire.Request) error {
	var data wire.SubscribeData
	if err := unmarshalData(req, &data); err != nil {
		return err
	}

	var dropped []string
	if data.All {
		dropped = r.registry.UnsubscribeAll(ctx, sessionID)
	} else {
		for _, key := range data.Subscriptions {
			if err := r.registry.Unsubscribe(ctx, sessionID, key); err != nil {
				return internalErr(fmt.Errorf("unsubscribe %q: %w", key, err))
			}
		}
		dropped = data.Subscriptions
	}
	r.sendSuccess(sessionID, req.RequestID, wire.DataKindSubscription, wire.SubscriptionResponseData{Subscriptions: dropped})
	return nil
}

func (r *Router) handleCreateAlertConfig(ctx context.Context, sessionID string, req wire.Request) error {
	var data wire.AlertConfigData
	if err := unmarshalData(req, &data); err != nil {
		return err
	}
	if data.Name == "" || data.StrategyType == "" || data.Symbol == "" || data.Interval == "" || data.TriggerType == "" {
		return invalidParams("name, strategy_type, symbol, interval, and trigger_type are required")
	}
	if data.ID == "" {
		data.ID = newTaskID()
	}

	params, err := json.Marshal(data.Params)
	if err != nil {
		return invalidParams(fmt.Sprintf("invalid params: %v", err))
	}
	now := time.Now()
	cfg := store.AlertConfig{
		ID:           data.ID,
		Name:         data.Name,
		StrategyType: data.StrategyType,
		Symbol:       data.Symbol,
		Interval:     data.Interval,
		TriggerType:  data.TriggerType,
		Params:       params,
		IsEnabled:    data.IsEnabled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if data.CreatedBy != "" {
		cfg.CreatedBy = &data.CreatedBy
	}

	err = r.publisher.PersistAndNotify(ctx, notify.ChannelAlertConfigNew, "alert_config.new",
		map[string]any{"id": cfg.ID},
		func(ctx context.Context, tx *sql.Tx) error {
			return r.alerts.Create(ctx, tx, cfg)
		})
	if err != nil {
		return internalErr(fmt.Errorf("create alert config: %w", err))
	}

	r.sendSuccess(sessionID, req.RequestID, wire.DataKindAlertConfig, alertConfigResponse(cfg))
	return nil
}

func (r *Router) handleUpdateAlertConfig(ctx context.Context, sessionID string, req wire.Request) error {
	var data wire.AlertConfigData
	if err := unmarshalData(req, &data); err != nil {
		return err
	}
	if data.ID == "" {
		return invalidParams("id is required")
	}

	existing, err := r.alerts.Get(ctx, data.ID)
	if errors.Is(err, store.ErrNotFound) {
		return notFound(wire.ErrAlertNotFound, fmt.Sprintf("alert config %q not found", data.ID))
	}
	if err != nil {
		return internalErr(fmt.Errorf("load alert config: %w", err))
	}

	params, err := json.Marshal(data.Params)
	if err != nil {
		return invalidParams(fmt.Sprintf("invalid params: %v", err))
	}
	existing.Name = data.Name
	existing.StrategyType = data.StrategyType
	existing.Symbol = data.Symbol
	existing.Interval = data.Interval
	existing.TriggerType = data.TriggerType
	existing.Params = params
	existing.IsEnabled = data.IsEnabled

	err = r.publisher.PersistAndNotify(ctx, notify.ChannelAlertConfigUpdate, "alert_config.update",
		map[string]any{"id": existing.ID},
		func(ctx context.Context, tx *sql.Tx) error {
			return r.alerts.Update(ctx, tx, existing)
		})
	if err != nil {
		return internalErr(fmt.Errorf("update alert config: %w", err))
	}

	r.sendSuccess(sessionID, req.RequestID, wire.DataKindAlertConfig, alertConfigResponse(existing))
	return nil
}

func (r *Router) handleDeleteAlertConfig(ctx context.Context, sessionID string, req wire.Request) error {
	var data wire.AlertConfigIDData
	if err := unmarshalData(req, &data); err != nil {
		return err
	}
	if data.ID == "" {
		return invalidParams("id is required")
	}

	existing, err := r.alerts.Get(ctx, data.ID)
	if errors.Is(err, store.ErrNotFound) {
		return notFound(wire.ErrAlertNotFound, fmt.Sprintf("alert config %q not found", data.ID))
	}
	if err != nil {
		return internalErr(fmt.Errorf("load alert config: %w", err))
	}

	err = r.publisher.PersistAndNotify(ctx, notify.ChannelAlertConfigDelete, "alert_config.delete",
		map[string]any{"id": data.ID},
		func(ctx context.Context, tx *sql.Tx) error {
			return r.alerts.Delete(ctx, tx, data.ID)
		})
	if err != nil {
		return internalErr(fmt.Errorf("delete alert config: %w", err))
	}

	r.sendSuccess(sessionID, req.RequestID, wire.DataKindAlertConfig, alertConfigResponse(existing))
	return nil
}

func (r *Router) handleSetAlertEnabled(ctx context.Context, sessionID string, req wire.Request, enabled bool) error {
	var data wire.AlertConfigIDData
	if err := unmarshalData(req, &data); err != nil {
		return err
	}
	if data.ID == "" {
		return invalidParams("id is required")
	}

	existing, err := r.alerts.Get(ctx, data.ID)
	if errors.Is(err, store.ErrNotFound) {
		return notFound(wire.ErrAlertNotFound, fmt.Sprintf("alert config %q not found", data.ID))
	}
	if err != nil {
		return internalErr(fmt.Errorf("load alert config: %w", err))
	}

	channel, eventType := notify.ChannelAlertConfigUpdate, "alert_config.update"
	err = r.publisher.PersistAndNotify(ctx, channel, eventType,
		map[string]any{"id": data.ID, "is_enabled": enabled},
		func(ctx context.Context, tx *sql.Tx) error {
			return r.alerts.SetEnabled(ctx, tx, data.ID, enabled)
		})
	if err != nil {
		return internalErr(fmt.Errorf("set alert config enabled: %w", err))
	}

	existing.IsEnabled = enabled
	r.sendSuccess(sessionID, req.RequestID, wire.DataKindAlertConfig, alertConfigResponse(existing))
	return nil
}

func (r *Router) handleListAlertConfigs(ctx context.Context, sessionID string, req wire.Request) error {
	configs, err := r.alerts.List(ctx, 500, 0)
	if err != nil {
		return internalErr(fmt.Errorf("list alert configs: %w", err))
	}
	out := make([]wire.AlertConfigData, 0, len(configs))
	for _, c := range configs {
		out = append(out, alertConfigResponse(c))
	}
	r.sendSuccess(sessionID, req.RequestID, wire.DataKindAlertConfig, out)
	return nil
}

func (r *Router) handleListSignals(sessionID string, req wire.Request) error {
	// ListSignals never touches the network beyond the synchronous query
	// below, so it doesn't need a context parameter of its own beyond the
	// one implicitly bound to the caller's request lifetime.
	return r.listSignals(context.Background(), sessionID, req)
}

func (r *Router) listSignals(ctx context.Context, sessionID string, req wire.Request) error {
	var data wire.ListSignalsRequestData
	if err := unmarshalData(req, &data); err != nil {
		return err
	}
	limit := data.Limit
	if limit <= 0 {
		limit = 100
	}

	var (
		signals []store.StrategySignal
		err     error
	)
	switch {
	case data.AlertID != "":
		signals, err = r.signals.ListByAlertID(ctx, data.AlertID, limit)
	case data.Symbol != "":
		signals, err = r.signals.ListBySymbol(ctx, data.Symbol, limit)
	default:
		signals, err = r.signals.List(ctx, limit)
	}
	if err != nil {
		return internalErr(fmt.Errorf("list signals: %w", err))
	}
	r.sendSuccess(sessionID, req.RequestID, wire.DataKindSignal, signals)
	return nil
}

func alertConfigResponse(c store.AlertConfig) wire.AlertConfigData {
	var params map[string]any
	_ = json.Unmarshal(c.Params, &params)
	out := wire.AlertConfigData{
		ID:           c.ID,
		Name:         c.Name,
		StrategyType: c.StrategyType,
		Symbol:       c.Symbol,
		Interval:     c.Interval,
		TriggerType:  c.TriggerType,
		Params:       params,
		IsEnabled:    c.IsEnabled,
		CreatedAt:    c.CreatedAt.Format(rfc3339Milli),
		UpdatedAt:    c.UpdatedAt.Format(rfc3339Milli),
	}
	if c.CreatedBy != nil {
		out.CreatedBy = *c.CreatedBy
	}
	return out
}

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"
