package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/binance-signal/platform/pkg/store"
)

// httpTimeout bounds every REST call this client makes, following the
// runbook package's fixed-timeout http.Client pattern.
const httpTimeout = 15 * time.Second

// HTTPClient talks to Binance's spot and perpetual-futures REST APIs.
// Signed endpoints (account snapshots) are only reachable when APIKey/
// APISecret are set; unsigned callers (klines, tickers) work without them.
type HTTPClient struct {
	httpClient *http.Client
	spotBase   string
	futBase    string
	apiKey     string
	apiSecret  string
}

// NewHTTPClient builds an HTTPClient against the given base URLs.
func NewHTTPClient(spotBase, futBase, apiKey, apiSecret string) *HTTPClient {
	return &HTTPClient{
		httpClient: &http.Client{Timeout: httpTimeout},
		spotBase:   strings.TrimRight(spotBase, "/"),
		futBase:    strings.TrimRight(futBase, "/"),
		apiKey:     apiKey,
		apiSecret:  apiSecret,
	}
}

func (c *HTTPClient) baseFor(isPerp bool) string {
	if isPerp {
		return c.futBase
	}
	return c.spotBase
}

// klinesPath is /api/v3/klines on spot, /fapi/v1/klines on futures.
func (c *HTTPClient) klinesPath(isPerp bool) string {
	if isPerp {
		return "/fapi/v1/klines"
	}
	return "/api/v3/klines"
}

// GetKlines fetches up to limit bars for symbol/interval within
// [startMillis, endMillis], returning them in the shape klines_history
// stores (spec §4.10 back-fill, §4.4 history fetch).
func (c *HTTPClient) GetKlines(ctx context.Context, isPerp bool, symbol, tvInterval string, startMillis, endMillis int64, limit int) ([]store.Kline, error) {
	interval, err := binanceInterval(tvInterval)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	if startMillis > 0 {
		q.Set("startTime", strconv.FormatInt(startMillis, 10))
	}
	if endMillis > 0 {
		q.Set("endTime", strconv.FormatInt(endMillis, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	body, err := c.get(ctx, c.baseFor(isPerp)+c.klinesPath(isPerp), q)
	if err != nil {
		return nil, fmt.Errorf("exchange: get klines %s %s: %w", symbol, tvInterval, err)
	}

	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("exchange: decode klines response: %w", err)
	}

	out := make([]store.Kline, 0, len(raw))
	for _, row := range raw {
		k, err := parseKlineRow(symbol, tvInterval, row)
		if err != nil {
			return nil, fmt.Errorf("exchange: parse kline row: %w", err)
		}
		out = append(out, k)
	}
	return out, nil
}

// parseKlineRow decodes one row of Binance's klines array response:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume,
// trades, takerBuyBaseVolume, takerBuyQuoteVolume, ignore].
func parseKlineRow(symbol, interval string, row []any) (store.Kline, error) {
	if len(row) < 11 {
		return store.Kline{}, fmt.Errorf("expected at least 11 fields, got %d", len(row))
	}
	openTime, err := toInt64(row[0])
	if err != nil {
		return store.Kline{}, fmt.Errorf("open_time: %w", err)
	}
	closeTime, err := toInt64(row[6])
	if err != nil {
		return store.Kline{}, fmt.Errorf("close_time: %w", err)
	}
	trades, err := toInt64(row[8])
	if err != nil {
		return store.Kline{}, fmt.Errorf("trades: %w", err)
	}
	open, err := toDecimal(row[1])
	if err != nil {
		return store.Kline{}, fmt.Errorf("open: %w", err)
	}
	high, err := toDecimal(row[2])
	if err != nil {
		return store.Kline{}, fmt.Errorf("high: %w", err)
	}
	low, err := toDecimal(row[3])
	if err != nil {
		return store.Kline{}, fmt.Errorf("low: %w", err)
	}
	closePrice, err := toDecimal(row[4])
	if err != nil {
		return store.Kline{}, fmt.Errorf("close: %w", err)
	}
	volume, err := toDecimal(row[5])
	if err != nil {
		return store.Kline{}, fmt.Errorf("volume: %w", err)
	}
	quoteVolume, err := toDecimal(row[7])
	if err != nil {
		return store.Kline{}, fmt.Errorf("quote_volume: %w", err)
	}
	takerBase, err := toDecimal(row[9])
	if err != nil {
		return store.Kline{}, fmt.Errorf("taker_buy_base_volume: %w", err)
	}
	takerQuote, err := toDecimal(row[10])
	if err != nil {
		return store.Kline{}, fmt.Errorf("taker_buy_quote_volume: %w", err)
	}

	return store.Kline{
		Symbol:              symbol,
		Interval:             interval,
		OpenTime:             openTime,
		CloseTime:            closeTime,
		Open:                 open,
		High:                 high,
		Low:                  low,
		Close:                closePrice,
		Volume:               volume,
		QuoteVolume:          quoteVolume,
		Trades:               trades,
		TakerBuyBaseVolume:   takerBase,
		TakerBuyQuoteVolume:  takerQuote,
	}, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case string:
		return decimal.NewFromString(n)
	case float64:
		return decimal.NewFromFloat(n), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unexpected type %T", v)
	}
}

// TickerPrice is one symbol's last-traded price, Binance's /ticker/price
// response shape (spot and futures agree on this field set).
type TickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// GetSpotTickers batches every symbol into a single request, matching
// Binance's spot /api/v3/ticker/price?symbols=[...] endpoint.
func (c *HTTPClient) GetSpotTickers(ctx context.Context, symbols []string) ([]TickerPrice, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(symbols)
	if err != nil {
		return nil, fmt.Errorf("exchange: encode symbols: %w", err)
	}
	q := url.Values{}
	q.Set("symbols", string(encoded))

	body, err := c.get(ctx, c.spotBase+"/api/v3/ticker/price", q)
	if err != nil {
		return nil, fmt.Errorf("exchange: get spot tickers: %w", err)
	}
	var out []TickerPrice
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("exchange: decode spot tickers: %w", err)
	}
	return out, nil
}

// GetFuturesTickers fans out one request per symbol via errgroup, since
// the futures quote task is scoped to the symbols a client actually
// asked for rather than the whole market (spec §10 domain stack:
// golang.org/x/sync/errgroup for perp-futures quote gather).
func (c *HTTPClient) GetFuturesTickers(ctx context.Context, symbols []string) ([]TickerPrice, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	out := make([]TickerPrice, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	for i, sym := range symbols {
		i, sym := i, sym
		g.Go(func() error {
			q := url.Values{}
			q.Set("symbol", sym)
			body, err := c.get(gctx, c.futBase+"/fapi/v1/ticker/price", q)
			if err != nil {
				return fmt.Errorf("futures ticker %s: %w", sym, err)
			}
			var tp TickerPrice
			if err := json.Unmarshal(body, &tp); err != nil {
				return fmt.Errorf("decode futures ticker %s: %w", sym, err)
			}
			out[i] = tp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// accountPath is /api/v3/account on spot, /fapi/v2/account on futures.
func (c *HTTPClient) accountPath(isPerp bool) string {
	if isPerp {
		return "/fapi/v2/account"
	}
	return "/api/v3/account"
}

// GetAccount fetches the signed account snapshot for spot or futures.
// Requires APIKey/APISecret to be configured.
func (c *HTTPClient) GetAccount(ctx context.Context, isPerp bool) (json.RawMessage, error) {
	if c.apiKey == "" || c.apiSecret == "" {
		return nil, fmt.Errorf("exchange: account snapshot requires ADAPTER_BINANCE_API_KEY/SECRET")
	}

	q := url.Values{}
	q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	q.Set("signature", c.sign(q.Encode()))

	body, err := c.getSigned(ctx, c.baseFor(isPerp)+c.accountPath(isPerp), q)
	if err != nil {
		return nil, fmt.Errorf("exchange: get account (perp=%v): %w", isPerp, err)
	}
	return json.RawMessage(body), nil
}

func (c *HTTPClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *HTTPClient) get(ctx context.Context, endpoint string, q url.Values) ([]byte, error) {
	return c.do(ctx, endpoint, q, false)
}

func (c *HTTPClient) getSigned(ctx context.Context, endpoint string, q url.Values) ([]byte, error) {
	return c.do(ctx, endpoint, q, true)
}

func (c *HTTPClient) do(ctx context.Context, endpoint string, q url.Values, signed bool) ([]byte, error) {
	full := endpoint
	if len(q) > 0 {
		full += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance returned HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
