package store

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Kline mirrors one row of klines_history. Price and volume fields use
// decimal.Decimal (spec §10 domain stack) rather than float64, matching
// the pack's convention for OHLCV data where float drift would corrupt
// trigger comparisons downstream.
type Kline struct {
	Symbol              string
	Interval            string
	OpenTime            int64 // milliseconds since epoch
	CloseTime           int64
	Open                decimal.Decimal
	High                decimal.Decimal
	Low                 decimal.Decimal
	Close               decimal.Decimal
	Volume              decimal.Decimal
	QuoteVolume         decimal.Decimal
	Trades              int64
	TakerBuyBaseVolume  decimal.Decimal
	TakerBuyQuoteVolume decimal.Decimal
}

// KlineStore is the repository over klines_history.
type KlineStore struct {
	db Execer
}

// NewKlineStore builds a KlineStore over db.
func NewKlineStore(db Execer) *KlineStore {
	return &KlineStore{db: db}
}

// Upsert writes or replaces a single bar, keyed by (symbol, interval,
// open_time). The adapter calls this once per closed bar fetched from
// history or streamed from the exchange.
func (s *KlineStore) Upsert(ctx context.Context, k Kline) error {
	const q = `
		INSERT INTO klines_history (
			symbol, interval, open_time, close_time, open, high, low, close,
			volume, quote_volume, trades, taker_buy_base_volume, taker_buy_quote_volume
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
			close_time = EXCLUDED.close_time,
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			quote_volume = EXCLUDED.quote_volume,
			trades = EXCLUDED.trades,
			taker_buy_base_volume = EXCLUDED.taker_buy_base_volume,
			taker_buy_quote_volume = EXCLUDED.taker_buy_quote_volume`
	_, err := s.db.ExecContext(ctx, q,
		k.Symbol, k.Interval, k.OpenTime, k.CloseTime, k.Open, k.High, k.Low, k.Close,
		k.Volume, k.QuoteVolume, k.Trades, k.TakerBuyBaseVolume, k.TakerBuyQuoteVolume)
	if err != nil {
		return fmt.Errorf("store: upsert kline %s %s@%d: %w", k.Symbol, k.Interval, k.OpenTime, err)
	}
	return nil
}

// Range returns bars for (symbol, interval) with open_time within
// [fromMillis, toMillis], ascending by open_time. Used for GET_KLINES;
// the signal worker seeds its buffer from Latest.
func (s *KlineStore) Range(ctx context.Context, symbol, interval string, fromMillis, toMillis int64) ([]Kline, error) {
	const q = `
		SELECT symbol, interval, open_time, close_time, open, high, low, close,
		       volume, quote_volume, trades, taker_buy_base_volume, taker_buy_quote_volume
		FROM klines_history
		WHERE symbol = $1 AND interval = $2 AND open_time >= $3 AND open_time <= $4
		ORDER BY open_time ASC`
	return s.query(ctx, q, symbol, interval, fromMillis, toMillis)
}

// Latest returns the most recent n bars for (symbol, interval), ascending
// by open_time (oldest first), matching the ordering the signal worker's
// buffer expects (spec §4.9, REQUIRED_KLINES = 280).
func (s *KlineStore) Latest(ctx context.Context, symbol, interval string, n int) ([]Kline, error) {
	const q = `
		SELECT symbol, interval, open_time, close_time, open, high, low, close,
		       volume, quote_volume, trades, taker_buy_base_volume, taker_buy_quote_volume
		FROM (
			SELECT * FROM klines_history
			WHERE symbol = $1 AND interval = $2
			ORDER BY open_time DESC
			LIMIT $3
		) recent
		ORDER BY open_time ASC`
	return s.query(ctx, q, symbol, interval, n)
}

func (s *KlineStore) query(ctx context.Context, q string, args ...any) ([]Kline, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query klines: %w", err)
	}
	defer rows.Close()

	var out []Kline
	for rows.Next() {
		var k Kline
		if err := rows.Scan(
			&k.Symbol, &k.Interval, &k.OpenTime, &k.CloseTime, &k.Open, &k.High, &k.Low, &k.Close,
			&k.Volume, &k.QuoteVolume, &k.Trades, &k.TakerBuyBaseVolume, &k.TakerBuyQuoteVolume,
		); err != nil {
			return nil, fmt.Errorf("store: scan kline row: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Endpoints reports whether bars exist at exactly fromMillis and
// toMillis, used by the router to decide between a synchronous history
// read and an asynchronous get_klines task (spec §4.9 back-fill, grounded
// in tasks_repository.check_kline_endpoints_exist).
func (s *KlineStore) Endpoints(ctx context.Context, symbol, interval string, fromMillis, toMillis int64) (fromExists, toExists bool, err error) {
	const q = `SELECT EXISTS(SELECT 1 FROM klines_history WHERE symbol=$1 AND interval=$2 AND open_time=$3)`
	if err := s.db.QueryRowContext(ctx, q, symbol, interval, fromMillis).Scan(&fromExists); err != nil {
		return false, false, fmt.Errorf("store: check from endpoint: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, q, symbol, interval, toMillis).Scan(&toExists); err != nil {
		return false, false, fmt.Errorf("store: check to endpoint: %w", err)
	}
	return fromExists, toExists, nil
}
