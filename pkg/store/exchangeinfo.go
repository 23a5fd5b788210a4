package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ExchangeSymbol mirrors one row of exchange_info: a single Binance
// trading pair, spot or perpetual-futures, refreshed by the adapter's
// exchange-info sync task.
type ExchangeSymbol struct {
	Symbol     string
	BaseAsset  string
	QuoteAsset string
	Status     string
	IsPerp     bool
	Data       json.RawMessage
}

// ExchangeInfoStore is the repository over exchange_info. The router
// queries it directly (read-only, no task round-trip) to answer
// GET_RESOLVE_SYMBOL and GET_SEARCH_SYMBOLS (spec §4.10), grounded in
// exchange_info_repository.py's resolve_symbol/search_symbols/
// get_total_count.
type ExchangeInfoStore struct {
	db Execer
}

// NewExchangeInfoStore builds an ExchangeInfoStore over db.
func NewExchangeInfoStore(db Execer) *ExchangeInfoStore {
	return &ExchangeInfoStore{db: db}
}

// Upsert writes or replaces one symbol's row, called by the adapter's
// exchange-info refresh cycle.
func (s *ExchangeInfoStore) Upsert(ctx context.Context, sym ExchangeSymbol) error {
	const q = `
		INSERT INTO exchange_info (symbol, base_asset, quote_asset, status, is_perp, data, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,NOW())
		ON CONFLICT (symbol) DO UPDATE SET
			base_asset = EXCLUDED.base_asset,
			quote_asset = EXCLUDED.quote_asset,
			status = EXCLUDED.status,
			is_perp = EXCLUDED.is_perp,
			data = EXCLUDED.data,
			updated_at = NOW()`
	_, err := s.db.ExecContext(ctx, q, sym.Symbol, sym.BaseAsset, sym.QuoteAsset, sym.Status, sym.IsPerp, sym.Data)
	if err != nil {
		return fmt.Errorf("store: upsert exchange info %s: %w", sym.Symbol, err)
	}
	return nil
}

// parseSymbol splits an "EXCHANGE:TICKER" string (or a bare ticker,
// defaulting to BINANCE) into its ticker part, uppercased. Only the
// ticker is meaningful here since exchange_info holds Binance symbols
// exclusively; the exchange prefix is accepted for TradingView-style
// callers and otherwise ignored.
func parseSymbol(symbol string) string {
	if i := strings.IndexByte(symbol, ':'); i >= 0 {
		return strings.ToUpper(symbol[i+1:])
	}
	return strings.ToUpper(symbol)
}

// ResolveSymbol looks up a single symbol for GET_RESOLVE_SYMBOL, or
// ErrNotFound if unknown. Trailing ".PERP" in the caller's ticker (or
// isPerp=true) selects the perpetual-futures row over the spot one.
func (s *ExchangeInfoStore) ResolveSymbol(ctx context.Context, symbol string, isPerp bool) (ExchangeSymbol, error) {
	ticker := parseSymbol(symbol)
	isPerp = isPerp || strings.HasSuffix(ticker, ".PERP")
	ticker = strings.TrimSuffix(ticker, ".PERP")

	const q = `
		SELECT symbol, base_asset, quote_asset, status, is_perp, data
		FROM exchange_info WHERE symbol = $1 AND is_perp = $2`
	var sym ExchangeSymbol
	err := s.db.QueryRowContext(ctx, q, ticker, isPerp).
		Scan(&sym.Symbol, &sym.BaseAsset, &sym.QuoteAsset, &sym.Status, &sym.IsPerp, &sym.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return ExchangeSymbol{}, ErrNotFound
	}
	if err != nil {
		return ExchangeSymbol{}, fmt.Errorf("store: resolve symbol %s: %w", symbol, err)
	}
	return sym, nil
}

// SearchSymbols matches query against symbol, base_asset, or quote_asset
// (case-insensitive substring), scoped to spot or perpetual-futures,
// ordered by symbol, capped at limit rows.
func (s *ExchangeInfoStore) SearchSymbols(ctx context.Context, query string, isPerp bool, limit int) ([]ExchangeSymbol, error) {
	pattern := "%"
	if query != "" {
		pattern = "%" + query + "%"
	}
	const q = `
		SELECT symbol, base_asset, quote_asset, status, is_perp, data
		FROM exchange_info
		WHERE is_perp = $1 AND (symbol ILIKE $2 OR base_asset ILIKE $2 OR quote_asset ILIKE $2)
		ORDER BY symbol
		LIMIT $3`
	rows, err := s.db.QueryContext(ctx, q, isPerp, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("store: search symbols %q: %w", query, err)
	}
	defer rows.Close()

	var out []ExchangeSymbol
	for rows.Next() {
		var sym ExchangeSymbol
		if err := rows.Scan(&sym.Symbol, &sym.BaseAsset, &sym.QuoteAsset, &sym.Status, &sym.IsPerp, &sym.Data); err != nil {
			return nil, fmt.Errorf("store: scan exchange info row: %w", err)
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// GetTotalCount reports how many rows SearchSymbols would match with the
// same query and isPerp scope, for GET_SEARCH_SYMBOLS pagination.
func (s *ExchangeInfoStore) GetTotalCount(ctx context.Context, query string, isPerp bool) (int, error) {
	pattern := "%"
	if query != "" {
		pattern = "%" + query + "%"
	}
	const q = `
		SELECT COUNT(*) FROM exchange_info
		WHERE is_perp = $1 AND (symbol ILIKE $2 OR base_asset ILIKE $2 OR quote_asset ILIKE $2)`
	var n int
	if err := s.db.QueryRowContext(ctx, q, isPerp, pattern).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count symbols %q: %w", query, err)
	}
	return n, nil
}
