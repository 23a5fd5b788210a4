package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Account type keys (spec §6.3, account_info.account_type).
const (
	AccountTypeSpot    = "SPOT"
	AccountTypeFutures = "FUTURES"
)

// AccountInfo mirrors one row of account_info: the adapter's last fetched
// snapshot of a Binance account (spot or futures), keyed by account type
// so each exchange product keeps its own row.
type AccountInfo struct {
	AccountType string
	Data        json.RawMessage
	UpdateTime  *int64 // exchange-reported update time, milliseconds since epoch
}

// AccountStore is the repository over account_info.
type AccountStore struct {
	db Execer
}

// NewAccountStore builds an AccountStore over db.
func NewAccountStore(db Execer) *AccountStore {
	return &AccountStore{db: db}
}

// Upsert writes the latest account snapshot for accountType, replacing any
// prior one. Called by the adapter's get_account task handler (grounded in
// tasks_repository.get_account_info's companion write path).
func (s *AccountStore) Upsert(ctx context.Context, accountType string, data any, updateTime *int64) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("store: marshal account info %s: %w", accountType, err)
	}
	const q = `
		INSERT INTO account_info (account_type, data, update_time, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (account_type) DO UPDATE SET
			data = EXCLUDED.data,
			update_time = EXCLUDED.update_time,
			updated_at = NOW()`
	if _, err := s.db.ExecContext(ctx, q, accountType, payload, updateTime); err != nil {
		return fmt.Errorf("store: upsert account info %s: %w", accountType, err)
	}
	return nil
}

// Get fetches the last known snapshot for accountType, or ErrNotFound if
// the adapter has never populated it.
func (s *AccountStore) Get(ctx context.Context, accountType string) (AccountInfo, error) {
	const q = `SELECT account_type, data, update_time FROM account_info WHERE account_type = $1`
	var a AccountInfo
	err := s.db.QueryRowContext(ctx, q, accountType).Scan(&a.AccountType, &a.Data, &a.UpdateTime)
	if errors.Is(err, sql.ErrNoRows) {
		return AccountInfo{}, ErrNotFound
	}
	if err != nil {
		return AccountInfo{}, fmt.Errorf("store: get account info %s: %w", accountType, err)
	}
	return a, nil
}
