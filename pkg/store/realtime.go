// Package store holds repositories over the tables listed in spec §6.3:
// the realtime cache, the task queue, k-line history, alert configs,
// strategy signals, account snapshots, and exchange metadata. Every
// repository takes a plain *sql.DB (or *sql.Tx, where a caller needs to
// fold a write into pkg/notify's transactional publish) and issues hand
// written SQL, following the teacher's repository style adapted from
// plain database/sql rather than ent (see DESIGN.md).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("store: not found")

// Execer is satisfied by both *sql.DB and *sql.Tx, letting a repository
// method run standalone or as part of a notify.Persist callback.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// RealtimeRow mirrors one row of realtime_data.
type RealtimeRow struct {
	SubscriptionKey string
	DataType        string
	Data            json.RawMessage
	EventTime       *time.Time
	UpdatedAt       time.Time
	Subscribers     []string
}

// RealtimeStore wraps realtime_data: the gateway's materialized view of
// every subscription key an adapter or worker is actively feeding,
// reference-counted by subscriber name (spec §4.3).
type RealtimeStore struct {
	db Execer
}

// NewRealtimeStore builds a RealtimeStore over db.
func NewRealtimeStore(db Execer) *RealtimeStore {
	return &RealtimeStore{db: db}
}

// AddSubscription UPSERTs subscriptionKey, prepending subscriber to the
// subscribers array (deduplicated) if the row already exists. Returns
// true if this call created the row (the first subscriber), matching
// the original's xmax=0 trick for INSERT-vs-UPDATE detection.
func (s *RealtimeStore) AddSubscription(ctx context.Context, subscriptionKey, dataType, subscriber string) (created bool, err error) {
	const q = `
		INSERT INTO realtime_data (subscription_key, data_type, data, subscribers)
		VALUES ($1, $2, '{}'::jsonb, ARRAY[$3])
		ON CONFLICT (subscription_key)
		DO UPDATE SET
			subscribers = ARRAY_PREPEND($3::text, ARRAY_REMOVE(realtime_data.subscribers, $3::text))
		RETURNING (xmax = 0) AS is_insert`
	err = s.db.QueryRowContext(ctx, q, subscriptionKey, dataType, subscriber).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("store: add subscription %q: %w", subscriptionKey, err)
	}
	return created, nil
}

// RemoveSubscription drops subscriber from subscriptionKey's subscriber
// list, deleting the row entirely once the list is empty. Returns true
// if the row was deleted (no subscribers remain).
func (s *RealtimeStore) RemoveSubscription(ctx context.Context, subscriptionKey, subscriber string) (rowDeleted bool, err error) {
	const updateQ = `
		UPDATE realtime_data
		SET subscribers = ARRAY_REMOVE(subscribers, $2)
		WHERE subscription_key = $1`
	if _, err := s.db.ExecContext(ctx, updateQ, subscriptionKey, subscriber); err != nil {
		return false, fmt.Errorf("store: remove subscriber from %q: %w", subscriptionKey, err)
	}

	hasAny, err := s.HasSubscribers(ctx, subscriptionKey)
	if err != nil {
		return false, err
	}
	if hasAny {
		return false, nil
	}

	const deleteQ = `DELETE FROM realtime_data WHERE subscription_key = $1`
	res, err := s.db.ExecContext(ctx, deleteQ, subscriptionKey)
	if err != nil {
		return false, fmt.Errorf("store: delete empty subscription %q: %w", subscriptionKey, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HasSubscribers reports whether subscriptionKey still has at least one
// subscriber recorded.
func (s *RealtimeStore) HasSubscribers(ctx context.Context, subscriptionKey string) (bool, error) {
	const q = `
		SELECT EXISTS(
			SELECT 1 FROM realtime_data
			WHERE subscription_key = $1 AND cardinality(subscribers) > 0
		)`
	var exists bool
	if err := s.db.QueryRowContext(ctx, q, subscriptionKey).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: has subscribers %q: %w", subscriptionKey, err)
	}
	return exists, nil
}

// Get fetches a single row, or ErrNotFound.
func (s *RealtimeStore) Get(ctx context.Context, subscriptionKey string) (RealtimeRow, error) {
	const q = `
		SELECT subscription_key, data_type, data, event_time, updated_at, subscribers
		FROM realtime_data WHERE subscription_key = $1`
	var row RealtimeRow
	err := s.db.QueryRowContext(ctx, q, subscriptionKey).Scan(
		&row.SubscriptionKey, &row.DataType, &row.Data, &row.EventTime, &row.UpdatedAt, pqStringArray(&row.Subscribers),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return RealtimeRow{}, ErrNotFound
	}
	if err != nil {
		return RealtimeRow{}, fmt.Errorf("store: get subscription %q: %w", subscriptionKey, err)
	}
	return row, nil
}

const updateDataQuery = `
	UPDATE realtime_data
	SET data = $1, event_time = COALESCE($2, NOW()), updated_at = NOW()
	WHERE subscription_key = $3`

// UpdateData overwrites the data payload and event_time of an existing
// row. Returns ErrNotFound if subscriptionKey has no row (the realtime
// row must be created by AddSubscription before any data arrives).
func (s *RealtimeStore) UpdateData(ctx context.Context, subscriptionKey string, data json.RawMessage, eventTime *time.Time) error {
	res, err := s.db.ExecContext(ctx, updateDataQuery, []byte(data), eventTime, subscriptionKey)
	if err != nil {
		return fmt.Errorf("store: update data %q: %w", subscriptionKey, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByType returns every row of the given data_type (KLINE, QUOTES,
// TRADE, ...), most recently updated first.
func (s *RealtimeStore) ListByType(ctx context.Context, dataType string) ([]RealtimeRow, error) {
	const q = `
		SELECT subscription_key, data_type, data, event_time, updated_at, subscribers
		FROM realtime_data WHERE data_type = $1 ORDER BY updated_at DESC`
	rows, err := s.db.QueryContext(ctx, q, dataType)
	if err != nil {
		return nil, fmt.Errorf("store: list by type %q: %w", dataType, err)
	}
	defer rows.Close()

	var out []RealtimeRow
	for rows.Next() {
		var row RealtimeRow
		if err := rows.Scan(&row.SubscriptionKey, &row.DataType, &row.Data, &row.EventTime, &row.UpdatedAt, pqStringArray(&row.Subscribers)); err != nil {
			return nil, fmt.Errorf("store: scan realtime row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListAllKeys returns every subscription_key currently present, regardless
// of data_type. Used once at startup by the exchange adapter's stream
// multiplexer to subscribe upstream to every key already present (spec
// §4.4 full sync).
func (s *RealtimeStore) ListAllKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT subscription_key FROM realtime_data`)
	if err != nil {
		return nil, fmt.Errorf("store: list all keys: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("store: scan subscription key: %w", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// TruncateAll deletes every row, used once at gateway startup to clear
// subscriptions left behind by a previous instance (spec §4.3: no
// cross-restart subscription persistence).
func (s *RealtimeStore) TruncateAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM realtime_data`)
	if err != nil {
		return 0, fmt.Errorf("store: truncate realtime_data: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
