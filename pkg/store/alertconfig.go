package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AlertConfig mirrors one row of alert_configs: a user-defined watch
// combining a symbol, interval, strategy, and trigger cadence (spec §3).
type AlertConfig struct {
	ID           string
	Name         string
	Description  *string
	StrategyType string
	Symbol       string
	Interval     string
	TriggerType  string
	Params       json.RawMessage
	IsEnabled    bool
	CreatedBy    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AlertConfigStore is the repository over alert_configs.
type AlertConfigStore struct {
	db Execer
}

// NewAlertConfigStore builds an AlertConfigStore over db.
func NewAlertConfigStore(db Execer) *AlertConfigStore {
	return &AlertConfigStore{db: db}
}

const alertConfigColumns = `id, name, description, strategy_type, symbol, interval,
	trigger_type, params, is_enabled, created_by, created_at, updated_at`

func scanAlertConfig(row interface{ Scan(...any) error }) (AlertConfig, error) {
	var c AlertConfig
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.StrategyType, &c.Symbol, &c.Interval,
		&c.TriggerType, &c.Params, &c.IsEnabled, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// Create inserts a new alert config, within tx so the caller can fold the
// alert_config.new NOTIFY into the same commit.
func (s *AlertConfigStore) Create(ctx context.Context, tx *sql.Tx, c AlertConfig) error {
	q := `INSERT INTO alert_configs (` + alertConfigColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := tx.ExecContext(ctx, q, c.ID, c.Name, c.Description, c.StrategyType, c.Symbol, c.Interval,
		c.TriggerType, c.Params, c.IsEnabled, c.CreatedBy, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create alert config %q: %w", c.ID, err)
	}
	return nil
}

// Update rewrites every mutable field of an existing alert config, within
// tx for the alert_config.update NOTIFY.
func (s *AlertConfigStore) Update(ctx context.Context, tx *sql.Tx, c AlertConfig) error {
	const q = `
		UPDATE alert_configs SET
			name = $2, description = $3, strategy_type = $4, symbol = $5, interval = $6,
			trigger_type = $7, params = $8, is_enabled = $9, updated_at = NOW()
		WHERE id = $1`
	res, err := tx.ExecContext(ctx, q, c.ID, c.Name, c.Description, c.StrategyType, c.Symbol, c.Interval,
		c.TriggerType, c.Params, c.IsEnabled)
	if err != nil {
		return fmt.Errorf("store: update alert config %q: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEnabled flips is_enabled for ENABLE/DISABLE_ALERT_CONFIG requests.
func (s *AlertConfigStore) SetEnabled(ctx context.Context, tx *sql.Tx, id string, enabled bool) error {
	const q = `UPDATE alert_configs SET is_enabled = $2, updated_at = NOW() WHERE id = $1`
	res, err := tx.ExecContext(ctx, q, id, enabled)
	if err != nil {
		return fmt.Errorf("store: set alert config enabled %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an alert config, within tx for the alert_config.delete
// NOTIFY.
func (s *AlertConfigStore) Delete(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM alert_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete alert config %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches one alert config, or ErrNotFound.
func (s *AlertConfigStore) Get(ctx context.Context, id string) (AlertConfig, error) {
	q := `SELECT ` + alertConfigColumns + ` FROM alert_configs WHERE id = $1`
	c, err := scanAlertConfig(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return AlertConfig{}, ErrNotFound
	}
	if err != nil {
		return AlertConfig{}, fmt.Errorf("store: get alert config %q: %w", id, err)
	}
	return c, nil
}

// List returns every alert config, most recently created first.
func (s *AlertConfigStore) List(ctx context.Context, limit, offset int) ([]AlertConfig, error) {
	q := `SELECT ` + alertConfigColumns + ` FROM alert_configs ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	rows, err := s.db.QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list alert configs: %w", err)
	}
	defer rows.Close()

	var out []AlertConfig
	for rows.Next() {
		c, err := scanAlertConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan alert config row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListEnabledBySymbolInterval returns every enabled config watching
// (symbol, interval), the set the signal worker evaluates on each
// incoming bar (spec §4.9).
func (s *AlertConfigStore) ListEnabledBySymbolInterval(ctx context.Context, symbol, interval string) ([]AlertConfig, error) {
	q := `SELECT ` + alertConfigColumns + ` FROM alert_configs
		WHERE is_enabled = TRUE AND symbol = $1 AND interval = $2
		ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q, symbol, interval)
	if err != nil {
		return nil, fmt.Errorf("store: list enabled alert configs %s/%s: %w", symbol, interval, err)
	}
	defer rows.Close()

	var out []AlertConfig
	for rows.Next() {
		c, err := scanAlertConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan alert config row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
