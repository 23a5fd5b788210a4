package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StrategySignal mirrors one row of strategy_signals: the outcome of one
// strategy evaluation against one alert config (spec §4.9). SignalValue
// is true for a long (entry) signal and false for a short (exit) one;
// evaluations that produce no signal are never inserted (spec §4.9
// "no-signal rows aren't persisted").
type StrategySignal struct {
	ID                     string
	AlertID                string
	StrategyType           string
	Symbol                 string
	Interval               string
	TriggerType             string
	SignalValue            bool
	SignalReason            string
	ComputedAt              time.Time
	SourceSubscriptionKey   string
	Metadata                json.RawMessage
}

// SignalStore is the repository over strategy_signals.
type SignalStore struct {
	db Execer
}

// NewSignalStore builds a SignalStore over db.
func NewSignalStore(db Execer) *SignalStore {
	return &SignalStore{db: db}
}

const signalColumns = `id, alert_id, strategy_type, symbol, interval,
	trigger_type, signal_value, signal_reason, computed_at, source_subscription_key, metadata`

// Insert persists a fired signal within tx, for the signal.new NOTIFY.
// Callers must not call this for a no-signal evaluation result.
func (s *SignalStore) Insert(ctx context.Context, tx *sql.Tx, sig StrategySignal) (string, error) {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO strategy_signals (id, alert_id, strategy_type, symbol, interval,
			trigger_type, signal_value, signal_reason, source_subscription_key, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := tx.ExecContext(ctx, q, sig.ID, sig.AlertID, sig.StrategyType, sig.Symbol, sig.Interval,
		sig.TriggerType, sig.SignalValue, sig.SignalReason, sig.SourceSubscriptionKey, sig.Metadata)
	if err != nil {
		return "", fmt.Errorf("store: insert signal for alert %q: %w", sig.AlertID, err)
	}
	return sig.ID, nil
}

func scanSignal(row interface{ Scan(...any) error }) (StrategySignal, error) {
	var sig StrategySignal
	err := row.Scan(&sig.ID, &sig.AlertID, &sig.StrategyType, &sig.Symbol, &sig.Interval,
		&sig.TriggerType, &sig.SignalValue, &sig.SignalReason, &sig.ComputedAt, &sig.SourceSubscriptionKey, &sig.Metadata)
	return sig, err
}

// ListByAlertID returns the latest signals for one alert config,
// descending by computed_at.
func (s *SignalStore) ListByAlertID(ctx context.Context, alertID string, limit int) ([]StrategySignal, error) {
	q := `SELECT ` + signalColumns + ` FROM strategy_signals WHERE alert_id = $1 ORDER BY computed_at DESC LIMIT $2`
	return s.list(ctx, q, alertID, limit)
}

// ListBySymbol returns the latest signals for one symbol across every
// alert config watching it, descending by computed_at.
func (s *SignalStore) ListBySymbol(ctx context.Context, symbol string, limit int) ([]StrategySignal, error) {
	q := `SELECT ` + signalColumns + ` FROM strategy_signals WHERE symbol = $1 ORDER BY computed_at DESC LIMIT $2`
	return s.list(ctx, q, symbol, limit)
}

// List returns the latest signals overall, used by LIST_SIGNALS when
// neither alert_id nor symbol is supplied.
func (s *SignalStore) List(ctx context.Context, limit int) ([]StrategySignal, error) {
	q := `SELECT ` + signalColumns + ` FROM strategy_signals ORDER BY computed_at DESC LIMIT $1`
	return s.list(ctx, q, limit)
}

func (s *SignalStore) list(ctx context.Context, q string, args ...any) ([]StrategySignal, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list signals: %w", err)
	}
	defer rows.Close()

	var out []StrategySignal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan signal row: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}
