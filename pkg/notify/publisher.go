package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Publisher emits notifications on the notify bus. Two shapes are
// supported, matching spec §4.1: PersistAndNotify wraps a caller-supplied
// write (an INSERT into realtime_data, strategy_signals, alert_configs,
// ...) and the pg_notify call in one transaction, so the NOTIFY is only
// visible to LISTENers once the write is durably committed. NotifyOnly
// skips persistence entirely, for high-frequency transient events
// (subscription bookkeeping, quote ticks) where at-least-once delivery of
// a DB row isn't needed.
type Publisher struct {
	db *sql.DB
}

// NewPublisher builds a Publisher over db, typically the *sql.DB backing
// pkg/database.Client.
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// Persist is run inside the same transaction that carries the pg_notify
// call. It must not start goroutines or use a context that outlives tx.
type Persist func(ctx context.Context, tx *sql.Tx) error

// PersistAndNotify runs persist and a pg_notify(channel, envelope) call in
// a single transaction, matching the teacher's events.persistAndNotify:
// pg_notify's effects are held until COMMIT, so a LISTENer never observes
// the notification before the row it describes is visible to other
// readers.
func (p *Publisher) PersistAndNotify(ctx context.Context, channel, eventType string, data any, persist Persist) error {
	payload, err := p.encode(eventType, data)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("notify: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := persist(ctx, tx); err != nil {
		return fmt.Errorf("notify: persist: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("notify: pg_notify: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("notify: commit: %w", err)
	}
	return nil
}

// NotifyOnly broadcasts an envelope via NOTIFY without any accompanying
// database write.
func (p *Publisher) NotifyOnly(ctx context.Context, channel, eventType string, data any) error {
	payload, err := p.encode(eventType, data)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("notify: pg_notify: %w", err)
	}
	return nil
}

// encode marshals data into an Envelope and applies truncation if the
// result would exceed PostgreSQL's NOTIFY payload limit.
func (p *Publisher) encode(eventType string, data any) (string, error) {
	env := Envelope{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("notify: marshal envelope: %w", err)
	}
	return truncateIfNeeded(raw)
}

// notifyByteLimit is PostgreSQL's NOTIFY payload ceiling (8000 bytes); a
// margin is kept for the truncation envelope itself never needing to
// truncate.
const notifyByteLimit = 7900

// truncateIfNeeded returns payload unchanged if it fits within
// PostgreSQL's NOTIFY limit, otherwise replaces it with a minimal routing
// envelope carrying just enough for the dispatcher to re-query the full
// row (spec §11: large realtime.update payloads, e.g. order-book depth,
// are the expected case here).
func truncateIfNeeded(payload []byte) (string, error) {
	if len(payload) <= notifyByteLimit {
		return string(payload), nil
	}
	return buildTruncatedPayload(payload)
}

// buildTruncatedPayload extracts only the routing fields a consumer needs
// to fetch the full record from the database. subscription_key is carried
// through from the inner data object, when present, so a realtime.update
// consumer can re-query the row the stub refers to (spec §11 truncated
// NOTIFY envelope). The routing fields are nested under "data", matching
// the shape every consumer decodes for a full envelope, so truncated and
// untruncated payloads share one decode path.
func buildTruncatedPayload(payload []byte) (string, error) {
	var routing struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Data      struct {
			SubscriptionKey string `json:"subscription_key"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &routing); err != nil {
		return "", fmt.Errorf("notify: extract routing fields for truncation: %w", err)
	}

	data := map[string]any{
		"truncated": true,
	}
	if routing.Data.SubscriptionKey != "" {
		data["subscription_key"] = routing.Data.SubscriptionKey
	}
	truncated := map[string]any{
		"event_id":   routing.EventID,
		"event_type": routing.EventType,
		"data":       data,
	}
	out, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("notify: marshal truncated payload: %w", err)
	}
	return string(out), nil
}
