// Package registry implements the gateway's in-memory subscription
// registry: the authoritative map from subscription fingerprint to the
// set of session ids interested in it, plus the materialized set of
// fingerprints already upserted into the realtime store (spec §3, §4.3).
//
// The registry is the single place subscribe/unsubscribe/disconnect
// logic lives; pkg/hub calls into it, and pkg/dispatcher reads its
// snapshot for wildcard broadcast routing (spec §4.8, §9 design notes).
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/binance-signal/platform/pkg/fingerprint"
	"github.com/binance-signal/platform/pkg/notify"
	"github.com/binance-signal/platform/pkg/store"
)

// SubscriberID identifies the gateway instance as a subscriber in the
// realtime store's subscribers array, distinct from any client session
// id (spec GLOSSARY).
const SubscriberID = "api-gateway"

// dataTypeFor maps a fingerprint's Kind to the realtime_data.data_type
// column, matching the original's subscription_manager
// _parse_data_type_from_key.
func dataTypeFor(fp fingerprint.Fingerprint) string {
	switch fp.Kind {
	case fingerprint.KindKline:
		return "KLINE"
	case fingerprint.KindQuotes:
		return "QUOTES"
	case fingerprint.KindTrade:
		return "TRADE"
	case fingerprint.KindAccount:
		return "ACCOUNT"
	default:
		return "UNKNOWN"
	}
}

// Registry is the gateway's subscription bookkeeping: an in-memory
// interest index (fingerprint -> set of session ids) and a materialized
// set of keys already upserted to the realtime store, guarded by a
// single mutex (spec §5: "writers are subscribe/unsubscribe/disconnect
// paths only").
type Registry struct {
	realtime  *store.RealtimeStore
	publisher *notify.Publisher

	mu       sync.Mutex
	interest map[string]map[string]bool // fingerprint -> session ids
	dbKeys   map[string]bool            // fingerprints already upserted
}

// New builds a Registry over realtime, the repository it keeps in sync,
// and publisher, used to announce subscription.add/subscription.remove
// so the exchange adapter's stream multiplexer can open or close the
// matching upstream stream (spec §4.4).
func New(realtime *store.RealtimeStore, publisher *notify.Publisher) *Registry {
	return &Registry{
		realtime:  realtime,
		publisher: publisher,
		interest:  make(map[string]map[string]bool),
		dbKeys:    make(map[string]bool),
	}
}

// Subscribe adds sessionID to key's interest set. If key is newly
// interesting (first session, or the row isn't yet materialized) and
// isn't a gateway-local SIGNAL: key, it upserts the realtime row with
// the gateway as subscriber (spec §4.3). Signal subscriptions never
// touch the database — they exist purely for in-process broadcast
// routing (spec §3, §9 Open Questions).
func (r *Registry) Subscribe(ctx context.Context, sessionID, key string) error {
	r.mu.Lock()
	if r.interest[key] == nil {
		r.interest[key] = make(map[string]bool)
	}
	r.interest[key][sessionID] = true
	needsUpsert := !fingerprint.IsSignal(key) && !r.dbKeys[key]
	r.mu.Unlock()

	if !needsUpsert {
		return nil
	}

	dataType := "UNKNOWN"
	if fp, err := fingerprint.Parse(key); err == nil {
		dataType = dataTypeFor(fp)
	}

	created, err := r.realtime.AddSubscription(ctx, key, dataType, SubscriberID)
	if err != nil {
		return fmt.Errorf("registry: subscribe %q: %w", key, err)
	}

	r.mu.Lock()
	r.dbKeys[key] = true
	r.mu.Unlock()

	if created {
		if err := r.publisher.NotifyOnly(ctx, notify.ChannelSubscriptionAdd, "subscription.add", map[string]any{
			"subscription_key": key,
			"data_type":        dataType,
		}); err != nil {
			slog.Error("registry: publish subscription.add failed", "key", key, "error", err)
		}
	}
	return nil
}

// Unsubscribe removes sessionID from key's interest set. Once the set is
// empty it removes the gateway from the realtime row's subscribers,
// which deletes the row once no subscriber remains (spec §4.3).
func (r *Registry) Unsubscribe(ctx context.Context, sessionID, key string) error {
	r.mu.Lock()
	sessions, ok := r.interest[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(sessions, sessionID)
	empty := len(sessions) == 0
	if empty {
		delete(r.interest, key)
	}
	wasInDB := r.dbKeys[key]
	if empty && wasInDB {
		delete(r.dbKeys, key)
	}
	r.mu.Unlock()

	if !empty || !wasInDB || fingerprint.IsSignal(key) {
		return nil
	}

	deleted, err := r.realtime.RemoveSubscription(ctx, key, SubscriberID)
	if err != nil {
		return fmt.Errorf("registry: unsubscribe %q: %w", key, err)
	}
	if deleted {
		r.publishRemove(ctx, key)
	}
	return nil
}

// publishRemove announces subscription.remove for key. Errors are logged
// rather than returned: the realtime row is already gone by this point,
// so there is nothing left for a caller to roll back.
func (r *Registry) publishRemove(ctx context.Context, key string) {
	if err := r.publisher.NotifyOnly(ctx, notify.ChannelSubscriptionRemove, "subscription.remove", map[string]any{
		"subscription_key": key,
	}); err != nil {
		slog.Error("registry: publish subscription.remove failed", "key", key, "error", err)
	}
}

// UnsubscribeAll walks the interest index and unsubscribes every
// fingerprint held by sessionID, run on session disconnect (spec §4.5).
// Returns the keys that were actually dropped from the database.
func (r *Registry) UnsubscribeAll(ctx context.Context, sessionID string) []string {
	r.mu.Lock()
	var held []string
	for key, sessions := range r.interest {
		if sessions[sessionID] {
			held = append(held, key)
		}
	}
	r.mu.Unlock()

	var removed []string
	for _, key := range held {
		r.mu.Lock()
		sessions := r.interest[key]
		delete(sessions, sessionID)
		empty := len(sessions) == 0
		if empty {
			delete(r.interest, key)
		}
		wasInDB := r.dbKeys[key]
		if empty && wasInDB {
			delete(r.dbKeys, key)
		}
		r.mu.Unlock()

		if empty && wasInDB && !fingerprint.IsSignal(key) {
			deleted, err := r.realtime.RemoveSubscription(ctx, key, SubscriberID)
			if err != nil {
				slog.Error("registry: disconnect cleanup failed", "key", key, "session_id", sessionID, "error", err)
				continue
			}
			if deleted {
				r.publishRemove(ctx, key)
			}
			removed = append(removed, key)
		}
	}
	return removed
}

// Sessions returns the session ids currently registered against the
// exact key (no wildcard expansion — see pkg/dispatcher for that).
func (r *Registry) Sessions(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := r.interest[key]
	out := make([]string, 0, len(sessions))
	for id := range sessions {
		out = append(out, id)
	}
	return out
}

// Keys returns a snapshot of every fingerprint with at least one
// interested session, used by pkg/dispatcher's wildcard matcher.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.interest))
	for key := range r.interest {
		out = append(out, key)
	}
	return out
}

// Snapshot returns a defensive copy of the full interest index (key ->
// session ids), the input pkg/dispatcher's wildcard matcher operates on.
func (r *Registry) Snapshot() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]string, len(r.interest))
	for key, sessions := range r.interest {
		ids := make([]string, 0, len(sessions))
		for id := range sessions {
			ids = append(ids, id)
		}
		out[key] = ids
	}
	return out
}

// CleanOnStart deletes every realtime row this gateway instance
// previously wrote and publishes subscription.clean, so the adapter
// tears down upstream subscriptions left behind by the prior process
// (spec §4.3: "do not attempt to rebuild subscriptions from the
// database; clients reconnect and resubscribe").
func CleanOnStart(ctx context.Context, realtime *store.RealtimeStore, publisher *notify.Publisher) (int64, error) {
	n, err := realtime.TruncateAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("registry: clean on start: %w", err)
	}
	if n > 0 {
		if err := publisher.NotifyOnly(ctx, notify.ChannelSubscriptionClean, "subscription.clean", map[string]any{"count": n}); err != nil {
			return n, fmt.Errorf("registry: publish subscription.clean: %w", err)
		}
	}
	return n, nil
}

// MatchesWildcard reports whether a registered interest key matches
// eventFingerprint under the three rules of spec §4.8: exact match, the
// literal "*" matching everything, or key containing "*" / ending in ":"
// acting as a prefix.
func MatchesWildcard(key, eventFingerprint string) bool {
	if key == eventFingerprint {
		return true
	}
	if key == "*" {
		return true
	}
	if strings.HasSuffix(key, ":") {
		return strings.HasPrefix(eventFingerprint, key)
	}
	if idx := strings.IndexByte(key, '*'); idx >= 0 {
		prefix := key[:idx]
		return strings.HasPrefix(eventFingerprint, prefix)
	}
	return false
}
