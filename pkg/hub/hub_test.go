package hub

import (
	"context"
	"testing"

	"github.com/binance-signal/platform/pkg/wire"
)

type fakeCleaner struct {
	calledWith []string
}

func (f *fakeCleaner) UnsubscribeAll(ctx context.Context, sessionID string) []string {
	f.calledWith = append(f.calledWith, sessionID)
	return nil
}

func TestHubCorrelationMapsClearedOnUnregister(t *testing.T) {
	cleaner := &fakeCleaner{}
	h := New(nil, cleaner)

	h.register(&Session{ID: "s1"})
	h.RegisterRequest("req-1", "s1")
	h.RegisterTask("task-1", "req-1", "s1")

	if sid, _, ok := h.ResolveTask("task-1"); !ok || sid != "s1" {
		t.Fatalf("expected task-1 to resolve to s1, got %q ok=%v", sid, ok)
	}
	// ResolveTask consumes the entry; re-register for the unregister test.
	h.RegisterTask("task-1", "req-1", "s1")

	h.unregister("s1")

	if _, _, ok := h.ResolveTask("task-1"); ok {
		t.Fatal("expected task correlation to be purged on disconnect")
	}
	h.mu.Lock()
	_, requestStillPresent := h.requests["req-1"]
	h.mu.Unlock()
	if requestStillPresent {
		t.Fatal("expected request correlation to be purged on disconnect")
	}
	if len(cleaner.calledWith) != 1 || cleaner.calledWith[0] != "s1" {
		t.Fatalf("expected cleaner invoked once for s1, got %v", cleaner.calledWith)
	}
}

func TestHubSendUnknownSession(t *testing.T) {
	h := New(nil, &fakeCleaner{})
	if h.Send("ghost", wire.Response{}) {
		t.Fatal("expected Send to report failure for an unknown session")
	}
}

func TestHubActiveSessions(t *testing.T) {
	h := New(nil, &fakeCleaner{})
	if h.ActiveSessions() != 0 {
		t.Fatal("expected zero active sessions on a fresh hub")
	}
	h.register(&Session{ID: "s1"})
	h.register(&Session{ID: "s2"})
	if h.ActiveSessions() != 2 {
		t.Fatalf("expected 2 active sessions, got %d", h.ActiveSessions())
	}
}
