package chatclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPatchPrefsAdoptsStoredValues(t *testing.T) {
	store := newFakeStore()
	store.prefs["work"] = SessionPrefs{Alias: "Work"}
	transport := newFakeTransport()
	cfg := DefaultConfig()
	cfg.GatewayURL = "ws://gateway.test/ws"
	rt, err := NewRuntime(cfg, transport, store)
	require.NoError(t, err)
	defer rt.Close()

	// First patch for a session not yet cached: the persisted prefs seed the
	// value, the mutation applies on top.
	rt.SetSessionPinned("work", true)
	got := rt.SessionPrefsFor("work")
	require.Equal(t, "Work", got.Alias)
	require.True(t, got.Pinned)

	store.mu.Lock()
	persisted := store.prefs["work"]
	store.mu.Unlock()
	require.Equal(t, got, persisted)

	// Later patches work off the cached value, not a stale store read.
	rt.SetSessionAlias("work", "Day job")
	got = rt.SessionPrefsFor("work")
	require.Equal(t, "Day job", got.Alias)
	require.True(t, got.Pinned)
}

func TestRuntimeRestoresOutboxSnapshot(t *testing.T) {
	store := newFakeStore()
	store.active = "work"
	store.outbox = []OutboxItem{{
		ID:             "item-1",
		SessionKey:     "work",
		Message:        "queued text",
		TurnID:         "turn-1",
		IdempotencyKey: "key-1",
		CreatedAt:      time.Now(),
	}}
	transport := newFakeTransport()
	cfg := DefaultConfig()
	cfg.GatewayURL = "ws://gateway.test/ws"
	rt, err := NewRuntime(cfg, transport, store)
	require.NoError(t, err)
	defer rt.Close()

	require.Equal(t, "work", rt.ActiveSession())
	require.Equal(t, 1, rt.OutboxLen())
	turns := rt.Turns("work")
	require.Len(t, turns, 1)
	require.Equal(t, "turn-1", turns[0].ID)
	require.Equal(t, TurnQueued, turns[0].State)
	require.Equal(t, waitingForConnectionText, turns[0].AssistantText)
}
