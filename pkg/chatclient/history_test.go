package chatclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/gateway"
)

func TestRefreshHistoryRequiresConnection(t *testing.T) {
	transport := newFakeTransport()
	rt := newTestRuntime(t, transport, nil)
	defer rt.Close()

	err := rt.RefreshHistory(context.Background(), DefaultSessionKey)
	require.Error(t, err)
	require.Equal(t, 0, func() int {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return transport.historyCalls
	}())
}

func TestRefreshHistoryMergesServerTurns(t *testing.T) {
	transport := newFakeTransport()
	rt := newTestRuntime(t, transport, nil)
	defer rt.Close()
	connectTestRuntime(t, rt, transport)

	transport.mu.Lock()
	transport.historyFn = func(string) ([]gateway.HistoryMessage, error) {
		return []gateway.HistoryMessage{
			{Role: "user", Text: "ping", RunID: "r1"},
			{Role: "assistant", Text: "pong", RunID: "r1"},
			{Role: "user", Text: "again", RunID: "r2"},
			{Role: "assistant", Text: "still here", RunID: "r2"},
		}, nil
	}
	transport.mu.Unlock()

	require.NoError(t, rt.RefreshHistory(context.Background(), DefaultSessionKey))

	turns := rt.Turns(DefaultSessionKey)
	require.Len(t, turns, 2)
	require.Equal(t, "ping", turns[0].UserText)
	require.Equal(t, "pong", turns[0].AssistantText)
	require.Equal(t, TurnComplete, turns[0].State)
	require.Equal(t, "still here", turns[1].AssistantText)
}

func TestStaleRefreshResultIsDiscarded(t *testing.T) {
	transport := newFakeTransport()
	rt := newTestRuntime(t, transport, nil)
	defer rt.Close()
	connectTestRuntime(t, rt, transport)

	block := make(chan struct{})
	transport.mu.Lock()
	transport.historyFn = func(string) ([]gateway.HistoryMessage, error) {
		<-block
		return []gateway.HistoryMessage{
			{Role: "user", Text: "old", RunID: "r1"},
			{Role: "assistant", Text: "stale answer", RunID: "r1"},
		}, nil
	}
	transport.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- rt.RefreshHistory(context.Background(), DefaultSessionKey) }()
	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return transport.historyCalls >= 2
	}, time.Second, 5*time.Millisecond)

	// The epoch bump must win over the in-flight fetch.
	rt.InvalidateRefreshEpoch()
	close(block)

	require.NoError(t, <-done)
	require.Empty(t, rt.Turns(DefaultSessionKey))
}

func TestMergeHistoryIsIdempotent(t *testing.T) {
	transport := newFakeTransport()
	rt := newTestRuntime(t, transport, nil)
	defer rt.Close()

	remote := []ChatTurn{
		{UserText: "ping", AssistantText: "pong", State: TurnComplete, RunID: "r1"},
		{UserText: "again", AssistantText: "still here", State: TurnComplete, RunID: "r2"},
	}
	rt.mu.Lock()
	rt.mergeHistoryLocked(DefaultSessionKey, remote)
	rt.mergeHistoryLocked(DefaultSessionKey, remote)
	rt.mu.Unlock()

	turns := rt.Turns(DefaultSessionKey)
	require.Len(t, turns, 2)
	require.Equal(t, "pong", turns[0].AssistantText)
	require.Equal(t, "still here", turns[1].AssistantText)
}

func TestMergePreservesLocalQueuedTurns(t *testing.T) {
	transport := newFakeTransport()
	rt := newTestRuntime(t, transport, nil)
	defer rt.Close()

	// Queued while disconnected: the server cannot know about this yet.
	turnID, err := rt.SendMessage("not sent yet")
	require.NoError(t, err)

	remote := []ChatTurn{
		{UserText: "earlier", AssistantText: "earlier answer", State: TurnComplete, RunID: "r1"},
	}
	rt.mu.Lock()
	rt.mergeHistoryLocked(DefaultSessionKey, remote)
	rt.mu.Unlock()

	turns := rt.Turns(DefaultSessionKey)
	require.Len(t, turns, 2)
	require.Equal(t, "earlier", turns[0].UserText)
	require.Equal(t, turnID, turns[1].ID)
	require.Equal(t, TurnQueued, turns[1].State)
}

func TestMergeAdoptsRunIDByContentMatch(t *testing.T) {
	transport := newFakeTransport()
	rt := newTestRuntime(t, transport, nil)
	defer rt.Close()

	rt.mu.Lock()
	rt.turns[DefaultSessionKey] = []*ChatTurn{
		{ID: "local-1", UserText: "hello", State: TurnStreaming},
	}
	rt.mergeHistoryLocked(DefaultSessionKey, []ChatTurn{
		{UserText: "hello", AssistantText: "hi!", State: TurnComplete, RunID: "r9"},
	})
	rt.mu.Unlock()

	turns := rt.Turns(DefaultSessionKey)
	require.Len(t, turns, 1)
	require.Equal(t, "local-1", turns[0].ID)
	require.Equal(t, "r9", turns[0].RunID)
	require.Equal(t, "hi!", turns[0].AssistantText)
	require.Equal(t, TurnComplete, turns[0].State)
}

func TestTurnsFromHistoryPairsMessages(t *testing.T) {
	turns := turnsFromHistory([]gateway.HistoryMessage{
		{Role: "assistant", Text: "welcome"},
		{Role: "user", Text: "hi", RunID: "r1"},
		{Role: "assistant", Text: "hello", RunID: "r1"},
		{Role: "system", Text: "hidden"},
		{Role: "user", Text: "dangling", RunID: "r2"},
	})
	require.Len(t, turns, 3)
	require.Empty(t, turns[0].UserText)
	require.Equal(t, "welcome", turns[0].AssistantText)
	require.Equal(t, "hi", turns[1].UserText)
	require.Equal(t, "hello", turns[1].AssistantText)
	require.Equal(t, "r1", turns[1].RunID)
	require.Equal(t, "dangling", turns[2].UserText)
	require.Empty(t, turns[2].AssistantText)
}

func TestHistoryConfirmingLostTerminalEventUnblocksOutbox(t *testing.T) {
	transport := newFakeTransport()
	rt := newTestRuntime(t, transport, nil)
	defer rt.Close()
	connectTestRuntime(t, rt, transport)

	_, runID := sendAndBind(t, rt, transport, "first")

	// The terminal event for the run never arrives, but the server recorded
	// the exchange; a later history refresh is the only reconciliation left.
	transport.mu.Lock()
	transport.historyFn = func(string) ([]gateway.HistoryMessage, error) {
		return []gateway.HistoryMessage{
			{Role: "user", Text: "first", RunID: runID},
			{Role: "assistant", Text: "answer", RunID: runID},
		}, nil
	}
	transport.mu.Unlock()

	require.NoError(t, rt.RefreshHistory(context.Background(), DefaultSessionKey))

	state := rt.State()
	require.Empty(t, state.SendingTurnID)
	require.Empty(t, state.ActiveRunID)
	rt.mu.Lock()
	bindings := len(rt.runToTurn)
	rt.mu.Unlock()
	require.Zero(t, bindings)

	// The queue must accept and dispatch the next message without a reconnect.
	_, err := rt.SendMessage("second")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return transport.sentCount() == 2 }, time.Second, 5*time.Millisecond)
}
