package chatclient

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/gateway"
)

func TestConnectRejectsMissingURL(t *testing.T) {
	transport := newFakeTransport()
	cfg := DefaultConfig()
	rt, err := NewRuntime(cfg, transport, nil)
	require.NoError(t, err)
	defer rt.Close()

	err = rt.Connect(context.Background())
	require.Error(t, err)
	state := rt.State()
	require.Equal(t, ConnDisconnected, state.Connection)
	require.Equal(t, DiagInvalidURL, state.Diagnostic)
}

func TestConnectRejectsNonWebsocketScheme(t *testing.T) {
	transport := newFakeTransport()
	cfg := DefaultConfig()
	cfg.GatewayURL = "http://gateway.test/ws"
	rt, err := NewRuntime(cfg, transport, nil)
	require.NoError(t, err)
	defer rt.Close()

	err = rt.Connect(context.Background())
	require.Error(t, err)
	require.Equal(t, DiagInvalidURL, rt.State().Diagnostic)
}

func TestConnectFailureCarriesClassifiedDiagnostic(t *testing.T) {
	transport := newFakeTransport()
	transport.connectErr = &gateway.Error{Kind: gateway.ErrKindAuth, Message: "token rejected"}
	rt := newTestRuntime(t, transport, nil)
	defer rt.Close()

	err := rt.Connect(context.Background())
	require.Error(t, err)
	state := rt.State()
	require.Equal(t, ConnDisconnected, state.Connection)
	require.Equal(t, DiagAuth, state.Diagnostic)
	require.Contains(t, state.DiagnosticDetail, "token rejected")
}

func TestClassifyConnectError(t *testing.T) {
	require.Equal(t, DiagAuth, classifyConnectError(&gateway.Error{Kind: gateway.ErrKindAuth}))
	require.Equal(t, DiagTLS, classifyConnectError(&gateway.Error{Kind: gateway.ErrKindTLS}))
	require.Equal(t, DiagTimeout, classifyConnectError(&gateway.Error{Kind: gateway.ErrKindTimeout}))
	require.Equal(t, DiagDNS, classifyConnectError(&gateway.Error{Kind: gateway.ErrKindDNS}))
	require.Equal(t, DiagNetwork, classifyConnectError(&gateway.Error{Kind: gateway.ErrKindNetwork}))
	require.Equal(t, DiagServer, classifyConnectError(&gateway.Error{Kind: gateway.ErrKindServer}))
	require.Equal(t, DiagPairing, classifyConnectError(&gateway.Error{Kind: gateway.ErrKindPairing}))
	require.Equal(t, DiagTimeout, classifyConnectError(context.DeadlineExceeded))
	require.Equal(t, DiagUnknown, classifyConnectError(gateway.ErrConnectionLost))
}

func TestManualConnectFailureDoesNotScheduleReconnect(t *testing.T) {
	transport := newFakeTransport()
	transport.connectErr = &gateway.Error{Kind: gateway.ErrKindNetwork, Message: "refused"}
	rt := newTestRuntime(t, transport, nil)
	defer rt.Close()

	require.Error(t, rt.Connect(context.Background()))
	rt.mu.Lock()
	require.Nil(t, rt.reconnectTimer)
	rt.mu.Unlock()
}

func TestStartupConnectFailureSchedulesReconnect(t *testing.T) {
	transport := newFakeTransport()
	transport.connectErr = &gateway.Error{Kind: gateway.ErrKindNetwork, Message: "refused"}
	rt := newTestRuntime(t, transport, nil)
	defer rt.Close()

	rt.ScheduleStartupConnect(0)

	require.Eventually(t, func() bool {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return rt.reconnectTimer != nil
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, ConnDisconnected, rt.State().Connection)
}

func TestStartupConnectInvalidURLNeverRetries(t *testing.T) {
	transport := newFakeTransport()
	cfg := DefaultConfig()
	cfg.GatewayURL = "not a url at all://"
	rt, err := NewRuntime(cfg, transport, nil)
	require.NoError(t, err)
	defer rt.Close()

	rt.ScheduleStartupConnect(0)

	require.Eventually(t, func() bool {
		return rt.State().Diagnostic == DiagInvalidURL
	}, time.Second, 5*time.Millisecond)
	rt.mu.Lock()
	require.Nil(t, rt.reconnectTimer)
	rt.mu.Unlock()
}

func TestDisconnectTearsDownAndIsIdempotent(t *testing.T) {
	transport := newFakeTransport()
	rt := newTestRuntime(t, transport, nil)
	defer rt.Close()
	connectTestRuntime(t, rt, transport)

	_, err := rt.SendMessage("hello")
	require.NoError(t, err)
	rt.scheduleMissingRecovery(DefaultSessionKey, "turn-a", 1, time.Hour)

	rt.Disconnect()
	rt.Disconnect()

	state := rt.State()
	require.Equal(t, ConnDisconnected, state.Connection)
	require.Equal(t, DefaultSessionKey, state.ActiveSessionKey)
	require.Empty(t, state.SendingTurnID)
	require.Empty(t, state.ActiveRunID)

	rt.mu.Lock()
	require.Nil(t, rt.missingRetry.current)
	require.Nil(t, rt.finalRetry.current)
	require.Nil(t, rt.historyRetry.current)
	require.Empty(t, rt.runToTurn)
	require.Empty(t, rt.pendingTurnID)
	require.False(t, rt.processing)
	rt.mu.Unlock()

	// Events from the old connection no longer reach the runtime.
	transport.emit(gateway.ChatEvent{RunID: "run-1", SessionKey: DefaultSessionKey, State: "complete", Message: []byte(`"ghost"`)})
	for _, turn := range rt.Turns(DefaultSessionKey) {
		require.NotEqual(t, "ghost", turn.AssistantText)
	}
}

func TestReconnectResubscribesWithoutStacking(t *testing.T) {
	transport := newFakeTransport()
	rt := newTestRuntime(t, transport, nil)
	defer rt.Close()

	connectTestRuntime(t, rt, transport)
	require.NoError(t, rt.Connect(context.Background()))
	require.NoError(t, rt.Connect(context.Background()))

	transport.mu.Lock()
	handlers := len(transport.chatHandlers)
	transport.mu.Unlock()
	require.Equal(t, 1, handlers)
}

func TestPairingRequiredEventSetsDiagnostic(t *testing.T) {
	transport := newFakeTransport()
	rt := newTestRuntime(t, transport, nil)
	defer rt.Close()
	connectTestRuntime(t, rt, transport)

	transport.mu.Lock()
	var pairingHandlers []func(json.RawMessage)
	for _, h := range transport.eventHandlers["pairing-required"] {
		pairingHandlers = append(pairingHandlers, h)
	}
	transport.mu.Unlock()
	require.Len(t, pairingHandlers, 1)

	pairingHandlers[0](json.RawMessage(`{"message":"approve this device"}`))

	state := rt.State()
	require.Equal(t, ConnConnected, state.Connection)
	require.Equal(t, DiagPairing, state.Diagnostic)
	require.Equal(t, "approve this device", state.DiagnosticDetail)
}

func TestCloseStopsStartupTimer(t *testing.T) {
	transport := newFakeTransport()
	rt := newTestRuntime(t, transport, nil)

	rt.ScheduleStartupConnect(time.Hour)
	rt.Close()

	rt.mu.Lock()
	require.True(t, rt.closed)
	rt.mu.Unlock()
	// Close is idempotent too.
	rt.Close()
}

func TestConnectDoesNotFlashDisconnected(t *testing.T) {
	transport := newFakeTransport()
	rt := newTestRuntime(t, transport, nil)
	defer rt.Close()

	msgs, err := rt.Notifier().Subscribe(context.Background(), TopicConnection)
	require.NoError(t, err)

	connectTestRuntime(t, rt, transport)

	next := func() ConnectionChanged {
		t.Helper()
		select {
		case m := <-msgs:
			var upd ConnectionChanged
			require.NoError(t, json.Unmarshal(m.Payload, &upd))
			m.Ack()
			return upd
		case <-time.After(time.Second):
			t.Fatal("expected a connection notification")
			return ConnectionChanged{}
		}
	}
	// The pre-connect teardown runs while already disconnected and must not
	// announce anything; subscribers see connecting straight away.
	require.Equal(t, ConnConnecting, next().State)
	require.Equal(t, ConnConnected, next().State)

	rt.Disconnect()
	require.Equal(t, ConnDisconnected, next().State)

	// A second teardown is a no-op transition and stays silent.
	rt.Disconnect()
	select {
	case m := <-msgs:
		t.Fatalf("unexpected notification: %s", m.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}
