package chatclient

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/gateway"
)

// Connect establishes the gateway connection manually. Any previous
// connection, timer, or in-flight work is torn down first, so repeated calls
// cannot stack subscriptions.
func (r *Runtime) Connect(ctx context.Context) error {
	return r.connect(ctx, false, 0)
}

// ScheduleStartupConnect arms the startup auto-connect timer.
func (r *Runtime) ScheduleStartupConnect(delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.startupTimer != nil {
		r.startupTimer.Stop()
	}
	r.startupTimer = time.AfterFunc(delay, func() {
		_ = r.connect(r.baseCtx, true, 1)
	})
}

func (r *Runtime) connect(ctx context.Context, auto bool, autoAttempt int) error {
	rawURL := strings.TrimSpace(r.cfg.GatewayURL)
	if rawURL == "" {
		return r.failConnect(DiagInvalidURL, "gateway URL is not configured", auto, autoAttempt)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return r.failConnect(DiagInvalidURL, "gateway URL does not parse: "+err.Error(), auto, autoAttempt)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return r.failConnect(DiagInvalidURL, "gateway URL must use ws or wss", auto, autoAttempt)
	}

	// Idempotent teardown first: no duplicate subscriptions or timers can
	// accumulate across attempts.
	r.Disconnect()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("runtime is closed")
	}
	state := ConnConnecting
	if auto {
		state = ConnReconnecting
	}
	r.applyLocked(ActionConnectionChanged{State: state})
	r.applyLocked(ActionAutoConnectAttempt{Attempt: autoAttempt})
	r.mu.Unlock()
	r.notifier.publish(TopicConnection, ConnectionChanged{State: state})

	err = r.transport.Connect(ctx, rawURL, gateway.ConnectOptions{
		Token:            r.cfg.Token,
		Scopes:           r.cfg.Scopes,
		HandshakeTimeout: r.cfg.HandshakeTimeout,
	})
	if err != nil {
		kind := classifyConnectError(err)
		log.Warn().Err(err).Str("component", "chatclient").Str("diagnostic", string(kind)).Bool("auto", auto).Msg("gateway connect failed")
		return r.failConnect(kind, err.Error(), auto, autoAttempt)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.transport.Disconnect()
		return errors.New("runtime is closed")
	}
	unsubChat := r.transport.SubscribeChatEvent(r.handleChatEvent)
	unsubPairing := r.transport.SubscribeEvent("pairing-required", r.handlePairingRequired)
	r.unsubs = append(r.unsubs, unsubChat, unsubPairing)
	r.applyLocked(ActionConnectionChanged{State: ConnConnected})
	r.applyLocked(ActionAutoConnectAttempt{Attempt: 0})
	active := r.state.ActiveSessionKey
	r.mu.Unlock()

	log.Info().Str("component", "chatclient").Str("session_key", active).Msg("connected to gateway")
	r.notifier.publish(TopicConnection, ConnectionChanged{State: ConnConnected})

	go r.ProcessOutbox()
	go r.refreshSessionList()
	go func() {
		if err := r.RefreshHistory(r.baseCtx, active); err != nil {
			log.Debug().Err(err).Str("component", "chatclient").Str("session_key", active).Msg("initial history refresh failed")
			r.scheduleHistorySyncRetry(active, 1, -1)
		}
	}()
	return nil
}

func (r *Runtime) failConnect(kind DiagnosticKind, detail string, auto bool, autoAttempt int) error {
	r.mu.Lock()
	r.applyLocked(ActionConnectionChanged{State: ConnDisconnected, Diagnostic: kind, Detail: detail})
	r.mu.Unlock()
	r.notifier.publish(TopicConnection, ConnectionChanged{State: ConnDisconnected, Diagnostic: kind, Detail: detail})

	if auto && kind != DiagInvalidURL && autoAttempt < r.cfg.MaxAutoConnectAttempts {
		delay := backoffDelay(r.cfg.ReconnectBaseDelay, r.cfg.ReconnectMaxDelay, autoAttempt)
		next := autoAttempt + 1
		r.mu.Lock()
		if !r.closed {
			if r.reconnectTimer != nil {
				r.reconnectTimer.Stop()
			}
			r.reconnectTimer = time.AfterFunc(delay, func() {
				// Eligibility may have changed while we waited: a manual
				// connect, an unmount, or a cleared URL wins over the retry.
				r.mu.Lock()
				eligible := !r.closed &&
					strings.TrimSpace(r.cfg.GatewayURL) != "" &&
					r.state.Connection == ConnDisconnected
				r.mu.Unlock()
				if !eligible {
					return
				}
				_ = r.connect(r.baseCtx, true, next)
			})
			log.Info().Str("component", "chatclient").Int("attempt", next).Dur("delay", delay).Msg("scheduled reconnect attempt")
		}
		r.mu.Unlock()
	}
	return errors.Errorf("connect failed (%s): %s", kind, detail)
}

// Disconnect performs the full ordered teardown: stale refreshes are
// invalidated, every timer is cleared, subscriptions are dropped, the
// transport is closed, run tracking is wiped, and the reducer state resets.
// Safe to call repeatedly and from any trigger.
func (r *Runtime) Disconnect() {
	r.mu.Lock()
	wasDisconnected := r.state.Connection == ConnDisconnected
	r.invalidateRefreshEpochLocked()

	r.finalRetry.cancelLocked()
	r.missingRetry.cancelLocked()
	r.historyRetry.cancelLocked()
	if r.startupTimer != nil {
		r.startupTimer.Stop()
		r.startupTimer = nil
	}
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
		r.reconnectTimer = nil
	}
	r.stopOutboxTimerLocked()
	r.processing = false

	unsubs := r.unsubs
	r.unsubs = nil

	r.runToTurn = map[string]string{}
	r.pendingTurnID = ""
	r.pendingTurnSession = ""
	r.applyLocked(ActionReset{})
	r.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	r.transport.Disconnect()
	// Teardown while already disconnected (the pre-connect cleanup path) is
	// not a transition worth announcing.
	if !wasDisconnected {
		r.notifier.publish(TopicConnection, ConnectionChanged{State: ConnDisconnected})
	}
}

func (r *Runtime) handlePairingRequired(payload json.RawMessage) {
	detail := "gateway requires pairing approval"
	var p struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &p); err == nil && p.Message != "" {
		detail = p.Message
	}
	log.Warn().Str("component", "chatclient").Msg("pairing required by gateway")
	r.mu.Lock()
	r.applyLocked(ActionConnectionChanged{State: r.state.Connection, Diagnostic: DiagPairing, Detail: detail})
	r.mu.Unlock()
	r.notifier.publish(TopicConnection, ConnectionChanged{State: r.State().Connection, Diagnostic: DiagPairing, Detail: detail})
}

// classifyConnectError maps a transport failure onto a diagnostic kind.
func classifyConnectError(err error) DiagnosticKind {
	switch gateway.KindOf(err) {
	case gateway.ErrKindAuth:
		return DiagAuth
	case gateway.ErrKindTLS:
		return DiagTLS
	case gateway.ErrKindTimeout:
		return DiagTimeout
	case gateway.ErrKindDNS:
		return DiagDNS
	case gateway.ErrKindNetwork:
		return DiagNetwork
	case gateway.ErrKindServer:
		return DiagServer
	case gateway.ErrKindPairing:
		return DiagPairing
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return DiagTimeout
	}
	return DiagUnknown
}
