package chatclient

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/gateway"
)

const (
	waitingForConnectionText = "Waiting for connection..."
	retryingSendText         = "Retrying send..."
	duplicateSendNotice      = "Message already sent"
)

// ErrSendBlocked is returned when the dispatch guard rejects a duplicate
// submission inside the block window. No turn or outbox item is created.
var ErrSendBlocked = errors.New("duplicate send blocked")

// SendMessage resolves the outgoing text (override, then the committed draft,
// then the interim transcript), runs the dispatch guard, and creates the
// optimistic turn plus outbox item synchronously. The UI sees the attempt
// before any network call happens. When connected, the outbox drains
// immediately; otherwise the item waits for reconnection.
func (r *Runtime) SendMessage(override string) (string, error) {
	r.mu.Lock()
	message := strings.TrimSpace(override)
	if message == "" {
		message = strings.TrimSpace(r.draft)
	}
	if message == "" {
		message = strings.TrimSpace(r.interimDraft)
	}
	if message == "" {
		r.mu.Unlock()
		return "", errors.New("nothing to send")
	}
	session := r.state.ActiveSessionKey
	now := r.now()

	decision := EvaluateSend(r.lastFingerprint, session, message, now)
	if decision.Blocked {
		r.applyLocked(ActionBannerSet{Message: duplicateSendNotice})
		r.mu.Unlock()
		r.notifier.publish(TopicBanner, BannerChanged{Message: duplicateSendNotice})
		return "", ErrSendBlocked
	}
	r.lastFingerprint = decision.Fingerprint

	connected := r.state.Connection == ConnConnected
	turn := &ChatTurn{
		ID:        uuid.NewString(),
		UserText:  message,
		State:     TurnQueued,
		CreatedAt: now,
	}
	if !connected {
		turn.AssistantText = waitingForConnectionText
	}
	r.turns[session] = append(r.turns[session], turn)
	r.outbox = append(r.outbox, OutboxItem{
		ID:             uuid.NewString(),
		SessionKey:     session,
		Message:        message,
		TurnID:         turn.ID,
		IdempotencyKey: decision.IdempotencyKey,
		CreatedAt:      now,
	})
	r.saveOutboxLocked()
	r.draft = ""
	r.interimDraft = ""
	r.mu.Unlock()

	r.notifier.publish(TopicTurns, TurnsUpdated{SessionKey: session})
	if connected {
		go r.ProcessOutbox()
	}
	return turn.ID, nil
}

// ProcessOutbox is the single-flight FIFO queue processor. It acts only when
// no other invocation is in flight, the connection is up, and no other turn
// is currently being exchanged. Only the head item is ever sent; a failing
// head never lets a later item jump the queue.
func (r *Runtime) ProcessOutbox() {
	r.mu.Lock()
	if r.processing || r.closed ||
		r.state.Connection != ConnConnected ||
		r.state.SendingTurnID != "" {
		r.mu.Unlock()
		return
	}
	if len(r.outbox) == 0 {
		r.stopOutboxTimerLocked()
		r.mu.Unlock()
		return
	}
	head := r.outbox[0]
	now := r.now()
	if head.NextRetryAt.After(now) {
		r.scheduleOutboxTimerLocked(head.NextRetryAt.Sub(now))
		r.mu.Unlock()
		return
	}
	r.processing = true
	headID := head.ID
	r.mu.Unlock()

	healthy := r.transport.CheckHealth(r.baseCtx, gateway.HealthOptions{Silent: true, Timeout: r.cfg.HealthTimeout})

	r.mu.Lock()
	// The world may have changed during the health check.
	if r.closed || r.state.Connection != ConnConnected || len(r.outbox) == 0 || r.outbox[0].ID != headID {
		r.processing = false
		r.mu.Unlock()
		return
	}
	if !healthy {
		delay := r.bumpRetryLocked("gateway health check failed")
		r.processing = false
		r.scheduleOutboxTimerLocked(delay)
		banner := "Connection is unstable, retrying..."
		r.applyLocked(ActionBannerSet{Message: banner})
		r.mu.Unlock()
		r.notifier.publish(TopicBanner, BannerChanged{Message: banner})
		return
	}
	r.applyLocked(ActionBannerCleared{})
	head = r.outbox[0]
	turn := r.findTurnLocked(head.SessionKey, head.TurnID)
	if turn != nil {
		turn.State = TurnSending
	}
	r.applyLocked(ActionSendingSet{TurnID: head.TurnID})
	r.pendingTurnID = head.TurnID
	r.pendingTurnSession = head.SessionKey
	r.mu.Unlock()
	r.notifier.publish(TopicTurns, TurnsUpdated{SessionKey: head.SessionKey})

	runID, err := r.transport.ChatSend(r.baseCtx, head.SessionKey, head.Message, gateway.SendOptions{
		IdempotencyKey: head.IdempotencyKey,
		Timeout:        r.cfg.SendTimeout,
	})

	r.mu.Lock()
	r.processing = false
	if r.closed || r.state.Connection != ConnConnected || len(r.outbox) == 0 || r.outbox[0].ID != headID {
		// Disconnected (or torn down) while the send was in flight. The item
		// stays queued; the idempotency key makes the eventual resend safe.
		r.mu.Unlock()
		return
	}
	if err != nil {
		delay := r.bumpRetryLocked(err.Error())
		if turn := r.findTurnLocked(head.SessionKey, head.TurnID); turn != nil {
			turn.State = TurnQueued
			turn.AssistantText = retryingSendText
		}
		r.applyLocked(ActionSendingCleared{})
		r.applyLocked(ActionBannerSet{Message: "Send failed, retrying..."})
		r.pendingTurnID = ""
		r.pendingTurnSession = ""
		r.scheduleOutboxTimerLocked(delay)
		r.mu.Unlock()
		log.Warn().Err(err).Str("component", "chatclient").Str("session_key", head.SessionKey).Msg("chat send failed, staying queued")
		r.notifier.publish(TopicTurns, TurnsUpdated{SessionKey: head.SessionKey})
		r.notifier.publish(TopicBanner, BannerChanged{Message: "Send failed, retrying..."})
		return
	}

	// Transport accepted the send: bind the run, drop the head. Completion is
	// a separate milestone delivered through chat events, which may already
	// have arrived and advanced the turn past us.
	terminal := false
	if turn := r.findTurnLocked(head.SessionKey, head.TurnID); turn != nil {
		turn.RunID = runID
		terminal = turn.State.Terminal()
		if turn.State == TurnSending {
			turn.State = TurnQueued
		}
		if turn.AssistantText == waitingForConnectionText || turn.AssistantText == retryingSendText {
			turn.AssistantText = ""
		}
	}
	r.pendingTurnID = ""
	r.pendingTurnSession = ""
	if !terminal {
		r.runToTurn[runID] = head.TurnID
		r.applyLocked(ActionActiveRunSet{RunID: runID})
	}
	r.outbox = r.outbox[1:]
	r.saveOutboxLocked()
	remaining := len(r.outbox)
	r.mu.Unlock()

	log.Debug().Str("component", "chatclient").Str("run_id", runID).Str("session_key", head.SessionKey).Msg("send accepted by gateway")
	r.notifier.publish(TopicTurns, TurnsUpdated{SessionKey: head.SessionKey})
	go r.refreshSessionList()
	if remaining > 0 {
		// A terminal event that raced ahead of the send response has already
		// cleared the sending mark; its own drain kick bailed on the
		// processing flag, so re-kick here.
		go r.ProcessOutbox()
	}
}

// bumpRetryLocked increments the head's retry bookkeeping and returns the
// delay until the next attempt.
func (r *Runtime) bumpRetryLocked(reason string) time.Duration {
	head := &r.outbox[0]
	head.RetryCount++
	head.LastError = reason
	delay := backoffDelay(r.cfg.OutboxBaseDelay, r.cfg.OutboxMaxDelay, head.RetryCount)
	head.NextRetryAt = r.now().Add(delay)
	r.saveOutboxLocked()
	return delay
}

// OutboxLen reports the number of unconfirmed sends.
func (r *Runtime) OutboxLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbox)
}

func (r *Runtime) scheduleOutboxTimerLocked(delay time.Duration) {
	r.stopOutboxTimerLocked()
	if delay < 0 {
		delay = 0
	}
	r.outboxTimer = time.AfterFunc(delay, r.ProcessOutbox)
}

func (r *Runtime) stopOutboxTimerLocked() {
	if r.outboxTimer != nil {
		r.outboxTimer.Stop()
		r.outboxTimer = nil
	}
}
