package chatclient

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const recoveryExhaustedNotice = "Response may be incomplete. Tap to retry."

// recoveryRequest is one outstanding retry chain target. A chain holds at
// most one; scheduling a new request supersedes the old one implicitly.
type recoveryRequest struct {
	sessionKey string
	turnID     string
	attempt    int
}

type recoveryChain struct {
	current *recoveryRequest
	timer   *time.Timer
}

func (c *recoveryChain) armLocked(req *recoveryRequest, delay time.Duration, fire func()) {
	c.cancelLocked()
	c.current = req
	c.timer = time.AfterFunc(delay, fire)
}

func (c *recoveryChain) cancelLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.current = nil
}

// stillCurrentLocked guards the timer callback: the chain may have been
// superseded or cancelled while the timer was pending.
func (c *recoveryChain) stillCurrentLocked(req *recoveryRequest) bool {
	return c.current == req
}

// resolveDelay picks the wait before a recovery attempt. A non-negative
// caller override always wins (a "retry now" action passes 0); attempt 1 uses
// the initial delay; later attempts use the exponential shape.
func resolveDelay(override, initial, retryBase, max time.Duration, attempt int) time.Duration {
	if override >= 0 {
		return override
	}
	if attempt <= 1 {
		return initial
	}
	return backoffDelay(retryBase, max, attempt-1)
}

// scheduleHistorySyncRetry schedules a history sync for a session, retrying
// with backoff while the sync fails or the connection is down, up to
// SyncRetryMaxAttempts.
func (r *Runtime) scheduleHistorySyncRetry(sessionKey string, attempt int, override time.Duration) {
	if sessionKey == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || attempt > r.cfg.SyncRetryMaxAttempts {
		return
	}
	delay := resolveDelay(override, r.cfg.SyncRetryInitialDelay, r.cfg.SyncRetryBaseDelay, r.cfg.OutboxMaxDelay, attempt)
	req := &recoveryRequest{sessionKey: sessionKey, attempt: attempt}
	r.historyRetry.armLocked(req, delay, func() { r.runHistorySyncRetry(req) })
}

func (r *Runtime) runHistorySyncRetry(req *recoveryRequest) {
	r.mu.Lock()
	if r.closed || !r.historyRetry.stillCurrentLocked(req) {
		r.mu.Unlock()
		return
	}
	r.historyRetry.cancelLocked()
	connected := r.state.Connection == ConnConnected
	r.mu.Unlock()

	if !connected {
		r.scheduleHistorySyncRetry(req.sessionKey, req.attempt+1, -1)
		return
	}
	if err := r.RefreshHistory(r.baseCtx, req.sessionKey); err != nil {
		log.Debug().Err(err).Str("component", "chatclient").Str("session_key", req.sessionKey).Int("attempt", req.attempt).Msg("history sync retry failed")
		r.scheduleHistorySyncRetry(req.sessionKey, req.attempt+1, -1)
	}
}

// scheduleMissingRecovery targets a specific turn whose completion looked
// suspect: re-sync, re-check, and back off exponentially. At max attempts it
// stops auto-retrying and surfaces a persistent notice instead.
func (r *Runtime) scheduleMissingRecovery(sessionKey, turnID string, attempt int, override time.Duration) {
	if sessionKey == "" || turnID == "" {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if attempt > r.cfg.MissingRecoveryMaxAttempts {
		r.missingRetry.cancelLocked()
		r.applyLocked(ActionNoticeSet{Message: recoveryExhaustedNotice})
		r.mu.Unlock()
		log.Info().Str("component", "chatclient").Str("turn_id", turnID).Msg("missing-response recovery exhausted")
		r.notifier.publish(TopicBanner, BannerChanged{Message: recoveryExhaustedNotice})
		return
	}
	delay := resolveDelay(override, r.cfg.MissingRecoveryInitialDelay, r.cfg.MissingRecoveryBaseDelay, r.cfg.OutboxMaxDelay, attempt)
	req := &recoveryRequest{sessionKey: sessionKey, turnID: turnID, attempt: attempt}
	r.missingRetry.armLocked(req, delay, func() { r.runMissingRecovery(req) })
	r.mu.Unlock()
}

func (r *Runtime) runMissingRecovery(req *recoveryRequest) {
	r.mu.Lock()
	if r.closed || !r.missingRetry.stillCurrentLocked(req) {
		r.mu.Unlock()
		return
	}
	r.missingRetry.cancelLocked()
	r.mu.Unlock()

	if err := r.RefreshHistory(r.baseCtx, req.sessionKey); err != nil {
		log.Debug().Err(err).Str("component", "chatclient").Str("session_key", req.sessionKey).Int("attempt", req.attempt).Msg("missing-response re-sync failed")
	}

	r.mu.Lock()
	turn := r.findTurnLocked(req.sessionKey, req.turnID)
	resolved := turn != nil && turn.State == TurnComplete && !suspectFinalText(turn.AssistantText, "")
	if resolved {
		r.applyLocked(ActionNoticeCleared{})
		r.mu.Unlock()
		log.Debug().Str("component", "chatclient").Str("turn_id", req.turnID).Msg("missing-response recovery confirmed turn resolved")
		r.notifier.publish(TopicTurns, TurnsUpdated{SessionKey: req.sessionKey})
		return
	}
	r.mu.Unlock()
	r.scheduleMissingRecovery(req.sessionKey, req.turnID, req.attempt+1, -1)
}

// RetryMissingResponse is the user action behind the persistent notice: it
// restarts the missing-response chain immediately for the newest suspect turn
// of the active session.
func (r *Runtime) RetryMissingResponse() {
	r.mu.Lock()
	session := r.state.ActiveSessionKey
	var turnID string
	list := r.turns[session]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].State == TurnComplete && suspectFinalText(list[i].AssistantText, "") {
			turnID = list[i].ID
			break
		}
	}
	r.applyLocked(ActionNoticeCleared{})
	r.mu.Unlock()
	if turnID == "" {
		return
	}
	r.scheduleMissingRecovery(session, turnID, 1, 0)
}

// scheduleFinalRecovery re-syncs and checks the latest turn of a session with
// a fixed-increment backoff (base * attempt) until it looks complete or
// attempts run out.
func (r *Runtime) scheduleFinalRecovery(sessionKey string, attempt int, override time.Duration) {
	if sessionKey == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || attempt > r.cfg.FinalRecoveryMaxAttempts {
		return
	}
	delay := override
	if delay < 0 {
		delay = r.cfg.FinalRecoveryBaseDelay * time.Duration(attempt)
	}
	req := &recoveryRequest{sessionKey: sessionKey, attempt: attempt}
	r.finalRetry.armLocked(req, delay, func() { r.runFinalRecovery(req) })
}

func (r *Runtime) runFinalRecovery(req *recoveryRequest) {
	r.mu.Lock()
	if r.closed || !r.finalRetry.stillCurrentLocked(req) {
		r.mu.Unlock()
		return
	}
	r.finalRetry.cancelLocked()
	r.mu.Unlock()

	if err := r.RefreshHistory(r.baseCtx, req.sessionKey); err != nil {
		log.Debug().Err(err).Str("component", "chatclient").Str("session_key", req.sessionKey).Int("attempt", req.attempt).Msg("final-response re-sync failed")
	}

	r.mu.Lock()
	list := r.turns[req.sessionKey]
	resolved := false
	if len(list) > 0 {
		last := list[len(list)-1]
		resolved = last.State.Terminal() && strings.TrimSpace(last.AssistantText) != ""
	}
	r.mu.Unlock()
	if resolved {
		log.Debug().Str("component", "chatclient").Str("session_key", req.sessionKey).Msg("final-response recovery resolved")
		return
	}
	r.scheduleFinalRecovery(req.sessionKey, req.attempt+1, -1)
}

// clearMissingRecoveryFor drops the missing-response chain when the turn it
// targets is observed resolved.
func (r *Runtime) clearMissingRecoveryFor(sessionKey, turnID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.missingRetry.current
	if cur != nil && cur.sessionKey == sessionKey && cur.turnID == turnID {
		r.missingRetry.cancelLocked()
	}
}

// clearRecoveryForSession drops every recovery chain targeting a session; a
// definitively failed exchange is not retried.
func (r *Runtime) clearRecoveryForSession(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur := r.missingRetry.current; cur != nil && cur.sessionKey == sessionKey {
		r.missingRetry.cancelLocked()
	}
	if cur := r.finalRetry.current; cur != nil && cur.sessionKey == sessionKey {
		r.finalRetry.cancelLocked()
	}
	if cur := r.historyRetry.current; cur != nil && cur.sessionKey == sessionKey {
		r.historyRetry.cancelLocked()
	}
}
