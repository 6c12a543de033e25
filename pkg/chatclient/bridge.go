package chatclient

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/gateway"
)

// handleChatEvent maps one server-pushed chat event onto a local turn. Events
// are keyed by run id; binding falls back to the pending turn for the
// late-arrival race where the event beats the send response. Events that carry
// no useful signal for a foreign session are dropped so state never leaks
// across sessions.
func (r *Runtime) handleChatEvent(ev gateway.ChatEvent) {
	state := NormalizeEventState(ev.State)
	text := ev.Text()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	turnID, bound := r.runToTurn[ev.RunID]
	session := ev.SessionKey
	if !bound && r.pendingTurnID != "" {
		if session == r.pendingTurnSession || (ev.RunID != "" && ev.RunID == r.state.ActiveRunID) {
			turnID = r.pendingTurnID
			session = r.pendingTurnSession
			if ev.RunID != "" {
				r.runToTurn[ev.RunID] = turnID
			}
			bound = true
			log.Debug().Str("component", "chatclient").Str("run_id", ev.RunID).Str("turn_id", turnID).Msg("late-bound chat event to pending turn")
		}
	}
	if !bound {
		if !state.Terminal() && text == "" && session != r.state.ActiveSessionKey {
			r.mu.Unlock()
			return
		}
		// An unbound event with signal means the server knows about work we
		// lost track of; resync instead of guessing a binding.
		targetSession := session
		if targetSession == "" {
			targetSession = r.state.ActiveSessionKey
		}
		r.mu.Unlock()
		log.Debug().Str("component", "chatclient").Str("run_id", ev.RunID).Str("session_key", targetSession).Msg("unbound chat event with signal, scheduling history sync")
		r.scheduleHistorySyncRetry(targetSession, 1, -1)
		return
	}
	if session == "" {
		session = r.sessionForTurnLocked(turnID)
	}
	turn := r.findTurnLocked(session, turnID)
	if turn == nil {
		r.mu.Unlock()
		return
	}

	switch state {
	case TurnDelta, TurnStreaming:
		turn.State = state
		if turn.AssistantText == waitingForConnectionText || turn.AssistantText == retryingSendText {
			turn.AssistantText = ""
		}
		turn.AssistantText = mergeStreamText(turn.AssistantText, text)
		r.mu.Unlock()
		r.notifier.publish(TopicTurns, TurnsUpdated{SessionKey: session})

	case TurnComplete:
		delete(r.runToTurn, ev.RunID)
		final := finalAssistantText(text, turn.AssistantText)
		turn.AssistantText = final
		turn.State = TurnComplete
		r.applyLocked(ActionSendingCleared{})
		r.applyLocked(ActionActiveRunCleared{})
		if !r.state.FirstTurnCompleted {
			r.applyLocked(ActionFirstTurnCompleted{})
		}
		suspect := suspectFinalText(final, ev.StopReason)
		completedTurnID := turn.ID
		r.mu.Unlock()

		r.notifier.publish(TopicTurns, TurnsUpdated{SessionKey: session})
		// Terminal state received and content fully synced are separate
		// concerns; a suspect terminal event is verified by recovery.
		if suspect {
			log.Info().Str("component", "chatclient").Str("run_id", ev.RunID).Str("stop_reason", ev.StopReason).Msg("terminal event with suspect text, scheduling recovery")
			r.scheduleFinalRecovery(session, 1, -1)
			r.scheduleMissingRecovery(session, completedTurnID, 1, -1)
		} else {
			r.clearMissingRecoveryFor(session, completedTurnID)
			r.scheduleHistorySyncRetry(session, 1, -1)
		}
		// This handler runs on the transport's read loop; draining issues
		// transport calls whose responses that same loop delivers.
		go r.ProcessOutbox()

	case TurnError, TurnAborted:
		delete(r.runToTurn, ev.RunID)
		turn.State = state
		if text != "" {
			turn.AssistantText = mergeStreamText(turn.AssistantText, text)
		}
		banner := ev.ErrorMessage
		if banner == "" {
			if state == TurnAborted {
				banner = "Response aborted"
			} else {
				banner = "Response failed"
			}
		}
		r.applyLocked(ActionSendingCleared{})
		r.applyLocked(ActionActiveRunCleared{})
		r.applyLocked(ActionBannerSet{Message: banner})
		r.mu.Unlock()

		// A definitively failed exchange is not worth recovering.
		r.clearRecoveryForSession(session)
		r.notifier.publish(TopicTurns, TurnsUpdated{SessionKey: session})
		r.notifier.publish(TopicBanner, BannerChanged{Message: banner})
		go r.ProcessOutbox()

	default:
		r.mu.Unlock()
		log.Debug().Str("component", "chatclient").Str("run_id", ev.RunID).Str("state", ev.State).Msg("ignoring chat event with unknown state")
	}
}

func (r *Runtime) sessionForTurnLocked(turnID string) string {
	for session, list := range r.turns {
		for _, t := range list {
			if t.ID == turnID {
				return session
			}
		}
	}
	return ""
}

// mergeStreamText folds incoming streamed text into the accumulated text
// without destroying or duplicating what is already applied. Full snapshots
// (incoming extends existing) replace; duplicate chunks are dropped; anything
// else appends.
func mergeStreamText(existing, incoming string) string {
	if incoming == "" {
		return existing
	}
	if existing == "" {
		return incoming
	}
	if strings.HasPrefix(incoming, existing) {
		return incoming
	}
	if strings.HasSuffix(existing, incoming) {
		return existing
	}
	return existing + incoming
}

// finalAssistantText picks the terminal text: a server-provided final beats
// the locally accumulated stream.
func finalAssistantText(serverFinal, accumulated string) string {
	if strings.TrimSpace(serverFinal) != "" {
		return serverFinal
	}
	return accumulated
}

// suspectFinalText reports whether a terminal event's text looks empty,
// placeholder-ish, or truncated, in which case the terminal event is not
// trusted and recovery verifies it against server history.
func suspectFinalText(text, stopReason string) bool {
	trimmed := strings.TrimSpace(text)
	switch trimmed {
	case "", "...", "…", waitingForConnectionText, retryingSendText:
		return true
	}
	switch stopReason {
	case "length", "max_tokens", "truncated":
		return true
	}
	return false
}
