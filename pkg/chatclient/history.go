package chatclient

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/gateway"
)

// refreshTicket identifies one history refresh. A resolution only applies if
// both the epoch and the request id still match; any disconnect or session
// switch bumps the epoch and the stale result is silently discarded.
type refreshTicket struct {
	epoch     uint64
	requestID uint64
}

// beginRefreshLocked returns the ticket for the current flight, minting a new
// one only when no refresh is in flight. Concurrent callers join the same
// ticket (and, below, the same network call).
func (r *Runtime) beginRefreshLocked() refreshTicket {
	if !r.refreshInflight {
		r.refreshSeq++
		r.refreshInflight = true
	}
	return refreshTicket{epoch: r.refreshEpoch, requestID: r.refreshSeq}
}

func (r *Runtime) refreshCurrentLocked(t refreshTicket) bool {
	return r.refreshEpoch == t.epoch && r.refreshSeq == t.requestID
}

// invalidateRefreshEpochLocked cancels any in-flight refresh without awaiting
// it: the result lands, fails the ticket check, and is dropped.
func (r *Runtime) invalidateRefreshEpochLocked() {
	r.refreshEpoch++
	r.refreshSeq++
	r.refreshInflight = false
}

// InvalidateRefreshEpoch discards the in-flight history refresh, if any.
func (r *Runtime) InvalidateRefreshEpoch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidateRefreshEpochLocked()
}

// RefreshHistory runs a single-flight history refresh for a session.
// Concurrent callers for the same session share one network call. The fetch
// is raced against HistoryTimeout; a stale resolution (epoch bumped while the
// call was in flight) merges nothing and reports no error.
func (r *Runtime) RefreshHistory(ctx context.Context, sessionKey string) error {
	if sessionKey == "" {
		return errors.New("session key is required")
	}
	r.mu.Lock()
	if r.state.Connection != ConnConnected {
		r.mu.Unlock()
		return errors.New("not connected")
	}
	ticket := r.beginRefreshLocked()
	r.mu.Unlock()

	_, err, _ := r.refreshGroup.Do(sessionKey, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.HistoryTimeout)
		defer cancel()
		messages, err := r.transport.ChatHistory(fetchCtx, sessionKey, gateway.HistoryOptions{
			Limit:   r.cfg.HistoryLimit,
			Timeout: r.cfg.HistoryTimeout,
		})

		r.mu.Lock()
		if !r.refreshCurrentLocked(ticket) {
			r.mu.Unlock()
			log.Debug().Str("component", "chatclient").Str("session_key", sessionKey).Msg("discarding stale history refresh result")
			return nil, nil
		}
		r.refreshInflight = false
		if err != nil {
			r.mu.Unlock()
			return nil, errors.Wrap(err, "chat history fetch")
		}
		r.mergeHistoryLocked(sessionKey, turnsFromHistory(messages))
		released := r.releaseTerminalBindingsLocked()
		r.mu.Unlock()
		r.notifier.publish(TopicTurns, TurnsUpdated{SessionKey: sessionKey})
		if released {
			// History confirmed a terminal outcome whose event never arrived;
			// the queue must not stay gated on it.
			go r.ProcessOutbox()
		}
		return nil, nil
	})
	return err
}

// releaseTerminalBindingsLocked drops run bindings and the sending/active-run
// marks whose turns have reached a terminal state. Normally the event bridge
// clears these; when the terminal event is lost, history reconciliation is the
// only party left that can unblock the outbox.
func (r *Runtime) releaseTerminalBindingsLocked() bool {
	released := false
	for runID, turnID := range r.runToTurn {
		session := r.sessionForTurnLocked(turnID)
		turn := r.findTurnLocked(session, turnID)
		if turn != nil && !turn.State.Terminal() {
			continue
		}
		delete(r.runToTurn, runID)
		if r.state.ActiveRunID == runID {
			r.applyLocked(ActionActiveRunCleared{})
		}
		released = true
	}
	if r.state.SendingTurnID != "" {
		session := r.sessionForTurnLocked(r.state.SendingTurnID)
		turn := r.findTurnLocked(session, r.state.SendingTurnID)
		if turn == nil || turn.State.Terminal() {
			r.applyLocked(ActionSendingCleared{})
			released = true
		}
	}
	return released
}

// mergeHistoryLocked reconciles server history with the local list. Server
// turns are authoritative for everything they cover; local turns still in the
// outbox or still awaiting events are preserved after them. Matching is by
// run id first, then by exact user/assistant text, so applying the same
// response twice is a no-op.
func (r *Runtime) mergeHistoryLocked(sessionKey string, remote []ChatTurn) {
	local := r.turns[sessionKey]

	byRun := map[string]*ChatTurn{}
	for _, t := range local {
		if t.RunID != "" {
			byRun[t.RunID] = t
		}
	}

	merged := make([]*ChatTurn, 0, len(remote)+len(local))
	seen := map[string]bool{}
	for i := range remote {
		rt := remote[i]
		if existing, ok := byRun[rt.RunID]; ok && rt.RunID != "" {
			// Keep the local identity; adopt server truth for the content.
			existing.UserText = rt.UserText
			if strings.TrimSpace(rt.AssistantText) != "" {
				existing.AssistantText = rt.AssistantText
			}
			if !existing.State.Terminal() {
				existing.State = rt.State
			}
			merged = append(merged, existing)
			seen[existing.ID] = true
			continue
		}
		if existing := matchTurnByContent(local, rt); existing != nil && !seen[existing.ID] {
			if rt.RunID != "" && existing.RunID == "" {
				existing.RunID = rt.RunID
			}
			if strings.TrimSpace(rt.AssistantText) != "" {
				existing.AssistantText = rt.AssistantText
			}
			if !existing.State.Terminal() {
				existing.State = rt.State
			}
			merged = append(merged, existing)
			seen[existing.ID] = true
			continue
		}
		copied := rt
		if copied.ID == "" {
			copied.ID = uuid.NewString()
		}
		merged = append(merged, &copied)
		seen[copied.ID] = true
	}

	// Local optimistic entries the server has not caught up to yet: anything
	// still in the outbox, or non-terminal and unmatched.
	inOutbox := map[string]bool{}
	for _, item := range r.outbox {
		inOutbox[item.TurnID] = true
	}
	for _, t := range local {
		if seen[t.ID] {
			continue
		}
		if inOutbox[t.ID] || !t.State.Terminal() {
			merged = append(merged, t)
			seen[t.ID] = true
		}
	}
	r.turns[sessionKey] = merged
}

func matchTurnByContent(local []*ChatTurn, remote ChatTurn) *ChatTurn {
	for _, t := range local {
		if t.UserText == remote.UserText && (t.AssistantText == remote.AssistantText || t.AssistantText == "" || remote.AssistantText == "") {
			return t
		}
	}
	return nil
}

// turnsFromHistory pairs consecutive user/assistant history messages into
// completed turns. Unpaired assistant messages (for example a greeting the
// server injected) become turns with empty user text.
func turnsFromHistory(messages []gateway.HistoryMessage) []ChatTurn {
	out := make([]ChatTurn, 0, len(messages)/2+1)
	var pending *ChatTurn
	for _, m := range messages {
		switch m.Role {
		case "user":
			if pending != nil {
				out = append(out, *pending)
			}
			pending = &ChatTurn{
				UserText:  m.Text,
				State:     TurnComplete,
				RunID:     m.RunID,
				CreatedAt: time.UnixMilli(m.Timestamp),
			}
		case "assistant":
			if pending == nil {
				out = append(out, ChatTurn{
					AssistantText: m.Text,
					State:         TurnComplete,
					RunID:         m.RunID,
					CreatedAt:     time.UnixMilli(m.Timestamp),
				})
				continue
			}
			pending.AssistantText = m.Text
			if pending.RunID == "" {
				pending.RunID = m.RunID
			}
			out = append(out, *pending)
			pending = nil
		default:
			// System or tool messages are not part of the visible transcript.
		}
	}
	if pending != nil {
		out = append(out, *pending)
	}
	return out
}
