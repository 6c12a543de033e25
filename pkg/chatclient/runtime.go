package chatclient

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/go-go-golems/marionette/pkg/gateway"
)

// DefaultSessionKey is used when no active session was persisted.
const DefaultSessionKey = "main"

// Runtime keeps one logical conversation consistent across an unreliable,
// asynchronous, bidirectional gateway connection. It owns the per-session
// turn lists, the outbox, the run-id bindings, and every timer; all of it is
// torn down atomically on disconnect.
//
// Locking: r.mu protects every mutable field. Logical ordering across await
// points is enforced by guards (the outbox processing flag, the history
// refresh epoch tuple, the recovery current-request refs); each resumption
// after a network call re-validates its guard before mutating state.
type Runtime struct {
	cfg       Config
	transport Transport
	store     Store
	notifier  *Notifier

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu    sync.Mutex
	state RuntimeState

	turns    map[string][]*ChatTurn
	sessions []gateway.SessionEntry
	prefs    map[string]SessionPrefs

	outbox      []OutboxItem
	processing  bool
	outboxTimer *time.Timer

	lastFingerprint SendFingerprint
	draft           string
	interimDraft    string

	runToTurn          map[string]string
	pendingTurnID      string
	pendingTurnSession string

	refreshEpoch    uint64
	refreshSeq      uint64
	refreshInflight bool
	refreshGroup    singleflight.Group

	historyRetry recoveryChain
	missingRetry recoveryChain
	finalRetry   recoveryChain

	reconnectTimer *time.Timer
	startupTimer   *time.Timer
	unsubs         []func()

	closed bool
	now    func() time.Time
}

// Option customizes a Runtime at construction time.
type Option func(*Runtime)

// WithClock injects the clock (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

// NewRuntime builds a runtime around a transport and a local store. The
// persisted active session and outbox snapshot are restored immediately;
// restored outbox items get their optimistic queued turns back so the UI can
// render them before the first connect.
func NewRuntime(cfg Config, transport Transport, store Store, opts ...Option) (*Runtime, error) {
	if transport == nil {
		return nil, errors.New("chatclient: transport is required")
	}
	cfg.fillDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		cfg:        cfg,
		transport:  transport,
		store:      store,
		notifier:   NewNotifier(),
		baseCtx:    ctx,
		baseCancel: cancel,
		turns:      map[string][]*ChatTurn{},
		prefs:      map[string]SessionPrefs{},
		runToTurn:  map[string]string{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	active := DefaultSessionKey
	if store != nil {
		if s := store.ActiveSession(); s != "" {
			active = s
		}
		r.outbox = store.LoadOutbox()
	}
	r.state = InitialRuntimeState(active)

	for i := range r.outbox {
		item := r.outbox[i]
		r.turns[item.SessionKey] = append(r.turns[item.SessionKey], &ChatTurn{
			ID:            item.TurnID,
			UserText:      item.Message,
			AssistantText: waitingForConnectionText,
			State:         TurnQueued,
			CreatedAt:     item.CreatedAt,
		})
	}
	if len(r.outbox) > 0 {
		log.Info().Str("component", "chatclient").Int("items", len(r.outbox)).Msg("restored outbox snapshot")
	}
	return r, nil
}

// Notifier exposes the notification bus for UI subscribers.
func (r *Runtime) Notifier() *Notifier { return r.notifier }

// State returns a copy of the reducer-owned state.
func (r *Runtime) State() RuntimeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ActiveSession returns the currently active session key.
func (r *Runtime) ActiveSession() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.ActiveSessionKey
}

// Turns returns a snapshot of the turn list for a session.
func (r *Runtime) Turns(sessionKey string) []ChatTurn {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.turns[sessionKey]
	out := make([]ChatTurn, 0, len(list))
	for _, t := range list {
		out = append(out, *t)
	}
	return out
}

// Sessions returns the last known session list.
func (r *Runtime) Sessions() []gateway.SessionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]gateway.SessionEntry(nil), r.sessions...)
}

// SetDraft records the committed transcript draft.
func (r *Runtime) SetDraft(text string) {
	r.mu.Lock()
	r.draft = text
	r.mu.Unlock()
}

// SetInterimDraft records the in-progress interim transcript (speech draft).
func (r *Runtime) SetInterimDraft(text string) {
	r.mu.Lock()
	r.interimDraft = text
	r.mu.Unlock()
}

// SwitchSession makes another session active: stale history refreshes are
// invalidated, the choice is persisted, and a fresh history refresh is kicked
// off when connected.
func (r *Runtime) SwitchSession(sessionKey string) {
	if sessionKey == "" {
		return
	}
	r.mu.Lock()
	if r.state.ActiveSessionKey == sessionKey {
		r.mu.Unlock()
		return
	}
	r.invalidateRefreshEpochLocked()
	r.state = Reduce(r.state, ActionSessionSwitched{SessionKey: sessionKey})
	connected := r.state.Connection == ConnConnected
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SetActiveSession(sessionKey); err != nil {
			log.Warn().Err(err).Str("component", "chatclient").Str("session_key", sessionKey).Msg("failed to persist active session")
		}
	}
	r.notifier.publish(TopicTurns, TurnsUpdated{SessionKey: sessionKey})
	if connected {
		go func() {
			if err := r.RefreshHistory(r.baseCtx, sessionKey); err != nil {
				log.Debug().Err(err).Str("component", "chatclient").Str("session_key", sessionKey).Msg("history refresh after session switch failed")
			}
		}()
	}
}

// SetSessionAlias updates the local alias preference and pushes it to the
// gateway (best effort).
func (r *Runtime) SetSessionAlias(sessionKey, alias string) {
	r.patchPrefs(sessionKey, func(p *SessionPrefs) { p.Alias = alias }, gateway.SessionPatch{Alias: &alias})
}

// SetSessionPinned updates the local pinned preference and pushes it to the
// gateway (best effort).
func (r *Runtime) SetSessionPinned(sessionKey string, pinned bool) {
	r.patchPrefs(sessionKey, func(p *SessionPrefs) { p.Pinned = pinned }, gateway.SessionPatch{Pinned: &pinned})
}

func (r *Runtime) patchPrefs(sessionKey string, mutate func(*SessionPrefs), patch gateway.SessionPatch) {
	if sessionKey == "" {
		return
	}
	// Read the persisted prefs before taking the lock; the store may hit disk.
	var stored SessionPrefs
	if r.store != nil {
		stored = r.store.Prefs(sessionKey)
	}

	r.mu.Lock()
	p, ok := r.prefs[sessionKey]
	if !ok {
		p = stored
	}
	mutate(&p)
	r.prefs[sessionKey] = p
	connected := r.state.Connection == ConnConnected
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SetPrefs(sessionKey, p); err != nil {
			log.Warn().Err(err).Str("component", "chatclient").Str("session_key", sessionKey).Msg("failed to persist session prefs")
		}
	}
	if connected {
		go func() {
			if err := r.transport.PatchSession(r.baseCtx, sessionKey, patch); err != nil {
				log.Debug().Err(err).Str("component", "chatclient").Str("session_key", sessionKey).Msg("session patch not applied")
			}
		}()
	}
}

// SessionPrefsFor returns the local preferences for a session.
func (r *Runtime) SessionPrefsFor(sessionKey string) SessionPrefs {
	r.mu.Lock()
	p, ok := r.prefs[sessionKey]
	r.mu.Unlock()
	if ok {
		return p
	}
	if r.store != nil {
		return r.store.Prefs(sessionKey)
	}
	return SessionPrefs{}
}

// RetryLastMessage resends the user text of the most recent failed turn in
// the active session through the normal dispatch path. Terminal failures are
// never retried automatically; this is the explicit user action.
func (r *Runtime) RetryLastMessage() error {
	r.mu.Lock()
	session := r.state.ActiveSessionKey
	var text string
	list := r.turns[session]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].State == TurnError || list[i].State == TurnAborted {
			text = list[i].UserText
			break
		}
	}
	r.mu.Unlock()
	if text == "" {
		return errors.New("no failed message to retry")
	}
	_, err := r.SendMessage(text)
	return err
}

// Close tears the runtime down for good.
func (r *Runtime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.Disconnect()
	r.baseCancel()
	r.notifier.Close()
}

func (r *Runtime) applyLocked(a Action) {
	r.state = Reduce(r.state, a)
}

func (r *Runtime) findTurnLocked(sessionKey, turnID string) *ChatTurn {
	for _, t := range r.turns[sessionKey] {
		if t.ID == turnID {
			return t
		}
	}
	return nil
}

func (r *Runtime) saveOutboxLocked() {
	if r.store == nil {
		return
	}
	snapshot := append([]OutboxItem(nil), r.outbox...)
	if err := r.store.SaveOutbox(snapshot); err != nil {
		log.Warn().Err(err).Str("component", "chatclient").Msg("failed to persist outbox snapshot")
	}
}

// refreshSessionList pulls the session list from the gateway; fire-and-forget.
func (r *Runtime) refreshSessionList() {
	entries, err := r.transport.RefreshSessions(r.baseCtx)
	if err != nil {
		log.Debug().Err(err).Str("component", "chatclient").Msg("session list refresh failed")
		return
	}
	r.mu.Lock()
	r.sessions = entries
	r.mu.Unlock()
	r.notifier.publish(TopicSessions, SessionsUpdated{Count: len(entries)})
}
