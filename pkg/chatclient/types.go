package chatclient

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-go-golems/marionette/pkg/gateway"
)

// TurnState is the lifecycle state of a ChatTurn.
type TurnState string

const (
	TurnQueued    TurnState = "queued"
	TurnSending   TurnState = "sending"
	TurnDelta     TurnState = "delta"
	TurnStreaming TurnState = "streaming"
	TurnComplete  TurnState = "complete"
	TurnError     TurnState = "error"
	TurnAborted   TurnState = "aborted"
	TurnUnknown   TurnState = "unknown"
)

// Terminal reports whether the state ends the exchange. Once terminal, the
// run-id binding for the turn is released.
func (s TurnState) Terminal() bool {
	switch s {
	case TurnComplete, TurnError, TurnAborted:
		return true
	}
	return false
}

// NormalizeEventState maps the state string of a wire event onto a TurnState.
// Gateways alias the terminal success state; anything unrecognized lands in
// the unknown bucket and is ignored by the bridge.
func NormalizeEventState(s string) TurnState {
	switch s {
	case "delta":
		return TurnDelta
	case "streaming":
		return TurnStreaming
	case "complete", "done", "final":
		return TurnComplete
	case "error":
		return TurnError
	case "aborted":
		return TurnAborted
	}
	return TurnUnknown
}

// ChatTurn is one user request plus its assistant response. AssistantText
// accumulates while the run streams.
type ChatTurn struct {
	ID            string
	UserText      string
	AssistantText string
	State         TurnState
	CreatedAt     time.Time
	RunID         string
}

// OutboxItem is a durable record of a send not yet accepted by the transport.
// Exactly one item exists per unconfirmed send; the queue is FIFO and only the
// head is ever actively sent.
type OutboxItem struct {
	ID             string
	SessionKey     string
	Message        string
	TurnID         string
	IdempotencyKey string
	CreatedAt      time.Time
	RetryCount     int
	NextRetryAt    time.Time
	LastError      string
}

// SendFingerprint is the signature of the most recently dispatched message,
// used for duplicate detection and idempotency-key reuse.
type SendFingerprint struct {
	SessionKey     string
	Message        string
	SentAt         time.Time
	IdempotencyKey string
}

// SessionPrefs are locally persisted per-session preferences.
type SessionPrefs struct {
	Alias  string
	Pinned bool
}

// Store is the persisted local state the runtime reads at startup and keeps
// current as it runs. Implementations must parse defensively: malformed rows
// yield empty defaults, never errors that abort startup.
type Store interface {
	ActiveSession() string
	SetActiveSession(sessionKey string) error
	LoadOutbox() []OutboxItem
	SaveOutbox(items []OutboxItem) error
	Prefs(sessionKey string) SessionPrefs
	SetPrefs(sessionKey string, prefs SessionPrefs) error
}

// Transport is the gateway collaborator contract consumed by the runtime.
// *gateway.Client satisfies it.
type Transport interface {
	Connect(ctx context.Context, url string, opts gateway.ConnectOptions) error
	Disconnect()
	SubscribeChatEvent(handler func(gateway.ChatEvent)) func()
	SubscribeEvent(name string, handler func(json.RawMessage)) func()
	ChatSend(ctx context.Context, sessionKey, message string, opts gateway.SendOptions) (string, error)
	ChatHistory(ctx context.Context, sessionKey string, opts gateway.HistoryOptions) ([]gateway.HistoryMessage, error)
	CheckHealth(ctx context.Context, opts gateway.HealthOptions) bool
	RefreshSessions(ctx context.Context) ([]gateway.SessionEntry, error)
	PatchSession(ctx context.Context, sessionKey string, patch gateway.SessionPatch) error
}
