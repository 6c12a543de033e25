package chatclient

// ConnectionState is the lifecycle state of the gateway connection.
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnReconnecting ConnectionState = "reconnecting"
)

// DiagnosticKind classifies a connect failure for UI guidance and reconnect
// policy.
type DiagnosticKind string

const (
	DiagNone       DiagnosticKind = ""
	DiagInvalidURL DiagnosticKind = "invalid-url"
	DiagAuth       DiagnosticKind = "auth"
	DiagTLS        DiagnosticKind = "tls"
	DiagTimeout    DiagnosticKind = "timeout"
	DiagDNS        DiagnosticKind = "dns"
	DiagNetwork    DiagnosticKind = "network"
	DiagServer     DiagnosticKind = "server"
	DiagPairing    DiagnosticKind = "pairing"
	DiagUnknown    DiagnosticKind = "unknown"
)

// RuntimeState is the flat reducer-owned record of the runtime. Turn lists
// and the outbox live outside it; this is the piece that resets wholesale on
// disconnect.
type RuntimeState struct {
	Connection       ConnectionState
	Diagnostic       DiagnosticKind
	DiagnosticDetail string

	BannerError string
	Notice      string

	SendingTurnID string
	ActiveRunID   string

	ActiveSessionKey string

	AutoConnectAttempt int
	FirstTurnCompleted bool
}

// InitialRuntimeState returns the reducer's initial state, preserving the
// active session key across resets.
func InitialRuntimeState(activeSessionKey string) RuntimeState {
	return RuntimeState{
		Connection:       ConnDisconnected,
		ActiveSessionKey: activeSessionKey,
	}
}

// Action is one tagged state transition consumed by Reduce.
type Action interface{ isAction() }

type ActionConnectionChanged struct {
	State      ConnectionState
	Diagnostic DiagnosticKind
	Detail     string
}

type ActionBannerSet struct{ Message string }
type ActionBannerCleared struct{}
type ActionNoticeSet struct{ Message string }
type ActionNoticeCleared struct{}
type ActionSendingSet struct{ TurnID string }
type ActionSendingCleared struct{}
type ActionActiveRunSet struct{ RunID string }
type ActionActiveRunCleared struct{}
type ActionSessionSwitched struct{ SessionKey string }
type ActionAutoConnectAttempt struct{ Attempt int }
type ActionFirstTurnCompleted struct{}
type ActionReset struct{}

func (ActionConnectionChanged) isAction()  {}
func (ActionBannerSet) isAction()          {}
func (ActionBannerCleared) isAction()      {}
func (ActionNoticeSet) isAction()          {}
func (ActionNoticeCleared) isAction()      {}
func (ActionSendingSet) isAction()         {}
func (ActionSendingCleared) isAction()     {}
func (ActionActiveRunSet) isAction()       {}
func (ActionActiveRunCleared) isAction()   {}
func (ActionSessionSwitched) isAction()    {}
func (ActionAutoConnectAttempt) isAction() {}
func (ActionFirstTurnCompleted) isAction() {}
func (ActionReset) isAction()              {}

// Reduce applies one action to the state. Deterministic and I/O-free.
func Reduce(s RuntimeState, a Action) RuntimeState {
	switch act := a.(type) {
	case ActionConnectionChanged:
		s.Connection = act.State
		s.Diagnostic = act.Diagnostic
		s.DiagnosticDetail = act.Detail
		if act.State == ConnConnected {
			s.AutoConnectAttempt = 0
			s.BannerError = ""
		}
	case ActionBannerSet:
		s.BannerError = act.Message
	case ActionBannerCleared:
		s.BannerError = ""
	case ActionNoticeSet:
		s.Notice = act.Message
	case ActionNoticeCleared:
		s.Notice = ""
	case ActionSendingSet:
		s.SendingTurnID = act.TurnID
	case ActionSendingCleared:
		s.SendingTurnID = ""
	case ActionActiveRunSet:
		s.ActiveRunID = act.RunID
	case ActionActiveRunCleared:
		s.ActiveRunID = ""
	case ActionSessionSwitched:
		s.ActiveSessionKey = act.SessionKey
		s.BannerError = ""
		s.Notice = ""
	case ActionAutoConnectAttempt:
		s.AutoConnectAttempt = act.Attempt
	case ActionFirstTurnCompleted:
		s.FirstTurnCompleted = true
	case ActionReset:
		s = InitialRuntimeState(s.ActiveSessionKey)
	}
	return s
}
