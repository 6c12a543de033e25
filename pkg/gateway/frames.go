package gateway

import (
	"encoding/json"
	"strings"
)

// Wire protocol: JSON frames over a single websocket. Requests carry a
// client-assigned id that the gateway echoes back on the matching response;
// server pushes carry an event name instead of an id.
type frame struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

const (
	frameTypeRequest  = "req"
	frameTypeResponse = "res"
	frameTypeEvent    = "event"
)

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChatEvent is the payload of a "chat" push from the gateway. Message is left
// raw because gateways disagree on its shape; Text normalizes it.
type ChatEvent struct {
	RunID        string          `json:"runId"`
	SessionKey   string          `json:"sessionKey,omitempty"`
	State        string          `json:"state,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
	StopReason   string          `json:"stopReason,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// Text extracts the assistant text from the event message, tolerating the
// shapes seen in the wild: a bare string, {"text": ...}, or a content list of
// {"text": ...} parts. Unknown shapes yield "".
func (e ChatEvent) Text() string {
	if len(e.Message) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Message, &s); err == nil {
		return s
	}
	var obj struct {
		Text    string `json:"text"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(e.Message, &obj); err != nil {
		return ""
	}
	if obj.Text != "" {
		return obj.Text
	}
	if len(obj.Content) > 0 {
		var b strings.Builder
		for _, part := range obj.Content {
			b.WriteString(part.Text)
		}
		return b.String()
	}
	return ""
}

// HistoryMessage is one entry of a chat-history response.
type HistoryMessage struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	RunID     string `json:"runId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// SessionEntry describes one session as reported by the gateway.
type SessionEntry struct {
	SessionKey string `json:"sessionKey"`
	Title      string `json:"title,omitempty"`
	UpdatedAt  int64  `json:"updatedAt,omitempty"`
}

// SessionPatch is a partial update applied to a session server-side. Nil
// fields are left untouched.
type SessionPatch struct {
	Alias  *string `json:"alias,omitempty"`
	Pinned *bool   `json:"pinned,omitempty"`
}
