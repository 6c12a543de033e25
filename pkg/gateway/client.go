package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	protocolVersion = 1

	defaultCallTimeout   = 15 * time.Second
	defaultHealthTimeout = 5 * time.Second
)

// ConnectOptions configure the connect handshake.
type ConnectOptions struct {
	Token  string
	Scopes []string
	// HandshakeTimeout bounds the dial plus the connect exchange.
	HandshakeTimeout time.Duration
}

// SendOptions configure a single chat send.
type SendOptions struct {
	IdempotencyKey string
	Timeout        time.Duration
}

// HistoryOptions configure a chat-history fetch.
type HistoryOptions struct {
	Limit   int
	Timeout time.Duration
}

// HealthOptions configure a health probe.
type HealthOptions struct {
	Silent  bool
	Timeout time.Duration
}

// Client is a websocket gateway client. One Client owns at most one live
// connection; Connect tears down any previous one. All exported methods are
// safe for concurrent use.
type Client struct {
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	nextID  uint64
	pending map[uint64]chan frame

	subSeq    int
	chatSubs  map[int]func(ChatEvent)
	eventSubs map[string]map[int]func(json.RawMessage)
}

func NewClient() *Client {
	return &Client{
		dialer:    websocket.DefaultDialer,
		pending:   map[uint64]chan frame{},
		chatSubs:  map[int]func(ChatEvent){},
		eventSubs: map[string]map[int]func(json.RawMessage){},
	}
}

type connectParams struct {
	Protocol int      `json:"protocol"`
	Token    string   `json:"token,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

type connectResult struct {
	Protocol int      `json:"protocol"`
	Scopes   []string `json:"scopes,omitempty"`
}

// Connect dials the gateway and performs the connect handshake (protocol and
// scope negotiation). On success the read loop starts and pushes are
// dispatched to subscribers.
func (c *Client) Connect(ctx context.Context, rawURL string, opts ConnectOptions) error {
	if c == nil {
		return errors.New("gateway: nil client")
	}
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, rawURL, nil)
	if err != nil {
		return classifyDialError(err, resp)
	}

	c.mu.Lock()
	if c.conn != nil {
		// A previous connection is still attached; drop it first.
		old := c.conn
		c.conn = nil
		c.mu.Unlock()
		_ = old.Close()
		c.failPending(ErrConnectionLost)
		c.mu.Lock()
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	result := connectResult{}
	err = c.call(dialCtx, "connect", connectParams{
		Protocol: protocolVersion,
		Token:    opts.Token,
		Scopes:   opts.Scopes,
	}, &result)
	if err != nil {
		c.Disconnect()
		return errors.Wrap(err, "connect handshake")
	}
	if result.Protocol != 0 && result.Protocol < protocolVersion {
		c.Disconnect()
		return &Error{Kind: ErrKindServer, Message: "gateway protocol too old"}
	}
	log.Info().Str("component", "gateway").Int("protocol", result.Protocol).Strs("scopes", result.Scopes).Msg("gateway connected")
	return nil
}

// Disconnect closes the connection, stopping the read loop and failing every
// pending call. Safe to call repeatedly and while disconnected.
func (c *Client) Disconnect() {
	if c == nil {
		return
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.failPending(ErrConnectionLost)
}

// SubscribeChatEvent registers a handler for "chat" pushes and returns its
// unsubscribe function.
func (c *Client) SubscribeChatEvent(handler func(ChatEvent)) func() {
	if c == nil || handler == nil {
		return func() {}
	}
	c.mu.Lock()
	c.subSeq++
	id := c.subSeq
	c.chatSubs[id] = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.chatSubs, id)
		c.mu.Unlock()
	}
}

// SubscribeEvent registers a handler for a named push (for example
// "pairing-required") and returns its unsubscribe function.
func (c *Client) SubscribeEvent(name string, handler func(json.RawMessage)) func() {
	if c == nil || name == "" || handler == nil {
		return func() {}
	}
	c.mu.Lock()
	c.subSeq++
	id := c.subSeq
	subs, ok := c.eventSubs[name]
	if !ok {
		subs = map[int]func(json.RawMessage){}
		c.eventSubs[name] = subs
	}
	subs[id] = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		if subs, ok := c.eventSubs[name]; ok {
			delete(subs, id)
		}
		c.mu.Unlock()
	}
}

type chatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type chatSendResult struct {
	RunID string `json:"runId"`
}

// ChatSend submits a message and returns the run id the gateway assigned to
// the exchange. Acceptance here is a transport milestone only; completion
// arrives later as chat events.
func (c *Client) ChatSend(ctx context.Context, sessionKey, message string, opts SendOptions) (string, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	result := chatSendResult{}
	err := c.call(callCtx, "chat.send", chatSendParams{
		SessionKey:     sessionKey,
		Message:        message,
		IdempotencyKey: opts.IdempotencyKey,
	}, &result)
	if err != nil {
		return "", err
	}
	if result.RunID == "" {
		return "", &Error{Kind: ErrKindServer, Message: "chat.send returned no run id"}
	}
	return result.RunID, nil
}

type chatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

// ChatHistory fetches recent messages for a session. Entries that fail to
// decode are skipped, never fatal.
func (c *Client) ChatHistory(ctx context.Context, sessionKey string, opts HistoryOptions) ([]HistoryMessage, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var result struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := c.call(callCtx, "chat.history", chatHistoryParams{SessionKey: sessionKey, Limit: opts.Limit}, &result); err != nil {
		return nil, err
	}
	out := make([]HistoryMessage, 0, len(result.Messages))
	for _, raw := range result.Messages {
		var m HistoryMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			log.Warn().Err(err).Str("component", "gateway").Str("session_key", sessionKey).Msg("skipping malformed history entry")
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// CheckHealth probes the gateway. Any failure, including not being connected,
// reports unhealthy rather than an error.
func (c *Client) CheckHealth(ctx context.Context, opts HealthOptions) bool {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var result struct {
		OK bool `json:"ok"`
	}
	err := c.call(callCtx, "health", struct{}{}, &result)
	if err != nil {
		if !opts.Silent {
			log.Warn().Err(err).Str("component", "gateway").Msg("health check failed")
		}
		return false
	}
	return result.OK
}

// RefreshSessions lists the sessions known to the gateway.
func (c *Client) RefreshSessions(ctx context.Context) ([]SessionEntry, error) {
	callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()
	var result struct {
		Sessions []SessionEntry `json:"sessions"`
	}
	if err := c.call(callCtx, "sessions.list", struct{}{}, &result); err != nil {
		return nil, err
	}
	return result.Sessions, nil
}

type patchSessionParams struct {
	SessionKey string       `json:"sessionKey"`
	Patch      SessionPatch `json:"patch"`
}

// PatchSession applies a partial session update server-side.
func (c *Client) PatchSession(ctx context.Context, sessionKey string, patch SessionPatch) error {
	callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()
	return c.call(callCtx, "sessions.patch", patchSessionParams{SessionKey: sessionKey, Patch: patch}, nil)
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	ch := make(chan frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	raw, err := json.Marshal(params)
	if err != nil {
		return errors.Wrapf(err, "marshal %s params", method)
	}
	if err := c.writeFrame(conn, frame{Type: frameTypeRequest, ID: id, Method: method, Params: raw}); err != nil {
		return &Error{Kind: ErrKindNetwork, Message: err.Error()}
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Error{Kind: ErrKindTimeout, Message: method + " timed out"}
		}
		return ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return &Error{Kind: kindFromWireCode(resp.Error.Code), Message: resp.Error.Message}
		}
		if !resp.OK {
			return &Error{Kind: ErrKindServer, Message: method + " rejected"}
		}
		if out == nil || len(resp.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Payload, out); err != nil {
			return errors.Wrapf(err, "decode %s payload", method)
		}
		return nil
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(f)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			current := c.conn == conn
			if current {
				c.conn = nil
			}
			c.mu.Unlock()
			if current {
				log.Debug().Err(err).Str("component", "gateway").Msg("read loop stopped")
				c.failPending(ErrConnectionLost)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Str("component", "gateway").Msg("dropping malformed frame")
			continue
		}
		switch f.Type {
		case frameTypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case frameTypeEvent:
			c.dispatchEvent(f)
		default:
			log.Debug().Str("component", "gateway").Str("frame_type", f.Type).Msg("ignoring unexpected frame type")
		}
	}
}

func (c *Client) dispatchEvent(f frame) {
	if f.Event == "chat" {
		var ev ChatEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			log.Warn().Err(err).Str("component", "gateway").Msg("dropping malformed chat event")
			return
		}
		c.mu.Lock()
		handlers := make([]func(ChatEvent), 0, len(c.chatSubs))
		for _, h := range c.chatSubs {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()
		for _, h := range handlers {
			h(ev)
		}
		return
	}
	c.mu.Lock()
	var handlers []func(json.RawMessage)
	for _, h := range c.eventSubs[f.Event] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(f.Payload)
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = map[uint64]chan frame{}
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- frame{Type: frameTypeResponse, Error: &wireError{Code: "connection_lost", Message: err.Error()}}
	}
}

func classifyDialError(err error, resp *http.Response) error {
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return &Error{Kind: ErrKindAuth, Message: resp.Status}
		case resp.StatusCode >= 500:
			return &Error{Kind: ErrKindServer, Message: resp.Status}
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Kind: ErrKindDNS, Message: dnsErr.Error()}
	}
	var certErr *x509.CertificateInvalidError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	var recordErr tls.RecordHeaderError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) || errors.As(err, &hostErr) || errors.As(err, &recordErr) {
		return &Error{Kind: ErrKindTLS, Message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return &Error{Kind: ErrKindTimeout, Message: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: ErrKindTimeout, Message: netErr.Error()}
		}
		return &Error{Kind: ErrKindNetwork, Message: netErr.Error()}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Error{Kind: ErrKindNetwork, Message: opErr.Error()}
	}
	return &Error{Kind: ErrKindUnknown, Message: err.Error()}
}
