package chatclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Notification topics. Subscribers get JSON payloads and re-read runtime
// snapshots instead of carrying state in the messages.
const (
	TopicTurns      = "chat.turns"
	TopicConnection = "chat.connection"
	TopicBanner     = "chat.banner"
	TopicSessions   = "chat.sessions"
)

// TurnsUpdated announces that the turn list of a session changed.
type TurnsUpdated struct {
	SessionKey string `json:"sessionKey"`
}

// ConnectionChanged announces a connection state transition.
type ConnectionChanged struct {
	State      ConnectionState `json:"state"`
	Diagnostic DiagnosticKind  `json:"diagnostic,omitempty"`
	Detail     string          `json:"detail,omitempty"`
}

// BannerChanged announces the transient banner message ("" clears it).
type BannerChanged struct {
	Message string `json:"message"`
}

// SessionsUpdated announces that the known session list changed.
type SessionsUpdated struct {
	Count int `json:"count"`
}

// Notifier fans runtime notifications out to UI subscribers over an in-memory
// pub/sub.
type Notifier struct {
	pub *gochannel.GoChannel
}

func NewNotifier() *Notifier {
	return &Notifier{
		pub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, newWatermillLogger(log.Logger)),
	}
}

// Subscribe returns the message stream for a topic; it ends when ctx is
// cancelled or the notifier closes.
func (n *Notifier) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if n == nil || n.pub == nil {
		return nil, fmt.Errorf("notifier is not initialized")
	}
	return n.pub.Subscribe(ctx, topic)
}

func (n *Notifier) publish(topic string, payload any) {
	if n == nil || n.pub == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("component", "chatclient").Str("topic", topic).Msg("failed to marshal notification")
		return
	}
	if err := n.pub.Publish(topic, message.NewMessage(uuid.NewString(), b)); err != nil {
		log.Warn().Err(err).Str("component", "chatclient").Str("topic", topic).Msg("failed to publish notification")
	}
}

func (n *Notifier) Close() {
	if n == nil || n.pub == nil {
		return
	}
	if err := n.pub.Close(); err != nil {
		log.Warn().Err(err).Str("component", "chatclient").Msg("notifier close failed")
	}
}

// watermillLogger adapts zerolog to watermill's logger interface.
type watermillLogger struct {
	logger zerolog.Logger
}

func newWatermillLogger(logger zerolog.Logger) watermill.LoggerAdapter {
	return &watermillLogger{logger: logger}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.event(l.logger.Error().Err(err), fields).Msg(msg)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.event(l.logger.Debug(), fields).Msg(msg)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.event(l.logger.Debug(), fields).Msg(msg)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.event(l.logger.Trace(), fields).Msg(msg)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	logger := l.logger
	for k, v := range fields {
		logger = logger.With().Interface(k, v).Logger()
	}
	return &watermillLogger{logger: logger}
}

func (l *watermillLogger) event(ev *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	return ev
}
