// Package chat is the websocket transport for text sessions: admission,
// frame decoding and outbound delivery. All session semantics live in the
// state machine; this package only moves frames.
package chat

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/torisedigital/td-relay/pkg/relay/backend"
	"github.com/torisedigital/td-relay/pkg/relay/dispatch"
	"github.com/torisedigital/td-relay/pkg/relay/lifecycle"
	"github.com/torisedigital/td-relay/pkg/relay/mw"
	"github.com/torisedigital/td-relay/pkg/relay/protocol"
	"github.com/torisedigital/td-relay/pkg/relay/session"
)

// BotResolver looks up a bot's configuration by identifier.
type BotResolver interface {
	Bot(ctx context.Context, botID string) (*backend.Bot, error)
}

// Handler handles /chat websocket sessions.
type Handler struct {
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Registry  *session.Registry
	Bots      BotResolver
	Recorder  session.Recorder

	HTTPClient *http.Client

	AdmissionTimeout  time.Duration
	HeartbeatInterval time.Duration
	WebhookTimeout    time.Duration
	MaxMessageBytes   int64
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	botID := strings.TrimSpace(r.URL.Query().Get("bot_id"))

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.MaxMessageBytes)
	}

	sink := newSink(conn)

	// Admission: a connection without a bot id never becomes a session.
	if botID == "" {
		logger.Warn("chat connection rejected: bot id required")
		_ = sink.SendError("Bot ID required")
		sink.CloseWithCode(websocket.ClosePolicyViolation, "Bot ID required")
		return
	}

	sessionID := "chat_" + mw.RandHex(8)
	logger = logger.With("session_id", sessionID, "bot_id", botID)

	relay := &dispatch.Dispatcher{
		Logger:          logger,
		HTTPClient:      h.HTTPClient,
		Timeout:         h.WebhookTimeout,
		Delivery:        dispatch.UnitDelivery{Logger: logger, Send: sink.SendReply},
		FallbackNoReply: dispatch.FallbackNoReply,
		FallbackFailure: dispatch.FallbackChatFailure,
	}

	m, err := session.New(session.Dependencies{
		Logger:   logger,
		Sink:     sink,
		Chat:     sink,
		Relay:    relay,
		Recorder: h.Recorder,
	}, session.Config{
		ID:                sessionID,
		Channel:           session.ChannelChat,
		BotID:             botID,
		AdmissionTimeout:  h.AdmissionTimeout,
		HeartbeatInterval: h.HeartbeatInterval,
	})
	if err != nil {
		logger.Error("session setup failed", "error", err)
		sink.CloseWithCode(websocket.CloseInternalServerErr, "internal error")
		return
	}

	unregister := h.Registry.Register(m)
	defer unregister()

	go h.resolveBot(m, botID)
	go readLoop(conn, m, logger)

	logger.Info("chat connection established")
	m.Run(r.Context())
}

func (h Handler) resolveBot(m *session.Machine, botID string) {
	timeout := h.AdmissionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	bot, err := h.Bots.Bot(ctx, botID)
	if err != nil {
		m.Deliver(session.BotResolvedEvent{Err: err})
		return
	}
	if bot == nil || !bot.Active {
		m.Deliver(session.BotResolvedEvent{Err: errInactiveBot})
		return
	}
	fields := bot.UserPromptFields
	if len(fields) == 0 {
		fields = protocol.DefaultPromptFields()
	}
	m.Deliver(session.BotResolvedEvent{Bot: &session.BotConfig{
		Name:         bot.Name,
		WebhookURL:   bot.WebhookURL,
		PromptFields: fields,
	}})
}

func readLoop(conn *websocket.Conn, m *session.Machine, logger *slog.Logger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.Deliver(session.CloseEvent{Reason: "client disconnected"})
			return
		}
		decoded, err := protocol.DecodeChatClientMessage(data)
		if err != nil {
			reason := "Error processing message"
			if de, ok := err.(*protocol.DecodeError); ok && de.Code == "unknown_type" {
				reason = "Unknown message type"
			}
			if !m.Deliver(session.BadPayloadEvent{Reason: reason}) {
				return
			}
			continue
		}

		var ok bool
		switch msg := decoded.(type) {
		case protocol.ChatUserDetails:
			ok = m.Deliver(session.UserDetailsEvent{Details: msg.Details})
		case protocol.ChatMessage:
			ok = m.Deliver(session.UtteranceEvent{Text: msg.Content})
		case protocol.ChatPing:
			ok = m.Deliver(session.PingEvent{})
		default:
			logger.Warn("unhandled chat frame", "frame", decoded)
			ok = true
		}
		if !ok {
			return
		}
	}
}

type staticError string

func (e staticError) Error() string { return string(e) }

const errInactiveBot = staticError("bot not found or inactive")

// wsSink serializes writes to the connection: the machine loop and the
// dispatch goroutine both send frames.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn}
}

func (s *wsSink) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *wsSink) SendError(message string) error {
	return s.writeJSON(protocol.ChatError{Type: "error", Message: message})
}

func (s *wsSink) SendWelcome(message string, fields []protocol.PromptField) error {
	return s.writeJSON(protocol.ChatWelcome{Type: "welcome", Message: message, UserPromptFields: fields})
}

func (s *wsSink) SendDetailsAck(message string) error {
	return s.writeJSON(protocol.ChatDetailsReceived{Type: "user_details_received", Message: message})
}

func (s *wsSink) SendReply(message string) error {
	return s.writeJSON(protocol.ChatBotReply{Type: "bot_reply", Message: message})
}

func (s *wsSink) SendPong() error {
	return s.writeJSON(protocol.ChatPong{Type: "pong", Message: "pong"})
}

func (s *wsSink) SendHeartbeat() error {
	return s.writeJSON(protocol.ChatHeartbeat{Type: "heartbeat", Message: "ping"})
}

func (s *wsSink) Close(reason string) {
	s.CloseWithCode(websocket.CloseNormalClosure, reason)
}

func (s *wsSink) CloseWithCode(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(2*time.Second))
	_ = s.conn.Close()
}
